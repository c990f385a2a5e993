package core

import (
	"strconv"
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// partTypeLabel renders a part type as a Prometheus label value: a
// name for the wire-reserved types, the bare number otherwise.
func partTypeLabel(partType uint16) string {
	switch partType {
	case wire.PartTypeHello:
		return "hello"
	case wire.PartTypeSetkey:
		return "setkey"
	case wire.PartTypePing:
		return "ping"
	case wire.PartTypePong:
		return "pong"
	case wire.PartTypeHangup:
		return "hangup"
	case wire.PartTypeFragment:
		return "fragment"
	case partTypeNoise:
		return "noise"
	default:
		return strconv.Itoa(int(partType))
	}
}

// trafficHistorySize bounds how many time-unit buckets trafficStats
// keeps per (part type, direction) key (original source traffic.h's
// HISTORY_SIZE).
const trafficHistorySize = 32

// trafficUnit is the width of one history bucket.
const trafficUnit = time.Minute

type trafficDirection int

const (
	trafficSend trafficDirection = iota
	trafficReceive
)

func (d trafficDirection) String() string {
	if d == trafficReceive {
		return "received"
	}
	return "sent"
}

type trafficKey struct {
	partType  uint16
	direction trafficDirection
}

// trafficBucket accumulates one time unit's activity for one key.
type trafficBucket struct {
	count     uint32
	totalSize uint64
	peers     map[peer.Identity]struct{}
}

func newTrafficBucket() *trafficBucket {
	return &trafficBucket{peers: make(map[peer.Identity]struct{})}
}

// trafficSeries is one key's ring of history buckets, plus the slot it
// was last written at so stale slots can be cleared lazily as time
// advances (original source: the HISTORY_SIZE-wide circular counters
// underlying updateTrafficSendCounter/updateTrafficReceiveCounter).
type trafficSeries struct {
	lastSlot int
	lastTime time.Time
	buckets  [trafficHistorySize]*trafficBucket
}

// advance clears every slot the ring has rotated past since lastTime,
// so a key that goes quiet doesn't keep reporting decades-old activity
// once the ring wraps back around to its stale slots.
func (s *trafficSeries) advance(now time.Time, slot int) {
	if slot == s.lastSlot && now.Sub(s.lastTime) < trafficUnit {
		return
	}
	if now.Sub(s.lastTime) >= trafficHistorySize*trafficUnit {
		for i := range s.buckets {
			s.buckets[i] = nil
		}
	} else {
		for idx := (s.lastSlot + 1) % trafficHistorySize; idx != slot; idx = (idx + 1) % trafficHistorySize {
			s.buckets[idx] = nil
		}
		s.buckets[slot] = nil
	}
	s.lastSlot = slot
	s.lastTime = now
}

// trafficStats is a per-message-type rolling traffic counter
// (supplemented from original source traffic.c/.h, not present in
// spec.md's distillation): how many messages of each part type were
// sent or received, over a sliding window of trafficHistorySize time
// units, and how many distinct peers were involved.
type trafficStats struct {
	mu     sync.Mutex
	nowFn  func() time.Time
	epoch  time.Time
	series map[trafficKey]*trafficSeries
}

func newTrafficStats(nowFn func() time.Time) *trafficStats {
	now := nowFn()
	return &trafficStats{
		nowFn:  nowFn,
		epoch:  now,
		series: make(map[trafficKey]*trafficSeries),
	}
}

func (t *trafficStats) slotIndex(now time.Time) int {
	elapsed := int(now.Sub(t.epoch) / trafficUnit)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed % trafficHistorySize
}

// record registers one message of partType/size exchanged with peer id
// in the given direction (trafficSend from the scheduler, trafficReceive
// from the inbound pipeline).
func (t *trafficStats) record(direction trafficDirection, partType uint16, size int, id peer.Identity) {
	now := t.nowFn()
	t.mu.Lock()
	defer t.mu.Unlock()

	key := trafficKey{partType: partType, direction: direction}
	series, ok := t.series[key]
	if !ok {
		series = &trafficSeries{lastTime: now}
		t.series[key] = series
	}

	slot := t.slotIndex(now)
	series.advance(now, slot)

	b := series.buckets[slot]
	if b == nil {
		b = newTrafficBucket()
		series.buckets[slot] = b
	}
	b.count++
	b.totalSize += uint64(size)
	b.peers[id] = struct{}{}
}

// Stats reports the rolling window's aggregate for partType/direction
// over the last periods time units (clamped to trafficHistorySize):
// average message size, message count, and distinct peer count —
// mirrors getTrafficStats's avgMessageSize/messageCount/peerCount
// outputs.
func (t *trafficStats) Stats(direction trafficDirection, partType uint16, periods int) (avgSize, count, peers int) {
	if periods <= 0 || periods > trafficHistorySize {
		periods = trafficHistorySize
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := trafficKey{partType: partType, direction: direction}
	series, ok := t.series[key]
	if !ok {
		return 0, 0, 0
	}

	now := t.nowFn()
	slot := t.slotIndex(now)
	series.advance(now, slot)

	seen := make(map[peer.Identity]struct{})
	var totalCount uint32
	var totalSize uint64
	for i := 0; i < periods; i++ {
		idx := (slot - i + trafficHistorySize) % trafficHistorySize
		b := series.buckets[idx]
		if b == nil {
			continue
		}
		totalCount += b.count
		totalSize += b.totalSize
		for p := range b.peers {
			seen[p] = struct{}{}
		}
	}
	if totalCount == 0 {
		return 0, 0, len(seen)
	}
	return int(totalSize / uint64(totalCount)), int(totalCount), len(seen)
}

// TrafficSnapshot is one (part type, direction) key's full-window
// aggregate, for exposure through internal/metrics and
// internal/introspect.
type TrafficSnapshot struct {
	PartType     uint16
	Direction    string
	MessageCount int
	AvgSize      int
	PeerCount    int
}

// Snapshot returns the full-window aggregate for every key that has
// seen traffic at least once.
func (t *trafficStats) Snapshot() []TrafficSnapshot {
	t.mu.Lock()
	keys := make([]trafficKey, 0, len(t.series))
	for k := range t.series {
		keys = append(keys, k)
	}
	t.mu.Unlock()

	out := make([]TrafficSnapshot, 0, len(keys))
	for _, k := range keys {
		avg, count, peers := t.Stats(k.direction, k.partType, trafficHistorySize)
		out = append(out, TrafficSnapshot{
			PartType:     k.partType,
			Direction:    k.direction.String(),
			MessageCount: count,
			AvgSize:      avg,
			PeerCount:    peers,
		})
	}
	return out
}
