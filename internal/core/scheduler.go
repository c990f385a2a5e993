package core

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// secondsPinAttempt bounds entry expiry independent of selection (spec
// §4.3 step 8: "SECONDS_PINGATTEMPT (~2 min)").
const secondsPinAttempt = 2 * time.Minute

// minSampleCount and the resulting minSampleTime bound how often the
// scheduler must run for a given peer (spec §4.3 step 1).
const minSampleCount = 2

// scheduler assembles and seals one outbound datagram per tick for
// every UP connection with queued work (spec §4.3). Grounded on the
// teacher's per-session ticker-driven transmit loop, generalized from
// a fixed-format BFD control packet to the variable-content,
// variable-MTU assembly pipeline this spec describes.
type scheduler struct {
	registry *handlerRegistry
	nowFn    func() time.Time
	rng      *mrand.Rand

	// cpuLoadPercent is sampled externally (e.g. from runtime stats) and
	// consulted by the packetized-mode fallback (spec §4.3 step 3).
	cpuLoadPercent func() float64

	// metrics is optional; nil means every counter bump below is a no-op.
	metrics *metrics.Collector

	// traffic is optional; nil means per-part-type accounting is skipped.
	traffic *trafficStats
}

func newScheduler(registry *handlerRegistry, nowFn func() time.Time, cpuLoad func() float64) *scheduler {
	return &scheduler{
		registry:       registry,
		nowFn:          nowFn,
		rng:            mrand.New(mrand.NewSource(1)), //nolint:gosec // placement permutation is not security-sensitive
		cpuLoadPercent: cpuLoad,
	}
}

// withMetrics attaches an optional collector after construction, so
// every existing newScheduler call site keeps working unchanged.
func (s *scheduler) withMetrics(c *metrics.Collector) *scheduler {
	s.metrics = c
	return s
}

// withTraffic attaches an optional rolling traffic counter after
// construction, for the same reason withMetrics does.
func (s *scheduler) withTraffic(t *trafficStats) *scheduler {
	s.traffic = t
	return s
}

// tick runs the 8-step assembly for c and, if a datagram was produced,
// hands it to drv over sess. Returns (sent bytes, error); 0 bytes with
// a nil error means the tick produced nothing to send (frequency gate,
// empty window, or no entries fit).
func (s *scheduler) tick(ctx context.Context, c *connection, drv transport.Driver, sess transport.Session) (int, error) {
	c.mu.Lock()

	if c.inSendBuffer {
		c.mu.Unlock()
		return 0, nil
	}

	now := s.nowFn()

	// Step 8 runs first and independently of selection: drop expired
	// entries regardless of what else happens this tick.
	s.expireLocked(c, now)

	// Ticked regardless of FSM state: spec §4.3's "for each UP entry"
	// describes steady-state traffic, but the plaintext HELLO/SETKEY/
	// PING/PONG frames that drive DOWN/KEY_SENT/KEY_RECEIVED toward UP
	// (spec §4.2) are themselves ordinary SendEntry rows and must reach
	// the wire through this same assembly path before UP is ever
	// reached (see DESIGN.md's Open Question decision).
	if len(c.sendBuffer) == 0 {
		c.mu.Unlock()
		return 0, nil
	}

	mtu := c.mtu
	if mtu <= 0 {
		mtu = drv.MTU()
	}

	// Step 1: frequency gate.
	if !s.frequencyGateLocked(c, now, mtu) {
		c.mu.Unlock()
		return 0, nil
	}

	// Step 2: token-bucket refill.
	s.refillWindowLocked(c, now)

	// Step 3: selection.
	headerBudget := mtu - wire.HeaderSize
	if headerBudget <= 0 {
		headerBudget = knapsackHardCap
	}
	// budget throttles ordinary entries to whatever the token bucket
	// still has; a depleted or negative window (Open Question (a):
	// admin/HANGUP traffic may drive it negative) clamps budget to 0
	// rather than leaving it at the full MTU. headerBudget remains the
	// separate, window-independent hard cap EXTREME-priority entries
	// are still allowed against, below.
	budget := headerBudget
	if c.availableSendWindow <= 0 {
		budget = 0
	} else if int64(headerBudget) > c.availableSendWindow {
		budget = int(c.availableSendWindow)
	}

	var selectedIdx []int
	if drv.MTU() == 0 {
		selectedIdx = s.selectStreaming(c, now, headerBudget, budget)
	} else {
		if s.cpuLoadPercent != nil && shouldUseGreedy(s.cpuLoadPercent(), s.rng) {
			selectedIdx = selectGreedy(c.sendBuffer, headerBudget, budget)
		} else {
			selectedIdx = selectKnapsack(c.sendBuffer, headerBudget, budget)
		}
	}
	if len(selectedIdx) == 0 {
		c.mu.Unlock()
		return 0, nil
	}

	selected := make([]*sendEntry, 0, len(selectedIdx))
	for _, i := range selectedIdx {
		selected = append(selected, c.sendBuffer[i])
	}

	// Step 4: preparation (lazy body rendering).
	prepared := selected[:0]
	for _, e := range selected {
		if err := e.prepare(); err != nil {
			continue // drop entries whose builder fails
		}
		prepared = append(prepared, e)
	}
	selected = prepared
	if len(selected) == 0 {
		c.mu.Unlock()
		return 0, nil
	}

	// Step 5: placement permutation.
	ordered := placementOrder(selected, s.rng)

	parts := make([]wire.Part, 0, len(ordered))
	total := 0
	plaintextFrame := false
	for _, e := range ordered {
		parts = append(parts, wire.Part{Type: e.partType, Body: e.body})
		total += wire.PartHeaderSize + len(e.body)
		if e.forcePlaintext {
			plaintextFrame = true
		}
		if s.traffic != nil {
			s.traffic.record(trafficSend, e.partType, len(e.body), c.peerID)
		}
		if s.metrics != nil {
			s.metrics.RecordTraffic(partTypeLabel(e.partType), trafficSend.String(), len(e.body))
		}
	}

	// Step 6: padding + noise-fill.
	if s.registry != nil {
		remaining := mtu - wire.HeaderSize - total
		if pad := s.registry.fillPadding(remaining); len(pad) > 0 {
			parts = append(parts, wire.Part{Type: partTypeNoise, Body: pad})
			total += wire.PartHeaderSize + len(pad)
		}
	}

	body := wire.EncodeParts(parts)

	// Step 7: sealing.
	datagram, err := s.seal(c, body, now, plaintextFrame)
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("core: seal datagram for peer %s: %w", c.peerID, err)
	}

	// The connection mutex is released across the transport send (spec
	// §5): a socket write can block, and other threads must still be
	// able to operate on other entries meanwhile. inSendBuffer prevents
	// a second thread from entering this same entry's send path while
	// it is unlocked.
	c.inSendBuffer = true
	c.mu.Unlock()

	sendErr := drv.Send(ctx, sess, datagram, false)

	c.mu.Lock()
	c.inSendBuffer = false
	if sendErr != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("core: send to peer %s: %w", c.peerID, sendErr)
	}

	c.lastSeqSend++
	c.availableSendWindow -= int64(len(datagram))
	consumeEntriesLocked(c, selected)
	c.mu.Unlock()

	if s.registry != nil {
		s.registry.notifySend(c.peerID, len(datagram))
	}
	if s.metrics != nil {
		s.metrics.IncFramesSent(c.peerID.String(), c.transport)
	}

	return len(datagram), nil
}

// partTypeNoise marks a padding body as pseudo-random filler rather
// than application content (spec §4.3 step 6).
const partTypeNoise uint16 = 0xFFFF

// frequencyGateLocked implements spec §4.3 step 1. Caller holds c.mu.
func (s *scheduler) frequencyGateLocked(c *connection, now time.Time, mtu int) bool {
	if c.maxBpm <= 0 {
		return true
	}
	effectiveMTU := mtu
	if effectiveMTU <= 0 {
		effectiveMTU = 1500
	}
	minInterval := time.Duration(int64(effectiveMTU) * int64(time.Minute) / c.maxBpm)

	minBpmPerPeer := int64(1)
	minSampleTime := time.Duration(minSampleCount*int64(effectiveMTU)*int64(time.Minute)) / time.Duration(minBpmPerPeer)
	if minInterval > minSampleTime/minSampleCount {
		minInterval = minSampleTime / minSampleCount
	}

	if !c.lastSendAttempt.IsZero() && now.Sub(c.lastSendAttempt) < minInterval {
		return false
	}
	c.lastSendAttempt = now
	return true
}

// refillWindowLocked implements spec §4.3 step 2. Caller holds c.mu.
func (s *scheduler) refillWindowLocked(c *connection, now time.Time) {
	if c.maxBpm <= 0 {
		c.lastBpsUpdate = now
		return
	}
	elapsed := now.Sub(c.lastBpsUpdate)
	if elapsed <= 0 {
		return
	}
	delta := int64(float64(c.maxBpm) * elapsed.Minutes())
	if delta < 100 {
		// Increments below 100 bytes are deferred to avoid rounding loss.
		return
	}
	c.availableSendWindow += delta
	cap := c.maxBpm * MaxBufFact
	if c.availableSendWindow > cap {
		c.availableSendWindow = cap // overflow past cap is discarded and not reported
	}
	c.lastBpsUpdate = now
}

// selectStreaming implements spec §4.3 step 3, streaming-mode path
// (MTU == 0). The queue is assumed maintained in descending
// priority/length order by whatever enqueues into c.sendBuffer.
// extremeBudget is the window-independent hard cap EXTREME-priority
// entries are admitted against ("always admit any EXTREME-priority
// entry that fits"); budget is the window-throttled cap everything
// else is admitted against, and may be 0 when the token bucket is
// depleted.
func (s *scheduler) selectStreaming(c *connection, now time.Time, extremeBudget, budget int) []int {
	var selected []int
	used := 0
	hasExtreme := false

	for i, e := range c.sendBuffer {
		if e.priority >= PriorityExtreme && e.length <= extremeBudget-used {
			selected = append(selected, i)
			used += e.length
			hasExtreme = true
		}
	}

	if !hasExtreme {
		nearDeadline := false
		for _, e := range c.sendBuffer {
			if !e.deadline.IsZero() && e.deadline.Sub(now) < 500*time.Millisecond {
				nearDeadline = true
				break
			}
		}
		if len(c.sendBuffer) < 4 && !nearDeadline {
			// Small-message batching: defer with probability 15/16.
			if s.rng.Intn(16) != 0 {
				return selected
			}
		}
	}

	for i, e := range c.sendBuffer {
		if e.priority >= PriorityExtreme {
			continue // already selected above
		}
		if used+e.length > budget || used+e.length > knapsackHardCap {
			continue
		}
		selected = append(selected, i)
		used += e.length
	}
	return selected
}

// placementOrder implements spec §4.3 step 5: random permutation, then
// head/tail entries migrate to their ends while preserving mutual
// order, none-flagged entries fill the middle.
func placementOrder(entries []*sendEntry, rng *mrand.Rand) []*sendEntry {
	shuffled := append([]*sendEntry(nil), entries...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var head, mid, tail []*sendEntry
	for _, e := range shuffled {
		switch e.flags {
		case PlaceHead:
			head = append(head, e)
		case PlaceTail:
			tail = append(tail, e)
		default:
			mid = append(mid, e)
		}
	}
	out := make([]*sendEntry, 0, len(entries))
	out = append(out, head...)
	out = append(out, mid...)
	out = append(out, tail...)
	return out
}

// expireLocked drops entries whose deadline lies more than
// secondsPinAttempt in the past (spec §4.3 step 8). Entries without a
// deadline are kept, and there is no cap on the queue's total byte
// size. Caller holds c.mu.
func (s *scheduler) expireLocked(c *connection, now time.Time) {
	cutoff := now.Add(-secondsPinAttempt)
	kept := c.sendBuffer[:0]
	for _, e := range c.sendBuffer {
		if !e.deadline.IsZero() && e.deadline.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	c.sendBuffer = kept
}

// consumeEntriesLocked removes sent from c.sendBuffer by identity
// rather than index: the buffer may have been mutated by a concurrent
// enqueue while c.mu was released for the transport send (spec §5),
// so stale positional indices would remove the wrong rows. Caller
// holds c.mu.
func consumeEntriesLocked(c *connection, sent []*sendEntry) {
	remove := make(map[*sendEntry]bool, len(sent))
	for _, e := range sent {
		remove[e] = true
	}
	kept := c.sendBuffer[:0]
	for _, e := range c.sendBuffer {
		if remove[e] {
			continue
		}
		kept = append(kept, e)
	}
	c.sendBuffer = kept
}

// seal implements spec §4.3 step 7: compute the hash-MAC over
// everything after the MAC field, write it into the header, then
// encrypt from the sequence number onward under skeyLocal using the
// MAC's first 16 bytes as the AES-256-CTR IV. Frames sent before a
// session key exists, or that themselves carry the SETKEY a peer needs
// in order to derive a key to decrypt with, skip encryption and use an
// unkeyed hash as their MAC instead (spec §3's plaintext convention):
// signaled by a nil skeyLocal or by forcePlaintext on a selected entry.
func (s *scheduler) seal(c *connection, body []byte, now time.Time, forcePlaintext bool) ([]byte, error) {
	if c.skeyLocal == nil || forcePlaintext {
		// Plaintext convention (spec §3): PacketHeader all-zero, MAC set
		// to an unkeyed hash of the body, so a receiver can tell this
		// frame apart from an encrypted one without holding a key yet.
		hdr := wire.Header{MAC: wire.HashMAC(nil, body)}
		out := make([]byte, wire.HeaderSize+len(body))
		wire.EncodeHeader(out, hdr)
		copy(out[wire.HeaderSize:], body)
		return out, nil
	}

	hdr := wire.Header{
		Sequence:  c.lastSeqSend + 1,
		Timestamp: uint32(now.Unix()),
		Bandwidth: uint32(c.idealizedLimit),
	}

	plain := make([]byte, 4+4+4+len(body))
	putUint32(plain[0:4], hdr.Sequence)
	putUint32(plain[4:8], hdr.Timestamp)
	putUint32(plain[8:12], hdr.Bandwidth)
	copy(plain[12:], body)

	hdr.MAC = wire.HashMAC(c.skeyLocal, plain)

	block, err := aes.NewCipher(c.skeyLocal[:32])
	if err != nil {
		return nil, fmt.Errorf("new AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, hdr.MAC[:16])
	cipherText := make([]byte, len(plain))
	stream.XORKeyStream(cipherText, plain)

	out := make([]byte, wire.HeaderSize+len(cipherText))
	wire.EncodeHeader(out, hdr)
	copy(out[wire.HeaderSize:], cipherText)
	return out, nil
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// sampleNoise returns n cryptographically random bytes for noise-fill
// padding (spec §4.3 step 6). Defined here rather than in handlers.go
// since it is the default padding callback the manager registers when
// padding is enabled and no application callback covers the remaining
// budget.
func sampleNoise(n int) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf) //nolint:errcheck // crypto/rand.Read on a fixed-size buffer does not fail in practice
	return buf
}
