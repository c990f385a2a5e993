package core

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/veilnet/overlayd/internal/identity"
)

// bandwidthAllocator runs the periodic fair-share inbound bandwidth
// redistribution described in spec §4.6. No pack example implements
// fair-share bandwidth allocation, so the iterative-distribution
// algorithm below follows the spec's own pseudocode directly rather
// than a teacher template.
type bandwidthAllocator struct {
	table    *Table
	identity *identity.Store
	logger   *slog.Logger
	nowFn    func() time.Time
	rng      *rand.Rand

	maxBpm        int64
	minBpmPerPeer int64

	// downloadLoadPercent is sampled externally and feeds the pool
	// scale-down in schedulablePool; nil means never scale.
	downloadLoadPercent func() float64

	lastRun time.Time
}

// withDownloadLoad attaches an optional download-load sampler after
// construction, the same post-construction-setter pattern scheduler's
// withMetrics/withTraffic use, to avoid touching existing
// newBandwidthAllocator call sites.
func (a *bandwidthAllocator) withDownloadLoad(f func() float64) *bandwidthAllocator {
	a.downloadLoadPercent = f
	return a
}

func newBandwidthAllocator(table *Table, id *identity.Store, maxBpm, minBpmPerPeer int64, nowFn func() time.Time, logger *slog.Logger) *bandwidthAllocator {
	return &bandwidthAllocator{
		table:         table,
		identity:      id,
		logger:        logger.With(slog.String("component", "core.bandwidth")),
		nowFn:         nowFn,
		rng:           rand.New(rand.NewSource(2)), //nolint:gosec // fairness shuffling is not security-sensitive
		maxBpm:        maxBpm,
		minBpmPerPeer: minBpmPerPeer,
	}
}

// minSampleTime is the minimum period between rebalance runs unless the
// table is crowded past 1/16 capacity (spec §4.6).
func (a *bandwidthAllocator) minSampleTime() time.Duration {
	if a.minBpmPerPeer <= 0 {
		return time.Minute
	}
	return time.Duration(minSampleCount*1500) * time.Minute / time.Duration(a.minBpmPerPeer)
}

// shouldRun gates rebalance frequency (spec §4.6: "The period must be
// at least minSampleTime; earlier runs only execute if the table is
// crowded (> 1/16 capacity)").
func (a *bandwidthAllocator) shouldRun(now time.Time) bool {
	if a.lastRun.IsZero() {
		return true
	}
	since := now.Sub(a.lastRun)
	if since >= a.minSampleTime() {
		return true
	}
	return a.table.Len()*16 > a.table.Capacity()
}

// rebalanceTarget is the per-entry working state the allocator mutates
// across the steps of one rebalance pass.
type rebalanceTarget struct {
	conn      *connection
	share     float64
	adjusted  float64
	newLimit  int64
	minSlot   bool
}

// Rebalance runs one pass of spec §4.6 over every UP connection.
func (a *bandwidthAllocator) Rebalance() {
	now := a.nowFn()
	if !a.shouldRun(now) {
		return
	}
	a.lastRun = now

	var targets []*rebalanceTarget
	a.table.mu.Lock()
	for _, b := range a.table.buckets {
		for n := b.head; n != nil; n = n.next {
			n.conn.mu.Lock()
			if n.conn.status == StateUp {
				targets = append(targets, &rebalanceTarget{conn: n.conn})
			} else {
				n.conn.mu.Unlock()
				continue
			}
			n.conn.mu.Unlock()
		}
	}
	a.table.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	a.computeShares(targets)
	pool := a.schedulablePool(len(targets))
	a.detectViolations(targets, now)
	a.distribute(targets, pool)
	a.sprinkleChurnBonuses(targets)
	a.ageValues(targets, now)
	a.enforceMinimum(targets)
}

// step 1
func (a *bandwidthAllocator) computeShares(targets []*rebalanceTarget) {
	var sum float64
	for _, t := range targets {
		t.conn.mu.Lock()
		v := t.conn.currentConnectionValue
		t.conn.mu.Unlock()
		if v < 0 {
			v = 0
		}
		t.share = v
		sum += v
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(targets))
		for _, t := range targets {
			t.share = uniform
		}
		return
	}
	for _, t := range targets {
		t.share /= sum
	}
}

// step 2
func (a *bandwidthAllocator) schedulablePool(activeCount int) int64 {
	minCon := int64(activeCount)
	halfCapacity := int64(a.table.Capacity() / 2)
	if halfCapacity < minCon {
		minCon = halfCapacity
	}
	pool := a.maxBpm - minCon*a.minBpmPerPeer
	if pool < 0 {
		pool = 0
	}

	// Counter-measure against an oversubscribed downlink: scale the
	// pool down proportionally once reported download load exceeds
	// 100% (connection.c: "if (load > 100) schedulableBandwidth =
	// schedulableBandwidth * 100 / load").
	if a.downloadLoadPercent != nil {
		if load := a.downloadLoadPercent(); load > 100 {
			pool = int64(float64(pool) * 100 / load)
		}
	}
	return pool
}

// step 3
func (a *bandwidthAllocator) detectViolations(targets []*rebalanceTarget, now time.Time) {
	for _, t := range targets {
		t.conn.mu.Lock()
		windowMinutes := now.Sub(t.conn.lastBpsUpdate).Minutes()
		if windowMinutes <= 0 {
			windowMinutes = 1
		}
		adjusted := float64(t.conn.recentlyReceived) / windowMinutes
		t.adjusted = adjusted

		cap := t.conn.maxTransmittedLimit
		if t.conn.idealizedLimit > cap {
			cap = t.conn.idealizedLimit
		}
		threshold := 2 * MaxBufFact * float64(cap)

		if adjusted > threshold && threshold > 0 {
			t.conn.violations++
			if t.conn.violations > 10 {
				saturation := adjusted / threshold
				backoff := time.Duration(float64(time.Minute) / saturation)
				id := t.conn.peerID
				t.conn.mu.Unlock()
				if a.identity != nil {
					a.identity.Blacklist(id, backoff, true)
				}
				a.table.Disconnect(id)
				continue
			}
		} else if adjusted < float64(t.conn.maxTransmittedLimit)/2 && t.conn.violations > 0 {
			t.conn.violations--
		}
		t.conn.mu.Unlock()
	}
}

// step 4/5/6: iterative distribution, remainder, churn bonuses.
func (a *bandwidthAllocator) distribute(targets []*rebalanceTarget, pool int64) {
	for _, t := range targets {
		t.newLimit = 0
	}

	order := a.rng.Perm(len(targets))
	firstPass := true
	for pool > int64(len(targets))*100 {
		progressed := false
		for _, idx := range order {
			t := targets[idx]
			if pool <= 0 {
				break
			}
			grant := int64(0)
			if firstPass {
				grant = int64(2 * t.adjusted * t.share)
			}
			if grant > pool {
				grant = pool
			}
			if grant > 0 {
				t.newLimit += grant
				pool -= grant
				progressed = true
			}
		}
		firstPass = false

		minCon := int64(len(targets))
		halfCapacity := int64(a.table.Capacity() / 2)
		if halfCapacity < minCon {
			minCon = halfCapacity
		}
		granted := int64(0)
		for _, idx := range order {
			if granted >= minCon || pool < a.minBpmPerPeer {
				break
			}
			t := targets[idx]
			t.newLimit += a.minBpmPerPeer
			pool -= a.minBpmPerPeer
			granted++
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if pool > 0 && len(targets) > 0 {
		each := pool / int64(len(targets))
		for _, t := range targets {
			t.newLimit += each
		}
	}
}

func (a *bandwidthAllocator) sprinkleChurnBonuses(targets []*rebalanceTarget) {
	minCon := int64(len(targets))
	halfCapacity := int64(a.table.Capacity() / 2)
	if halfCapacity < minCon {
		minCon = halfCapacity
	}
	if minCon <= 0 {
		return
	}
	order := a.rng.Perm(len(targets))
	for i := int64(0); i < minCon && int(i) < len(order); i++ {
		targets[order[i]].newLimit += a.minBpmPerPeer
	}
}

// step 7
func (a *bandwidthAllocator) ageValues(targets []*rebalanceTarget, now time.Time) {
	for _, t := range targets {
		t.conn.mu.Lock()
		elapsed := now.Sub(t.conn.lastBpsUpdate)
		if a.rng.Float64() < elapsed.Minutes() {
			t.conn.currentConnectionValue *= 0.9
		}
		decay := float64(t.conn.idealizedLimit) * elapsed.Minutes() / 2
		t.conn.recentlyReceived -= int64(decay)
		if t.conn.recentlyReceived < 0 {
			t.conn.recentlyReceived = 0
		}
		t.conn.mu.Unlock()
	}
}

// step 8
func (a *bandwidthAllocator) enforceMinimum(targets []*rebalanceTarget) {
	for _, t := range targets {
		t.conn.mu.Lock()
		if t.newLimit < a.minBpmPerPeer {
			t.newLimit = a.minBpmPerPeer
			id := t.conn.peerID
			t.conn.idealizedLimit = t.newLimit
			t.conn.mu.Unlock()
			// Too-many-peers policy: the peer is disconnected at once via
			// Table.Disconnect; queued traffic is not drained first.
			a.table.Disconnect(id)
			continue
		}
		t.conn.idealizedLimit = t.newLimit
		t.conn.mu.Unlock()
	}
}
