package core

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
)

// minTableSize and maxTableSize bound the table's bucket-array size
// (spec §4.1: "clamp(maxBpm / (4*minBpmPerPeer), 4, 256)").
const (
	minTableSize = 4
	maxTableSize = 256
)

// bucket is one head-pointer slot; entries sharing the same low bits
// of their identity's first word chain via next, forming the overflow
// list the spec names explicitly (spec §4.1: "entries with the same
// low bits of their identity's first word chain via overflowChain").
type bucket struct {
	head *tableNode
}

type tableNode struct {
	conn *connection
	next *tableNode
}

// Table is the connection table: a power-of-two-sized hash-indexed
// array of bucket head pointers with overflow chaining (spec §4.1).
// All table access is guarded by one mutex, per spec §2's concurrency
// model ("All table access is guarded by one connection-wide mutex").
type Table struct {
	mu      sync.Mutex
	buckets []bucket
	count   int
	nowFn   func() time.Time
}

// sizeForBandwidth computes the clamped bucket-array size for a given
// downstream bandwidth cap and per-peer minimum (spec §4.1).
func sizeForBandwidth(maxBpm, minBpmPerPeer int64) int {
	if minBpmPerPeer <= 0 {
		minBpmPerPeer = 1
	}
	size := int(maxBpm / (4 * minBpmPerPeer))
	size = nextPowerOfTwo(size)
	if size < minTableSize {
		size = minTableSize
	}
	if size > maxTableSize {
		size = maxTableSize
	}
	return size
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NewTable builds an empty Table sized for the given bandwidth budget.
func NewTable(maxBpm, minBpmPerPeer int64) *Table {
	size := sizeForBandwidth(maxBpm, minBpmPerPeer)
	return &Table{
		buckets: make([]bucket, size),
		nowFn:   time.Now,
	}
}

// index computes the bucket for an identity from the low bits of its
// first 32-bit word, matching spec §4.1's indexing rule.
func (t *Table) index(id peer.Identity) int {
	word := binary.BigEndian.Uint32(id[:4])
	return int(word) & (len(t.buckets) - 1)
}

// lookupLocked returns the entry for id, or nil. Caller must hold t.mu.
func (t *Table) lookupLocked(id peer.Identity) *connection {
	idx := t.index(id)
	for n := t.buckets[idx].head; n != nil; n = n.next {
		if n.conn.peerID == id {
			return n.conn
		}
	}
	return nil
}

// lookupByIdentity returns the live *connection for id, or nil. Unlike
// Lookup (which returns an immutable snapshot for external callers),
// this is for internal/core's own pipeline and scheduler code, which
// need to take the entry's own mutex next.
func (t *Table) lookupByIdentity(id peer.Identity) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(id)
}

// Lookup returns a snapshot of id's entry, if any.
func (t *Table) Lookup(id peer.Identity) (SessionSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.lookupLocked(id)
	if c == nil {
		return SessionSnapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// AddHost returns id's existing entry, or creates one in DOWN. This is
// the only path that inserts a row into the table (spec §4.1:
// "addHost(id, connect?) returns an existing entry or creates one in
// DOWN"). AddHost takes no connect flag: callers decide whether to
// start a key exchange; Table itself only owns storage and state, not
// handshake initiation.
func (t *Table) AddHost(id peer.Identity) *connection {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c := t.lookupLocked(id); c != nil {
		return c
	}

	t.maybeResizeLocked()

	c := newConnection(id, t.nowFn())
	idx := t.index(id)
	t.buckets[idx].head = &tableNode{conn: c, next: t.buckets[idx].head}
	t.count++
	return c
}

// Remove deletes id's entry entirely (distinct from Disconnect, which
// only drives the entry to DOWN and leaves it in the table for possible
// reconnection).
func (t *Table) Remove(id peer.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(id)
	var prev *tableNode
	for n := t.buckets[idx].head; n != nil; n = n.next {
		if n.conn.peerID == id {
			if prev == nil {
				t.buckets[idx].head = n.next
			} else {
				prev.next = n.next
			}
			t.count--
			return
		}
		prev = n
	}
}

// maybeResizeLocked grows the bucket array when the table is crowded
// past 3/4 capacity, rehashing every existing entry. Caller must hold
// t.mu.
func (t *Table) maybeResizeLocked() {
	if len(t.buckets) >= maxTableSize {
		return
	}
	if t.count*4 < len(t.buckets)*3 {
		return
	}
	old := t.buckets
	t.buckets = make([]bucket, len(old)*2)
	for _, b := range old {
		for n := b.head; n != nil; {
			next := n.next
			idx := t.index(n.conn.peerID)
			n.next = t.buckets[idx].head
			t.buckets[idx].head = n
			n = next
		}
	}
}

// ForEach invokes fn for a snapshot of every entry that was in the
// table when the call began. fn is called with neither the table's
// mutex nor any entry's mutex held.
func (t *Table) ForEach(fn func(SessionSnapshot)) {
	t.mu.Lock()
	conns := make([]*connection, 0, t.count)
	for _, b := range t.buckets {
		for n := b.head; n != nil; n = n.next {
			conns = append(conns, n.conn)
		}
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		snap := c.snapshot()
		c.mu.Unlock()
		fn(snap)
	}
}

// Len returns the number of entries currently in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Capacity returns the current bucket-array size.
func (t *Table) Capacity() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buckets)
}

// Disconnect applies the local side of the HANGUP procedure: it drives
// the entry's FSM with EventHangup, clears keys and resets the violation
// count when the transition calls for it. It does not enqueue a HANGUP
// part, so the peer is not notified; the same function handles a
// received HANGUP.
func (t *Table) Disconnect(id peer.Identity) {
	t.mu.Lock()
	c := t.lookupLocked(id)
	t.mu.Unlock()
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	result := ApplyEvent(c.status, EventHangup)
	if !result.Changed {
		return
	}
	c.status = result.NewState
	for _, a := range result.Actions {
		if a == ActionClearKeys {
			c.clearKeys()
		}
		if a == ActionResetViolations {
			c.violations = 0
		}
	}
}
