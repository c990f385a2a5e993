package core

import "time"

// Priority is a monotone scheduling weight; higher sorts first.
type Priority int32

const (
	PriorityLow     Priority = 0
	PriorityDefault Priority = 1
	PriorityHigh    Priority = 2
	// PriorityExtreme entries are always admitted if they fit (spec §4.3
	// step 3). They pass through the frequency gate like any other entry.
	PriorityExtreme Priority = 1 << 30
)

// Placement controls where a selected entry lands within the assembled
// datagram (spec §4.3 step 5).
type Placement uint8

const (
	PlaceNone Placement = iota
	PlaceHead
	PlaceTail
)

// BuildFunc lazily renders an entry's body. It is invoked at most once,
// during preparation (spec §4.3 step 4); a non-nil error drops and
// frees the entry instead of scheduling it.
type BuildFunc func() ([]byte, error)

// sendEntry is one unit of queued outbound work (spec §3 "SendEntry").
type sendEntry struct {
	length int // bytes the message will occupy once built
	flags  Placement
	priority Priority
	deadline time.Time

	// Exactly one of build/body is set: build for a lazy entry, body
	// for one that already holds a ready buffer (spec §3 invariant).
	build BuildFunc
	body  []byte

	partType uint16

	knapsackSelected bool

	// forcePlaintext marks an entry that must travel in the clear even
	// if a session key already exists, because its own content (a
	// SETKEY part) is what the receiver needs in order to derive the
	// key to decrypt with in the first place (spec §3's "PING/PONG/
	// HELLO frames may be sent in the clear when no session key is
	// available" — generalized here to "or when this frame IS the
	// delivery of that key").
	forcePlaintext bool
}

// newLazyEntry queues work whose body is rendered later, during
// preparation.
func newLazyEntry(length int, partType uint16, flags Placement, priority Priority, deadline time.Time, build BuildFunc) *sendEntry {
	return &sendEntry{
		length:   length,
		flags:    flags,
		priority: priority,
		deadline: deadline,
		build:    build,
		partType: partType,
	}
}

// newReadyEntry queues a pre-built buffer.
func newReadyEntry(body []byte, partType uint16, flags Placement, priority Priority, deadline time.Time) *sendEntry {
	return &sendEntry{
		length:   len(body),
		flags:    flags,
		priority: priority,
		deadline: deadline,
		body:     body,
		partType: partType,
	}
}

// newPlaintextEntry queues a pre-built buffer that must be sealed
// without encryption regardless of session-key state (handshake
// SETKEY-bearing messages; see forcePlaintext).
func newPlaintextEntry(body []byte, partType uint16, flags Placement, priority Priority, deadline time.Time) *sendEntry {
	e := newReadyEntry(body, partType, flags, priority, deadline)
	e.forcePlaintext = true
	return e
}

// prepare resolves a lazy entry's body by invoking its builder exactly
// once. Entries with an already-ready body are unaffected.
func (e *sendEntry) prepare() error {
	if e.build == nil {
		return nil
	}
	body, err := e.build()
	if err != nil {
		return err
	}
	e.body = body
	e.build = nil
	return nil
}

// expired reports whether e's deadline has passed relative to now,
// independent of knapsack selection (spec §4.3 step 8).
func (e *sendEntry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && now.After(e.deadline)
}
