package core

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
)

// MaxPingPong is the fixed size of the ping-pong ledger (spec §4.7).
const MaxPingPong = 64

// PingAction runs exactly once when the matching PONG arrives.
type PingAction func()

// pingEntry is one ledger row (spec §3/§4.7 "PingEntry").
type pingEntry struct {
	receiver  peer.Identity
	challenge uint32
	action    PingAction
	sendTime  time.Time
	used      bool
}

// pingLedger is the fixed-size table mapping (peer, challenge) to a
// deferred action (spec §4.7). Grounded on the teacher's
// DiscriminatorAllocator: a small mutex-guarded fixed-capacity
// allocator, generalized from "allocate a unique uint32" to "allocate
// a ledger slot and evict the oldest on overflow".
type pingLedger struct {
	mu      sync.Mutex
	entries [MaxPingPong]pingEntry
	next    int // ring cursor, also the eviction candidate
	nowFn   func() time.Time
}

func newPingLedger(nowFn func() time.Time) *pingLedger {
	return &pingLedger{nowFn: nowFn}
}

// newChallenge draws a random 32-bit challenge.
func newChallenge() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:]) //nolint:errcheck // crypto/rand.Read on a fixed buffer does not fail in practice
	return binary.BigEndian.Uint32(buf[:])
}

// Register inserts a new PingEntry, evicting the oldest slot if the
// ledger is full (spec §4.7: "evicting the oldest slot").
func (l *pingLedger) Register(receiver peer.Identity, action PingAction) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()

	challenge := newChallenge()
	slot := l.next
	l.next = (l.next + 1) % MaxPingPong

	l.entries[slot] = pingEntry{
		receiver:  receiver,
		challenge: challenge,
		action:    action,
		sendTime:  l.nowFn(),
		used:      true,
	}
	return challenge
}

// Resolve finds the slot matching (receiver, challenge), invokes its
// action exactly once, and frees the slot (spec §4.7: "the matching
// slot's action is invoked exactly once, the slot freed"). Reports
// whether a match was found.
func (l *pingLedger) Resolve(receiver peer.Identity, challenge uint32) bool {
	l.mu.Lock()
	var action PingAction
	found := false
	for i := range l.entries {
		e := &l.entries[i]
		if e.used && e.receiver == receiver && e.challenge == challenge {
			action = e.action
			*e = pingEntry{}
			found = true
			break
		}
	}
	l.mu.Unlock()

	if found && action != nil {
		action()
	}
	return found
}
