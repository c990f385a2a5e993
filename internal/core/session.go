package core

import (
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
)

// MaxBufFact bounds the token bucket: availableSendWindow never
// exceeds maxBpm * MaxBufFact (spec §3, §4.3 step 2).
const MaxBufFact = 2

// InactivityTimeout is how long a UP connection tolerates no encrypted
// traffic before falling back to DOWN (spec §4.2).
const InactivityTimeout = 5 * time.Minute

// HandshakeTimeout is how long a non-UP connection tolerates no
// handshake progress before falling back to DOWN (spec §4.2).
const HandshakeTimeout = 150 * time.Second // 2.5 minutes

// connection is one BufferEntry: the per-peer connection table row
// (spec §3 "BufferEntry"). It is never exposed directly outside
// internal/core; callers see a SessionSnapshot instead, mirroring the
// teacher's sessionEntry/SessionSnapshot split.
type connection struct {
	mu sync.Mutex

	peerID    peer.Identity
	session   transport.Session
	transport string // driver name session is bound to, e.g. "udp"
	mtu       int

	status State

	skeyLocal        []byte
	skeyLocalCreated time.Time
	skeyRemote       []byte
	skeyRemoteCreated time.Time

	lastAlive time.Time

	lastSeqRecv uint32
	recvBitmap  uint32
	lastSeqSend uint32

	sendBuffer []*sendEntry

	availableSendWindow int64
	lastBpsUpdate       time.Time
	maxBpm              int64

	recentlyReceived        int64
	currentConnectionValue  float64
	idealizedLimit          int64
	maxTransmittedLimit     int64
	violations              int

	inSendBuffer bool

	lastSendAttempt  time.Time
	lastProgress     time.Time // bumped on any handshake-advancing event
	pingChallenge    uint32    // outstanding challenge for this handshake, 0 if none
}

// SessionSnapshot is the read-only external view of a connection (spec
// §6.3's Connection capability), mirroring the teacher's
// SessionSnapshot/SessionCounters split between mutable internal state
// and an immutable reporting struct.
type SessionSnapshot struct {
	Peer       peer.Identity
	Status     State
	MTU        int
	LastAlive  time.Time
	QueueDepth int
	Window     int64
	MaxBpm     int64
	Idealized  int64
	Violations int
}

func newConnection(id peer.Identity, now time.Time) *connection {
	return &connection{
		peerID:        id,
		status:        StateDown,
		lastAlive:     now,
		lastBpsUpdate: now,
		lastProgress:  now,
	}
}

// snapshot copies c's externally-visible fields. Caller must hold c.mu.
func (c *connection) snapshot() SessionSnapshot {
	return SessionSnapshot{
		Peer:       c.peerID,
		Status:     c.status,
		MTU:        c.mtu,
		LastAlive:  c.lastAlive,
		QueueDepth: len(c.sendBuffer),
		Window:     c.availableSendWindow,
		MaxBpm:     c.maxBpm,
		Idealized:  c.idealizedLimit,
		Violations: c.violations,
	}
}

// clearKeys zeroes both session keys in place (spec §5: "Session keys
// are zeroed on DOWN transitions"), rather than merely dropping the
// slice reference, so key material does not linger in freed-but-not
// yet-collected memory.
func (c *connection) clearKeys() {
	for i := range c.skeyLocal {
		c.skeyLocal[i] = 0
	}
	for i := range c.skeyRemote {
		c.skeyRemote[i] = 0
	}
	c.skeyLocal = nil
	c.skeyRemote = nil
}
