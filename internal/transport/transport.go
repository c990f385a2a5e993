// Package transport defines the Transport capability (spec §6.1): the
// interface every wire driver implements, plus a Session handle type
// and a concrete UDP driver.
package transport

import (
	"context"
	"errors"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// Readiness is the result of TestWouldTry: whether a driver believes it
// can send size bytes to a session right now.
type Readiness int

const (
	ReadinessNo Readiness = iota
	ReadinessYes
	ReadinessErr
)

func (r Readiness) String() string {
	switch r {
	case ReadinessYes:
		return "YES"
	case ReadinessErr:
		return "ERR"
	default:
		return "NO"
	}
}

// Session is an opaque, driver-owned handle to a bound peer connection
// (e.g. a UDP 4-tuple or a TCP socket). Core code never inspects it; it
// only threads it back through Driver.Send/TestWouldTry/Connect.
type Session interface {
	// Peer returns the identity this session is bound to, if known.
	Peer() peer.Identity
	// String returns a human-readable description for logs.
	String() string
}

// ErrUnsupportedTransport is returned by driver registries when no
// driver advertises a matching protocol name.
var ErrUnsupportedTransport = errors.New("transport: no driver for protocol")

// Driver is the capability a wire transport exports to the connection
// core (spec §6.1). One process may register several drivers (UDP,
// TCP, ...); the core picks among them by MTU/cost when assembling an
// outbound datagram.
type Driver interface {
	// Protocol returns the transport's name, e.g. "udp".
	Protocol() string
	// MTU returns the maximum payload size this driver can deliver in
	// one frame.
	MTU() int
	// Cost returns a relative cost figure used to prefer cheaper
	// transports when several are viable for the same peer.
	Cost() int

	// CreateAdvertisement builds an unsigned HELLO for id's own address
	// on this transport. The public key, expiration and signature are
	// left for the caller to fill (signing with identity.Store.Sign).
	CreateAdvertisement(id peer.Identity) (wire.Hello, error)
	// VerifyAdvertisement checks that h's Address is well-formed for
	// this transport (syntax only; signature/identity checks are
	// wire.Hello.Validate's job).
	VerifyAdvertisement(h wire.Hello) error

	// Connect establishes (or looks up) a Session toward the peer
	// described by h. If h.Address resolves to more than one network
	// address, only the first is used — callers needing all of them
	// must advertise separate HELLOs, one per address.
	Connect(ctx context.Context, h wire.Hello) (Session, error)
	// Associate registers a Session the driver delivered through
	// StartServer's recv callback with the core, so the driver knows to
	// notify on close instead of discarding it once recv returns. It can
	// also be used to probe whether a later Disconnect would be valid,
	// without ever sending on the session.
	Associate(s Session) error
	// Disconnect closes s. Valid on a Session obtained from either
	// Connect or Associate.
	Disconnect(s Session) error
	// Send writes b to s. If force is true the driver should make a
	// best effort even if its readiness heuristic says no.
	Send(ctx context.Context, s Session, b []byte, force bool) error
	// TestWouldTry reports whether Send(s, size bytes) is likely to
	// succeed without actually sending.
	TestWouldTry(s Session, size int, force bool) Readiness

	// StartServer begins accepting inbound datagrams, invoking recv for
	// each one with its originating Session.
	StartServer(ctx context.Context, recv func([]byte, Session)) error
	// StopServer halts the accept loop started by StartServer.
	StopServer() error

	// AddressToString renders h's Address field for logs/diagnostics.
	AddressToString(h wire.Hello) string
}
