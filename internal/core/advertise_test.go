package core

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// recordingDriver is a fakeDriver that records every Send call and
// returns a fixed Session from Connect, enough to drive advertiser.verify.
type recordingDriver struct {
	fakeDriver
	sent    [][]byte
	session transport.Session
}

func (d *recordingDriver) Connect(context.Context, wire.Hello) (transport.Session, error) {
	return d.session, nil
}

func (d *recordingDriver) Send(_ context.Context, _ transport.Session, b []byte, _ bool) error {
	d.sent = append(d.sent, append([]byte(nil), b...))
	return nil
}

type fakeSession struct{ id peer.Identity }

func (s fakeSession) Peer() peer.Identity { return s.id }
func (s fakeSession) String() string      { return "fake-session" }

func newAdvertiserFixture(t *testing.T, privateNetwork bool) (*advertiser, *recordingDriver, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()

	idStore, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	tbl := NewTable(1_000_000, 1_000)
	known := newKnownHosts(time.Now)
	registry := newHandlerRegistry()
	pings := newPingLedger(time.Now)

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	drv := &recordingDriver{fakeDriver: fakeDriver{proto: "udp"}, session: fakeSession{}}
	drivers := map[string]transport.Driver{"udp": drv}

	a := newAdvertiser(tbl, known, idStore, drivers, registry, pings, privateNetwork, 1_000_000, time.Now, testLogger(), nil)
	return a, drv, pub, priv
}

func remoteHello(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, expiration time.Time) wire.Hello {
	t.Helper()
	h := wire.Hello{
		PublicKey:  pub,
		Originator: peer.FromPublicKey(pub),
		Expiration: expiration,
		Transport:  "udp",
		MTU:        1400,
		Address:    []byte{10, 0, 0, 1},
	}
	h.Sign(priv)
	return h
}

func TestAdvertiserHandleIncomingRejectsBadSignature(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, false)
	h := remoteHello(t, pub, priv, time.Now().Add(time.Hour))
	h.Signature[0] ^= 0xFF

	a.HandleIncoming("udp", nil, h)

	if a.known.Count() != 0 {
		t.Error("a HELLO with a bad signature must never be recorded")
	}
	if len(drv.sent) != 0 {
		t.Error("a rejected HELLO must never trigger a verification send")
	}
}

func TestAdvertiserHandleIncomingNewPeerTriggersVerification(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, false)
	h := remoteHello(t, pub, priv, time.Now().Add(time.Hour))

	a.HandleIncoming("udp", nil, h)

	if a.known.Count() != 0 {
		t.Error("a brand new peer must not be trusted until its PONG arrives")
	}
	if len(drv.sent) != 1 {
		t.Fatalf("HandleIncoming should have sent one verification probe, got %d", len(drv.sent))
	}
}

func TestAdvertiserVerificationCompletesOnPong(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, false)
	h := remoteHello(t, pub, priv, time.Now().Add(time.Hour))

	a.HandleIncoming("udp", nil, h)
	if len(drv.sent) != 1 {
		t.Fatalf("expected one verification send, got %d", len(drv.sent))
	}

	sent := drv.sent[0]
	challenge, err := wire.DecodeChallenge(sent[len(sent)-4:])
	if err != nil {
		t.Fatalf("DecodeChallenge: %v", err)
	}

	if !a.pings.Resolve(h.Originator, challenge) {
		t.Fatal("Resolve should find the ledger entry verify() registered")
	}

	if _, ok := a.known.Get(h.Originator, "udp"); !ok {
		t.Error("a resolved verification PONG should record the peer as known")
	}
}

func TestAdvertiserHandleIncomingTrustsEquivalentImmediately(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, false)
	h := remoteHello(t, pub, priv, time.Now().Add(time.Hour))

	a.known.Put("udp", h)
	a.HandleIncoming("udp", nil, h)

	if len(drv.sent) != 0 {
		t.Error("an equivalent HELLO already on record should be trusted immediately, not re-verified")
	}
}

func TestAdvertiserHandleIncomingPrivateNetworkIgnoresUnknownPeer(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, true)
	h := remoteHello(t, pub, priv, time.Now().Add(time.Hour))

	a.HandleIncoming("udp", nil, h)

	if len(drv.sent) != 0 {
		t.Error("a private-network node must ignore HELLOs from peers it does not already know")
	}
	if a.known.Count() != 0 {
		t.Error("an unknown peer's HELLO must not be recorded in private-network mode")
	}
}

func TestAdvertiserHandleIncomingRejectsExpired(t *testing.T) {
	t.Parallel()

	a, drv, pub, priv := newAdvertiserFixture(t, false)
	h := remoteHello(t, pub, priv, time.Now().Add(-time.Hour))

	a.HandleIncoming("udp", nil, h)

	if len(drv.sent) != 0 {
		t.Error("an expired HELLO must never trigger verification")
	}
}

func TestSignHelloClampsTTLToMaxAge(t *testing.T) {
	t.Parallel()

	a, _, _, _ := newAdvertiserFixture(t, false)
	a.helloTTL = wire.MaxHelloAge * 2

	h := a.signHello(wire.Hello{Transport: "udp"})
	if h.Expiration.After(time.Now().Add(wire.MaxHelloAge).Add(time.Minute)) {
		t.Error("signHello should clamp an over-long TTL to MaxHelloAge")
	}
}
