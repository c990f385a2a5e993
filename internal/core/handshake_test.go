package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// fakeDriver is the minimal transport.Driver a handshake test needs:
// just enough to satisfy helloPart's CreateAdvertisement call. None of
// its network-facing methods are exercised here.
type fakeDriver struct{ proto string }

func (d *fakeDriver) Protocol() string { return d.proto }
func (d *fakeDriver) MTU() int         { return 1400 }
func (d *fakeDriver) Cost() int        { return 1 }

func (d *fakeDriver) CreateAdvertisement(peer.Identity) (wire.Hello, error) {
	return wire.Hello{Transport: d.proto, MTU: 1400, Address: []byte{127, 0, 0, 1}}, nil
}
func (d *fakeDriver) VerifyAdvertisement(wire.Hello) error { return nil }
func (d *fakeDriver) Connect(context.Context, wire.Hello) (transport.Session, error) {
	return nil, nil
}
func (d *fakeDriver) Associate(transport.Session) error  { return nil }
func (d *fakeDriver) Disconnect(transport.Session) error { return nil }
func (d *fakeDriver) Send(context.Context, transport.Session, []byte, bool) error { return nil }
func (d *fakeDriver) TestWouldTry(transport.Session, int, bool) transport.Readiness {
	return transport.ReadinessYes
}
func (d *fakeDriver) StartServer(context.Context, func([]byte, transport.Session)) error { return nil }
func (d *fakeDriver) StopServer() error                                                 { return nil }
func (d *fakeDriver) AddressToString(wire.Hello) string                                 { return "" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// side bundles one peer's handshake fixtures together.
type side struct {
	id    *identity.Store
	table *Table
	hs    *handshake
}

func newSide(t *testing.T) *side {
	t.Helper()
	idStore, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	table := NewTable(1_000_000, 1_000)
	drivers := map[string]transport.Driver{"fake": &fakeDriver{proto: "fake"}}
	registry := newHandlerRegistry()
	pings := newPingLedger(time.Now)
	hs := newHandshake(table, idStore, drivers, registry, pings, time.Now, testLogger(), nil)
	hs.register()
	return &side{id: idStore, table: table, hs: hs}
}

// deliver runs dst's handler chain for every queued sendBuffer entry on
// src's connection toward dst.id.Own(), then clears src's queue (as the
// scheduler would once it drained and sent them).
func deliver(t *testing.T, src *side, dst *side) {
	t.Helper()
	c := src.table.lookupByIdentity(dst.id.Own())
	if c == nil {
		t.Fatal("source has no connection entry toward destination")
	}
	c.mu.Lock()
	entries := c.sendBuffer
	c.sendBuffer = nil
	c.mu.Unlock()

	for _, e := range entries {
		if err := e.prepare(); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if err := dst.hs.registry.dispatch(e.partType, false, src.id.Own(), e.body); err != nil {
			t.Fatalf("dispatch part type %d: %v", e.partType, err)
		}
	}
}

func stateOf(t *testing.T, s *side, id peer.Identity) State {
	t.Helper()
	c := s.table.lookupByIdentity(id)
	if c == nil {
		t.Fatal("connection entry not found")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func TestHandshakeFullExchangeReachesUpBothSides(t *testing.T) {
	t.Parallel()

	alice := newSide(t)
	bob := newSide(t)

	// Alice initiates: DOWN -> KEY_SENT, queues HELLO+SETKEY+PING(1).
	alice.hs.Initiate(bob.id.Own())
	if got := stateOf(t, alice, bob.id.Own()); got != StateKeySent {
		t.Fatalf("alice state after Initiate = %v, want KEY_SENT", got)
	}

	// Bob receives it: DOWN -> KEY_RECEIVED, queues HELLO+SETKEY+PONG(1)+PING(2).
	deliver(t, alice, bob)
	if got := stateOf(t, bob, alice.id.Own()); got != StateKeyReceived {
		t.Fatalf("bob state after receiving SETKEY+PING(1) = %v, want KEY_RECEIVED", got)
	}

	// Alice receives bob's reply: KEY_SENT -> UP, queues PONG(2).
	deliver(t, bob, alice)
	if got := stateOf(t, alice, bob.id.Own()); got != StateUp {
		t.Fatalf("alice state after receiving PONG(1)+PING(2) = %v, want UP", got)
	}

	// Bob receives alice's PONG(2): KEY_RECEIVED -> UP.
	deliver(t, alice, bob)
	if got := stateOf(t, bob, alice.id.Own()); got != StateUp {
		t.Fatalf("bob state after receiving PONG(2) = %v, want UP", got)
	}
}

func TestHandshakeDerivesMatchingSessionKeys(t *testing.T) {
	t.Parallel()

	alice := newSide(t)
	bob := newSide(t)

	alice.hs.Initiate(bob.id.Own())
	deliver(t, alice, bob)
	deliver(t, bob, alice)
	deliver(t, alice, bob)

	aliceConn := alice.table.lookupByIdentity(bob.id.Own())
	bobConn := bob.table.lookupByIdentity(alice.id.Own())

	aliceConn.mu.Lock()
	aliceLocal := append([]byte(nil), aliceConn.skeyLocal...)
	aliceRemote := append([]byte(nil), aliceConn.skeyRemote...)
	aliceConn.mu.Unlock()

	bobConn.mu.Lock()
	bobLocal := append([]byte(nil), bobConn.skeyLocal...)
	bobRemote := append([]byte(nil), bobConn.skeyRemote...)
	bobConn.mu.Unlock()

	if len(aliceLocal) == 0 || len(bobLocal) == 0 {
		t.Fatal("both sides should have derived session keys after the handshake")
	}
	// Alice's local key is what Bob sees as remote, and vice versa.
	if string(aliceLocal) != string(bobRemote) {
		t.Error("alice's local key should equal bob's view of alice's remote key")
	}
	if string(bobLocal) != string(aliceRemote) {
		t.Error("bob's local key should equal alice's view of bob's remote key")
	}
}

func TestHandshakeOnHangupDrivesToDown(t *testing.T) {
	t.Parallel()

	alice := newSide(t)
	bob := newSide(t)

	alice.hs.Initiate(bob.id.Own())
	deliver(t, alice, bob)
	deliver(t, bob, alice)

	if got := stateOf(t, alice, bob.id.Own()); got != StateUp {
		t.Fatalf("alice should be UP before hangup, got %v", got)
	}

	if err := alice.hs.onHangup(bob.id.Own(), nil); err != nil {
		t.Fatalf("onHangup: %v", err)
	}
	if got := stateOf(t, alice, bob.id.Own()); got != StateDown {
		t.Errorf("alice state after onHangup = %v, want DOWN", got)
	}
}

func TestHandshakeInitiateIsNoopWhenNotDown(t *testing.T) {
	t.Parallel()

	alice := newSide(t)
	bob := newSide(t)

	alice.hs.Initiate(bob.id.Own())
	if got := stateOf(t, alice, bob.id.Own()); got != StateKeySent {
		t.Fatalf("state after first Initiate = %v, want KEY_SENT", got)
	}

	c := alice.table.lookupByIdentity(bob.id.Own())
	c.mu.Lock()
	queueLenBefore := len(c.sendBuffer)
	c.mu.Unlock()

	alice.hs.Initiate(bob.id.Own()) // already KEY_SENT, must be a no-op

	c.mu.Lock()
	queueLenAfter := len(c.sendBuffer)
	c.mu.Unlock()

	if queueLenAfter != queueLenBefore {
		t.Errorf("a second Initiate while non-DOWN queued %d more entries, want 0 more", queueLenAfter-queueLenBefore)
	}
}
