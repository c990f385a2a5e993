package core

import (
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
)

func testIdentity(seed byte) peer.Identity {
	var id peer.Identity
	id[0] = seed
	return id
}

func TestTableAddHostCreatesInDown(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	id := testIdentity(1)

	c := tbl.AddHost(id)
	if c == nil {
		t.Fatal("AddHost returned nil")
	}
	if c.status != StateDown {
		t.Errorf("status = %v, want DOWN", c.status)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestTableAddHostIsIdempotent(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	id := testIdentity(2)

	first := tbl.AddHost(id)
	second := tbl.AddHost(id)
	if first != second {
		t.Error("AddHost should return the existing entry for a known identity")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestTableLookupMissingReturnsFalse(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	_, ok := tbl.Lookup(testIdentity(3))
	if ok {
		t.Error("Lookup of unknown identity should return ok=false")
	}
}

func TestTableLookupReturnsSnapshot(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	id := testIdentity(4)
	c := tbl.AddHost(id)
	c.mu.Lock()
	c.mtu = 1400
	c.mu.Unlock()

	snap, ok := tbl.Lookup(id)
	if !ok {
		t.Fatal("Lookup should find the entry just added")
	}
	if snap.Peer != id {
		t.Errorf("snap.Peer = %x, want %x", snap.Peer, id)
	}
	if snap.MTU != 1400 {
		t.Errorf("snap.MTU = %d, want 1400", snap.MTU)
	}
}

func TestTableRemoveDeletesEntry(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	id := testIdentity(5)
	tbl.AddHost(id)
	tbl.Remove(id)

	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after Remove", tbl.Len())
	}
	if _, ok := tbl.Lookup(id); ok {
		t.Error("Lookup should fail after Remove")
	}
}

func TestTableForEachVisitsAllEntries(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	want := map[peer.Identity]bool{}
	for i := byte(1); i <= 10; i++ {
		id := testIdentity(i)
		tbl.AddHost(id)
		want[id] = true
	}

	got := map[peer.Identity]bool{}
	tbl.ForEach(func(s SessionSnapshot) {
		got[s.Peer] = true
	})

	if len(got) != len(want) {
		t.Fatalf("ForEach visited %d entries, want %d", len(got), len(want))
	}
	for id := range want {
		if !got[id] {
			t.Errorf("ForEach missed identity %x", id)
		}
	}
}

func TestTableResizesUnderLoad(t *testing.T) {
	t.Parallel()

	tbl := NewTable(4*4*1_000, 1_000) // sizeForBandwidth -> minTableSize (4)
	initial := tbl.Capacity()

	for i := byte(1); i <= 20; i++ {
		tbl.AddHost(testIdentity(i))
	}

	if tbl.Capacity() <= initial {
		t.Errorf("Capacity() = %d, want growth beyond initial %d after inserting 20 entries", tbl.Capacity(), initial)
	}
	if tbl.Len() != 20 {
		t.Errorf("Len() = %d, want 20", tbl.Len())
	}
}

func TestSizeForBandwidthClamps(t *testing.T) {
	t.Parallel()

	if got := sizeForBandwidth(1, 1_000_000); got != minTableSize {
		t.Errorf("sizeForBandwidth(tiny) = %d, want minTableSize %d", got, minTableSize)
	}
	if got := sizeForBandwidth(1_000_000_000_000, 1); got != maxTableSize {
		t.Errorf("sizeForBandwidth(huge) = %d, want maxTableSize %d", got, maxTableSize)
	}
}

func TestTableDisconnectDrivesFSMToDown(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	id := testIdentity(6)
	c := tbl.AddHost(id)

	c.mu.Lock()
	c.status = StateUp
	c.skeyLocal = []byte{1, 2, 3}
	c.violations = 2
	c.mu.Unlock()

	tbl.Disconnect(id)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StateDown {
		t.Errorf("status = %v, want DOWN", c.status)
	}
	if c.skeyLocal != nil {
		t.Error("skeyLocal should be cleared on Disconnect")
	}
	if c.violations != 0 {
		t.Errorf("violations = %d, want 0", c.violations)
	}
}

func TestTableDisconnectUnknownIdentityIsNoop(t *testing.T) {
	t.Parallel()

	tbl := NewTable(1_000_000, 1_000)
	tbl.Disconnect(testIdentity(99)) // must not panic
}

func TestNewConnectionStartsDown(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := newConnection(testIdentity(7), now)
	if c.status != StateDown {
		t.Errorf("status = %v, want DOWN", c.status)
	}
	if !c.lastAlive.Equal(now) {
		t.Errorf("lastAlive = %v, want %v", c.lastAlive, now)
	}
}

func TestConnectionClearKeysZeroesAndNils(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(8), time.Now())
	c.skeyLocal = []byte{1, 2, 3}
	c.skeyRemote = []byte{4, 5, 6}

	c.clearKeys()

	if c.skeyLocal != nil || c.skeyRemote != nil {
		t.Error("clearKeys should nil both key slices")
	}
}
