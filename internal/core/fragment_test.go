package core

import (
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

func TestFragmentReassemblerWholeMessageDeliversImmediately(t *testing.T) {
	t.Parallel()

	var got []byte
	r := newFragmentReassembler(time.Now, func(_ peer.Identity, id uint32, body []byte) {
		got = body
	})

	id := testIdentity(1)
	r.Offer(id, wire.Fragment{ID: 1, TotalLen: 5, Offset: 0, Payload: []byte("hello")})

	if string(got) != "hello" {
		t.Errorf("got = %q, want %q", got, "hello")
	}
}

func TestFragmentReassemblerMergesOutOfOrderPieces(t *testing.T) {
	t.Parallel()

	var got []byte
	r := newFragmentReassembler(time.Now, func(_ peer.Identity, id uint32, body []byte) {
		got = body
	})

	sender := testIdentity(2)
	r.Offer(sender, wire.Fragment{ID: 7, TotalLen: 10, Offset: 5, Payload: []byte("world")})
	if got != nil {
		t.Fatal("should not deliver before full coverage")
	}
	r.Offer(sender, wire.Fragment{ID: 7, TotalLen: 10, Offset: 0, Payload: []byte("hello")})

	if string(got) != "helloworld" {
		t.Errorf("got = %q, want %q", got, "helloworld")
	}
}

func TestFragmentReassemblerDropsEnclosedPiece(t *testing.T) {
	t.Parallel()

	var got []byte
	r := newFragmentReassembler(time.Now, func(_ peer.Identity, id uint32, body []byte) {
		got = body
	})

	sender := testIdentity(3)

	// First, a genuine partial piece covering [0,5) of a 10-byte message.
	r.Offer(sender, wire.Fragment{ID: 9, TotalLen: 10, Offset: 0, Payload: []byte("01234")})
	if got != nil {
		t.Fatal("should not deliver before full coverage")
	}

	// A redundant piece whose range [1,4) is fully enclosed by the first
	// piece's [0,5); mergeLocked must drop it rather than splice it in,
	// so its differing content never reaches the assembled body.
	r.Offer(sender, wire.Fragment{ID: 9, TotalLen: 10, Offset: 1, Payload: []byte("XYZ")})
	if got != nil {
		t.Fatal("an enclosed piece must not complete or corrupt the assembly")
	}

	// The remaining range completes coverage.
	r.Offer(sender, wire.Fragment{ID: 9, TotalLen: 10, Offset: 5, Payload: []byte("56789")})

	if string(got) != "0123456789" {
		t.Errorf("got = %q, want %q (enclosed piece must not have corrupted the body)", got, "0123456789")
	}
}

func TestFragmentReassemblerRejectsTotalLenMismatch(t *testing.T) {
	t.Parallel()

	delivered := false
	r := newFragmentReassembler(time.Now, func(_ peer.Identity, id uint32, body []byte) {
		delivered = true
	})

	sender := testIdentity(4)
	r.Offer(sender, wire.Fragment{ID: 11, TotalLen: 10, Offset: 0, Payload: []byte("hello")})
	// Same id, conflicting TotalLen: must be rejected, not merged.
	r.Offer(sender, wire.Fragment{ID: 11, TotalLen: 99, Offset: 5, Payload: []byte("world")})

	if delivered {
		t.Error("a conflicting TotalLen claim must not complete the assembly")
	}
}

func TestFragmentReassemblerOverlapMerge(t *testing.T) {
	t.Parallel()

	var got []byte
	r := newFragmentReassembler(time.Now, func(_ peer.Identity, id uint32, body []byte) {
		got = body
	})

	sender := testIdentity(5)
	r.Offer(sender, wire.Fragment{ID: 13, TotalLen: 8, Offset: 0, Payload: []byte("hello")})
	// Overlapping piece: offset 3 overlaps the first piece's last two bytes.
	r.Offer(sender, wire.Fragment{ID: 13, TotalLen: 8, Offset: 3, Payload: []byte("lowor")})

	if len(got) != 8 {
		t.Fatalf("got = %q (len %d), want an 8-byte merged body", got, len(got))
	}
}

func TestFragmentReassemblerPurgeExpiresStaleAssembly(t *testing.T) {
	t.Parallel()

	now := time.Now()
	clock := now
	r := newFragmentReassembler(func() time.Time { return clock }, func(peer.Identity, uint32, []byte) {})

	sender := testIdentity(6)
	r.Offer(sender, wire.Fragment{ID: 21, TotalLen: 10, Offset: 0, Payload: []byte("hello")})

	if len(r.debugSortedKeys()) != 1 {
		t.Fatalf("expected one in-flight assembly before purge")
	}

	clock = now.Add(fragmentExpiry + time.Second)
	r.Purge(clock)

	if len(r.debugSortedKeys()) != 0 {
		t.Error("Purge should remove assemblies older than fragmentExpiry")
	}
}

func TestFragmentReassemblerPurgeKeepsFreshAssembly(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := newFragmentReassembler(func() time.Time { return now }, func(peer.Identity, uint32, []byte) {})

	sender := testIdentity(7)
	r.Offer(sender, wire.Fragment{ID: 22, TotalLen: 10, Offset: 0, Payload: []byte("hello")})

	r.Purge(now.Add(time.Second))

	if len(r.debugSortedKeys()) != 1 {
		t.Error("Purge should not remove an assembly well within fragmentExpiry")
	}
}
