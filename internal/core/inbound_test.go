package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/wire"
)

func TestAcceptSequenceMonotonicAdvance(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(1), time.Now())

	if !acceptSequence(c, 1) {
		t.Fatal("first sequence number should be accepted")
	}
	if c.lastSeqRecv != 1 {
		t.Errorf("lastSeqRecv = %d, want 1", c.lastSeqRecv)
	}
	if !acceptSequence(c, 2) {
		t.Fatal("strictly increasing sequence should be accepted")
	}
	if c.lastSeqRecv != 2 {
		t.Errorf("lastSeqRecv = %d, want 2", c.lastSeqRecv)
	}
}

func TestAcceptSequenceRejectsExactReplay(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(2), time.Now())
	acceptSequence(c, 10)

	if acceptSequence(c, 10) {
		t.Error("an exact repeat of the last sequence number must be rejected")
	}
}

func TestAcceptSequenceAcceptsOutOfOrderWithinWindow(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(3), time.Now())
	acceptSequence(c, 100)

	if !acceptSequence(c, 95) {
		t.Error("a sequence 5 behind the last should be accepted once")
	}
	if acceptSequence(c, 95) {
		t.Error("re-accepting the same out-of-order sequence should be rejected as a replay")
	}
}

func TestAcceptSequenceRejectsBeyondWindow(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(4), time.Now())
	acceptSequence(c, 1000)

	if acceptSequence(c, 1000-replayWindow-1) {
		t.Error("a sequence beyond the replay window should be rejected")
	}
}

func TestAcceptSequenceLargeForwardJumpResetsBitmap(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(5), time.Now())
	acceptSequence(c, 10)
	acceptSequence(c, 9) // mark bit for 9 as seen

	// Jump far enough forward that the bitmap shift clears everything.
	acceptSequence(c, 10+replayWindow+5)

	if acceptSequence(c, 9) {
		t.Error("a sequence number from before a large forward jump must not be replayable as new")
	}
}

func TestSealAndDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(6), time.Now())
	c.skeyLocal = bytes.Repeat([]byte{0x11}, 32)
	c.idealizedLimit = 5000

	sched := newScheduler(nil, time.Now, nil)
	body := []byte("application payload bytes")

	datagram, err := sched.seal(c, body, time.Now(), false)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	hdr, err := wire.DecodeHeader(datagram)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}

	rest := datagram[wire.HeaderSize:]
	got, ok := decryptFrame(c.skeyLocal, hdr, rest)
	if !ok {
		t.Fatal("decryptFrame should verify a frame sealed with the same key")
	}
	if string(got[12:]) != string(body) {
		t.Errorf("decrypted body = %q, want %q", got[12:], body)
	}
}

func TestSealPlaintextWhenNoSessionKey(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(7), time.Now())
	sched := newScheduler(nil, time.Now, nil)
	body := []byte("handshake body")

	datagram, err := sched.seal(c, body, time.Now(), false)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	hdr, err := wire.DecodeHeader(datagram)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if !hdr.IsPlaintextMarker() {
		t.Error("sealing without a session key should produce a plaintext-marker header")
	}
}

func TestDecryptFrameRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	c := newConnection(testIdentity(8), time.Now())
	c.skeyLocal = bytes.Repeat([]byte{0x22}, 32)

	sched := newScheduler(nil, time.Now, nil)
	datagram, err := sched.seal(c, []byte("payload"), time.Now(), false)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	hdr, err := wire.DecodeHeader(datagram)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	rest := append([]byte(nil), datagram[wire.HeaderSize:]...)
	rest[0] ^= 0xFF

	if _, ok := decryptFrame(c.skeyLocal, hdr, rest); ok {
		t.Error("decryptFrame should reject a tampered ciphertext")
	}
}

func TestBeUint32(t *testing.T) {
	t.Parallel()

	b := []byte{0x01, 0x02, 0x03, 0x04}
	if got := beUint32(b); got != 0x01020304 {
		t.Errorf("beUint32 = %#x, want 0x01020304", got)
	}
}
