package wire_test

import (
	"bytes"
	"testing"

	"github.com/veilnet/overlayd/internal/wire"
)

func TestFragmentEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	f := wire.Fragment{
		ID:       0xDEADBEEF,
		TotalLen: 20,
		Offset:   5,
		Payload:  []byte("0123456789"),
	}

	buf := f.Encode()
	got, err := wire.DecodeFragment(buf)
	if err != nil {
		t.Fatalf("DecodeFragment: %v", err)
	}
	if got.ID != f.ID || got.TotalLen != f.TotalLen || got.Offset != f.Offset {
		t.Errorf("got = %+v, want %+v", got, f)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, f.Payload)
	}
}

func TestFragmentCompleteWholeMessage(t *testing.T) {
	t.Parallel()

	f := wire.Fragment{TotalLen: 5, Offset: 0, Payload: []byte("hello")}
	if !f.Complete() {
		t.Error("fragment spanning the whole message should be Complete")
	}
}

func TestFragmentIncompleteWhenPartial(t *testing.T) {
	t.Parallel()

	f := wire.Fragment{TotalLen: 10, Offset: 0, Payload: []byte("hello")}
	if f.Complete() {
		t.Error("a 5-byte payload of a 10-byte message should not be Complete")
	}

	g := wire.Fragment{TotalLen: 10, Offset: 5, Payload: []byte("world")}
	if g.Complete() {
		t.Error("a nonzero-offset fragment should never be Complete")
	}
}

func TestDecodeFragmentShort(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeFragment([]byte{0x00, 0x01})
	if err != wire.ErrFragmentShort {
		t.Errorf("err = %v, want %v", err, wire.ErrFragmentShort)
	}
}

func TestDecodeFragmentOverrun(t *testing.T) {
	t.Parallel()

	// Offset 98, TotalLen 100, but 3 payload bytes supplied (98+3 > 100).
	f := wire.Fragment{ID: 1, TotalLen: 100, Offset: 98, Payload: []byte("abc")}
	buf := f.Encode()

	_, err := wire.DecodeFragment(buf)
	if err != wire.ErrFragmentOverrun {
		t.Errorf("err = %v, want %v", err, wire.ErrFragmentOverrun)
	}
}

func TestDecodeFragmentOffsetBeyondTotal(t *testing.T) {
	t.Parallel()

	buf := make([]byte, wire.FragmentHeaderSize)
	// ID=0, TotalLen=5, Offset=10 (beyond TotalLen).
	buf[4], buf[5] = 0x00, 0x05
	buf[6], buf[7] = 0x00, 0x0A

	_, err := wire.DecodeFragment(buf)
	if err != wire.ErrFragmentOverrun {
		t.Errorf("err = %v, want %v", err, wire.ErrFragmentOverrun)
	}
}
