package wire_test

import (
	"bytes"
	"testing"

	"github.com/veilnet/overlayd/internal/wire"
)

func TestSetkeyEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	pub := bytes.Repeat([]byte{0x42}, wire.SetkeyLen)

	body := wire.EncodeSetkey(pub)
	got, err := wire.DecodeSetkey(body)
	if err != nil {
		t.Fatalf("DecodeSetkey: %v", err)
	}
	if !bytes.Equal(got, pub) {
		t.Errorf("got = %v, want %v", got, pub)
	}
}

func TestDecodeSetkeyShort(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeSetkey(make([]byte, wire.SetkeyLen-1))
	if err != wire.ErrSetkeyShort {
		t.Errorf("err = %v, want %v", err, wire.ErrSetkeyShort)
	}
}

func TestChallengeEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF}

	for _, challenge := range tests {
		body := wire.EncodeChallenge(challenge)
		got, err := wire.DecodeChallenge(body)
		if err != nil {
			t.Fatalf("DecodeChallenge(%d): %v", challenge, err)
		}
		if got != challenge {
			t.Errorf("got = %d, want %d", got, challenge)
		}
	}
}

func TestDecodeChallengeShort(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeChallenge([]byte{0x00, 0x01})
	if err != wire.ErrPingPongShort {
		t.Errorf("err = %v, want %v", err, wire.ErrPingPongShort)
	}
}
