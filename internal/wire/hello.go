package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"time"

	"github.com/veilnet/overlayd/internal/peer"
)

// MaxHelloAge is the maximum lifetime of a HELLO advertisement
// (spec §3: "now ≤ expiration ≤ now + maxAge (≈ 10 days)").
const MaxHelloAge = 10 * 24 * time.Hour

// Errors returned while decoding or validating a HELLO.
var (
	ErrHelloShort            = errors.New("wire: HELLO buffer too short")
	ErrHelloAddressOverrun   = errors.New("wire: HELLO address length exceeds buffer")
	ErrHelloIdentityMismatch = errors.New("wire: HELLO identity does not hash from public key")
	ErrHelloSignatureBad     = errors.New("wire: HELLO signature does not verify")
	ErrHelloExpired          = errors.New("wire: HELLO expiration outside valid window")
)

// Hello is a signed peer advertisement for one transport (spec §3).
type Hello struct {
	PublicKey   ed25519.PublicKey
	Originator  peer.Identity
	Expiration  time.Time
	Transport   string
	MTU         uint32
	Address     []byte
	Signature   []byte // over everything but the envelope header
}

// helloFixedSize excludes PublicKey, Transport, Address, Signature,
// which are variable length and framed explicitly.
const helloFixedSize = 4 /*expiration*/ + 4 /*mtu*/ + 2 /*addrLen*/

// SignedBody returns the byte sequence the Signature is computed over:
// everything but the envelope header (here: public key, originator,
// expiration, transport name, mtu, and address).
func (h Hello) SignedBody() []byte {
	body := make([]byte, 0, len(h.PublicKey)+peer.Size+helloFixedSize+len(h.Transport)+len(h.Address)+2)
	body = append(body, h.PublicKey...)
	body = append(body, h.Originator.Bytes()...)

	var expBuf [4]byte
	binary.BigEndian.PutUint32(expBuf[:], uint32(h.Expiration.Unix())) //nolint:gosec // wire format is a 32-bit seconds field
	body = append(body, expBuf[:]...)

	var mtuBuf [4]byte
	binary.BigEndian.PutUint32(mtuBuf[:], h.MTU)
	body = append(body, mtuBuf[:]...)

	var tlenBuf [2]byte
	binary.BigEndian.PutUint16(tlenBuf[:], uint16(len(h.Transport))) //nolint:gosec // transport names are short
	body = append(body, tlenBuf[:]...)
	body = append(body, h.Transport...)

	var alenBuf [2]byte
	binary.BigEndian.PutUint16(alenBuf[:], uint16(len(h.Address))) //nolint:gosec // validated by caller
	body = append(body, alenBuf[:]...)
	body = append(body, h.Address...)

	return body
}

// Sign computes and attaches the Signature over SignedBody() using priv.
func (h *Hello) Sign(priv ed25519.PrivateKey) {
	h.Signature = ed25519.Sign(priv, h.SignedBody())
}

// Validate checks the three invariants from spec §3:
//
//	hash(publicKey) == originator identity
//	signature verifies against publicKey
//	now ≤ expiration ≤ now + maxAge
func (h Hello) Validate(now time.Time) error {
	if peer.FromPublicKey(h.PublicKey) != h.Originator {
		return ErrHelloIdentityMismatch
	}
	if !ed25519.Verify(h.PublicKey, h.SignedBody(), h.Signature) {
		return ErrHelloSignatureBad
	}
	if h.Expiration.Before(now) || h.Expiration.After(now.Add(MaxHelloAge)) {
		return ErrHelloExpired
	}
	return nil
}

// Encode serializes h to bytes, including the signature trailer.
func (h Hello) Encode() []byte {
	body := h.SignedBody()
	// Prefix the public key length so Decode can split PublicKey from
	// Originator unambiguously (Ed25519 public keys are fixed at 32
	// bytes, but we frame the length anyway for forward compatibility).
	out := make([]byte, 0, len(body)+2+len(h.Signature))
	var pklenBuf [2]byte
	binary.BigEndian.PutUint16(pklenBuf[:], uint16(len(h.PublicKey))) //nolint:gosec // ed25519 keys are 32 bytes
	out = append(out, pklenBuf[:]...)
	out = append(out, body...)
	out = append(out, h.Signature...)
	return out
}

// Decode parses a Hello from buf (the inverse of Encode).
func Decode(buf []byte) (Hello, error) {
	var h Hello

	if len(buf) < 2 {
		return h, ErrHelloShort
	}
	pklen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]

	if len(buf) < pklen+peer.Size+helloFixedSize {
		return h, ErrHelloShort
	}
	h.PublicKey = append(ed25519.PublicKey(nil), buf[:pklen]...)
	buf = buf[pklen:]

	orig, err := peer.FromBytes(buf[:peer.Size])
	if err != nil {
		return h, err
	}
	h.Originator = orig
	buf = buf[peer.Size:]

	h.Expiration = time.Unix(int64(binary.BigEndian.Uint32(buf[0:4])), 0).UTC()
	h.MTU = binary.BigEndian.Uint32(buf[4:8])
	tlen := int(binary.BigEndian.Uint16(buf[8:10]))
	buf = buf[10:]

	if len(buf) < tlen {
		return h, ErrHelloShort
	}
	h.Transport = string(buf[:tlen])
	buf = buf[tlen:]

	if len(buf) < 2 {
		return h, ErrHelloShort
	}
	alen := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < alen {
		return h, ErrHelloAddressOverrun
	}
	h.Address = append([]byte(nil), buf[:alen]...)
	buf = buf[alen:]

	h.Signature = append([]byte(nil), buf...)
	return h, nil
}

// Equivalent reports whether two HELLOs describe the same peer on the
// same transport with the same address, ignoring the TTL/Expiration
// field (spec §4.9 incoming-HELLO handling, step 2: "If identical to a
// stored HELLO ... ignoring TTL, trust immediately").
func (h Hello) Equivalent(other Hello) bool {
	if h.Originator != other.Originator || h.Transport != other.Transport {
		return false
	}
	if len(h.Address) != len(other.Address) {
		return false
	}
	for i := range h.Address {
		if h.Address[i] != other.Address[i] {
			return false
		}
	}
	return true
}
