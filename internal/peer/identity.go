// Package peer defines the identity type that keys every per-peer
// structure in the connection core: the connection table, the
// known-hosts store, the ping-pong ledger, and the fragment reassembler.
package peer

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"errors"
)

// Size is the length in bytes of an Identity (512 bits).
const Size = sha512.Size

// ErrShortIdentity indicates a byte slice too short to decode as an Identity.
var ErrShortIdentity = errors.New("identity: byte slice shorter than 64 bytes")

// Identity is the 512-bit hash of a peer's Ed25519 public key.
// It is compared bitwise and used to key every per-peer structure.
type Identity [Size]byte

// FromPublicKey derives the Identity for a given Ed25519 public key.
// This is the only legitimate way to construct an Identity for a peer
// whose key is known; it enforces the invariant hash(publicKey) == id.
func FromPublicKey(pub ed25519.PublicKey) Identity {
	return Identity(sha512.Sum512(pub))
}

// FromBytes decodes an Identity from a 64-byte slice.
func FromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) < Size {
		return id, ErrShortIdentity
	}
	copy(id[:], b[:Size])
	return id, nil
}

// Bytes returns the identity as a byte slice.
func (id Identity) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// String returns the lowercase hex encoding of the identity, truncated
// to the first 8 bytes (16 hex characters) for log readability (the
// full value is recoverable via Hex).
func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full lowercase hex encoding of the identity. Used for
// on-disk known-hosts and trust file names.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identity is the zero value (never a valid
// peer identity, since it cannot be the hash of any public key with
// overwhelming probability).
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Less provides a total order over identities so callers (e.g. the
// advertisement loop's deterministic test fixtures) can sort peer sets.
func (id Identity) Less(other Identity) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
