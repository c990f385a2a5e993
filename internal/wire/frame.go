// Package wire implements the binary codec for overlay connection-core
// frames: the PacketHeader + PartHeader wire format (spec §6.4), the
// HELLO peer advertisement, and fragment messages.
package wire

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
)

// MACLen is the length in bytes of the hash-MAC field. HMAC-SHA512
// produces exactly 64 bytes, a natural fit for the "e.g. MAC_LEN=64"
// the spec leaves as an example.
const MACLen = sha512.Size

// HeaderSize is the size of a PacketHeader: MAC + sequence number (4) +
// timestamp (4) + advertised bandwidth (4).
const HeaderSize = MACLen + 4 + 4 + 4

// PartHeaderSize is the size of a PartHeader: size (u16) + type (u16).
const PartHeaderSize = 4

// Errors returned by frame codec operations.
var (
	ErrShortHeader  = errors.New("wire: buffer shorter than PacketHeader")
	ErrShortPart    = errors.New("wire: buffer shorter than PartHeader")
	ErrPartOverrun  = errors.New("wire: part size exceeds remaining buffer")
	ErrEmptyBuffer  = errors.New("wire: empty buffer")
	ErrMACMismatch  = errors.New("wire: MAC does not match body")
)

// Header is the plaintext PacketHeader prefixed to every datagram.
type Header struct {
	MAC       [MACLen]byte
	Sequence  uint32
	Timestamp uint32 // seconds since Unix epoch
	Bandwidth uint32 // advertised bpm cap
}

// IsPlaintextMarker reports whether the header's non-MAC fields are all
// zero, the convention used by PING/PONG/HELLO frames sent before a
// session key exists (spec §3 "Wire frame", §4.4 step 2).
func (h Header) IsPlaintextMarker() bool {
	return h.Sequence == 0 && h.Timestamp == 0 && h.Bandwidth == 0
}

// EncodeHeader writes h into the first HeaderSize bytes of dst.
// dst must be at least HeaderSize bytes.
func EncodeHeader(dst []byte, h Header) {
	copy(dst[0:MACLen], h.MAC[:])
	binary.BigEndian.PutUint32(dst[MACLen:MACLen+4], h.Sequence)
	binary.BigEndian.PutUint32(dst[MACLen+4:MACLen+8], h.Timestamp)
	binary.BigEndian.PutUint32(dst[MACLen+8:MACLen+12], h.Bandwidth)
}

// DecodeHeader parses a PacketHeader from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, ErrShortHeader
	}
	copy(h.MAC[:], buf[0:MACLen])
	h.Sequence = binary.BigEndian.Uint32(buf[MACLen : MACLen+4])
	h.Timestamp = binary.BigEndian.Uint32(buf[MACLen+4 : MACLen+8])
	h.Bandwidth = binary.BigEndian.Uint32(buf[MACLen+8 : MACLen+12])
	return h, nil
}

// Part is one concatenated part body within a frame, prefixed by a
// PartHeader {size, type}.
type Part struct {
	Type uint16
	Body []byte
}

// EncodeParts concatenates parts, each prefixed with its PartHeader,
// into a freshly allocated buffer.
func EncodeParts(parts []Part) []byte {
	total := 0
	for _, p := range parts {
		total += PartHeaderSize + len(p.Body)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		var hdr [PartHeaderSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(len(p.Body))) //nolint:gosec // size validated by caller
		binary.BigEndian.PutUint16(hdr[2:4], p.Type)
		out = append(out, hdr[:]...)
		out = append(out, p.Body...)
	}
	return out
}

// DecodeParts walks a concatenated parts buffer, realigning (copying)
// each part body so callers never hold a part that straddles a
// misaligned offset relative to machine word boundaries (spec §4.4
// step 6: "Parts may be misaligned ... the pipeline realigns by
// copying where needed").
func DecodeParts(buf []byte) ([]Part, error) {
	var parts []Part
	for len(buf) > 0 {
		if len(buf) < PartHeaderSize {
			return nil, ErrShortPart
		}
		size := binary.BigEndian.Uint16(buf[0:2])
		typ := binary.BigEndian.Uint16(buf[2:4])
		buf = buf[PartHeaderSize:]
		if int(size) > len(buf) {
			return nil, ErrPartOverrun
		}
		body := make([]byte, size)
		copy(body, buf[:size])
		parts = append(parts, Part{Type: typ, Body: body})
		buf = buf[size:]
	}
	return parts, nil
}

// HashMAC computes the hash-MAC over body using key (HMAC-SHA512).
// For plaintext frames the "key" is nil and HashMAC degrades to a plain
// hash of the body (spec §3: "MAC field is set to hash-of-body").
func HashMAC(key, body []byte) [MACLen]byte {
	var out [MACLen]byte
	if key == nil {
		copy(out[:], plainHash(body))
		return out
	}
	mac := hmac.New(sha512.New, key)
	mac.Write(body) //nolint:errcheck // hash.Hash.Write never errors
	copy(out[:], mac.Sum(nil))
	return out
}

// plainHash computes an unkeyed SHA-512 digest, used for the plaintext
// MAC-is-hash-of-body convention.
func plainHash(body []byte) []byte {
	sum := sha512.Sum512(body)
	return sum[:]
}

// VerifyMAC reports whether mac is the correct hash-MAC for body under key.
func VerifyMAC(key, body []byte, mac [MACLen]byte) bool {
	want := HashMAC(key, body)
	return hmac.Equal(want[:], mac[:])
}
