package wire

import "errors"

// SetkeyLen is the length of a SETKEY part body: a single X25519
// ephemeral public key (spec §4.2's SETKEY carries the material a peer
// needs to derive the shared session key).
const SetkeyLen = 32

// ErrSetkeyShort indicates a SETKEY part body shorter than SetkeyLen.
var ErrSetkeyShort = errors.New("wire: SETKEY body too short")

// DecodeSetkey extracts the 32-byte ephemeral public key from a SETKEY
// part body.
func DecodeSetkey(body []byte) ([]byte, error) {
	if len(body) < SetkeyLen {
		return nil, ErrSetkeyShort
	}
	return append([]byte(nil), body[:SetkeyLen]...), nil
}

// EncodeSetkey frames an ephemeral public key as a SETKEY part body.
func EncodeSetkey(pub []byte) []byte {
	return append([]byte(nil), pub...)
}

// PingPongLen is the length of a PING/PONG part body: a 32-bit challenge.
const PingPongLen = 4

// ErrPingPongShort indicates a PING/PONG part body shorter than PingPongLen.
var ErrPingPongShort = errors.New("wire: PING/PONG body too short")

// DecodeChallenge extracts the 32-bit challenge from a PING or PONG body.
func DecodeChallenge(body []byte) (uint32, error) {
	if len(body) < PingPongLen {
		return 0, ErrPingPongShort
	}
	return uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3]), nil
}

// EncodeChallenge frames a 32-bit challenge as a PING/PONG part body.
func EncodeChallenge(challenge uint32) []byte {
	return []byte{byte(challenge >> 24), byte(challenge >> 16), byte(challenge >> 8), byte(challenge)}
}
