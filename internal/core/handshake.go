package core

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"
	"log/slog"
	"sync"
	"time"

	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// handshake drives the DOWN/KEY_SENT/KEY_RECEIVED/UP dance described in
// spec §4.2, registered as plaintext part handlers on a handlerRegistry.
// Key material is agreed with X25519 ECDH: each side's SETKEY part
// carries an ephemeral public key, and both derive the same 64-byte
// secret from the shared point, splitting it into skeyLocal/skeyRemote
// by sign of who initiated (spec.md is silent on the exact key-exchange
// primitive; see DESIGN.md's Open Question decision).
type handshake struct {
	table    *Table
	identity *identity.Store
	drivers  map[string]transport.Driver
	registry *handlerRegistry
	pings    *pingLedger
	logger   *slog.Logger
	nowFn    func() time.Time
	metrics  *metrics.Collector

	ephemeralMu sync.Mutex
	ephemeral   map[peer.Identity]*ecdh.PrivateKey
}

func newHandshake(table *Table, id *identity.Store, drivers map[string]transport.Driver, registry *handlerRegistry, pings *pingLedger, nowFn func() time.Time, logger *slog.Logger, collector *metrics.Collector) *handshake {
	return &handshake{
		table:     table,
		identity:  id,
		drivers:   drivers,
		registry:  registry,
		pings:     pings,
		logger:    logger.With(slog.String("component", "core.handshake")),
		nowFn:     nowFn,
		metrics:   collector,
		ephemeral: make(map[peer.Identity]*ecdh.PrivateKey),
	}
}

// register installs the handshake's handlers on registry for the
// plaintext PING/PONG/SETKEY/HANGUP part types.
func (h *handshake) register() {
	h.registry.RegisterHandler(wire.PartTypeHello, false, h.onHello)
	h.registry.RegisterHandler(wire.PartTypeSetkey, false, h.onSetkey)
	h.registry.RegisterHandler(wire.PartTypePing, false, h.onPing)
	h.registry.RegisterHandler(wire.PartTypePing, true, h.onPing)
	h.registry.RegisterHandler(wire.PartTypePong, false, h.onPong)
	h.registry.RegisterHandler(wire.PartTypePong, true, h.onPong)
	h.registry.RegisterHandler(wire.PartTypeHangup, false, h.onHangup)
	h.registry.RegisterHandler(wire.PartTypeHangup, true, h.onHangup)
}

// onHello is a no-op at the handshake layer; advertise.go's
// HandleIncoming handles HELLO parts directly from the transport
// receive path so it can attach the originating Session. Registered
// here only so an encrypted/plaintext HELLO part sent alongside
// SETKEY doesn't trip the "no handler for type" case.
func (h *handshake) onHello(peer.Identity, []byte) error { return nil }

// Initiate starts a handshake toward id: DOWN --send HELLO+SETKEY+PING(1)--> KEY_SENT.
func (h *handshake) Initiate(id peer.Identity) {
	c := h.table.AddHost(id)
	c.mu.Lock()
	if c.status != StateDown {
		c.mu.Unlock()
		return
	}
	result := ApplyEvent(c.status, EventSendSetkey)
	c.status = result.NewState
	c.lastProgress = h.nowFn()
	c.mu.Unlock()

	h.queueSetkeyPing(id, 1)
}

// onSetkey handles an inbound SETKEY part: derives the shared secret
// against our ephemeral key for this peer (generating one if this is
// the first SETKEY seen from them) and stores it as skeyRemote.
func (h *handshake) onSetkey(from peer.Identity, body []byte) error {
	peerPub, err := wire.DecodeSetkey(body)
	if err != nil {
		return err
	}

	c := h.table.lookupByIdentity(from)
	if c == nil {
		c = h.table.AddHost(from)
	}

	priv := h.ephemeralFor(from)
	remotePub, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return err
	}
	shared, err := priv.ECDH(remotePub)
	if err != nil {
		return err
	}
	secret := sha512.Sum512(shared)

	c.mu.Lock()
	// The initiator (still KEY_SENT when the peer's SETKEY arrives)
	// encrypts with the first half; the responder with the second.
	local, remote := secret[32:], secret[:32]
	if c.status == StateKeySent {
		local, remote = secret[:32], secret[32:]
	}
	c.skeyRemote = append([]byte(nil), remote...)
	c.skeyRemoteCreated = h.nowFn()
	if c.skeyLocal == nil {
		c.skeyLocal = append([]byte(nil), local...)
		c.skeyLocalCreated = h.nowFn()
	}
	c.lastProgress = h.nowFn()
	c.mu.Unlock()
	return nil
}

// onPing replies with a PONG echoing the exact challenge and advances
// the FSM (spec §4.2's "receive HELLO+SETKEY+PING(1), send
// HELLO+SETKEY+PONG(1)+PING(2)" and "receive SETKEY+PONG(1)+PING(2),
// send PONG(2)" rows). Since SETKEY always rides alongside PING during
// the handshake, the part-level handler for PING drives the FSM
// transition; onSetkey only updates key material.
func (h *handshake) onPing(from peer.Identity, body []byte) error {
	challenge, err := wire.DecodeChallenge(body)
	if err != nil {
		return err
	}

	c := h.table.lookupByIdentity(from)
	if c == nil {
		c = h.table.AddHost(from)
	}

	c.mu.Lock()
	state := c.status
	c.mu.Unlock()

	switch state {
	case StateDown:
		c.mu.Lock()
		result := ApplyEvent(state, EventRecvSetkeyPing1)
		c.status = result.NewState
		c.lastProgress = h.nowFn()
		c.mu.Unlock()
		h.queueSetkeyPongPing(from, challenge, newChallenge())
	default:
		h.queuePong(from, challenge)
	}
	return nil
}

// onPong advances KEY_SENT/KEY_RECEIVED toward UP on a matching
// challenge (spec §4.2).
func (h *handshake) onPong(from peer.Identity, body []byte) error {
	challenge, err := wire.DecodeChallenge(body)
	if err != nil {
		return err
	}
	h.pings.Resolve(from, challenge)

	c := h.table.lookupByIdentity(from)
	if c == nil {
		return nil
	}

	c.mu.Lock()
	var event Event
	switch c.status {
	case StateKeySent:
		event = EventRecvPong1Ping2
	case StateKeyReceived:
		event = EventRecvPong2
	default:
		c.mu.Unlock()
		return nil
	}
	prevState := c.status
	result := ApplyEvent(c.status, event)
	c.status = result.NewState
	c.lastProgress = h.nowFn()
	if h.metrics != nil && result.Changed {
		h.metrics.RecordStateTransition(from.String(), prevState.String(), result.NewState.String())
		if result.NewState == StateUp {
			h.metrics.RegisterConnection(c.transport)
		}
	}
	c.mu.Unlock()

	// ActionSendPong2, when present, is satisfied by onPing's own reply
	// to the PING that always rides alongside this PONG in the same
	// message (spec §4.2's "receive SETKEY+PONG(1)+PING(2), send
	// PONG(2)"); dispatching a second PONG here would double-send.
	return nil
}

// onHangup drives the uniform HANGUP rule (spec §4.2/§4.5).
func (h *handshake) onHangup(from peer.Identity, _ []byte) error {
	h.table.Disconnect(from)
	return nil
}

func (h *handshake) ephemeralFor(id peer.Identity) *ecdh.PrivateKey {
	h.ephemeralMu.Lock()
	defer h.ephemeralMu.Unlock()

	if priv, ok := h.ephemeral[id]; ok {
		return priv
	}
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		// X25519 key generation over crypto/rand does not fail in
		// practice; a nil key makes the queue helpers skip this peer.
		return nil
	}
	h.ephemeral[id] = priv
	return priv
}

// helloPart renders the local node's signed HELLO as a part, so every
// SETKEY message also carries "HELLO+SETKEY+..." per spec §4.2. Picks
// an arbitrary registered driver when several transports are
// configured; a peer with several transports receives one HELLO per
// handshake attempt rather than one per transport, which is sufficient
// to let the peer start its own advertisement exchange via §4.9.
func (h *handshake) helloPart() (wire.Part, bool) {
	for _, drv := range h.drivers {
		unsigned, err := drv.CreateAdvertisement(h.identity.Own())
		if err != nil {
			continue
		}
		unsigned.PublicKey = h.identity.PublicKey()
		unsigned.Expiration = h.nowFn().Add(wire.MaxHelloAge)
		unsigned.Signature = h.identity.Sign(unsigned.SignedBody())
		return wire.Part{Type: wire.PartTypeHello, Body: unsigned.Encode()}, true
	}
	return wire.Part{}, false
}

// queueEntries appends one plaintext sendEntry per part to c.sendBuffer.
// Each part rides as its own entry — the scheduler's own assembly
// pipeline (placement, padding, sealing) is what puts several entries
// into one datagram, so a part must never be pre-concatenated with
// wire.EncodeParts before being handed to it; doing so would have the
// scheduler wrap an already-multi-part buffer in a second PartHeader.
func queueEntries(c *connection, parts []wire.Part, placement Placement, priority Priority) {
	c.mu.Lock()
	for _, p := range parts {
		c.sendBuffer = append(c.sendBuffer, newPlaintextEntry(p.Body, p.Type, placement, priority, time.Time{}))
	}
	c.mu.Unlock()
}

func (h *handshake) queueSetkeyPing(id peer.Identity, challenge uint32) {
	c := h.table.lookupByIdentity(id)
	if c == nil {
		return
	}
	priv := h.ephemeralFor(id)
	if priv == nil {
		return
	}
	var parts []wire.Part
	if hp, ok := h.helloPart(); ok {
		parts = append(parts, hp)
	}
	parts = append(parts,
		wire.Part{Type: wire.PartTypeSetkey, Body: wire.EncodeSetkey(priv.PublicKey().Bytes())},
		wire.Part{Type: wire.PartTypePing, Body: wire.EncodeChallenge(challenge)},
	)
	queueEntries(c, parts, PlaceHead, PriorityHigh)
}

func (h *handshake) queueSetkeyPongPing(id peer.Identity, pongChallenge, pingChallenge uint32) {
	c := h.table.lookupByIdentity(id)
	if c == nil {
		return
	}
	priv := h.ephemeralFor(id)
	if priv == nil {
		return
	}
	var parts []wire.Part
	if hp, ok := h.helloPart(); ok {
		parts = append(parts, hp)
	}
	parts = append(parts,
		wire.Part{Type: wire.PartTypeSetkey, Body: wire.EncodeSetkey(priv.PublicKey().Bytes())},
		wire.Part{Type: wire.PartTypePong, Body: wire.EncodeChallenge(pongChallenge)},
		wire.Part{Type: wire.PartTypePing, Body: wire.EncodeChallenge(pingChallenge)},
	)
	c.mu.Lock()
	c.pingChallenge = pingChallenge
	c.mu.Unlock()
	queueEntries(c, parts, PlaceHead, PriorityHigh)
}

// queuePong replies to a post-handshake liveness PING (spec §4.7); by
// this point skeyLocal is normally already set, so this travels
// encrypted like ordinary traffic rather than forced plaintext.
func (h *handshake) queuePong(id peer.Identity, challenge uint32) {
	c := h.table.lookupByIdentity(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sendBuffer = append(c.sendBuffer, newReadyEntry(wire.EncodeChallenge(challenge), wire.PartTypePong, PlaceHead, PriorityHigh, time.Time{}))
	c.mu.Unlock()
}
