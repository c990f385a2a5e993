package core

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// QueueLength and WorkerCount implement spec §4.4's bounded handoff
// queue and fixed worker pool.
const (
	QueueLength = 16
	WorkerCount = 2
)

// replayWindow is the width, in sequence numbers, of the out-of-order
// acceptance window behind lastSeqRecv (spec §4.4 step 3: "within 32 of it").
const replayWindow = 32

// timestampMaxAge rejects frames whose sender timestamp is implausibly
// old (spec §4.4 step 4: "Reject if more than 1 day old").
const timestampMaxAge = 24 * time.Hour

// packet is one inbound datagram, heap-owned as it crosses from the
// transport driver into the pipeline (spec §4.4: "Each is wrapped in a
// heap-owned Packet").
type packet struct {
	from peer.Identity
	body []byte
	sess transport.Session
}

// inboundPipeline is the bounded-queue, semaphore-gated worker pool
// that demultiplexes inbound datagrams (spec §4.4). Grounded on the
// teacher's netio.Listener/Receiver pairing, generalized from a single
// BFD control-packet format to the encrypted/plaintext demultiplex
// this spec requires, and from an unbounded per-listener goroutine to
// an explicitly bounded worker pool via x/sync/semaphore.
type inboundPipeline struct {
	table    *Table
	identity identityCapability
	registry *handlerRegistry
	logger   *slog.Logger
	nowFn    func() time.Time
	metrics  *metrics.Collector
	traffic  *trafficStats

	queue chan packet
	sem   *semaphore.Weighted
}

// identityCapability is the subset of internal/identity.Store the
// inbound pipeline needs — kept narrow so tests can supply a fake.
type identityCapability interface {
	IsBlacklistedStrict(id peer.Identity) bool
}

func newInboundPipeline(table *Table, id identityCapability, registry *handlerRegistry, nowFn func() time.Time, logger *slog.Logger, collector *metrics.Collector, traffic *trafficStats) *inboundPipeline {
	return &inboundPipeline{
		table:    table,
		identity: id,
		registry: registry,
		logger:   logger.With(slog.String("component", "core.inbound")),
		nowFn:    nowFn,
		metrics:  collector,
		traffic:  traffic,
		queue:    make(chan packet, QueueLength),
		sem:      semaphore.NewWeighted(int64(WorkerCount)),
	}
}

// offer enqueues a datagram for processing. Writes that would block
// drop the datagram (spec §4.4: "Writes that would block drop the
// datagram"), which is exactly the behavior of a non-blocking send on
// a buffered channel.
func (p *inboundPipeline) offer(from peer.Identity, body []byte, sess transport.Session) bool {
	select {
	case p.queue <- packet{from: from, body: body, sess: sess}:
		return true
	default:
		return false
	}
}

// run drains the queue until ctx is cancelled, dispatching each packet
// to a worker gated by the semaphore.
func (p *inboundPipeline) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-p.queue:
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return nil //nolint:nilerr // context cancellation during shutdown is expected
			}
			go func(pkt packet) {
				defer p.sem.Release(1)
				p.process(pkt)
			}(pkt)
		}
	}
}

// process implements spec §4.4 steps 1-6 for one packet.
func (p *inboundPipeline) process(pkt packet) {
	// Step 1: blacklist check.
	if p.identity != nil && p.identity.IsBlacklistedStrict(pkt.from) {
		return
	}

	hdr, err := wire.DecodeHeader(pkt.body)
	if err != nil {
		p.logger.Debug("short header", slog.String("error", err.Error()))
		return
	}
	rest := pkt.body[wire.HeaderSize:]

	c := p.table.lookupByIdentity(pkt.from)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	drop := true
	if p.metrics != nil {
		defer func() {
			if drop {
				p.metrics.IncFramesDropped(pkt.from.String(), c.transport)
			} else {
				p.metrics.IncFramesReceived(pkt.from.String(), c.transport)
			}
		}()
	}

	now := p.nowFn()

	var plain []byte
	if hdr.IsPlaintextMarker() && wire.VerifyMAC(nil, rest, hdr.MAC) {
		// Step 2, plaintext path: MAC equals hash of body, header all-zero.
		plain = rest
	} else {
		if c.skeyRemote == nil {
			return // no key to decrypt with and not a recognizable plaintext frame
		}
		decrypted, ok := decryptFrame(c.skeyRemote, hdr, rest)
		if !ok {
			p.logger.Debug("MAC mismatch, scheduling rekey", slog.String("peer", pkt.from.String()))
			c.skeyRemote = nil // schedule a new key exchange by forgetting the current one
			return
		}
		plain = decrypted[12:] // strip the re-encoded sequence/timestamp/bandwidth prefix
		hdr.Sequence = beUint32(decrypted[0:4])
		hdr.Timestamp = beUint32(decrypted[4:8])
		hdr.Bandwidth = beUint32(decrypted[8:12])
	}

	encrypted := !hdr.IsPlaintextMarker()

	// Steps 3-5 (replay window, timestamp freshness, bandwidth learning)
	// only apply to encrypted frames: a plaintext frame's header is all
	// zero by definition, so its Sequence/Timestamp/Bandwidth carry no
	// information and would otherwise reject every plaintext frame after
	// the first (lastSeqRecv starts at 0, so a second seq=0 frame reads
	// as an exact replay).
	if encrypted {
		// Step 3: replay check.
		if !acceptSequence(c, hdr.Sequence) {
			return
		}

		// Step 4: timestamp check.
		frameTime := time.Unix(int64(hdr.Timestamp), 0)
		if now.Sub(frameTime) > timestampMaxAge {
			return
		}

		// Step 5: bandwidth learn.
		c.maxBpm = int64(hdr.Bandwidth)
		cap := c.maxBpm * MaxBufFact
		if c.availableSendWindow > cap && cap > 0 {
			c.availableSendWindow = cap
		}
	}

	if encrypted {
		c.lastAlive = now
	}
	drop = false
	if encrypted {
		// First decrypted message is an alternate path from KEY_RECEIVED
		// to UP (spec §4.2: "recv PONG(2) or first encrypted message").
		from := c.status
		result := ApplyEvent(c.status, EventRecvEncrypted)
		if result.Changed {
			c.status = result.NewState
			c.lastProgress = now
			if p.metrics != nil {
				p.metrics.RecordStateTransition(pkt.from.String(), from.String(), result.NewState.String())
				if result.NewState == StateUp {
					p.metrics.RegisterConnection(c.transport)
				}
			}
		}
	}

	// Step 6: demultiplex.
	parts, err := wire.DecodeParts(plain)
	if err != nil {
		p.logger.Debug("bad parts", slog.String("error", err.Error()))
		return
	}
	for _, part := range parts {
		if p.traffic != nil {
			p.traffic.record(trafficReceive, part.Type, len(part.Body), pkt.from)
		}
		if p.metrics != nil {
			p.metrics.RecordTraffic(partTypeLabel(part.Type), trafficReceive.String(), len(part.Body))
		}
		if err := p.registry.dispatch(part.Type, encrypted, pkt.from, part.Body); err != nil {
			break
		}
	}
}

// acceptSequence implements spec §4.4 step 3. Caller holds c.mu.
func acceptSequence(c *connection, seq uint32) bool {
	if seq > c.lastSeqRecv {
		shift := seq - c.lastSeqRecv
		if shift > 32 {
			c.recvBitmap = 0
		} else {
			// Bit (shift-1) is the previous lastSeqRecv, now shift back.
			c.recvBitmap <<= shift
			c.recvBitmap |= 1 << (shift - 1)
		}
		c.lastSeqRecv = seq
		return true
	}
	back := c.lastSeqRecv - seq
	if back == 0 || back > replayWindow {
		return false
	}
	bitPos := back - 1
	if c.recvBitmap&(1<<bitPos) != 0 {
		return false // already seen
	}
	c.recvBitmap |= 1 << bitPos
	return true
}

// decryptFrame reverses scheduler.seal's AES-256-CTR step and verifies
// the hash-MAC over the decrypted content (spec §4.4 step 2).
func decryptFrame(key []byte, hdr wire.Header, cipherText []byte) ([]byte, bool) {
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, false
	}
	stream := cipher.NewCTR(block, hdr.MAC[:16])
	plain := make([]byte, len(cipherText))
	stream.XORKeyStream(plain, cipherText)

	if !wire.VerifyMAC(key, plain, hdr.MAC) {
		return nil, false
	}
	return plain, true
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
