package core

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// defaultBroadcastPeriod and defaultForwardPeriod are the advertiser's
// two independent periodic tasks' default intervals (spec §4.9: "default
// every 2 and 4 minutes").
const (
	defaultBroadcastPeriod = 2 * time.Minute
	defaultForwardPeriod   = 4 * time.Minute
)

// verificationBandwidthFraction scales maxNetDownBps into the HELLO
// verification budget. verify only checks that this budget is
// positive; the bytes sent for verification are not counted or capped.
const verificationBandwidthFraction = 0.01

// natTransport reports whether a transport never accepts inbound
// connections and therefore must never be the subject of a broadcast or
// forward (spec §4.9: "NAT-type transports are never broadcast").
type natTransport interface {
	IsNAT() bool
}

// advertiser runs the broadcast/forward periodic tasks and the
// incoming-HELLO verification dance (spec §4.9). Grounded on the
// original source's heloexchange.c rating/verify coupling, expressed
// as two independent goroutine-driven tickers in the teacher's
// periodic-task idiom (see bfd/manager.go's ticker loops).
type advertiser struct {
	table    *Table
	known    *knownHosts
	identity *identity.Store
	drivers  map[string]transport.Driver
	registry *handlerRegistry
	pings    *pingLedger
	logger   *slog.Logger
	nowFn    func() time.Time
	rng      *rand.Rand
	metrics  *metrics.Collector

	privateNetwork bool
	maxNetDownBps  int64
	helloTTL       time.Duration

	own peer.Identity
}

func newAdvertiser(
	table *Table,
	known *knownHosts,
	id *identity.Store,
	drivers map[string]transport.Driver,
	registry *handlerRegistry,
	pings *pingLedger,
	privateNetwork bool,
	maxNetDownBps int64,
	nowFn func() time.Time,
	logger *slog.Logger,
	collector *metrics.Collector,
) *advertiser {
	return &advertiser{
		table:          table,
		known:          known,
		identity:       id,
		drivers:        drivers,
		registry:       registry,
		pings:          pings,
		logger:         logger.With(slog.String("component", "core.advertiser")),
		nowFn:          nowFn,
		rng:            rand.New(rand.NewSource(7)), //nolint:gosec // gossip fan-out dithering is not security-sensitive
		metrics:        collector,
		privateNetwork: privateNetwork,
		maxNetDownBps:  maxNetDownBps,
		helloTTL:       24 * time.Hour,
		own:            id.Own(),
	}
}

// signHello fills in the public key and expiration and signs h's body
// with the local identity (spec §4.9 "build or refresh a signed HELLO
// with TTL = configured expiration (≤ maxAge)").
func (a *advertiser) signHello(h wire.Hello) wire.Hello {
	ttl := a.helloTTL
	if ttl <= 0 || ttl > wire.MaxHelloAge {
		ttl = wire.MaxHelloAge
	}
	h.PublicKey = a.identity.PublicKey()
	h.Expiration = a.nowFn().Add(ttl)
	h.Signature = a.identity.Sign(h.SignedBody())
	return h
}

// Run drives the broadcast and forward tickers until ctx is cancelled.
func (a *advertiser) Run(ctx context.Context, broadcastPeriod, forwardPeriod time.Duration) {
	if broadcastPeriod <= 0 {
		broadcastPeriod = defaultBroadcastPeriod
	}
	if forwardPeriod <= 0 {
		forwardPeriod = defaultForwardPeriod
	}
	broadcastTicker := time.NewTicker(broadcastPeriod)
	forwardTicker := time.NewTicker(forwardPeriod)
	defer broadcastTicker.Stop()
	defer forwardTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-broadcastTicker.C:
			a.broadcast(ctx)
		case <-forwardTicker.C:
			a.forward(ctx)
		}
	}
}

// broadcast implements spec §4.9's Broadcast task.
func (a *advertiser) broadcast(ctx context.Context) {
	for name, drv := range a.drivers {
		if nt, ok := drv.(natTransport); ok && nt.IsNAT() {
			continue
		}

		unsigned, err := drv.CreateAdvertisement(a.own)
		if err != nil {
			a.logger.Warn("create advertisement failed", slog.String("transport", name), slog.String("error", err.Error()))
			continue
		}
		hello := a.signHello(unsigned)

		knownCount := a.known.Count()
		if knownCount == 0 {
			continue
		}
		threshold := 1.0 / float64(knownCount)

		a.known.ForEach(func(id peer.Identity, transport string, _ wire.Hello) {
			if transport != name || id == a.own {
				return
			}
			if a.rng.Float64() >= threshold {
				return
			}
			a.sendHelloTo(ctx, drv, id, hello)
		})
	}
}

// forward implements spec §4.9's Forward task.
func (a *advertiser) forward(ctx context.Context) {
	knownCount := a.known.Count()
	connectedCount := 0
	a.table.ForEach(func(s SessionSnapshot) {
		if s.Status == StateUp {
			connectedCount++
		}
	})
	if knownCount == 0 || connectedCount == 0 {
		return
	}
	threshold := 1.0 / float64(knownCount*connectedCount)
	now := a.nowFn()

	a.known.ForEach(func(id peer.Identity, transportName string, h wire.Hello) {
		drv, ok := a.drivers[transportName]
		if !ok {
			return
		}
		if nt, ok := drv.(natTransport); ok && nt.IsNAT() {
			return
		}
		if now.After(h.Expiration) {
			return
		}
		if a.rng.Float64() >= threshold {
			return
		}

		body := h.Encode()
		a.table.ForEach(func(s SessionSnapshot) {
			if s.Status != StateUp || s.Peer == id {
				return
			}
			c := a.table.lookupByIdentity(s.Peer)
			if c == nil {
				return
			}
			c.mu.Lock()
			c.sendBuffer = append(c.sendBuffer, newReadyEntry(body, wire.PartTypeHello, PlaceNone, PriorityLow, time.Time{}))
			c.mu.Unlock()
		})
	})
}

// sendHelloTo implements the "direct send if already connected;
// otherwise a one-shot connect-send-disconnect" rule.
func (a *advertiser) sendHelloTo(ctx context.Context, drv transport.Driver, id peer.Identity, hello wire.Hello) {
	if c := a.table.lookupByIdentity(id); c != nil {
		c.mu.Lock()
		c.sendBuffer = append(c.sendBuffer, newReadyEntry(hello.Encode(), wire.PartTypeHello, PlaceNone, PriorityLow, time.Time{}))
		c.mu.Unlock()
		return
	}

	peerHello, ok := a.known.Get(id, drv.Protocol())
	if !ok {
		return
	}
	sess, err := drv.Connect(ctx, peerHello)
	if err != nil {
		return
	}
	_ = drv.Send(ctx, sess, hello.Encode(), false)
	_ = drv.Disconnect(sess)
}

// HandleIncoming implements spec §4.9's Incoming HELLO steps.
func (a *advertiser) HandleIncoming(transportName string, from transport.Session, h wire.Hello) {
	now := a.nowFn()
	if err := h.Validate(now); err != nil {
		a.logger.Warn("HELLO rejected", slog.String("error", err.Error()))
		if a.metrics != nil {
			a.metrics.IncHelloRejected(transportName)
		}
		return
	}
	if a.metrics != nil {
		a.metrics.IncHelloVerified(transportName)
	}

	if existing, ok := a.known.Get(h.Originator, transportName); ok && existing.Equivalent(h) {
		a.known.Put(transportName, h)
		return
	}

	if a.privateNetwork {
		if _, known := a.known.Get(h.Originator, transportName); !known {
			return
		}
	}

	a.verify(transportName, h)
}

// verify runs the verification dance: open a temporary session, send
// our HELLO plus a PING, and register a PingEntry whose action binds
// the candidate address once the PONG arrives (spec §4.9 step 4).
func (a *advertiser) verify(transportName string, h wire.Hello) {
	drv, ok := a.drivers[transportName]
	if !ok {
		return
	}

	budget := float64(a.maxNetDownBps) * verificationBandwidthFraction
	if budget <= 0 {
		return
	}

	ctx := context.Background()
	sess, err := drv.Connect(ctx, h)
	if err != nil {
		a.logger.Debug("verification connect failed", slog.String("error", err.Error()))
		return
	}

	unsignedOwn, err := drv.CreateAdvertisement(a.own)
	if err != nil {
		return
	}
	ownHello := a.signHello(unsignedOwn)

	challenge := a.pings.Register(h.Originator, func() {
		a.known.Put(transportName, h)
		a.logger.Info("HELLO verified", slog.String("peer", h.Originator.String()), slog.String("transport", transportName))
	})

	body := append(ownHello.Encode(), wire.EncodeChallenge(challenge)...)
	_ = drv.Send(ctx, sess, body, false)
}
