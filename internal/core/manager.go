package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veilnet/overlayd/internal/identity"
	"github.com/veilnet/overlayd/internal/metrics"
	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/transport"
	"github.com/veilnet/overlayd/internal/wire"
)

// Errors returned by the Manager's Connection-capability methods.
var (
	ErrNotConnected    = errors.New("core: no table entry for peer")
	ErrMessageTooLarge = errors.New("core: message exceeds fragmentable size")
)

// schedulerTickInterval is how often the manager sweeps every table
// entry through one scheduler tick. A connection with nothing queued
// costs one cheap length check per sweep.
const schedulerTickInterval = 50 * time.Millisecond

// bandwidthTickInterval is how often Rebalance is invoked; shouldRun
// gates the actual work against minSampleTime/crowding (spec §4.6).
const bandwidthTickInterval = 10 * time.Second

// livenessTickInterval is how often every table entry is checked for
// inactivity/handshake timeouts (spec §4.2).
const livenessTickInterval = 5 * time.Second

// ManagerConfig collects the external wiring a Manager needs: the
// local identity, the registered transports, and the load/network
// settings from spec §6.5's environment keys.
type ManagerConfig struct {
	Identity *identity.Store
	Drivers  map[string]transport.Driver

	// MaxNetDownBps/MaxNetUpBps are bytes/sec totals (spec §6.5's
	// LOAD/MAXNETDOWNBPSTOTAL, LOAD/MAXNETUPBPSTOTAL). MaxNetDownBps is
	// converted internally to the bytes/minute convention the table and
	// scheduler use; MaxNetUpBps is accepted but not read by the manager.
	MaxNetDownBps int64
	MaxNetUpBps   int64
	MinBpmPerPeer int64

	PrivateNetwork        bool
	DisableAdvertisements bool
	PaddingEnabled        bool

	HelloTTL        time.Duration
	BroadcastPeriod time.Duration
	ForwardPeriod   time.Duration

	CPULoadPercent func() float64
	// DownloadLoadPercent is sampled externally (e.g. from an interface
	// byte-counter against the configured inbound cap) and feeds the
	// bandwidth allocator's pool-scaling step (spec §4.6 step 2: "Scale
	// pool down by current download load percentage if > 100"). Nil
	// means no scaling is ever applied.
	DownloadLoadPercent func() float64
	Logger              *slog.Logger
	NowFn               func() time.Time

	// Metrics is optional; when nil, all metric calls are no-ops.
	Metrics *metrics.Collector
}

// Manager is the top-level wiring point: the connection table, the
// outbound scheduler, the inbound pipeline, the bandwidth allocator,
// the advertiser/handshake coordinators, and every registered
// transport driver, run together under one errgroup. It exposes the
// Connection capability (spec §6.3) to application code. Grounded on
// the teacher's manager.go: NewManager/RunDispatch/Close lifecycle,
// generalized from BFD's single demux loop to this spec's
// scheduler+inbound+bandwidth+advertiser set of periodic tasks.
type Manager struct {
	table    *Table
	identity *identity.Store
	drivers  map[string]transport.Driver
	registry *handlerRegistry

	scheduler  *scheduler
	inbound    *inboundPipeline
	bandwidth  *bandwidthAllocator
	pings      *pingLedger
	fragments  *fragmentReassembler
	known      *knownHosts
	advertiser *advertiser
	handshake  *handshake
	metrics    *metrics.Collector
	traffic    *trafficStats

	disableAdvertisements bool
	broadcastPeriod       time.Duration
	forwardPeriod         time.Duration

	logger *slog.Logger
	nowFn  func() time.Time

	cancel context.CancelFunc
}

// NewManager wires every internal/core component together per cfg.
func NewManager(cfg ManagerConfig) *Manager {
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxBpmDown := cfg.MaxNetDownBps * 60
	minBpmPerPeer := cfg.MinBpmPerPeer
	if minBpmPerPeer <= 0 {
		minBpmPerPeer = 1
	}

	table := NewTable(maxBpmDown, minBpmPerPeer)
	registry := newHandlerRegistry()
	pings := newPingLedger(nowFn)
	known := newKnownHosts(nowFn)
	traffic := newTrafficStats(nowFn)

	m := &Manager{
		table:                 table,
		identity:              cfg.Identity,
		drivers:               cfg.Drivers,
		registry:              registry,
		scheduler:             newScheduler(registry, nowFn, cfg.CPULoadPercent).withMetrics(cfg.Metrics).withTraffic(traffic),
		inbound:               newInboundPipeline(table, cfg.Identity, registry, nowFn, logger, cfg.Metrics, traffic),
		bandwidth:             newBandwidthAllocator(table, cfg.Identity, maxBpmDown, minBpmPerPeer, nowFn, logger).withDownloadLoad(cfg.DownloadLoadPercent),
		pings:                 pings,
		fragments:             nil,
		known:                 known,
		metrics:               cfg.Metrics,
		traffic:               traffic,
		disableAdvertisements: cfg.DisableAdvertisements,
		broadcastPeriod:       cfg.BroadcastPeriod,
		forwardPeriod:         cfg.ForwardPeriod,
		logger:                logger.With(slog.String("component", "core.manager")),
		nowFn:                 nowFn,
	}
	m.fragments = newFragmentReassembler(nowFn, m.onFragmentReady)

	m.advertiser = newAdvertiser(table, known, cfg.Identity, cfg.Drivers, registry, pings, cfg.PrivateNetwork, cfg.MaxNetDownBps, nowFn, logger, cfg.Metrics)
	if cfg.HelloTTL > 0 {
		m.advertiser.helloTTL = cfg.HelloTTL
	}

	m.handshake = newHandshake(table, cfg.Identity, cfg.Drivers, registry, pings, nowFn, logger, cfg.Metrics)
	m.handshake.register()

	registry.RegisterHandler(wire.PartTypeFragment, true, m.onFragmentPart)
	registry.RegisterHandler(wire.PartTypeFragment, false, m.onFragmentPart)

	if cfg.PaddingEnabled {
		registry.RegisterSendCallback(0, func(_ int, budget int) []byte { return sampleNoise(budget) })
	}

	return m
}

// Run starts every driver's server loop, the inbound worker pool, the
// scheduler/bandwidth/fragment-purge periodic tasks, and (unless
// disabled) the advertiser, all under one errgroup bound to ctx.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	for name, drv := range m.drivers {
		drv, name := drv, name
		g.Go(func() error {
			err := drv.StartServer(ctx, func(body []byte, sess transport.Session) {
				m.onReceive(name, sess, body)
			})
			if err != nil {
				m.logger.Error("transport server exited", slog.String("transport", name), slog.String("error", err.Error()))
			}
			return err
		})
	}

	g.Go(func() error { return m.inbound.run(ctx) })
	g.Go(func() error { return m.runSchedulerLoop(ctx) })
	g.Go(func() error { return m.runBandwidthLoop(ctx) })
	g.Go(func() error { return m.runFragmentPurgeLoop(ctx) })
	g.Go(func() error { return m.runLivenessLoop(ctx) })

	if !m.disableAdvertisements {
		g.Go(func() error {
			m.advertiser.Run(ctx, m.broadcastPeriod, m.forwardPeriod)
			return nil
		})
	}

	<-ctx.Done()
	for name, drv := range m.drivers {
		if err := drv.StopServer(); err != nil {
			m.logger.Warn("stop transport server failed", slog.String("transport", name), slog.String("error", err.Error()))
		}
	}
	return g.Wait()
}

// Close cancels the Manager's run context, if started.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
}

// runSchedulerLoop sweeps every table entry through one scheduler tick
// on a fixed interval. A connection ticks regardless of FSM state (see
// DESIGN.md's Open Question decision on scheduler gating); entries with
// nothing queued return immediately from scheduler.tick.
func (m *Manager) runSchedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(schedulerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tickAll(ctx)
		}
	}
}

func (m *Manager) tickAll(ctx context.Context) {
	var targets []*connection
	m.table.mu.Lock()
	for _, b := range m.table.buckets {
		for n := b.head; n != nil; n = n.next {
			targets = append(targets, n.conn)
		}
	}
	m.table.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		sess := c.session
		transportName := c.transport
		c.mu.Unlock()
		if sess == nil || transportName == "" {
			continue
		}
		drv, ok := m.drivers[transportName]
		if !ok {
			continue
		}
		if _, err := m.scheduler.tick(ctx, c, drv, sess); err != nil {
			m.logger.Debug("scheduler tick failed", slog.String("peer", c.peerID.String()), slog.String("error", err.Error()))
		}
	}
}

func (m *Manager) runBandwidthLoop(ctx context.Context) error {
	ticker := time.NewTicker(bandwidthTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.bandwidth.Rebalance()
		}
	}
}

// runLivenessLoop drives EventInactivityTimeout (UP connections seeing
// no encrypted traffic) and EventHandshakeTimeout (non-UP connections
// making no handshake progress) on a fixed sweep (spec §4.2).
func (m *Manager) runLivenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(livenessTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.checkLiveness()
		}
	}
}

func (m *Manager) checkLiveness() {
	now := m.nowFn()
	var targets []*connection
	m.table.mu.Lock()
	for _, b := range m.table.buckets {
		for n := b.head; n != nil; n = n.next {
			targets = append(targets, n.conn)
		}
	}
	m.table.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		var event Event
		switch {
		case c.status == StateUp && now.Sub(c.lastAlive) > InactivityTimeout:
			event = EventInactivityTimeout
		case c.status != StateUp && c.status != StateDown && now.Sub(c.lastProgress) > HandshakeTimeout:
			event = EventHandshakeTimeout
		default:
			c.mu.Unlock()
			continue
		}
		result := ApplyEvent(c.status, event)
		if result.Changed {
			from := c.status
			c.status = result.NewState
			for _, a := range result.Actions {
				if a == ActionClearKeys {
					c.clearKeys()
				}
				if a == ActionResetViolations {
					c.violations = 0
				}
			}
			if m.metrics != nil {
				m.metrics.RecordStateTransition(c.peerID.String(), from.String(), result.NewState.String())
				if from == StateUp && result.NewState != StateUp {
					m.metrics.UnregisterConnection(c.transport)
				}
			}
		}
		c.mu.Unlock()
	}
}

func (m *Manager) runFragmentPurgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(fragmentPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.fragments.Purge(m.nowFn())
		}
	}
}

// onReceive bridges a transport driver's raw receive callback into the
// inbound pipeline. A freshly accepted session may not yet know which
// peer it belongs to (sess.Peer() returns the zero identity); in that
// case the datagram is peeked for a plaintext HELLO part so the sender
// can be identified and bound before the packet is queued. This mirrors
// the way the advertiser needs the originating transport.Session to
// answer HELLOs, which the inbound pipeline's own per-part dispatch
// cannot supply.
func (m *Manager) onReceive(transportName string, sess transport.Session, body []byte) {
	from := sess.Peer()
	hellos := peekHellos(body)

	if from.IsZero() {
		for _, h := range hellos {
			from = h.Originator
			break
		}
	}
	if from.IsZero() {
		m.logger.Debug("dropping datagram from unidentified session", slog.String("transport", transportName))
		return
	}

	c := m.table.AddHost(from)
	c.mu.Lock()
	firstBind := c.session != sess
	c.session = sess
	c.transport = transportName
	c.mu.Unlock()

	if firstBind {
		if drv, ok := m.drivers[transportName]; ok {
			if err := drv.Associate(sess); err != nil {
				m.logger.Debug("associate session failed", slog.String("peer", from.String()), slog.String("error", err.Error()))
			}
		}
	}

	for _, h := range hellos {
		m.advertiser.HandleIncoming(transportName, sess, h)
	}

	if !m.inbound.offer(from, body, sess) {
		m.logger.Debug("inbound queue full, dropping datagram", slog.String("peer", from.String()))
		if m.metrics != nil {
			m.metrics.IncFramesDropped(from.String(), transportName)
		}
	}
}

// peekHellos extracts every HELLO part from a raw datagram without
// requiring a session key, tolerating both the plaintext and (opaque,
// still-undecryptable-at-this-point) encrypted framing: only the
// plaintext path ever yields a match, since a HELLO sent inside an
// encrypted frame can't be inspected before decrypt. Malformed input
// yields no hellos rather than an error, since this is a best-effort
// peek ahead of the real decode in inboundPipeline.process.
func peekHellos(body []byte) []wire.Hello {
	hdr, err := wire.DecodeHeader(body)
	if err != nil || !hdr.IsPlaintextMarker() {
		return nil
	}
	rest := body[wire.HeaderSize:]
	if !wire.VerifyMAC(nil, rest, hdr.MAC) {
		return nil
	}
	parts, err := wire.DecodeParts(rest)
	if err != nil {
		return nil
	}
	var hellos []wire.Hello
	for _, p := range parts {
		if p.Type != wire.PartTypeHello {
			continue
		}
		h, err := wire.Decode(p.Body)
		if err != nil {
			continue
		}
		hellos = append(hellos, h)
	}
	return hellos
}

// onFragmentPart decodes one Fragment part and offers it to the
// reassembler; onFragmentReady fires once every piece of a message has
// arrived.
func (m *Manager) onFragmentPart(from peer.Identity, body []byte) error {
	frag, err := wire.DecodeFragment(body)
	if err != nil {
		return err
	}
	m.fragments.Offer(from, frag)
	return nil
}

// onFragmentReady re-dispatches a fully reassembled message's inner
// parts through the same handler chain ordinary single-frame messages
// use, keyed by the application part type the sender originally framed
// (spec §4.8: reassembly is transparent to handlers above it).
func (m *Manager) onFragmentReady(from peer.Identity, _ uint32, body []byte) {
	parts, err := wire.DecodeParts(body)
	if err != nil {
		m.logger.Debug("reassembled message has malformed parts", slog.String("peer", from.String()), slog.String("error", err.Error()))
		return
	}
	for _, part := range parts {
		if err := m.registry.dispatch(part.Type, true, from, part.Body); err != nil {
			break
		}
	}
}

// Connect dials id over the transport named by h.Transport (looking up
// the matching driver), binds the resulting session, and kicks off a
// handshake if one hasn't already started.
func (m *Manager) Connect(ctx context.Context, h wire.Hello) error {
	drv, ok := m.drivers[h.Transport]
	if !ok {
		return transport.ErrUnsupportedTransport
	}
	sess, err := drv.Connect(ctx, h)
	if err != nil {
		return err
	}
	c := m.table.AddHost(h.Originator)
	c.mu.Lock()
	c.session = sess
	c.transport = h.Transport
	c.mu.Unlock()

	m.known.Put(h.Transport, h)
	m.handshake.Initiate(h.Originator)
	return nil
}

// deadlineFrom converts a maxDelay duration into an absolute deadline,
// the zero time meaning "no deadline" (spec §4.3 step 8).
func deadlineFrom(nowFn func() time.Time, maxDelay time.Duration) time.Time {
	if maxDelay <= 0 {
		return time.Time{}
	}
	return nowFn().Add(maxDelay)
}

// Unicast enqueues a prebuilt message toward id, fragmenting it first
// if it would not fit within the peer's MTU (spec §6.3 "unicast"; large
// messages rely on spec §4.8's reassembler on the receiving side).
func (m *Manager) Unicast(id peer.Identity, partType uint16, body []byte, priority Priority, maxDelay time.Duration) error {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return ErrNotConnected
	}
	deadline := deadlineFrom(m.nowFn, maxDelay)

	c.mu.Lock()
	mtu := c.mtu
	c.mu.Unlock()
	if mtu <= 0 {
		mtu = 1400
	}
	budget := mtu - wire.HeaderSize - wire.PartHeaderSize

	if budget <= 0 || len(body) <= budget {
		c.mu.Lock()
		c.sendBuffer = append(c.sendBuffer, newReadyEntry(body, partType, PlaceNone, priority, deadline))
		c.mu.Unlock()
		return nil
	}

	fragBudget := budget - wire.FragmentHeaderSize
	if fragBudget <= 0 {
		return ErrMessageTooLarge
	}
	id32 := newChallenge()
	total := len(body)
	c.mu.Lock()
	for offset := 0; offset < total; offset += fragBudget {
		end := offset + fragBudget
		if end > total {
			end = total
		}
		frag := wire.Fragment{ID: id32, TotalLen: uint16(total), Offset: uint16(offset), Payload: body[offset:end]} //nolint:gosec // bounded by MTU-sized chunks
		c.sendBuffer = append(c.sendBuffer, newReadyEntry(frag.Encode(), wire.PartTypeFragment, PlaceNone, priority, deadline))
	}
	c.mu.Unlock()
	return nil
}

// UnicastCallback enqueues a lazily-built message toward id (spec §6.3
// "unicastCallback"). Fragmentation for lazy entries is the builder's
// responsibility: build runs once at preparation time, after which the
// resulting body is no longer known to exceed the peer's MTU until
// placement, too late to safely split. Callers with possibly-oversized
// lazy payloads should build eagerly and call Unicast instead.
func (m *Manager) UnicastCallback(id peer.Identity, partType uint16, length int, priority Priority, maxDelay time.Duration, build BuildFunc) error {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return ErrNotConnected
	}
	deadline := deadlineFrom(m.nowFn, maxDelay)
	c.mu.Lock()
	c.sendBuffer = append(c.sendBuffer, newLazyEntry(length, partType, PlaceNone, priority, deadline, build))
	c.mu.Unlock()
	return nil
}

// Broadcast enqueues body toward every currently UP peer (spec §6.3
// "broadcast").
func (m *Manager) Broadcast(partType uint16, body []byte, priority Priority, maxDelay time.Duration) {
	deadline := deadlineFrom(m.nowFn, maxDelay)
	m.table.ForEach(func(s SessionSnapshot) {
		if s.Status != StateUp {
			return
		}
		c := m.table.lookupByIdentity(s.Peer)
		if c == nil {
			return
		}
		c.mu.Lock()
		c.sendBuffer = append(c.sendBuffer, newReadyEntry(body, partType, PlaceNone, priority, deadline))
		c.mu.Unlock()
	})
}

// SendPlaintext is the one-shot handshake bypass (spec §6.3
// "sendPlaintext"): it enqueues body to travel in the clear regardless
// of session-key state.
func (m *Manager) SendPlaintext(id peer.Identity, partType uint16, body []byte) error {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.sendBuffer = append(c.sendBuffer, newPlaintextEntry(body, partType, PlaceHead, PriorityHigh, time.Time{}))
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether id's entry is currently UP.
func (m *Manager) IsConnected(id peer.Identity) bool {
	snap, ok := m.table.Lookup(id)
	return ok && snap.Status == StateUp
}

// DisconnectFromPeer closes id's bound transport session, if any, and
// then applies Table.Disconnect (local HANGUP state transition and key
// clearing; no HANGUP part is sent to the peer).
func (m *Manager) DisconnectFromPeer(id peer.Identity) {
	if c := m.table.lookupByIdentity(id); c != nil {
		c.mu.Lock()
		sess, transportName := c.session, c.transport
		c.mu.Unlock()
		if sess != nil {
			if drv, ok := m.drivers[transportName]; ok {
				if err := drv.Disconnect(sess); err != nil {
					m.logger.Debug("disconnect session failed", slog.String("peer", id.String()), slog.String("error", err.Error()))
				}
			}
		}
	}
	m.table.Disconnect(id)
}

// ForEachConnectedNode invokes fn for every UP peer's snapshot.
func (m *Manager) ForEachConnectedNode(fn func(SessionSnapshot)) {
	m.table.ForEach(func(s SessionSnapshot) {
		if s.Status == StateUp {
			fn(s)
		}
	})
}

// ForEachPeer invokes fn for every table entry regardless of FSM state,
// for read-only introspection surfaces that need to show in-progress
// handshakes alongside UP connections.
func (m *Manager) ForEachPeer(fn func(SessionSnapshot)) {
	m.table.ForEach(fn)
}

// LookupPeer returns id's current snapshot, if a table entry exists.
func (m *Manager) LookupPeer(id peer.Identity) (SessionSnapshot, bool) {
	return m.table.Lookup(id)
}

// BandwidthAssignedTo returns id's current idealized bandwidth limit
// (bytes/minute) and the last time any frame was seen from it.
func (m *Manager) BandwidthAssignedTo(id peer.Identity) (int64, time.Time, bool) {
	snap, ok := m.table.Lookup(id)
	if !ok {
		return 0, time.Time{}, false
	}
	return snap.Idealized, snap.LastAlive, true
}

// UpdateTrafficPreference adjusts id's connection value used by the
// bandwidth allocator's share computation (spec §4.6 step 1; spec §6.3
// "updateTrafficPreference").
func (m *Manager) UpdateTrafficPreference(id peer.Identity, delta float64) {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.currentConnectionValue += delta
	c.mu.Unlock()
}

// AssignSessionKey overrides id's session key material directly (spec
// §6.3 "assignSessionKey"), bypassing the handshake's ECDH derivation —
// used by transports that negotiate keys out of band.
func (m *Manager) AssignSessionKey(id peer.Identity, key []byte, age time.Time, forSending bool) error {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return ErrNotConnected
	}
	stored := append([]byte(nil), key...)
	c.mu.Lock()
	if forSending {
		c.skeyLocal = stored
		c.skeyLocalCreated = age
	} else {
		c.skeyRemote = stored
		c.skeyRemoteCreated = age
	}
	c.mu.Unlock()
	return nil
}

// CurrentSessionKey returns id's current send or receive key and its
// creation time (spec §6.3 "getCurrentSessionKey").
func (m *Manager) CurrentSessionKey(id peer.Identity, forSending bool) ([]byte, time.Time, bool) {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return nil, time.Time{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if forSending {
		if c.skeyLocal == nil {
			return nil, time.Time{}, false
		}
		return append([]byte(nil), c.skeyLocal...), c.skeyLocalCreated, true
	}
	if c.skeyRemote == nil {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), c.skeyRemote...), c.skeyRemoteCreated, true
}

// ConfirmSessionUp forces id's entry to UP (spec §6.3
// "confirmSessionUp") — used by a transport whose own handshake already
// established mutual trust, skipping this package's PING/PONG dance.
func (m *Manager) ConfirmSessionUp(id peer.Identity) {
	c := m.table.lookupByIdentity(id)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StateUp {
		c.status = StateUp
		c.lastProgress = m.nowFn()
	}
}

// AdvertisedHellos packs up to maxBytes worth of known, non-expired
// HELLOs (spec §6.3 "getAdvertisedHELOs").
func (m *Manager) AdvertisedHellos(maxBytes int) []byte {
	now := m.nowFn()
	var out []byte
	m.known.ForEach(func(_ peer.Identity, _ string, h wire.Hello) {
		if now.After(h.Expiration) {
			return
		}
		enc := h.Encode()
		if len(out)+len(enc) > maxBytes {
			return
		}
		out = append(out, enc...)
	})
	return out
}

// TrafficStats returns the rolling per-part-type traffic counters
// (supplemented from original source traffic.c, not a spec.md §6.3
// operation) for exposure through internal/introspect.
func (m *Manager) TrafficStats() []TrafficSnapshot {
	return m.traffic.Snapshot()
}

// RegisterHandler installs fn on the shared handler registry (spec
// §6.3 "registerHandler"), returning a token for UnregisterHandler.
func (m *Manager) RegisterHandler(partType uint16, encrypted bool, fn HandlerFunc) HandlerToken {
	return m.registry.RegisterHandler(partType, encrypted, fn)
}

// UnregisterHandler removes a handler previously installed with
// RegisterHandler (spec §6.3 "unregister").
func (m *Manager) UnregisterHandler(partType uint16, encrypted bool, tok HandlerToken) {
	m.registry.UnregisterHandler(partType, encrypted, tok)
}

// RegisterSendCallback installs a padding callback (spec §6.3
// "registerSendCallback").
func (m *Manager) RegisterSendCallback(minPadding int, fn PaddingFunc) {
	m.registry.RegisterSendCallback(minPadding, fn)
}

// RegisterSendNotify subscribes fn to every sealed datagram (spec §6.3
// "registerSendNotify"), returning a token for UnregisterSendNotify.
func (m *Manager) RegisterSendNotify(fn SendNotifyFunc) HandlerToken {
	return m.registry.RegisterSendNotify(fn)
}

// UnregisterSendNotify removes a subscriber previously installed with
// RegisterSendNotify (spec §6.3 "unregisterSendNotify").
func (m *Manager) UnregisterSendNotify(tok HandlerToken) {
	m.registry.UnregisterSendNotify(tok)
}
