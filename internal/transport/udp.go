//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/veilnet/overlayd/internal/peer"
	"github.com/veilnet/overlayd/internal/wire"
)

// suspiciousHopLimit is the threshold below which an incoming
// datagram's observed hop count is logged as a possible off-link
// spoofing attempt (this driver always sends with ttlRequired=255, so
// a direct peer's reply should arrive close to that ceiling).
const suspiciousHopLimit = 4

// udpMTU is the conservative payload size advertised by the UDP driver:
// the common-case IPv4 Ethernet MTU minus IP/UDP headers.
const udpMTU = 1472

// udpCost is this driver's relative transport cost (lower is cheaper).
const udpCost = 10

// udpSession is the UDP driver's Session implementation: a bound
// 4-tuple plus whatever peer identity it was connected for.
type udpSession struct {
	addr netip.AddrPort
	id   peer.Identity
}

func (s *udpSession) Peer() peer.Identity { return s.id }
func (s *udpSession) String() string      { return s.addr.String() }

// UDPDriver implements Driver over a single bound UDP socket, shared by
// every session (grounded on the teacher's UDPSender/Listener pair,
// collapsed into one type since the connection core multiplexes peers
// by address rather than by dedicated per-peer sockets).
type UDPDriver struct {
	conn   *net.UDPConn
	local  netip.AddrPort
	logger *slog.Logger

	// pc4/pc6 are set when hop-limit control messages were successfully
	// enabled for this socket's address family; at most one is non-nil.
	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	mu         sync.Mutex
	closed     bool
	stopRun    context.CancelFunc
	associated map[string]struct{}
}

// NewUDPDriver opens a UDP socket bound to local and returns a Driver.
func NewUDPDriver(local netip.AddrPort, logger *slog.Logger) (*UDPDriver, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("transport: listen UDP %s: %w", local, err)
	}
	if err := applySockOpts(conn); err != nil {
		closeErr := conn.Close()
		return nil, fmt.Errorf("transport: configure UDP socket: %w", fmt.Errorf("%w (close: %v)", err, closeErr))
	}
	pc4, pc6, err := enableHopLimitControl(conn, local.Addr().Is6() && !local.Addr().Is4In6())
	if err != nil {
		logger.Warn("hop-limit control messages unavailable", slog.String("error", err.Error()))
	}
	return &UDPDriver{
		conn:       conn,
		local:      local,
		pc4:        pc4,
		pc6:        pc6,
		logger:     logger.With(slog.String("component", "transport.udp")),
		associated: make(map[string]struct{}),
	}, nil
}

func (d *UDPDriver) Protocol() string { return "udp" }
func (d *UDPDriver) MTU() int         { return udpMTU }
func (d *UDPDriver) Cost() int        { return udpCost }

// CreateAdvertisement builds an unsigned HELLO describing this driver's
// bound address. Signing is the caller's job (identity.Store.Sign over
// SignedBody), keeping key material out of the transport layer.
func (d *UDPDriver) CreateAdvertisement(id peer.Identity) (wire.Hello, error) {
	addr := make([]byte, 0, 18)
	ip16 := d.local.Addr().As16()
	addr = append(addr, ip16[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], d.local.Port())
	addr = append(addr, portBuf[:]...)

	return wire.Hello{
		Originator: id,
		Transport:  d.Protocol(),
		MTU:        uint32(d.MTU()),
		Address:    addr,
	}, nil
}

// VerifyAdvertisement checks h's Address decodes to a 16-byte IP plus a
// 2-byte port, the UDP driver's wire shape.
func (d *UDPDriver) VerifyAdvertisement(h wire.Hello) error {
	if h.Transport != d.Protocol() {
		return fmt.Errorf("transport: %w: %q", ErrUnsupportedTransport, h.Transport)
	}
	if len(h.Address) != 18 {
		return fmt.Errorf("transport: malformed udp address (want 18 bytes, got %d)", len(h.Address))
	}
	return nil
}

func addrPortFromHello(h wire.Hello) (netip.AddrPort, error) {
	if len(h.Address) != 18 {
		return netip.AddrPort{}, fmt.Errorf("transport: malformed udp address (want 18 bytes, got %d)", len(h.Address))
	}
	var ip16 [16]byte
	copy(ip16[:], h.Address[:16])
	addr := netip.AddrFrom16(ip16).Unmap()
	port := binary.BigEndian.Uint16(h.Address[16:18])
	return netip.AddrPortFrom(addr, port), nil
}

// Connect resolves h's advertised address into a Session. UDP is
// connectionless, so this only validates the address; no handshake is
// performed here (spec's KEY_SENT/KEY_RECEIVED handshake lives in
// internal/core, above the transport layer). If a hostname-based
// advertisement ever resolved to more than one address, only the first
// would be used — this driver's Address field is already a single
// resolved AddrPort, so that policy lives in whatever produced the
// HELLO, not here.
func (d *UDPDriver) Connect(_ context.Context, h wire.Hello) (Session, error) {
	ap, err := addrPortFromHello(h)
	if err != nil {
		return nil, err
	}
	return &udpSession{addr: ap, id: h.Originator}, nil
}

// Associate registers s with this driver so a later Disconnect is
// meaningful bookkeeping instead of a pure no-op. UDP is connectionless
// so there is nothing to accept or refuse here; any well-formed session
// can always be associated.
func (d *UDPDriver) Associate(s Session) error {
	us, ok := s.(*udpSession)
	if !ok {
		return fmt.Errorf("transport: session %v is not a udpSession", s)
	}
	d.mu.Lock()
	d.associated[us.addr.String()] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Disconnect closes s. UDP has no per-peer socket to tear down, so this
// only forgets s if it was previously Associate'd; it is always valid
// to call on a Session returned by Connect, which was never associated.
func (d *UDPDriver) Disconnect(s Session) error {
	us, ok := s.(*udpSession)
	if !ok {
		return fmt.Errorf("transport: session %v is not a udpSession", s)
	}
	d.mu.Lock()
	delete(d.associated, us.addr.String())
	d.mu.Unlock()
	return nil
}

// Send writes b to s's address. UDP has no backpressure signal, so
// force is accepted but does not change behavior.
func (d *UDPDriver) Send(_ context.Context, s Session, b []byte, _ bool) error {
	us, ok := s.(*udpSession)
	if !ok {
		return fmt.Errorf("transport: session %v is not a udpSession", s)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("transport: udp driver closed")
	}
	if _, err := d.conn.WriteToUDPAddrPort(b, us.addr); err != nil {
		return fmt.Errorf("transport: send to %s: %w", us.addr, err)
	}
	return nil
}

// TestWouldTry always reports Yes for sizes within MTU, since UDP
// sockets do not expose a meaningful send-readiness signal beyond that.
func (d *UDPDriver) TestWouldTry(_ Session, size int, force bool) Readiness {
	if force || size <= d.MTU() {
		return ReadinessYes
	}
	return ReadinessNo
}

// StartServer runs a receive loop until ctx is cancelled, invoking recv
// for every datagram with a Session describing its source address.
// Grounded on the teacher's Receiver.recvLoop: per-listener goroutine,
// pooled buffer, context-checked exit, individual read errors logged
// but non-fatal.
func (d *UDPDriver) StartServer(ctx context.Context, recv func([]byte, Session)) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.stopRun = cancel
	d.mu.Unlock()

	buf := make([]byte, 64*1024)
	go func() {
		for {
			if runCtx.Err() != nil {
				return
			}
			n, addr, err := d.readDatagram(buf)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				d.logger.Warn("recv error", slog.String("error", err.Error()))
				continue
			}
			body := make([]byte, n)
			copy(body, buf[:n])
			recv(body, &udpSession{addr: addr})
		}
	}()
	return nil
}

// readDatagram reads one datagram, preferring the hop-limit-aware
// PacketConn when control messages were successfully enabled so a
// suspiciously low hop count (spec REDESIGN FLAGS: harden address
// binding against off-link spoofing) gets logged.
func (d *UDPDriver) readDatagram(buf []byte) (int, netip.AddrPort, error) {
	switch {
	case d.pc4 != nil:
		n, hopLimit, src, err := receiveHopLimitIPv4(d.pc4, buf)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		d.warnIfSuspicious(hopLimit, src)
		return n, addrPortFromNetAddr(src), nil
	case d.pc6 != nil:
		n, hopLimit, src, err := receiveHopLimitIPv6(d.pc6, buf)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		d.warnIfSuspicious(hopLimit, src)
		return n, addrPortFromNetAddr(src), nil
	default:
		n, addr, err := d.conn.ReadFromUDPAddrPort(buf)
		return n, addr, err
	}
}

func (d *UDPDriver) warnIfSuspicious(hopLimit int, src net.Addr) {
	if hopLimit >= 0 && hopLimit < suspiciousHopLimit {
		d.logger.Warn("received datagram with suspiciously low hop limit",
			slog.Int("hopLimit", hopLimit), slog.String("from", src.String()))
	}
}

// addrPortFromNetAddr converts a net.Addr known to be a *net.UDPAddr
// (as returned by ipv4/ipv6 PacketConn.ReadFrom on a UDP socket) into
// the netip.AddrPort the rest of this driver uses.
func addrPortFromNetAddr(addr net.Addr) netip.AddrPort {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	return ua.AddrPort()
}

// StopServer cancels the receive loop started by StartServer.
func (d *UDPDriver) StopServer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopRun != nil {
		d.stopRun()
	}
	d.closed = true
	return d.conn.Close()
}

// AddressToString renders a udp HELLO's address for logs.
func (d *UDPDriver) AddressToString(h wire.Hello) string {
	ap, err := addrPortFromHello(h)
	if err != nil {
		return "<invalid udp address>"
	}
	return ap.String()
}
