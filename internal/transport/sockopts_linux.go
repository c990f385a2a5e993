//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// ttlRequired is the hop count used on every outbound datagram. Fixed
// at the maximum rather than GTSM-validated on receipt (unlike the
// teacher's BFD driver): the overlay's peer-to-peer model has no
// single-hop/multi-hop distinction to enforce, but a consistently
// maxed-out TTL still avoids mid-path filtering that assumes default
// TTLs on UDP traffic.
const ttlRequired = 255

// applySockOpts configures SO_REUSEADDR and the maximum TTL/hop-limit
// on conn's underlying file descriptor (grounded on
// netio/sender.go's setSenderSockOpts).
func applySockOpts(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("transport: get raw conn: %w", err)
	}

	isIPv6 := conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		//nolint:gosec // fd is a small positive kernel descriptor
		intFD := int(fd)
		sockErr = setSockOpts(intFD, isIPv6)
	})
	if ctrlErr != nil {
		return fmt.Errorf("transport: raw conn control: %w", ctrlErr)
	}
	return sockErr
}

func setSockOpts(fd int, isIPv6 bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if isIPv6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttlRequired); err != nil {
			return fmt.Errorf("set IPV6_UNICAST_HOPS: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, ttlRequired); err != nil {
		return fmt.Errorf("set IP_TTL: %w", err)
	}
	return nil
}

// enableHopLimitControl asks the kernel to attach per-datagram hop
// count/TTL ancillary data to each received packet, so receiveHopLimit
// can log datagrams that arrive with a suspiciously low TTL (a weak
// signal that a peer address has been spoofed from off-link). It wraps
// conn in the matching address-family PacketConn and returns whichever
// one applies; the other return is nil.
func enableHopLimitControl(conn *net.UDPConn, isIPv6 bool) (*ipv4.PacketConn, *ipv6.PacketConn, error) {
	if isIPv6 {
		pc := ipv6.NewPacketConn(conn)
		if err := pc.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			return nil, nil, fmt.Errorf("enable ipv6 hop-limit control messages: %w", err)
		}
		return nil, pc, nil
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		return nil, nil, fmt.Errorf("enable ipv4 ttl control messages: %w", err)
	}
	return pc, nil, nil
}

// receiveHopLimitIPv4/IPv6 read one datagram via pc along with its hop
// limit and source address, falling back to -1 when the platform did
// not attach control data.
func receiveHopLimitIPv4(pc *ipv4.PacketConn, buf []byte) (n int, hopLimit int, src net.Addr, err error) {
	n, cm, src, err := pc.ReadFrom(buf)
	if err != nil {
		return 0, -1, nil, err
	}
	if cm == nil {
		return n, -1, src, nil
	}
	return n, cm.TTL, src, nil
}

func receiveHopLimitIPv6(pc *ipv6.PacketConn, buf []byte) (n int, hopLimit int, src net.Addr, err error) {
	n, cm, src, err := pc.ReadFrom(buf)
	if err != nil {
		return 0, -1, nil, err
	}
	if cm == nil {
		return n, -1, src, nil
	}
	return n, cm.HopLimit, src, nil
}
