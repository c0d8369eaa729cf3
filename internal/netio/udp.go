package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// -------------------------------------------------------------------------
// UDPConn — plain CoAP transport, RFC 7252 Section 4
// -------------------------------------------------------------------------

// UDPConn implements PacketConn over a UDP socket.
//
// IPv4 listeners receive IP_PKTINFO through ipv4.PacketConn; IPv6 and
// dual-stack listeners receive IPV6_PKTINFO through ipv6.PacketConn.
// When the platform does not support the control messages, Dst and IfIndex
// are left zero.
type UDPConn struct {
	conn      *net.UDPConn
	p4        *ipv4.PacketConn
	p6        *ipv6.PacketConn
	localAddr netip.AddrPort

	mu     sync.Mutex
	closed bool
}

// ListenUDP binds a UDP socket to laddr. An invalid (zero) address binds
// every local address; port 0 selects an ephemeral port, reported by
// LocalAddr.
//
// Socket configuration:
//   - SO_REUSEADDR so a restarted service can rebind immediately (linux)
//   - IP_PKTINFO / IPV6_RECVPKTINFO for destination and interface
func ListenUDP(ctx context.Context, laddr netip.AddrPort) (*UDPConn, error) {
	network, address := "udp", fmt.Sprintf(":%d", laddr.Port())
	if laddr.Addr().IsValid() {
		address = laddr.String()
		if laddr.Addr().Is4() {
			network = "udp4"
		}
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setSocketOpts(c)
		},
	}

	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen UDP %s: %w", address, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		closeErr := pc.Close()
		return nil, errors.Join(
			fmt.Errorf("listen UDP %s: %w", address, ErrUnexpectedConnType),
			closeErr,
		)
	}

	u := &UDPConn{
		conn:      conn,
		localAddr: addrPortOf(conn.LocalAddr()),
	}

	if network == "udp4" {
		p := ipv4.NewPacketConn(conn)
		if p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true) == nil {
			u.p4 = p
		}
	} else {
		p := ipv6.NewPacketConn(conn)
		if p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true) == nil {
			u.p6 = p
		}
	}

	return u, nil
}

// Listen adapts ListenUDP to ListenFunc.
func Listen(ctx context.Context, laddr netip.AddrPort) (PacketConn, error) {
	c, err := ListenUDP(ctx, laddr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReadPacket reads one datagram with its transport metadata.
func (u *UDPConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	var (
		n    int
		meta PacketMeta
		err  error
	)

	switch {
	case u.p4 != nil:
		var cm *ipv4.ControlMessage
		var src net.Addr
		n, cm, src, err = u.p4.ReadFrom(buf)
		meta.Src = addrPortOf(src)
		if cm != nil {
			meta.Dst, _ = netip.AddrFromSlice(cm.Dst)
			meta.IfIndex = cm.IfIndex
		}
	case u.p6 != nil:
		var cm *ipv6.ControlMessage
		var src net.Addr
		n, cm, src, err = u.p6.ReadFrom(buf)
		meta.Src = addrPortOf(src)
		if cm != nil {
			meta.Dst, _ = netip.AddrFromSlice(cm.Dst)
			meta.IfIndex = cm.IfIndex
		}
	default:
		var src netip.AddrPort
		n, src, err = u.conn.ReadFromUDPAddrPort(buf)
		meta.Src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
	}

	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return 0, PacketMeta{}, fmt.Errorf("read coap datagram: %w", ErrSocketClosed)
		}
		return 0, PacketMeta{}, fmt.Errorf("read coap datagram: %w", err)
	}

	meta.Dst = meta.Dst.Unmap()

	return n, meta, nil
}

// WritePacket sends one datagram to dst.
func (u *UDPConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	if _, err := u.conn.WriteToUDPAddrPort(buf, dst); err != nil {
		return fmt.Errorf("write coap datagram to %s: %w", dst, err)
	}
	return nil
}

// Close releases the underlying socket. Closing twice is a no-op.
func (u *UDPConn) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil
	}
	u.closed = true

	if err := u.conn.Close(); err != nil {
		return fmt.Errorf("close coap socket: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address and port.
func (u *UDPConn) LocalAddr() netip.AddrPort {
	return u.localAddr
}
