package netio

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// -------------------------------------------------------------------------
// Transport Metadata
// -------------------------------------------------------------------------

// PacketMeta contains transport-layer metadata of a received datagram.
type PacketMeta struct {
	// Src is the peer address and port the datagram came from. Responses
	// are sent back to Src (RFC 7252 Section 4.1).
	Src netip.AddrPort

	// Dst is the local destination address, from IP_PKTINFO /
	// IPV6_PKTINFO when the platform reports it.
	Dst netip.Addr

	// IfIndex is the interface index the datagram was received on, or 0.
	IfIndex int
}

// -------------------------------------------------------------------------
// PacketConn Interface
// -------------------------------------------------------------------------

// PacketConn abstracts datagram send/receive for one bound endpoint.
//
// The interface is intentionally minimal so that the server dispatch
// pipeline can be driven by scripted fakes in tests.
type PacketConn interface {
	// ReadPacket reads a single datagram into buf. A datagram larger than
	// buf is truncated to len(buf); callers detect oversize messages by
	// reading into a buffer one byte larger than their limit.
	ReadPacket(buf []byte) (n int, meta PacketMeta, err error)

	// WritePacket sends one datagram to dst.
	WritePacket(buf []byte, dst netip.AddrPort) error

	// Close releases the socket. A blocked ReadPacket returns an error
	// wrapping ErrSocketClosed.
	Close() error

	// LocalAddr returns the bound local address and port. For a listener
	// opened on port 0 this is the ephemeral port chosen by the kernel.
	LocalAddr() netip.AddrPort
}

// ListenFunc opens a PacketConn bound to laddr.
type ListenFunc func(ctx context.Context, laddr netip.AddrPort) (PacketConn, error)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnexpectedConnType indicates net.ListenPacket returned something
	// other than *net.UDPConn.
	ErrUnexpectedConnType = errors.New("unexpected connection type from ListenPacket")

	// ErrPeerNotConnected indicates a DTLS write to a peer without an
	// established session.
	ErrPeerNotConnected = errors.New("no dtls session with peer")

	// ErrInvalidPSK indicates an empty pre-shared key.
	ErrInvalidPSK = errors.New("dtls pre-shared key must not be empty")
)

// IsClosed reports whether err indicates the socket was closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrSocketClosed) || errors.Is(err, net.ErrClosed)
}

// addrPortOf converts a net.Addr from the socket layer to an unmapped
// netip.AddrPort.
func addrPortOf(a net.Addr) netip.AddrPort {
	ua, ok := a.(*net.UDPAddr)
	if !ok || ua == nil {
		return netip.AddrPort{}
	}
	ap := ua.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
