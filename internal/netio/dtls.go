package netio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
)

// -------------------------------------------------------------------------
// DTLS-PSK transport — RFC 7252 Section 9.1.3.1
// -------------------------------------------------------------------------

const (
	// defaultHandshakeTimeout bounds a single DTLS handshake.
	defaultHandshakeTimeout = 10 * time.Second

	// maxRecordSize is the largest DTLS plaintext record (RFC 6347).
	maxRecordSize = 16384

	// dtlsInboxDepth is the number of decrypted datagrams buffered between
	// peer sessions and ReadPacket.
	dtlsInboxDepth = 64
)

// DTLSConfig holds pre-shared key settings for a coaps endpoint.
type DTLSConfig struct {
	// Identity is the PSK identity (hint on the server side).
	Identity string

	// Key is the pre-shared key.
	Key []byte

	// HandshakeTimeout bounds one handshake. Zero selects 10s.
	HandshakeTimeout time.Duration
}

func (c DTLSConfig) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return defaultHandshakeTimeout
	}
	return c.HandshakeTimeout
}

func (c DTLSConfig) pion() (*dtls.Config, error) {
	if len(c.Key) == 0 {
		return nil, ErrInvalidPSK
	}

	key := bytes.Clone(c.Key)

	return &dtls.Config{
		PSK: func([]byte) ([]byte, error) {
			return key, nil
		},
		PSKIdentityHint: []byte(c.Identity),
		// RFC 7252 Section 9.1.3.1: TLS_PSK_WITH_AES_128_CCM_8 is mandatory
		// to implement in PreSharedKey mode.
		CipherSuites:         []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}, nil
}

type dtlsDatagram struct {
	data []byte
	src  netip.AddrPort
}

// DTLSConn implements PacketConn over a DTLS listener. Every accepted peer
// session is read by its own goroutine; decrypted records are funnelled
// into one inbox so the dispatch loop sees a single datagram stream.
type DTLSConn struct {
	ln        net.Listener
	local     netip.AddrPort
	handshake time.Duration
	logger    *slog.Logger

	inbox chan dtlsDatagram
	done  chan struct{}

	mu    sync.Mutex
	peers map[netip.AddrPort]net.Conn

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenDTLS opens a DTLS-PSK listener on laddr.
func ListenDTLS(laddr netip.AddrPort, cfg DTLSConfig, logger *slog.Logger) (*DTLSConn, error) {
	pcfg, err := cfg.pion()
	if err != nil {
		return nil, err
	}

	ln, err := dtls.Listen("udp", net.UDPAddrFromAddrPort(laddr), pcfg)
	if err != nil {
		return nil, fmt.Errorf("listen DTLS %s: %w", laddr, err)
	}

	c := &DTLSConn{
		ln:        ln,
		local:     addrPortOf(ln.Addr()),
		handshake: cfg.handshakeTimeout(),
		logger:    logger.With(slog.String("component", "netio.dtls")),
		inbox:     make(chan dtlsDatagram, dtlsInboxDepth),
		done:      make(chan struct{}),
		peers:     make(map[netip.AddrPort]net.Conn),
	}

	c.wg.Add(1)
	go c.acceptLoop()

	return c, nil
}

// DTLSListenFunc returns a ListenFunc that opens DTLS listeners with cfg.
func DTLSListenFunc(cfg DTLSConfig, logger *slog.Logger) ListenFunc {
	return func(_ context.Context, laddr netip.AddrPort) (PacketConn, error) {
		c, err := ListenDTLS(laddr, cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// DialDTLS establishes a client DTLS-PSK session with raddr. The
// handshake completes before DialDTLS returns; ctx bounds both the socket
// setup and the handshake.
func DialDTLS(ctx context.Context, raddr netip.AddrPort, cfg DTLSConfig) (*dtls.Conn, error) {
	pcfg, err := cfg.pion()
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	udp, err := d.DialContext(ctx, "udp", raddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial DTLS %s: %w", raddr, err)
	}

	conn, err := dtls.Client(dtlsnet.PacketConnFromConn(udp), udp.RemoteAddr(), pcfg)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("dial DTLS %s: %w", raddr, err)
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()

	if err := conn.HandshakeContext(hctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dtls handshake with %s: %w", raddr, err)
	}

	return conn, nil
}

func (c *DTLSConn) acceptLoop() {
	defer c.wg.Done()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Debug("dtls accept failed", slog.String("error", err.Error()))
			continue
		}

		peer := addrPortOf(conn.RemoteAddr())

		c.mu.Lock()
		if old, ok := c.peers[peer]; ok {
			_ = old.Close()
		}
		c.peers[peer] = conn
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readPeer(peer, conn)
	}
}

func (c *DTLSConn) readPeer(peer netip.AddrPort, conn net.Conn) {
	defer c.wg.Done()
	defer c.dropPeer(peer, conn)

	// Accepted sessions handshake lazily; complete it here so a stalled
	// peer cannot hold the session open.
	if dc, ok := conn.(*dtls.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.handshake)
		err := dc.HandshakeContext(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("dtls handshake failed",
				slog.String("peer", peer.String()),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	c.logger.Debug("dtls session established", slog.String("peer", peer.String()))

	buf := make([]byte, maxRecordSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		select {
		case c.inbox <- dtlsDatagram{data: bytes.Clone(buf[:n]), src: peer}:
		case <-c.done:
			return
		}
	}
}

func (c *DTLSConn) dropPeer(peer netip.AddrPort, conn net.Conn) {
	c.mu.Lock()
	if cur, ok := c.peers[peer]; ok && cur == conn {
		delete(c.peers, peer)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// ReadPacket returns the next decrypted datagram from any peer session.
func (c *DTLSConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	select {
	case d := <-c.inbox:
		n := copy(buf, d.data)
		return n, PacketMeta{Src: d.src, Dst: c.local.Addr()}, nil
	case <-c.done:
		return 0, PacketMeta{}, fmt.Errorf("read dtls datagram: %w", ErrSocketClosed)
	}
}

// WritePacket encrypts buf on the session with dst.
func (c *DTLSConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	c.mu.Lock()
	conn, ok := c.peers[dst]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("write dtls datagram to %s: %w", dst, ErrPeerNotConnected)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write dtls datagram to %s: %w", dst, err)
	}
	return nil
}

// Close stops accepting sessions, closes every peer session and waits for
// the session goroutines to exit.
func (c *DTLSConn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ln.Close()

		c.mu.Lock()
		for peer, conn := range c.peers {
			_ = conn.Close()
			delete(c.peers, peer)
		}
		c.mu.Unlock()

		c.wg.Wait()
	})

	if err != nil {
		return fmt.Errorf("close dtls listener: %w", err)
	}
	return nil
}

// LocalAddr returns the bound local address and port.
func (c *DTLSConn) LocalAddr() netip.AddrPort {
	return c.local
}
