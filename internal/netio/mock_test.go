package netio_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gocoap/internal/netio"
)

// -------------------------------------------------------------------------
// MockPacketConn — Test double for PacketConn
// -------------------------------------------------------------------------

// MockPacketConn implements netio.PacketConn for testing without real
// sockets. Reads are served from a channel; writes are recorded.
type MockPacketConn struct {
	mu        sync.Mutex
	localAddr netip.AddrPort
	closed    bool
	done      chan struct{}

	reads chan mockRead

	// Written records all datagrams sent via WritePacket.
	Written []writtenPacket
}

type mockRead struct {
	data []byte
	meta netio.PacketMeta
	err  error
}

// writtenPacket records a single WritePacket call.
type writtenPacket struct {
	Data []byte
	Dst  netip.AddrPort
}

// NewMockPacketConn creates a MockPacketConn with the given local address.
func NewMockPacketConn(addr netip.AddrPort) *MockPacketConn {
	return &MockPacketConn{
		localAddr: addr,
		done:      make(chan struct{}),
		reads:     make(chan mockRead, 16),
	}
}

// Inject queues a datagram (or a read error) for ReadPacket.
func (m *MockPacketConn) Inject(data []byte, src netip.AddrPort, err error) {
	m.reads <- mockRead{data: data, meta: netio.PacketMeta{Src: src}, err: err}
}

// ReadPacket implements PacketConn.ReadPacket.
func (m *MockPacketConn) ReadPacket(buf []byte) (int, netio.PacketMeta, error) {
	select {
	case r := <-m.reads:
		if r.err != nil {
			return 0, netio.PacketMeta{}, r.err
		}
		return copy(buf, r.data), r.meta, nil
	case <-m.done:
		return 0, netio.PacketMeta{}, netio.ErrSocketClosed
	}
}

// WritePacket implements PacketConn.WritePacket.
func (m *MockPacketConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return netio.ErrSocketClosed
	}

	data := make([]byte, len(buf))
	copy(data, buf)
	m.Written = append(m.Written, writtenPacket{Data: data, Dst: dst})
	return nil
}

// Close implements PacketConn.Close.
func (m *MockPacketConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// LocalAddr implements PacketConn.LocalAddr.
func (m *MockPacketConn) LocalAddr() netip.AddrPort {
	return m.localAddr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// -------------------------------------------------------------------------
// Tests — PacketPool
// -------------------------------------------------------------------------

func TestPacketPoolSize(t *testing.T) {
	t.Parallel()

	pool := netio.NewPacketPool(1153)

	bufp := pool.Get()
	if len(*bufp) != 1153 {
		t.Fatalf("len = %d, want 1153", len(*bufp))
	}

	*bufp = (*bufp)[:10]
	pool.Put(bufp)

	again := pool.Get()
	if len(*again) != 1153 {
		t.Errorf("reused buffer len = %d, want 1153", len(*again))
	}

	// Foreign buffers are dropped rather than pooled.
	foreign := make([]byte, 16)
	pool.Put(&foreign)
	pool.Put(nil)
}

// -------------------------------------------------------------------------
// Tests — Receiver
// -------------------------------------------------------------------------

func TestReceiverDeliversInOrder(t *testing.T) {
	t.Parallel()

	conn := NewMockPacketConn(netip.MustParseAddrPort("127.0.0.1:5683"))
	src := netip.MustParseAddrPort("192.0.2.1:40000")

	for i := range 3 {
		conn.Inject([]byte(fmt.Sprintf("dgram-%d", i)), src, nil)
	}

	r := netio.NewReceiver(conn, netio.NewPacketPool(64), discardLogger())

	var got []string
	r.Run(context.Background(), func(d netio.Datagram) bool {
		defer d.Release()
		if d.Meta.Src != src {
			t.Errorf("src = %s, want %s", d.Meta.Src, src)
		}
		got = append(got, string(d.Data))
		return len(got) < 3
	})

	want := []string{"dgram-0", "dgram-1", "dgram-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("delivered %v, want %v", got, want)
	}
}

func TestReceiverSurvivesTransportErrors(t *testing.T) {
	t.Parallel()

	conn := NewMockPacketConn(netip.MustParseAddrPort("127.0.0.1:5683"))
	src := netip.MustParseAddrPort("192.0.2.1:40000")

	conn.Inject(nil, src, errors.New("transient"))
	conn.Inject([]byte("ok"), src, nil)

	r := netio.NewReceiver(conn, netio.NewPacketPool(64), discardLogger())

	delivered := 0
	r.Run(context.Background(), func(d netio.Datagram) bool {
		d.Release()
		delivered++
		return false
	})

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestReceiverStopsOnClose(t *testing.T) {
	t.Parallel()

	conn := NewMockPacketConn(netip.MustParseAddrPort("127.0.0.1:5683"))
	r := netio.NewReceiver(conn, netio.NewPacketPool(64), discardLogger())

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), func(d netio.Datagram) bool {
			d.Release()
			return true
		})
		close(done)
	}()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop after Close")
	}
}

func TestReceiverTruncatesToBuffer(t *testing.T) {
	t.Parallel()

	conn := NewMockPacketConn(netip.MustParseAddrPort("127.0.0.1:5683"))
	conn.Inject(make([]byte, 100), netip.MustParseAddrPort("192.0.2.1:1"), nil)

	r := netio.NewReceiver(conn, netio.NewPacketPool(9), discardLogger())
	r.Run(context.Background(), func(d netio.Datagram) bool {
		defer d.Release()
		if len(d.Data) != 9 {
			t.Errorf("len = %d, want 9 (buffer size)", len(d.Data))
		}
		return false
	})
}

func TestIsClosed(t *testing.T) {
	t.Parallel()

	if !netio.IsClosed(fmt.Errorf("read: %w", netio.ErrSocketClosed)) {
		t.Error("IsClosed(wrapped ErrSocketClosed) = false")
	}
	if netio.IsClosed(errors.New("other")) {
		t.Error("IsClosed(other) = true")
	}
}
