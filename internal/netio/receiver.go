package netio

import (
	"context"
	"log/slog"
)

// Datagram is one received datagram backed by a pooled buffer.
type Datagram struct {
	// Data holds the received bytes (len(Data) is the read length).
	Data []byte

	// Meta is the transport metadata of the datagram.
	Meta PacketMeta

	bufp *[]byte
	pool *PacketPool
}

// Release returns the datagram buffer to its pool. Data must not be used
// afterwards.
func (d Datagram) Release() {
	if d.pool != nil {
		d.pool.Put(d.bufp)
	}
}

// Receiver reads datagrams from one PacketConn and hands each to a
// delivery function.
//
// The Receiver handles:
//   - Buffer management via PacketPool
//   - Logging of transport errors (which do not stop the loop)
//   - Termination when the socket is closed or ctx is cancelled
type Receiver struct {
	conn   PacketConn
	pool   *PacketPool
	logger *slog.Logger
}

// NewReceiver creates a Receiver reading conn into buffers from pool.
func NewReceiver(conn PacketConn, pool *PacketPool, logger *slog.Logger) *Receiver {
	return &Receiver{
		conn: conn,
		pool: pool,
		logger: logger.With(
			slog.String("component", "netio.receiver"),
			slog.String("local", conn.LocalAddr().String()),
		),
	}
}

// Run reads until the socket is closed, ctx is cancelled, or deliver
// returns false. deliver takes ownership of every Datagram and must
// Release it.
//
// ReadPacket is not interruptible by ctx; callers stop a Receiver by
// closing its PacketConn.
func (r *Receiver) Run(ctx context.Context, deliver func(Datagram) bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		bufp := r.pool.Get()

		n, meta, err := r.conn.ReadPacket(*bufp)
		if err != nil {
			r.pool.Put(bufp)
			if IsClosed(err) || ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
			continue
		}

		d := Datagram{
			Data: (*bufp)[:n],
			Meta: meta,
			bufp: bufp,
			pool: r.pool,
		}
		if !deliver(d) {
			return
		}
	}
}
