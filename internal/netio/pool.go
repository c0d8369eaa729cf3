package netio

import "sync"

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for zero-allocation receive
// -------------------------------------------------------------------------

// PacketPool provides reusable receive buffers of a fixed size.
// Callers Get() a *[]byte before receiving and Put() it after processing.
//
// The pool stores *[]byte (pointer to slice) to avoid an interface
// allocation on Get()/Put().
//
// Usage:
//
//	bufp := pool.Get()
//	defer pool.Put(bufp)
//	n, meta, err := conn.ReadPacket(*bufp)
type PacketPool struct {
	size int
	pool sync.Pool
}

// NewPacketPool creates a pool of size-byte buffers.
func NewPacketPool(size int) *PacketPool {
	p := &PacketPool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Size returns the buffer size handed out by the pool.
func (p *PacketPool) Size() int { return p.size }

// Get returns a full-length buffer.
func (p *PacketPool) Get() *[]byte {
	bufp, ok := p.pool.Get().(*[]byte)
	if !ok || cap(*bufp) < p.size {
		buf := make([]byte, p.size)
		return &buf
	}
	*bufp = (*bufp)[:p.size]
	return bufp
}

// Put returns a buffer to the pool. Buffers of a different size are
// dropped.
func (p *PacketPool) Put(bufp *[]byte) {
	if bufp == nil || cap(*bufp) != p.size {
		return
	}
	p.pool.Put(bufp)
}
