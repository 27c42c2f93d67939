//go:build linux

package iouring

import "sync"

// BufferTable is a fixed-size table of registered I/O buffers. Fixed
// buffers skip the per-call page pin/unpin that a plain Read/Write or
// Send/Recv incurs, at the cost of a bounded pool the caller must manage.
type BufferTable struct {
	mu   sync.Mutex
	ring *Ring
	bufs [][]byte
	free []uint32
}

// FixedBuffer names a slot in a registered buffer table, together with
// the backing storage at that slot.
type FixedBuffer struct {
	Index uint16
	Bytes []byte
}

// NewBufferTable allocates count buffers of bufSize bytes each and
// registers them with the ring as a single fixed table.
func NewBufferTable(r *Ring, count, bufSize int) (*BufferTable, error) {
	bufs := make([][]byte, count)
	for i := range bufs {
		bufs[i] = make([]byte, bufSize)
	}
	if err := r.RegisterBuffers(bufs); err != nil {
		return nil, err
	}

	free := make([]uint32, count)
	for i := range free {
		free[i] = uint32(count - 1 - i)
	}

	return &BufferTable{
		ring: r,
		bufs: bufs,
		free: free,
	}, nil
}

// Acquire reserves a free buffer slot for exclusive use by the caller
// until Release is called.
func (t *BufferTable) Acquire() (FixedBuffer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return FixedBuffer{}, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return FixedBuffer{Index: uint16(idx), Bytes: t.bufs[idx]}, true
}

// Release returns a slot to the free pool. The caller must not touch the
// buffer's backing bytes after releasing it.
func (t *BufferTable) Release(buf FixedBuffer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.free = append(t.free, uint32(buf.Index))
}

// Update replaces the backing storage for a contiguous run of slots
// starting at offset, without disturbing slots outside that range.
func (t *BufferTable) Update(offset uint32, bufs [][]byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(offset)+len(bufs) > len(t.bufs) {
		return ErrInvalidSlot
	}
	if err := t.ring.RegisterBuffersUpdate(offset, bufs); err != nil {
		return err
	}
	for i, b := range bufs {
		t.bufs[offset+uint32(i)] = b
	}
	return nil
}

// Len returns the number of slots in the table.
func (t *BufferTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bufs)
}
