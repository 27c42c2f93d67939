//go:build linux

package iouring

import "sync"

// FDTable is a fixed-size table of file descriptor slots registered with
// the ring. Operations that reference a slot by index (IOSQE_FIXED_FILE)
// avoid the per-call fdget/fdput that a raw fd would cost the kernel.
//
// The table tracks which slots are occupied so that callers can hand out
// free slots without racing the kernel's own bookkeeping; it does not by
// itself prevent a caller from reusing a slot that still has I/O in
// flight against it.
type FDTable struct {
	mu    sync.Mutex
	ring  *Ring
	slots []int32 // -1 marks an empty slot
	free  []uint32
}

// FixedFD names a slot in a registered file table.
type FixedFD uint32

// NewFDTable registers size empty slots with the ring and returns a table
// to manage them. All slots start empty (-1) and may be filled later with
// Update or by a direct-accept completion.
func NewFDTable(r *Ring, size uint32) (*FDTable, error) {
	empty := make([]int32, size)
	for i := range empty {
		empty[i] = -1
	}
	if err := r.RegisterFiles(int32SliceToInt(empty)); err != nil {
		return nil, err
	}

	free := make([]uint32, size)
	for i := range free {
		free[i] = uint32(size - 1 - uint32(i))
	}

	return &FDTable{
		ring:  r,
		slots: empty,
		free:  free,
	}, nil
}

// Alloc reserves a free slot without installing a descriptor into it,
// suitable for passing to PrepAcceptDirect so the kernel fills the slot
// itself on completion.
func (t *FDTable) Alloc() (FixedFD, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return 0, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	return FixedFD(idx), true
}

// Update installs fd at the given slot, replacing whatever was there.
// It does not close a previously installed descriptor; the caller owns
// that lifecycle.
func (t *FDTable) Update(slot FixedFD, fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(slot) >= len(t.slots) {
		return ErrInvalidSlot
	}
	if err := t.ring.RegisterFilesUpdate(uint32(slot), []int{fd}); err != nil {
		return err
	}
	t.slots[slot] = int32(fd)
	return nil
}

// Release clears a slot and returns it to the free list. It does not
// close the underlying descriptor.
func (t *FDTable) Release(slot FixedFD) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(slot) >= len(t.slots) {
		return ErrInvalidSlot
	}
	if err := t.ring.RegisterFilesUpdate(uint32(slot), []int{-1}); err != nil {
		return err
	}
	t.slots[slot] = -1
	t.free = append(t.free, uint32(slot))
	return nil
}

// Len returns the number of slots in the table.
func (t *FDTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func int32SliceToInt(s []int32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}
