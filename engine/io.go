//go:build linux

package engine

import (
	"github.com/wokron/condygo/internal/sys"
	"github.com/wokron/condygo/iouring"
)

// FD is either a raw file descriptor or a slot in a runtime's fixed file
// table. The Async* functions accept either through this one type so a
// single code path serves both; only the SQE's Fd field and
// IOSQE_FIXED_FILE flag differ between the two.
type FD struct {
	raw   int
	fixed iouring.FixedFD
	isFixed bool
}

// RawFD wraps a plain file descriptor.
func RawFD(fd int) FD { return FD{raw: fd} }

// FixedFD wraps a slot previously installed in a runtime's fixed file
// table.
func FixedFD(slot iouring.FixedFD) FD { return FD{fixed: slot, isFixed: true} }

func (fd FD) slotOrRaw() int {
	if fd.isFixed {
		return int(fd.fixed)
	}
	return fd.raw
}

// Buf is either a plain byte slice or a slot in a runtime's fixed buffer
// table. AsyncRead/AsyncWrite/AsyncRecv/AsyncSend accept either through
// this one type, mirroring FD's raw/fixed split: only the SQE's buf_index
// and either the opcode (plain vs _FIXED, for read/write) or the
// IORING_RECVSEND_FIXED_BUF flag (for send/recv) differ between the two.
type Buf struct {
	bytes   []byte
	index   uint16
	isFixed bool
}

// RawBuf wraps a plain byte slice with no kernel-side registration.
func RawBuf(b []byte) Buf { return Buf{bytes: b} }

// FixedBuf wraps a slot previously registered in a runtime's fixed
// buffer table, as returned by BufferTable.Acquire.
func FixedBuf(b iouring.FixedBuffer) Buf {
	return Buf{bytes: b.Bytes, index: b.Index, isFixed: true}
}

// AcceptSlot names where an accepted connection should be installed when
// using AsyncAcceptDirect: either any free slot, or a specific one.
type AcceptSlot struct {
	index uint32
	any   bool
}

// AnyFixedSlot lets the kernel pick any free slot in the fixed file
// table for a direct accept.
func AnyFixedSlot() AcceptSlot { return AcceptSlot{any: true} }

// FixedSlot targets a specific slot for a direct accept.
func FixedSlot(slot iouring.FixedFD) AcceptSlot { return AcceptSlot{index: uint32(slot)} }

// prepRetrying calls prep once; on ErrSQFull it submits pending work and
// retries exactly once. A second ErrSQFull indicates submission pressure
// that a submit cannot relieve and is a fatal scheduler condition.
func prepRetrying(f *Fiber, prep func() error) {
	err := prep()
	if err == nil {
		return
	}
	if err != iouring.ErrSQFull {
		panic("engine: unexpected Prep error: " + err.Error())
	}
	if _, subErr := f.rt.ring.Submit(); subErr != nil {
		panic("engine: Submit failed while resolving a full queue: " + subErr.Error())
	}
	if err := prep(); err != nil {
		panic("engine: submission queue still full after a submit")
	}
}

// AsyncRead reads up to len(buf.bytes) bytes from fd at the given
// offset, suspending the calling fiber until the read completes. If buf
// is a FixedBuf, the read is issued as IORING_OP_READ_FIXED against its
// registered slot.
func AsyncRead(f *Fiber, fd FD, buf Buf, off uint64) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		if buf.isFixed {
			return rt.ring.PrepReadFixed(fd.slotOrRaw(), buf.bytes, off, buf.index, id)
		}
		return rt.ring.PrepRead(fd.slotOrRaw(), buf.bytes, off, id)
	})
	if fd.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncWrite writes len(buf.bytes) bytes to fd at the given offset,
// suspending the calling fiber until the write completes. If buf is a
// FixedBuf, the write is issued as IORING_OP_WRITE_FIXED against its
// registered slot.
func AsyncWrite(f *Fiber, fd FD, buf Buf, off uint64) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		if buf.isFixed {
			return rt.ring.PrepWriteFixed(fd.slotOrRaw(), buf.bytes, off, buf.index, id)
		}
		return rt.ring.PrepWrite(fd.slotOrRaw(), buf.bytes, off, id)
	})
	if fd.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncRecv receives up to len(buf.bytes) bytes from fd, suspending the
// calling fiber until data arrives or the peer closes. If buf is a
// FixedBuf, the recv is issued against its registered slot.
func AsyncRecv(f *Fiber, fd FD, buf Buf, flags int) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		if buf.isFixed {
			return rt.ring.PrepRecvFixed(fd.slotOrRaw(), buf.bytes, buf.index, flags, id)
		}
		return rt.ring.PrepRecv(fd.slotOrRaw(), buf.bytes, flags, id)
	})
	if fd.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncSend sends buf to fd, suspending the calling fiber until the
// kernel accepts the write. If buf is a FixedBuf, the send is issued
// against its registered slot.
func AsyncSend(f *Fiber, fd FD, buf Buf, flags int) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		if buf.isFixed {
			return rt.ring.PrepSendFixed(fd.slotOrRaw(), buf.bytes, buf.index, flags, id)
		}
		return rt.ring.PrepSend(fd.slotOrRaw(), buf.bytes, flags, id)
	})
	if fd.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncAccept accepts one connection on listenFD, suspending the calling
// fiber until a peer connects. Returns the new raw descriptor.
func AsyncAccept(f *Fiber, listenFD FD) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		return rt.ring.PrepAccept(listenFD.slotOrRaw(), nil, nil, 0, id)
	})
	if listenFD.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncAcceptDirect accepts one connection on listenFD and installs it
// directly into the runtime's fixed file table at the requested slot,
// suspending the calling fiber until a peer connects. Returns the fixed
// slot index the kernel chose (or the requested one, if FixedSlot was
// used).
func AsyncAcceptDirect(f *Fiber, listenFD FD, slot AcceptSlot) (int32, error) {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	fileIndex := slot.index
	if slot.any {
		fileIndex = sys.IORING_FILE_INDEX_ALLOC
	}

	prepRetrying(f, func() error {
		return rt.ring.PrepAcceptDirect(listenFD.slotOrRaw(), nil, nil, 0, fileIndex, id)
	})
	if listenFD.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	if !slot.any && aw.res >= 0 {
		// The kernel reports 0, not the slot, when a specific slot is used.
		return int32(slot.index), nil
	}
	return aw.res, iouring.ResultError(aw.res)
}

// AsyncClose closes fd, suspending the calling fiber until the close
// completes.
func AsyncClose(f *Fiber, fd FD) error {
	rt := f.rt
	id, aw := rt.registerAwaiter(f)

	prepRetrying(f, func() error {
		return rt.ring.PrepClose(fd.slotOrRaw(), id)
	})
	if fd.isFixed {
		rt.ring.SetSQEFixedFile()
	}

	f.parkForIO()
	return iouring.ResultError(aw.res)
}
