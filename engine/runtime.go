//go:build linux

// Package engine implements a single-threaded cooperative coroutine
// runtime driven by io_uring completions. Each coroutine is a goroutine
// paired with a rendezvous channel handshake, so exactly one fiber body
// (or the driver loop itself) ever runs at a time.
package engine

import (
	goruntime "runtime"

	"github.com/eapache/queue"

	"github.com/wokron/condygo/iouring"
)

// EventIntervalMax disables periodic non-blocking completion polling
// during a ready-queue drain; the runtime only drains completions once
// the ready queue is empty.
const EventIntervalMax = ^uint64(0)

// RuntimeOptions configures a Runtime's underlying ring and scheduling
// policy. Build one by passing With* functional options to NewRuntime,
// mirroring iouring.Option.
type RuntimeOptions struct {
	sqSize        uint32
	enableIOPoll  bool
	enableSQPoll  bool
	eventInterval uint64
	fdTableSize   uint32
	bufTableSize  uint32
	bufSize       int
}

// Option configures a Runtime at construction time.
type Option func(*RuntimeOptions)

// WithSQSize sets the submission queue entry count (rounded up to a
// power of two by the kernel).
func WithSQSize(n uint32) Option {
	return func(o *RuntimeOptions) { o.sqSize = n }
}

// WithIOPoll enables IORING_SETUP_IOPOLL for polled (non-interrupt)
// completion of supported block devices.
func WithIOPoll() Option {
	return func(o *RuntimeOptions) { o.enableIOPoll = true }
}

// WithSQPoll enables a kernel-side submission-queue poller thread,
// removing the need to call Enter to submit work in the common case.
func WithSQPoll() Option {
	return func(o *RuntimeOptions) { o.enableSQPoll = true }
}

// WithEventInterval sets how many ready-queue resumes elapse between
// non-blocking completion drains. EventIntervalMax disables the periodic
// drain entirely (completions are only drained once ready is empty).
// The default is 16.
func WithEventInterval(n uint64) Option {
	return func(o *RuntimeOptions) { o.eventInterval = n }
}

// WithFixedFiles preallocates a fixed file table of the given size.
func WithFixedFiles(size uint32) Option {
	return func(o *RuntimeOptions) { o.fdTableSize = size }
}

// WithFixedBuffers preallocates a fixed buffer table of count buffers,
// each bufSize bytes.
func WithFixedBuffers(count int, bufSize int) Option {
	return func(o *RuntimeOptions) {
		o.bufTableSize = uint32(count)
		o.bufSize = bufSize
	}
}

func defaultOptions() RuntimeOptions {
	return RuntimeOptions{
		sqSize:        256,
		eventInterval: 16,
	}
}

// Runtime is a single-threaded cooperative scheduler over one io_uring
// instance. A Runtime must not be shared across goroutines and must be
// driven to completion by exactly one call to Run, from the goroutine
// that constructed it.
type Runtime struct {
	ring *iouring.Ring

	ready *queue.Queue

	pending int
	tasks   int

	awaiters map[uint64]*awaiter
	nextID   uint64

	fdTable  *iouring.FDTable
	bufTable *iouring.BufferTable

	opts       RuntimeOptions
	sinceCheck uint64
	exitAllowed bool

	running bool
}

// current is the Runtime actively executing Run on this goroutine's call
// stack, if any. It is written only by the goroutine running Run, and
// read only from fiber bodies that goroutine has resumed.
var current *Runtime

// CurrentRuntime returns the Runtime driving the calling goroutine.
// Panics if called outside of a running fiber.
func CurrentRuntime() *Runtime {
	if current == nil {
		panic("engine: CurrentRuntime called outside of a running fiber")
	}
	return current
}

// NewRuntime creates a Runtime and its backing ring. Run does not close
// the ring; call Close once Run has returned.
func NewRuntime(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ringOpts := []iouring.Option{iouring.WithSingleIssuer()}
	if o.enableIOPoll {
		ringOpts = append(ringOpts, iouring.WithIOPoll())
	}
	if o.enableSQPoll {
		ringOpts = append(ringOpts, iouring.WithSQPoll())
	}

	ring, err := iouring.New(o.sqSize, ringOpts...)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		ring:     ring,
		ready:    queue.New(),
		awaiters: make(map[uint64]*awaiter),
		opts:     o,
	}

	if o.fdTableSize > 0 {
		rt.fdTable, err = iouring.NewFDTable(ring, o.fdTableSize)
		if err != nil {
			ring.Close()
			return nil, err
		}
	}
	if o.bufTableSize > 0 {
		rt.bufTable, err = iouring.NewBufferTable(ring, int(o.bufTableSize), o.bufSize)
		if err != nil {
			ring.Close()
			return nil, err
		}
	}

	return rt, nil
}

// Ring exposes the underlying ring for callers that need raw access
// (e.g. to pass a listening socket's fd into a Prep call directly).
func (rt *Runtime) Ring() *iouring.Ring { return rt.ring }

// FDTable returns the runtime's fixed file table, or nil if none was
// configured with WithFixedFiles.
func (rt *Runtime) FDTable() *iouring.FDTable { return rt.fdTable }

// BufferTable returns the runtime's fixed buffer table, or nil if none
// was configured with WithFixedBuffers.
func (rt *Runtime) BufferTable() *iouring.BufferTable { return rt.bufTable }

// AllowExit permits Run to return once the ready queue is empty and no
// I/O is pending, even if spawned tasks are still live. Without it, Run
// returns only once the live task count has also reached zero.
// Idempotent: calling it more than once, or before any tasks are
// spawned, is harmless. Every benchmark driver in cmd/ calls this once
// before Run.
func (rt *Runtime) AllowExit() {
	rt.exitAllowed = true
}

// Close releases the runtime's ring and registered resources. Call after
// Run returns.
func (rt *Runtime) Close() error {
	return rt.ring.Close()
}

// Run drives the scheduler until the ready queue is empty, no I/O is
// pending, and either no tasks are live or AllowExit has been called.
// Must be called from the goroutine that constructed the Runtime.
func (rt *Runtime) Run() {
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()

	if rt.running {
		panic("engine: Run called while already running")
	}
	rt.running = true
	current = rt
	defer func() {
		current = nil
		rt.running = false
	}()

	for rt.ready.Length() > 0 || rt.pending > 0 || (rt.tasks > 0 && !rt.exitAllowed) {
		for rt.ready.Length() > 0 {
			fb := rt.ready.Remove().(*Fiber)
			rt.resume(fb)

			rt.sinceCheck++
			if rt.opts.eventInterval != EventIntervalMax && rt.sinceCheck >= rt.opts.eventInterval {
				rt.pollCompletionsNonBlocking()
				rt.sinceCheck = 0
			}
		}
		if rt.pending > 0 {
			rt.submitAndWaitOne()
		}
	}
}

// resume hands control to fb and blocks until fb either suspends again
// (via parkForIO/Yield) or returns. Exactly one of rt's goroutines is
// unblocked between the send and the matching receive.
func (rt *Runtime) resume(fb *Fiber) {
	fb.signal <- struct{}{}
	<-fb.handoff
}

// enqueue pushes a fiber onto the tail of the ready queue.
func (rt *Runtime) enqueue(fb *Fiber) {
	rt.ready.Add(fb)
}

func (rt *Runtime) pollCompletionsNonBlocking() {
	rt.ring.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
		rt.dispatch(userData, res, flags)
		return true
	})
}

func (rt *Runtime) submitAndWaitOne() {
	_, err := rt.ring.SubmitAndWait(1)
	if err != nil {
		panic("engine: SubmitAndWait failed: " + err.Error())
	}
	rt.ring.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
		rt.dispatch(userData, res, flags)
		return true
	})
}

// dispatch resolves a CQE to the awaiter that registered its user_data,
// records the result, and re-enqueues the waiting fiber. A CQE for an
// unregistered key indicates a scheduler invariant violation and panics,
// per the fatal-misuse contract in the error handling design.
func (rt *Runtime) dispatch(userData uint64, res int32, flags uint32) {
	aw, ok := rt.awaiters[userData]
	if !ok {
		panic("engine: CQE for unregistered user_data")
	}
	delete(rt.awaiters, userData)

	aw.res = res
	aw.flags = flags
	rt.pending--

	if flags&iouring.CQEFMore != 0 {
		// Multishot completions resubmit themselves; re-register instead
		// of dropping the key so the next CQE resolves the same awaiter.
		rt.awaiters[userData] = aw
		rt.pending++
	}

	rt.enqueue(aw.fiber)
}

// registerAwaiter reserves the next user_data value and its awaiter slot.
func (rt *Runtime) registerAwaiter(fb *Fiber) (uint64, *awaiter) {
	rt.nextID++
	id := rt.nextID
	aw := &awaiter{fiber: fb}
	rt.awaiters[id] = aw
	rt.pending++
	return id, aw
}
