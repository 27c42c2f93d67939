//go:build linux

package engine

// Fiber is a coroutine frame: a goroutine paired with the two rendezvous
// channels that force strict alternation with the driver loop. User code
// never constructs a Fiber directly; it receives one as an argument to
// a spawned function, the way context.Context is threaded through
// request handlers.
type Fiber struct {
	rt *Runtime

	signal  chan struct{} // driver -> fiber: resume
	handoff chan struct{} // fiber -> driver: suspend or finish
}

func newFiber(rt *Runtime) *Fiber {
	return &Fiber{
		rt:      rt,
		signal:  make(chan struct{}),
		handoff: make(chan struct{}),
	}
}

// Runtime returns the runtime this fiber belongs to.
func (f *Fiber) Runtime() *Runtime { return f.rt }

// parkForIO suspends the calling fiber until the driver resumes it. The
// caller must already have arranged for the fiber to be re-enqueued: by
// registering an awaiter that a CQE will resolve, by enqueueing itself
// (Yield), or by leaving itself on a channel waiter list or as a task's
// waiter. It must not call parkForIO more than once per suspension.
func (f *Fiber) parkForIO() {
	f.handoff <- struct{}{}
	<-f.signal
}

// awaitFirstSignal blocks until the driver sends the fiber's very first
// resume signal. Used once, at the start of the goroutine body started
// by Spawn, before the fiber does any work.
func (f *Fiber) awaitFirstSignal() {
	<-f.signal
}

// finish hands control back to the driver for the last time; the
// goroutine backing this fiber returns immediately after.
func (f *Fiber) finish() {
	f.handoff <- struct{}{}
}

// awaiter records where a pending SQE's completion should be delivered:
// which fiber to wake, and where to stash the raw CQE result/flags so
// the awaitable function can read them after resuming.
type awaiter struct {
	fiber *Fiber
	res   int32
	flags uint32
}

// Yield suspends the calling fiber and re-enqueues it at the tail of the
// ready queue, guaranteeing at least one other ready fiber runs before
// it resumes (if any is ready). This is the runtime's only cooperative
// preemption point besides the I/O awaitables.
func Yield(f *Fiber) {
	f.rt.enqueue(f)
	f.parkForIO()
}
