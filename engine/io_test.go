//go:build linux

package engine

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wokron/condygo/iouring"
)

func TestAsyncWriteThenAsyncRead(t *testing.T) {
	rt := newTestRuntime(t)

	f, err := os.CreateTemp(t.TempDir(), "condygo-io-*.bin")
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	payload := []byte("the quick brown fox")
	readBack := make([]byte, len(payload))

	Spawn(rt, func(fb *Fiber) struct{} {
		n, err := AsyncWrite(fb, RawFD(fd), RawBuf(payload), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)

		n, err = AsyncRead(fb, RawFD(fd), RawBuf(readBack), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)
		return struct{}{}
	})

	rt.AllowExit()
	rt.Run()

	require.Equal(t, payload, readBack)
}

func TestAsyncSendRecvOverSocketpair(t *testing.T) {
	rt := newTestRuntime(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := []byte("ping")
	received := make([]byte, len(payload))

	Spawn(rt, func(f *Fiber) struct{} {
		n, err := AsyncSend(f, RawFD(fds[0]), RawBuf(payload), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)
		return struct{}{}
	})
	Spawn(rt, func(f *Fiber) struct{} {
		n, err := AsyncRecv(f, RawFD(fds[1]), RawBuf(received), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)
		return struct{}{}
	})

	rt.AllowExit()
	rt.Run()

	require.Equal(t, payload, received)
}

// TestAsyncReadWriteFixedBufferMatchesRaw asserts that routing a read/write
// through a registered fixed buffer slot produces the same bytes and the
// same reported count as the plain heap-buffer path, the fixed-buffer half
// of the fixed-slot equivalence property. The fixed-fd half is not tested
// here: TestAsyncAcceptAndClose uses AsyncAccept and AsyncClose on raw
// descriptors.
func TestAsyncReadWriteFixedBufferMatchesRaw(t *testing.T) {
	rt, err := NewRuntime(WithSQSize(32), WithFixedBuffers(2, 64))
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { rt.Close() })

	f, err := os.CreateTemp(t.TempDir(), "condygo-io-fixed-*.bin")
	require.NoError(t, err)
	defer f.Close()
	fd := int(f.Fd())

	payload := []byte("the quick brown fox, fixed edition")

	Spawn(rt, func(fb *Fiber) struct{} {
		wbuf, ok := rt.BufferTable().Acquire()
		require.True(t, ok)
		copy(wbuf.Bytes, payload)

		n, err := AsyncWrite(fb, RawFD(fd), FixedBuf(iouring.FixedBuffer{Index: wbuf.Index, Bytes: wbuf.Bytes[:len(payload)]}), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)
		rt.BufferTable().Release(wbuf)

		rbuf, ok := rt.BufferTable().Acquire()
		require.True(t, ok)

		n, err = AsyncRead(fb, RawFD(fd), FixedBuf(iouring.FixedBuffer{Index: rbuf.Index, Bytes: rbuf.Bytes[:len(payload)]}), 0)
		require.NoError(t, err)
		require.EqualValues(t, len(payload), n)
		require.Equal(t, payload, rbuf.Bytes[:len(payload)])
		rt.BufferTable().Release(rbuf)

		return struct{}{}
	})

	rt.AllowExit()
	rt.Run()
}

func TestAsyncAcceptAndClose(t *testing.T) {
	rt := newTestRuntime(t)

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(lfd)

	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0}))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)
	require.NoError(t, unix.Listen(lfd, 1))

	accepted := false

	Spawn(rt, func(f *Fiber) struct{} {
		newFd, err := AsyncAccept(f, RawFD(lfd))
		require.NoError(t, err)
		accepted = true
		require.NoError(t, AsyncClose(f, RawFD(int(newFd))))
		return struct{}{}
	})
	Spawn(rt, func(f *Fiber) struct{} {
		cfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		defer unix.Close(cfd)
		require.NoError(t, unix.Connect(cfd, &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{127, 0, 0, 1}}))
		return struct{}{}
	})

	rt.AllowExit()
	rt.Run()

	require.True(t, accepted)
}
