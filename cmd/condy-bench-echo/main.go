//go:build linux

// Command condy-bench-echo runs a single-threaded echo server over
// io_uring: one coroutine accepts connections, one session coroutine per
// connection echoes back whatever it reads until the peer closes.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/wokron/condygo/engine"
	"github.com/wokron/condygo/iouring"
)

const maxMessageLen = 2048

func session(rt *engine.Runtime, clientFD engine.FD) {
	engine.Spawn(rt, func(f *engine.Fiber) struct{} {
		buf := make([]byte, maxMessageLen)
		for {
			n, err := engine.AsyncRecv(f, clientFD, engine.RawBuf(buf), 0)
			if err != nil {
				slog.Error("recv failed", "error", err)
				break
			}
			if n == 0 {
				break
			}
			if _, err := engine.AsyncSend(f, clientFD, engine.RawBuf(buf[:n]), 0); err != nil {
				slog.Error("send failed", "error", err)
				break
			}
		}
		if err := engine.AsyncClose(f, clientFD); err != nil {
			slog.Error("close failed", "error", err)
		}
		return struct{}{}
	}).Detach()
}

func main() {
	host := pflag.StringP("host", "H", "127.0.0.1", "address to bind")
	port := pflag.Uint16P("port", "P", 9000, "port to bind")
	useFixedFD := pflag.BoolP("fixed", "f", false, "install accepted connections in a fixed file table")
	conns := pflag.IntP("conns", "c", 0, "run a companion load generator dialing this many concurrent connections, each sending messages messages")
	messages := pflag.IntP("messages", "n", 1000, "messages per connection sent by the load generator")
	pflag.Parse()

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		slog.Error("socket failed", "error", err)
		os.Exit(1)
	}
	defer unix.Close(lfd)

	if err := unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		slog.Error("setsockopt SO_REUSEADDR failed", "error", err)
		os.Exit(1)
	}

	ip4 := net.ParseIP(*host).To4()
	if ip4 == nil {
		slog.Error("invalid host", "host", *host)
		os.Exit(1)
	}
	var addr [4]byte
	copy(addr[:], ip4)
	if err := unix.Bind(lfd, &unix.SockaddrInet4{Port: int(*port), Addr: addr}); err != nil {
		slog.Error("bind failed", "error", err, "host", *host, "port", *port)
		os.Exit(1)
	}
	if err := unix.Listen(lfd, 128); err != nil {
		slog.Error("listen failed", "error", err)
		os.Exit(1)
	}

	opts := []engine.Option{}
	if *useFixedFD {
		opts = append(opts, engine.WithFixedFiles(1024))
	}
	rt, err := engine.NewRuntime(opts...)
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	engine.Spawn(rt, func(f *engine.Fiber) struct{} {
		for {
			if *useFixedFD {
				slot, ok := rt.FDTable().Alloc()
				if !ok {
					slog.Error("fixed file table exhausted")
					return struct{}{}
				}
				idx, err := engine.AsyncAcceptDirect(f, engine.RawFD(lfd), engine.FixedSlot(slot))
				if err != nil {
					slog.Error("accept failed", "error", err)
					return struct{}{}
				}
				session(rt, engine.FixedFD(iouring.FixedFD(idx)))
			} else {
				clientFD, err := engine.AsyncAccept(f, engine.RawFD(lfd))
				if err != nil {
					slog.Error("accept failed", "error", err)
					return struct{}{}
				}
				session(rt, engine.RawFD(int(clientFD)))
			}
		}
	}).Detach()

	rt.AllowExit()

	if *conns <= 0 {
		rt.Run()
		return
	}

	go rt.Run()

	// Give the driver goroutine a chance to post its first accept before
	// dialing; a failed dial on a cold listener would otherwise be a
	// flaky startup race rather than a benchmark result.
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	runLoadGenerator(fmt.Sprintf("%s:%d", *host, *port), *conns, *messages)
	elapsed := time.Since(start)

	total := *conns * *messages
	fmt.Printf("time_ms:%d\n", elapsed.Milliseconds())
	fmt.Printf("messages_per_sec:%.2f\n", float64(total)/elapsed.Seconds())
}

// runLoadGenerator dials n concurrent connections to addr and, on each,
// sends and awaits the echo of messages small payloads before closing.
func runLoadGenerator(addr string, n, messages int) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", addr)
			if err != nil {
				slog.Error("load generator dial failed", "error", err)
				return
			}
			defer conn.Close()

			payload := []byte("ping")
			reply := make([]byte, len(payload))
			for i := 0; i < messages; i++ {
				if _, err := conn.Write(payload); err != nil {
					slog.Error("load generator write failed", "error", err)
					return
				}
				if _, err := conn.Read(reply); err != nil {
					slog.Error("load generator read failed", "error", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
