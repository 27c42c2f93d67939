//go:build linux

// Command condy-bench-file-read measures sequential file read throughput:
// num_tasks coroutines race to claim block_size chunks of a shared
// offset counter and read them with AsyncRead, until the file is
// exhausted.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/wokron/condygo/engine"
)

func main() {
	blockSize := pflag.Int64P("block-size", "b", 1024*1024, "read block size in bytes")
	numTasks := pflag.IntP("num-tasks", "t", 32, "number of concurrent reader tasks")
	directIO := pflag.BoolP("direct", "d", false, "use O_DIRECT")
	pflag.Parse()

	if pflag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: condy-bench-file-read [flags] <filename>")
		os.Exit(1)
	}
	filename := pflag.Arg(0)

	oflag := os.O_RDONLY
	if *directIO {
		oflag |= unix.O_DIRECT
	}
	f, err := os.OpenFile(filename, oflag, 0)
	if err != nil {
		slog.Error("open failed", "error", err, "file", filename)
		os.Exit(1)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("stat failed", "error", err)
		os.Exit(1)
	}
	fileSize := info.Size()

	rt, err := engine.NewRuntime()
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	fd := engine.RawFD(int(f.Fd()))
	offset := int64(0)

	for i := 0; i < *numTasks; i++ {
		engine.Spawn(rt, func(fb *engine.Fiber) struct{} {
			buf := make([]byte, *blockSize)
			for offset < fileSize {
				toRead := *blockSize
				if remaining := fileSize - offset; remaining < toRead {
					toRead = remaining
				}
				current := offset
				offset += toRead

				if _, err := engine.AsyncRead(fb, fd, engine.RawBuf(buf[:toRead]), uint64(current)); err != nil {
					slog.Error("read failed", "error", err, "offset", current)
					return struct{}{}
				}
			}
			return struct{}{}
		}).Detach()
	}

	start := time.Now()
	rt.AllowExit()
	rt.Run()
	elapsed := time.Since(start)

	throughputMBps := float64(fileSize) / elapsed.Seconds() / (1024 * 1024)
	fmt.Printf("time_ms:%d\n", elapsed.Milliseconds())
	fmt.Printf("throughput_mbps:%.2f\n", throughputMBps)
}
