//go:build linux

// Command condy-bench-filerandom measures random-offset file I/O
// throughput in either direction: -mode read divides the file into
// block_size blocks, shuffles their order, and has num_tasks coroutines
// race through the shuffled list reading one block each; -mode write
// does the same over a preallocated output file. With -f, I/O goes
// through a fixed file slot and fixed per-task buffers instead of a raw
// fd and heap buffers.
package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/wokron/condygo/engine"
	"github.com/wokron/condygo/iouring"
)

func main() {
	mode := pflag.StringP("mode", "m", "read", "read or write")
	blockSize := pflag.Int64P("block-size", "b", 1024*1024, "block size in bytes")
	numTasks := pflag.IntP("num-tasks", "t", 32, "number of concurrent tasks")
	seed := pflag.Uint64P("seed", "s", 42, "seed for the offset shuffle")
	directIO := pflag.BoolP("direct", "d", false, "use O_DIRECT")
	fixed := pflag.BoolP("fixed", "f", false, "use a fixed file slot and fixed per-task buffers")
	iopoll := pflag.BoolP("iopoll", "p", false, "enable IORING_SETUP_IOPOLL")
	sqpoll := pflag.BoolP("sqpoll", "q", false, "enable IORING_SETUP_SQPOLL")
	pflag.Parse()

	if *mode != "read" && *mode != "write" {
		fmt.Fprintln(os.Stderr, "mode must be 'read' or 'write'")
		os.Exit(1)
	}
	if pflag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: condy-bench-filerandom [flags] <filename>")
		os.Exit(1)
	}
	filename := pflag.Arg(0)

	oflag := os.O_RDONLY
	if *mode == "write" {
		oflag = os.O_RDWR
	}
	if *directIO {
		oflag |= unix.O_DIRECT
	}
	f, err := os.OpenFile(filename, oflag, 0644)
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
	numBlocks := int((fileSize + *blockSize - 1) / *blockSize)

	offsets := make([]int64, numBlocks)
	for i := range offsets {
		offsets[i] = int64(i) * *blockSize
	}
	rng := rand.New(rand.NewPCG(*seed, *seed))
	rng.Shuffle(numBlocks, func(i, j int) {
		offsets[i], offsets[j] = offsets[j], offsets[i]
	})

	var opts []engine.Option
	if *iopoll {
		opts = append(opts, engine.WithIOPoll())
	}
	if *sqpoll {
		opts = append(opts, engine.WithSQPoll())
	}
	if *fixed {
		opts = append(opts, engine.WithFixedFiles(1), engine.WithFixedBuffers(*numTasks, int(*blockSize)))
	}

	rt, err := engine.NewRuntime(opts...)
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	rawFD := int(f.Fd())
	var ioFD engine.FD = engine.RawFD(rawFD)
	if *fixed {
		if err := rt.FDTable().Update(0, rawFD); err != nil {
			slog.Error("fixed file table update failed", "error", err)
			os.Exit(1)
		}
		ioFD = engine.FixedFD(iouring.FixedFD(0))
	}

	index := 0
	isWrite := *mode == "write"

	for i := 0; i < *numTasks; i++ {
		var taskBuf engine.Buf
		if *fixed {
			fb, ok := rt.BufferTable().Acquire()
			if !ok {
				slog.Error("fixed buffer table exhausted")
				os.Exit(1)
			}
			taskBuf = engine.FixedBuf(fb)
		} else {
			taskBuf = engine.RawBuf(make([]byte, *blockSize))
		}

		engine.Spawn(rt, func(fb *engine.Fiber) struct{} {
			for index < numBlocks {
				currentOffset := offsets[index]
				index++

				var opErr error
				if isWrite {
					_, opErr = engine.AsyncWrite(fb, ioFD, taskBuf, uint64(currentOffset))
				} else {
					_, opErr = engine.AsyncRead(fb, ioFD, taskBuf, uint64(currentOffset))
				}
				if opErr != nil {
					slog.Error("io failed", "error", opErr, "mode", *mode, "offset", currentOffset)
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

	iops := float64(numBlocks) / elapsed.Seconds()
	fmt.Printf("time_ms:%d\n", elapsed.Milliseconds())
	fmt.Printf("iops:%.2f\n", iops)
}
