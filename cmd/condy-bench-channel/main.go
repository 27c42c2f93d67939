//go:build linux

// Command condy-bench-channel measures producer/consumer throughput over
// engine.Channel: task_pair pairs of producer/consumer coroutines pass
// num_messages integers each through a buffer_size-deep channel.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/wokron/condygo/engine"
)

func main() {
	bufferSize := pflag.IntP("buffer-size", "b", 1024, "channel buffer size")
	numMessages := pflag.IntP("num-messages", "n", 1_000_000, "messages per producer/consumer pair")
	taskPair := pflag.IntP("task-pair", "p", 1, "number of producer/consumer pairs")
	pflag.Parse()

	rt, err := engine.NewRuntime()
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	for i := 0; i < *taskPair; i++ {
		ch := engine.NewChannel[int](*bufferSize)
		n := *numMessages

		engine.Spawn(rt, func(f *engine.Fiber) struct{} {
			for i := 0; i < n; i++ {
				if err := ch.Push(f, i); err != nil {
					slog.Error("producer push failed", "error", err)
					return struct{}{}
				}
			}
			ch.Close()
			return struct{}{}
		}).Detach()

		engine.Spawn(rt, func(f *engine.Fiber) struct{} {
			count := 0
			for {
				if _, ok := ch.Pop(f); !ok {
					break
				}
				count++
			}
			return struct{}{}
		}).Detach()
	}

	start := time.Now()
	rt.AllowExit()
	rt.Run()
	elapsed := time.Since(start)

	slog.Info("benchmark complete", "buffer_size", *bufferSize, "num_messages", *numMessages, "task_pair", *taskPair)
	fmt.Printf("time_ms:%d\n", elapsed.Milliseconds())
}
