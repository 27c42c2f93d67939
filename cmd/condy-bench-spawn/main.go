//go:build linux

// Command condy-bench-spawn measures the cost of spawning and awaiting
// num_tasks trivial coroutines from a single spawner coroutine.
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
	numTasks := pflag.IntP("num-tasks", "n", 1_000_000, "number of tasks to spawn")
	pflag.Parse()

	// Spawning and awaiting trivial tasks never touches I/O; skip the
	// periodic completion poll entirely.
	rt, err := engine.NewRuntime(engine.WithEventInterval(engine.EventIntervalMax))
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	engine.Spawn(rt, func(f *engine.Fiber) struct{} {
		tasks := make([]engine.Task[struct{}], *numTasks)
		for i := range tasks {
			tasks[i] = engine.Spawn(rt, func(f *engine.Fiber) struct{} {
				return struct{}{}
			})
		}
		for _, t := range tasks {
			t.Await(f)
		}
		return struct{}{}
	}).Detach()

	start := time.Now()
	rt.AllowExit()
	rt.Run()
	elapsed := time.Since(start)

	fmt.Printf("time:%dms\n", elapsed.Milliseconds())
}
