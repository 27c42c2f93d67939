//go:build linux

// Command condy-bench-yield measures the raw cost of a cooperative
// reschedule: a single coroutine calls Yield num times in a row with no
// other ready coroutine to hand control to.
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
	num := pflag.IntP("num", "n", 50_000_000, "number of yields to perform")
	pflag.Parse()

	// This benchmark never touches I/O, so the periodic non-blocking
	// completion poll has nothing to find; disable it rather than pay for
	// a useless syscall every event_interval resumes.
	rt, err := engine.NewRuntime(engine.WithEventInterval(engine.EventIntervalMax))
	if err != nil {
		slog.Error("runtime setup failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	engine.Spawn(rt, func(f *engine.Fiber) struct{} {
		for i := 0; i < *num; i++ {
			engine.Yield(f)
		}
		return struct{}{}
	}).Detach()

	start := time.Now()
	rt.AllowExit()
	rt.Run()
	elapsed := time.Since(start)

	fmt.Printf("time:%dms\n", elapsed.Milliseconds())
}
