// Package profilers wires optional CPU and HTTP (pprof) profiling into
// the trainer binaries. Long PPO runs occasionally need it to find out
// whether time goes to the environment server, the rollout plumbing or
// the XLA dispatch; it has no role in training itself.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagPprofPort = flag.Int("pprof-port", -1,
		"If >= 0, serves /debug/pprof on localhost at this port and keeps the process alive on exit for inspection.")
	flagCPUProfile = flag.String("cpu-profile", "",
		"If set, writes a CPU profile of the whole run to this file.")

	httpAddr string
	runCtx   context.Context
)

// Setup starts whichever profilers the flags enabled. Call it right
// after flag parsing, and pair it with a deferred OnQuit.
func Setup(ctx context.Context) {
	runCtx = ctx
	if *flagPprofPort >= 0 {
		httpAddr = fmt.Sprintf("localhost:%d", *flagPprofPort)
		klog.Infof("Serving pprof on http://%s/debug/pprof", httpAddr)
		go func() {
			klog.Fatal(http.ListenAndServe(httpAddr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			klog.Exitf("Failed to create CPU profile file: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			klog.Exitf("Failed to start CPU profiling: %v", err)
		}
	}
}

// OnQuit flushes the CPU profile and, when the HTTP profiler is on,
// blocks until interrupted so heap state can still be inspected after
// the run finishes.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
	if *flagPprofPort < 0 {
		return
	}
	if err := recover(); err != nil {
		panic(err)
	}
	if runCtx.Err() != nil {
		return
	}
	for range 4 {
		runtime.GC()
	}
	klog.Infof("Run finished, pprof still live at http://%s/debug/pprof. Interrupt (Ctrl+C) to exit.", httpAddr)
	<-runCtx.Done()
}
