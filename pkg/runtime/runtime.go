// Package runtime is the instrumentation core: it issues timer tokens,
// fans events out to listeners through a dispatch.Dispatcher, and samples
// the active accelerator devices.
//
// Programs may construct a Core explicitly, or rely on the default core,
// which backs the hooks inserted by the instrumenter.
package runtime

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirkhaki/chronoscope/internal/config"
	"github.com/amirkhaki/chronoscope/internal/logging"
	"github.com/amirkhaki/chronoscope/pkg/event"
)

// FinalizeTimeout bounds the shutdown performed by Finalize.
var FinalizeTimeout = 5 * time.Second

var (
	defaultCore atomic.Pointer[Core]
	initMu      sync.Mutex
)

// SetDefault installs c as the core behind the package level hooks. It must
// be called before Initialize, which then only starts it.
func SetDefault(c *Core) { defaultCore.Store(c) }

// Default returns the core behind the package level hooks, or nil.
func Default() *Core { return defaultCore.Load() }

// Initialize sets up the default core, and fires the startup events. Must
// be called at the start of main.
//
// Unless SetDefault was called, the core is configured from the
// environment, see config.Load:
//   - CHRONOSCOPE_CONFIG: optional config file
//   - CHRONOSCOPE_LOCK_STRATEGY: "auto" (default), "native", "timed" or "mutex"
//   - CHRONOSCOPE_TRACE_FILE: trace output (default: none)
//   - CHRONOSCOPE_STATS_ENABLED: stats report on stderr (default: true)
func Initialize() {
	initMu.Lock()
	defer initMu.Unlock()

	c := Default()
	if c == nil {
		cfg, err := config.Load(os.Getenv(config.EnvPrefix+"_CONFIG"), nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chronoscope: %v\n", err)
			os.Exit(1)
		}
		level, _ := cfg.LogLevel()
		c, err = Setup{
			Config:        cfg,
			Logger:        logging.New(os.Stderr, level),
			StatsOutput:   os.Stderr,
			MetricsOutput: os.Stderr,
		}.Build(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "chronoscope: %v\n", err)
			os.Exit(1)
		}
		SetDefault(c)
	}

	if err := c.Startup(os.Args); err != nil {
		// already started by the embedding program
		return
	}
	c.NewNode(c.NodeID(), ThreadID())
	c.NewThread("main")
}

// Finalize shuts the default core down. Must be called at the end of main.
func Finalize() {
	c := Default()
	if c == nil {
		return
	}
	c.ExitThread()
	ctx, cancel := context.WithTimeout(context.Background(), FinalizeTimeout)
	defer cancel()
	// errors are logged by Shutdown
	_ = c.Shutdown(ctx, c.NodeID())
}

// --- Instrumentation Hooks ---

// Enter starts the timer of the named region. The result is meant for Exit:
//
//	defer runtime.Exit(runtime.Enter("pkg.Func"))
func Enter(name string) *event.Profiler {
	c := Default()
	if c == nil {
		return nil
	}
	p, _ := c.Start(event.Named(name))
	return p
}

// Exit stops a timer started by Enter. A nil token (no core, or every
// listener declined) is ignored.
func Exit(p *event.Profiler) {
	if p == nil {
		return
	}
	if c := Default(); c != nil {
		_ = c.Stop(p)
	}
}

// Spawn launches f on a new goroutine, announcing it as a thread.
func Spawn(f func()) {
	c := Default()
	if c == nil {
		go f()
		return
	}
	go func() {
		c.NewThread("goroutine")
		defer c.ExitThread()
		f()
	}()
}

// ActivateDevice marks a device index as in use on the default core.
func ActivateDevice(idx uint32) {
	if c := Default(); c != nil {
		c.ActivateDeviceIndex(idx)
	}
}

// Sample fires a sample on the default core.
func Sample(name string, value float64, isCounter bool) {
	if c := Default(); c != nil {
		c.Sample(name, value, isCounter)
	}
}
