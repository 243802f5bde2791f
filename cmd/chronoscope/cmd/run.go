package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/amirkhaki/chronoscope/internal/logging"
	"github.com/amirkhaki/chronoscope/pkg/device"
	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/runtime"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a synthetic parallel workload under instrumentation",
	Long: `Runs a number of workers, each timing a compute kernel and driving a
simulated accelerator device, through a runtime configured like an
instrumented program. Reports are written to stdout, logs to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		level, _ := cfg.LogLevel()
		logger := logging.New(cmd.ErrOrStderr(), level)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		c, err := runtime.Setup{
			Config:        cfg,
			Logger:        logger,
			Querier:       newSimulatedDevices(),
			StatsOutput:   cmd.OutOrStdout(),
			MetricsOutput: cmd.OutOrStdout(),
		}.Build(ctx)
		if err != nil {
			return err
		}

		shutdown := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), runtime.FinalizeTimeout)
			defer cancel()
			return c.Shutdown(ctx, c.NodeID())
		}

		if err := c.Startup(append([]string{cmd.CommandPath()}, args...)); err != nil {
			return errors.Join(err, shutdown())
		}
		c.NewNode(c.NodeID(), runtime.ThreadID())
		c.NewThread("main")

		checkpoint, err := c.RegisterCustomEvent("checkpoint")
		if err != nil {
			return errors.Join(err, shutdown())
		}
		w := workload{
			core:       c,
			iterations: iterations,
			devices:    devices,
			checkpoint: checkpoint,
		}
		started := time.Now()
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.worker(i)
			}()
		}
		wg.Wait()

		logger.Notice().
			Int("workers", workers).
			Int("iterations", iterations).
			Dur("elapsed", time.Since(started)).
			Log("workload finished")

		// at least one sample per device, regardless of the period
		c.QueryDevices(ctx)
		c.ExitThread()

		return shutdown()
	},
}

var (
	workers    int
	iterations int
	devices    int
)

func init() {
	rootCmd.AddCommand(runCmd)

	configFlags(runCmd.Flags())
	runCmd.Flags().IntVarP(&workers, "workers", "w", 4, "number of worker goroutines")
	runCmd.Flags().IntVarP(&iterations, "iterations", "n", 1000, "kernel iterations per worker")
	runCmd.Flags().IntVarP(&devices, "devices", "d", 2, "number of simulated devices, workers are assigned round robin")
}

type workload struct {
	core       *runtime.Core
	iterations int
	devices    int
	checkpoint event.Kind
}

var (
	kernelTimer = event.Named("kernel")
	reduceTimer = event.Named("reduce")
)

func (x workload) worker(n int) {
	c := x.core
	c.NewThread(fmt.Sprintf("worker %d", n))
	defer c.ExitThread()

	if x.devices > 0 {
		c.ActivateDeviceIndex(uint32(n % x.devices))
	}

	var sum float64
	for i := 0; i < x.iterations; i++ {
		p, _ := c.Start(kernelTimer)
		sum += kernel(i)
		if i%10 == 9 {
			// hand the region back while waiting on the device
			if p != nil {
				_ = c.Yield(p)
			}
			time.Sleep(10 * time.Microsecond)
			p, _ = c.Resume(kernelTimer)
		}
		if p != nil {
			_ = c.Stop(p)
		}
		if i%100 == 99 {
			_ = c.Custom(x.checkpoint, fmt.Sprintf("worker %d iteration %d", n, i+1))
		}
	}

	if p, _ := c.Start(reduceTimer); p != nil {
		c.Sample(fmt.Sprintf("Worker %d Result", n), sum, false)
		_ = c.Stop(p)
	}
	c.Sample("Iterations", float64(x.iterations), true)
}

func kernel(i int) float64 {
	var v float64
	for j := 0; j < 200; j++ {
		v += math.Sqrt(float64(i*j + 1))
	}
	return v
}

// simulatedDevices stands in for a vendor query library.
type simulatedDevices struct {
	mu   sync.Mutex
	last map[uint32]time.Time
}

func newSimulatedDevices() *simulatedDevices {
	return &simulatedDevices{last: make(map[uint32]time.Time)}
}

func (x *simulatedDevices) Query(ctx context.Context, idx uint32) ([]device.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	utilization := 40 + rand.Float64()*60
	power := 75 + 2.5*utilization

	x.mu.Lock()
	now := time.Now()
	var joules float64
	if last, ok := x.last[idx]; ok {
		joules = power * now.Sub(last).Seconds()
	}
	x.last[idx] = now
	x.mu.Unlock()

	return []device.Reading{
		{Name: "Utilization %", Value: utilization},
		{Name: "Power (W)", Value: power},
		// energy used since the previous query
		{Name: "Energy (J)", Value: joules, IsCounter: true},
	}, nil
}
