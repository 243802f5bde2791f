package stats

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopped(id event.Identity, d time.Duration, state event.State) *event.Profiler {
	p := event.NewProfiler(nil, 1, id, 0, time.Unix(100, 0))
	p.Finish(state, p.Start().Add(d))
	return p
}

func TestListener_timers(t *testing.T) {
	l := New()
	solve, io := event.Named("solve"), event.Named("io")

	l.OnStop(stopped(solve, 10*time.Millisecond, event.StateStopped))
	l.OnStop(stopped(solve, 30*time.Millisecond, event.StateStopped))
	l.OnYield(stopped(solve, 5*time.Millisecond, event.StateYielded))
	l.OnYield(stopped(io, 2*time.Millisecond, event.StateYielded))

	timers := l.Timers()
	require.Len(t, timers, 2)
	assert.Equal(t, TimerStats{
		Name:   "solve",
		Calls:  2,
		Yields: 1,
		Total:  45 * time.Millisecond,
		Min:    10 * time.Millisecond,
		Max:    30 * time.Millisecond,
	}, timers[0])
	assert.Equal(t, 22500*time.Microsecond, timers[0].Mean())
	assert.Equal(t, TimerStats{Name: "io", Yields: 1, Total: 2 * time.Millisecond}, timers[1])
	assert.Zero(t, timers[1].Mean())
}

func TestListener_samples(t *testing.T) {
	l := New()
	for _, v := range []float64{3.5, 1, 7} {
		l.OnSampleValue(&event.SampleData{Name: "flops", Value: v})
	}
	l.OnSampleValue(&event.SampleData{Name: "Device 0 Energy", Value: 9, IsCounter: true})

	samples := l.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, SampleStats{Name: "Device 0 Energy", Count: 1, Min: 9, Max: 9, Sum: 9, Last: 9, IsCounter: true}, samples[0])
	flops := samples[1]
	assert.Equal(t, uint64(3), flops.Count)
	assert.Equal(t, 1.0, flops.Min)
	assert.Equal(t, 7.0, flops.Max)
	assert.Equal(t, 7.0, flops.Last)
	assert.InDelta(t, 11.5/3, flops.Mean(), 1e-9)
}

func TestListener_sampleRate(t *testing.T) {
	l := New(WithSampleRate(4))
	var accepted int
	for i := 0; i < 12; i++ {
		if l.OnStart(event.Named("r")) {
			accepted++
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, uint64(9), l.Skipped())
	assert.True(t, l.OnResume(event.Named("r")))

	all := New(WithSampleRate(0))
	for i := 0; i < 5; i++ {
		assert.True(t, all.OnStart(event.Named("r")))
	}
	assert.Zero(t, all.Skipped())
}

func TestListener_sampleRateConcurrent(t *testing.T) {
	l := New(WithSampleRate(10))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if l.OnStart(event.Named("r")) {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, accepted)
}

func TestListener_reportOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithReport(&buf), WithSampleRate(2))
	l.OnStart(event.Named("solve"))
	l.OnStart(event.Named("solve"))
	l.OnStop(stopped(event.Named("solve"), time.Millisecond, event.StateStopped))
	l.OnSampleValue(&event.SampleData{Name: "flops", Value: 3.5})
	l.OnShutdown(&event.ShutdownData{})

	out := buf.String()
	assert.Contains(t, out, "REGION")
	assert.Contains(t, out, "solve")
	assert.Contains(t, out, "1ms")
	assert.Contains(t, out, "(1 starts not sampled)")
	assert.Contains(t, out, "flops")
	assert.Contains(t, out, "3.5")
}

func TestListener_shutdownWithoutReport(t *testing.T) {
	assert.NotPanics(t, func() { New().OnShutdown(&event.ShutdownData{}) })
}
