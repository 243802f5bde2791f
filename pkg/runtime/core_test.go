package runtime

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/amirkhaki/chronoscope/internal/config"
	"github.com/amirkhaki/chronoscope/pkg/device"
	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	"github.com/amirkhaki/chronoscope/pkg/listeners/stats"
	"github.com/amirkhaki/chronoscope/pkg/listeners/trace"
	"github.com/amirkhaki/chronoscope/pkg/rwlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder records the kind of every event, and optionally declines timers.
type recorder struct {
	listener.Base
	decline bool

	mu       sync.Mutex
	kinds    []event.Kind
	samples  []event.SampleData
	stopped  []*event.Profiler
	shutdown *event.ShutdownData
	custom   []any
	tasks    map[string]any
}

func (x *recorder) note(k event.Kind) {
	x.mu.Lock()
	x.kinds = append(x.kinds, k)
	x.mu.Unlock()
}

func (x *recorder) count(k event.Kind) (n int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, v := range x.kinds {
		if v == k {
			n++
		}
	}
	return
}

func (x *recorder) OnStartup(*event.StartupData)     { x.note(event.KindStartup) }
func (x *recorder) OnNewNode(*event.NodeData)        { x.note(event.KindNewNode) }
func (x *recorder) OnNewThread(*event.NewThreadData) { x.note(event.KindNewThread) }
func (x *recorder) OnExitThread(*event.Header)       { x.note(event.KindExitThread) }
func (x *recorder) OnYield(*event.Profiler)          { x.note(event.KindYieldTimer) }
func (x *recorder) OnPeriodic(*event.PeriodicData)   { x.note(event.KindPeriodic) }
func (x *recorder) OnStart(event.Identity) bool      { x.note(event.KindStartTimer); return !x.decline }
func (x *recorder) OnResume(event.Identity) bool     { x.note(event.KindResumeTimer); return !x.decline }

func (x *recorder) OnStop(p *event.Profiler) {
	x.note(event.KindStopTimer)
	x.mu.Lock()
	x.stopped = append(x.stopped, p)
	x.mu.Unlock()
}

func (x *recorder) OnSampleValue(d *event.SampleData) {
	x.note(event.KindSampleValue)
	x.mu.Lock()
	x.samples = append(x.samples, *d)
	x.mu.Unlock()
}

func (x *recorder) OnShutdown(d *event.ShutdownData) {
	x.note(event.KindShutdown)
	x.mu.Lock()
	x.shutdown = d
	x.mu.Unlock()
}

func (x *recorder) OnNewTask(id event.Identity, taskID any) {
	x.note(event.KindNewTask)
	x.mu.Lock()
	if x.tasks == nil {
		x.tasks = make(map[string]any)
	}
	x.tasks[id.Key()] = taskID
	x.mu.Unlock()
}

func (x *recorder) OnCustomEvent(d *event.CustomData) {
	x.note(d.Kind)
	x.mu.Lock()
	x.custom = append(x.custom, d.Payload())
	x.mu.Unlock()
}

func newCore(t *testing.T, cfg Config, listeners ...listener.Listener) *Core {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	for _, l := range listeners {
		require.NoError(t, c.Register(l))
	}
	return c
}

func TestNew_negotiatesLock(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
		want rwlock.Strategy
	}{
		{"auto", Config{}, rwlock.Native},
		{"requested", Config{LockStrategy: rwlock.Timed}, rwlock.Timed},
		{"fallback", Config{LockStrategy: rwlock.Native, Capabilities: &rwlock.Capabilities{Semaphore: true}}, rwlock.Timed},
		{"nothing", Config{Capabilities: &rwlock.Capabilities{}}, rwlock.Mutex},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newCore(t, tc.cfg)
			assert.Equal(t, tc.want, c.LockStrategy())
		})
	}

	_, err := New(Config{LockStrategy: rwlock.Strategy(42)})
	assert.ErrorIs(t, err, rwlock.ErrUnknownStrategy)
	_, err = New(Config{NodeID: -1})
	assert.Error(t, err)
}

func TestCore_lifecycle(t *testing.T) {
	rec := new(recorder)
	var closed []int
	c, err := New(Config{NodeID: 3},
		WithCloser(func(context.Context) error { closed = append(closed, 1); return nil }),
		WithCloser(func(context.Context) error { closed = append(closed, 2); return errors.New("flush failed") }),
	)
	require.NoError(t, err)
	require.NoError(t, c.Register(rec))

	require.NoError(t, c.Startup([]string{"prog"}))
	assert.ErrorIs(t, c.Startup(nil), ErrAlreadyStarted)
	c.NewNode(3, ThreadID())
	c.NewThread("main")
	c.ExitThread()

	err = c.Shutdown(context.Background(), 3)
	assert.ErrorContains(t, err, "flush failed")
	assert.Equal(t, []int{2, 1}, closed)
	assert.ErrorIs(t, c.Shutdown(context.Background(), 3), ErrShutdown)
	assert.ErrorIs(t, c.Startup(nil), ErrShutdown)

	require.NotNil(t, rec.shutdown)
	assert.Equal(t, 3, rec.shutdown.NodeID)
	assert.Equal(t, []event.Kind{
		event.KindStartup, event.KindNewNode, event.KindNewThread,
		event.KindExitThread, event.KindShutdown,
	}, rec.kinds)

	// dropped after shutdown
	c.Sample("late", 1, false)
	assert.Zero(t, rec.count(event.KindSampleValue))
	_, err = c.Start(event.Named("late"))
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestCore_timers(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{}, rec)

	p, err := c.Start(event.Named("solve"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ThreadID(), p.ThreadID())
	assert.True(t, p.IssuedBy(c))

	require.NoError(t, c.Stop(p))
	assert.Equal(t, event.StateStopped, p.State())
	assert.Zero(t, p.Refs())
	require.Len(t, rec.stopped, 1)
	assert.Same(t, p, rec.stopped[0])

	assert.ErrorIs(t, c.Stop(p), ErrMalformedToken)
	assert.ErrorIs(t, c.Yield(p), ErrMalformedToken)
	assert.ErrorIs(t, c.Stop(nil), ErrMalformedToken)

	other := newCore(t, Config{})
	foreign, err := other.Start(event.Named("solve"))
	require.NoError(t, err)
	assert.ErrorIs(t, c.Stop(foreign), ErrMalformedToken)
	assert.Equal(t, event.StateRunning, foreign.State())

	_, err = c.Start(event.Identity{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)
	assert.Equal(t, 1, rec.count(event.KindStopTimer))
}

func TestCore_yieldResume(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{}, rec)
	id := event.FuncIdentity(TestCore_yieldResume)

	p, err := c.Start(id)
	require.NoError(t, err)
	require.NoError(t, c.Yield(p))
	assert.Equal(t, event.StateYielded, p.State())

	q, err := c.Resume(id)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.NotEqual(t, p.ID(), q.ID())
	assert.Equal(t, id, q.Identity())
	require.NoError(t, c.Stop(q))

	assert.Equal(t, 1, rec.count(event.KindYieldTimer))
	assert.Equal(t, 1, rec.count(event.KindResumeTimer))
	assert.Equal(t, 1, rec.count(event.KindStopTimer))
}

func TestCore_declinedTimers(t *testing.T) {
	t.Run("all decline", func(t *testing.T) {
		c := newCore(t, Config{}, &recorder{decline: true}, &recorder{decline: true})
		p, err := c.Start(event.Named("r"))
		require.NoError(t, err)
		assert.Nil(t, p)
		p, err = c.Resume(event.Named("r"))
		require.NoError(t, err)
		assert.Nil(t, p)
	})
	t.Run("one accepts", func(t *testing.T) {
		yes, no := new(recorder), &recorder{decline: true}
		c := newCore(t, Config{}, no, yes)
		p, err := c.Start(event.Named("r"))
		require.NoError(t, err)
		require.NotNil(t, p)
		require.NoError(t, c.Stop(p))
		assert.True(t, p.Declined().Has(0))
		assert.False(t, p.Declined().Has(1))
		// only the listener that accepted sees the stop
		assert.Zero(t, no.count(event.KindStopTimer))
		assert.Equal(t, 1, yes.count(event.KindStopTimer))

		q, err := c.Resume(event.Named("r"))
		require.NoError(t, err)
		require.NoError(t, c.Yield(q))
		assert.Zero(t, no.count(event.KindYieldTimer))
		assert.Equal(t, 1, yes.count(event.KindYieldTimer))
	})
	t.Run("sampled stats", func(t *testing.T) {
		report := stats.New(stats.WithSampleRate(2))
		tl, err := trace.New(new(bytes.Buffer))
		require.NoError(t, err)
		t.Cleanup(func() { _ = tl.Close(context.Background()) })
		c := newCore(t, Config{}, report, tl)

		for i := 0; i < 4; i++ {
			p, err := c.Start(event.Named("kernel"))
			require.NoError(t, err)
			require.NotNil(t, p)
			require.NoError(t, c.Stop(p))
		}
		assert.Equal(t, uint64(2), report.Skipped())
		timers := report.Timers()
		require.Len(t, timers, 1)
		assert.Equal(t, uint64(2), timers[0].Calls)
	})
	t.Run("no listeners", func(t *testing.T) {
		c := newCore(t, Config{})
		p, err := c.Start(event.Named("r"))
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.NoError(t, c.Stop(p))
	})
}

func TestCore_concurrentTimers(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{}, rec)

	const goroutines, each = 16, 200
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				p, err := c.Start(event.Named("hot"))
				if assert.NoError(t, err) {
					assert.NoError(t, c.Stop(p))
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, goroutines*each, rec.count(event.KindStopTimer))
	ids := make(map[uint64]bool)
	for _, p := range rec.stopped {
		ids[p.ID()] = true
	}
	assert.Len(t, ids, goroutines*each)
}

func TestCore_custom(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{}, rec)

	assert.ErrorIs(t, c.Custom(event.FirstCustom, nil), ErrNotCustom)

	k, err := c.RegisterCustomEvent("phase")
	require.NoError(t, err)
	again, err := c.RegisterCustomEvent("phase")
	require.NoError(t, err)
	assert.Equal(t, k, again)
	name, ok := c.CustomEventName(k)
	assert.True(t, ok)
	assert.Equal(t, "phase", name)

	require.NoError(t, c.Custom(k, "assembly"))
	assert.Equal(t, 1, rec.count(k))
	assert.Equal(t, []any{"assembly"}, rec.custom)

	c.NewTask(event.Named("solve"), 7)
	c.NewTask(event.AddressOf(0x40), "child")
	assert.Equal(t, 2, rec.count(event.KindNewTask))
	assert.Equal(t, map[string]any{"name:solve": 7, "addr:0x40": "child"}, rec.tasks)
}

func TestCore_devices(t *testing.T) {
	rec := new(recorder)
	c, err := New(Config{}, WithQuerier(device.QuerierFunc(func(_ context.Context, idx uint32) ([]device.Reading, error) {
		return []device.Reading{{Name: "Utilization %", Value: float64(idx) * 10}}, nil
	})))
	require.NoError(t, err)
	require.NoError(t, c.Register(rec))

	var wg sync.WaitGroup
	for _, idx := range []uint32{0, 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ActivateDeviceIndex(idx)
		}()
	}
	wg.Wait()
	assert.False(t, c.ActivateDeviceIndex(1))

	assert.Equal(t, 2, c.QueryDevices(context.Background()))
	require.Len(t, rec.samples, 2)
	assert.Equal(t, "Device 0 Utilization %", rec.samples[0].Name)
	assert.Equal(t, "Device 1 Utilization %", rec.samples[1].Name)
	assert.Equal(t, 10.0, rec.samples[1].Value)

	assert.Zero(t, newCore(t, Config{}).QueryDevices(context.Background()))
}

func TestCore_periodicTick(t *testing.T) {
	rec := new(recorder)
	var queries sync.WaitGroup
	queries.Add(1)
	var once sync.Once
	c, err := New(Config{SamplePeriod: time.Millisecond}, WithQuerier(device.QuerierFunc(func(context.Context, uint32) ([]device.Reading, error) {
		once.Do(queries.Done)
		return []device.Reading{{Name: "Power", Value: 90}}, nil
	})))
	require.NoError(t, err)
	require.NoError(t, c.Register(rec))
	c.ActivateDeviceIndex(0)

	require.NoError(t, c.Startup(nil))
	queries.Wait()
	require.Eventually(t, func() bool { return rec.count(event.KindPeriodic) >= 2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Shutdown(context.Background(), 0))

	n := rec.count(event.KindPeriodic)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, rec.count(event.KindPeriodic))
	assert.NotZero(t, rec.count(event.KindSampleValue))
}

// stopper shuts the core down from its periodic handler.
type stopper struct {
	listener.Base
	c      *Core
	result chan error
	once   sync.Once
}

func (x *stopper) OnPeriodic(*event.PeriodicData) {
	x.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		x.result <- x.c.Shutdown(ctx, 0)
	})
}

func TestCore_shutdownFromHandler(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{SamplePeriod: time.Millisecond}, rec)
	s := &stopper{c: c, result: make(chan error, 1)}
	require.NoError(t, c.Register(s))
	require.NoError(t, c.Startup(nil))

	select {
	case err := <-s.result:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("shutdown from the periodic handler stalled")
	}
	assert.Equal(t, 1, rec.count(event.KindShutdown))
	assert.ErrorIs(t, c.Shutdown(context.Background(), 0), ErrShutdown)
	assert.True(t, c.Dispatcher().Closed())
}

func TestCore_faultingListener(t *testing.T) {
	rec := new(recorder)
	c := newCore(t, Config{}, panicky{}, rec)
	p, err := c.Start(event.Named("r"))
	require.NoError(t, err)
	// the panicking listener declines, the recorder accepts
	require.NotNil(t, p)
	require.NoError(t, c.Stop(p))
	assert.Equal(t, 1, rec.count(event.KindStopTimer))
	// having declined, the panicking listener is not told of the stop
	assert.Equal(t, uint64(1), c.Dispatcher().Faults())
}

type panicky struct{ listener.Base }

func (panicky) OnStart(event.Identity) bool { panic("start") }
func (panicky) OnStop(*event.Profiler)      { panic("stop") }

func TestSetup_build(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Sample.Period = 0
	cfg.Trace.File = filepath.Join(dir, "out.trace")
	cfg.Trace.Format = "cbor"
	cfg.Trace.Compression = "zstd"
	cfg.OTel.Enabled = true

	var statsOut, metricsOut bytes.Buffer
	c, err := Setup{Config: cfg, StatsOutput: &statsOut, MetricsOutput: &metricsOut}.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, c.Dispatcher().Len())

	require.NoError(t, c.Startup([]string{"prog"}))
	p, err := c.Start(event.Named("solve"))
	require.NoError(t, err)
	require.NoError(t, c.Stop(p))
	c.Sample("flops", 3.5, false)
	require.NoError(t, c.Shutdown(context.Background(), 0))

	assert.Contains(t, statsOut.String(), "solve")
	assert.Contains(t, statsOut.String(), "flops")
	assert.Contains(t, metricsOut.String(), "chronoscope.timer.duration")

	records, err := trace.Load(cfg.Trace.File)
	require.NoError(t, err)
	var kinds []string
	for _, r := range records {
		kinds = append(kinds, r.Kind)
	}
	assert.Equal(t, []string{"startup", "start", "stop", "sample_value", "shutdown"}, kinds)
}

func TestSetup_invalid(t *testing.T) {
	cfg := config.Default()
	cfg.Trace.Format = "xml"
	_, err := Setup{Config: cfg}.Build(context.Background())
	assert.Error(t, err)

	cfg = config.Default()
	cfg.Trace.File = filepath.Join(t.TempDir(), "missing", "out.trace")
	_, err = Setup{Config: cfg}.Build(context.Background())
	assert.Error(t, err)
}
