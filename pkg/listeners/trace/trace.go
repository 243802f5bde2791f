// Package trace records every event to a stream, for offline inspection.
//
// Handlers only build a Record and submit it to a microbatch.Batcher, which
// encodes records in batches, so the instrumented program never waits on
// I/O (only on the handoff to the batching goroutine).
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultBatchSize is the number of records written per batch.
	DefaultBatchSize = 256
	// DefaultFlushInterval bounds how long an incomplete batch is held.
	DefaultFlushInterval = 100 * time.Millisecond
)

// ErrClosed is returned by Close after the first call.
var ErrClosed = errors.New("trace: closed")

type (
	// Listener is a listener.Listener that records events. Instances must be
	// initialized using New or Create.
	Listener struct {
		listener.Base

		logger        *logiface.Logger[logiface.Event]
		customName    func(event.Kind) (string, bool)
		sink          *sink
		batcher       *microbatch.Batcher[Record]
		seq           atomic.Uint64
		written       atomic.Uint64
		skipped       atomic.Uint64
		closed        atomic.Bool
		batchSize     int
		flushInterval time.Duration
		format        Format
		compression   Compression

		// mu guards err, which latches the first write error
		mu  sync.Mutex
		err error
	}

	// Option configures New.
	Option func(l *Listener)
)

func WithFormat(f Format) Option { return func(l *Listener) { l.format = f } }

func WithCompression(c Compression) Option { return func(l *Listener) { l.compression = c } }

// WithBatching overrides DefaultBatchSize and DefaultFlushInterval. An
// interval <= 0 disables time based flushing.
func WithBatching(size int, interval time.Duration) Option {
	return func(l *Listener) {
		l.batchSize = size
		l.flushInterval = interval
	}
}

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithCustomNames resolves custom event kinds to their registered names.
func WithCustomNames(fn func(event.Kind) (string, bool)) Option {
	return func(l *Listener) { l.customName = fn }
}

// New writes the trace to w. Close must be called to flush it.
func New(w io.Writer, options ...Option) (*Listener, error) {
	l := &Listener{
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		format:        JSONLines,
		compression:   None,
	}
	for _, o := range options {
		o(l)
	}
	if l.batchSize <= 0 {
		return nil, fmt.Errorf("trace: invalid batch size %d", l.batchSize)
	}
	s, err := newSink(w, l.format, l.compression)
	if err != nil {
		return nil, err
	}
	l.sink = s

	interval := l.flushInterval
	if interval <= 0 {
		// microbatch treats 0 as its default
		interval = -1
	}
	// a single processor keeps batches in submission order
	l.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
		MaxSize:        l.batchSize,
		FlushInterval:  interval,
		MaxConcurrency: 1,
	}, l.process)
	return l, nil
}

// Create writes the trace to a new file, which is closed by Close.
func Create(filename string, options ...Option) (*Listener, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("trace: create: %w", err)
	}
	l, err := New(f, options...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	l.sink.file = f
	return l, nil
}

func (l *Listener) Name() string { return "trace" }

// Written is the number of records encoded so far.
func (l *Listener) Written() uint64 { return l.written.Load() }

// Skipped is the number of records that could not be encoded, and were
// left out of the stream.
func (l *Listener) Skipped() uint64 { return l.skipped.Load() }

// Close stops accepting records, then flushes and closes the stream. It
// returns the first write error, if any.
func (l *Listener) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return ErrClosed
	}
	var err error
	if e := l.batcher.Shutdown(ctx); e != nil {
		err = fmt.Errorf("trace: flush: %w", e)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Join(err, l.err, l.sink.close())
}

func (l *Listener) record(r Record) {
	if l.closed.Load() {
		return
	}
	r.Seq = l.seq.Add(1)
	if r.Time == 0 {
		r.Time = time.Now().UnixNano()
	}
	// fails only once the batcher is shut down
	_, _ = l.batcher.Submit(context.Background(), r)
}

// process is the microbatch.BatchProcessor. A write error is latched, and
// every later batch is discarded.
func (l *Listener) process(_ context.Context, batch []Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	written, err := l.sink.write(batch, l.skip)
	l.written.Add(uint64(written))
	if err != nil {
		l.err = err
		l.logger.Err().Err(err).Log("trace write failed, discarding further records")
	}
	return err
}

func (l *Listener) skip(r *Record, err error) {
	l.skipped.Add(1)
	l.logger.Warning().
		Err(err).
		Uint64("seq", r.Seq).
		Str("kind", r.Kind).
		Log("trace record skipped")
}

func (l *Listener) OnStartup(d *event.StartupData) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID, Args: d.Args})
}

func (l *Listener) OnShutdown(d *event.ShutdownData) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID, Node: d.NodeID})
}

func (l *Listener) OnNewNode(d *event.NodeData) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID, Node: d.NodeID})
}

func (l *Listener) OnNewThread(d *event.NewThreadData) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID, Name: d.Name})
}

func (l *Listener) OnExitThread(d *event.Header) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID})
}

func (l *Listener) OnStart(id event.Identity) bool {
	l.record(Record{Kind: event.KindStartTimer.String(), Thread: event.CurrentThreadID(), Region: id.String()})
	return true
}

func (l *Listener) OnResume(id event.Identity) bool {
	l.record(Record{Kind: event.KindResumeTimer.String(), Thread: event.CurrentThreadID(), Region: id.String()})
	return true
}

func (l *Listener) OnStop(p *event.Profiler) { l.timer(event.KindStopTimer, p) }

func (l *Listener) OnYield(p *event.Profiler) { l.timer(event.KindYieldTimer, p) }

func (l *Listener) timer(kind event.Kind, p *event.Profiler) {
	l.record(Record{
		Kind:    kind.String(),
		Thread:  p.ThreadID(),
		Timer:   p.ID(),
		Region:  p.Identity().String(),
		Elapsed: int64(p.Elapsed()),
	})
}

func (l *Listener) OnNewTask(id event.Identity, taskID any) {
	l.record(Record{
		Kind:   event.KindNewTask.String(),
		Thread: event.CurrentThreadID(),
		Region: id.String(),
		Task:   fmt.Sprint(taskID),
	})
}

func (l *Listener) OnSampleValue(d *event.SampleData) {
	r := Record{
		Kind:    d.Kind.String(),
		Thread:  d.ThreadID,
		Name:    d.Name,
		Value:   d.Value,
		Counter: d.IsCounter,
	}
	// JSON has no NaN or infinity
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		r.NonFinite = strconv.FormatFloat(r.Value, 'g', -1, 64)
		r.Value = 0
	}
	l.record(r)
}

func (l *Listener) OnPeriodic(d *event.PeriodicData) {
	l.record(Record{Kind: d.Kind.String(), Thread: d.ThreadID})
}

func (l *Listener) OnCustomEvent(d *event.CustomData) {
	r := Record{Kind: d.Kind.String(), Thread: d.ThreadID}
	if l.customName != nil {
		if name, ok := l.customName(d.Kind); ok {
			r.Name = name
		}
	}
	if d.Data != nil {
		r.Payload = fmt.Sprint(d.Data)
	}
	l.record(r)
}
