// Package stats aggregates timer and sample statistics in memory, and
// renders them as a table.
package stats

import (
	"cmp"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
	"github.com/joeycumines/logiface"
)

type (
	// TimerStats summarizes the stopped measurements of one region. Yielded
	// partial measurements count towards Total, but not Calls.
	TimerStats struct {
		Name   string
		Calls  uint64
		Yields uint64
		Total  time.Duration
		Min    time.Duration
		Max    time.Duration
	}

	// SampleStats summarizes the values of one named sample.
	SampleStats struct {
		Name      string
		Count     uint64
		Min       float64
		Max       float64
		Sum       float64
		Last      float64
		IsCounter bool
	}

	// Listener is a listener.Listener that aggregates statistics. Instances
	// must be initialized using New.
	Listener struct {
		listener.Base

		logger  *logiface.Logger[logiface.Event]
		output  io.Writer
		rate    uint64
		starts  atomic.Uint64
		skipped atomic.Uint64

		mu      sync.Mutex
		timers  map[event.Identity]*TimerStats
		samples map[string]*SampleStats
	}

	// Option configures New.
	Option func(l *Listener)
)

// Mean is zero when there were no calls.
func (x TimerStats) Mean() time.Duration {
	if x.Calls == 0 {
		return 0
	}
	return x.Total / time.Duration(x.Calls)
}

func (x SampleStats) Mean() float64 {
	if x.Count == 0 {
		return 0
	}
	return x.Sum / float64(x.Count)
}

// WithSampleRate measures one in every n timer starts, declining the rest.
// Values below 2 measure every start.
func WithSampleRate(n int) Option {
	return func(l *Listener) {
		if n < 1 {
			n = 1
		}
		l.rate = uint64(n)
	}
}

// WithReport writes the Report to w on shutdown.
func WithReport(w io.Writer) Option { return func(l *Listener) { l.output = w } }

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(l *Listener) { l.logger = logger }
}

func New(options ...Option) *Listener {
	l := &Listener{
		rate:    1,
		timers:  make(map[event.Identity]*TimerStats),
		samples: make(map[string]*SampleStats),
	}
	for _, o := range options {
		o(l)
	}
	return l
}

func (l *Listener) Name() string { return "stats" }

// Skipped is the number of starts declined by the sample rate.
func (l *Listener) Skipped() uint64 { return l.skipped.Load() }

// OnStart accepts the first of every rate starts.
func (l *Listener) OnStart(event.Identity) bool {
	if l.rate <= 1 {
		return true
	}
	if (l.starts.Add(1)-1)%l.rate == 0 {
		return true
	}
	l.skipped.Add(1)
	return false
}

func (l *Listener) OnStop(p *event.Profiler)  { l.timer(p, false) }
func (l *Listener) OnYield(p *event.Profiler) { l.timer(p, true) }

func (l *Listener) timer(p *event.Profiler, yield bool) {
	elapsed := p.Elapsed()
	id := p.Identity()

	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.timers[id]
	if !ok {
		s = &TimerStats{Name: id.String(), Min: time.Duration(math.MaxInt64)}
		l.timers[id] = s
	}
	s.Total += elapsed
	if yield {
		s.Yields++
		return
	}
	s.Calls++
	s.Min = min(s.Min, elapsed)
	s.Max = max(s.Max, elapsed)
}

func (l *Listener) OnSampleValue(d *event.SampleData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.samples[d.Name]
	if !ok {
		s = &SampleStats{Name: d.Name, Min: d.Value, Max: d.Value}
		l.samples[d.Name] = s
	}
	s.Count++
	s.Sum += d.Value
	s.Last = d.Value
	s.Min = min(s.Min, d.Value)
	s.Max = max(s.Max, d.Value)
	s.IsCounter = d.IsCounter
}

func (l *Listener) OnShutdown(*event.ShutdownData) {
	if l.output == nil {
		return
	}
	if err := l.Report(l.output); err != nil {
		l.logger.Err().Err(err).Log("stats report failed")
	}
}

// Timers returns the region statistics, by descending total time. Regions
// that only ever yielded report a zero Min.
func (l *Listener) Timers() []TimerStats {
	l.mu.Lock()
	out := make([]TimerStats, 0, len(l.timers))
	for _, s := range l.timers {
		v := *s
		if v.Calls == 0 {
			v.Min = 0
		}
		out = append(out, v)
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b TimerStats) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// Samples returns the sample statistics, by name.
func (l *Listener) Samples() []SampleStats {
	l.mu.Lock()
	out := make([]SampleStats, 0, len(l.samples))
	for _, s := range l.samples {
		out = append(out, *s)
	}
	l.mu.Unlock()
	slices.SortFunc(out, func(a, b SampleStats) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Report writes the timer, then the sample statistics, as aligned tables.
func (l *Listener) Report(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)

	fmt.Fprintln(tw, "REGION\tCALLS\tYIELDS\tTOTAL\tMEAN\tMIN\tMAX")
	for _, s := range l.Timers() {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.Name, s.Calls, s.Yields, s.Total, s.Mean(), s.Min, s.Max)
	}
	if n := l.skipped.Load(); n != 0 {
		fmt.Fprintf(tw, "(%d starts not sampled)\n", n)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "SAMPLE\tCOUNT\tMEAN\tMIN\tMAX\tLAST\tCOUNTER")
	for _, s := range l.Samples() {
		fmt.Fprintf(tw, "%s\t%d\t%g\t%g\t%g\t%g\t%t\n",
			s.Name, s.Count, s.Mean(), s.Min, s.Max, s.Last, s.IsCounter)
	}

	return tw.Flush()
}
