package dispatch

import (
	"github.com/amirkhaki/chronoscope/pkg/event"
	"github.com/amirkhaki/chronoscope/pkg/listener"
)

// FireStartup delivers the startup event to every listener, in registration
// order. Like every Fire method, it returns false if the dispatcher was
// closed, in which case no handler ran.
func (d *Dispatcher) FireStartup(data *event.StartupData) bool {
	data.Kind = event.KindStartup
	return d.broadcast(event.KindStartup, func(l listener.Listener) { l.OnStartup(data) })
}

// FireNewNode delivers the node id assignment.
func (d *Dispatcher) FireNewNode(data *event.NodeData) bool {
	data.Kind = event.KindNewNode
	return d.broadcast(event.KindNewNode, func(l listener.Listener) { l.OnNewNode(data) })
}

// FireNewThread is fired on the goroutine that registered itself.
func (d *Dispatcher) FireNewThread(data *event.NewThreadData) bool {
	data.Kind = event.KindNewThread
	return d.broadcast(event.KindNewThread, func(l listener.Listener) { l.OnNewThread(data) })
}

// FireExitThread is fired on the exiting goroutine, see FireNewThread.
func (d *Dispatcher) FireExitThread(data *event.Header) bool {
	data.Kind = event.KindExitThread
	return d.broadcast(event.KindExitThread, func(l listener.Listener) { l.OnExitThread(data) })
}

// Verdict tallies the listeners that accepted or declined a start or resume.
// A faulted handler counts as declining.
type Verdict struct {
	// Decliners holds the registration index of each declining listener.
	Decliners event.ListenerSet
	Accepted  int
	Declined  int
}

// Measured reports whether the region should be measured: at least one
// listener accepted, or there was no listener to decline.
func (v Verdict) Measured() bool { return v.Accepted > 0 || v.Declined == 0 }

func (v *Verdict) tally(i int, accepted bool) {
	if accepted {
		v.Accepted++
	} else {
		v.Declined++
		v.Decliners = v.Decliners.Add(i)
	}
}

// FireStart asks every listener whether to measure id.
func (d *Dispatcher) FireStart(id event.Identity) (v Verdict, ok bool) {
	ok = d.broadcastIndexed(event.KindStartTimer, func(i int, l listener.Listener) {
		accepted := false
		defer func() { v.tally(i, accepted) }()
		accepted = l.OnStart(id)
	})
	return
}

// FireStop delivers the stopped token to every listener not in
// p.Declined().
func (d *Dispatcher) FireStop(p *event.Profiler) bool {
	declined := p.Declined()
	return d.broadcastIndexed(event.KindStopTimer, func(i int, l listener.Listener) {
		if !declined.Has(i) {
			l.OnStop(p)
		}
	})
}

// FireYield delivers the yielded token, see FireStop.
func (d *Dispatcher) FireYield(p *event.Profiler) bool {
	declined := p.Declined()
	return d.broadcastIndexed(event.KindYieldTimer, func(i int, l listener.Listener) {
		if !declined.Has(i) {
			l.OnYield(p)
		}
	})
}

// FireResume asks every listener whether to measure id again, after a
// yield, see FireStart.
func (d *Dispatcher) FireResume(id event.Identity) (v Verdict, ok bool) {
	ok = d.broadcastIndexed(event.KindResumeTimer, func(i int, l listener.Listener) {
		accepted := false
		defer func() { v.tally(i, accepted) }()
		accepted = l.OnResume(id)
	})
	return
}

// FireNewTask attributes taskID to the region id.
func (d *Dispatcher) FireNewTask(id event.Identity, taskID any) bool {
	return d.broadcast(event.KindNewTask, func(l listener.Listener) { l.OnNewTask(id, taskID) })
}

// FireSample delivers one sampled counter value.
func (d *Dispatcher) FireSample(data *event.SampleData) bool {
	data.Kind = event.KindSampleValue
	return d.broadcast(event.KindSampleValue, func(l listener.Listener) { l.OnSampleValue(data) })
}

// FirePeriodic is the periodic tick, fired by the core's sampler.
func (d *Dispatcher) FirePeriodic(data *event.PeriodicData) bool {
	data.Kind = event.KindPeriodic
	return d.broadcast(event.KindPeriodic, func(l listener.Listener) { l.OnPeriodic(data) })
}

// FireCustom leaves data.Kind as set by the caller.
func (d *Dispatcher) FireCustom(data *event.CustomData) bool {
	return d.broadcast(data.Kind, func(l listener.Listener) { l.OnCustomEvent(data) })
}
