// Package listener defines the contract implemented by instrumentation
// backends: one handler per event kind.
package listener

import (
	"github.com/amirkhaki/chronoscope/pkg/event"
)

type (
	// Listener receives every event fired through the dispatcher, on the
	// goroutine that fired it. Handlers should be fast, slow work is the
	// listener's to offload. Payloads are only valid for the duration of the
	// call.
	Listener interface {
		OnStartup(data *event.StartupData)
		OnShutdown(data *event.ShutdownData)
		OnNewNode(data *event.NodeData)
		OnNewThread(data *event.NewThreadData)
		OnExitThread(data *event.Header)

		// OnStart returns false to decline measuring the region, e.g. due to
		// a sampling filter.
		OnStart(id event.Identity) bool
		OnStop(p *event.Profiler)
		OnYield(p *event.Profiler)
		// OnResume returns false to decline measuring the region.
		OnResume(id event.Identity) bool

		// OnNewTask attributes a task (e.g. an asynchronous child) to the
		// region that created it.
		OnNewTask(id event.Identity, taskID any)

		OnSampleValue(data *event.SampleData)
		OnPeriodic(data *event.PeriodicData)
		OnCustomEvent(data *event.CustomData)
	}

	// Named may be implemented to label a listener in fault reports.
	Named interface {
		Name() string
	}

	// Base implements every handler as a no-op, accepting all starts and
	// resumes. Embed it to implement only the handlers of interest.
	Base struct{}
)

var _ Listener = Base{}

func (Base) OnStartup(*event.StartupData)     {}
func (Base) OnShutdown(*event.ShutdownData)   {}
func (Base) OnNewNode(*event.NodeData)        {}
func (Base) OnNewThread(*event.NewThreadData) {}
func (Base) OnExitThread(*event.Header)       {}
func (Base) OnStart(event.Identity) bool      { return true }
func (Base) OnStop(*event.Profiler)           {}
func (Base) OnYield(*event.Profiler)          {}
func (Base) OnResume(event.Identity) bool     { return true }
func (Base) OnNewTask(event.Identity, any)    {}
func (Base) OnSampleValue(*event.SampleData)  {}
func (Base) OnPeriodic(*event.PeriodicData)   {}
func (Base) OnCustomEvent(*event.CustomData)  {}
