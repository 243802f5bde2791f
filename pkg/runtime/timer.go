package runtime

import (
	"fmt"
	"time"

	"github.com/amirkhaki/chronoscope/pkg/dispatch"
	"github.com/amirkhaki/chronoscope/pkg/event"
)

// Start begins measuring the region id on the calling goroutine.
//
// Every listener is consulted. If at least one listener is registered and
// all of them decline, no measurement is taken and the token is nil, which
// Stop and Yield reject. Otherwise the listeners that declined are not told
// of the matching stop or yield. Returns ErrShutdown, and a nil token, once the core
// has shut down.
func (c *Core) Start(id event.Identity) (*event.Profiler, error) {
	return c.begin(id, false)
}

// Resume begins a new measurement of id after a Yield, see Start.
func (c *Core) Resume(id event.Identity) (*event.Profiler, error) {
	return c.begin(id, true)
}

func (c *Core) begin(id event.Identity, resume bool) (*event.Profiler, error) {
	if id.IsZero() {
		return nil, ErrInvalidIdentity
	}
	var (
		v  dispatch.Verdict
		ok bool
	)
	if resume {
		v, ok = c.dispatcher.FireResume(id)
	} else {
		v, ok = c.dispatcher.FireStart(id)
	}
	if !ok {
		return nil, ErrShutdown
	}
	if !v.Measured() {
		return nil, nil
	}
	p := event.NewProfiler(c, c.nextID.Add(1), id, ThreadID(), time.Now())
	p.SetDeclined(v.Decliners)
	return p, nil
}

// Stop ends the measurement, then delivers the token to every listener that
// accepted its start.
// Malformed tokens are logged, and return ErrMalformedToken.
func (c *Core) Stop(p *event.Profiler) error {
	return c.finish(p, event.StateStopped)
}

// Yield suspends the measurement, e.g. at a blocking call, see Stop. The
// region continues with Resume.
func (c *Core) Yield(p *event.Profiler) error {
	return c.finish(p, event.StateYielded)
}

func (c *Core) finish(p *event.Profiler, state event.State) error {
	end := time.Now()
	if !p.IssuedBy(c) || !p.Finish(state, end) {
		err := c.malformed(p)
		c.logger.Err().
			Err(err).
			Stringer("op", state).
			Log("timer token rejected")
		return err
	}

	if state == event.StateStopped {
		c.dispatcher.FireStop(p)
	} else {
		c.dispatcher.FireYield(p)
	}

	// the core's own reference, listeners retain their own
	if err := p.Release(); err != nil {
		return fmt.Errorf("runtime: timer %d: %w", p.ID(), err)
	}
	return nil
}

func (c *Core) malformed(p *event.Profiler) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: nil token", ErrMalformedToken)
	case !p.IssuedBy(c):
		return fmt.Errorf("%w: timer %d was issued elsewhere", ErrMalformedToken, p.ID())
	default:
		return fmt.Errorf("%w: timer %d (%s) is already %s", ErrMalformedToken, p.ID(), p.Identity(), p.State())
	}
}

// NewTask attributes taskID to the region id.
func (c *Core) NewTask(id event.Identity, taskID any) {
	c.dispatcher.FireNewTask(id, taskID)
}
