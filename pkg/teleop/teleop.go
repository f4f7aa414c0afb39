// Package teleop runs the operator core: a fixed-rate control loop
// that samples the input arbiter once per tick and dispatches the
// winning intent through the connection supervisor. One intent per
// tick, every tick, so the robot always has a current command.
package teleop

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/transport"
)

const defaultTickRate = 50 // Hz

// Decider produces the intent for one control tick.
// *input.Arbiter implements it.
type Decider interface {
	Decide() go2.Intent
}

// Dispatcher delivers intents over the active link.
// *supervisor.Supervisor implements it.
type Dispatcher interface {
	State() transport.State
	Send(ctx context.Context, in go2.Intent) error
}

// Options tunes the control loop.
type Options struct {
	// TickRate is the loop frequency in Hz, default 50.
	TickRate int
}

func (o Options) fill() Options {
	if o.TickRate <= 0 {
		o.TickRate = defaultTickRate
	}
	return o
}

// Stats counts loop activity.
type Stats struct {
	Ticks      uint64
	Skipped    uint64
	SendErrors uint64
}

// Loop is the fixed-rate operator control loop.
type Loop struct {
	log      log.Logger
	decide   Decider
	dispatch Dispatcher
	tick     time.Duration
	rate     int

	ticks    atomic.Uint64
	skipped  atomic.Uint64
	sendErrs atomic.Uint64
}

// New creates a loop over the given decider and dispatcher.
func New(logger log.Logger, decide Decider, dispatch Dispatcher, opts Options) *Loop {
	opts = opts.fill()
	return &Loop{
		log:      logger,
		decide:   decide,
		dispatch: dispatch,
		tick:     time.Second / time.Duration(opts.TickRate),
		rate:     opts.TickRate,
	}
}

// Run drives the loop until ctx is cancelled. Cancellation is a clean
// stop and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	l.log.Infof("control loop started (%d Hz)", l.rate)
	for {
		select {
		case <-ctx.Done():
			l.log.Infof("control loop stopped")
			return nil
		case <-ticker.C:
			l.step(ctx)
		}
	}
}

// step runs one control cycle: decide, then dispatch. Moves are
// skipped while the link is down; an abort is attempted no matter
// what, and its failure is the loudest line this package logs.
func (l *Loop) step(ctx context.Context) {
	l.ticks.Add(1)
	in := l.decide.Decide()

	if in.IsAbort() {
		if err := l.dispatch.Send(ctx, in); err != nil {
			l.sendErrs.Add(1)
			l.log.Errorf("EMERGENCY ABORT NOT DELIVERED: %v", err)
			return
		}
		l.log.Warnf("emergency abort delivered")
		return
	}

	if l.dispatch.State() != transport.StateLive {
		if !in.IsZeroMove() {
			l.skipped.Add(1)
			l.log.Debugf("link down, skipping %s", in)
		}
		return
	}

	if err := l.dispatch.Send(ctx, in); err != nil {
		l.sendErrs.Add(1)
		l.log.Warnf("send %s: %v", in, err)
	}
}

// Stats snapshots the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:      l.ticks.Load(),
		Skipped:    l.skipped.Load(),
		SendErrors: l.sendErrs.Load(),
	}
}
