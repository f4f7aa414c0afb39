package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
)

// ConsoleSink logs a one-line state summary, throttled so a 50 Hz
// stream does not flood the terminal.
type ConsoleSink struct {
	log   log.Logger
	every time.Duration
	last  time.Time
}

// NewConsoleSink creates a sink that logs at most one line per every
// (one second when every <= 0).
func NewConsoleSink(logger log.Logger, every time.Duration) *ConsoleSink {
	if every <= 0 {
		every = time.Second
	}
	return &ConsoleSink{log: logger, every: every}
}

// Run consumes frames until ctx is cancelled or the channel closes.
func (c *ConsoleSink) Run(ctx context.Context, frames <-chan go2.RobotState) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-frames:
			if !ok {
				return
			}
			c.emit(st)
		}
	}
}

func (c *ConsoleSink) emit(st go2.RobotState) {
	if time.Since(c.last) < c.every {
		return
	}
	c.last = time.Now()
	c.log.WithField("mode", string(st.Mode)).
		WithField("batt", fmt.Sprintf("%.0f%%", st.Battery.Percent)).
		WithField("vx", fmt.Sprintf("%.2f", st.Velocity[0])).
		WithField("vyaw", fmt.Sprintf("%.2f", st.Velocity[2])).
		WithField("link", fmt.Sprintf("%.0f%%", st.LinkQuality*100)).
		Infof("robot state")
}
