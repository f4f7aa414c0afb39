package bridge

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// Backend is whatever the bridge drives on behalf of its operators: a
// simulated robot, or a real one reached over another link.
type Backend interface {
	// Apply executes one operator intent.
	Apply(ctx context.Context, in go2.Intent) error

	// State snapshots the robot for broadcast.
	State() go2.RobotState

	// Simulated reports whether the backend fakes the robot.
	Simulated() bool

	Close() error
}

// SimBackend fakes a Go2 for development without hardware. Commands
// mutate mode and velocity; everything else is synthesized from wall
// time so operator dashboards have moving numbers to render.
type SimBackend struct {
	mu   sync.Mutex
	mode go2.Mode
	vel  [3]float64
}

var _ Backend = (*SimBackend)(nil)

func NewSimBackend() *SimBackend {
	return &SimBackend{mode: go2.ModeUnknown}
}

func (b *SimBackend) Apply(_ context.Context, in go2.Intent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch in.Kind {
	case go2.IntentMove:
		b.vel = [3]float64{in.VX, in.VY, in.VYaw}
	case go2.IntentStand:
		b.mode = go2.ModeStand
	case go2.IntentSit:
		b.mode = go2.ModeDown
	case go2.IntentSetGait:
		// Relaxing drops the joints; balance mode is invisible in the
		// state feed.
		if in.Gait == go2.GaitRelaxed {
			b.mode = go2.ModeIdle
		}
	case go2.IntentRecovery:
		// The posture change shows up through the IMU, not the mode.
	case go2.IntentEmergencyAbort:
		b.vel = [3]float64{}
		b.mode = go2.ModeIdle
	}
	return nil
}

func (b *SimBackend) State() go2.RobotState {
	b.mu.Lock()
	mode, vel := b.mode, b.vel
	b.mu.Unlock()

	now := time.Now()
	t := float64(now.UnixNano()) / 1e9

	st := go2.RobotState{
		Timestamp:   now,
		Mode:        mode,
		Velocity:    vel,
		LinkQuality: 1,
	}

	st.Battery.Percent = 100 - math.Floor(math.Mod(t, 1000)/10)
	if st.Battery.Percent < 20 {
		st.Battery.Percent = 20
	}
	st.Battery.Voltage = 25.0 + math.Sin(t*0.1)*0.5
	st.Battery.Current = 2.0 + math.Sin(t*0.5)*1.0
	st.Battery.Temperature = 25.0

	st.IMU.Roll = math.Sin(t*2) * 0.05
	st.IMU.Pitch = math.Sin(t*1.5) * 0.03
	st.IMU.Yaw = math.Sin(t*0.3) * 0.1
	st.IMU.Gyro = [3]float64{
		math.Cos(t*2) * 0.1,
		math.Cos(t*1.5) * 0.06,
		math.Cos(t*0.3) * 0.2,
	}
	st.IMU.Accel = [3]float64{
		math.Sin(t) * 0.5,
		math.Cos(t) * 0.3,
		9.81 + math.Sin(t*3)*0.1,
	}

	for i := range st.Feet {
		contact := (int64(t*2)+int64(i))%2 == 0
		st.Feet[i].Contact = contact
		if contact {
			st.Feet[i].Force = 50 + math.Sin(t*3+float64(i))*20
		}
	}
	return st
}

func (b *SimBackend) Simulated() bool { return true }

func (b *SimBackend) Close() error { return nil }

// LinkBackend drives a real robot through an established transport
// session, typically the middleware link when the bridge runs on the
// companion computer. The session's frames are cached so State never
// blocks the broadcast loop.
type LinkBackend struct {
	sess transport.Session

	mu   sync.Mutex
	last go2.RobotState
	have bool
}

var _ Backend = (*LinkBackend)(nil)

func NewLinkBackend(sess transport.Session) *LinkBackend {
	b := &LinkBackend{sess: sess}
	go b.track()
	return b
}

func (b *LinkBackend) track() {
	for st := range b.sess.Frames() {
		b.mu.Lock()
		b.last = st
		b.have = true
		b.mu.Unlock()
	}
}

func (b *LinkBackend) Apply(ctx context.Context, in go2.Intent) error {
	return b.sess.Send(ctx, in)
}

func (b *LinkBackend) State() go2.RobotState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.have {
		return go2.RobotState{Timestamp: time.Now(), Mode: go2.ModeUnknown}
	}
	return b.last
}

func (b *LinkBackend) Simulated() bool { return false }

func (b *LinkBackend) Close() error { return b.sess.Close() }
