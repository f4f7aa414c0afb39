// Package transport defines the uniform session contract the teleop
// core drives. Every way of reaching the robot, direct WebRTC, the
// companion WebSocket bridge, or the middleware link, hides behind the
// same two interfaces so the control loop and supervisor never know
// which wire they are on.
package transport

import (
	"context"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
)

// Kind names a transport driver.
type Kind string

const (
	KindWebRTC Kind = "webrtc"
	KindBridge Kind = "bridge"
	KindDDS    Kind = "dds"
)

// Target addresses one robot. Drivers read the fields relevant to
// their wire and ignore the rest.
type Target struct {
	// RobotIP is the quadruped's own address, used for WebRTC
	// signalling and the middleware endpoints.
	RobotIP string

	// Serial selects a robot by serial number when the IP is not
	// known (WebRTC STA discovery).
	Serial string

	// BridgeURL is the companion bridge endpoint, ws://host:port.
	BridgeURL string
}

// Transport dials sessions of one kind.
type Transport interface {
	Kind() Kind
	Dial(ctx context.Context, target Target) (Session, error)
}

// Session is one live link to the robot. Sessions are single-use: once
// Frames closes or Close is called the session is dead and a new Dial
// is required.
type Session interface {
	// ID uniquely identifies this session instance.
	ID() string

	Kind() Kind

	// Send delivers one intent. It is bounded by ctx and by the
	// driver's own write deadline; it never blocks indefinitely.
	Send(ctx context.Context, in go2.Intent) error

	// Frames streams decoded telemetry snapshots. The channel closes
	// when the session dies; it is never reopened.
	Frames() <-chan go2.RobotState

	// Ping measures round-trip time to the robot, doubling as the
	// supervisor's heartbeat probe.
	Ping(ctx context.Context) (time.Duration, error)

	// Stats snapshots the session's activity counters.
	Stats() Stats

	// Err reports why Frames closed, nil after a clean Close.
	Err() error

	Close() error
}

// State is a lifecycle phase, shared by sessions and the supervisor.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateDisconnected
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
