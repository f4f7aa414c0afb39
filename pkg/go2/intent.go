// Package go2 defines the canonical domain model for a Unitree Go2
// quadruped: operator intents, telemetry snapshots, and the sport-mode
// API constants shared by every transport.
package go2

import "fmt"

// Velocity envelope of the Go2 sport mode. Move intents are clamped
// to these bounds at construction.
const (
	MaxVX   = 1.5 // m/s forward/backward
	MaxVY   = 0.5 // m/s lateral
	MaxVYaw = 1.5 // rad/s
)

// IntentKind discriminates the Intent variant.
type IntentKind uint8

const (
	IntentMove IntentKind = iota
	IntentStand
	IntentSit
	IntentSetGait
	IntentRecovery
	IntentEmergencyAbort
)

func (k IntentKind) String() string {
	switch k {
	case IntentMove:
		return "move"
	case IntentStand:
		return "stand"
	case IntentSit:
		return "sit"
	case IntentSetGait:
		return "setGait"
	case IntentRecovery:
		return "recovery"
	case IntentEmergencyAbort:
		return "emergencyAbort"
	default:
		return fmt.Sprintf("intent(%d)", uint8(k))
	}
}

// Gait is the payload of a SetGait intent.
type Gait uint8

const (
	// GaitBalance holds an active balancing stand.
	GaitBalance Gait = iota
	// GaitRelaxed releases joint torque (damp).
	GaitRelaxed
)

func (g Gait) String() string {
	if g == GaitRelaxed {
		return "relaxed"
	}
	return "balance"
}

// Intent is one operator command, produced once per control tick.
// It is an immutable value; the zero value is Move(0, 0, 0).
type Intent struct {
	Kind IntentKind

	// Move payload, zero for other kinds.
	VX   float64
	VY   float64
	VYaw float64

	// SetGait payload.
	Gait Gait
}

// Move builds a velocity intent clamped to the sport-mode envelope.
func Move(vx, vy, vyaw float64) Intent {
	return Intent{
		Kind: IntentMove,
		VX:   clamp(vx, -MaxVX, MaxVX),
		VY:   clamp(vy, -MaxVY, MaxVY),
		VYaw: clamp(vyaw, -MaxVYaw, MaxVYaw),
	}
}

// Stand requests a stand-up.
func Stand() Intent { return Intent{Kind: IntentStand} }

// Sit requests a stand-down (lie flat).
func Sit() Intent { return Intent{Kind: IntentSit} }

// SetGait switches between balance and relaxed gait.
func SetGait(g Gait) Intent { return Intent{Kind: IntentSetGait, Gait: g} }

// Recovery requests a recovery stand after a fall.
func Recovery() Intent { return Intent{Kind: IntentRecovery} }

// EmergencyAbort halts motion and releases torque. Transports deliver
// it ahead of anything else in flight.
func EmergencyAbort() Intent { return Intent{Kind: IntentEmergencyAbort} }

// IsAbort reports whether the intent is an emergency abort.
func (in Intent) IsAbort() bool { return in.Kind == IntentEmergencyAbort }

// IsZeroMove reports whether the intent is a motionless Move.
func (in Intent) IsZeroMove() bool {
	return in.Kind == IntentMove && in.VX == 0 && in.VY == 0 && in.VYaw == 0
}

func (in Intent) String() string {
	switch in.Kind {
	case IntentMove:
		return fmt.Sprintf("move(%.2f, %.2f, %.2f)", in.VX, in.VY, in.VYaw)
	case IntentSetGait:
		return "setGait(" + in.Gait.String() + ")"
	default:
		return in.Kind.String()
	}
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
