package go2

import "time"

// Mode is the sport-mode state reported by the robot.
type Mode string

const (
	ModeUnknown Mode = "UNKNOWN"
	ModeIdle    Mode = "IDLE"
	ModeDown    Mode = "DOWN"
	ModeStand   Mode = "STAND"
	ModeWalk    Mode = "WALK"
	ModeRun     Mode = "RUN"
)

// ParseMode maps a wire mode string to a Mode, defaulting to ModeUnknown.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeIdle, ModeDown, ModeStand, ModeWalk, ModeRun:
		return Mode(s)
	default:
		return ModeUnknown
	}
}

// Foot indices in telemetry arrays.
const (
	FootFR = iota
	FootFL
	FootRR
	FootRL
)

// Battery is the pack status subset every transport can report.
type Battery struct {
	Percent     float64
	Voltage     float64
	Current     float64
	Temperature float64
}

// IMU carries orientation in radians plus raw gyro and accelerometer
// vectors.
type IMU struct {
	Roll  float64
	Pitch float64
	Yaw   float64
	Gyro  [3]float64
	Accel [3]float64
}

// Foot is the contact state of one leg.
type Foot struct {
	Contact bool
	Force   float64
}

// RobotState is one whole telemetry snapshot. Snapshots are replaced
// wholesale, never field-merged, so a reader always sees values that
// arrived together.
type RobotState struct {
	Timestamp time.Time
	Mode      Mode
	Battery   Battery
	IMU       IMU

	// Velocity is (vx, vy, vyaw) in the body frame.
	Velocity [3]float64

	// Feet are indexed FootFR, FootFL, FootRR, FootRL.
	Feet [4]Foot

	// LinkQuality is a derived 0..1 health indicator for the
	// transport carrying this snapshot, 1 meaning frames arrive at
	// the expected rate.
	LinkQuality float64
}

// DegToRad converts wire-format degrees to radians. The bridge protocol
// transports IMU angles in degrees; the canonical snapshot is radians.
func DegToRad(deg float64) float64 { return deg * 0.0174533 }

// RadToDeg is the inverse conversion, used when encoding snapshots back
// onto the bridge wire.
func RadToDeg(rad float64) float64 { return rad / 0.0174533 }
