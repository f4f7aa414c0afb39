package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
)

// StatePayload mirrors the bridge "state" data object field for field.
// IMU angles travel in degrees; timestamps are Unix seconds.
type StatePayload struct {
	Timestamp          float64   `json:"timestamp"`
	Mode               string    `json:"mode"`
	BatteryLevel       float64   `json:"batteryLevel"`
	BatteryVoltage     float64   `json:"batteryVoltage"`
	BatteryCurrent     float64   `json:"batteryCurrent"`
	BatteryTemperature float64   `json:"batteryTemperature"`
	IMURoll            float64   `json:"imuRoll"`
	IMUPitch           float64   `json:"imuPitch"`
	IMUYaw             float64   `json:"imuYaw"`
	IMUGyro            []float64 `json:"imuGyro"`
	IMUAccel           []float64 `json:"imuAccel"`
	VelocityX          float64   `json:"velocityX"`
	VelocityY          float64   `json:"velocityY"`
	VelocityYaw        float64   `json:"velocityYaw"`
	FootContacts       []bool    `json:"footContacts"`
	FootForces         []float64 `json:"footForces"`
}

// DecodeState converts a state frame's data payload into a canonical
// snapshot. Any failure wraps ErrMalformedFrame so callers can keep
// their last good snapshot and count the miss.
func DecodeState(data json.RawMessage) (go2.RobotState, error) {
	if len(data) == 0 {
		return go2.RobotState{}, fmt.Errorf("%w: empty state payload", ErrMalformedFrame)
	}
	var p StatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return go2.RobotState{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	st := go2.RobotState{
		Mode: go2.ParseMode(p.Mode),
		Battery: go2.Battery{
			Percent:     p.BatteryLevel,
			Voltage:     p.BatteryVoltage,
			Current:     p.BatteryCurrent,
			Temperature: p.BatteryTemperature,
		},
		IMU: go2.IMU{
			Roll:  go2.DegToRad(p.IMURoll),
			Pitch: go2.DegToRad(p.IMUPitch),
			Yaw:   go2.DegToRad(p.IMUYaw),
		},
		Velocity: [3]float64{p.VelocityX, p.VelocityY, p.VelocityYaw},
	}

	if p.Timestamp > 0 {
		st.Timestamp = time.Unix(0, int64(p.Timestamp*float64(time.Second)))
	} else {
		st.Timestamp = time.Now()
	}

	copyVec(&st.IMU.Gyro, p.IMUGyro)
	if p.IMUAccel == nil {
		st.IMU.Accel = [3]float64{0, 0, 9.81}
	} else {
		copyVec(&st.IMU.Accel, p.IMUAccel)
	}

	for i := 0; i < len(st.Feet); i++ {
		if i < len(p.FootContacts) {
			st.Feet[i].Contact = p.FootContacts[i]
		}
		if i < len(p.FootForces) {
			st.Feet[i].Force = p.FootForces[i]
		}
	}
	return st, nil
}

// EncodeState renders a snapshot as a complete state frame, the bridge
// side of DecodeState.
func EncodeState(st go2.RobotState) []byte {
	p := StatePayload{
		Timestamp:          float64(st.Timestamp.UnixNano()) / float64(time.Second),
		Mode:               string(st.Mode),
		BatteryLevel:       st.Battery.Percent,
		BatteryVoltage:     st.Battery.Voltage,
		BatteryCurrent:     st.Battery.Current,
		BatteryTemperature: st.Battery.Temperature,
		IMURoll:            go2.RadToDeg(st.IMU.Roll),
		IMUPitch:           go2.RadToDeg(st.IMU.Pitch),
		IMUYaw:             go2.RadToDeg(st.IMU.Yaw),
		IMUGyro:            st.IMU.Gyro[:],
		IMUAccel:           st.IMU.Accel[:],
		VelocityX:          st.Velocity[0],
		VelocityY:          st.Velocity[1],
		VelocityYaw:        st.Velocity[2],
		FootContacts:       make([]bool, len(st.Feet)),
		FootForces:         make([]float64, len(st.Feet)),
	}
	for i, f := range st.Feet {
		p.FootContacts[i] = f.Contact
		p.FootForces[i] = f.Force
	}

	data, _ := json.Marshal(p)
	b, _ := json.Marshal(Envelope{Type: TypeState, Data: data})
	return b
}

func copyVec(dst *[3]float64, src []float64) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] = src[i]
	}
}
