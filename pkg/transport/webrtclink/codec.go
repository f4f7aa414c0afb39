package webrtclink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/protocol"
)

// channelMessage is the envelope the Go2 firmware speaks on the WebRTC
// data channel: publications and requests are "msg" frames addressed to
// a topic, subscriptions announce interest in one.
type channelMessage struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	chanTypeMsg       = "msg"
	chanTypeSubscribe = "subscribe"
)

// encodeRequest wraps a sport request for the data channel.
func encodeRequest(req go2.SportRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode sport request: %w", err)
	}
	return json.Marshal(channelMessage{Type: chanTypeMsg, Topic: go2.TopicSportRequest, Data: data})
}

// encodeSubscribe announces interest in a telemetry topic.
func encodeSubscribe(topic string) []byte {
	b, _ := json.Marshal(channelMessage{Type: chanTypeSubscribe, Topic: topic})
	return b
}

// sportModeState mirrors the rt/sportmodestate payload. Angles are
// radians on this wire, unlike the bridge protocol.
type sportModeState struct {
	Mode       int       `json:"mode"`
	GaitType   int       `json:"gait_type"`
	BodyHeight float64   `json:"body_height"`
	Position   []float64 `json:"position"`
	Velocity   []float64 `json:"velocity"`
	YawSpeed   float64   `json:"yaw_speed"`
	IMUState   imuState  `json:"imu_state"`
	FootForce  []float64 `json:"foot_force"`
	ErrorCode  int       `json:"error_code"`
}

type imuState struct {
	Quaternion    []float64 `json:"quaternion"`
	Gyroscope     []float64 `json:"gyroscope"`
	Accelerometer []float64 `json:"accelerometer"`
	RPY           []float64 `json:"rpy"`
	Temperature   int       `json:"temperature"`
}

// lowState carries the power subset of rt/lf/lowstate we consume.
type lowState struct {
	PowerV float64  `json:"power_v"`
	PowerA float64  `json:"power_a"`
	BMS    bmsState `json:"bms_state"`
}

type bmsState struct {
	SOC     int   `json:"soc"`
	Current int   `json:"current"`
	BQNTC   []int `json:"bq_ntc"`
}

// footContactThreshold is the force in newtons above which a foot is
// considered planted. Standing feet carry roughly 40 N each.
const footContactThreshold = 20.0

// decodeSportState converts one sport-mode frame plus the last known
// battery into a canonical snapshot. Failures wrap ErrMalformedFrame.
func decodeSportState(raw json.RawMessage, batt go2.Battery) (go2.RobotState, error) {
	if len(raw) == 0 {
		return go2.RobotState{}, fmt.Errorf("%w: empty sportmodestate payload", protocol.ErrMalformedFrame)
	}
	var p sportModeState
	if err := json.Unmarshal(raw, &p); err != nil {
		return go2.RobotState{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}

	st := go2.RobotState{
		Timestamp: time.Now(),
		Mode:      modeFromSport(p),
		Battery:   batt,
		Velocity:  [3]float64{0, 0, p.YawSpeed},
	}
	if len(p.Velocity) >= 2 {
		st.Velocity[0] = p.Velocity[0]
		st.Velocity[1] = p.Velocity[1]
	}
	if len(p.IMUState.RPY) >= 3 {
		st.IMU.Roll = p.IMUState.RPY[0]
		st.IMU.Pitch = p.IMUState.RPY[1]
		st.IMU.Yaw = p.IMUState.RPY[2]
	}
	copyVec(&st.IMU.Gyro, p.IMUState.Gyroscope)
	copyVec(&st.IMU.Accel, p.IMUState.Accelerometer)

	for i := 0; i < len(st.Feet) && i < len(p.FootForce); i++ {
		st.Feet[i].Force = p.FootForce[i]
		st.Feet[i].Contact = p.FootForce[i] > footContactThreshold
	}
	return st, nil
}

// modeFromSport derives the coarse mode. The firmware reports a gait
// type (0 idle, 1 walk, 2 trot, 3 run, 4 climb) and a body height; a
// lowered body with no gait means the robot is down.
func modeFromSport(p sportModeState) go2.Mode {
	switch {
	case p.GaitType == 1 || p.GaitType == 2:
		return go2.ModeWalk
	case p.GaitType >= 3:
		return go2.ModeRun
	case p.BodyHeight > 0 && p.BodyHeight < 0.18:
		return go2.ModeDown
	case p.Mode == 0 && p.BodyHeight == 0:
		return go2.ModeIdle
	default:
		return go2.ModeStand
	}
}

// decodeLowState extracts battery status from a lowstate frame.
func decodeLowState(raw json.RawMessage) (go2.Battery, error) {
	if len(raw) == 0 {
		return go2.Battery{}, fmt.Errorf("%w: empty lowstate payload", protocol.ErrMalformedFrame)
	}
	var p lowState
	if err := json.Unmarshal(raw, &p); err != nil {
		return go2.Battery{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}

	b := go2.Battery{
		Percent: float64(p.BMS.SOC),
		Voltage: p.PowerV,
		Current: float64(p.BMS.Current) / 1000.0,
	}
	if len(p.BMS.BQNTC) > 0 {
		sum := 0
		for _, ntc := range p.BMS.BQNTC {
			sum += ntc
		}
		b.Temperature = float64(sum) / float64(len(p.BMS.BQNTC))
	}
	return b, nil
}

func copyVec(dst *[3]float64, src []float64) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] = src[i]
	}
}
