package webrtclink

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/protocol"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

const sportStateFrame = `{
	"mode": 3,
	"gait_type": 1,
	"body_height": 0.32,
	"position": [1.2, -0.4, 0.0],
	"velocity": [0.62, -0.05, 0.0],
	"yaw_speed": 0.4,
	"imu_state": {
		"rpy": [0.02, -0.01, 1.57],
		"gyroscope": [0.01, -0.02, 0.3],
		"accelerometer": [0.1, 0.0, 9.78],
		"quaternion": [0.7, 0.0, 0.0, 0.7],
		"temperature": 41
	},
	"foot_force": [45.0, 44.0, 5.0, 46.5],
	"error_code": 0
}`

func TestDecodeSportState(t *testing.T) {
	batt := go2.Battery{Percent: 77, Voltage: 28.1}
	st, err := decodeSportState([]byte(sportStateFrame), batt)
	if err != nil {
		t.Fatalf("decodeSportState: %v", err)
	}

	if st.Mode != go2.ModeWalk {
		t.Errorf("Mode = %v, want WALK for gait 1", st.Mode)
	}
	if !floatEquals(st.Velocity[0], 0.62) || !floatEquals(st.Velocity[2], 0.4) {
		t.Errorf("velocity = %v", st.Velocity)
	}
	// This wire carries radians directly, no conversion.
	if !floatEquals(st.IMU.Yaw, 1.57) {
		t.Errorf("IMU.Yaw = %v, want 1.57", st.IMU.Yaw)
	}
	if !st.Feet[go2.FootFR].Contact || st.Feet[go2.FootRR].Contact {
		t.Errorf("contacts = %+v, want forces over %v planted", st.Feet, footContactThreshold)
	}
	if !floatEquals(st.Battery.Percent, 77) {
		t.Errorf("battery not merged: %+v", st.Battery)
	}
	if st.Timestamp.IsZero() {
		t.Error("snapshot not stamped")
	}
}

func TestDecodeSportStateMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"truncated", `{"mode": 3, "velocity": [`},
		{"wrong type", `{"gait_type": "trot"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSportState([]byte(tt.raw), go2.Battery{})
			if !errors.Is(err, protocol.ErrMalformedFrame) {
				t.Errorf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestModeFromSport(t *testing.T) {
	tests := []struct {
		name string
		p    sportModeState
		want go2.Mode
	}{
		{"walking gait", sportModeState{GaitType: 1, BodyHeight: 0.32}, go2.ModeWalk},
		{"trotting gait", sportModeState{GaitType: 2, BodyHeight: 0.3}, go2.ModeWalk},
		{"running gait", sportModeState{GaitType: 3, BodyHeight: 0.3}, go2.ModeRun},
		{"lowered body", sportModeState{GaitType: 0, BodyHeight: 0.08}, go2.ModeDown},
		{"standing", sportModeState{GaitType: 0, BodyHeight: 0.32, Mode: 1}, go2.ModeStand},
		{"no data at all", sportModeState{}, go2.ModeIdle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modeFromSport(tt.p); got != tt.want {
				t.Errorf("modeFromSport(%+v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestDecodeLowState(t *testing.T) {
	raw := `{"power_v": 28.4, "power_a": 3.1, "bms_state": {"soc": 87, "current": -2500, "bq_ntc": [28, 30]}}`
	b, err := decodeLowState([]byte(raw))
	if err != nil {
		t.Fatalf("decodeLowState: %v", err)
	}
	if !floatEquals(b.Percent, 87) {
		t.Errorf("Percent = %v", b.Percent)
	}
	if !floatEquals(b.Voltage, 28.4) {
		t.Errorf("Voltage = %v", b.Voltage)
	}
	if !floatEquals(b.Current, -2.5) {
		t.Errorf("Current = %v, want amps from milliamps", b.Current)
	}
	if !floatEquals(b.Temperature, 29) {
		t.Errorf("Temperature = %v, want mean of probes", b.Temperature)
	}
}

func TestDecodeLowStateMalformed(t *testing.T) {
	if _, err := decodeLowState([]byte(`{"bms_state": 4}`)); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame", err)
	}
	if _, err := decodeLowState(nil); !errors.Is(err, protocol.ErrMalformedFrame) {
		t.Errorf("nil payload: error = %v, want ErrMalformedFrame", err)
	}
}

func TestEncodeRequestEnvelope(t *testing.T) {
	reqs := go2.SportSequence(go2.Stand())
	frame, err := encodeRequest(reqs[0])
	if err != nil {
		t.Fatalf("encodeRequest: %v", err)
	}

	var env channelMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if env.Type != chanTypeMsg || env.Topic != go2.TopicSportRequest {
		t.Errorf("envelope = %+v", env)
	}

	var req go2.SportRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		t.Fatalf("request payload: %v", err)
	}
	if req.Header.Identity.APIID != go2.ApiStandUp {
		t.Errorf("api_id = %d, want StandUp", req.Header.Identity.APIID)
	}
}

func TestEncodeSubscribe(t *testing.T) {
	var env channelMessage
	if err := json.Unmarshal(encodeSubscribe(go2.TopicSportState), &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != chanTypeSubscribe || env.Topic != go2.TopicSportState {
		t.Errorf("envelope = %+v", env)
	}
	if len(env.Data) != 0 {
		t.Errorf("subscribe should carry no payload, got %s", env.Data)
	}
}
