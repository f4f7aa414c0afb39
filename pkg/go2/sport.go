package go2

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Data-channel and middleware topics exposed by the Go2 firmware.
const (
	TopicSportRequest   = "rt/api/sport/request"
	TopicObstaclesAvoid = "rt/api/obstacles_avoid/request"
	TopicLowState       = "rt/lf/lowstate"
	TopicSportState     = "rt/sportmodestate"
	TopicLidarCloud     = "rt/utlidar/cloud"
	TopicAudioPCM       = "rt/audio/pcm"
)

// Sport-mode api_id values, firmware 1.1.7+ (MCF unified mode).
const (
	ApiDamp          = 0
	ApiBalanceStand  = 1
	ApiStopMove      = 2
	ApiStandUp       = 3
	ApiStandDown     = 4
	ApiRecoveryStand = 5
	ApiMove          = 1008
	ApiPose          = 1005
	ApiEuler         = 1006
	ApiBodyHeight    = 1009
	ApiSwitchGait    = 1011
	ApiSpeedLevel    = 1015
)

// SportRequest is one request frame on TopicSportRequest, the shape the
// firmware accepts over both the WebRTC data channel and the middleware
// request socket. Parameter is a JSON document encoded as a string, per
// the firmware contract.
type SportRequest struct {
	Header    SportHeader `json:"header"`
	Parameter string      `json:"parameter,omitempty"`
}

// SportHeader wraps the request identity.
type SportHeader struct {
	Identity SportIdentity `json:"identity"`
}

// SportIdentity carries the request id and the api_id selecting the
// operation.
type SportIdentity struct {
	ID    int64 `json:"id"`
	APIID int64 `json:"api_id"`
}

var requestSeq atomic.Int64

// NewSportRequest builds a request frame with a unique id. Parameter
// may be empty for commands that take none.
func NewSportRequest(apiID int64, parameter string) SportRequest {
	id := time.Now().UnixMilli()*1000 + requestSeq.Add(1)%1000
	return SportRequest{
		Header:    SportHeader{Identity: SportIdentity{ID: id, APIID: apiID}},
		Parameter: parameter,
	}
}

// MoveParameter encodes the Move api parameter. The firmware names the
// yaw rate "z".
func MoveParameter(vx, vy, vyaw float64) string {
	p, _ := json.Marshal(map[string]float64{"x": vx, "y": vy, "z": vyaw})
	return string(p)
}

// SportSequence encodes an intent as the ordered request frames that
// realize it. Total over the intent variants: every intent maps to at
// least one request. EmergencyAbort expands to StopMove then Damp, the
// firmware's safe-halt sequence.
func SportSequence(in Intent) []SportRequest {
	switch in.Kind {
	case IntentMove:
		return []SportRequest{NewSportRequest(ApiMove, MoveParameter(in.VX, in.VY, in.VYaw))}
	case IntentStand:
		return []SportRequest{NewSportRequest(ApiStandUp, "")}
	case IntentSit:
		return []SportRequest{NewSportRequest(ApiStandDown, "")}
	case IntentSetGait:
		if in.Gait == GaitRelaxed {
			return []SportRequest{NewSportRequest(ApiDamp, "")}
		}
		return []SportRequest{NewSportRequest(ApiBalanceStand, "")}
	case IntentRecovery:
		return []SportRequest{NewSportRequest(ApiRecoveryStand, "")}
	case IntentEmergencyAbort:
		return []SportRequest{
			NewSportRequest(ApiStopMove, ""),
			NewSportRequest(ApiDamp, ""),
		}
	default:
		// Unknown kinds halt rather than guess.
		return []SportRequest{NewSportRequest(ApiStopMove, "")}
	}
}
