// Package protocol defines the JSON wire protocol between the operator
// and the companion bridge. The frame layout is a stable contract shared
// with the bridge server; field names must not change.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/quadlink/go2teleop/pkg/go2"
)

// Version is the protocol version the bridge announces in its connected
// frame. Peers are compatible when the major component matches.
const Version = "1.0.0"

// ErrMalformedFrame marks telemetry frames that fail to decode. Callers
// keep their last good snapshot and count the failure.
var ErrMalformedFrame = errors.New("malformed telemetry frame")

// FrameType identifies a bridge frame.
type FrameType string

const (
	// Operator to bridge frames.
	TypeMove          FrameType = "move"
	TypeStandUp       FrameType = "standUp"
	TypeStandDown     FrameType = "standDown"
	TypeBalanceStand  FrameType = "balanceStand"
	TypeRecoveryStand FrameType = "recoveryStand"
	TypeStopMove      FrameType = "stopMove"
	TypeDamp          FrameType = "damp"
	TypeEmergencyStop FrameType = "emergencyStop"
	TypeGetState      FrameType = "getState"
	TypePing          FrameType = "ping"

	// Bridge to operator frames.
	TypeConnected FrameType = "connected"
	TypeState     FrameType = "state"
	TypePong      FrameType = "pong"
)

// Envelope is the tagged wrapper every frame shares. State payloads ride
// under "data"; command frames carry their fields at the top level.
type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEnvelope reads the frame tag without committing to a payload
// shape.
func ParseEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("parse frame: missing type tag")
	}
	return &env, nil
}

type moveFrame struct {
	Type FrameType `json:"type"`
	VX   float64   `json:"vx"`
	VY   float64   `json:"vy"`
	VYaw float64   `json:"vyaw"`
}

type bareFrame struct {
	Type FrameType `json:"type"`
}

// EncodeIntent renders an intent as exactly one command frame. Total
// over the intent variants: EmergencyAbort maps to the single combined
// emergencyStop frame (the bridge performs the halt sequence itself),
// and unknown kinds degrade to stopMove.
func EncodeIntent(in go2.Intent) []byte {
	switch in.Kind {
	case go2.IntentMove:
		b, _ := json.Marshal(moveFrame{Type: TypeMove, VX: in.VX, VY: in.VY, VYaw: in.VYaw})
		return b
	case go2.IntentStand:
		return EncodeBare(TypeStandUp)
	case go2.IntentSit:
		return EncodeBare(TypeStandDown)
	case go2.IntentSetGait:
		if in.Gait == go2.GaitRelaxed {
			return EncodeBare(TypeDamp)
		}
		return EncodeBare(TypeBalanceStand)
	case go2.IntentRecovery:
		return EncodeBare(TypeRecoveryStand)
	case go2.IntentEmergencyAbort:
		return EncodeBare(TypeEmergencyStop)
	default:
		return EncodeBare(TypeStopMove)
	}
}

// EncodeBare renders a frame that is nothing but its type tag.
func EncodeBare(t FrameType) []byte {
	b, _ := json.Marshal(bareFrame{Type: t})
	return b
}

// IntentFromFrame maps an inbound command frame to an intent, the
// bridge-server side of EncodeIntent. getState and ping are
// protocol-level frames and report an error here.
func IntentFromFrame(t FrameType, b []byte) (go2.Intent, error) {
	switch t {
	case TypeMove:
		var mf moveFrame
		if err := json.Unmarshal(b, &mf); err != nil {
			return go2.Intent{}, fmt.Errorf("decode move frame: %w", err)
		}
		return go2.Move(mf.VX, mf.VY, mf.VYaw), nil
	case TypeStandUp:
		return go2.Stand(), nil
	case TypeStandDown:
		return go2.Sit(), nil
	case TypeBalanceStand:
		return go2.SetGait(go2.GaitBalance), nil
	case TypeDamp:
		return go2.SetGait(go2.GaitRelaxed), nil
	case TypeRecoveryStand:
		return go2.Recovery(), nil
	case TypeStopMove:
		return go2.Move(0, 0, 0), nil
	case TypeEmergencyStop:
		return go2.EmergencyAbort(), nil
	default:
		return go2.Intent{}, fmt.Errorf("frame %q is not a command", t)
	}
}

// ConnectedInfo is the payload of the bridge greeting frame.
type ConnectedInfo struct {
	Type           FrameType `json:"type"`
	SimulationMode bool      `json:"simulationMode"`
	Version        string    `json:"version"`
}

// EncodeConnected renders the greeting the bridge sends on accept.
func EncodeConnected(simulation bool) []byte {
	b, _ := json.Marshal(ConnectedInfo{Type: TypeConnected, SimulationMode: simulation, Version: Version})
	return b
}

// DecodeConnected reads a greeting frame.
func DecodeConnected(b []byte) (*ConnectedInfo, error) {
	var ci ConnectedInfo
	if err := json.Unmarshal(b, &ci); err != nil {
		return nil, fmt.Errorf("decode connected frame: %w", err)
	}
	if ci.Type != TypeConnected {
		return nil, fmt.Errorf("decode connected frame: unexpected type %q", ci.Type)
	}
	return &ci, nil
}

// CheckVersion verifies major-version compatibility with the announced
// bridge version.
func CheckVersion(announced string) error {
	if major(announced) != major(Version) {
		return fmt.Errorf("bridge version %q incompatible with %q", announced, Version)
	}
	return nil
}

func major(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}
