package ddslink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/protocol"
)

// Middleware message types. Every frame on either socket is a JSON
// envelope with a type tag, an optional unix timestamp and a
// type-specific payload.
const (
	msgTypeRequest = "request"
	msgTypePing    = "ping"
	msgTypePong    = "pong"
	msgTypeOK      = "ok"
	msgTypeError   = "error"
	msgTypeState   = "state"
)

// Telemetry topics. Subscriptions match by prefix, so TopicPrefix
// covers everything the daemon publishes under the telemetry root.
const (
	TopicState  = "telemetry.state"
	TopicPrefix = "telemetry."
)

type envelope struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type pongPayload struct {
	Version string `json:"version"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func encodeEnvelope(msgType string, data interface{}) ([]byte, error) {
	env := envelope{Type: msgType, Timestamp: unixNow()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("ddslink: encode %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ddslink: encode %s envelope: %w", msgType, err)
	}
	return raw, nil
}

func encodeRequest(req go2.SportRequest) ([]byte, error) {
	return encodeEnvelope(msgTypeRequest, req)
}

func encodePing() ([]byte, error) {
	return encodeEnvelope(msgTypePing, nil)
}

// decodeReply parses a reply from the request socket. Error replies
// carry the daemon's message and code and come back as real errors.
func decodeReply(raw []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("ddslink: reply: %w", err)
	}
	if env.Type == "" {
		return envelope{}, fmt.Errorf("ddslink: reply missing type tag")
	}
	if env.Type == msgTypeError {
		var p errorPayload
		if err := json.Unmarshal(env.Data, &p); err == nil && p.Message != "" {
			return envelope{}, fmt.Errorf("ddslink: middleware rejected request: %s (code %d)", p.Message, p.Code)
		}
		return envelope{}, fmt.Errorf("ddslink: middleware rejected request")
	}
	return env, nil
}

func decodePong(env envelope) (string, error) {
	if env.Type != msgTypePong {
		return "", fmt.Errorf("ddslink: expected pong reply, got %q", env.Type)
	}
	var p pongPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", fmt.Errorf("ddslink: pong payload: %w", err)
		}
	}
	return p.Version, nil
}

// decodeState parses one telemetry frame into the canonical state. The
// daemon publishes the same state envelope the bridge speaks, so the
// payload goes through the shared schema decoder. Anything that fails
// the envelope or the schema wraps protocol.ErrMalformedFrame so
// callers can count it and keep the previous snapshot.
func decodeState(raw []byte) (go2.RobotState, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return go2.RobotState{}, fmt.Errorf("%w: state envelope: %v", protocol.ErrMalformedFrame, err)
	}
	if env.Type != msgTypeState {
		return go2.RobotState{}, fmt.Errorf("%w: frame type %q on telemetry topic", protocol.ErrMalformedFrame, env.Type)
	}
	return protocol.DecodeState(env.Data)
}
