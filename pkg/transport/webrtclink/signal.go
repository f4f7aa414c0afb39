package webrtclink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/quadlink/go2teleop/internal/httpc"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// supportedFirmwarePrefix is the firmware line this driver speaks.
const supportedFirmwarePrefix = "1.1."

type offerRequest struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
	ID   string `json:"id"`
}

type answerResponse struct {
	Type     string `json:"type"`
	SDP      string `json:"sdp"`
	Firmware string `json:"firmware,omitempty"`
}

// exchangeOffer posts the local offer to the robot's signalling
// endpoint and returns the remote answer plus the announced firmware
// version. The exchange is a single POST: ICE candidates are gathered
// before calling, so no trickle leg is needed.
func exchangeOffer(ctx context.Context, client *http.Client, addr, sessionID string, offer webrtc.SessionDescription) (webrtc.SessionDescription, string, error) {
	var answer answerResponse
	req := offerRequest{Type: offer.Type.String(), SDP: offer.SDP, ID: sessionID}

	err := httpc.PostJSON(ctx, client, addr, req, &answer)
	if err != nil {
		return webrtc.SessionDescription{}, "", classifySignalError(addr, err)
	}
	if answer.Type != webrtc.SDPTypeAnswer.String() || answer.SDP == "" {
		return webrtc.SessionDescription{}, "", fmt.Errorf("webrtclink: signalling returned %q, not an answer: %w",
			answer.Type, transport.ErrHandshakeTimeout)
	}

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}, answer.Firmware, nil
}

func classifySignalError(addr string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("webrtclink: signalling %s: %w", addr, transport.ErrHandshakeTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("webrtclink: signalling %s: %w", addr, transport.ErrHandshakeTimeout)
	}
	return fmt.Errorf("webrtclink: signalling %s: %v: %w", addr, err, transport.ErrUnreachable)
}

// checkFirmware verifies the announced firmware is on the supported
// line. An empty announcement passes: older bridge builds omit it.
func checkFirmware(version string) error {
	if version == "" {
		return nil
	}
	if !strings.HasPrefix(version, supportedFirmwarePrefix) {
		return fmt.Errorf("webrtclink: firmware %q outside supported %sx line: %w",
			version, supportedFirmwarePrefix, transport.ErrVersionMismatch)
	}
	return nil
}
