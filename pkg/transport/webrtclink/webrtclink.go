// Package webrtclink implements the session contract over a direct
// WebRTC peer connection to the robot, no companion computer in the
// path. Sport requests ride the data channel; telemetry topics are
// subscribed on the same channel; the robot's video track is drained
// only for link statistics.
package webrtclink

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/quadlink/go2teleop/internal/httpc"
	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// Method selects how the robot is reached.
type Method string

const (
	// MethodSTA talks to a robot joined to the local network by IP.
	MethodSTA Method = "sta"
	// MethodAP talks to the robot's own access point.
	MethodAP Method = "ap"
	// MethodRemote would relay through Unitree's cloud. Not
	// implemented; Dial rejects it.
	MethodRemote Method = "remote"
)

// apModeIP is the robot's fixed address on its own access point.
const apModeIP = "192.168.12.1"

const (
	defaultSignalPort       = 9991
	defaultHandshakeTimeout = 10 * time.Second
	defaultFrameBuffer      = 64

	dataChannelLabel = "data"

	// maxBufferedAmount is the data-channel backlog above which sends
	// report backpressure instead of queueing further.
	maxBufferedAmount = 256 * 1024
)

// Options tune the driver. Zero values select defaults.
type Options struct {
	Method           Method
	SignalPort       int
	HandshakeTimeout time.Duration
	FrameBuffer      int
	HTTPClient       *http.Client
}

func (o *Options) fill() {
	if o.Method == "" {
		o.Method = MethodSTA
	}
	if o.SignalPort <= 0 {
		o.SignalPort = defaultSignalPort
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = defaultFrameBuffer
	}
	if o.HTTPClient == nil {
		o.HTTPClient = httpc.NewClient(o.HandshakeTimeout)
	}
}

// Transport dials direct WebRTC sessions.
type Transport struct {
	opts Options
	log  log.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates the WebRTC transport.
func New(logger log.Logger, opts Options) *Transport {
	opts.fill()
	return &Transport{opts: opts, log: logger}
}

// Kind reports transport.KindWebRTC.
func (t *Transport) Kind() transport.Kind { return transport.KindWebRTC }

// Dial sets up the peer connection: local offer with ICE fully
// gathered, one signalling POST, then waits for the data channel to
// open and subscribes the telemetry topics.
func (t *Transport) Dial(ctx context.Context, target transport.Target) (transport.Session, error) {
	ip, err := t.resolveIP(target)
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("webrtclink: create peer connection: %w", err)
	}

	// Receive-only video keeps the robot's camera flowing for link
	// statistics without negotiating a send side.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtclink: add video transceiver: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("webrtclink: create data channel: %w", err)
	}

	s := newSession(pc, dc, t.log, t.opts)

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(s.handleMessage)

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			s.log.Debugf("video track up codec=%s", track.Codec().MimeType)
			go s.drainTrack(track)
		}
	})
	pc.OnConnectionStateChange(s.onConnectionState)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("webrtclink: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Close()
		return nil, fmt.Errorf("webrtclink: set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("webrtclink: ice gathering: %w", ctx.Err())
	case <-time.After(t.opts.HandshakeTimeout):
		s.Close()
		return nil, fmt.Errorf("webrtclink: ice gathering: %w", transport.ErrHandshakeTimeout)
	}

	signalAddr := fmt.Sprintf("http://%s:%d/offer", ip, t.opts.SignalPort)
	answer, firmware, err := exchangeOffer(ctx, t.opts.HTTPClient, signalAddr, s.id, *pc.LocalDescription())
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := checkFirmware(firmware); err != nil {
		s.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		s.Close()
		return nil, fmt.Errorf("webrtclink: set remote description: %w", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		s.Close()
		return nil, fmt.Errorf("webrtclink: data channel: %w", ctx.Err())
	case <-time.After(t.opts.HandshakeTimeout):
		s.Close()
		return nil, fmt.Errorf("webrtclink: data channel never opened: %w", transport.ErrHandshakeTimeout)
	}

	s.subscribeTelemetry()
	s.log.Infof("webrtc session up robot=%s firmware=%s", ip, firmware)
	return s, nil
}

func (t *Transport) resolveIP(target transport.Target) (string, error) {
	switch t.opts.Method {
	case MethodAP:
		return apModeIP, nil
	case MethodSTA:
		if target.RobotIP != "" {
			return target.RobotIP, nil
		}
		if target.Serial != "" {
			return "", fmt.Errorf("webrtclink: discovery by serial %q not supported, set the robot ip: %w",
				target.Serial, transport.ErrUnreachable)
		}
		return "", fmt.Errorf("webrtclink: sta method needs a robot ip: %w", transport.ErrUnreachable)
	case MethodRemote:
		return "", fmt.Errorf("webrtclink: remote method not implemented: %w", transport.ErrUnreachable)
	default:
		return "", fmt.Errorf("webrtclink: unknown method %q: %w", t.opts.Method, transport.ErrUnreachable)
	}
}

func newSessionID() string { return uuid.NewString() }
