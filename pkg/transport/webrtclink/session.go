package webrtclink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// VideoStats summarizes the drained video track. The stream is never
// decoded; packet flow feeds link-quality estimation only.
type VideoStats struct {
	Packets uint64
	Bytes   uint64
}

// session is one live peer connection. Data-channel callbacks arrive
// on pion's reader goroutine; Close can come from anywhere, so frame
// publication and closing share a mutex.
type session struct {
	transport.Counters

	id string
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	log log.Logger

	frameMu      sync.Mutex
	frames       chan go2.RobotState
	framesClosed bool

	done chan struct{}

	battMu sync.Mutex
	batt   go2.Battery

	rtpPackets atomic.Uint64
	rtpBytes   atomic.Uint64

	closeOnce sync.Once
	errMu     sync.Mutex
	closing   bool
	err       error
}

var _ transport.Session = (*session)(nil)

func newSession(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, logger log.Logger, opts Options) *session {
	id := newSessionID()
	return &session{
		id:     id,
		pc:     pc,
		dc:     dc,
		log:    logger.WithField("session", id[:8]),
		frames: make(chan go2.RobotState, opts.FrameBuffer),
		done:   make(chan struct{}),
	}
}

func (s *session) ID() string           { return s.id }
func (s *session) Kind() transport.Kind { return transport.KindWebRTC }

func (s *session) Frames() <-chan go2.RobotState { return s.frames }

func (s *session) Stats() transport.Stats { return s.Snapshot() }

// Video reports track drain counters.
func (s *session) Video() VideoStats {
	return VideoStats{Packets: s.rtpPackets.Load(), Bytes: s.rtpBytes.Load()}
}

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send expands the intent into its sport requests and writes them to
// the data channel in order. A channel backlog over the backpressure
// limit fails fast instead of queueing a stale command behind it.
func (s *session) Send(ctx context.Context, in go2.Intent) error {
	select {
	case <-s.done:
		s.CountSendError()
		return fmt.Errorf("webrtclink: %w", transport.ErrSessionClosed)
	default:
	}

	for _, req := range go2.SportSequence(in) {
		if err := ctx.Err(); err != nil {
			s.CountSendError()
			return fmt.Errorf("webrtclink: send: %w", err)
		}
		if s.dc.ReadyState() != webrtc.DataChannelStateOpen {
			s.CountSendError()
			return fmt.Errorf("webrtclink: data channel %s: %w", s.dc.ReadyState(), transport.ErrSessionClosed)
		}
		// Aborts jump the backpressure gate: a halt is worth queueing
		// behind a congested channel, a move command is not.
		if !in.IsAbort() && s.dc.BufferedAmount() > maxBufferedAmount {
			s.CountSendError()
			return fmt.Errorf("webrtclink: channel backlog %d bytes: %w", s.dc.BufferedAmount(), transport.ErrSendTimeout)
		}

		frame, err := encodeRequest(req)
		if err != nil {
			s.CountSendError()
			return fmt.Errorf("webrtclink: %v", err)
		}
		if err := s.dc.Send(frame); err != nil {
			s.CountSendError()
			return fmt.Errorf("webrtclink: write: %v: %w", err, transport.ErrSessionClosed)
		}
	}
	s.CountSent()
	return nil
}

// Ping reports the ICE round-trip time from the nominated candidate
// pair. Early in a session the pair may not have produced an RTT yet;
// callers should fall back to frame freshness.
func (s *session) Ping(ctx context.Context) (time.Duration, error) {
	select {
	case <-s.done:
		return 0, fmt.Errorf("webrtclink: %w", transport.ErrSessionClosed)
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	for _, stat := range s.pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), nil
		}
	}
	return 0, fmt.Errorf("webrtclink: no rtt sample yet")
}

// Close tears the peer connection down. Safe to call repeatedly.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closing = true
		s.errMu.Unlock()
		close(s.done)

		s.dc.Close()
		s.pc.Close()

		s.frameMu.Lock()
		s.framesClosed = true
		close(s.frames)
		s.frameMu.Unlock()

		s.log.Infof("webrtc session closed")
	})
	return nil
}

func (s *session) subscribeTelemetry() {
	for _, topic := range []string{go2.TopicSportState, go2.TopicLowState} {
		if err := s.dc.Send(encodeSubscribe(topic)); err != nil {
			s.log.Warnf("subscribe %s failed: %v", topic, err)
		}
	}
}

// handleMessage routes one inbound data-channel frame.
func (s *session) handleMessage(msg webrtc.DataChannelMessage) {
	var env channelMessage
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		s.CountDecodeError()
		s.log.Warnf("dropping unreadable channel frame: %v", err)
		return
	}

	switch env.Topic {
	case go2.TopicSportState:
		s.battMu.Lock()
		batt := s.batt
		s.battMu.Unlock()

		st, err := decodeSportState(env.Data, batt)
		if err != nil {
			s.CountDecodeError()
			s.log.Warnf("dropping sport state: %v", err)
			return
		}
		s.CountFrame()
		s.publish(st)
	case go2.TopicLowState:
		batt, err := decodeLowState(env.Data)
		if err != nil {
			s.CountDecodeError()
			s.log.Warnf("dropping lowstate: %v", err)
			return
		}
		s.battMu.Lock()
		s.batt = batt
		s.battMu.Unlock()
	default:
		s.log.Debugf("ignoring topic %q", env.Topic)
	}
}

func (s *session) publish(st go2.RobotState) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.framesClosed {
		return
	}
	select {
	case s.frames <- st:
	default:
		// Consumer is behind; drop, the next snapshot supersedes.
	}
}

func (s *session) onConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.recordLost(state)
		s.Close()
	case webrtc.PeerConnectionStateDisconnected:
		// ICE may still recover; the supervisor's heartbeat decides.
		s.log.Warnf("peer connection degraded: %s", state)
	default:
		s.log.Debugf("peer connection state: %s", state)
	}
}

func (s *session) recordLost(state webrtc.PeerConnectionState) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closing || s.err != nil {
		return
	}
	s.err = fmt.Errorf("webrtclink: peer connection %s: %w", state, transport.ErrConnectionLost)
}

// drainTrack consumes the video RTP stream so packet flow can back the
// link-quality signal. Frames are never decoded.
func (s *session) drainTrack(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		s.rtpPackets.Add(1)
		s.rtpBytes.Add(uint64(len(pkt.Payload)) + uint64(pkt.Header.MarshalSize()))
	}
}
