package ddslink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pebbe/zmq4"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// session is one dialled middleware link. The request socket is
// lockstep request/reply and guarded by reqMu; the subscribe socket is
// owned exclusively by the receive loop.
type session struct {
	transport.Counters

	id   string
	log  log.Logger
	zctx *zmq4.Context

	reqMu sync.Mutex
	req   *zmq4.Socket

	sub    *zmq4.Socket
	frames chan go2.RobotState

	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	errMu     sync.Mutex
	closing   bool
	err       error
}

var _ transport.Session = (*session)(nil)

func newSession(logger log.Logger, zctx *zmq4.Context, req, sub *zmq4.Socket, opts Options) *session {
	id := uuid.NewString()
	return &session{
		id:     id,
		log:    logger.WithField("session", id[:8]),
		zctx:   zctx,
		req:    req,
		sub:    sub,
		frames: make(chan go2.RobotState, opts.FrameBuffer),
		done:   make(chan struct{}),
	}
}

func (s *session) start() {
	s.wg.Add(1)
	go s.recvLoop()
}

func (s *session) ID() string           { return s.id }
func (s *session) Kind() transport.Kind { return transport.KindDDS }

func (s *session) Frames() <-chan go2.RobotState { return s.frames }

func (s *session) Stats() transport.Stats { return s.Snapshot() }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send encodes the intent as its sport request sequence and runs each
// request through the lockstep socket. The daemon's reply confirms
// delivery, so an EmergencyAbort that returns nil has been
// acknowledged, not just queued. Each round trip is bounded by the
// request timeout.
func (s *session) Send(ctx context.Context, in go2.Intent) error {
	select {
	case <-s.done:
		s.CountSendError()
		return transport.ErrSessionClosed
	default:
	}
	for _, req := range go2.SportSequence(in) {
		if err := ctx.Err(); err != nil {
			s.CountSendError()
			return err
		}
		if err := s.request(req); err != nil {
			s.CountSendError()
			return err
		}
	}
	s.CountSent()
	return nil
}

func (s *session) request(req go2.SportRequest) error {
	raw, err := encodeRequest(req)
	if err != nil {
		return err
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosing() {
		return transport.ErrSessionClosed
	}

	apiID := req.Header.Identity.APIID
	if _, err := s.req.SendBytes(raw, 0); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("ddslink: queue request %d: %w", apiID, transport.ErrSendTimeout)
		}
		return fmt.Errorf("ddslink: send request %d: %w", apiID, err)
	}
	reply, err := s.req.RecvBytes(0)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("ddslink: no reply to request %d: %w", apiID, transport.ErrSendTimeout)
		}
		return fmt.Errorf("ddslink: receive reply: %w", err)
	}
	env, err := decodeReply(reply)
	if err != nil {
		return err
	}
	if env.Type != msgTypeOK {
		return fmt.Errorf("ddslink: unexpected reply type %q to request %d", env.Type, apiID)
	}
	return nil
}

// Ping measures one request/reply round trip against the daemon.
func (s *session) Ping(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	select {
	case <-s.done:
		return 0, transport.ErrSessionClosed
	default:
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if s.isClosing() {
		return 0, transport.ErrSessionClosed
	}
	_, rtt, err := pingSocket(s.req)
	if err != nil {
		if isTimeout(err) {
			return 0, fmt.Errorf("ddslink: ping: %w", transport.ErrSendTimeout)
		}
		return 0, fmt.Errorf("ddslink: ping: %w", err)
	}
	return rtt, nil
}

// Close tears the session down: stops the telemetry loop, closes both
// sockets and terminates the ZeroMQ context. Safe to call more than
// once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markClosing()
		close(s.done)

		s.reqMu.Lock()
		s.req.Close()
		s.reqMu.Unlock()

		// The receive loop notices done within one poll interval and
		// closes its own socket on the way out.
		s.wg.Wait()
		if err := s.zctx.Term(); err != nil {
			s.log.Warnf("zmq context term: %v", err)
		}
		s.log.Infof("middleware session closed")
	})
	return nil
}

func (s *session) markClosing() {
	s.errMu.Lock()
	s.closing = true
	s.errMu.Unlock()
}

func (s *session) isClosing() bool {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.closing
}

// recordLost keeps the first fatal receive error for Err. Nothing is
// recorded once Close has started; a socket dying mid-teardown is not
// a fault.
func (s *session) recordLost(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closing || s.err != nil {
		return
	}
	s.err = fmt.Errorf("ddslink: receive: %v: %w", err, transport.ErrConnectionLost)
	s.log.Warnf("middleware link lost: %v", err)
}

// recvLoop owns the subscribe socket. It polls with a bounded timeout
// so a close request is noticed without a pending message, decodes
// state envelopes and hands good frames to the session channel.
func (s *session) recvLoop() {
	defer s.wg.Done()
	defer close(s.frames)
	defer s.sub.Close()

	poller := zmq4.NewPoller()
	poller.Add(s.sub, zmq4.POLLIN)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		polled, err := poller.Poll(pollInterval)
		if err != nil {
			if s.isClosing() {
				return
			}
			if zmq4.AsErrno(err) == zmq4.ETERM {
				s.recordLost(err)
				return
			}
			s.log.Warnf("telemetry poll: %v", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		parts, err := s.sub.RecvMessageBytes(zmq4.DONTWAIT)
		if err != nil {
			if s.isClosing() {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.recordLost(err)
			return
		}
		s.handleParts(parts)
	}
}

func (s *session) handleParts(parts [][]byte) {
	if len(parts) != 2 {
		s.CountDecodeError()
		s.log.Warnf("telemetry frame with %d parts, want topic and payload", len(parts))
		return
	}
	if topic := string(parts[0]); topic != TopicState {
		s.log.Debugf("ignoring frame on topic %q", topic)
		return
	}

	st, err := decodeState(parts[1])
	if err != nil {
		// Malformed telemetry is recoverable: count it and keep the
		// previous snapshot.
		s.CountDecodeError()
		s.log.Warnf("dropping state frame: %v", err)
		return
	}
	s.CountFrame()
	select {
	case s.frames <- st:
	default:
		// Consumer is behind; drop, the next snapshot supersedes.
	}
}
