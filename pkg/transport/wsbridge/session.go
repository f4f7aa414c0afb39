package wsbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/protocol"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// urgentWrite is an abort frame plus the channel its write result is
// acknowledged on, so the caller learns synchronously whether the halt
// reached the wire.
type urgentWrite struct {
	frame []byte
	ack   chan error
}

// session is one live bridge connection. The read pump is the only
// reader of conn, the write pump the only writer; everything else
// talks to the pumps over channels.
type session struct {
	transport.Counters

	id   string
	conn *websocket.Conn
	log  log.Logger

	frames chan go2.RobotState
	out    chan []byte
	urgent chan urgentWrite
	done   chan struct{}
	pong   chan struct{}

	pingMu sync.Mutex

	closeOnce sync.Once
	errMu     sync.Mutex
	closing   bool
	err       error

	writeTimeout time.Duration
}

var _ transport.Session = (*session)(nil)

func newSession(conn *websocket.Conn, logger log.Logger, opts Options) *session {
	id := uuid.NewString()
	return &session{
		id:           id,
		conn:         conn,
		log:          logger.WithField("session", id[:8]),
		frames:       make(chan go2.RobotState, opts.FrameBuffer),
		out:          make(chan []byte, 16),
		urgent:       make(chan urgentWrite, 1),
		done:         make(chan struct{}),
		pong:         make(chan struct{}, 1),
		writeTimeout: opts.WriteTimeout,
	}
}

func (s *session) start() {
	go s.writePump()
	go s.readPump()
}

func (s *session) ID() string           { return s.id }
func (s *session) Kind() transport.Kind { return transport.KindBridge }

func (s *session) Frames() <-chan go2.RobotState { return s.frames }

func (s *session) Stats() transport.Stats { return s.Snapshot() }

func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Send delivers one intent. Regular intents are queued for the write
// pump and bounded by the write timeout. Aborts ride a dedicated lane
// the pump drains first and block until the frame hit the wire, so a
// failed halt is reported to the caller instead of sitting in a queue.
func (s *session) Send(ctx context.Context, in go2.Intent) error {
	frame := protocol.EncodeIntent(in)
	if in.IsAbort() {
		return s.sendUrgent(ctx, frame)
	}

	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		s.CountSendError()
		return fmt.Errorf("wsbridge: %w", transport.ErrSessionClosed)
	case <-ctx.Done():
		s.CountSendError()
		return fmt.Errorf("wsbridge: send: %w", ctx.Err())
	case <-timer.C:
		s.CountSendError()
		return fmt.Errorf("wsbridge: %w", transport.ErrSendTimeout)
	}
}

func (s *session) sendUrgent(ctx context.Context, frame []byte) error {
	req := urgentWrite{frame: frame, ack: make(chan error, 1)}

	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	select {
	case s.urgent <- req:
	case <-s.done:
		s.CountSendError()
		return fmt.Errorf("wsbridge: abort: %w", transport.ErrSessionClosed)
	case <-ctx.Done():
		s.CountSendError()
		return fmt.Errorf("wsbridge: abort: %w", ctx.Err())
	case <-timer.C:
		s.CountSendError()
		return fmt.Errorf("wsbridge: abort: %w", transport.ErrSendTimeout)
	}

	ackTimer := time.NewTimer(s.writeTimeout)
	defer ackTimer.Stop()

	select {
	case err := <-req.ack:
		if err != nil {
			return fmt.Errorf("wsbridge: abort write failed: %v: %w", err, transport.ErrSessionClosed)
		}
		return nil
	case <-s.done:
		s.CountSendError()
		return fmt.Errorf("wsbridge: abort: %w", transport.ErrSessionClosed)
	case <-ackTimer.C:
		s.CountSendError()
		return fmt.Errorf("wsbridge: abort: %w", transport.ErrSendTimeout)
	}
}

// Ping measures protocol-level round-trip time. One probe in flight at
// a time; the read pump signals the matching pong.
func (s *session) Ping(ctx context.Context) (time.Duration, error) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	// Drain a stale pong left over from a timed-out probe.
	select {
	case <-s.pong:
	default:
	}

	start := time.Now()
	select {
	case s.out <- protocol.EncodeBare(protocol.TypePing):
	case <-s.done:
		return 0, fmt.Errorf("wsbridge: %w", transport.ErrSessionClosed)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case <-s.pong:
		return time.Since(start), nil
	case <-s.done:
		return 0, fmt.Errorf("wsbridge: %w", transport.ErrSessionClosed)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close shuts the session down. Safe to call more than once and from
// any goroutine.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closing = true
		s.errMu.Unlock()
		close(s.done)

		// WriteControl is safe alongside the write pump.
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.writeTimeout))
		s.conn.Close()
		s.log.Infof("bridge session closed")
	})
	return nil
}

// readPump owns all reads. It decodes state frames into the frames
// channel and closes it when the connection dies.
func (s *session) readPump() {
	defer func() {
		s.Close()
		close(s.frames)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.recordReadError(err)
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(raw)
	}
}

func (s *session) handleFrame(raw []byte) {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		s.CountDecodeError()
		s.log.Warnf("dropping unreadable frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeState:
		st, err := protocol.DecodeState(env.Data)
		if err != nil {
			// Malformed telemetry is recoverable: count it and keep
			// the previous snapshot.
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
	case protocol.TypePong:
		select {
		case s.pong <- struct{}{}:
		default:
		}
	case protocol.TypeConnected:
		// Repeated greeting after a bridge-side restart.
	default:
		s.log.Debugf("ignoring frame type %q", env.Type)
	}
}

func (s *session) recordReadError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.closing {
		return // deliberate shutdown, not a fault
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.err = fmt.Errorf("wsbridge: read: %v: %w", err, transport.ErrConnectionLost)
	} else {
		s.err = fmt.Errorf("wsbridge: %w", transport.ErrConnectionLost)
	}
}

// writePump owns all writes: urgent frames first, then queued frames
// and keepalive pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		// Urgent lane wins over anything already queued.
		select {
		case req := <-s.urgent:
			if !s.writeUrgent(req) {
				return
			}
			continue
		default:
		}

		select {
		case req := <-s.urgent:
			if !s.writeUrgent(req) {
				return
			}
		case frame := <-s.out:
			if !s.write(frame) {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(frame []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.CountSendError()
		return false
	}
	s.CountSent()
	return true
}

func (s *session) writeUrgent(req urgentWrite) bool {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	err := s.conn.WriteMessage(websocket.TextMessage, req.frame)
	req.ack <- err
	if err != nil {
		s.CountSendError()
		return false
	}
	s.CountSent()
	return true
}
