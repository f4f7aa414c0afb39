// Package wsbridge implements the session contract over the companion
// bridge's WebSocket protocol. The bridge runs on the robot's companion
// computer and fronts the middleware, so this driver works from any
// machine that can reach the companion, at the cost of one extra hop.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/protocol"
	"github.com/quadlink/go2teleop/pkg/transport"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = time.Second
	defaultFrameBuffer      = 64

	pongWait   = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024
)

// Options tune the driver. Zero values select the defaults above.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	FrameBuffer      int
}

func (o *Options) fill() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = defaultFrameBuffer
	}
}

// Transport dials bridge sessions.
type Transport struct {
	opts Options
	log  log.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates the bridge transport.
func New(logger log.Logger, opts Options) *Transport {
	opts.fill()
	return &Transport{opts: opts, log: logger}
}

// Kind reports transport.KindBridge.
func (t *Transport) Kind() transport.Kind { return transport.KindBridge }

// Dial connects to the bridge at target.BridgeURL, waits for its
// greeting, and verifies protocol compatibility before handing the
// session out.
func (t *Transport) Dial(ctx context.Context, target transport.Target) (transport.Session, error) {
	if target.BridgeURL == "" {
		return nil, fmt.Errorf("wsbridge: %w: no bridge url", transport.ErrUnreachable)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target.BridgeURL, nil)
	if err != nil {
		return nil, classifyDialError(target.BridgeURL, err)
	}

	// The bridge speaks first. No greeting within the handshake
	// window means we are talking to the wrong thing.
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.opts.HandshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbridge: awaiting greeting from %s: %w", target.BridgeURL, transport.ErrHandshakeTimeout)
	}
	greeting, err := protocol.DecodeConnected(raw)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbridge: bad greeting: %v: %w", err, transport.ErrHandshakeTimeout)
	}
	if err := protocol.CheckVersion(greeting.Version); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wsbridge: %v: %w", err, transport.ErrVersionMismatch)
	}

	s := newSession(conn, t.log, t.opts)
	if greeting.SimulationMode {
		s.log.Warnf("bridge is in simulation mode, commands will not reach hardware")
	}
	s.log.Infof("bridge session up url=%s version=%s", target.BridgeURL, greeting.Version)
	s.start()
	return s, nil
}

func classifyDialError(url string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("wsbridge: dial %s: %w", url, transport.ErrHandshakeTimeout)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("wsbridge: dial %s: %w", url, transport.ErrHandshakeTimeout)
	}
	return fmt.Errorf("wsbridge: dial %s: %v: %w", url, err, transport.ErrUnreachable)
}

