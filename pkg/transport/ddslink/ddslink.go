// Package ddslink implements the session contract against the
// middleware daemon that fronts the robot's native data plane.
// Commands travel as lockstep request/reply on a ZeroMQ REQ socket and
// telemetry arrives on a SUB socket, so this driver needs direct
// reachability to the robot's LAN but skips both the bridge hop and
// the WebRTC handshake.
package ddslink

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/protocol"
	"github.com/quadlink/go2teleop/pkg/transport"
)

const (
	defaultCommandPort      = 5555
	defaultStatePort        = 5556
	defaultHandshakeTimeout = 5 * time.Second
	defaultRequestTimeout   = time.Second
	defaultFrameBuffer      = 64

	pollInterval = 500 * time.Millisecond
)

// Options tune the driver. Zero values select the defaults above.
type Options struct {
	CommandPort      int
	StatePort        int
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	FrameBuffer      int
}

func (o *Options) fill() {
	if o.CommandPort <= 0 {
		o.CommandPort = defaultCommandPort
	}
	if o.StatePort <= 0 {
		o.StatePort = defaultStatePort
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = defaultFrameBuffer
	}
}

// Transport dials middleware sessions.
type Transport struct {
	opts Options
	log  log.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New creates the middleware transport.
func New(logger log.Logger, opts Options) *Transport {
	opts.fill()
	return &Transport{opts: opts, log: logger}
}

// Kind reports transport.KindDDS.
func (t *Transport) Kind() transport.Kind { return transport.KindDDS }

// Dial connects both middleware sockets, verifies the daemon answers
// pings with a compatible protocol version, and starts the telemetry
// loop. ZeroMQ connects lazily, so the ping doubles as the
// reachability probe: a dead endpoint shows up as a missing reply, not
// a refused connection.
func (t *Transport) Dial(ctx context.Context, target transport.Target) (transport.Session, error) {
	if target.RobotIP == "" {
		return nil, fmt.Errorf("ddslink: target robot ip is empty: %w", transport.ErrUnreachable)
	}
	cmdAddr := fmt.Sprintf("tcp://%s:%d", target.RobotIP, t.opts.CommandPort)
	stateAddr := fmt.Sprintf("tcp://%s:%d", target.RobotIP, t.opts.StatePort)

	hsTimeout := t.opts.HandshakeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < hsTimeout {
			hsTimeout = rem
		}
	}
	if hsTimeout <= 0 {
		return nil, ctx.Err()
	}

	zctx, err := zmq4.NewContext()
	if err != nil {
		return nil, fmt.Errorf("ddslink: zmq context: %w", err)
	}

	var req, sub *zmq4.Socket
	dialed := false
	defer func() {
		if dialed {
			return
		}
		if req != nil {
			req.Close()
		}
		if sub != nil {
			sub.Close()
		}
		zctx.Term()
	}()

	req, err = zctx.NewSocket(zmq4.REQ)
	if err != nil {
		return nil, fmt.Errorf("ddslink: request socket: %w", err)
	}
	if err := configureReq(req, hsTimeout, t.opts.RequestTimeout); err != nil {
		return nil, err
	}
	if err := req.Connect(cmdAddr); err != nil {
		return nil, fmt.Errorf("ddslink: connect %s: %w", cmdAddr, err)
	}

	version, _, err := pingSocket(req)
	if err != nil {
		return nil, classifyHandshakeError(cmdAddr, err)
	}
	if err := protocol.CheckVersion(version); err != nil {
		return nil, fmt.Errorf("ddslink: middleware at %s: %v: %w", cmdAddr, err, transport.ErrVersionMismatch)
	}
	// Handshake done; later requests get the tighter per-command bound.
	if err := req.SetRcvtimeo(t.opts.RequestTimeout); err != nil {
		return nil, fmt.Errorf("ddslink: set recv timeout: %w", err)
	}

	sub, err = zctx.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, fmt.Errorf("ddslink: state socket: %w", err)
	}
	if err := sub.SetLinger(0); err != nil {
		return nil, fmt.Errorf("ddslink: set linger: %w", err)
	}
	if err := sub.SetSubscribe(TopicPrefix); err != nil {
		return nil, fmt.Errorf("ddslink: subscribe %q: %w", TopicPrefix, err)
	}
	if err := sub.Connect(stateAddr); err != nil {
		return nil, fmt.Errorf("ddslink: connect %s: %w", stateAddr, err)
	}

	s := newSession(t.log, zctx, req, sub, t.opts)
	s.log.Infof("middleware session up: %s (middleware %s)", target.RobotIP, version)
	dialed = true
	s.start()
	return s, nil
}

func configureReq(soc *zmq4.Socket, rcv, snd time.Duration) error {
	if err := soc.SetLinger(0); err != nil {
		return fmt.Errorf("ddslink: set linger: %w", err)
	}
	// Relaxed+correlate lets the socket abandon a request whose reply
	// never came and issue the next one instead of jamming in EFSM.
	if err := soc.SetReqRelaxed(1); err != nil {
		return fmt.Errorf("ddslink: set req relaxed: %w", err)
	}
	if err := soc.SetReqCorrelate(1); err != nil {
		return fmt.Errorf("ddslink: set req correlate: %w", err)
	}
	if err := soc.SetSndtimeo(snd); err != nil {
		return fmt.Errorf("ddslink: set send timeout: %w", err)
	}
	if err := soc.SetRcvtimeo(rcv); err != nil {
		return fmt.Errorf("ddslink: set recv timeout: %w", err)
	}
	return nil
}

// pingSocket runs one ping round trip on the request socket. The
// caller must hold the socket.
func pingSocket(soc *zmq4.Socket) (version string, rtt time.Duration, err error) {
	raw, err := encodePing()
	if err != nil {
		return "", 0, err
	}
	start := time.Now()
	if _, err := soc.SendBytes(raw, 0); err != nil {
		return "", 0, err
	}
	reply, err := soc.RecvBytes(0)
	if err != nil {
		return "", 0, err
	}
	env, err := decodeReply(reply)
	if err != nil {
		return "", 0, err
	}
	version, err = decodePong(env)
	if err != nil {
		return "", 0, err
	}
	return version, time.Since(start), nil
}

func classifyHandshakeError(addr string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("ddslink: no ping reply from %s: %w", addr, transport.ErrHandshakeTimeout)
	}
	return fmt.Errorf("ddslink: handshake with %s: %v: %w", addr, err, transport.ErrUnreachable)
}

// isTimeout reports whether a socket call hit its rcvtimeo or sndtimeo
// bound. ZeroMQ surfaces that as EAGAIN.
func isTimeout(err error) bool {
	return err != nil && zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN)
}
