// Package supervisor owns the life of the robot link. It dials one
// transport at a time, watches the session's health, reconnects within
// a bounded backoff policy, and pumps telemetry into the shared store.
// At most one session is ever live; switching transports always tears
// the current session down before the next dial.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/telemetry"
	"github.com/quadlink/go2teleop/pkg/transport"
)

var (
	// ErrClosed reports an operation on a supervisor after Close.
	ErrClosed = errors.New("supervisor closed")
	// ErrNotConnected reports a send with no live session.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownKind reports a Connect for a kind with no registered
	// transport.
	ErrUnknownKind = errors.New("unknown transport kind")
)

const (
	defaultMaxAttempts       = 5
	defaultBackoffBase       = time.Second
	defaultBackoffCap        = 16 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultSendTimeout       = time.Second
	defaultAbortTimeout      = 2 * time.Second
	defaultHeartbeatInterval = time.Second
	defaultHeartbeatMisses   = 3
)

// Options tunes the reconnect policy and health checks. The zero value
// selects the defaults.
type Options struct {
	// MaxAttempts bounds the dials per connect or reconnect episode.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt
	// up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration

	// SendTimeout bounds an intent send so a stuck transport cannot
	// stall the control loop. AbortTimeout bounds EmergencyAbort
	// delivery separately.
	SendTimeout  time.Duration
	AbortTimeout time.Duration

	// HeartbeatInterval is the ping cadence on an idle telemetry
	// stream. HeartbeatMisses consecutive failures expire the
	// session.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

func (o Options) fill() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = defaultBackoffCap
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.AbortTimeout <= 0 {
		o.AbortTimeout = defaultAbortTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.HeartbeatMisses <= 0 {
		o.HeartbeatMisses = defaultHeartbeatMisses
	}
	return o
}

// delays returns the pre-attempt backoff schedule: BackoffBase
// doubling per attempt, capped at BackoffCap.
func (o Options) delays() []time.Duration {
	ds := make([]time.Duration, o.MaxAttempts)
	d := o.BackoffBase
	for i := range ds {
		ds[i] = d
		d *= 2
		if d > o.BackoffCap {
			d = o.BackoffCap
		}
	}
	return ds
}

// Transition is one state change, delivered to the OnTransition hook.
type Transition struct {
	From transport.State
	To   transport.State
	Kind transport.Kind

	// Err is the failure behind the change: the loss reason when
	// entering Disconnected, wrapping transport.ErrConnectionLost
	// once reconnection attempts are exhausted. Nil on healthy
	// transitions.
	Err error
}

// Supervisor drives the connection state machine
// Idle -> Connecting -> Live -> Disconnected -> (Connecting | Idle).
type Supervisor struct {
	log   log.Logger
	opts  Options
	store *telemetry.Store

	// opMu serializes connect, reconnect and teardown so at most one
	// session is ever live. It is held across dials; mu never is.
	opMu     sync.Mutex
	watchers sync.WaitGroup
	ops      sync.WaitGroup

	mu            sync.Mutex
	state         transport.State
	drivers       map[transport.Kind]transport.Transport
	kind          transport.Kind
	target        transport.Target
	sess          transport.Session
	gen           uint64
	lastErr       error
	episodeCancel context.CancelFunc
	watchCancel   context.CancelFunc
	sendSeq       uint64
	sendCancel    context.CancelFunc
	onTransition  func(Transition)
	closed        bool
}

// New creates a supervisor over the given transports, keyed by Kind.
// The store receives every decoded telemetry frame.
func New(logger log.Logger, store *telemetry.Store, opts Options, drivers ...transport.Transport) *Supervisor {
	s := &Supervisor{
		log:     logger,
		opts:    opts.fill(),
		store:   store,
		drivers: make(map[transport.Kind]transport.Transport, len(drivers)),
		state:   transport.StateIdle,
	}
	for _, tr := range drivers {
		s.drivers[tr.Kind()] = tr
	}
	return s
}

// OnTransition registers fn for state-change notifications. Set it
// before the first Connect; fn runs on supervisor goroutines and must
// not block.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

// Connect tears down any live session and dials the given kind,
// retrying within the backoff policy. It returns once the session is
// live or the attempts are spent; a concurrent Connect or Close
// preempts it.
func (s *Supervisor) Connect(ctx context.Context, kind transport.Kind, target transport.Target) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tr, ok := s.drivers[kind]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: %w: %q", ErrUnknownKind, kind)
	}
	ectx := s.newEpisodeLocked(ctx)
	s.kind = kind
	s.target = target
	old := s.detachLocked()
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	// A switch never reuses the old wire: the previous session is
	// fully gone before the first dial.
	if old != nil {
		old.Close()
	}
	s.watchers.Wait()

	if err := ectx.Err(); err != nil {
		return err
	}
	s.transition(transport.StateConnecting, nil)

	sess, err := s.dialLoop(ectx, tr, target, true)
	if err != nil {
		if ectx.Err() != nil {
			return err
		}
		s.transition(transport.StateIdle, err)
		return err
	}
	if !s.attach(ectx, sess) {
		if err := ectx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	s.transition(transport.StateLive, nil)
	return nil
}

// Disconnect tears the live session down and parks the supervisor in
// Idle. Connect works again afterwards.
func (s *Supervisor) Disconnect() {
	s.shutdown(false)
}

// Close is Disconnect plus a permanent stop; further operations fail
// with ErrClosed.
func (s *Supervisor) Close() error {
	s.shutdown(true)
	return nil
}

func (s *Supervisor) shutdown(permanent bool) {
	s.mu.Lock()
	if permanent {
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.closed = true
	}
	if s.episodeCancel != nil {
		s.episodeCancel()
		s.episodeCancel = nil
	}
	sess := s.detachLocked()
	s.mu.Unlock()

	s.opMu.Lock()
	if sess != nil {
		sess.Close()
	}
	s.watchers.Wait()
	s.opMu.Unlock()
	s.ops.Wait()

	s.transition(transport.StateIdle, nil)
}

// Send delivers one intent over the live session, bounded by
// SendTimeout. EmergencyAbort takes a priority path: it cancels any
// in-flight send first, and a delivery failure is returned to the
// caller directly, never retried.
func (s *Supervisor) Send(ctx context.Context, in go2.Intent) error {
	if in.IsAbort() {
		return s.sendAbort(ctx, in)
	}

	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	s.sendSeq++
	seq := s.sendSeq
	s.sendCancel = cancel
	s.mu.Unlock()

	err := sess.Send(sctx, in)
	cancel()

	s.mu.Lock()
	if s.sendSeq == seq {
		s.sendCancel = nil
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("supervisor: send %s: %w", in.Kind, transport.ErrSendTimeout)
		}
		return fmt.Errorf("supervisor: send %s: %w", in.Kind, err)
	}
	return nil
}

func (s *Supervisor) sendAbort(ctx context.Context, in go2.Intent) error {
	s.mu.Lock()
	if s.sendCancel != nil {
		// Preempt whatever is on the wire; the abort goes next.
		s.sendCancel()
		s.sendCancel = nil
	}
	sess := s.sess
	s.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("supervisor: abort: %w", ErrNotConnected)
	}
	actx, cancel := context.WithTimeout(ctx, s.opts.AbortTimeout)
	defer cancel()
	if err := sess.Send(actx, in); err != nil {
		return fmt.Errorf("supervisor: abort delivery failed: %w", err)
	}
	return nil
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Kind reports the transport kind of the current or last episode.
func (s *Supervisor) Kind() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// LastError reports the most recent failure, nil when none occurred.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats snapshots the live session's counters. ok is false when no
// session is live.
func (s *Supervisor) Stats() (st transport.Stats, ok bool) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return transport.Stats{}, false
	}
	return sess.Stats(), true
}
