package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quadlink/go2teleop/pkg/transport"
)

// newEpisodeLocked claims the connect/reconnect slot: it cancels the
// previous episode so any in-flight dial or backoff wakes up and
// yields. Callers hold s.mu.
func (s *Supervisor) newEpisodeLocked(parent context.Context) context.Context {
	if s.episodeCancel != nil {
		s.episodeCancel()
	}
	ctx, cancel := context.WithCancel(parent)
	s.episodeCancel = cancel
	return ctx
}

// detachLocked removes the current session and invalidates its
// watchers. The caller closes the returned session after releasing
// s.mu.
func (s *Supervisor) detachLocked() transport.Session {
	s.gen++
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	if s.sendCancel != nil {
		s.sendCancel()
		s.sendCancel = nil
	}
	sess := s.sess
	s.sess = nil
	return sess
}

// attach installs a freshly dialed session and starts its watchers.
// It refuses, closing the session, when the episode was superseded or
// the supervisor closed while the dial was in flight.
func (s *Supervisor) attach(ectx context.Context, sess transport.Session) bool {
	s.mu.Lock()
	if s.closed || ectx.Err() != nil {
		s.mu.Unlock()
		sess.Close()
		return false
	}
	s.sess = sess
	s.lastErr = nil
	gen := s.gen
	wctx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.mu.Unlock()

	s.watchers.Add(2)
	go s.pumpFrames(sess, gen)
	go s.heartbeat(wctx, sess, gen)
	return true
}

// dialLoop runs bounded dial attempts with doubling pre-attempt
// delays. With immediate set the first attempt skips its delay, which
// is how an operator-initiated Connect behaves; a reconnect after a
// loss waits out the full schedule.
func (s *Supervisor) dialLoop(ctx context.Context, tr transport.Transport, target transport.Target, immediate bool) (transport.Session, error) {
	schedule := s.opts.delays()
	var last error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		var wait time.Duration
		if immediate {
			if attempt > 1 {
				wait = schedule[attempt-2]
			}
		} else {
			wait = schedule[attempt-1]
		}
		if wait > 0 {
			s.log.Infof("retrying %s in %s (attempt %d/%d)", tr.Kind(), wait, attempt, s.opts.MaxAttempts)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		dctx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		sess, err := tr.Dial(dctx, target)
		cancel()
		if err == nil {
			return sess, nil
		}
		last = err
		if errors.Is(err, transport.ErrVersionMismatch) {
			// Incompatible firmware does not heal on retry.
			return nil, err
		}
		s.log.Warnf("dial %s failed (attempt %d/%d): %v", tr.Kind(), attempt, s.opts.MaxAttempts, err)
	}
	return nil, fmt.Errorf("supervisor: %d connect attempts failed: %w", s.opts.MaxAttempts, last)
}

// lost handles the death of session generation gen. Stale generations,
// already torn down by a switch or Close, are ignored; the first
// caller for the current generation claims the loss and starts the
// reconnect episode.
func (s *Supervisor) lost(gen uint64, cause error) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	sess := s.detachLocked()
	tr := s.drivers[s.kind]
	target := s.target
	ectx := s.newEpisodeLocked(context.Background())
	// Registered under the lock so a concurrent Close cannot pass its
	// ops.Wait before this episode is accounted for.
	s.ops.Add(1)
	s.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	s.transition(transport.StateDisconnected, cause)

	go s.redial(ectx, tr, target)
}

// redial runs the reconnect episode after a loss. On success the
// supervisor is Live again; when the attempts are spent it surfaces a
// single terminal ConnectionLost and stays Disconnected.
func (s *Supervisor) redial(ctx context.Context, tr transport.Transport, target transport.Target) {
	defer s.ops.Done()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	s.watchers.Wait()

	s.transition(transport.StateConnecting, nil)
	sess, err := s.dialLoop(ctx, tr, target, false)
	if err != nil {
		if ctx.Err() != nil {
			// Superseded by a newer Connect or a Close.
			return
		}
		s.transition(transport.StateDisconnected,
			fmt.Errorf("supervisor: reconnect failed: %v: %w", err, transport.ErrConnectionLost))
		return
	}
	if !s.attach(ctx, sess) {
		return
	}
	s.transition(transport.StateLive, nil)
}

// pumpFrames is the single writer into the telemetry store. It stamps
// each snapshot with a link quality derived from the stream's own
// inter-arrival baseline and forwards decode-error deltas. When the
// frame channel closes the session is dead and the loss is reported.
func (s *Supervisor) pumpFrames(sess transport.Session, gen uint64) {
	defer s.watchers.Done()

	var (
		prev       time.Time
		ewmaGap    time.Duration
		seenDecode uint64
	)
	for st := range sess.Frames() {
		now := time.Now()
		st.LinkQuality = 1
		if !prev.IsZero() {
			gap := now.Sub(prev)
			if gap <= 0 {
				gap = time.Nanosecond
			}
			if ewmaGap == 0 {
				ewmaGap = gap
			} else {
				if gap > ewmaGap {
					st.LinkQuality = float64(ewmaGap) / float64(gap)
				}
				ewmaGap = ewmaGap - ewmaGap/5 + gap/5
			}
		}
		prev = now

		s.store.Apply(st)
		if d := sess.Stats().DecodeErrors; d > seenDecode {
			s.store.NoteDecodeErrors(d - seenDecode)
			seenDecode = d
		}
	}
	if d := sess.Stats().DecodeErrors; d > seenDecode {
		s.store.NoteDecodeErrors(d - seenDecode)
	}

	cause := sess.Err()
	if cause == nil {
		// The channel closed without a recorded error; after a clean
		// Close the generation is already stale and this is a no-op.
		cause = errors.New("supervisor: telemetry stream ended")
	}
	s.lost(gen, cause)
}

// heartbeat expires a session whose link went quiet. Frames arriving
// within the interval count as proof of life; only an idle stream is
// pinged.
func (s *Supervisor) heartbeat(ctx context.Context, sess transport.Session, gen uint64) {
	defer s.watchers.Done()

	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if at := sess.Stats().LastFrameAt; !at.IsZero() && time.Since(at) < s.opts.HeartbeatInterval {
			misses = 0
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, s.opts.HeartbeatInterval)
		_, err := sess.Ping(pctx)
		cancel()
		if err == nil {
			misses = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		misses++
		s.log.Warnf("heartbeat miss %d/%d: %v", misses, s.opts.HeartbeatMisses, err)
		if misses >= s.opts.HeartbeatMisses {
			s.lost(gen, fmt.Errorf("supervisor: %d heartbeats missed: %w", misses, err))
			return
		}
	}
}

// transition moves the state machine and notifies the hook. Callers
// never hold s.mu.
func (s *Supervisor) transition(to transport.State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to && cause == nil {
		s.mu.Unlock()
		return
	}
	s.state = to
	if cause != nil {
		s.lastErr = cause
	}
	kind := s.kind
	fn := s.onTransition
	s.mu.Unlock()

	if cause != nil {
		s.log.Warnf("%s: %s -> %s: %v", kind, from, to, cause)
	} else {
		s.log.Infof("%s: %s -> %s", kind, from, to)
	}
	if fn != nil {
		fn(Transition{From: from, To: to, Kind: kind, Err: cause})
	}
}
