package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
	"github.com/quadlink/go2teleop/pkg/telemetry"
	"github.com/quadlink/go2teleop/pkg/transport"
)

// fakeSession is a scriptable transport.Session.
type fakeSession struct {
	transport.Counters
	id     string
	kind   transport.Kind
	frames chan go2.RobotState

	mu       sync.Mutex
	err      error
	closed   bool
	closedAt time.Time
	sendFn   func(ctx context.Context, in go2.Intent) error
	sent     []go2.Intent
	pingErr  error
	pings    int
}

func newFakeSession(kind transport.Kind, n int) *fakeSession {
	return &fakeSession{
		id:     fmt.Sprintf("fake-%d", n),
		kind:   kind,
		frames: make(chan go2.RobotState, 32),
	}
}

func (f *fakeSession) ID() string                    { return f.id }
func (f *fakeSession) Kind() transport.Kind          { return f.kind }
func (f *fakeSession) Frames() <-chan go2.RobotState { return f.frames }
func (f *fakeSession) Stats() transport.Stats        { return f.Snapshot() }

func (f *fakeSession) Send(ctx context.Context, in go2.Intent) error {
	f.mu.Lock()
	f.sent = append(f.sent, in)
	fn := f.sendFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return nil
}

func (f *fakeSession) Ping(ctx context.Context) (time.Duration, error) {
	f.mu.Lock()
	f.pings++
	err := f.pingErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return time.Millisecond, nil
}

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closedAt = time.Now()
	close(f.frames)
	return nil
}

// fail simulates a mid-session loss: the frame channel closes with the
// given error recorded.
func (f *fakeSession) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.err = err
	f.closed = true
	f.closedAt = time.Now()
	close(f.frames)
}

func (f *fakeSession) feed(st go2.RobotState) {
	f.CountFrame()
	f.frames <- st
}

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) sentIntents() []go2.Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]go2.Intent, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSession) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// fakeTransport hands out fakeSessions and records every dial.
type fakeTransport struct {
	kind transport.Kind

	mu       sync.Mutex
	dials    int
	dialErr  error
	dialFunc func(attempt int) (transport.Session, error)
	sessions []*fakeSession
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Dial(ctx context.Context, target transport.Target) (transport.Session, error) {
	f.mu.Lock()
	f.dials++
	n := f.dials
	fn := f.dialFunc
	errStatic := f.dialErr
	f.mu.Unlock()

	if fn != nil {
		return fn(n)
	}
	if errStatic != nil {
		return nil, errStatic
	}
	sess := newFakeSession(f.kind, n)
	f.mu.Lock()
	f.sessions = append(f.sessions, sess)
	f.mu.Unlock()
	return sess, nil
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeTransport) setDialErr(err error) {
	f.mu.Lock()
	f.dialErr = err
	f.mu.Unlock()
}

// recorder collects transitions for assertions.
type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) record(tr Transition) {
	r.mu.Lock()
	r.trs = append(r.trs, tr)
	r.mu.Unlock()
}

func (r *recorder) all() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.trs))
	copy(out, r.trs)
	return out
}

func (r *recorder) lostEvents() int {
	n := 0
	for _, tr := range r.all() {
		if tr.Err != nil && errors.Is(tr.Err, transport.ErrConnectionLost) {
			n++
		}
	}
	return n
}

func fastOpts() Options {
	return Options{
		MaxAttempts:       5,
		BackoffBase:       time.Millisecond,
		BackoffCap:        8 * time.Millisecond,
		DialTimeout:       time.Second,
		SendTimeout:       time.Second,
		AbortTimeout:      time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		HeartbeatMisses:   3,
	}
}

func newSup(t *testing.T, opts Options, drivers ...transport.Transport) (*Supervisor, *telemetry.Store) {
	t.Helper()
	store := telemetry.NewStore()
	s := New(log.Nop{}, store, opts, drivers...)
	t.Cleanup(func() { s.Close() })
	return s, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReconnectDelaySchedule(t *testing.T) {
	got := Options{}.fill().delays()
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	if len(got) != len(want) {
		t.Fatalf("schedule length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	capped := Options{MaxAttempts: 5, BackoffBase: time.Second, BackoffCap: 4 * time.Second}.fill().delays()
	wantCapped := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}
	for i := range wantCapped {
		if capped[i] != wantCapped[i] {
			t.Errorf("capped delay[%d] = %s, want %s", i, capped[i], wantCapped[i])
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	sup, _ := newSup(t, fastOpts(), ft)
	var rec recorder
	sup.OnTransition(rec.record)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := sup.State(); got != transport.StateLive {
		t.Fatalf("state = %s, want live", got)
	}
	if got := sup.Kind(); got != transport.KindBridge {
		t.Errorf("kind = %s, want bridge", got)
	}
	if _, ok := sup.Stats(); !ok {
		t.Error("no session stats while live")
	}

	trs := rec.all()
	if len(trs) != 2 || trs[0].To != transport.StateConnecting || trs[1].To != transport.StateLive {
		t.Errorf("transitions = %+v, want connecting then live", trs)
	}

	sup.Disconnect()
	if got := sup.State(); got != transport.StateIdle {
		t.Errorf("state after Disconnect = %s, want idle", got)
	}
	if !ft.session(0).isClosed() {
		t.Error("session left open after Disconnect")
	}
	if rec.lostEvents() != 0 {
		t.Error("clean disconnect surfaced a connection-lost event")
	}
}

func TestConnectUnknownKind(t *testing.T) {
	sup, _ := newSup(t, fastOpts())
	err := sup.Connect(context.Background(), transport.KindDDS, transport.Target{})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestVersionMismatchFailsFast(t *testing.T) {
	ft := &fakeTransport{
		kind:    transport.KindWebRTC,
		dialErr: fmt.Errorf("handshake: %w", transport.ErrVersionMismatch),
	}
	sup, _ := newSup(t, fastOpts(), ft)

	err := sup.Connect(context.Background(), transport.KindWebRTC, transport.Target{})
	if !errors.Is(err, transport.ErrVersionMismatch) {
		t.Fatalf("err = %v, want ErrVersionMismatch", err)
	}
	if got := ft.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1: a version mismatch is not retryable", got)
	}
	if got := sup.State(); got != transport.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestConnectRetriesThenGivesUp(t *testing.T) {
	ft := &fakeTransport{
		kind:    transport.KindBridge,
		dialErr: fmt.Errorf("dial: %w", transport.ErrUnreachable),
	}
	sup, _ := newSup(t, fastOpts(), ft)

	err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{})
	if !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable in the chain", err)
	}
	if errors.Is(err, transport.ErrConnectionLost) {
		t.Error("initial connect failure reported as connection lost")
	}
	if got := ft.dialCount(); got != 5 {
		t.Errorf("dials = %d, want 5", got)
	}
	if got := sup.State(); got != transport.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestTeardownBeforeSwitch(t *testing.T) {
	bridge := &fakeTransport{kind: transport.KindBridge}
	dds := &fakeTransport{kind: transport.KindDDS}
	var openAtDial bool
	dds.dialFunc = func(n int) (transport.Session, error) {
		openAtDial = !bridge.session(0).isClosed()
		sess := newFakeSession(transport.KindDDS, n)
		dds.mu.Lock()
		dds.sessions = append(dds.sessions, sess)
		dds.mu.Unlock()
		return sess, nil
	}
	sup, _ := newSup(t, fastOpts(), bridge, dds)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect bridge: %v", err)
	}
	if err := sup.Connect(context.Background(), transport.KindDDS, transport.Target{}); err != nil {
		t.Fatalf("Connect dds: %v", err)
	}

	if openAtDial {
		t.Error("old session still open when the next transport dialed")
	}
	if got := sup.Kind(); got != transport.KindDDS {
		t.Errorf("kind = %s, want dds", got)
	}
	if got := sup.State(); got != transport.StateLive {
		t.Errorf("state = %s, want live", got)
	}
}

func TestAutoReconnectAfterLoss(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	sup, _ := newSup(t, fastOpts(), ft)
	var rec recorder
	sup.OnTransition(rec.record)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ft.session(0).fail(errors.New("wire cut"))

	waitFor(t, 2*time.Second, func() bool {
		return ft.dialCount() == 2 && sup.State() == transport.StateLive
	})

	var sawLoss bool
	for _, tr := range rec.all() {
		if tr.To == transport.StateDisconnected && tr.Err != nil &&
			strings.Contains(tr.Err.Error(), "wire cut") {
			sawLoss = true
		}
	}
	if !sawLoss {
		t.Error("loss cause never surfaced in a disconnected transition")
	}
	if rec.lostEvents() != 0 {
		t.Error("successful reconnect still surfaced connection lost")
	}
}

func TestConnectionLostExactlyOnce(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	sup, _ := newSup(t, fastOpts(), ft)
	var rec recorder
	sup.OnTransition(rec.record)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft.setDialErr(fmt.Errorf("dial: %w", transport.ErrUnreachable))
	ft.session(0).fail(errors.New("wire cut"))

	waitFor(t, 2*time.Second, func() bool {
		return rec.lostEvents() == 1 && sup.State() == transport.StateDisconnected
	})
	if got := ft.dialCount(); got != 1+5 {
		t.Errorf("dials = %d, want 6 (connect + 5 reconnect attempts)", got)
	}

	// Let any stray retry surface before asserting once-ness.
	time.Sleep(50 * time.Millisecond)
	if got := rec.lostEvents(); got != 1 {
		t.Errorf("connection lost surfaced %d times, want exactly 1", got)
	}
	if !errors.Is(sup.LastError(), transport.ErrConnectionLost) {
		t.Errorf("LastError = %v, want ErrConnectionLost", sup.LastError())
	}
}

func TestOperatorConnectPreemptsReconnect(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	opts := fastOpts()
	opts.BackoffBase = 30 * time.Millisecond
	opts.BackoffCap = 30 * time.Millisecond
	sup, _ := newSup(t, opts, ft)
	var rec recorder
	sup.OnTransition(rec.record)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ft.setDialErr(fmt.Errorf("dial: %w", transport.ErrUnreachable))
	ft.session(0).fail(errors.New("wire cut"))

	// Give the reconnect episode time to start failing, then let the
	// operator take over with a working endpoint.
	waitFor(t, time.Second, func() bool { return ft.dialCount() >= 2 })
	ft.setDialErr(nil)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("operator Connect during reconnect: %v", err)
	}
	if got := sup.State(); got != transport.StateLive {
		t.Errorf("state = %s, want live", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := rec.lostEvents(); got != 0 {
		t.Errorf("preempted reconnect still surfaced connection lost %d times", got)
	}
	if got := sup.State(); got != transport.StateLive {
		t.Errorf("state = %s, want live after preemption settled", got)
	}
}

func TestSendTimeoutBounded(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	opts := fastOpts()
	opts.SendTimeout = 30 * time.Millisecond
	sup, _ := newSup(t, opts, ft)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := ft.session(0)
	sess.mu.Lock()
	sess.sendFn = func(ctx context.Context, in go2.Intent) error {
		<-ctx.Done()
		return ctx.Err()
	}
	sess.mu.Unlock()

	start := time.Now()
	err := sup.Send(context.Background(), go2.Move(0.1, 0, 0))
	if !errors.Is(err, transport.ErrSendTimeout) {
		t.Fatalf("err = %v, want ErrSendTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send blocked %s, want bounded by the 30ms timeout", elapsed)
	}
}

func TestAbortPreemptsInFlightSend(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	opts := fastOpts()
	opts.SendTimeout = 5 * time.Second // only the abort can release the move
	sup, _ := newSup(t, opts, ft)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := ft.session(0)
	moveStarted := make(chan struct{})
	sess.mu.Lock()
	sess.sendFn = func(ctx context.Context, in go2.Intent) error {
		if in.IsAbort() {
			return nil
		}
		close(moveStarted)
		<-ctx.Done()
		return ctx.Err()
	}
	sess.mu.Unlock()

	moveErr := make(chan error, 1)
	go func() {
		moveErr <- sup.Send(context.Background(), go2.Move(0.5, 0, 0))
	}()

	<-moveStarted
	if err := sup.Send(context.Background(), go2.EmergencyAbort()); err != nil {
		t.Fatalf("abort: %v", err)
	}

	select {
	case err := <-moveErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("preempted move err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort did not release the in-flight move")
	}
}

func TestAbortFailureIsSynchronous(t *testing.T) {
	ft := &fakeTransport{kind: transport.KindBridge}
	sup, _ := newSup(t, fastOpts(), ft)

	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := ft.session(0)
	sess.mu.Lock()
	sess.sendFn = func(ctx context.Context, in go2.Intent) error {
		return errors.New("wire jam")
	}
	sess.mu.Unlock()

	err := sup.Send(context.Background(), go2.EmergencyAbort())
	if err == nil || !strings.Contains(err.Error(), "abort delivery failed") {
		t.Fatalf("err = %v, want abort delivery failure", err)
	}
	if got := len(sess.sentIntents()); got != 1 {
		t.Errorf("send attempts = %d, want 1: a failed abort is never retried", got)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	sup, _ := newSup(t, fastOpts())

	if err := sup.Send(context.Background(), go2.Move(0.1, 0, 0)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("move err = %v, want ErrNotConnected", err)
	}
	if err := sup.Send(context.Background(), go2.EmergencyAbort()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("abort err = %v, want ErrNotConnected", err)
	}
}

func TestConnectAfterClose(t *testing.T) {
	sup, _ := newSup(t, fastOpts(), &fakeTransport{kind: transport.KindBridge})
	if err := sup.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sup.Connect(context.Background(), transport.KindBridge, transport.Target{}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
