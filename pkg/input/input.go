// Package input turns operator devices into robot intents. Pollers
// feed gamepad and keyboard snapshots into an Arbiter; once per
// control tick the arbiter decides the single intent that goes to the
// transport, applying the deadzone, the speed multiplier and the
// priority rules between sources.
package input

import (
	"math"
	"sync"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
)

// DefaultDeadzone is the stick threshold below which axes read zero.
const DefaultDeadzone = 0.15

// Base speeds scaled by the stick deflection and the multiplier.
const (
	baseSpeedVX   = 0.8
	baseSpeedVY   = 0.3
	baseSpeedVYaw = 0.8

	boostMultiplier  = 1.5
	triggerThreshold = 0.1

	minMultiplier  = 0.3
	maxMultiplier  = 1.5
	multiplierStep = 0.1
)

// Options tune the arbiter. Zero values select the defaults.
type Options struct {
	Deadzone float64
}

func (o *Options) fill() {
	if o.Deadzone <= 0 {
		o.Deadzone = DefaultDeadzone
	}
}

// Arbiter merges the input sources into one intent per tick.
type Arbiter struct {
	log  log.Logger
	opts Options

	mu sync.Mutex

	pad  GamepadState
	keys KeyboardState

	abortPending bool
	padPending   *go2.Intent
	keyPending   *go2.Intent

	multiplier float64
}

// New creates an arbiter with a speed multiplier of 1.
func New(logger log.Logger, opts Options) *Arbiter {
	opts.fill()
	return &Arbiter{log: logger, opts: opts, multiplier: 1.0}
}

// UpdateGamepad records one gamepad poll. Stick axes pass through the
// deadzone, fresh button presses queue their one-shot intents, and
// the bumpers step the speed multiplier.
func (a *Arbiter) UpdateGamepad(st GamepadState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st.LeftX = applyDeadzone(st.LeftX, a.opts.Deadzone)
	st.LeftY = applyDeadzone(st.LeftY, a.opts.Deadzone)
	st.RightX = applyDeadzone(st.RightX, a.opts.Deadzone)
	st.RightY = applyDeadzone(st.RightY, a.opts.Deadzone)

	pressed := st.Buttons.diff(a.pad.Buttons)
	if pressed.Pressed(ButtonBack) {
		a.abortPending = true
	}
	if pressed.Pressed(ButtonLB) {
		a.multiplier = math.Max(minMultiplier, a.multiplier-multiplierStep)
		a.log.Infof("speed multiplier: %.1f", a.multiplier)
	}
	if pressed.Pressed(ButtonRB) {
		a.multiplier = math.Min(maxMultiplier, a.multiplier+multiplierStep)
		a.log.Infof("speed multiplier: %.1f", a.multiplier)
	}
	if in, ok := padOneShot(pressed); ok {
		a.padPending = &in
	}
	a.pad = st
}

// UpdateKeyboard records one keyboard poll. Fresh presses queue their
// one-shot intents.
func (a *Arbiter) UpdateKeyboard(st KeyboardState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pressed := st.Held.diff(a.keys.Held)
	if pressed.Pressed(KeyEscape) {
		a.abortPending = true
	}
	if in, ok := keyOneShot(pressed); ok {
		a.keyPending = &in
	}
	a.keys = st
}

// Decide consumes the pending one-shots and produces this tick's
// intent. EmergencyAbort wins over everything and clears the queue, a
// gamepad one-shot beats a keyboard one, and with nothing pending the
// held axes turn into a Move. All-idle input decides Move(0,0,0): the
// robot is told to stop, never left to guess.
func (a *Arbiter) Decide() go2.Intent {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.abortPending {
		a.abortPending = false
		a.padPending = nil
		a.keyPending = nil
		return go2.EmergencyAbort()
	}
	if in := a.padPending; in != nil {
		a.padPending = nil
		a.keyPending = nil
		return *in
	}
	if in := a.keyPending; in != nil {
		a.keyPending = nil
		return *in
	}
	if in := a.moveFromPad(); !in.IsZeroMove() {
		return in
	}
	return a.moveFromKeys()
}

// Multiplier reports the current speed multiplier.
func (a *Arbiter) Multiplier() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.multiplier
}

// moveFromPad maps the held sticks to a Move. Left stick drives
// translation, right stick yaw; pushing a stick forward reads
// negative on the Y axis, hence the sign flips.
func (a *Arbiter) moveFromPad() go2.Intent {
	st := a.pad
	if !st.Connected {
		return go2.Move(0, 0, 0)
	}

	vx := -st.LeftY * baseSpeedVX * a.multiplier
	vy := -st.LeftX * baseSpeedVY * a.multiplier
	vyaw := -st.RightX * baseSpeedVYaw * a.multiplier

	if st.RightTrigger > triggerThreshold {
		vx *= 1 + st.RightTrigger*(boostMultiplier-1)
	}
	if st.LeftTrigger > triggerThreshold {
		// Reverse boost: flips vx and scales it, so walking backward
		// gets the same speed range as forward.
		vx *= -(1 + st.LeftTrigger*(boostMultiplier-1))
	}
	return go2.Move(vx, vy, vyaw)
}

// moveFromKeys maps the held arrows to a Move: up/down drive vx,
// left/right the yaw rate.
func (a *Arbiter) moveFromKeys() go2.Intent {
	var vx, vyaw float64
	if a.keys.Held.Pressed(KeyUp) {
		vx += baseSpeedVX
	}
	if a.keys.Held.Pressed(KeyDown) {
		vx -= baseSpeedVX
	}
	if a.keys.Held.Pressed(KeyLeft) {
		vyaw += baseSpeedVYaw
	}
	if a.keys.Held.Pressed(KeyRight) {
		vyaw -= baseSpeedVYaw
	}
	return go2.Move(vx*a.multiplier, 0, vyaw*a.multiplier)
}

// applyDeadzone clamps values inside the threshold to zero and
// rescales the rest, so output still sweeps the full -1..1 range with
// no jump at the threshold.
func applyDeadzone(value, threshold float64) float64 {
	if math.Abs(value) < threshold {
		return 0
	}
	sign := 1.0
	if value < 0 {
		sign = -1
	}
	return sign * (math.Abs(value) - threshold) / (1 - threshold)
}
