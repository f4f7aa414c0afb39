package input

import "github.com/quadlink/go2teleop/pkg/go2"

// Button identifies one gamepad button as a bit flag, numbered the way
// Xbox-compatible pads report them.
type Button uint16

const (
	ButtonA Button = 1 << iota
	ButtonB
	ButtonX
	ButtonY
	ButtonLB
	ButtonRB
	ButtonBack
	ButtonStart
	ButtonGuide
	ButtonLStick
	ButtonRStick
)

// Buttons is the set of currently held buttons.
type Buttons uint16

// Pressed reports whether btn is in the set.
func (b Buttons) Pressed(btn Button) bool { return uint16(b)&uint16(btn) != 0 }

// diff returns the buttons held in b but not in prev, the fresh
// presses since the previous poll.
func (b Buttons) diff(prev Buttons) Buttons { return b &^ prev }

// GamepadState is one poll of an Xbox-compatible pad. Sticks range
// -1..1, triggers 0..1, dpad axes are -1, 0 or 1. Pollers hand raw
// axis values to the arbiter; the deadzone is applied there.
type GamepadState struct {
	Connected bool
	Name      string

	LeftX, LeftY   float64
	RightX, RightY float64

	LeftTrigger, RightTrigger float64

	Buttons Buttons

	DPadX, DPadY int
}

// padOneShot maps freshly pressed buttons to their one-shot intent.
// When several land in the same poll the scan order below decides,
// last match wins.
func padOneShot(pressed Buttons) (go2.Intent, bool) {
	var in go2.Intent
	ok := false
	if pressed.Pressed(ButtonA) {
		in, ok = go2.Stand(), true
	}
	if pressed.Pressed(ButtonB) {
		in, ok = go2.Sit(), true
	}
	if pressed.Pressed(ButtonX) {
		in, ok = go2.SetGait(go2.GaitBalance), true
	}
	if pressed.Pressed(ButtonY) {
		in, ok = go2.SetGait(go2.GaitRelaxed), true
	}
	if pressed.Pressed(ButtonStart) {
		in, ok = go2.Recovery(), true
	}
	return in, ok
}
