package input

import "github.com/quadlink/go2teleop/pkg/go2"

// Key identifies one mapped keyboard key as a bit flag. Only the keys
// the teleop bindings use are modelled.
type Key uint16

const (
	KeyEscape Key = 1 << iota
	KeySpace
	KeyD
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
)

// Keys is the set of currently held keys.
type Keys uint16

// Pressed reports whether key is in the set.
func (k Keys) Pressed(key Key) bool { return uint16(k)&uint16(key) != 0 }

// diff returns the keys held in k but not in prev, the fresh presses
// since the previous poll.
func (k Keys) diff(prev Keys) Keys { return k &^ prev }

// KeyboardState is one poll of the keyboard source.
type KeyboardState struct {
	Held Keys
}

// keyOneShot maps freshly pressed keys to their one-shot intent.
func keyOneShot(pressed Keys) (go2.Intent, bool) {
	var in go2.Intent
	ok := false
	if pressed.Pressed(KeySpace) {
		in, ok = go2.Stand(), true
	}
	if pressed.Pressed(KeyD) {
		in, ok = go2.Sit(), true
	}
	return in, ok
}
