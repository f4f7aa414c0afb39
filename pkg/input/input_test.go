package input

import (
	"math"
	"testing"

	"github.com/quadlink/go2teleop/internal/log"
	"github.com/quadlink/go2teleop/pkg/go2"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func newArbiter(opts Options) *Arbiter {
	return New(log.Nop{}, opts)
}

// pressPad registers one press-and-release of a button.
func pressPad(a *Arbiter, b Button) {
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(b)})
	a.UpdateGamepad(GamepadState{Connected: true})
}

func TestSubDeadzoneAxesDecideZeroMove(t *testing.T) {
	a := newArbiter(Options{Deadzone: 0.05})
	a.UpdateGamepad(GamepadState{
		Connected: true,
		LeftX:     0.02,
		LeftY:     0.01,
		RightX:    0.5,
	})

	in := a.Decide()
	if in.Kind != go2.IntentMove {
		t.Fatalf("Kind = %v, want Move", in.Kind)
	}
	if in.VX != 0 || in.VY != 0 {
		t.Errorf("VX, VY = %v, %v, want 0, 0", in.VX, in.VY)
	}
	if in.VYaw == 0 {
		t.Error("VYaw = 0, right stick is above the deadzone")
	}
}

func TestDeadzoneRescale(t *testing.T) {
	tests := []struct {
		value, threshold, want float64
	}{
		{0.1, 0.15, 0},
		{-0.1, 0.15, 0},
		{0.575, 0.15, 0.5},
		{-0.575, 0.15, -0.5},
		{1, 0.15, 1},
		{-1, 0.15, -1},
	}
	for _, tt := range tests {
		if got := applyDeadzone(tt.value, tt.threshold); !floatEquals(got, tt.want) {
			t.Errorf("applyDeadzone(%v, %v) = %v, want %v", tt.value, tt.threshold, got, tt.want)
		}
	}
	// No jump right at the threshold.
	if got := applyDeadzone(0.1501, 0.15); got > 0.001 {
		t.Errorf("applyDeadzone just above threshold = %v, want near 0", got)
	}
}

func TestStickVelocityMapping(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateGamepad(GamepadState{
		Connected: true,
		LeftY:     -1, // forward
		LeftX:     -1, // strafe left
		RightX:    -1, // turn left
	})

	in := a.Decide()
	if !floatEquals(in.VX, 0.8) {
		t.Errorf("VX = %v, want 0.8", in.VX)
	}
	if !floatEquals(in.VY, 0.3) {
		t.Errorf("VY = %v, want 0.3", in.VY)
	}
	if !floatEquals(in.VYaw, 0.8) {
		t.Errorf("VYaw = %v, want 0.8", in.VYaw)
	}
}

func TestTriggerBoost(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateGamepad(GamepadState{Connected: true, LeftY: -1, RightTrigger: 1})
	if in := a.Decide(); !floatEquals(in.VX, 1.2) {
		t.Errorf("boosted VX = %v, want 1.2", in.VX)
	}

	// Left trigger flips the direction at the same scale.
	a.UpdateGamepad(GamepadState{Connected: true, LeftY: -1, LeftTrigger: 1})
	if in := a.Decide(); !floatEquals(in.VX, -1.2) {
		t.Errorf("reverse-boosted VX = %v, want -1.2", in.VX)
	}
}

func TestOneShotsAreEdgeTriggered(t *testing.T) {
	a := newArbiter(Options{})

	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA)})
	if in := a.Decide(); in.Kind != go2.IntentStand {
		t.Fatalf("Kind = %v, want Stand", in.Kind)
	}

	// Still held: no repeat.
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA)})
	if in := a.Decide(); in.Kind != go2.IntentMove {
		t.Errorf("held button decided %v, want Move", in.Kind)
	}

	// Release and press again: fires again.
	a.UpdateGamepad(GamepadState{Connected: true})
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA)})
	if in := a.Decide(); in.Kind != go2.IntentStand {
		t.Errorf("re-press decided %v, want Stand", in.Kind)
	}
}

func TestButtonBindings(t *testing.T) {
	tests := []struct {
		name     string
		button   Button
		wantKind go2.IntentKind
		wantGait go2.Gait
	}{
		{"A stands", ButtonA, go2.IntentStand, 0},
		{"B sits", ButtonB, go2.IntentSit, 0},
		{"X balance gait", ButtonX, go2.IntentSetGait, go2.GaitBalance},
		{"Y relaxed gait", ButtonY, go2.IntentSetGait, go2.GaitRelaxed},
		{"START recovers", ButtonStart, go2.IntentRecovery, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArbiter(Options{})
			pressPad(a, tt.button)
			in := a.Decide()
			if in.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", in.Kind, tt.wantKind)
			}
			if tt.wantKind == go2.IntentSetGait && in.Gait != tt.wantGait {
				t.Errorf("Gait = %v, want %v", in.Gait, tt.wantGait)
			}
		})
	}
}

func TestAbortPreemptsQueuedOneShots(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeySpace)})
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA | ButtonBack)})

	if in := a.Decide(); !in.IsAbort() {
		t.Fatalf("Decide = %v, want EmergencyAbort", in.Kind)
	}
	// The abort cleared everything queued behind it.
	if in := a.Decide(); in.Kind != go2.IntentMove {
		t.Errorf("after abort Decide = %v, want Move", in.Kind)
	}
}

func TestEscapeAborts(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyEscape)})
	if in := a.Decide(); !in.IsAbort() {
		t.Fatalf("Decide = %v, want EmergencyAbort", in.Kind)
	}
}

func TestGamepadBeatsKeyboard(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyD)})
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA)})

	if in := a.Decide(); in.Kind != go2.IntentStand {
		t.Fatalf("Decide = %v, want the gamepad's Stand", in.Kind)
	}
	// The losing keyboard command is dropped, not deferred.
	if in := a.Decide(); in.Kind != go2.IntentMove {
		t.Errorf("after conflict Decide = %v, want Move", in.Kind)
	}
}

func TestMostRecentPressWinsWithinSource(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonA)})
	a.UpdateGamepad(GamepadState{Connected: true, Buttons: Buttons(ButtonB)})

	if in := a.Decide(); in.Kind != go2.IntentSit {
		t.Errorf("Decide = %v, want the later Sit", in.Kind)
	}
}

func TestKeyboardOneShots(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeySpace)})
	if in := a.Decide(); in.Kind != go2.IntentStand {
		t.Errorf("Space decided %v, want Stand", in.Kind)
	}

	a.UpdateKeyboard(KeyboardState{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyD)})
	if in := a.Decide(); in.Kind != go2.IntentSit {
		t.Errorf("D decided %v, want Sit", in.Kind)
	}
}

func TestArrowKeysMove(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyUp | KeyLeft)})

	in := a.Decide()
	if !floatEquals(in.VX, 0.8) {
		t.Errorf("VX = %v, want 0.8", in.VX)
	}
	if !floatEquals(in.VYaw, 0.8) {
		t.Errorf("VYaw = %v, want 0.8", in.VYaw)
	}
	if in.VY != 0 {
		t.Errorf("VY = %v, want 0", in.VY)
	}
}

func TestGamepadAxesOverrideKeyboardAxes(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyUp)})
	a.UpdateGamepad(GamepadState{Connected: true, RightX: 1})

	in := a.Decide()
	if !floatEquals(in.VYaw, -0.8) {
		t.Errorf("VYaw = %v, want -0.8 from the pad", in.VYaw)
	}
	if in.VX != 0 {
		t.Errorf("VX = %v, want 0: pad axes replace keyboard axes", in.VX)
	}
}

func TestIdleGamepadFallsBackToKeyboard(t *testing.T) {
	a := newArbiter(Options{})
	a.UpdateGamepad(GamepadState{Connected: true})
	a.UpdateKeyboard(KeyboardState{Held: Keys(KeyDown)})

	if in := a.Decide(); !floatEquals(in.VX, -0.8) {
		t.Errorf("VX = %v, want -0.8 from the keyboard", in.VX)
	}
}

func TestSpeedMultiplierSteps(t *testing.T) {
	a := newArbiter(Options{})

	pressPad(a, ButtonRB)
	pressPad(a, ButtonRB)
	if m := a.Multiplier(); !floatEquals(m, 1.2) {
		t.Errorf("multiplier = %v, want 1.2", m)
	}

	for i := 0; i < 15; i++ {
		pressPad(a, ButtonLB)
	}
	if m := a.Multiplier(); !floatEquals(m, 0.3) {
		t.Errorf("multiplier = %v, want floor 0.3", m)
	}

	for i := 0; i < 20; i++ {
		pressPad(a, ButtonRB)
	}
	if m := a.Multiplier(); !floatEquals(m, 1.5) {
		t.Errorf("multiplier = %v, want cap 1.5", m)
	}

	a.UpdateGamepad(GamepadState{Connected: true, LeftY: -1})
	if in := a.Decide(); !floatEquals(in.VX, 0.8*1.5) {
		t.Errorf("VX = %v, want scaled by the cap", in.VX)
	}
}

func TestIdleInputDecidesZeroMove(t *testing.T) {
	a := newArbiter(Options{})
	in := a.Decide()
	if !in.IsZeroMove() {
		t.Errorf("Decide = %+v, want Move(0,0,0)", in)
	}
}
