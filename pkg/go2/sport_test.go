package go2

import (
	"encoding/json"
	"testing"
)

func TestSportSequenceCoversEveryIntent(t *testing.T) {
	intents := []Intent{
		Move(0.5, 0, 0),
		Stand(),
		Sit(),
		SetGait(GaitBalance),
		SetGait(GaitRelaxed),
		Recovery(),
		EmergencyAbort(),
	}
	for _, in := range intents {
		reqs := SportSequence(in)
		if len(reqs) == 0 {
			t.Errorf("SportSequence(%v) is empty", in)
		}
		for _, r := range reqs {
			if r.Header.Identity.ID == 0 {
				t.Errorf("SportSequence(%v) produced request without id", in)
			}
		}
	}
}

func TestSportSequenceMapping(t *testing.T) {
	tests := []struct {
		in   Intent
		want []int64
	}{
		{Stand(), []int64{ApiStandUp}},
		{Sit(), []int64{ApiStandDown}},
		{SetGait(GaitBalance), []int64{ApiBalanceStand}},
		{SetGait(GaitRelaxed), []int64{ApiDamp}},
		{Recovery(), []int64{ApiRecoveryStand}},
		{Move(1, 0, 0), []int64{ApiMove}},
		{EmergencyAbort(), []int64{ApiStopMove, ApiDamp}},
	}
	for _, tt := range tests {
		reqs := SportSequence(tt.in)
		if len(reqs) != len(tt.want) {
			t.Errorf("SportSequence(%v): %d requests, want %d", tt.in, len(reqs), len(tt.want))
			continue
		}
		for i, r := range reqs {
			if r.Header.Identity.APIID != tt.want[i] {
				t.Errorf("SportSequence(%v)[%d].api_id = %d, want %d", tt.in, i, r.Header.Identity.APIID, tt.want[i])
			}
		}
	}
}

func TestAbortHaltsBeforeDamping(t *testing.T) {
	reqs := SportSequence(EmergencyAbort())
	if len(reqs) != 2 {
		t.Fatalf("abort sequence has %d requests, want 2", len(reqs))
	}
	if reqs[0].Header.Identity.APIID != ApiStopMove || reqs[1].Header.Identity.APIID != ApiDamp {
		t.Errorf("abort order = [%d, %d], want [StopMove, Damp]",
			reqs[0].Header.Identity.APIID, reqs[1].Header.Identity.APIID)
	}
}

func TestMoveParameterNamesYawZ(t *testing.T) {
	var got map[string]float64
	if err := json.Unmarshal([]byte(MoveParameter(0.8, -0.3, 1.2)), &got); err != nil {
		t.Fatalf("parameter is not valid JSON: %v", err)
	}
	if !floatEquals(got["x"], 0.8) || !floatEquals(got["y"], -0.3) || !floatEquals(got["z"], 1.2) {
		t.Errorf("parameter = %v, want x=0.8 y=-0.3 z=1.2", got)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		wire string
		want Mode
	}{
		{"IDLE", ModeIdle},
		{"DOWN", ModeDown},
		{"STAND", ModeStand},
		{"WALK", ModeWalk},
		{"RUN", ModeRun},
		{"", ModeUnknown},
		{"JUMPING", ModeUnknown},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.wire); got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.wire, got, tt.want)
		}
	}
}

func TestDegToRad(t *testing.T) {
	if got := DegToRad(180); !floatApprox(got, 3.14159, 1e-3) {
		t.Errorf("DegToRad(180) = %v, want ~pi", got)
	}
	if got := DegToRad(0); got != 0 {
		t.Errorf("DegToRad(0) = %v, want 0", got)
	}
}

func floatApprox(a, b, eps float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < eps
}
