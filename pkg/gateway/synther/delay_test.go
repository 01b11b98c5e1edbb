package synther

import (
	"errors"
	"testing"
	"time"

	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

func delayHarness(t *testing.T, action DelayAction) (*ruleHarness, *house.Device) {
	t.Helper()
	rh := newRuleHarness(t, nil)
	keypad := rh.lutron.addKeypad(t, rh.house, rh.area, 20, []house.Button{{CID: 2, Label: "Hold me"}})
	rh.lutron.addOutput(t, rh.house, rh.area, 30)
	_, err := newDelay(rh.house, DelaySpec{Keypad: 20, Button: 2, Delay: 0.08, Output: 30, Action: action})
	if err != nil {
		t.Fatalf("newDelay: %v", err)
	}
	return rh, keypad
}

func TestDelayReleaseBeforeExpiryCancels(t *testing.T) {
	rh, keypad := delayHarness(t, DelayAction{Level: 50})

	rh.lutron.setPressed(20, 2, true)
	keypad.PublishChange(1, false)
	time.Sleep(20 * time.Millisecond)
	rh.lutron.setPressed(20, 2, false)
	keypad.PublishChange(0, false)

	time.Sleep(200 * time.Millisecond)
	if got := rh.lutron.level(30); got != 0 {
		t.Fatalf("released before expiry, yet output level = %v", got)
	}
}

func TestDelayHoldFiresLevelAction(t *testing.T) {
	rh, keypad := delayHarness(t, DelayAction{Level: 50})

	rh.lutron.setPressed(20, 2, true)
	keypad.PublishChange(1, false)
	waitUntil(t, "the held button to set the output", func() bool {
		return rh.lutron.level(30) == 50
	})

	// Holding past the action does not repeat it.
	time.Sleep(200 * time.Millisecond)
	rh.lutron.SetOutputLevel(30, 0)
	time.Sleep(200 * time.Millisecond)
	if got := rh.lutron.level(30); got != 0 {
		t.Fatalf("action repeated while held: level = %v", got)
	}
}

func TestDelayHoldFiresPulseAction(t *testing.T) {
	rh, keypad := delayHarness(t, DelayAction{Pulse: true})

	rh.lutron.setPressed(20, 2, true)
	keypad.PublishChange(1, false)
	waitUntil(t, "the held button to pulse the output", func() bool {
		return rh.lutron.pulseCount() == 1
	})

	// Release and press again: a fresh hold pulses a second time.
	rh.lutron.setPressed(20, 2, false)
	keypad.PublishChange(0, false)
	rh.lutron.setPressed(20, 2, true)
	keypad.PublishChange(1, false)
	waitUntil(t, "the second hold to pulse again", func() bool {
		return rh.lutron.pulseCount() == 2
	})
}

func TestDelayIgnoresOtherButtons(t *testing.T) {
	rh, keypad := delayHarness(t, DelayAction{Level: 50})

	// A different button on the same keypad publishes events too.
	rh.lutron.setPressed(20, 7, true)
	keypad.PublishChange(1, false)
	time.Sleep(200 * time.Millisecond)
	if got := rh.lutron.level(30); got != 0 {
		t.Fatalf("unrelated button fired the action: level = %v", got)
	}
}

func TestDelayRejectsBadSpecs(t *testing.T) {
	rh := newRuleHarness(t, nil)
	rh.lutron.addKeypad(t, rh.house, rh.area, 20, []house.Button{{CID: 2, Label: "Hold me"}})
	rh.lutron.addOutput(t, rh.house, rh.area, 30)

	cases := []struct {
		name string
		spec DelaySpec
	}{
		{"zero delay", DelaySpec{Keypad: 20, Button: 2, Output: 30, Action: DelayAction{Pulse: true}}},
		{"unknown button", DelaySpec{Keypad: 20, Button: 9, Delay: 1, Output: 30, Action: DelayAction{Pulse: true}}},
	}
	for _, c := range cases {
		if _, err := newDelay(rh.house, c.spec); !errors.Is(err, util.ErrValidationFailed) {
			t.Errorf("%s: err = %v, want validation failure", c.name, err)
		}
	}
	if _, err := newDelay(rh.house, DelaySpec{Keypad: 99, Button: 2, Delay: 1, Output: 30, Action: DelayAction{Pulse: true}}); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("unknown keypad err = %v, want not found", err)
	}
}
