package synther

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/timer"
	"github.com/stargate-home/stargate/pkg/util"
)

// DelaySpec fires an output action when a keypad button is held down
// past a threshold.
type DelaySpec struct {
	Keypad int         `yaml:"keypad"` // keypad iid
	Button int         `yaml:"button"` // button component id
	Delay  float64     `yaml:"delay"`  // seconds the button must stay down
	Output int         `yaml:"output"` // output iid to act on
	Action DelayAction `yaml:"action"`
}

// DelayAction is either the word "pulse" or a numeric level to set.
type DelayAction struct {
	Pulse bool
	Level float64
}

func (a *DelayAction) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil && s == "pulse" {
		a.Pulse = true
		return nil
	}
	if err := node.Decode(&a.Level); err != nil {
		return fmt.Errorf("action must be \"pulse\" or a level: %w", err)
	}
	return nil
}

// delay tracks one button through the keypad's press records. The
// timer fires concurrently with keypad events, so the pending token
// sits behind a lock.
type delay struct {
	keypad  *house.Device
	buttons buttonReader
	outputs outputController
	iid     int
	button  int
	output  int
	action  DelayAction
	wait    time.Duration
	timer   *timer.Timer

	mu        sync.Mutex
	token     timer.Token
	scheduled bool
}

func newDelay(h *house.House, spec DelaySpec) (*delay, error) {
	v := &util.ValidationBuilder{}
	v.Add(spec.Delay > 0, "delay must be positive")
	v.Add(!spec.Action.Pulse || spec.Action.Level == 0, "pulse takes no level")
	if err := v.Build(); err != nil {
		return nil, err
	}
	keypad, err := h.DeviceByGatewayAndID(lutronGateway, strconv.Itoa(spec.Keypad))
	if err != nil {
		return nil, err
	}
	buttons, ok := keypad.Gateway.(buttonReader)
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot read buttons", keypad.Gateway.ID())
	}
	found := false
	for _, btn := range keypad.Buttons {
		if btn.CID == spec.Button {
			found = true
			break
		}
	}
	if !found {
		return nil, util.NewValidationError(fmt.Sprintf("keypad %d has no button %d", spec.Keypad, spec.Button))
	}
	outputDev, err := h.DeviceByGatewayAndID(lutronGateway, strconv.Itoa(spec.Output))
	if err != nil {
		return nil, err
	}
	outputs, ok := outputDev.Gateway.(outputController)
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot drive outputs", outputDev.Gateway.ID())
	}

	d := &delay{
		keypad:  keypad,
		buttons: buttons,
		outputs: outputs,
		iid:     spec.Keypad,
		button:  spec.Button,
		output:  spec.Output,
		action:  spec.Action,
		wait:    time.Duration(spec.Delay * float64(time.Second)),
		timer:   h.Timer,
	}
	h.Bus.Subscribe(keypad, d.onKeypadEvent)
	return d, nil
}

// onKeypadEvent runs on every event from the keypad; the cached press
// state decides whether our button went down or up.
func (d *delay) onKeypadEvent(synthetic bool) {
	pressed := d.buttons.ButtonState(d.iid, d.button)
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case pressed && !d.scheduled:
		d.token = d.timer.Schedule(d.wait, d.onExpiry)
		d.scheduled = true
	case !pressed && d.scheduled:
		d.timer.Cancel(d.token)
		d.scheduled = false
	}
}

// onExpiry fires once the hold delay has passed; the button must still
// be down for the action to run.
func (d *delay) onExpiry() {
	d.mu.Lock()
	d.scheduled = false
	d.mu.Unlock()
	if !d.buttons.ButtonState(d.iid, d.button) {
		return
	}
	if d.action.Pulse {
		log.Debugf("delay: keypad %d button %d held, pulsing output %d", d.iid, d.button, d.output)
		d.outputs.PulseOutput(d.output)
	} else {
		log.Debugf("delay: keypad %d button %d held, setting output %d to %v", d.iid, d.button, d.output, d.action.Level)
		d.outputs.SetOutputLevel(d.output, d.action.Level)
	}
}
