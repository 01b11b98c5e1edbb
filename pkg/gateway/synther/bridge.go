package synther

import (
	"fmt"
	"strconv"

	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/util"
)

// The rules drive hardware through these narrow views of the loaded
// gateways; each is asserted against the owning gateway at rule build.

// outputController drives Lutron outputs.
type outputController interface {
	SetOutputLevel(iid int, level float64)
	PulseOutput(iid int)
}

// ledController reads and drives keypad LEDs.
type ledController interface {
	LEDState(iid, lid int) bool
	SetLEDState(iid, lid int, on bool)
}

// buttonReader reads cached keypad button press state.
type buttonReader interface {
	ButtonState(iid, bid int) bool
}

// userCommander injects alarm panel user commands.
type userCommander interface {
	SendUserCommand(partition, command int)
}

// BridgeSpec binds one Lutron output to one alarm zone wired to the
// same physical load.
type BridgeSpec struct {
	RadioRa2 int `yaml:"radiora2"` // output iid
	DscZone  int `yaml:"dsc_zone"`

	// DscCmd is a two-digit number: the partition digit followed by
	// the panel user command digit that toggles the load.
	DscCmd int `yaml:"dsc_cmd"`
}

// bridge keeps a Lutron output and an alarm zone in agreement. The
// zone sees the load's actual power state, so it is the source of
// truth; the Lutron side is both a control and a display.
type bridge struct {
	output    *house.Device
	zone      *house.Device
	panel     userCommander
	partition int
	command   int
}

func newBridge(h *house.House, spec BridgeSpec) (*bridge, error) {
	if spec.DscCmd < 10 || spec.DscCmd > 99 {
		return nil, util.NewValidationError(fmt.Sprintf("dsc_cmd %d is not a partition digit plus a command digit", spec.DscCmd))
	}
	output, err := h.DeviceByGatewayAndID(lutronGateway, strconv.Itoa(spec.RadioRa2))
	if err != nil {
		return nil, err
	}
	zone, err := h.DeviceByGatewayAndID(alarmGateway, fmt.Sprintf("zone:%d", spec.DscZone))
	if err != nil {
		return nil, err
	}
	panel, ok := zone.Gateway.(userCommander)
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot send user commands", zone.Gateway.ID())
	}
	b := &bridge{
		output:    output,
		zone:      zone,
		panel:     panel,
		partition: spec.DscCmd / 10,
		command:   spec.DscCmd % 10,
	}
	log.Debugf("bridge %s <> %s: lutron says %v, zone says %v",
		output.InternalName(), zone.InternalName(), output.IsInState("on"), zone.IsInState("open"))
	b.syncOutput()
	h.Bus.Subscribe(output, b.onOutputEvent)
	h.Bus.Subscribe(zone, b.onZoneEvent)
	return b, nil
}

// onOutputEvent runs when the Lutron side reports any change, from a
// button, a remote, or the integration protocol. If it now disagrees
// with the zone, the user command fires to toggle the physical load.
func (b *bridge) onOutputEvent(synthetic bool) {
	on := b.output.IsInState("on")
	open := b.zone.IsInState("open")
	if on == open {
		log.Debugf("bridge: %s already matches zone %s", b.output.InternalName(), b.zone.InternalName())
		return
	}
	log.Debugf("bridge: toggling %s via user command %d%d", b.zone.InternalName(), b.partition, b.command)
	b.panel.SendUserCommand(b.partition, b.command)
}

// onZoneEvent runs when the wiring reports the load really changed,
// for instance through an old-school wall switch.
func (b *bridge) onZoneEvent(synthetic bool) {
	b.syncOutput()
}

func (b *bridge) syncOutput() {
	state := "off"
	if b.zone.IsInState("open") {
		state = "on"
	}
	if !b.output.GoToState(state) {
		log.Warnf("bridge: %s has no %q action", b.output.InternalName(), state)
	}
}

// LedBridgeSpec mirrors one alarm zone onto a keypad button's LED.
type LedBridgeSpec struct {
	DscZone int  `yaml:"dsc_zone"`
	Keypad  int  `yaml:"keypad"` // keypad iid
	Button  int  `yaml:"button"` // button component id on that keypad
	Invert  bool `yaml:"invert"`
}

type ledBridge struct {
	zone   *house.Device
	leds   ledController
	keypad int
	led    int
	invert bool
}

func newLedBridge(h *house.House, spec LedBridgeSpec) (*ledBridge, error) {
	zone, err := h.DeviceByGatewayAndID(alarmGateway, fmt.Sprintf("zone:%d", spec.DscZone))
	if err != nil {
		return nil, err
	}
	keypad, err := h.DeviceByGatewayAndID(lutronGateway, strconv.Itoa(spec.Keypad))
	if err != nil {
		return nil, err
	}
	leds, ok := keypad.Gateway.(ledController)
	if !ok {
		return nil, fmt.Errorf("gateway %q cannot drive LEDs", keypad.Gateway.ID())
	}
	led := 0
	for _, btn := range keypad.Buttons {
		if btn.CID == spec.Button {
			led = btn.LEDCID
			break
		}
	}
	if led == 0 {
		return nil, util.NewValidationError(fmt.Sprintf("keypad %d button %d has no LED", spec.Keypad, spec.Button))
	}
	lb := &ledBridge{zone: zone, leds: leds, keypad: spec.Keypad, led: led, invert: spec.Invert}
	lb.onZoneEvent(true)
	h.Bus.Subscribe(zone, lb.onZoneEvent)
	return lb, nil
}

// onZoneEvent pushes the zone state to the LED, skipping the write
// when the LED already shows it.
func (lb *ledBridge) onZoneEvent(synthetic bool) {
	want := lb.zone.IsInState("open") != lb.invert
	if lb.leds.LEDState(lb.keypad, lb.led) == want {
		return
	}
	lb.leds.SetLEDState(lb.keypad, lb.led, want)
}
