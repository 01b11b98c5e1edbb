package radiora2

import (
	"strconv"
	"sync"

	"github.com/stargate-home/stargate/pkg/house"
)

// Shades report closed at or below closedLevel and fully open at or
// above fullOpenLevel; anything between is partially open.
const (
	closedLevel   = 0.5
	fullOpenLevel = 99.5
	halfLevel     = 50
	fullLevel     = 100
)

// lutronDevice receives the cache records for one integration id.
type lutronDevice interface {
	record(state float64, refresh bool, compID int)
}

// outputDevice publishes output level records straight through.
type outputDevice struct {
	dev *house.Device
}

func (o *outputDevice) record(state float64, refresh bool, _ int) {
	o.dev.PublishChange(state, refresh)
}

// newOutputDevice builds the house device for one Lutron load and
// registers its state tables per the output kind.
func (g *Gateway) newOutputDevice(area *house.Area, lo *LayoutOutput) (*outputDevice, error) {
	iid := lo.IID
	spec := house.DeviceSpec{
		Gateway: g,
		DevID:   strconv.Itoa(iid),
		Name:    lo.Name,
		Class:   house.ClassOutput,
	}
	switch lo.Kind {
	case OutputSwitched, OutputDimmed:
		spec.Type = "light"
		spec.States = []string{"off", "on"}
		if lo.Kind == OutputDimmed {
			spec.States = []string{"off", "half", "on"}
		}
	case OutputShade:
		spec.Type = "shade"
		spec.States = []string{"open", "half", "closed"}
	case OutputContactPulsed, OutputContactMaintained:
		spec.Type = "contactclosure"
		spec.States = []string{"active", "inactive"}
	}

	dev, err := g.house.NewDevice(area, spec)
	if err != nil {
		return nil, err
	}
	rep := g.repeater
	dev.LevelFn = func() float64 { return rep.GetOutputLevel(iid) }

	switch lo.Kind {
	case OutputSwitched, OutputDimmed:
		dev.Reports("on", func() bool { return rep.GetOutputLevel(iid) > 0 })
		dev.Reports("off", func() bool { return rep.GetOutputLevel(iid) == 0 })
		dev.Performs("on", func() { rep.SetOutputLevel(iid, fullLevel) })
		dev.Performs("off", func() { rep.SetOutputLevel(iid, 0) })
		if lo.Kind == OutputDimmed {
			dev.Performs("half", func() { rep.SetOutputLevel(iid, halfLevel) })
		}
	case OutputShade:
		dev.Reports("closed", func() bool { return rep.GetOutputLevel(iid) <= closedLevel })
		dev.Reports("open", func() bool { return rep.GetOutputLevel(iid) > closedLevel })
		dev.Reports("fully_open", func() bool { return rep.GetOutputLevel(iid) >= fullOpenLevel })
		dev.Performs("open", func() { rep.SetOutputLevel(iid, fullLevel) })
		dev.Performs("half", func() { rep.SetOutputLevel(iid, halfLevel) })
		dev.Performs("closed", func() { rep.SetOutputLevel(iid, 0) })
	case OutputContactPulsed:
		dev.Reports("active", func() bool { return rep.GetOutputLevel(iid) > 0 })
		dev.Reports("inactive", func() bool { return rep.GetOutputLevel(iid) == 0 })
		// A pulsed closure is momentary: activating it fires the pulse,
		// and the relay releases on its own.
		dev.Performs("active", func() { rep.PulseOutput(iid) })
	case OutputContactMaintained:
		dev.Reports("active", func() bool { return rep.GetOutputLevel(iid) > 0 })
		dev.Reports("inactive", func() bool { return rep.GetOutputLevel(iid) == 0 })
		dev.Performs("active", func() { rep.SetOutputLevel(iid, fullLevel) })
		dev.Performs("inactive", func() { rep.SetOutputLevel(iid, 0) })
	}
	return &outputDevice{dev: dev}, nil
}

// keypadDevice aggregates a keypad's buttons: its level is the count
// of currently pressed buttons. LED records are absorbed here; an LED
// changing does not change what is pressed, so it is not a device
// state change.
type keypadDevice struct {
	dev  *house.Device
	rep  *Repeater
	iid  int
	leds map[int]bool
}

func (k *keypadDevice) record(state float64, refresh bool, compID int) {
	if k.leds[compID] {
		log.Debugf("keypad %d led %d now %v", k.iid, compID, state > 0)
		return
	}
	k.dev.PublishChange(float64(k.rep.cache.pressedButtons(k.iid)), refresh)
}

// newKeypadDevice builds the house device for a keypad, remote, or
// phantom (repeater) keypad, wiring its buttons into the cache.
func (g *Gateway) newKeypadDevice(area *house.Area, ld *LayoutDevice) (*keypadDevice, error) {
	devType := "keypad"
	hidden := false
	switch ld.Kind {
	case DeviceRemote:
		devType = "remote"
	case DeviceRepeater:
		// Phantom buttons; not a surface anyone touches.
		devType = "repeater"
		hidden = true
	}
	dev, err := g.house.NewDevice(area, house.DeviceSpec{
		Gateway: g,
		DevID:   strconv.Itoa(ld.IID),
		Name:    ld.Name,
		Class:   house.ClassControl,
		Type:    devType,
		States:  []string{"unpressed", "pressed"},
		Hidden:  hidden,
	})
	if err != nil {
		return nil, err
	}
	for _, cid := range ld.ButtonCIDs() {
		b := house.Button{CID: cid, Label: ld.Buttons[cid]}
		if lid, ok := ld.LEDForButton(cid); ok {
			b.LEDCID = lid
		}
		dev.Buttons = append(dev.Buttons, b)
	}

	iid := ld.IID
	rep := g.repeater
	k := &keypadDevice{dev: dev, rep: rep, iid: iid, leds: make(map[int]bool)}
	for _, lid := range ld.LEDCIDs() {
		k.leds[lid] = true
	}
	dev.LevelFn = func() float64 { return float64(rep.cache.pressedButtons(iid)) }
	dev.Reports("pressed", func() bool { return rep.cache.pressedButtons(iid) > 0 })
	dev.Reports("unpressed", func() bool { return rep.cache.pressedButtons(iid) == 0 })

	rep.cache.watchKeypad(iid, ld.ButtonCIDs(), ld.LEDCIDs())
	return k, nil
}

// motionDevice tracks an occupancy sensor. The sensor reports through
// device action records: action press means occupied, release vacant.
type motionDevice struct {
	dev *house.Device

	mu       sync.Mutex
	occupied bool
}

func (m *motionDevice) record(state float64, refresh bool, _ int) {
	m.mu.Lock()
	m.occupied = state > 0
	m.mu.Unlock()
	m.dev.PublishChange(state, refresh)
}

func (m *motionDevice) isOccupied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupied
}

// newMotionDevice builds the house device for an occupancy sensor.
// Sensors report nothing until someone moves; they start vacant.
func (g *Gateway) newMotionDevice(area *house.Area, ld *LayoutDevice) (*motionDevice, error) {
	dev, err := g.house.NewDevice(area, house.DeviceSpec{
		Gateway: g,
		DevID:   strconv.Itoa(ld.IID),
		Name:    ld.Name,
		Class:   house.ClassSensor,
		Type:    "motion",
		States:  []string{"vacant", "occupied"},
	})
	if err != nil {
		return nil, err
	}
	m := &motionDevice{dev: dev}
	dev.LevelFn = func() float64 {
		if m.isOccupied() {
			return 1
		}
		return 0
	}
	dev.Reports("occupied", m.isOccupied)
	dev.Reports("vacant", func() bool { return !m.isOccupied() })
	return m, nil
}
