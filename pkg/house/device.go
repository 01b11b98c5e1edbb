package house

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/persist"
)

// Device classes. Every device belongs to exactly one.
const (
	ClassControl = "control"
	ClassSensor  = "sensor"
	ClassOutput  = "output"
)

// DeviceClasses lists the valid device classes in canonical order.
var DeviceClasses = []string{ClassControl, ClassSensor, ClassOutput}

// DeviceSpec describes a device a gateway wants to create.
type DeviceSpec struct {
	Gateway Gateway
	DevID   string // gateway-scoped device id, stable across runs
	Name    string
	Class   string
	Type    string
	States  []string // declared state vocabulary, in this type's order
	Hidden  bool     // skip in enumerations unless forced
}

// Button is one pressable component of a keypad device.
type Button struct {
	CID    int    `json:"cid"`
	Label  string `json:"label"`
	LEDCID int    `json:"led_cid,omitempty"` // 0 when the button has no LED
}

// Device is one addressable endpoint behind a gateway. Concrete
// gateway device types embed a *Device and register their state
// getters and setters on it; IsInState and GoToState dispatch through
// those tables.
type Device struct {
	House   *House
	Area    *Area
	Gateway Gateway
	DevID   string
	Name    string
	Class   string
	Type    string
	States  []string
	Hidden  bool

	// ID is the stable integer id from the event log.
	ID int64

	// Buttons lists a keypad's pressable components; empty for
	// everything else.
	Buttons []Button

	// LevelFn reports the device's numeric level for the event log and
	// the UI. Gateways set it at construction.
	LevelFn func() float64

	getters map[string]func() bool
	setters map[string]func()
}

// InternalName identifies the device in logs: "<gateway>:<devid>".
func (d *Device) InternalName() string {
	return d.Gateway.ID() + ":" + d.DevID
}

// Reports declares that the device can answer membership in state.
func (d *Device) Reports(state string, fn func() bool) {
	d.getters[state] = fn
}

// Performs declares that the device can be driven to state.
func (d *Device) Performs(state string, fn func()) {
	d.setters[state] = fn
}

// Level returns the device's current numeric level, or 0 when the
// device cannot report one.
func (d *Device) Level() float64 {
	if d.LevelFn == nil {
		return 0
	}
	return d.LevelFn()
}

// IsInState answers whether the device is in state. Beyond the
// registered getters, a device is trivially "in" its own class and
// type, and "age=N" means it logged a real change within N seconds.
func (d *Device) IsInState(state string) bool {
	if secs, ok := strings.CutPrefix(state, "age="); ok {
		n, err := strconv.Atoi(secs)
		if err != nil {
			log.Warnf("device %s: bad age filter %q", d.InternalName(), state)
			return false
		}
		count, err := d.House.Store.ActionCount(d.ID, time.Duration(n)*time.Second)
		if err != nil {
			log.Warnf("device %s: action count: %v", d.InternalName(), err)
			return false
		}
		return count > 0
	}
	if fn, ok := d.getters[state]; ok {
		return fn()
	}
	return state == d.Class || state == d.Type
}

// GoToState drives the device to state, reporting whether an action
// for that state exists.
func (d *Device) GoToState(state string) bool {
	fn, ok := d.setters[state]
	if !ok {
		return false
	}
	fn()
	return true
}

// PossibleStates returns the declared states the device can report,
// in declared order.
func (d *Device) PossibleStates() []string {
	var states []string
	for _, s := range d.States {
		if _, ok := d.getters[s]; ok {
			states = append(states, s)
		}
	}
	return states
}

// PossibleActions returns the declared states the device can be
// driven to, in declared order.
func (d *Device) PossibleActions() []string {
	var actions []string
	for _, s := range d.States {
		if _, ok := d.setters[s]; ok {
			actions = append(actions, s)
		}
	}
	return actions
}

// CurrentStates returns the reportable states the device is in now.
func (d *Device) CurrentStates() []string {
	var states []string
	for _, s := range d.PossibleStates() {
		if d.IsInState(s) {
			states = append(states, s)
		}
	}
	return states
}

// PublishChange records the device's level in the event log and
// notifies bus subscribers. Synthetic changes are cache refills after
// startup: they log a RESTART (state before this point is unknown)
// instead of a CHANGED.
func (d *Device) PublishChange(level float64, synthetic bool) {
	var err error
	if synthetic {
		err = d.House.Store.RecordStartup(d.ID, level)
	} else {
		err = d.House.Store.RecordChange(d.ID, level)
	}
	if err != nil {
		log.Errorf("device %s: event log: %v", d.InternalName(), err)
	}
	metrics.Default.RecordDeviceEvent(d.Gateway.ID(), synthetic)
	d.House.Bus.Publish(d, synthetic)
}

// DeltaSinceChange reports how long ago the device last changed; ok is
// false when nothing is known since startup.
func (d *Device) DeltaSinceChange() (time.Duration, bool) {
	delta, ok, err := d.House.Store.DeltaSinceChange(d.ID)
	if err != nil {
		log.Warnf("device %s: delta since change: %v", d.InternalName(), err)
		return 0, false
	}
	return delta, ok
}

// ActionCount counts the device's real changes within age; age 0
// counts everything.
func (d *Device) ActionCount(age time.Duration) int {
	count, err := d.House.Store.ActionCount(d.ID, age)
	if err != nil {
		log.Warnf("device %s: action count: %v", d.InternalName(), err)
		return 0
	}
	return count
}

// TimeInState accumulates how long the device's logged level
// truthiness matched truthy.
func (d *Device) TimeInState(truthy bool) time.Duration {
	total, err := d.House.Store.TimeInState(d.ID, truthy)
	if err != nil {
		log.Warnf("device %s: time in state: %v", d.InternalName(), err)
		return 0
	}
	return total
}

// RecentEvents returns the device's newest count log events.
func (d *Device) RecentEvents(count int) []persist.Event {
	events, err := d.House.Store.RecentEvents([]int64{d.ID}, count)
	if err != nil {
		log.Warnf("device %s: recent events: %v", d.InternalName(), err)
		return nil
	}
	return events
}

// DeviceFilter selects devices by class, type, and state. Empty or
// "all" fields match anything; State supports the "age=N" form.
type DeviceFilter struct {
	Class string
	Type  string
	State string
}

// ParseFilterDescription builds a filter from a "devtype" or
// "devtype:devstate" descriptor, scoped to a device class.
func ParseFilterDescription(class, descriptor string) DeviceFilter {
	parts := strings.SplitN(descriptor, ":", 2)
	f := DeviceFilter{Class: class, Type: parts[0]}
	if len(parts) > 1 {
		f.State = parts[1]
	}
	return f
}

func wildcard(s string) bool { return s == "" || s == "all" }

// Matches reports whether the device passes every non-wildcard field.
func (f DeviceFilter) Matches(d *Device) bool {
	if !wildcard(f.Class) && f.Class != d.Class {
		return false
	}
	if !wildcard(f.Type) && f.Type != d.Type {
		return false
	}
	if !wildcard(f.State) && !d.IsInState(f.State) {
		return false
	}
	return true
}

func (f DeviceFilter) String() string {
	var parts []string
	if !wildcard(f.Class) {
		parts = append(parts, fmt.Sprintf("devclass = %q", f.Class))
	}
	if !wildcard(f.Type) {
		parts = append(parts, fmt.Sprintf("devtype = %q", f.Type))
	}
	if !wildcard(f.State) {
		parts = append(parts, fmt.Sprintf("devstate = %q", f.State))
	}
	if len(parts) == 0 {
		parts = append(parts, "all")
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
