package synther

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/persist"
	"github.com/stargate-home/stargate/pkg/util"
)

func newTestHouse(t *testing.T, notifier house.Notifier) *house.House {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h, err := house.New("Test House", store, notifier)
	if err != nil {
		t.Fatalf("creating house: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func gatewayConfig(t *testing.T, text string) *config.GatewayConfig {
	t.Helper()
	var gc config.GatewayConfig
	if err := yaml.Unmarshal([]byte(text), &gc); err != nil {
		t.Fatalf("parsing gateway config: %v", err)
	}
	return &gc
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// fakeLutron stands in for the lighting gateway: it records every
// command it is asked to perform and backs the fake devices' getters.
type fakeLutron struct {
	mu      sync.Mutex
	byDevID map[string]*house.Device
	levels  map[int]float64
	pulses  []int
	leds    map[[2]int]bool
	ledSets int
	pressed map[[2]int]bool
}

func newFakeLutron() *fakeLutron {
	return &fakeLutron{
		byDevID: make(map[string]*house.Device),
		levels:  make(map[int]float64),
		leds:    make(map[[2]int]bool),
		pressed: make(map[[2]int]bool),
	}
}

func (f *fakeLutron) ID() string { return lutronGateway }

func (f *fakeLutron) Lookup(devID string) (*house.Device, error) {
	d, ok := f.byDevID[devID]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", devID, util.ErrNotFound)
	}
	return d, nil
}

func (f *fakeLutron) SetOutputLevel(iid int, level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels[iid] = level
}

func (f *fakeLutron) PulseOutput(iid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, iid)
}

func (f *fakeLutron) SetLEDState(iid, lid int, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leds[[2]int{iid, lid}] = on
	f.ledSets++
}

func (f *fakeLutron) LEDState(iid, lid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leds[[2]int{iid, lid}]
}

func (f *fakeLutron) ButtonState(iid, bid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pressed[[2]int{iid, bid}]
}

func (f *fakeLutron) level(iid int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[iid]
}

func (f *fakeLutron) pulseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulses)
}

func (f *fakeLutron) ledWrites() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ledSets
}

func (f *fakeLutron) setPressed(iid, bid int, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressed[[2]int{iid, bid}] = down
}

func (f *fakeLutron) addOutput(t *testing.T, h *house.House, area *house.Area, iid int) *house.Device {
	t.Helper()
	dev, err := h.NewDevice(area, house.DeviceSpec{
		Gateway: f,
		DevID:   strconv.Itoa(iid),
		Name:    fmt.Sprintf("Output %d", iid),
		Class:   house.ClassOutput,
		Type:    "light",
		States:  []string{"off", "on"},
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.LevelFn = func() float64 { return f.level(iid) }
	dev.Reports("on", func() bool { return f.level(iid) > 0 })
	dev.Reports("off", func() bool { return f.level(iid) == 0 })
	dev.Performs("on", func() { f.SetOutputLevel(iid, 100) })
	dev.Performs("off", func() { f.SetOutputLevel(iid, 0) })
	f.byDevID[strconv.Itoa(iid)] = dev
	return dev
}

func (f *fakeLutron) addKeypad(t *testing.T, h *house.House, area *house.Area, iid int, buttons []house.Button) *house.Device {
	t.Helper()
	dev, err := h.NewDevice(area, house.DeviceSpec{
		Gateway: f,
		DevID:   strconv.Itoa(iid),
		Name:    fmt.Sprintf("Keypad %d", iid),
		Class:   house.ClassControl,
		Type:    "keypad",
		States:  []string{"unpressed", "pressed"},
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.Buttons = append(dev.Buttons, buttons...)
	f.byDevID[strconv.Itoa(iid)] = dev
	return dev
}

// fakeAlarm stands in for the alarm gateway.
type fakeAlarm struct {
	mu       sync.Mutex
	byDevID  map[string]*house.Device
	open     map[int]bool
	commands [][2]int
}

func newFakeAlarm() *fakeAlarm {
	return &fakeAlarm{byDevID: make(map[string]*house.Device), open: make(map[int]bool)}
}

func (f *fakeAlarm) ID() string { return alarmGateway }

func (f *fakeAlarm) Lookup(devID string) (*house.Device, error) {
	d, ok := f.byDevID[devID]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", devID, util.ErrNotFound)
	}
	return d, nil
}

func (f *fakeAlarm) SendUserCommand(partition, command int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, [2]int{partition, command})
}

func (f *fakeAlarm) isOpen(num int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[num]
}

func (f *fakeAlarm) setOpen(num int, open bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[num] = open
}

func (f *fakeAlarm) sentCommands() [][2]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]int(nil), f.commands...)
}

func (f *fakeAlarm) addZone(t *testing.T, h *house.House, area *house.Area, num int) *house.Device {
	t.Helper()
	dev, err := h.NewDevice(area, house.DeviceSpec{
		Gateway: f,
		DevID:   fmt.Sprintf("zone:%d", num),
		Name:    fmt.Sprintf("Zone %d", num),
		Class:   house.ClassSensor,
		Type:    "closure",
		States:  []string{"closed", "open"},
	})
	if err != nil {
		t.Fatal(err)
	}
	dev.LevelFn = func() float64 {
		if f.isOpen(num) {
			return 1
		}
		return 0
	}
	dev.Reports("open", func() bool { return f.isOpen(num) })
	dev.Reports("closed", func() bool { return !f.isOpen(num) })
	f.byDevID[fmt.Sprintf("zone:%d", num)] = dev
	return dev
}

// fakeNotifier records notification subjects per alias.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeNotifier) CanNotify(alias string) bool { return alias == "security" }

func (f *fakeNotifier) Notify(alias, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, subject)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeNotifier) subjects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// ruleHarness wires a house with both fake gateways registered.
type ruleHarness struct {
	house  *house.House
	area   *house.Area
	lutron *fakeLutron
	alarm  *fakeAlarm
}

func newRuleHarness(t *testing.T, notifier house.Notifier) *ruleHarness {
	t.Helper()
	h := newTestHouse(t, notifier)
	area, err := h.AreaByName("Lab")
	if err != nil {
		t.Fatal(err)
	}
	rh := &ruleHarness{house: h, area: area, lutron: newFakeLutron(), alarm: newFakeAlarm()}
	if err := h.RegisterGateway(rh.lutron); err != nil {
		t.Fatal(err)
	}
	if err := h.RegisterGateway(rh.alarm); err != nil {
		t.Fatal(err)
	}
	return rh
}

func TestDelayActionUnmarshal(t *testing.T) {
	cases := []struct {
		in      string
		want    DelayAction
		wantErr bool
	}{
		{"pulse", DelayAction{Pulse: true}, false},
		{"50", DelayAction{Level: 50}, false},
		{"52.5", DelayAction{Level: 52.5}, false},
		{"wiggle", DelayAction{}, true},
	}
	for _, c := range cases {
		var got DelayAction
		err := yaml.Unmarshal([]byte(c.in), &got)
		if c.wantErr {
			if err == nil {
				t.Errorf("%s: expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", c.in, err)
		} else if got != c.want {
			t.Errorf("%s = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestDependenciesFromConfig(t *testing.T) {
	gc := gatewayConfig(t, `
bridges:
  - radiora2: 10
    dsc_zone: 7
    dsc_cmd: 12
paranoid:
  - gateway: vera
    device: "6"
    state: unlocked
    delay: 60
    notify: security
`)
	deps, err := plugin{}.Dependencies(gc)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if want := []string{"powerseries", "radiora2", "vera"}; !reflect.DeepEqual(deps, want) {
		t.Fatalf("deps = %v, want %v", deps, want)
	}

	gc = gatewayConfig(t, "delays:\n  - keypad: 20\n    button: 2\n    delay: 3\n    output: 30\n    action: pulse\n")
	deps, err = plugin{}.Dependencies(gc)
	if err != nil {
		t.Fatalf("Dependencies: %v", err)
	}
	if want := []string{"radiora2"}; !reflect.DeepEqual(deps, want) {
		t.Fatalf("deps = %v, want %v", deps, want)
	}
}

func TestPluginInitBuildsRules(t *testing.T) {
	rh := newRuleHarness(t, nil)
	rh.lutron.addOutput(t, rh.house, rh.area, 10)
	rh.lutron.addOutput(t, rh.house, rh.area, 30)
	rh.lutron.addKeypad(t, rh.house, rh.area, 20, []house.Button{{CID: 2, Label: "Hold me"}})
	rh.alarm.addZone(t, rh.house, rh.area, 7)

	gc := gatewayConfig(t, `
bridges:
  - radiora2: 10
    dsc_zone: 7
    dsc_cmd: 12
delays:
  - keypad: 20
    button: 2
    delay: 3
    output: 30
    action: pulse
`)
	gw, err := plugin{}.Init(rh.house, "synther", gc)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	g := gw.(*Synthesizer)
	if len(g.bridges) != 1 || len(g.delays) != 1 {
		t.Fatalf("built %d bridges, %d delays", len(g.bridges), len(g.delays))
	}
	if _, err := g.Lookup("anything"); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("Lookup err = %v, want not found", err)
	}
}

func TestPluginInitFailsOnMissingDevice(t *testing.T) {
	rh := newRuleHarness(t, nil)
	rh.lutron.addOutput(t, rh.house, rh.area, 10)

	gc := gatewayConfig(t, "bridges:\n  - radiora2: 10\n    dsc_zone: 7\n    dsc_cmd: 12\n")
	if _, err := (plugin{}).Init(rh.house, "synther", gc); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("Init err = %v, want not found for the absent zone", err)
	}
}
