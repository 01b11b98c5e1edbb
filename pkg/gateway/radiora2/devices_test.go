package radiora2

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/persist"
)

// deviceHarness hosts gateway devices on a real house, with the
// repeater connected to a fake so commands reach a wire.
type deviceHarness struct {
	g     *Gateway
	house *house.House
	fake  *fakeRepeater
}

func newDeviceHarness(t *testing.T) *deviceHarness {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h, err := house.New("Device Test House", store, nil)
	if err != nil {
		t.Fatalf("creating house: %v", err)
	}
	t.Cleanup(h.Close)

	fake := startFakeRepeater(t, false)
	rep := NewRepeater("radiora2", fake.addr(), "lutron", "integration", h.Watchdog)
	if err := rep.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(rep.Close)
	if got := fake.expectLine(t); got != "#MONITORING,255,1" {
		t.Fatalf("first command %q, want monitoring enable", got)
	}

	dh := &deviceHarness{house: h, fake: fake}
	dh.g = &Gateway{
		house:    h,
		name:     "radiora2",
		repeater: rep,
		devices:  make(map[int]lutronDevice),
		byDevID:  make(map[string]*house.Device),
	}
	if err := h.RegisterGateway(dh.g); err != nil {
		t.Fatalf("registering gateway: %v", err)
	}
	rep.cache.subscribe(dh.g.onUserAction)
	return dh
}

func (dh *deviceHarness) area(t *testing.T, name string) *house.Area {
	t.Helper()
	a, err := dh.house.AreaByName(name)
	if err != nil {
		t.Fatalf("area %s: %v", name, err)
	}
	return a
}

// addOutput mirrors bindArea's registration of one load.
func (dh *deviceHarness) addOutput(t *testing.T, iid int, name string, kind OutputKind) *house.Device {
	t.Helper()
	od, err := dh.g.newOutputDevice(dh.area(t, "Kitchen"), &LayoutOutput{IID: iid, Name: name, Kind: kind})
	if err != nil {
		t.Fatalf("output %s: %v", name, err)
	}
	dh.g.repeater.cache.watchOutput(iid)
	dh.g.remember(iid, od, od.dev)
	return od.dev
}

func TestOutputDeviceTaxonomy(t *testing.T) {
	tests := []struct {
		name        string
		kind        OutputKind
		wantType    string
		wantStates  []string
		wantActions []string
	}{
		{"switched", OutputSwitched, "light", []string{"off", "on"}, []string{"off", "on"}},
		{"dimmed", OutputDimmed, "light", []string{"off", "on"}, []string{"off", "half", "on"}},
		{"shade", OutputShade, "shade", []string{"open", "closed"}, []string{"open", "half", "closed"}},
		{"pulsed closure", OutputContactPulsed, "contactclosure", []string{"active", "inactive"}, []string{"active"}},
		{"maintained closure", OutputContactMaintained, "contactclosure", []string{"active", "inactive"}, []string{"active", "inactive"}},
	}

	dh := newDeviceHarness(t)
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := dh.addOutput(t, 100+i, "Output "+tt.name, tt.kind)
			if d.Class != house.ClassOutput {
				t.Errorf("class = %q, want %q", d.Class, house.ClassOutput)
			}
			if d.Type != tt.wantType {
				t.Errorf("type = %q, want %q", d.Type, tt.wantType)
			}
			if got := d.PossibleStates(); !reflect.DeepEqual(got, tt.wantStates) {
				t.Errorf("possible states = %v, want %v", got, tt.wantStates)
			}
			if got := d.PossibleActions(); !reflect.DeepEqual(got, tt.wantActions) {
				t.Errorf("possible actions = %v, want %v", got, tt.wantActions)
			}
		})
	}
}

func TestDimmerActionsHitTheWire(t *testing.T) {
	dh := newDeviceHarness(t)
	d := dh.addOutput(t, 5, "Island", OutputDimmed)

	for _, step := range []struct {
		state string
		want  string
	}{
		{"on", "#OUTPUT,5,1,100"},
		{"half", "#OUTPUT,5,1,50"},
		{"off", "#OUTPUT,5,1,0"},
	} {
		if !d.GoToState(step.state) {
			t.Fatalf("GoToState(%s) reported no action", step.state)
		}
		if got := dh.fake.expectLine(t); got != step.want {
			t.Fatalf("GoToState(%s) sent %q, want %q", step.state, got, step.want)
		}
	}
	if d.GoToState("sparkle") {
		t.Error("GoToState accepted an unknown state")
	}
}

func TestPulsedClosureFiresPulse(t *testing.T) {
	dh := newDeviceHarness(t)
	d := dh.addOutput(t, 9, "Garage Door", OutputContactPulsed)

	if !d.GoToState("active") {
		t.Fatal("GoToState(active) reported no action")
	}
	if got := dh.fake.expectLine(t); got != "#OUTPUT,9,6" {
		t.Fatalf("pulse sent %q, want #OUTPUT,9,6", got)
	}
	if d.GoToState("inactive") {
		t.Error("a pulsed closure should have no inactive action")
	}
}

func TestShadeThresholds(t *testing.T) {
	dh := newDeviceHarness(t)
	d := dh.addOutput(t, 7, "Bedroom Shade", OutputShade)
	cache := dh.g.repeater.cache

	cache.recordOutput(7, 0.25)
	if !d.IsInState("closed") || d.IsInState("open") {
		t.Errorf("at 0.25 states = %v, want closed only", d.CurrentStates())
	}

	cache.recordOutput(7, 0.8)
	if !d.IsInState("open") || d.IsInState("closed") || d.IsInState("fully_open") {
		t.Errorf("at 0.8 states = %v, want open but not fully", d.CurrentStates())
	}

	cache.recordOutput(7, 99.6)
	if !d.IsInState("fully_open") {
		t.Error("at 99.6 fully_open = false, want true")
	}
	if got := d.Level(); got != 99.6 {
		t.Errorf("level = %v, want 99.6", got)
	}
}

func TestOutputRecordFlowsToEventLog(t *testing.T) {
	dh := newDeviceHarness(t)
	d := dh.addOutput(t, 5, "Island", OutputDimmed)
	cache := dh.g.repeater.cache

	cache.recordOutput(5, 75)
	events := d.RecentEvents(1)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Code.String() != "changed" || events[0].Level != 75 {
		t.Errorf("event = %s/%d, want changed/75", events[0].Code, events[0].Level)
	}

	// A reply attributed to a refresh query is a cache refill, not a
	// user action.
	cache.refreshOutput(5)
	cache.recordOutput(5, 75)
	events = d.RecentEvents(1)
	if events[0].Code.String() != "restart" {
		t.Errorf("refresh reply logged %s, want restart", events[0].Code)
	}
}

func TestKeypadAggregatesButtonsAndAbsorbsLEDs(t *testing.T) {
	dh := newDeviceHarness(t)
	ld := &LayoutDevice{
		IID:  21,
		Name: "Kitchen Keypad",
		Type: "SEETOUCH_KEYPAD",
		Kind: DeviceKeypad,
		Buttons: map[int]string{
			1: "Pendants",
			3: "Path",
		},
		LEDs: map[int]bool{81: true},
	}
	kd, err := dh.g.newKeypadDevice(dh.area(t, "Kitchen"), ld)
	if err != nil {
		t.Fatalf("keypad: %v", err)
	}
	dh.g.remember(21, kd, kd.dev)
	d := kd.dev

	wantButtons := []house.Button{
		{CID: 1, Label: "Pendants", LEDCID: 81},
		{CID: 3, Label: "Path"},
	}
	if !reflect.DeepEqual(d.Buttons, wantButtons) {
		t.Errorf("buttons = %+v, want %+v", d.Buttons, wantButtons)
	}

	cache := dh.g.repeater.cache
	cache.recordButton(21, 1, 1)
	if !d.IsInState("pressed") || d.Level() != 1 {
		t.Errorf("after one press: level %v states %v", d.Level(), d.CurrentStates())
	}
	cache.recordButton(21, 3, 1)
	if d.Level() != 2 {
		t.Errorf("after two presses: level = %v, want 2", d.Level())
	}
	cache.recordButton(21, 1, 0)
	if d.Level() != 1 {
		t.Errorf("after one release: level = %v, want 1", d.Level())
	}

	// LED state belongs to the LED, not the keypad: no device event.
	before := len(d.RecentEvents(10))
	cache.recordLED(21, 81, 1)
	if got := len(d.RecentEvents(10)); got != before {
		t.Errorf("LED record grew the event log %d -> %d", before, got)
	}
}

func TestMotionSensorOccupancy(t *testing.T) {
	dh := newDeviceHarness(t)
	md, err := dh.g.newMotionDevice(dh.area(t, "Hall"), &LayoutDevice{
		IID: 32, Name: "Hall Motion", Type: "MOTION_SENSOR", Kind: DeviceMotionSensor,
	})
	if err != nil {
		t.Fatalf("motion: %v", err)
	}
	dh.g.remember(32, md, md.dev)
	d := md.dev

	if !d.IsInState("vacant") {
		t.Error("sensor should start vacant")
	}
	dh.g.onUserAction(32, 1, false, 0)
	if !d.IsInState("occupied") || d.Level() != 1 {
		t.Errorf("after motion: level %v states %v", d.Level(), d.CurrentStates())
	}
	dh.g.onUserAction(32, 0, false, 0)
	if !d.IsInState("vacant") || d.Level() != 0 {
		t.Errorf("after clear: level %v states %v", d.Level(), d.CurrentStates())
	}
}

func TestRepeaterKeypadHiddenFromEnumeration(t *testing.T) {
	dh := newDeviceHarness(t)
	kd, err := dh.g.newKeypadDevice(dh.area(t, "Closet"), &LayoutDevice{
		IID: 1, Name: "Main Repeater", Type: "MAIN_REPEATER", Kind: DeviceRepeater,
		Buttons: map[int]string{1: "Phantom 1"},
	})
	if err != nil {
		t.Fatalf("repeater keypad: %v", err)
	}
	dh.g.remember(1, kd, kd.dev)

	if kd.dev.Type != "repeater" || !kd.dev.Hidden {
		t.Fatalf("repeater device = type %q hidden %v", kd.dev.Type, kd.dev.Hidden)
	}
	for _, d := range dh.house.DevicesFiltered(house.DeviceFilter{}, false) {
		if d == kd.dev {
			t.Error("hidden repeater listed without force")
		}
	}
	found := false
	for _, d := range dh.house.DevicesFiltered(house.DeviceFilter{}, true) {
		if d == kd.dev {
			found = true
		}
	}
	if !found {
		t.Error("forced enumeration should include the repeater")
	}
}
