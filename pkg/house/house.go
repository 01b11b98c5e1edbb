// Package house holds the unified device model: a tree of areas, the
// devices registered in them by gateway plugins, and the shared
// services (event bus, timer, watchdog, event log) every gateway and
// automation rule hangs off.
package house

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stargate-home/stargate/pkg/bus"
	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/persist"
	"github.com/stargate-home/stargate/pkg/session"
	"github.com/stargate-home/stargate/pkg/timer"
	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("house")

// Gateway is what the house knows about a loaded gateway plugin.
type Gateway interface {
	// ID returns the gateway's config name, unique within the house.
	ID() string
	// Lookup resolves a gateway-scoped device id to its device.
	Lookup(devID string) (*Device, error)
}

// Notifier delivers alias-addressed notifications. Aliases are
// resolved to recipients by configuration; CanNotify answers whether
// an alias is configured at all.
type Notifier interface {
	CanNotify(alias string) bool
	Notify(alias, subject, body string) error
}

type orderKey struct {
	class string
	typ   string
}

// House is the root of the device model. It embeds its own root Area,
// so tree queries (DevicesFiltered, RecentEvents) apply to the whole
// house when called on it directly.
//
// Registration happens while gateways load; reads may already be
// concurrent by then (an earlier gateway's session is live), so all
// tree structure is guarded by one lock. State getters are never
// invoked under it: they may block on gateway caches.
type House struct {
	*Area

	Bus      *bus.Bus[*Device]
	Timer    *timer.Timer
	Watchdog *session.Watchdog
	Store    *persist.Store
	Notify   Notifier

	mu           sync.RWMutex
	gateways     map[string]Gateway
	areasByName  map[string]*Area
	areasByID    map[int64]*Area
	devicesByID  map[int64]*Device
	typesByClass map[string]map[string]bool
	stateOrder   map[orderKey][]string
}

// New creates a house with an empty root area named name. The store
// stays owned by the caller; the bus, timer, and watchdog are owned by
// the house and shut down by Close.
func New(name string, store *persist.Store, notifier Notifier) (*House, error) {
	h := &House{
		Bus:          bus.New[*Device](),
		Timer:        timer.New(),
		Watchdog:     session.NewWatchdog(),
		Store:        store,
		Notify:       notifier,
		gateways:     make(map[string]Gateway),
		areasByName:  make(map[string]*Area),
		areasByID:    make(map[int64]*Area),
		devicesByID:  make(map[int64]*Device),
		typesByClass: make(map[string]map[string]bool),
		stateOrder:   make(map[orderKey][]string),
	}
	id, err := store.AreaID(name)
	if err != nil {
		return nil, fmt.Errorf("registering root area: %w", err)
	}
	root := &Area{house: h, Name: name, ID: id}
	root.Parent = root
	h.Area = root
	h.areasByName[name] = root
	h.areasByID[id] = root
	return h, nil
}

// Close stops the house's timer and watchdog. Gateways and the store
// are shut down by their owners.
func (h *House) Close() {
	h.Watchdog.Close()
	h.Timer.Close()
}

// RegisterGateway adds a loaded gateway to the house.
func (h *House) RegisterGateway(g Gateway) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.gateways[g.ID()]; ok {
		return fmt.Errorf("gateway %q: already registered", g.ID())
	}
	h.gateways[g.ID()] = g
	return nil
}

// GatewayByID returns the loaded gateway with the given config name.
func (h *House) GatewayByID(id string) (Gateway, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.gateways[id]
	return g, ok
}

// Gateways returns the loaded gateways sorted by id.
func (h *House) Gateways() []Gateway {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.gateways))
	for id := range h.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Gateway, len(ids))
	for i, id := range ids {
		out[i] = h.gateways[id]
	}
	return out
}

// DeviceByGatewayAndID resolves "<gateway>, <devid>" through the
// owning gateway's lookup.
func (h *House) DeviceByGatewayAndID(gatewayID, devID string) (*Device, error) {
	g, ok := h.GatewayByID(gatewayID)
	if !ok {
		return nil, fmt.Errorf("gateway %q: %w", gatewayID, util.ErrNotFound)
	}
	return g.Lookup(devID)
}

// AreaByName returns the area with the given name, creating it as a
// direct child of the root when it does not exist yet.
func (h *House) AreaByName(name string) (*Area, error) {
	h.mu.RLock()
	a, ok := h.areasByName[name]
	h.mu.RUnlock()
	if ok {
		return a, nil
	}
	id, err := h.Store.AreaID(name)
	if err != nil {
		return nil, fmt.Errorf("registering area %q: %w", name, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.areasByName[name]; ok {
		return a, nil
	}
	a = &Area{house: h, Parent: h.Area, Name: name, ID: id}
	h.Area.areas = append(h.Area.areas, a)
	h.areasByName[name] = a
	h.areasByID[id] = a
	return a, nil
}

// AreaByID returns the area with the given event-log id.
func (h *House) AreaByID(id int64) (*Area, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.areasByID[id]
	return a, ok
}

// DeviceByID returns the device with the given event-log id.
func (h *House) DeviceByID(id int64) (*Device, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.devicesByID[id]
	return d, ok
}

// NewDevice registers a device in area per spec and returns it. The
// device's event-log id is allocated (or recovered) from the store, so
// a device keeps its history across restarts.
func (h *House) NewDevice(area *Area, spec DeviceSpec) (*Device, error) {
	if spec.Gateway == nil {
		return nil, util.NewValidationError(fmt.Sprintf("device %q: no gateway", spec.DevID))
	}
	if spec.DevID == "" {
		return nil, util.NewValidationError(fmt.Sprintf("device %q: empty device id", spec.Name))
	}
	valid := false
	for _, c := range DeviceClasses {
		if c == spec.Class {
			valid = true
			break
		}
	}
	if !valid {
		return nil, util.NewValidationError(fmt.Sprintf("device %q: unknown device class %q", spec.DevID, spec.Class))
	}
	id, err := h.Store.DeviceID(spec.Gateway.ID(), spec.DevID)
	if err != nil {
		return nil, fmt.Errorf("registering device %s:%s: %w", spec.Gateway.ID(), spec.DevID, err)
	}
	d := &Device{
		House:   h,
		Area:    area,
		Gateway: spec.Gateway,
		DevID:   spec.DevID,
		Name:    spec.Name,
		Class:   spec.Class,
		Type:    spec.Type,
		States:  append([]string(nil), spec.States...),
		Hidden:  spec.Hidden,
		ID:      id,
		getters: make(map[string]func() bool),
		setters: make(map[string]func()),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	area.devices = append(area.devices, d)
	h.devicesByID[id] = d
	h.registerForOrdering(d)
	metrics.Default.RecordDeviceRegistered(d.Gateway.ID(), d.Class)
	log.Debugf("registered device %s (%s/%s) in %q as #%d", d.InternalName(), d.Class, d.Type, area.Name, id)
	return d, nil
}

// registerForOrdering folds the device's type and declared states into
// the house-wide orderings. Caller holds mu.
func (h *House) registerForOrdering(d *Device) {
	types, ok := h.typesByClass[d.Class]
	if !ok {
		types = make(map[string]bool)
		h.typesByClass[d.Class] = types
	}
	types[d.Type] = true
	key := orderKey{d.Class, d.Type}
	h.stateOrder[key] = mergeStateOrder(h.stateOrder[key], d.States)
}

// mergeStateOrder merges a device's declared state order into the
// accumulated order for its type. The merge is conservative: relative
// order already established is kept, and a state both slices know
// pulls its established predecessors in front of it.
func mergeStateOrder(old, states []string) []string {
	rest := append([]string(nil), old...)
	var merged []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range states {
		idx := -1
		for i, o := range rest {
			if o == s {
				idx = i
				break
			}
		}
		if idx >= 0 {
			for _, o := range rest[:idx+1] {
				add(o)
			}
			rest = rest[idx+1:]
		} else {
			add(s)
		}
	}
	for _, o := range rest {
		add(o)
	}
	return merged
}

// DeviceTypes returns the device types seen in class, alphabetically.
func (h *House) DeviceTypes(class string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var types []string
	for t := range h.typesByClass[class] {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// OrderDeviceStates returns the subset of states the house knows, in
// canonical order: class by class, type by type, each type's merged
// state order. Empty class or typ means every class or type. A
// trailing "all" is kept last.
func (h *House) OrderDeviceStates(states []string, class, typ string) []string {
	want := make(map[string]bool, len(states))
	hasAll := false
	for _, s := range states {
		if s == "all" {
			hasAll = true
			continue
		}
		want[s] = true
	}
	var ordered []string
	emitted := make(map[string]bool)
	h.mu.RLock()
	for _, c := range DeviceClasses {
		if class != "" && class != c {
			continue
		}
		var types []string
		for t := range h.typesByClass[c] {
			if typ != "" && typ != t {
				continue
			}
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			for _, s := range h.stateOrder[orderKey{c, t}] {
				if want[s] && !emitted[s] {
					emitted[s] = true
					ordered = append(ordered, s)
				}
			}
		}
	}
	h.mu.RUnlock()
	if hasAll {
		ordered = append(ordered, "all")
	}
	return ordered
}

// CommonActions returns the actions every one of the devices can
// perform, in canonical state order. With no devices it is empty.
func (h *House) CommonActions(devices []*Device) []string {
	if len(devices) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, d := range devices {
		for _, a := range d.PossibleActions() {
			counts[a]++
		}
	}
	var common []string
	for a, n := range counts {
		if n == len(devices) {
			common = append(common, a)
		}
	}
	return h.OrderDeviceStates(common, "", "")
}
