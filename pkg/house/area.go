package house

import (
	"github.com/stargate-home/stargate/pkg/persist"
)

// Area is one node in the house tree. Areas own devices and child
// areas; the root area is its own parent.
type Area struct {
	Parent *Area
	Name   string

	// ID is the stable integer id from the event log.
	ID int64

	house   *House
	areas   []*Area
	devices []*Device
}

// Areas returns the area's direct child areas.
func (a *Area) Areas() []*Area {
	a.house.mu.RLock()
	defer a.house.mu.RUnlock()
	return append([]*Area(nil), a.areas...)
}

// Devices returns the area's direct devices.
func (a *Area) Devices() []*Device {
	a.house.mu.RLock()
	defer a.house.mu.RUnlock()
	return append([]*Device(nil), a.devices...)
}

// subtreeDevices flattens the subtree post-order: child areas first,
// then the area's own devices. Caller holds no lock.
func (a *Area) subtreeDevices() []*Device {
	a.house.mu.RLock()
	defer a.house.mu.RUnlock()
	return a.appendSubtreeDevices(nil)
}

func (a *Area) appendSubtreeDevices(out []*Device) []*Device {
	for _, child := range a.areas {
		out = child.appendSubtreeDevices(out)
	}
	return append(out, a.devices...)
}

// subtreeAreas flattens the subtree post-order, the area itself last.
func (a *Area) subtreeAreas() []*Area {
	a.house.mu.RLock()
	defer a.house.mu.RUnlock()
	return a.appendSubtreeAreas(nil)
}

func (a *Area) appendSubtreeAreas(out []*Area) []*Area {
	for _, child := range a.areas {
		out = child.appendSubtreeAreas(out)
	}
	return append(out, a)
}

// DevicesFiltered returns the subtree's devices passing filter, in
// post-order. Devices marked hidden are skipped unless force is set.
// State matching happens outside the tree lock; it may block on a
// gateway cache.
func (a *Area) DevicesFiltered(filter DeviceFilter, force bool) []*Device {
	var out []*Device
	for _, d := range a.subtreeDevices() {
		if d.Hidden && !force {
			continue
		}
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// AreasFiltered returns the subtree's areas that directly contain at
// least one non-hidden device passing filter.
func (a *Area) AreasFiltered(filter DeviceFilter) []*Area {
	var out []*Area
	for _, area := range a.subtreeAreas() {
		for _, d := range area.Devices() {
			if d.Hidden {
				continue
			}
			if filter.Matches(d) {
				out = append(out, area)
				break
			}
		}
	}
	return out
}

// RecentEvents returns the newest count log events across every
// device in the subtree, newest first.
func (a *Area) RecentEvents(count int) []persist.Event {
	devices := a.subtreeDevices()
	ids := make([]int64, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	events, err := a.house.Store.RecentEvents(ids, count)
	if err != nil {
		log.Warnf("area %q: recent events: %v", a.Name, err)
		return nil
	}
	return events
}
