// Package bus fans device state-change events out to subscribers.
package bus

import "sync"

// Bus delivers state-change events for devices of type D to per-device
// and catch-all subscribers. Publish runs handlers synchronously on the
// publishing goroutine, so handlers must return quickly; anything slow
// belongs on a timer or its own goroutine.
//
// The synthetic flag marks cache refills after startup: the device is
// confirming a state it was already in, not reporting a new action.
type Bus[D comparable] struct {
	mu    sync.Mutex
	byDev map[D][]func(synthetic bool)
	all   []func(dev D, synthetic bool)
}

// New creates an empty bus.
func New[D comparable]() *Bus[D] {
	return &Bus[D]{byDev: make(map[D][]func(synthetic bool))}
}

// Subscribe registers a handler for one device's state changes.
func (b *Bus[D]) Subscribe(dev D, handler func(synthetic bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byDev[dev] = append(b.byDev[dev], handler)
}

// SubscribeAll registers a handler for every device's state changes.
func (b *Bus[D]) SubscribeAll(handler func(dev D, synthetic bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish notifies the device's subscribers, then the catch-all
// subscribers. The subscriber lists are snapshotted under the lock and
// invoked outside it, so a handler may subscribe without deadlocking.
func (b *Bus[D]) Publish(dev D, synthetic bool) {
	b.mu.Lock()
	perDev := append([]func(bool){}, b.byDev[dev]...)
	all := append([]func(D, bool){}, b.all...)
	b.mu.Unlock()

	for _, h := range perDev {
		h(synthetic)
	}
	for _, h := range all {
		h(dev, synthetic)
	}
}
