// Package timer schedules relative-delay callbacks.
//
// All handlers run on a single dispatch goroutine, which sleeps until
// the earliest pending deadline or until the pending set changes.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/stargate-home/stargate/pkg/util"
)

var log = util.ForModule("timer")

// Token identifies a scheduled event. Tokens increase monotonically and
// are never reused within a process.
type Token uint64

type event struct {
	token   Token
	when    time.Time
	handler func()
}

// Timer is a relative-delay callback scheduler.
type Timer struct {
	mu      sync.Mutex
	pending map[Token]*event
	lastTok Token

	changed   chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

// New creates a Timer and starts its dispatch goroutine.
func New() *Timer {
	t := &Timer{
		pending: make(map[Token]*event),
		changed: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	util.Go("timer-dispatch", t.run)
	return t
}

// Schedule invokes handler once, delay from now, on the dispatch
// goroutine. Handlers must not block long.
func (t *Timer) Schedule(delay time.Duration, handler func()) Token {
	t.mu.Lock()
	t.lastTok++
	tok := t.lastTok
	t.pending[tok] = &event{token: tok, when: time.Now().Add(delay), handler: handler}
	t.mu.Unlock()
	t.poke()
	return tok
}

// Cancel removes a pending event. Unknown and already-fired tokens are
// a no-op.
func (t *Timer) Cancel(token Token) {
	t.mu.Lock()
	_, ok := t.pending[token]
	delete(t.pending, token)
	t.mu.Unlock()
	if ok {
		t.poke()
	}
}

// Close stops the dispatch goroutine; pending events are dropped.
func (t *Timer) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
}

// poke wakes the dispatch goroutine after a mutation. The channel is
// buffered so a pending wake coalesces with later ones.
func (t *Timer) poke() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	for {
		t.invokeReady()

		t.mu.Lock()
		var earliest time.Time
		have := false
		for _, ev := range t.pending {
			if !have || ev.when.Before(earliest) {
				earliest = ev.when
				have = true
			}
		}
		t.mu.Unlock()

		var fire <-chan time.Time
		var tm *time.Timer
		if have {
			wait := time.Until(earliest)
			if wait < 0 {
				wait = 0
			}
			tm = time.NewTimer(wait)
			fire = tm.C
		}

		select {
		case <-fire:
		case <-t.changed:
		case <-t.quit:
			if tm != nil {
				tm.Stop()
			}
			return
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

// invokeReady removes every pending event whose deadline has passed and
// runs its handler. Handlers fire in deadline order; equal deadlines
// fire in insertion order.
func (t *Timer) invokeReady() {
	now := time.Now()
	t.mu.Lock()
	var ready []*event
	for tok, ev := range t.pending {
		if !ev.when.After(now) {
			ready = append(ready, ev)
			delete(t.pending, tok)
		}
	}
	t.mu.Unlock()

	orderReady(ready)
	for _, ev := range ready {
		t.invoke(ev)
	}
}

func orderReady(ready []*event) {
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].when.Equal(ready[j].when) {
			return ready[i].when.Before(ready[j].when)
		}
		return ready[i].token < ready[j].token
	})
}

// invoke runs one handler, trapping panics so a broken handler cannot
// kill the dispatch goroutine or starve later events.
func (t *Timer) invoke(ev *event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("timer handler (token %d) panicked: %v", ev.token, r)
		}
	}()
	ev.handler()
}
