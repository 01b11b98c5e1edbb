package session

import (
	"sync"
	"time"

	"github.com/stargate-home/stargate/pkg/metrics"
	"github.com/stargate-home/stargate/pkg/util"
)

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 120 * time.Second
)

// Watchdog monitors registered sessions and drives reconnection when
// one dies. It is the sole authority for reconnecting: gateways hand
// it an idempotent thunk that redials, re-logs-in, and re-registers
// the replacement session.
type Watchdog struct {
	mu   sync.Mutex
	regs map[*Session]*registration

	failc     chan *Session
	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

type registration struct {
	sess      *Session
	reconnect func() error
}

// NewWatchdog creates a Watchdog and starts its monitor goroutine.
func NewWatchdog() *Watchdog {
	w := &Watchdog{
		regs:  make(map[*Session]*registration),
		failc: make(chan *Session, 16),
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
	}
	util.Go("watchdog-monitor", w.run)
	return w
}

// Add registers a session and its reconnect thunk. Safe from any
// goroutine. A session that already died before registration is
// picked up by the next sweep.
func (w *Watchdog) Add(sess *Session, reconnect func() error) {
	w.mu.Lock()
	w.regs[sess] = &registration{sess: sess, reconnect: reconnect}
	w.mu.Unlock()

	sess.notifyOnFailure(func(s *Session) {
		select {
		case w.failc <- s:
		case <-w.quit:
		}
	})
	w.poke()
}

// Close stops the monitor and any backoff waits. Registered sessions
// are left alone; the daemon closes those on its own shutdown path.
func (w *Watchdog) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
}

func (w *Watchdog) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watchdog) run() {
	for {
		select {
		case s := <-w.failc:
			w.handleFailure(s)
		case <-w.wake:
			w.sweep()
		case <-w.quit:
			return
		}
	}
}

// handleFailure consumes one failure notification. The registration is
// removed before recovery starts, so the sweep path and the channel
// path cannot both recover the same session.
func (w *Watchdog) handleFailure(s *Session) {
	w.mu.Lock()
	reg, ok := w.regs[s]
	if ok {
		delete(w.regs, s)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	w.recover(reg)
}

// sweep probes every registered session and reaps the ones that died
// without delivering a failure notification (registered after the
// failure, for instance).
func (w *Watchdog) sweep() {
	w.mu.Lock()
	var dead []*registration
	for _, reg := range w.regs {
		if reg.sess.Failed() {
			dead = append(dead, reg)
			delete(w.regs, reg.sess)
		}
	}
	w.mu.Unlock()

	for _, reg := range dead {
		w.recover(reg)
	}
}

// recover runs reconnection on its own goroutine so a slow reconnect
// never blocks failure detection for other sessions.
func (w *Watchdog) recover(reg *registration) {
	util.Go("reconnect-"+reg.sess.Name(), func() { w.reconnectLoop(reg) })
}

func (w *Watchdog) reconnectLoop(reg *registration) {
	reg.sess.Close()
	reg.sess.Join()

	// Each attempt waits out its backoff first: 2, 4, 8, ... 120s.
	name := reg.sess.Name()
	delay := reconnectInitialDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(delay):
		case <-w.quit:
			return
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}

		log.WithField("session", name).Infof("reconnect attempt %d", attempt)
		err := reg.reconnect()
		if err == nil {
			log.WithField("session", name).Info("reconnected")
			metrics.Default.RecordReconnect(name)
			return
		}
		log.WithField("session", name).Warnf("reconnect failed: %v; retrying in %s", err, delay)
	}
}
