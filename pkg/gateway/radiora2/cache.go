package radiora2

import (
	"fmt"
	"sync"
	"time"
)

// stalePollInterval is how often a blocking getter re-checks a stale
// entry. Tests shorten it.
var stalePollInterval = 100 * time.Millisecond

// actionFunc receives every recorded repeater state: the integration
// id, the recorded value, whether the record answered one of our own
// refresh queries, and the component id (0 for output levels).
type actionFunc func(iid int, state float64, refresh bool, compID int)

// entry is a tagged cache slot: a value, or "stale" (never reported
// since this entry was watched).
type entry struct {
	level float64
	known bool
}

// repeaterCache holds the last reported level of every watched output,
// button, and LED. Reads of stale entries block: they issue a refresh
// query and poll until the reply lands. Refresh attribution is counted
// per iid, not flagged: the synthesizer can have several refreshes of
// the same device in flight at once, and a boolean would over- or
// under-attribute the replies.
type repeaterCache struct {
	send func(line string)

	mu          sync.Mutex
	outputs     map[int]*entry
	buttons     map[int]map[int]*entry
	leds        map[int]map[int]*entry
	refreshing  map[int]int
	subscribers []actionFunc
}

func newRepeaterCache(send func(line string)) *repeaterCache {
	return &repeaterCache{
		send:       send,
		outputs:    make(map[int]*entry),
		buttons:    make(map[int]map[int]*entry),
		leds:       make(map[int]map[int]*entry),
		refreshing: make(map[int]int),
	}
}

// subscribe adds a recipient for recorded states. Subscribers run on
// the recording goroutine, outside the cache lock.
func (c *repeaterCache) subscribe(fn actionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// watchOutput registers an output iid as stale until first report.
func (c *repeaterCache) watchOutput(iid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[iid] = &entry{}
}

// watchKeypad registers a keypad's buttons and LEDs. Buttons start
// stale too, but refreshAll fills them with 0 directly: the protocol
// has no button state query.
func (c *repeaterCache) watchKeypad(iid int, buttonCIDs, ledCIDs []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buttons := make(map[int]*entry, len(buttonCIDs))
	for _, cid := range buttonCIDs {
		buttons[cid] = &entry{}
	}
	c.buttons[iid] = buttons
	leds := make(map[int]*entry, len(ledCIDs))
	for _, cid := range ledCIDs {
		leds[cid] = &entry{}
	}
	c.leds[iid] = leds
}

// refreshAll queries the repeater for every watched output and LED and
// zeroes every watched button. Existing values are kept until replaced;
// the replies come back attributed as refreshes. Runs at connect and
// again after every reconnect.
func (c *repeaterCache) refreshAll() {
	c.mu.Lock()
	outputs := make([]int, 0, len(c.outputs))
	for iid := range c.outputs {
		outputs = append(outputs, iid)
	}
	type comp struct{ iid, cid int }
	var leds, buttons []comp
	for iid, m := range c.leds {
		for cid := range m {
			leds = append(leds, comp{iid, cid})
		}
	}
	for iid, m := range c.buttons {
		for cid := range m {
			buttons = append(buttons, comp{iid, cid})
		}
	}
	c.mu.Unlock()

	for _, iid := range outputs {
		c.refreshOutput(iid)
	}
	for _, l := range leds {
		c.refreshLED(l.iid, l.cid)
	}
	for _, b := range buttons {
		c.refreshButton(b.iid, b.cid)
	}
}

func (c *repeaterCache) refreshOutput(iid int) {
	c.mu.Lock()
	c.refreshing[iid]++
	c.mu.Unlock()
	c.send(fmt.Sprintf("?OUTPUT,%d,1", iid))
}

func (c *repeaterCache) refreshLED(iid, lid int) {
	c.mu.Lock()
	c.refreshing[iid]++
	c.mu.Unlock()
	c.send(fmt.Sprintf("?DEVICE,%d,%d,9", iid, lid))
}

// refreshButton pretends the repeater answered 0: buttons cannot be
// queried, and anyone holding one across our restart will generate a
// fresh press event anyway.
func (c *repeaterCache) refreshButton(iid, bid int) {
	c.mu.Lock()
	c.refreshing[iid]++
	c.mu.Unlock()
	c.recordButton(iid, bid, 0)
}

// consumeRefreshLocked decrements iid's outstanding refresh counter
// and reports whether this record pays one off.
func (c *repeaterCache) consumeRefreshLocked(iid int) bool {
	if c.refreshing[iid] > 0 {
		c.refreshing[iid]--
		return true
	}
	return false
}

func (c *repeaterCache) broadcast(iid int, state float64, refresh bool, compID int) {
	c.mu.Lock()
	subs := append([]actionFunc(nil), c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(iid, state, refresh, compID)
	}
}

// recordOutput stores a reported output level and notifies.
func (c *repeaterCache) recordOutput(iid int, level float64) {
	c.mu.Lock()
	e, ok := c.outputs[iid]
	if !ok {
		e = &entry{}
		c.outputs[iid] = e
	}
	e.level, e.known = level, true
	refresh := c.consumeRefreshLocked(iid)
	c.mu.Unlock()
	c.broadcast(iid, level, refresh, 0)
}

// recordButton stores a button press state (1 pressed, 0 released).
func (c *repeaterCache) recordButton(iid, cid, state int) {
	c.mu.Lock()
	m, ok := c.buttons[iid]
	if !ok {
		m = make(map[int]*entry)
		c.buttons[iid] = m
	}
	e, ok := m[cid]
	if !ok {
		e = &entry{}
		m[cid] = e
	}
	e.level, e.known = float64(state), true
	refresh := c.consumeRefreshLocked(iid)
	c.mu.Unlock()
	c.broadcast(iid, float64(state), refresh, cid)
}

// recordLED stores an LED state (1 on, 0 off).
func (c *repeaterCache) recordLED(iid, cid, state int) {
	c.mu.Lock()
	m, ok := c.leds[iid]
	if !ok {
		m = make(map[int]*entry)
		c.leds[iid] = m
	}
	e, ok := m[cid]
	if !ok {
		e = &entry{}
		m[cid] = e
	}
	e.level, e.known = float64(state), true
	refresh := c.consumeRefreshLocked(iid)
	c.mu.Unlock()
	c.broadcast(iid, float64(state), refresh, cid)
}

// getOutputLevel returns iid's level, blocking on a stale entry until
// the repeater answers the refresh this getter dispatches.
func (c *repeaterCache) getOutputLevel(iid int) float64 {
	for {
		c.mu.Lock()
		e, ok := c.outputs[iid]
		if !ok {
			c.mu.Unlock()
			log.Warnf("output %d not watched, reporting 0", iid)
			return 0
		}
		if e.known {
			level := e.level
			c.mu.Unlock()
			return level
		}
		dispatch := c.refreshing[iid] == 0
		c.mu.Unlock()
		if dispatch {
			c.refreshOutput(iid)
		}
		time.Sleep(stalePollInterval)
	}
}

// getButtonState returns whether button cid on keypad iid is pressed.
func (c *repeaterCache) getButtonState(iid, cid int) bool {
	for {
		c.mu.Lock()
		e := c.buttons[iid][cid]
		if e == nil {
			c.mu.Unlock()
			log.Warnf("button %d/%d not watched, reporting released", iid, cid)
			return false
		}
		if e.known {
			pressed := e.level > 0
			c.mu.Unlock()
			return pressed
		}
		dispatch := c.refreshing[iid] == 0
		c.mu.Unlock()
		if dispatch {
			c.refreshButton(iid, cid)
		}
		time.Sleep(stalePollInterval)
	}
}

// getLEDState returns whether LED cid on keypad iid is lit.
func (c *repeaterCache) getLEDState(iid, cid int) bool {
	for {
		c.mu.Lock()
		e := c.leds[iid][cid]
		if e == nil {
			c.mu.Unlock()
			log.Warnf("led %d/%d not watched, reporting off", iid, cid)
			return false
		}
		if e.known {
			on := e.level > 0
			c.mu.Unlock()
			return on
		}
		dispatch := c.refreshing[iid] == 0
		c.mu.Unlock()
		if dispatch {
			c.refreshLED(iid, cid)
		}
		time.Sleep(stalePollInterval)
	}
}

// pressedButtons counts iid's currently pressed buttons; a keypad's
// level is this count.
func (c *repeaterCache) pressedButtons(iid int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.buttons[iid] {
		if e.known && e.level > 0 {
			n++
		}
	}
	return n
}
