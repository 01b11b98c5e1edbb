package radiora2

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

type recordedAction struct {
	iid     int
	state   float64
	refresh bool
	compID  int
}

type cacheHarness struct {
	cache *repeaterCache

	mu      sync.Mutex
	sends   []string
	actions []recordedAction
}

func newCacheHarness() *cacheHarness {
	h := &cacheHarness{}
	h.cache = newRepeaterCache(func(line string) {
		h.mu.Lock()
		h.sends = append(h.sends, line)
		h.mu.Unlock()
	})
	h.cache.subscribe(func(iid int, state float64, refresh bool, compID int) {
		h.mu.Lock()
		h.actions = append(h.actions, recordedAction{iid, state, refresh, compID})
		h.mu.Unlock()
	})
	return h
}

func (h *cacheHarness) sentLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sends...)
}

func (h *cacheHarness) recorded() []recordedAction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedAction(nil), h.actions...)
}

func shortenStalePoll(t *testing.T) {
	t.Helper()
	old := stalePollInterval
	stalePollInterval = time.Millisecond
	t.Cleanup(func() { stalePollInterval = old })
}

func TestRecordOutputBroadcasts(t *testing.T) {
	h := newCacheHarness()
	h.cache.watchOutput(5)
	h.cache.recordOutput(5, 75.5)

	want := []recordedAction{{5, 75.5, false, 0}}
	if got := h.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
	if got := h.cache.getOutputLevel(5); got != 75.5 {
		t.Fatalf("getOutputLevel = %v, want 75.5", got)
	}
}

func TestRefreshAttributionPerQuery(t *testing.T) {
	h := newCacheHarness()
	h.cache.watchOutput(5)

	h.cache.refreshOutput(5)
	h.cache.refreshOutput(5)
	if got := h.sentLines(); !reflect.DeepEqual(got, []string{"?OUTPUT,5,1", "?OUTPUT,5,1"}) {
		t.Fatalf("sent = %v", got)
	}

	// Two refreshes in flight: the next two records answer them, the
	// third is a genuine user action.
	h.cache.recordOutput(5, 10)
	h.cache.recordOutput(5, 20)
	h.cache.recordOutput(5, 30)

	want := []recordedAction{
		{5, 10, true, 0},
		{5, 20, true, 0},
		{5, 30, false, 0},
	}
	if got := h.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
}

func TestBlockingGetDispatchesSingleRefresh(t *testing.T) {
	shortenStalePoll(t)
	h := newCacheHarness()
	h.cache.watchOutput(7)

	result := make(chan float64, 1)
	go func() { result <- h.cache.getOutputLevel(7) }()

	// Wait for the getter to dispatch its refresh, then give it a few
	// more poll cycles: the outstanding counter must stop it from
	// dispatching again.
	deadline := time.After(2 * time.Second)
	for len(h.sentLines()) == 0 {
		select {
		case <-deadline:
			t.Fatal("getter never dispatched a refresh")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.sentLines(); !reflect.DeepEqual(got, []string{"?OUTPUT,7,1"}) {
		t.Fatalf("sent = %v, want a single query", got)
	}

	h.cache.recordOutput(7, 42)
	select {
	case got := <-result:
		if got != 42 {
			t.Fatalf("getOutputLevel = %v, want 42", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("getter did not return after the record")
	}
}

func TestBlockingButtonGetSelfResolves(t *testing.T) {
	shortenStalePoll(t)
	h := newCacheHarness()
	h.cache.watchKeypad(21, []int{1}, []int{81})

	// Buttons cannot be queried; the dispatched refresh records 0
	// directly, so the getter resolves without outside help.
	if h.cache.getButtonState(21, 1) {
		t.Fatalf("stale button should resolve to released")
	}
	want := []recordedAction{{21, 0, true, 1}}
	if got := h.recorded(); !reflect.DeepEqual(got, want) {
		t.Fatalf("actions = %v, want %v", got, want)
	}
}

func TestBlockingLEDGet(t *testing.T) {
	shortenStalePoll(t)
	h := newCacheHarness()
	h.cache.watchKeypad(21, []int{1}, []int{81})

	result := make(chan bool, 1)
	go func() { result <- h.cache.getLEDState(21, 81) }()

	deadline := time.After(2 * time.Second)
	for len(h.sentLines()) == 0 {
		select {
		case <-deadline:
			t.Fatal("getter never dispatched a refresh")
		case <-time.After(time.Millisecond):
		}
	}
	if got := h.sentLines()[0]; got != "?DEVICE,21,81,9" {
		t.Fatalf("sent %q, want LED query", got)
	}

	h.cache.recordLED(21, 81, 1)
	select {
	case got := <-result:
		if !got {
			t.Fatalf("getLEDState = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("getter did not return after the record")
	}
}

func TestRefreshAllQueriesWatchedAndZeroesButtons(t *testing.T) {
	h := newCacheHarness()
	h.cache.watchOutput(5)
	h.cache.recordOutput(5, 60)
	h.cache.watchKeypad(21, []int{1, 2}, []int{81})

	h.cache.refreshAll()

	sent := h.sentLines()
	wantSent := map[string]bool{"?OUTPUT,5,1": true, "?DEVICE,21,81,9": true}
	for _, line := range sent {
		delete(wantSent, line)
	}
	if len(wantSent) != 0 {
		t.Fatalf("missing queries %v in sent %v", wantSent, sent)
	}

	// Old values survive until the replies land.
	if got := h.cache.getOutputLevel(5); got != 60 {
		t.Fatalf("getOutputLevel = %v, want the pre-refresh 60", got)
	}

	// Buttons were zeroed directly, attributed as refreshes.
	zeroed := map[int]bool{}
	for _, a := range h.recorded() {
		if a.iid == 21 && a.state == 0 && a.refresh && a.compID > 0 {
			zeroed[a.compID] = true
		}
	}
	if !zeroed[1] || !zeroed[2] {
		t.Fatalf("buttons not zeroed as refreshes: %v", h.recorded())
	}
	if h.cache.getButtonState(21, 1) {
		t.Fatalf("zeroed button reads pressed")
	}

	// The reply to the output query is attributed as a refresh.
	h.cache.recordOutput(5, 30)
	actions := h.recorded()
	last := actions[len(actions)-1]
	if !last.refresh || last.state != 30 {
		t.Fatalf("reply not attributed as refresh: %+v", last)
	}
}

func TestUnwatchedGettersReportZeroState(t *testing.T) {
	h := newCacheHarness()
	if got := h.cache.getOutputLevel(99); got != 0 {
		t.Fatalf("unwatched output level = %v, want 0", got)
	}
	if h.cache.getButtonState(99, 1) {
		t.Fatalf("unwatched button reads pressed")
	}
	if h.cache.getLEDState(99, 1) {
		t.Fatalf("unwatched LED reads lit")
	}
	if got := h.sentLines(); len(got) != 0 {
		t.Fatalf("unwatched getters queried the repeater: %v", got)
	}
}

func TestRecordCreatesUnwatchedEntries(t *testing.T) {
	h := newCacheHarness()
	h.cache.recordOutput(8, 55)
	if got := h.cache.getOutputLevel(8); got != 55 {
		t.Fatalf("getOutputLevel = %v, want 55", got)
	}
	h.cache.recordLED(40, 82, 1)
	if !h.cache.getLEDState(40, 82) {
		t.Fatalf("recorded LED should read lit")
	}
}

func TestPressedButtons(t *testing.T) {
	h := newCacheHarness()
	h.cache.watchKeypad(21, []int{1, 2, 3}, nil)
	if got := h.cache.pressedButtons(21); got != 0 {
		t.Fatalf("pressedButtons = %d, want 0", got)
	}
	h.cache.recordButton(21, 1, 1)
	h.cache.recordButton(21, 3, 1)
	h.cache.recordButton(21, 2, 0)
	if got := h.cache.pressedButtons(21); got != 2 {
		t.Fatalf("pressedButtons = %d, want 2", got)
	}
	h.cache.recordButton(21, 1, 0)
	if got := h.cache.pressedButtons(21); got != 1 {
		t.Fatalf("pressedButtons = %d, want 1", got)
	}
}
