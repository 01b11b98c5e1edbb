package synther

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stargate-home/stargate/pkg/util"
)

func paranoidSpec() ParanoidSpec {
	return ParanoidSpec{
		Gateway: alarmGateway,
		Device:  "zone:4",
		State:   "open",
		Delay:   0.08,
		Notify:  "security",
	}
}

func TestParanoidAlarmLifecycle(t *testing.T) {
	notifier := &fakeNotifier{}
	rh := newRuleHarness(t, notifier)
	zone := rh.alarm.addZone(t, rh.house, rh.area, 4)

	if _, err := newParanoid(rh.house, paranoidSpec()); err != nil {
		t.Fatalf("newParanoid: %v", err)
	}

	// A brief excursion stays quiet.
	rh.alarm.setOpen(4, true)
	zone.PublishChange(1, false)
	time.Sleep(20 * time.Millisecond)
	rh.alarm.setOpen(4, false)
	zone.PublishChange(0, false)
	time.Sleep(200 * time.Millisecond)
	if n := notifier.count(); n != 0 {
		t.Fatalf("brief excursion sent %d notifications", n)
	}

	// Sustained: exactly one alarm, however long it lasts.
	rh.alarm.setOpen(4, true)
	zone.PublishChange(1, false)
	waitUntil(t, "the alarm notification", func() bool { return notifier.count() == 1 })
	time.Sleep(200 * time.Millisecond)
	if n := notifier.count(); n != 1 {
		t.Fatalf("persisting state re-alarmed: %d notifications", n)
	}

	// Leaving the state clears the alarm.
	rh.alarm.setOpen(4, false)
	zone.PublishChange(0, false)
	waitUntil(t, "the clearing notification", func() bool { return notifier.count() == 2 })

	subjects := notifier.subjects()
	if !strings.Contains(subjects[0], "alarm") || strings.Contains(subjects[0], "cleared") {
		t.Fatalf("first subject = %q", subjects[0])
	}
	if !strings.Contains(subjects[1], "cleared") {
		t.Fatalf("second subject = %q", subjects[1])
	}

	// Another brief excursion after the episode stays quiet again.
	rh.alarm.setOpen(4, true)
	zone.PublishChange(1, false)
	time.Sleep(20 * time.Millisecond)
	rh.alarm.setOpen(4, false)
	zone.PublishChange(0, false)
	time.Sleep(200 * time.Millisecond)
	if n := notifier.count(); n != 2 {
		t.Fatalf("post-episode excursion sent %d notifications, want 2", n)
	}
}

func TestParanoidEvaluatesInitialState(t *testing.T) {
	notifier := &fakeNotifier{}
	rh := newRuleHarness(t, notifier)
	rh.alarm.addZone(t, rh.house, rh.area, 4)
	rh.alarm.setOpen(4, true)

	// Already in the watched state at build: the clock starts now,
	// no event needed.
	if _, err := newParanoid(rh.house, paranoidSpec()); err != nil {
		t.Fatalf("newParanoid: %v", err)
	}
	waitUntil(t, "the alarm for the pre-existing state", func() bool { return notifier.count() == 1 })
}

func TestParanoidClearWithoutAlarmIsQuiet(t *testing.T) {
	notifier := &fakeNotifier{}
	rh := newRuleHarness(t, notifier)
	zone := rh.alarm.addZone(t, rh.house, rh.area, 4)

	if _, err := newParanoid(rh.house, paranoidSpec()); err != nil {
		t.Fatalf("newParanoid: %v", err)
	}

	// Events in the good state never notify.
	zone.PublishChange(0, false)
	zone.PublishChange(0, true)
	time.Sleep(200 * time.Millisecond)
	if n := notifier.count(); n != 0 {
		t.Fatalf("good-state events sent %d notifications", n)
	}
}

func TestParanoidRejectsBadSpecs(t *testing.T) {
	notifier := &fakeNotifier{}
	rh := newRuleHarness(t, notifier)
	rh.alarm.addZone(t, rh.house, rh.area, 4)

	spec := paranoidSpec()
	spec.Notify = "nobody"
	if _, err := newParanoid(rh.house, spec); !errors.Is(err, util.ErrValidationFailed) {
		t.Fatalf("unknown alias err = %v, want validation failure", err)
	}

	spec = paranoidSpec()
	spec.Delay = 0
	if _, err := newParanoid(rh.house, spec); !errors.Is(err, util.ErrValidationFailed) {
		t.Fatalf("zero delay err = %v, want validation failure", err)
	}

	spec = paranoidSpec()
	spec.Device = "zone:99"
	if _, err := newParanoid(rh.house, spec); !errors.Is(err, util.ErrNotFound) {
		t.Fatalf("missing device err = %v, want not found", err)
	}
}
