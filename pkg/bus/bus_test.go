package bus

import "testing"

func TestSubscribe(t *testing.T) {
	b := New[string]()

	var got []bool
	b.Subscribe("lamp", func(synthetic bool) {
		got = append(got, synthetic)
	})

	b.Publish("lamp", false)
	b.Publish("lamp", true)
	b.Publish("other", false)

	if len(got) != 2 {
		t.Fatalf("handler ran %d times, want 2", len(got))
	}
	if got[0] != false || got[1] != true {
		t.Errorf("synthetic flags = %v, want [false true]", got)
	}
}

func TestSubscribeAll(t *testing.T) {
	b := New[string]()

	type event struct {
		dev       string
		synthetic bool
	}
	var got []event
	b.SubscribeAll(func(dev string, synthetic bool) {
		got = append(got, event{dev, synthetic})
	})

	b.Publish("lamp", false)
	b.Publish("sensor", true)

	want := []event{{"lamp", false}, {"sensor", true}}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestPublishOrder(t *testing.T) {
	b := New[string]()

	var order []string
	b.Subscribe("lamp", func(bool) { order = append(order, "dev1") })
	b.Subscribe("lamp", func(bool) { order = append(order, "dev2") })
	b.SubscribeAll(func(string, bool) { order = append(order, "all") })

	b.Publish("lamp", false)

	want := []string{"dev1", "dev2", "all"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSubscribeDuringPublish(t *testing.T) {
	b := New[string]()

	nested := false
	b.Subscribe("lamp", func(bool) {
		// Must not deadlock; the new handler sees later events only.
		b.Subscribe("lamp", func(bool) { nested = true })
	})

	b.Publish("lamp", false)
	if nested {
		t.Error("newly added handler should not see the in-flight event")
	}
	b.Publish("lamp", false)
	if !nested {
		t.Error("newly added handler should see the next event")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	b := New[int]()
	b.Publish(42, false) // must not panic
}
