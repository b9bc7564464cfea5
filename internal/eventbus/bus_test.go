package eventbus

import "testing"

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: JobScheduled, Data: JobData{ID: "A"}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != JobScheduled {
			t.Fatalf("Type = %q, want %q", e.Type, JobScheduled)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish should stamp Time")
		}
		if d, ok := e.Data.(JobData); !ok || d.ID != "A" {
			t.Fatalf("Data = %#v, want JobData{ID: A}", e.Data)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobStarted})
	b.Publish(Event{Type: JobFinished})
	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// No subscribers left; must not panic.
	b.Publish(Event{Type: JobCancelled})
}
