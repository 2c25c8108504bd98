package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	Publish(b, TickStarted, 7)
	for i, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TickStarted || e.Data != 7 || e.Time.IsZero() {
				t.Fatalf("sub %d got %+v", i, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub %d got nothing", i)
		}
	}

	unsubA()
	unsubA()
	Publish(b, TickFinished, nil)
	if _, ok := <-a; ok {
		t.Fatalf("unsubscribed channel still open")
	}
}

func TestSubscribeTopics(t *testing.T) {
	t.Parallel()
	b := New()
	ticks, unsub := b.Subscribe(8, "tick.", TaskResult)
	defer unsub()

	Publish(b, JobStarted, nil)
	Publish(b, TickDrift, nil)
	Publish(b, TaskResult, nil)
	Publish(b, NotifySent, nil)

	var got []string
	for len(got) < 2 {
		select {
		case e := <-ticks:
			got = append(got, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want 2 events", got)
		}
	}
	if got[0] != TickDrift || got[1] != TaskResult {
		t.Fatalf("events = %v, want [%s %s]", got, TickDrift, TaskResult)
	}
	select {
	case e := <-ticks:
		t.Fatalf("unexpected event %s", e.Type)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Buffers are never smaller than 8.
	for i := 0; i < 10; i++ {
		Publish(b, JobStarted, i)
	}
	if e := <-ch; e.Data != 0 {
		t.Fatalf("first event = %v, want 0", e.Data)
	}
	if d := b.Dropped(); d != 2 {
		t.Fatalf("Dropped() = %d, want 2", d)
	}
}

func TestPublishNilBus(t *testing.T) {
	t.Parallel()
	Publish(nil, JobStarted, nil)
}
