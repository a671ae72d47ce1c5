package eventbus

import "testing"

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	Publish(b, "launchenv.finished", 3)

	select {
	case e := <-ch:
		if e.Type != "launchenv.finished" {
			t.Fatalf("Type = %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatalf("expected timestamp to be set")
		}
	default:
		t.Fatalf("expected event to be delivered")
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		Publish(b, "x", i)
	}
	if len(ch) != 1 {
		t.Fatalf("len(ch) = %d, want 1", len(ch))
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	Publish(b, "x", nil)
	Publish(nil, "x", nil)
}
