package notify

import (
	"testing"
	"time"
)

func TestPublishReachesOnlyMatchingSession(t *testing.T) {
	t.Parallel()
	b := New()

	chA, detachA := b.Attach("a", 4)
	defer detachA()
	chB, detachB := b.Attach("b", 4)
	defer detachB()

	b.Publish(Event{SessionID: "a", Kind: KindReady})

	select {
	case e := <-chA:
		if e.Kind != KindReady || e.SessionID != "a" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Time to be stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a did not receive event")
	}

	select {
	case e := <-chB:
		t.Fatalf("subscriber b received foreign event: %+v", e)
	default:
	}
}

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	// Must not block or queue.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{SessionID: "ghost", Kind: KindQR, Payload: "code"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscriber attached")
	}

	// A late subscriber sees nothing (drop, not queue).
	ch, detach := b.Attach("ghost", 1)
	defer detach()
	select {
	case e := <-ch:
		t.Fatalf("late subscriber received queued event: %+v", e)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	_, detach := b.Attach("s", 1)
	defer detach()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{SessionID: "s", Kind: KindMessage})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}

func TestDetachIsIdempotentAndSafeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	_, detach := b.Attach("x", 1)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{SessionID: "x", Kind: KindMessage})
			}
		}
	}()

	detach()
	detach()
	close(stop)
}

func TestTapSeesAllSessions(t *testing.T) {
	t.Parallel()
	b := New()
	ch, untap := b.Tap(8)
	defer untap()

	b.Publish(Event{SessionID: "a", Kind: KindQR})
	b.Publish(Event{SessionID: "b", Kind: KindFailed, Payload: "boom"})

	got := map[string]Kind{}
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got[e.SessionID] = e.Kind
		case <-time.After(time.Second):
			t.Fatalf("tap received %d of 2 events", i)
		}
	}
	if got["a"] != KindQR || got["b"] != KindFailed {
		t.Fatalf("unexpected tap events: %v", got)
	}
}
