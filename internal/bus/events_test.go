package bus

import (
	"testing"
	"time"
)

func TestPublishEventDelivers(t *testing.T) {
	got := make(chan Event, 1)
	id := SubscribeEvent("test.deliver", func(e Event) { got <- e })
	defer UnsubscribeEvent(id)

	PublishEventWithSource("test.deliver", 42, "queue")

	select {
	case e := <-got:
		if e.Topic != "test.deliver" || e.Source != "queue" || e.Data != 42 {
			t.Errorf("unexpected event: %+v", e)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func subscriberCount(topic string) int {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()
	return len(eventSubscriptions[topic])
}

func TestUnsubscribeEvent(t *testing.T) {
	a := SubscribeEvent("test.unsub", func(Event) {})
	b := SubscribeEvent("test.unsub", func(Event) {})

	if n := subscriberCount("test.unsub"); n != 2 {
		t.Fatalf("got %d subscribers, want 2", n)
	}
	if !UnsubscribeEvent(a) {
		t.Fatal("first unsubscribe failed")
	}
	if UnsubscribeEvent(a) {
		t.Error("second unsubscribe of the same id should report false")
	}
	if n := subscriberCount("test.unsub"); n != 1 {
		t.Errorf("got %d subscribers, want 1", n)
	}
	UnsubscribeEvent(b)

	eventSubscriptionsMu.RLock()
	_, present := eventSubscriptions["test.unsub"]
	eventSubscriptionsMu.RUnlock()
	if present {
		t.Error("topic should be dropped once empty")
	}
}

func TestHandlerPanicIsContained(t *testing.T) {
	done := make(chan struct{})
	p := SubscribeEvent("test.panic", func(Event) { panic("boom") })
	ok := SubscribeEvent("test.panic", func(Event) { close(done) })
	defer UnsubscribeEvent(p)
	defer UnsubscribeEvent(ok)

	PublishEvent("test.panic", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy handler not called")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	PublishEvent("test.nobody", "ignored")
}
