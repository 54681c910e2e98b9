package bus

import (
	"sync"
	"testing"
	"time"
)

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("session-1")
	defer sub.Close()

	event := NewEvent(EventSessionStarted, "session-1")
	b.Publish(event)

	select {
	case received := <-sub.Events():
		if received.Kind != EventSessionStarted {
			t.Errorf("got kind %v, want %v", received.Kind, EventSessionStarted)
		}
		if received.SessionID != "session-1" {
			t.Errorf("got SessionID %q, want %q", received.SessionID, "session-1")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("session-1")
	defer sub1.Close()
	sub2 := b.Subscribe("session-1")
	defer sub2.Close()
	sub3 := b.Subscribe("session-1")
	defer sub3.Close()

	event := NewEvent(EventToolCall, "session-1")
	b.Publish(event)

	for i, sub := range []Subscription{sub1, sub2, sub3} {
		select {
		case e := <-sub.Events():
			if e.Kind != EventToolCall {
				t.Errorf("sub%d: got kind %v, want %v", i, e.Kind, EventToolCall)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timed out", i)
		}
	}
}

func TestMemBus_SessionIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("session-1")
	defer sub1.Close()
	sub2 := b.Subscribe("session-2")
	defer sub2.Close()

	b.Publish(NewEvent(EventSessionStarted, "session-1"))

	select {
	case <-sub1.Events():
		// expected
	case <-time.After(time.Second):
		t.Fatal("sub1 should receive session-1 events")
	}

	select {
	case <-sub2.Events():
		t.Fatal("sub2 should NOT receive session-1 events")
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	global := b.SubscribeAll()
	defer global.Close()

	b.Publish(NewEvent(EventSessionStarted, "session-1"))
	b.Publish(NewEvent(EventSessionStarted, "session-2"))
	b.Publish(NewEvent(EventSessionStarted, "session-3"))

	for i := 0; i < 3; i++ {
		select {
		case <-global.Events():
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missed event %d", i)
		}
	}
}

func TestMemBus_SubscribeAllWithSessionSpecific(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sessionSub := b.Subscribe("session-1")
	defer sessionSub.Close()
	globalSub := b.SubscribeAll()
	defer globalSub.Close()

	b.Publish(NewEvent(EventSessionStarted, "session-1"))

	// Both the session-specific and global subscriber should receive the event.
	select {
	case <-sessionSub.Events():
	case <-time.After(time.Second):
		t.Fatal("session subscriber should receive event")
	}

	select {
	case <-globalSub.Events():
	case <-time.After(time.Second):
		t.Fatal("global subscriber should receive event")
	}
}

func TestMemBus_ClosedSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("session-1")
	sub.Close()

	// Publishing after subscription close should not panic.
	b.Publish(NewEvent(EventSessionStarted, "session-1"))
}

func TestMemBus_DoubleCloseSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("session-1")

	// Closing twice should not panic.
	if err := sub.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestMemBus_ClosedBusPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{})

	sub := b.Subscribe("session-1")
	b.Close()

	// Publishing to a closed bus should not panic.
	b.Publish(NewEvent(EventSessionStarted, "session-1"))

	// The subscription channel should be closed (drained and then zero-value).
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to be closed after bus Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
}

func TestMemBus_DefaultBufferSize(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	if b.bufSize != 256 {
		t.Errorf("default buffer size = %d, want 256", b.bufSize)
	}
}

func TestMemBus_CustomBufferSize(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 64})
	defer b.Close()

	if b.bufSize != 64 {
		t.Errorf("buffer size = %d, want 64", b.bufSize)
	}
}

func TestMemBus_BufferOverflow(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("session-1")
	defer sub.Close()

	// Publish 5 events into a buffer of size 2; extras should be dropped.
	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(EventToolCall, "session-1"))
	}

	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		case <-time.After(50 * time.Millisecond):
			goto done
		}
	}
done:
	if count != 2 {
		t.Errorf("received %d events, want 2 (buffer size)", count)
	}
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()

	sub := b.Subscribe("session-1")
	defer sub.Close()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(NewEvent(EventToolCall, "session-1"))
		}()
	}
	wg.Wait()

	// Drain and count.
	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		case <-time.After(100 * time.Millisecond):
			goto done
		}
	}
done:
	if count != n {
		t.Errorf("received %d events, want %d", count, n)
	}
}

func TestMemBus_ConcurrentSubscribePublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 100})
	defer b.Close()

	var wg sync.WaitGroup

	// Concurrently subscribe and publish.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("session-1")
			defer sub.Close()
			b.Publish(NewEvent(EventToolCall, "session-1"))
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.SubscribeAll()
			defer sub.Close()
			b.Publish(NewEvent(EventSessionStarted, "session-1"))
		}()
	}

	wg.Wait()
}

func TestMemBus_CloseUnsubscribes(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("session-1")
	global := b.SubscribeAll()
	sub.Close()
	global.Close()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) != 0 {
		t.Errorf("session subscribers = %d, want 0", len(b.subs))
	}
	if len(b.globalSubs) != 0 {
		t.Errorf("global subscribers = %d, want 0", len(b.globalSubs))
	}
}

func TestMemBus_DroppedCount(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1})
	defer b.Close()

	sub := b.Subscribe("session-1")
	defer sub.Close()

	for i := 0; i < 4; i++ {
		b.Publish(NewEvent(EventToolResult, "session-1"))
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestMemBus_SubscribeAfterClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	b.Close()

	sub := b.Subscribe("session-1")
	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscription on a closed bus should be closed")
	}
}
