package bus

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBasicPublishSubscribe(t *testing.T) {
	b := New()
	done := make(chan struct{})
	_, err := b.Subscribe("test.event", func(e Event) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err = b.Publish(NewEvent("test.event", "tester", 123)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("handler not called")
	}
}

func TestEventTypeIsolation(t *testing.T) {
	b := New()
	count1 := 0
	count2 := 0
	_, _ = b.Subscribe("a", func(e Event) error { count1++; return nil })
	_, _ = b.Subscribe("b", func(e Event) error { count2++; return nil })
	_ = b.Publish(NewEvent("a", "src", nil))
	if count1 != 1 || count2 != 0 {
		t.Fatalf("event type isolation failed: %d %d", count1, count2)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub, _ := b.Subscribe("ev", func(e Event) error { count++; return nil })
	_ = b.Publish(NewEvent("ev", "src", nil))
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	_ = b.Publish(NewEvent("ev", "src", nil))
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if sub.IsActive() {
		t.Fatal("subscription still active after cancel")
	}
}

func TestPublishAsyncReturnsErrorChannel(t *testing.T) {
	b := New()
	handlerErr := errors.New("fail")
	_, err := b.Subscribe("x", func(e Event) error { return handlerErr })
	if err != nil {
		t.Fatalf("sub: %v", err)
	}
	ch := b.PublishAsync(NewEvent("x", "src", nil))
	if e := <-ch; e == nil {
		t.Fatal("expected error")
	}
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	subs := make([]Subscription, 0, 50)
	for i := 0; i < 50; i++ {
		sub, _ := b.Subscribe("ev", func(e Event) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(NewEvent("ev", "src", nil))
		}()
	}
	for _, sub := range subs {
		wg.Add(1)
		go func(s Subscription) {
			defer wg.Done()
			_ = s.Cancel()
		}(sub)
	}
	wg.Wait()

	for _, sub := range subs {
		if sub.IsActive() {
			t.Fatal("subscription still active after cancel")
		}
	}
	mu.Lock()
	before := count
	mu.Unlock()
	_ = b.Publish(NewEvent("ev", "src", nil))
	mu.Lock()
	after := count
	mu.Unlock()
	if after != before {
		t.Fatalf("cancelled subscriptions still delivered: %d -> %d", before, after)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	_, _ = b.Subscribe("ev", func(e Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(NewEvent("ev", "src", nil))
		}()
	}
	wg.Wait()
	if count != 50 {
		t.Fatalf("expected 50 deliveries, got %d", count)
	}
}
