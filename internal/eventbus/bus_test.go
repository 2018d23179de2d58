package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(TypeTransactionIndexed, received)

	bus.Publish(Event{
		Type:      TypeTransactionIndexed,
		Contract:  "0xc0ffee",
		Timestamp: time.Now(),
		Data:      map[string]string{"tx_hash": "0xabc"},
	})

	select {
	case evt := <-received:
		if evt.Type != TypeTransactionIndexed {
			t.Errorf("expected %s, got %s", TypeTransactionIndexed, evt.Type)
		}
		if evt.Contract != "0xc0ffee" {
			t.Errorf("expected contract 0xc0ffee, got %s", evt.Contract)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(TypeTransactionIndexed, ch1)
	bus.Subscribe(TypeTransactionIndexed, ch2)

	bus.Publish(Event{Type: TypeTransactionIndexed, Contract: "0xc1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	indexedCh := make(chan Event, 10)
	enrichedCh := make(chan Event, 10)
	bus.Subscribe(TypeTransactionIndexed, indexedCh)
	bus.Subscribe(TypeTransactionEnriched, enrichedCh)

	bus.Publish(Event{Type: TypeTransactionIndexed, Contract: "0xc1"})

	select {
	case <-indexedCh:
	case <-time.After(time.Second):
		t.Fatal("indexed subscriber did not receive event")
	}

	select {
	case <-enrichedCh:
		t.Fatal("enriched subscriber should NOT receive indexed event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishConcurrent(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(TypeTransactionIndexed, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TypeTransactionIndexed, Contract: "0xc1"})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := New()
	received := make(chan Event, 1)
	bus.Subscribe(TypeContractStatus, received)

	bus.Close()
	bus.Publish(Event{Type: TypeContractStatus})

	if len(received) != 0 {
		t.Error("publish after close must be a no-op")
	}
}
