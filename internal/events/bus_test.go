package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(CacheDown, func(event *Event) {
		received <- event
	})

	bus.Publish(CacheDown, "health", map[string]interface{}{"reason": "ping failed"})

	select {
	case event := <-received:
		assert.Equal(t, CacheDown, event.Type)
		assert.Equal(t, "health", event.Module)
		assert.Equal(t, "ping failed", event.Data["reason"])
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
}

func TestBus_PublishOnlyMatchingType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	cacheEvents := make(chan *Event, 2)
	storeEvents := make(chan *Event, 2)
	bus.Subscribe(CacheUp, func(event *Event) { cacheEvents <- event })
	bus.Subscribe(StoreUp, func(event *Event) { storeEvents <- event })

	bus.Publish(StoreUp, "health", nil)

	select {
	case event := <-storeEvents:
		assert.Equal(t, StoreUp, event.Type)
	case <-time.After(time.Second):
		t.Fatal("store subscriber never received event")
	}

	select {
	case <-cacheEvents:
		t.Fatal("cache subscriber received unrelated event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	defer bus.Close()

	const rounds = 200
	seq := make(chan EventType, rounds*2)
	record := func(event *Event) { seq <- event.Type }
	bus.Subscribe(CacheDown, record)
	bus.Subscribe(CacheUp, record)

	// A down transition immediately followed by up must be observed in
	// that order, or a subscriber resumes first and then pauses forever.
	for i := 0; i < rounds; i++ {
		bus.Publish(CacheDown, "health", nil)
		bus.Publish(CacheUp, "health", nil)
	}

	for i := 0; i < rounds*2; i++ {
		want := CacheDown
		if i%2 == 1 {
			want = CacheUp
		}
		select {
		case got := <-seq:
			require.Equal(t, want, got, "delivery %d out of publish order", i)
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d events delivered", i, rounds*2)
		}
	}
}

func TestBus_MultipleSubscribersAllNotified(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	received := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(StoreDown, func(*Event) { received <- i })
	}

	bus.Publish(StoreDown, "persistence", nil)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case n := <-received:
			seen[n] = true
		case <-time.After(time.Second):
			t.Fatal("not all subscribers notified")
		}
	}
	require.Len(t, seen, 3)
}
