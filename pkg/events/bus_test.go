package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()

	first, cancelFirst := bus.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(Event{Kind: KindAlertBatch, Count: 3})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindAlertBatch, ev.Kind)
			assert.Equal(t, 3, ev.Count)
			assert.False(t, ev.At.IsZero(), "publish stamps the event time")
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// One fits the buffer, the rest are dropped without blocking.
	bus.Publish(Event{Kind: KindAlertAck})
	bus.Publish(Event{Kind: KindAlertAck})
	bus.Publish(Event{Kind: KindAlertAck})

	assert.Equal(t, int64(2), bus.Dropped())
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(4)
	cancel()
	assert.Zero(t, bus.Subscribers())

	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent and a publish to nobody is fine.
	cancel()
	bus.Publish(Event{Kind: KindConnection, Connected: true})
}

func TestBusLaggingSubscriberDoesNotStallOthers(t *testing.T) {
	bus := NewBus()

	lagging, cancelLagging := bus.Subscribe(1)
	defer cancelLagging()
	healthy, cancelHealthy := bus.Subscribe(8)
	defer cancelHealthy()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindAlertBatch, Count: i})
	}

	received := 0
	for len(healthy) > 0 {
		<-healthy
		received++
	}
	assert.Equal(t, 5, received)

	require.Len(t, lagging, 1)
	assert.Equal(t, int64(4), bus.Dropped())
}

func TestBusDefaultBuffer(t *testing.T) {
	bus := NewBus()

	ch, cancel := bus.Subscribe(0)
	defer cancel()

	// A non-positive buffer still yields a usable buffered channel.
	bus.Publish(Event{Kind: KindAlertBatch, Count: 1})
	select {
	case ev := <-ch:
		assert.Equal(t, 1, ev.Count)
	default:
		t.Fatal("event was dropped despite the default buffer")
	}
}
