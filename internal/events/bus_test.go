package events

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub.ID)

	for i := 0; i < 20; i++ {
		bus.Publish(SessionUpdated, i)
	}

	for i := 0; i < 20; i++ {
		evt := <-sub.C
		assert.Equal(t, SessionUpdated, evt.Name)
		assert.Equal(t, i, evt.Payload)
	}
}

func TestAllSubscribersReceiveEachEvent(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a.ID)
	defer bus.Unsubscribe(b.ID)

	bus.Publish(WindowCreated, "w1")

	assert.Equal(t, "w1", (<-a.C).Payload)
	assert.Equal(t, "w1", (<-b.C).Payload)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub.ID)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)

	// Double unsubscribe is a no-op
	bus.Unsubscribe(sub.ID)
}

func TestSlowSubscriberLosesEventsWithoutBlocking(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()
	defer bus.Unsubscribe(slow.ID)

	// Overfill the buffer; Publish must return regardless
	for i := 0; i < subscriberBuffer+50; i++ {
		bus.Publish(SessionUpdated, i)
	}

	drained := 0
	for {
		select {
		case <-slow.C:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, drained)
}

func TestPublishWithNoSubscribers(t *testing.T) {
	bus := NewBus()
	// Must not panic or block
	bus.Publish(TunnelOpen, fmt.Sprintf("https://%s.trycloudflare.com", "x"))
}
