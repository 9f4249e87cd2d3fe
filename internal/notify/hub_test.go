package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubDeliversToOwningUserOnly(t *testing.T) {
	h := NewHub(zap.NewNop())

	chA, cancelA := h.Subscribe("u-a")
	defer cancelA()
	chB, cancelB := h.Subscribe("u-b")
	defer cancelB()

	h.Publish("u-a", Event{Event: EventProgress, Message: "hi"})

	select {
	case ev := <-chA:
		assert.Equal(t, EventProgress, ev.Event)
	default:
		t.Fatal("subscriber of u-a got nothing")
	}

	select {
	case ev := <-chB:
		t.Fatalf("u-b received u-a's event: %v", ev)
	default:
	}
}

func TestHubFansOutToAllUserConnections(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch1, cancel1 := h.Subscribe("u-a")
	defer cancel1()
	ch2, cancel2 := h.Subscribe("u-a")
	defer cancel2()

	assert.Equal(t, 2, h.Subscribers("u-a"))

	h.Publish("u-a", Event{Event: EventReady})

	require.Len(t, ch1, 1)
	require.Len(t, ch2, 1)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch, cancel := h.Subscribe("u-a")
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("u-a"))

	// cancelling twice is safe
	cancel()

	// publishing to a user with no subscribers is a no-op
	h.Publish("u-a", Event{Event: EventProgress})
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub(zap.NewNop())

	ch, cancel := h.Subscribe("u-a")
	defer cancel()

	// fill the buffer and then some; the publisher must never block
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish("u-a", Event{Event: EventProgress})
	}

	assert.Len(t, ch, subscriberBuffer)
}
