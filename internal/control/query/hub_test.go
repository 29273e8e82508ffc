package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/core/bus"
)

func TestHub_DeliversOnlySubscribedStream(t *testing.T) {
	b := bus.New(8)
	h := NewHub(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, b)

	startClient := NewClient("c1", 8, []string{StreamOnStart})
	stopClient := NewClient("c2", 8, []string{StreamOnStop})

	h.Register(startClient)
	h.Register(stopClient)

	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.Event{Kind: bus.ServiceRunning, Name: "api"})

	select {
	case msg := <-startClient.Send:
		assert.Equal(t, StreamOnStart, msg.Stream)
		assert.Equal(t, "api", msg.Event.Name)
	case <-time.After(time.Second):
		t.Fatal("onStart subscriber never received the event")
	}

	select {
	case msg := <-stopClient.Send:
		t.Fatalf("onStop subscriber unexpectedly received %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterStopsDelivery(t *testing.T) {
	b := bus.New(8)
	h := NewHub(8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx, b)

	client := NewClient("c1", 8, []string{StreamOnStartAll})
	h.Register(client)

	time.Sleep(20 * time.Millisecond)

	h.Unregister(client)

	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.Event{Kind: bus.AllStarted})

	_, ok := <-client.Send
	assert.False(t, ok, "client's Send channel should be closed after unregister")
}

func TestClient_SetStreams_ReplacesSubscription(t *testing.T) {
	c := NewClient("c1", 1, []string{StreamOnStart})
	require.True(t, c.wantsStream(StreamOnStart))

	c.SetStreams([]string{StreamOnStop})
	assert.False(t, c.wantsStream(StreamOnStart))
	assert.True(t, c.wantsStream(StreamOnStop))
}
