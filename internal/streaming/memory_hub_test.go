package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stategraph/pkg/schema"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{
		ExecutionID: "exec-1",
		NodeID:      "fetch",
		EventType:   schema.EventNodeCompleted,
		Payload:     map[string]any{"result": "ok"},
	}

	err = hub.Publish(ctx, event)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, event.ExecutionID, got.ExecutionID)
		assert.Equal(t, event.NodeID, got.NodeID)
		assert.Equal(t, event.EventType, got.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	// Should be received (matching execution)
	err = hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventNodeStarted})
	require.NoError(t, err)

	// Should be dropped (different execution)
	err = hub.Publish(ctx, Event{ExecutionID: "exec-2", EventType: schema.EventNodeStarted})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "exec-1", got.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	// Channel should be empty -- the exec-2 event was filtered out.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{
		EventTypes: []string{schema.EventNodeCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	// Should be received
	err = hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventNodeCompleted})
	require.NoError(t, err)

	// Should be dropped
	err = hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventNodeStarted})
	require.NoError(t, err)

	// Should be received
	err = hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventExecutionFailed})
	require.NoError(t, err)

	var received []string
	for i := 0; i < 2; i++ {
		select {
		case got := <-ch:
			received = append(received, got.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{schema.EventNodeCompleted, schema.EventExecutionFailed}, received)

	// No more events
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	event := Event{ExecutionID: "exec-1", EventType: schema.EventNodeCompleted}
	err = hub.Publish(ctx, event)
	require.NoError(t, err)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, event.ExecutionID, got.ExecutionID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()

	err = hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventNodeStarted})
	require.NoError(t, err)

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event after cancel: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	// Never read from this subscriber; its buffer fills up.
	_, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultChannelBuffer*2; i++ {
			hub.Publish(ctx, Event{ExecutionID: "exec-1", EventType: schema.EventNodeStarted})
		}
		close(done)
	}()

	select {
	case <-done:
		// Publish never blocked.
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, Filter{})
			assert.NoError(t, err)
			defer cancel()
			for j := 0; j < 20; j++ {
				assert.NoError(t, hub.Publish(ctx, Event{
					ExecutionID: "exec-1",
					EventType:   schema.EventNodeStarted,
				}))
			}
		}()
	}
	wg.Wait()
}

func TestHubObserverPublishesEventsAndSignals(t *testing.T) {
	hub := NewMemoryHub()
	obs := NewHubObserver(hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	obs.OnEvent("exec-1", schema.EventNodeStarted, map[string]any{"node_id": "fetch"})
	obs.OnSignal(schema.Signal{
		Type:          schema.SignalHumanInputRequired,
		NodeID:        "approve",
		CorrelationID: "corr-1",
	})

	got := make([]Event, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	assert.Equal(t, schema.EventNodeStarted, got[0].EventType)
	assert.Equal(t, "exec-1", got[0].ExecutionID)
	assert.Equal(t, "fetch", got[0].NodeID)

	assert.Equal(t, "signal", got[1].EventType)
	assert.Equal(t, "approve", got[1].NodeID)
	sig, ok := got[1].Payload.(schema.Signal)
	require.True(t, ok)
	assert.Equal(t, "corr-1", sig.CorrelationID)
}
