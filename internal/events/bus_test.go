package events

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitFansOutToSubscribers(t *testing.T) {
	b := NewBus()
	var calls int64
	got := make(chan Event, 2)

	b.Subscribe(EventPlayerLogin, "first", func(ctx context.Context, e Event) error {
		atomic.AddInt64(&calls, 1)
		got <- e
		return nil
	})
	b.Subscribe(EventPlayerLogin, "second", func(ctx context.Context, e Event) error {
		atomic.AddInt64(&calls, 1)
		got <- e
		return nil
	})
	b.Subscribe(EventGameEnded, "other", func(ctx context.Context, e Event) error {
		t.Error("handler for a different event type must not fire")
		return nil
	})

	b.Emit(context.Background(), Event{
		Type:    EventPlayerLogin,
		Source:  "test",
		Payload: PlayerPayload{Username: "alice"},
	})

	for i := 0; i < 2; i++ {
		select {
		case e := <-got:
			assert.Equal(t, EventPlayerLogin, e.Type)
			assert.Equal(t, "alice", e.Payload.(PlayerPayload).Username)
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not run")
		}
	}
	b.Stop()
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	fired := make(chan struct{}, 1)
	b.Subscribe(EventShutdown, "obs", func(ctx context.Context, e Event) error {
		fired <- struct{}{}
		return nil
	})
	b.Unsubscribe(EventShutdown, "obs")

	b.Emit(context.Background(), Event{Type: EventShutdown})
	b.Stop()

	select {
	case <-fired:
		t.Fatal("unsubscribed handler fired")
	default:
	}
}

func TestStoppedBusDropsEvents(t *testing.T) {
	b := NewBus()
	b.Subscribe(EventGameCreated, "obs", func(ctx context.Context, e Event) error {
		t.Error("event delivered after Stop")
		return nil
	})
	b.Stop()
	b.Emit(context.Background(), Event{Type: EventGameCreated})
	time.Sleep(50 * time.Millisecond)
}

func TestPanickingHandlerIsContained(t *testing.T) {
	b := NewBus()
	ok := make(chan struct{}, 1)
	b.Subscribe(EventGameStarted, "bad", func(ctx context.Context, e Event) error {
		panic("boom")
	})
	b.Subscribe(EventGameStarted, "good", func(ctx context.Context, e Event) error {
		ok <- struct{}{}
		return nil
	})

	b.Emit(context.Background(), Event{Type: EventGameStarted})
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handler did not run")
	}
	b.Stop()
}
