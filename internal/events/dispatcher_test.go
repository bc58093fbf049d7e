package events

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/bus"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
)

func itemResponse(id string) syncer.Response {
	return syncer.Response{
		EntityType: entity.TypeItem,
		EntityID:   id,
		Version:    "v1",
		Action:     syncer.ActionCreate,
		Payload:    map[string]any{"id": id},
	}
}

func TestDispatcherPublishesToTypedSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "item")
	defer cleanup()

	if err := dispatcher.Publish(ctx, itemResponse("item-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case received := <-stream:
		if received.Type != EventSync {
			t.Fatalf("expected event type %s, got %s", EventSync, received.Type)
		}
		if received.Response.EntityID != "item-1" {
			t.Fatalf("unexpected entity id %s", received.Response.EntityID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestDispatcherIsolatesEntityTypes(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relationStream, cleanup := dispatcher.Subscribe(ctx, string(entity.TypeRelation))
	defer cleanup()
	allStream, allCleanup := dispatcher.Subscribe(ctx, "")
	defer allCleanup()

	if err := dispatcher.Publish(ctx, itemResponse("item-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-relationStream:
		t.Fatal("did not expect an item event on the relation stream")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-allStream:
		if event.Response.EntityID != "item-2" {
			t.Fatalf("expected item-2, received %s", event.Response.EntityID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected the wildcard subscriber to receive the event")
	}
}

func TestDispatcherDropsWhenBufferFull(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, AllTypes)
	defer cleanup()

	for i := 0; i < dispatcher.bufferSize+5; i++ {
		if err := dispatcher.Publish(ctx, itemResponse("item")); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if len(stream) != dispatcher.bufferSize {
		t.Fatalf("expected a full buffer of %d, got %d", dispatcher.bufferSize, len(stream))
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "item")
	defer cleanup()
	if dispatcher.Len() != 1 {
		t.Fatalf("expected one subscription, got %d", dispatcher.Len())
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription was not released after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cleanup()
}

func TestExplicitCleanupStopsContextWatchers(t *testing.T) {
	dispatcher := NewDispatcher()
	baseline := runtime.NumGoroutine()

	cleanups := make([]func(), 0, 50)
	for i := 0; i < 50; i++ {
		_, cleanup := dispatcher.Subscribe(context.Background(), "ITEM")
		cleanups = append(cleanups, cleanup)
	}
	if dispatcher.Len() != 50 {
		t.Fatalf("expected 50 subscriptions, got %d", dispatcher.Len())
	}
	for _, cleanup := range cleanups {
		cleanup()
		cleanup()
	}
	if dispatcher.Len() != 0 {
		t.Fatalf("expected no subscriptions after cleanup, got %d", dispatcher.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline+5 {
		if time.Now().After(deadline) {
			t.Fatalf("watchers still running: %d goroutines, baseline %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBusPublisherWritesSyncTopic(t *testing.T) {
	ctx := context.Background()
	db, err := bus.OpenBadger("", nil)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	broker, err := bus.NewBroker(bus.BrokerConfig{DB: db})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() { _ = broker.Close() })

	publisher, err := NewBusPublisher(broker, "SyncEvents", nil)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	local := NewDispatcher()
	stream, cleanup := local.Subscribe(ctx, "")
	defer cleanup()

	fanout := Fanout{local, publisher, nil}
	if err := fanout.Publish(ctx, itemResponse("item-3"), itemResponse("item-4")); err != nil {
		t.Fatalf("fanout publish: %v", err)
	}
	if len(stream) != 2 {
		t.Fatalf("expected 2 local events, got %d", len(stream))
	}

	messages, err := broker.Fetch(ctx, "test", "SyncEvents", 10, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages on the sync topic, got %d", len(messages))
	}
	var decoded syncer.Response
	if err := json.Unmarshal(messages[1].Payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.EntityID != "item-4" || decoded.Action != syncer.ActionCreate {
		t.Fatalf("unexpected response %#v", decoded)
	}
}
