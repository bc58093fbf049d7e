package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
)

const (
	EventSync      = "sync"
	EventHeartbeat = "heartbeat"

	// AllTypes subscribes to every entity type.
	AllTypes = "*"
)

// Event carries one committed Response to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Response  syncer.Response `json:"response"`
	Timestamp time.Time       `json:"timestamp"`
}

// Dispatcher fans sync events out to in-process subscribers keyed by entity
// type. Slow subscribers miss events rather than block publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func normalizeTopic(entityType string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(entityType))
	if trimmed == "" {
		return AllTypes
	}
	return trimmed
}

// Subscribe registers a stream for entityType ("" or "*" for all types). The
// subscription ends when ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, entityType string) (<-chan Event, func()) {
	topic := normalizeTopic(entityType)
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)
	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			d.unregister(topic, sub.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers each response to subscribers of its entity type and to
// wildcard subscribers.
func (d *Dispatcher) Publish(_ context.Context, responses ...syncer.Response) error {
	now := d.clock().UTC()
	for _, response := range responses {
		event := Event{Type: EventSync, Response: response, Timestamp: now}
		for _, sub := range d.targets(string(response.EntityType)) {
			select {
			case sub.stream <- event:
			default:
			}
		}
	}
	return nil
}

// Len reports the number of live subscriptions.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subs := range d.subscribers {
		total += len(subs)
	}
	return total
}

func (d *Dispatcher) targets(entityType string) []*subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	typed := d.subscribers[normalizeTopic(entityType)]
	wildcard := d.subscribers[AllTypes]
	copies := make([]*subscriber, 0, len(typed)+len(wildcard))
	for _, sub := range typed {
		copies = append(copies, sub)
	}
	for _, sub := range wildcard {
		copies = append(copies, sub)
	}
	return copies
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, id int64) {
	d.mu.Lock()
	subs := d.subscribers[topic]
	if subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
