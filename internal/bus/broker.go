package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var (
	// ErrInvalidTopic indicates an empty topic or one containing '/'.
	ErrInvalidTopic = errors.New("bus: invalid topic")
	// ErrBrokerClosed is returned after Close.
	ErrBrokerClosed = errors.New("bus: broker closed")

	errMissingDB = errors.New("bus: badger database is required")
	noOpLogger   = zap.NewNop()
)

const sequenceBandwidth = 128

// Message is one stored topic entry.
type Message struct {
	Topic    string
	Sequence uint64
	Payload  []byte
}

// BrokerConfig wires a Broker.
type BrokerConfig struct {
	DB *badger.DB
	// Retention expires messages after the duration; zero keeps them.
	Retention time.Duration
	Logger    *zap.Logger
}

// Broker is a durable topic log with per-group offsets kept in badger.
type Broker struct {
	db        *badger.DB
	retention time.Duration
	logger    *zap.Logger

	publishMu sync.Mutex
	mu        sync.Mutex
	sequences map[string]*badger.Sequence
	waiters   map[string]chan struct{}
	closed    bool
}

// NewBroker validates the configuration and returns a Broker.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.DB == nil {
		return nil, errMissingDB
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Broker{
		db:        cfg.DB,
		retention: cfg.Retention,
		logger:    logger,
		sequences: make(map[string]*badger.Sequence),
		waiters:   make(map[string]chan struct{}),
	}, nil
}

func validateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" || strings.Contains(topic, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

func topicPrefix(topic string) []byte {
	return []byte("t/" + topic + "/")
}

func messageKey(topic string, sequence uint64) []byte {
	key := topicPrefix(topic)
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], sequence)
	return append(key, encoded[:]...)
}

func offsetKey(group, topic string) []byte {
	return []byte("o/" + group + "/" + topic)
}

// Publish appends payload to topic and wakes waiting consumers.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	if err := validateTopic(topic); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	sequence, err := b.sequence(topic)
	if err != nil {
		return 0, err
	}
	next, err := sequence.Next()
	if err != nil {
		return 0, fmt.Errorf("bus: next sequence for %s: %w", topic, err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(messageKey(topic, next), payload)
		if b.retention > 0 {
			entry = entry.WithTTL(b.retention)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	publishedTotal.WithLabelValues(topic).Inc()
	b.signal(topic)
	return next, nil
}

func (b *Broker) sequence(topic string) (*badger.Sequence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if sequence, ok := b.sequences[topic]; ok {
		return sequence, nil
	}
	sequence, err := b.db.GetSequence([]byte("s/"+topic), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("bus: sequence for %s: %w", topic, err)
	}
	b.sequences[topic] = sequence
	return sequence, nil
}

// waiter returns the channel closed by the next publish on topic.
func (b *Broker) waiter(topic string) <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[topic]
	if !ok {
		ch = make(chan struct{})
		b.waiters[topic] = ch
	}
	return ch
}

func (b *Broker) signal(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.waiters[topic]; ok {
		close(ch)
		delete(b.waiters, topic)
	}
}

// Fetch returns up to max messages past the group's committed offset,
// waiting up to wait for the first one. An empty result means the wait elapsed.
func (b *Broker) Fetch(ctx context.Context, group, topic string, max int, wait time.Duration) ([]Message, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		ready := b.waiter(topic)
		messages, err := b.read(group, topic, max)
		if err != nil || len(messages) > 0 {
			return messages, err
		}
		select {
		case <-ready:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) read(group, topic string, max int) ([]Message, error) {
	messages := make([]Message, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		offset, err := readOffset(txn, group, topic)
		if err != nil {
			return err
		}
		prefix := topicPrefix(topic)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		iterator := txn.NewIterator(options)
		defer iterator.Close()
		for iterator.Seek(messageKey(topic, offset)); iterator.ValidForPrefix(prefix) && len(messages) < max; iterator.Next() {
			item := iterator.Item()
			key := item.Key()
			payload, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			messages = append(messages, Message{
				Topic:    topic,
				Sequence: binary.BigEndian.Uint64(key[len(prefix):]),
				Payload:  payload,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus: read %s for %s: %w", topic, group, err)
	}
	return messages, nil
}

func readOffset(txn *badger.Txn, group, topic string) (uint64, error) {
	item, err := txn.Get(offsetKey(group, topic))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var offset uint64
	err = item.Value(func(value []byte) error {
		if len(value) != 8 {
			return fmt.Errorf("corrupt offset of %d bytes", len(value))
		}
		offset = binary.BigEndian.Uint64(value)
		return nil
	})
	return offset, err
}

// Commit marks every message up to and including sequence as consumed by group.
func (b *Broker) Commit(ctx context.Context, group, topic string, sequence uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], sequence+1)
	return b.db.Update(func(txn *badger.Txn) error {
		current, err := readOffset(txn, group, topic)
		if err != nil {
			return err
		}
		if current > sequence {
			return nil
		}
		return txn.Set(offsetKey(group, topic), encoded[:])
	})
}

// Close releases sequence leases. The badger database stays open.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	for topic, sequence := range b.sequences {
		if err := sequence.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", topic, err))
		}
	}
	for topic, ch := range b.waiters {
		close(ch)
		delete(b.waiters, topic)
	}
	return errors.Join(errs...)
}
