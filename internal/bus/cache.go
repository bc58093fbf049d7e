package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ResponseCache stores results by request id with a TTL.
type ResponseCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewResponseCache returns a cache over db. A non-positive ttl keeps entries forever.
func NewResponseCache(db *badger.DB, ttl time.Duration) (*ResponseCache, error) {
	if db == nil {
		return nil, errMissingDB
	}
	return &ResponseCache{db: db, ttl: ttl}, nil
}

func resultKey(requestID string) []byte {
	return []byte("r/" + requestID)
}

// Put stores result under its request id.
func (c *ResponseCache) Put(ctx context.Context, result Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrCache, result.RequestID, err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(resultKey(result.RequestID), payload)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: store %s: %v", ErrCache, result.RequestID, err)
	}
	return nil
}

// Get returns the cached result, reporting false when none is stored yet.
func (c *ResponseCache) Get(ctx context.Context, requestID string) (Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, false, err
	}
	var result Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(resultKey(requestID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &result)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: load %s: %v", ErrCache, requestID, err)
	}
	return result, true, nil
}

// Delete drops a cached result.
func (c *ResponseCache) Delete(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(resultKey(requestID))
	})
}
