package syncer

import (
	"sort"
	"sync"
)

// Lanes serializes work per key. Acquiring several keys locks them in sorted
// order so overlapping batches cannot deadlock.
type Lanes struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	holders int
}

// NewLanes returns an empty lane set.
func NewLanes() *Lanes {
	return &Lanes{lanes: make(map[string]*lane)}
}

// Acquire blocks until every key is held and returns the release function.
func (l *Lanes) Acquire(keys ...string) func() {
	unique := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, seen := unique[key]; seen {
			continue
		}
		unique[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)

	held := make([]*lane, 0, len(ordered))
	for _, key := range ordered {
		entry := l.reference(key)
		entry.mu.Lock()
		held = append(held, entry)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(ordered[i])
			}
		})
	}
}

func (l *Lanes) reference(key string) *lane {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.lanes[key]
	if !ok {
		entry = &lane{}
		l.lanes[key] = entry
	}
	entry.holders++
	return entry
}

func (l *Lanes) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.lanes[key]
	if !ok {
		return
	}
	entry.holders--
	if entry.holders == 0 {
		delete(l.lanes, key)
	}
}

// Len reports the number of keys currently held or awaited.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
