package transaction

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

type memoryStore struct {
	rows    map[entity.Key]*entity.Record
	updates int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[entity.Key]*entity.Record)}
}

func (s *memoryStore) Read(_ context.Context, entityType entity.Type, id string, options entity.ReadOptions) (*entity.Record, error) {
	row, ok := s.rows[entity.Key{Type: entityType, ID: id}]
	if ok && (row.Active || options.IncludeInactive) {
		copied := *row
		copied.Fields = row.Fields.Clone()
		return &copied, nil
	}
	if options.MustExist {
		return nil, fmt.Errorf("%w: %s %s", entity.ErrNotFound, entityType, id)
	}
	return nil, nil
}

func (s *memoryStore) Create(ctx context.Context, entityType entity.Type, id string, fields entity.Fields) (*entity.Record, error) {
	key := entity.Key{Type: entityType, ID: id}
	if _, ok := s.rows[key]; ok {
		return nil, entity.ErrAlreadyExists
	}
	row := &entity.Record{Type: entityType, ID: id, Active: true, Version: entity.InitialVersion, Fields: entity.Fields{}}
	for name, value := range fields {
		if value != nil {
			row.Fields[name] = value
		}
	}
	s.rows[key] = row
	return s.Read(ctx, entityType, id, entity.ReadOptions{IncludeInactive: true})
}

func (s *memoryStore) Update(ctx context.Context, entityType entity.Type, id string, fields entity.Fields) (*entity.Record, error) {
	row, ok := s.rows[entity.Key{Type: entityType, ID: id}]
	if !ok {
		return nil, entity.ErrNotFound
	}
	s.updates++
	for name, value := range fields {
		switch {
		case value == nil:
		case name == entity.FieldActive:
			row.Active = value == true || value == "true"
		case name == entity.FieldVersion:
			row.Version = fmt.Sprint(value)
		case name == entity.FieldGraphID:
			row.GraphID = fmt.Sprint(value)
		default:
			row.Fields[name] = value
		}
	}
	return s.Read(ctx, entityType, id, entity.ReadOptions{IncludeInactive: true})
}

func (s *memoryStore) Remove(_ context.Context, entityType entity.Type, id string) error {
	key := entity.Key{Type: entityType, ID: id}
	if _, ok := s.rows[key]; !ok {
		return entity.ErrNotFound
	}
	delete(s.rows, key)
	return nil
}

func (s *memoryStore) row(t *testing.T, id string) *entity.Record {
	t.Helper()
	row, ok := s.rows[entity.Key{Type: entity.TypeItem, ID: id}]
	if !ok {
		t.Fatalf("expected row %s to exist", id)
	}
	return row
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("tx-%03d", s.next), nil
}

func mustFactory(t *testing.T, store entity.Store) *Factory {
	t.Helper()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	factory, err := NewFactory(FactoryConfig{
		Store:      store,
		Clock:      func() time.Time { return fixed },
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("unexpected factory error: %v", err)
	}
	return factory
}

func mustApply(t *testing.T, transaction Transaction) {
	t.Helper()
	if err := transaction.Apply(context.Background()); err != nil {
		t.Fatalf("unexpected apply error for %s: %v", transaction.Kind(), err)
	}
}
