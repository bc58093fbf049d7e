package transaction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

// Body keys that steer a transaction instead of describing entity data.
const (
	BodyKeyExpectedVersion = "sync_version"
	BodyKeyHard            = "hard"
	BodyKeyID              = "id"
)

// CRUD is a transaction scoped to one entity.
type CRUD interface {
	Transaction
	EntityType() entity.Type
	EntityID() string
	Key() entity.Key
	Body() entity.Fields
	// ExpectedVersion is the caller's last-known version label, if declared.
	ExpectedVersion() string
}

type crud struct {
	base
	factory    *Factory
	entityType entity.Type
	entityID   string
	body       entity.Fields
}

func (c *crud) EntityType() entity.Type { return c.entityType }
func (c *crud) EntityID() string        { return c.entityID }
func (c *crud) Key() entity.Key         { return entity.Key{Type: c.entityType, ID: c.entityID} }
func (c *crud) Body() entity.Fields     { return c.body.Clone() }

func (c *crud) ExpectedVersion() string {
	value, ok := c.body[BodyKeyExpectedVersion]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// data returns the body without steering keys.
func (c *crud) data() entity.Fields {
	return c.body.Without(BodyKeyExpectedVersion, BodyKeyHard, BodyKeyID)
}

func (c *crud) store() entity.Store {
	return c.factory.store
}

func (c *crud) conflictType() string {
	return string(c.entityType)
}

func (c *crud) record() Record {
	rec := c.base.record()
	rec.EntityType = c.entityType
	rec.EntityID = c.entityID
	rec.Body = c.body.Clone()
	return rec
}

func (c *crud) equal(other Transaction) bool {
	peer, ok := other.(CRUD)
	if !ok || peer.Kind() != c.kind {
		return false
	}
	return peer.EntityType() == c.entityType && peer.EntityID() == c.entityID && peer.Body().Equal(c.body)
}

// snapshot reads the current state through a Read transaction.
func (c *crud) snapshot(ctx context.Context) (*entity.Record, error) {
	read := c.factory.NewRead(c.entityType, c.entityID, nil, NonRevertable())
	if err := read.Apply(ctx); err != nil {
		return nil, err
	}
	return read.Snapshot(), nil
}

// view is the comparable state of a record: data fields plus the active flag.
func view(record *entity.Record) entity.Fields {
	fields := record.Fields.Clone()
	fields[entity.FieldActive] = record.Active
	return fields
}

// Create inserts a new entity or resurrects a soft-deleted one.
type Create struct {
	crud
}

func (t *Create) Apply(ctx context.Context) error {
	if err := t.beginApply(); err != nil {
		return err
	}
	existing, err := t.store().Read(ctx, t.entityType, t.entityID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return err
	}
	data := t.data()
	switch {
	case existing != nil && existing.Active:
		return conflict.NewCreateOnExistingEntity(t.conflictType(), t.entityID, data, existing.Fields)
	case existing != nil:
		fields := data.Clone()
		fields[entity.FieldActive] = true
		if _, err := t.store().Update(ctx, t.entityType, t.entityID, fields); err != nil {
			return err
		}
	default:
		if _, err := t.store().Create(ctx, t.entityType, t.entityID, data); err != nil {
			return err
		}
	}
	t.setInverse(t.buildInverse())
	return t.commit()
}

func (t *Create) buildInverse() []Transaction {
	return []Transaction{t.factory.NewDelete(t.entityType, t.entityID, false, NonRevertable())}
}

func (t *Create) Inverse(context.Context) ([]Transaction, error) {
	if !t.revertable {
		return nil, nil
	}
	if !t.inverseReady {
		t.setInverse(t.buildInverse())
	}
	return t.inverse, nil
}

func (t *Create) Revert(ctx context.Context) error { return t.replayInverse(ctx) }

func (t *Create) Template() Transaction {
	return t.factory.NewCreate(t.entityType, t.entityID, t.body, t.options()...)
}

func (t *Create) Record() Record               { return t.record() }
func (t *Create) Equal(other Transaction) bool { return t.equal(other) }

// Read verifies that an entity exists and, when a body is given, that it matches.
type Read struct {
	crud
	found *entity.Record
}

func (t *Read) Apply(ctx context.Context) error {
	if err := t.beginApply(); err != nil {
		return err
	}
	record, err := t.store().Read(ctx, t.entityType, t.entityID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return err
	}
	if record == nil {
		return conflict.NewReadSyncEntityNotExists(t.conflictType(), t.entityID)
	}
	expected := t.data()
	current := view(record)
	if len(expected) > 0 && !expected.SubsetOf(current) {
		return conflict.NewReadSyncMismatch(t.conflictType(), t.entityID, expected, current)
	}
	t.found = record
	t.setInverse([]Transaction{t.factory.NewRead(t.entityType, t.entityID, t.body, NonRevertable())})
	return t.commit()
}

// Snapshot returns the record observed by Apply.
func (t *Read) Snapshot() *entity.Record {
	return t.found
}

func (t *Read) Inverse(context.Context) ([]Transaction, error) {
	if !t.revertable {
		return nil, nil
	}
	if !t.inverseReady {
		t.setInverse([]Transaction{t.factory.NewRead(t.entityType, t.entityID, t.body, NonRevertable())})
	}
	return t.inverse, nil
}

func (t *Read) Revert(ctx context.Context) error { return t.replayInverse(ctx) }

func (t *Read) Template() Transaction {
	return t.factory.NewRead(t.entityType, t.entityID, t.body, t.options()...)
}

func (t *Read) Record() Record               { return t.record() }
func (t *Read) Equal(other Transaction) bool { return t.equal(other) }

// Update merges the provided non-null fields onto an existing entity.
type Update struct {
	crud
}

func (t *Update) Apply(ctx context.Context) error {
	if err := t.beginApply(); err != nil {
		return err
	}
	previous, err := t.snapshot(ctx)
	if err != nil {
		return err
	}
	data := t.data()
	if data.SubsetOf(view(previous)) {
		return conflict.NewNoChangeUpdate(t.conflictType(), t.entityID, data)
	}
	if _, err := t.store().Update(ctx, t.entityType, t.entityID, data); err != nil {
		return err
	}
	t.setInverse(t.inverseFrom(previous))
	return t.commit()
}

func (t *Update) inverseFrom(previous *entity.Record) []Transaction {
	return []Transaction{t.factory.NewUpdate(t.entityType, t.entityID, view(previous), NonRevertable())}
}

func (t *Update) Inverse(ctx context.Context) ([]Transaction, error) {
	if !t.revertable {
		return nil, nil
	}
	if !t.inverseReady {
		previous, err := t.store().Read(ctx, t.entityType, t.entityID, entity.ReadOptions{IncludeInactive: true, MustExist: true})
		if err != nil {
			return nil, err
		}
		t.setInverse(t.inverseFrom(previous))
	}
	return t.inverse, nil
}

func (t *Update) Revert(ctx context.Context) error { return t.replayInverse(ctx) }

func (t *Update) Template() Transaction {
	return t.factory.NewUpdate(t.entityType, t.entityID, t.body, t.options()...)
}

func (t *Update) Record() Record               { return t.record() }
func (t *Update) Equal(other Transaction) bool { return t.equal(other) }

// Delete removes an entity, permanently by default or as a soft tombstone.
type Delete struct {
	crud
}

// Hard reports whether the row is removed instead of deactivated.
func (t *Delete) Hard() bool {
	value, ok := t.body[BodyKeyHard]
	if !ok || value == nil {
		return true
	}
	switch typed := value.(type) {
	case bool:
		return typed
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return true
		}
		return parsed
	default:
		return true
	}
}

func (t *Delete) Apply(ctx context.Context) error {
	if err := t.beginApply(); err != nil {
		return err
	}
	previous, err := t.snapshot(ctx)
	if err != nil {
		return err
	}
	if t.Hard() {
		if err := t.store().Remove(ctx, t.entityType, t.entityID); err != nil {
			return err
		}
	} else {
		if !previous.Active {
			return conflict.NewEntityAlreadyDeleted(t.conflictType(), t.entityID)
		}
		if _, err := t.store().Update(ctx, t.entityType, t.entityID, entity.Fields{entity.FieldActive: false}); err != nil {
			return err
		}
	}
	t.setInverse(t.inverseFrom(previous))
	return t.commit()
}

func (t *Delete) inverseFrom(previous *entity.Record) []Transaction {
	return []Transaction{t.factory.NewCreate(t.entityType, t.entityID, previous.Fields, NonRevertable())}
}

func (t *Delete) Inverse(ctx context.Context) ([]Transaction, error) {
	if !t.revertable {
		return nil, nil
	}
	if !t.inverseReady {
		previous, err := t.store().Read(ctx, t.entityType, t.entityID, entity.ReadOptions{IncludeInactive: true, MustExist: true})
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				return nil, conflict.NewReadSyncEntityNotExists(t.conflictType(), t.entityID)
			}
			return nil, err
		}
		t.setInverse(t.inverseFrom(previous))
	}
	return t.inverse, nil
}

func (t *Delete) Revert(ctx context.Context) error { return t.replayInverse(ctx) }

func (t *Delete) Template() Transaction {
	return t.factory.newDeleteWithBody(t.entityType, t.entityID, t.body, t.options()...)
}

func (t *Delete) Record() Record               { return t.record() }
func (t *Delete) Equal(other Transaction) bool { return t.equal(other) }
