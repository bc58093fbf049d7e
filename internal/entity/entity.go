package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type enumerates the tracked entity kinds.
type Type string

const (
	// TypeItem is a hierarchical tracked object.
	TypeItem Type = "ITEM"
	// TypeAttribute is a named value attached to an item.
	TypeAttribute Type = "ATTRIBUTE"
	// TypeRelation links a parent item to a child item.
	TypeRelation Type = "RELATION"
)

// InitialVersion labels entities that have never been synchronized.
const InitialVersion = "Origin"

// Reserved keys understood by Store.Update besides the data fields.
const (
	FieldActive  = "active"
	FieldVersion = "version"
	FieldGraphID = "graph_id"
)

// Author fields shared by every entity type.
const (
	FieldCreatedBy  = "created_by"
	FieldModifiedBy = "modified_by"
)

const maxIdentifierLength = 190

var (
	// ErrUnknownType indicates an entity type outside the closed set.
	ErrUnknownType = errors.New("entity: unknown entity type")
	// ErrInvalidID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("entity: invalid entity id")
	// ErrNotFound indicates that no matching entity exists.
	ErrNotFound = errors.New("entity: not found")
	// ErrAlreadyExists indicates that an active entity already holds the identifier.
	ErrAlreadyExists = errors.New("entity: already exists")
	// ErrIntegrity indicates a storage constraint violation.
	ErrIntegrity = errors.New("entity: integrity violation")
)

var linkageFields = map[Type][]string{
	TypeItem:      {},
	TypeAttribute: {"item_id"},
	TypeRelation:  {"parent_id", "child_id"},
}

// ParseType maps a raw tag onto the closed Type set.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToUpper(strings.TrimSpace(raw))) {
	case TypeItem:
		return TypeItem, nil
	case TypeAttribute:
		return TypeAttribute, nil
	case TypeRelation:
		return TypeRelation, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
}

// Types lists every known entity type.
func Types() []Type {
	return []Type{TypeItem, TypeAttribute, TypeRelation}
}

// String returns the wire tag.
func (t Type) String() string {
	return string(t)
}

// LinkageFields names the parent-linkage fields kept in delete payloads.
func (t Type) LinkageFields() []string {
	return linkageFields[t]
}

// NewID validates raw input and returns a trimmed identifier.
func NewID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return trimmed, nil
}

// RelationID derives the identifier of a relation from its endpoints.
func RelationID(parentID, childID string) string {
	return parentID + "->" + childID
}

// DefaultID returns id unchanged unless it is blank on a relation whose
// endpoints are both set, in which case the relation id is derived.
func DefaultID(entityType Type, id string, fields Fields) string {
	if entityType != TypeRelation || strings.TrimSpace(id) != "" {
		return id
	}
	parentID, childID := fieldString(fields, "parent_id"), fieldString(fields, "child_id")
	if parentID == "" || childID == "" {
		return id
	}
	return RelationID(parentID, childID)
}

// ResolveID applies DefaultID and validates the result with NewID.
func ResolveID(entityType Type, id string, fields Fields) (string, error) {
	return NewID(DefaultID(entityType, id, fields))
}

func fieldString(fields Fields, name string) string {
	value, ok := fields[name]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// Key identifies one entity instance.
type Key struct {
	Type Type
	ID   string
}

// String renders the key as TYPE/id.
func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}

// Fields holds entity data values keyed by column name.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for key, value := range f {
		out[key] = value
	}
	return out
}

// Without returns a copy with the named keys removed.
func (f Fields) Without(keys ...string) Fields {
	out := f.Clone()
	for _, key := range keys {
		delete(out, key)
	}
	return out
}

// Only returns a copy restricted to the named keys that are present.
func (f Fields) Only(keys ...string) Fields {
	out := Fields{}
	for _, key := range keys {
		if value, ok := f[key]; ok {
			out[key] = value
		}
	}
	return out
}

// SubsetOf reports whether every non-nil value in f equals the same key in other.
func (f Fields) SubsetOf(other Fields) bool {
	for key, value := range f {
		if value == nil {
			continue
		}
		existing, ok := other[key]
		if !ok || !ValuesEqual(value, existing) {
			return false
		}
	}
	return true
}

// Equal reports whether both maps hold the same keys with equal values.
func (f Fields) Equal(other Fields) bool {
	if len(f) != len(other) {
		return false
	}
	return f.SubsetOf(other) && other.SubsetOf(f)
}

// Keys returns the sorted key set.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual compares two field values by their rendered form, so a JSON
// number and the stored string of the same number match.
func ValuesEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return fmt.Sprint(left) == fmt.Sprint(right)
}

// Record is the persisted state of one entity.
type Record struct {
	Type       Type      `json:"entity_type"`
	ID         string    `json:"id"`
	Active     bool      `json:"active"`
	Version    string    `json:"version"`
	GraphID    string    `json:"graph_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Fields     Fields    `json:"fields"`
}

// Key returns the record identity.
func (r Record) Key() Key {
	return Key{Type: r.Type, ID: r.ID}
}

// Linkage returns the parent-linkage subset of the record fields.
func (r Record) Linkage() Fields {
	return r.Fields.Only(r.Type.LinkageFields()...)
}

// ReadOptions tunes Store.Read.
type ReadOptions struct {
	// IncludeInactive also returns soft-deleted rows.
	IncludeInactive bool
	// MustExist turns a miss into ErrNotFound instead of a nil record.
	MustExist bool
}

// Store persists entity field values by type and id.
type Store interface {
	Read(ctx context.Context, entityType Type, id string, options ReadOptions) (*Record, error)
	Create(ctx context.Context, entityType Type, id string, fields Fields) (*Record, error)
	Update(ctx context.Context, entityType Type, id string, fields Fields) (*Record, error)
	Remove(ctx context.Context, entityType Type, id string) error
}
