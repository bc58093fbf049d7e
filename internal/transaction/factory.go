package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/google/uuid"
)

var errMissingStore = errors.New("transaction: entity store is required")

// IDProvider issues transaction identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// FactoryConfig wires a Factory.
type FactoryConfig struct {
	Store      entity.Store
	Clock      func() time.Time
	IDProvider IDProvider
}

// Factory builds transactions bound to one entity store.
type Factory struct {
	store      entity.Store
	clock      func() time.Time
	idProvider IDProvider
}

// NewFactory validates the configuration and returns a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	return &Factory{store: cfg.Store, clock: clock, idProvider: idProvider}, nil
}

func (f *Factory) newID() string {
	id, err := f.idProvider.NewID()
	if err != nil || id == "" {
		return uuid.NewString()
	}
	return id
}

func (f *Factory) newCRUD(kind Kind, entityType entity.Type, entityID string, body entity.Fields, options []Option) crud {
	return crud{
		base:       newBase(kind, f.newID(), f.clock, options),
		factory:    f,
		entityType: entityType,
		entityID:   entity.DefaultID(entityType, entityID, body),
		body:       body.Clone(),
	}
}

func (f *Factory) NewCreate(entityType entity.Type, entityID string, body entity.Fields, options ...Option) *Create {
	return &Create{crud: f.newCRUD(KindCreate, entityType, entityID, body, options)}
}

func (f *Factory) NewRead(entityType entity.Type, entityID string, expected entity.Fields, options ...Option) *Read {
	return &Read{crud: f.newCRUD(KindRead, entityType, entityID, expected, options)}
}

func (f *Factory) NewUpdate(entityType entity.Type, entityID string, body entity.Fields, options ...Option) *Update {
	return &Update{crud: f.newCRUD(KindUpdate, entityType, entityID, body, options)}
}

// NewDelete builds a delete; hard removes the row, otherwise it is soft-deleted.
func (f *Factory) NewDelete(entityType entity.Type, entityID string, hard bool, options ...Option) *Delete {
	return f.newDeleteWithBody(entityType, entityID, entity.Fields{BodyKeyHard: hard}, options...)
}

func (f *Factory) newDeleteWithBody(entityType entity.Type, entityID string, body entity.Fields, options ...Option) *Delete {
	return &Delete{crud: f.newCRUD(KindDelete, entityType, entityID, body, options)}
}

func (f *Factory) NewDelta(members []Transaction, options ...Option) *Delta {
	return &Delta{
		base:    newBase(KindDelta, f.newID(), f.clock, options),
		factory: f,
		members: append([]Transaction(nil), members...),
	}
}

// New builds a CRUD transaction for one of the four entity kinds. A blank
// relation id is derived from the endpoints; any other blank id is rejected.
func (f *Factory) New(kind Kind, entityType entity.Type, entityID string, body entity.Fields, options ...Option) (CRUD, error) {
	if kind != KindDelta {
		resolved, err := entity.ResolveID(entityType, entityID, body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", kind, entityType, err)
		}
		entityID = resolved
	}
	switch kind {
	case KindCreate:
		return f.NewCreate(entityType, entityID, body, options...), nil
	case KindRead:
		return f.NewRead(entityType, entityID, body, options...), nil
	case KindUpdate:
		return f.NewUpdate(entityType, entityID, body, options...), nil
	case KindDelete:
		return f.newDeleteWithBody(entityType, entityID, body, options...), nil
	case KindDelta:
		return nil, fmt.Errorf("%w: %s is not an entity operation", ErrUnknownKind, kind)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Inversion builds a fresh Delta that undoes t when applied forward.
func (f *Factory) Inversion(ctx context.Context, t Transaction) (*Delta, error) {
	inverse, err := t.Inverse(ctx)
	if err != nil {
		return nil, err
	}
	members := make([]Transaction, 0, len(inverse))
	for i := len(inverse) - 1; i >= 0; i-- {
		members = append(members, inverse[i].Template())
	}
	return f.NewDelta(members), nil
}

// Record is the serialized form of a transaction, inverse chain included.
type Record struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"type"`
	EntityType  entity.Type   `json:"entity_type,omitempty"`
	EntityID    string        `json:"entity_id,omitempty"`
	Index       int           `json:"index"`
	Length      int           `json:"length"`
	CreatedAt   int64         `json:"ts_created"`
	CommittedAt *int64        `json:"ts_committed"`
	Revertable  bool          `json:"revertable"`
	Body        entity.Fields `json:"body,omitempty"`
	Members     []Record      `json:"members,omitempty"`
	Revert      []Record      `json:"revert,omitempty"`
}

// FromRecord restores a transaction, including its commit stamp and inverse chain.
func (f *Factory) FromRecord(rec Record) (Transaction, error) {
	kind, err := ParseKind(string(rec.Kind))
	if err != nil {
		return nil, err
	}
	options := []Option{WithID(rec.ID), WithPosition(rec.Index, rec.Length)}
	if !rec.Revertable {
		options = append(options, NonRevertable())
	}

	var restored Transaction
	var header *base
	switch kind {
	case KindDelta:
		members := make([]Transaction, 0, len(rec.Members))
		for _, memberRecord := range rec.Members {
			member, err := f.FromRecord(memberRecord)
			if err != nil {
				return nil, err
			}
			members = append(members, member)
		}
		delta := f.NewDelta(members, options...)
		restored, header = delta, &delta.base
	default:
		entityType, err := entity.ParseType(string(rec.EntityType))
		if err != nil {
			return nil, err
		}
		crudTransaction, err := f.New(kind, entityType, rec.EntityID, rec.Body, options...)
		if err != nil {
			return nil, err
		}
		restored, header = crudTransaction, baseOf(crudTransaction)
	}

	if rec.CreatedAt > 0 {
		header.createdAt = time.UnixMilli(rec.CreatedAt).UTC()
	}
	if rec.CommittedAt != nil {
		header.committedAt = time.UnixMilli(*rec.CommittedAt).UTC()
	}
	if kind != KindDelta && (len(rec.Revert) > 0 || rec.CommittedAt != nil) {
		inverse := make([]Transaction, 0, len(rec.Revert))
		for _, inverseRecord := range rec.Revert {
			inverseTransaction, err := f.FromRecord(inverseRecord)
			if err != nil {
				return nil, err
			}
			inverse = append(inverse, inverseTransaction)
		}
		header.setInverse(inverse)
	}
	return restored, nil
}

func baseOf(t CRUD) *base {
	switch typed := t.(type) {
	case *Create:
		return &typed.base
	case *Read:
		return &typed.base
	case *Update:
		return &typed.base
	case *Delete:
		return &typed.base
	default:
		panic(fmt.Sprintf("transaction: unexpected CRUD type %T", t))
	}
}

// Marshal encodes a transaction as JSON.
func Marshal(t Transaction) ([]byte, error) {
	return json.Marshal(t.Record())
}

// Unmarshal decodes JSON produced by Marshal.
func (f *Factory) Unmarshal(data []byte) (Transaction, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("transaction: decode record: %w", err)
	}
	return f.FromRecord(rec)
}
