package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
)

// Kind enumerates the transaction variants.
type Kind string

const (
	KindCreate Kind = "ENTITY_CREATED"
	KindRead   Kind = "ENTITY_READ"
	KindUpdate Kind = "ENTITY_UPDATED"
	KindDelete Kind = "ENTITY_DELETED"
	KindDelta  Kind = "DELTA"
)

var (
	// ErrAlreadyApplied is returned when apply runs a second time on one instance.
	ErrAlreadyApplied = errors.New("transaction: already applied")
	// ErrNotApplied is returned when revert runs before a successful apply.
	ErrNotApplied = errors.New("transaction: revert before apply")
	// ErrAlreadyReverted is returned when revert runs twice.
	ErrAlreadyReverted = errors.New("transaction: already reverted")
	// ErrUnknownKind indicates a tag outside the closed Kind set.
	ErrUnknownKind = errors.New("transaction: unknown kind")
)

// ParseKind maps a wire tag onto Kind.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(raw))) {
	case KindCreate:
		return KindCreate, nil
	case KindRead:
		return KindRead, nil
	case KindUpdate:
		return KindUpdate, nil
	case KindDelete:
		return KindDelete, nil
	case KindDelta:
		return KindDelta, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Transaction is a reversible unit of work. Apply runs at most once and
// computes the inverse chain; Revert replays that chain in reverse order.
type Transaction interface {
	ID() string
	Kind() Kind
	Index() int
	Length() int
	CreatedAt() time.Time
	CommittedAt() time.Time
	Applied() bool
	Revertable() bool
	Apply(ctx context.Context) error
	Revert(ctx context.Context) error
	// Inverse returns the memoized inverse chain, computing it if needed.
	Inverse(ctx context.Context) ([]Transaction, error)
	// Template returns a fresh, unapplied copy with a new id.
	Template() Transaction
	Record() Record
	Equal(other Transaction) bool
}

// Option adjusts a transaction header at construction.
type Option func(*header)

// WithID pins the transaction id.
func WithID(id string) Option {
	return func(h *header) {
		if strings.TrimSpace(id) != "" {
			h.id = id
		}
	}
}

// WithPosition records the ordinal index and batch length.
func WithPosition(index, length int) Option {
	return func(h *header) {
		h.index = index
		h.length = length
	}
}

// NonRevertable marks the transaction as a terminal inverse with no inverse of its own.
func NonRevertable() Option {
	return func(h *header) {
		h.revertable = false
	}
}

type header struct {
	id         string
	index      int
	length     int
	revertable bool
}

type base struct {
	kind        Kind
	id          string
	index       int
	length      int
	revertable  bool
	clock       func() time.Time
	createdAt   time.Time
	committedAt time.Time
	reverted    bool

	inverse      []Transaction
	inverseReady bool
}

func newBase(kind Kind, id string, clock func() time.Time, options []Option) base {
	h := header{id: id, index: 0, length: 1, revertable: true}
	for _, option := range options {
		option(&h)
	}
	return base{
		kind:       kind,
		id:         h.id,
		index:      h.index,
		length:     h.length,
		revertable: h.revertable,
		clock:      clock,
		createdAt:  clock().UTC(),
	}
}

func (b *base) ID() string             { return b.id }
func (b *base) Kind() Kind             { return b.kind }
func (b *base) Index() int             { return b.index }
func (b *base) Length() int            { return b.length }
func (b *base) CreatedAt() time.Time   { return b.createdAt }
func (b *base) CommittedAt() time.Time { return b.committedAt }
func (b *base) Applied() bool          { return !b.committedAt.IsZero() }
func (b *base) Revertable() bool       { return b.revertable }

func (b *base) options() []Option {
	options := []Option{WithPosition(b.index, b.length)}
	if !b.revertable {
		options = append(options, NonRevertable())
	}
	return options
}

func (b *base) beginApply() error {
	if b.Applied() {
		return fmt.Errorf("%w: %s %s", ErrAlreadyApplied, b.kind, b.id)
	}
	return nil
}

// commit stamps the commit time; a committed transaction cannot be applied again.
func (b *base) commit() error {
	if err := b.beginApply(); err != nil {
		return err
	}
	b.committedAt = b.clock().UTC()
	return nil
}

func (b *base) setInverse(inverse []Transaction) {
	if !b.revertable {
		b.inverse = nil
	} else {
		b.inverse = inverse
	}
	b.inverseReady = true
}

func (b *base) beginRevert() error {
	if !b.Applied() {
		return fmt.Errorf("%w: %s %s", ErrNotApplied, b.kind, b.id)
	}
	if b.reverted {
		return fmt.Errorf("%w: %s %s", ErrAlreadyReverted, b.kind, b.id)
	}
	return nil
}

// replayInverse applies the inverse chain last to first. An inverse that
// finds the entity already in the target state is treated as done.
func (b *base) replayInverse(ctx context.Context) error {
	if err := b.beginRevert(); err != nil {
		return err
	}
	for i := len(b.inverse) - 1; i >= 0; i-- {
		if err := b.inverse[i].Apply(ctx); err != nil {
			if settled(err) {
				continue
			}
			return fmt.Errorf("revert %s %s: %w", b.kind, b.id, err)
		}
	}
	b.reverted = true
	return nil
}

func settled(err error) bool {
	c, ok := conflict.As(err)
	if !ok {
		return false
	}
	return c.Kind == conflict.KindNoChangeUpdate || c.Kind == conflict.KindEntityAlreadyDeleted
}

func (b *base) record() Record {
	rec := Record{
		ID:         b.id,
		Kind:       b.kind,
		Index:      b.index,
		Length:     b.length,
		CreatedAt:  b.createdAt.UnixMilli(),
		Revertable: b.revertable,
	}
	if b.Applied() {
		committed := b.committedAt.UnixMilli()
		rec.CommittedAt = &committed
	}
	if b.inverseReady && len(b.inverse) > 0 {
		rec.Revert = make([]Record, 0, len(b.inverse))
		for _, inverse := range b.inverse {
			rec.Revert = append(rec.Revert, inverse.Record())
		}
	}
	return rec
}
