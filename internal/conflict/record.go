package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrRecordNotFound indicates that no conflict record matches the id.
var ErrRecordNotFound = errors.New("conflict: record not found")

// Record is the audit entry written for a conflict that the acting role
// could not resolve. Payload holds the serialized batch that hit it.
type Record struct {
	ID               string          `json:"id" yaml:"id"`
	GraphID          string          `json:"graph_id" yaml:"graph_id"`
	EntityType       string          `json:"entity_type" yaml:"entity_type"`
	EntityID         string          `json:"entity_id" yaml:"entity_id"`
	Kind             string          `json:"kind" yaml:"kind"`
	Role             string          `json:"role" yaml:"role"`
	VersionAtFailure string          `json:"version_at_failure" yaml:"version_at_failure"`
	Description      string          `json:"description" yaml:"description"`
	Payload          json.RawMessage `json:"payload" yaml:"-"`
	Solved           bool            `json:"solved" yaml:"solved"`
	CreatedAt        time.Time       `json:"created_at" yaml:"created_at"`
	SolvedAt         time.Time       `json:"solved_at,omitempty" yaml:"solved_at,omitempty"`
}

// ListFilter narrows Repository.List. A nil Solved lists everything.
type ListFilter struct {
	Solved *bool
	Limit  int
}

// Repository stores conflict records.
type Repository interface {
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, filter ListFilter) ([]Record, error)
	MarkSolved(ctx context.Context, id string) (Record, error)
}
