package bus

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

// ErrorCode classifies a failed Result on the wire.
type ErrorCode int

const (
	CodeEntityNotFound ErrorCode = iota
	CodeEntityAlreadyExists
	CodeGeneral
	CodeIntegrity
	CodeCache
)

var codeNames = map[ErrorCode]string{
	CodeEntityNotFound:      "ENTITY_NOT_FOUND",
	CodeEntityAlreadyExists: "ENTITY_ALREADY_EXISTS",
	CodeGeneral:             "GENERAL",
	CodeIntegrity:           "INTEGRITY_ERROR",
	CodeCache:               "CACHE_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

var (
	// ErrResponseTimeout means the result did not arrive in time; the outcome is unknown.
	ErrResponseTimeout = errors.New("bus: response timeout")
	// ErrCache indicates a response cache failure.
	ErrCache = errors.New("bus: cache error")
	// ErrRemote wraps a general failure reported by the remote side.
	ErrRemote = errors.New("bus: remote failure")
)

// CodeFor classifies err for the wire.
func CodeFor(err error) ErrorCode {
	if found, ok := conflict.As(err); ok {
		switch found.Kind {
		case conflict.KindCreateOnExistingEntity:
			return CodeEntityAlreadyExists
		case conflict.KindEntityAlreadyDeleted,
			conflict.KindReadSyncEntityNotExists,
			conflict.KindReadSyncMismatch,
			conflict.KindVersionNotFound:
			return CodeEntityNotFound
		case conflict.KindNoChangeUpdate:
			return CodeGeneral
		}
	}
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return CodeEntityNotFound
	case errors.Is(err, entity.ErrAlreadyExists):
		return CodeEntityAlreadyExists
	case errors.Is(err, entity.ErrIntegrity):
		return CodeIntegrity
	case errors.Is(err, ErrCache), errors.Is(err, ErrResponseTimeout):
		return CodeCache
	default:
		return CodeGeneral
	}
}

// Err turns a failed Result back into an error matching the sentinel of its code.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	var sentinel error
	switch r.ErrorCode {
	case CodeEntityNotFound:
		sentinel = entity.ErrNotFound
	case CodeEntityAlreadyExists:
		sentinel = entity.ErrAlreadyExists
	case CodeIntegrity:
		sentinel = entity.ErrIntegrity
	case CodeCache:
		sentinel = ErrCache
	default:
		sentinel = ErrRemote
	}
	if r.Error == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, r.Error)
}
