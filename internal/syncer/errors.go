package syncer

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
)

var (
	errMissingStore     = errors.New("entity store is required")
	errMissingFactory   = errors.New("transaction factory is required")
	errMissingGraphs    = errors.New("versioning service is required")
	errMissingConflicts = errors.New("conflict repository is required")
)

const (
	opManagerNew = "syncer.manager.new"
	opApply      = "syncer.apply"
	opCheckout   = "syncer.checkout"
	opRevert     = "syncer.revert"
	opHistory    = "syncer.history"
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// BatchError reports a batch that was rolled back because of an unresolved
// conflict.
type BatchError struct {
	Conflict *conflict.Conflict
	GraphID  string
	// RecordID is the persisted conflict record, empty if persisting failed.
	RecordID string
	// Rollback holds failures met while unwinding already committed groups.
	Rollback error
}

func (e *BatchError) Error() string {
	message := fmt.Sprintf("batch rejected on graph %s: %v", e.GraphID, e.Conflict)
	if e.Rollback != nil {
		message += fmt.Sprintf(" (rollback incomplete: %v)", e.Rollback)
	}
	return message
}

func (e *BatchError) Unwrap() error {
	return e.Conflict
}
