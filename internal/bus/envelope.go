package bus

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/go-playground/validator/v10"
)

// CommandCRUD is the only command carried on the request topic.
const CommandCRUD = "CRUD"

// Envelope is a batch request published on the request topic.
type Envelope struct {
	RequestID string               `json:"request_id" validate:"required"`
	Timestamp int64                `json:"ts" validate:"gt=0"`
	Command   string               `json:"command" validate:"required,oneof=CRUD"`
	Role      string               `json:"role,omitempty"`
	Payload   []transaction.Record `json:"payload" validate:"required,min=1"`
}

// Result is the reply correlated to an Envelope by request id.
type Result struct {
	RequestID string            `json:"request_id" validate:"required"`
	OK        bool              `json:"ok"`
	ErrorCode ErrorCode         `json:"error_code"`
	Error     string            `json:"error,omitempty"`
	Responses []syncer.Response `json:"responses,omitempty"`
}

var envelopeValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the envelope shape.
func (e Envelope) Validate() error {
	if err := envelopeValidator.Struct(e); err != nil {
		return fmt.Errorf("bus: invalid envelope: %w", err)
	}
	return nil
}

// Sorted returns the payload ordered by transaction index.
func (e Envelope) Sorted() []transaction.Record {
	records := append([]transaction.Record(nil), e.Payload...)
	sort.SliceStable(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	return records
}

// DecodeEnvelope parses and validates a request payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("bus: decode envelope: %w", err)
	}
	if err := envelope.Validate(); err != nil {
		return envelope, err
	}
	return envelope, nil
}

// DecodeResult parses a reply payload.
func DecodeResult(data []byte) (Result, error) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return Result{}, fmt.Errorf("bus: decode result: %w", err)
	}
	if err := envelopeValidator.Struct(result); err != nil {
		return Result{}, fmt.Errorf("bus: invalid result: %w", err)
	}
	return result, nil
}

// NewFailure builds a failed Result classified by CodeFor.
func NewFailure(requestID string, err error) Result {
	return Result{RequestID: requestID, OK: false, ErrorCode: CodeFor(err), Error: err.Error()}
}
