package transaction

import (
	"context"
	"errors"
	"fmt"
)

// Reversible is anything an UndoLog can unwind.
type Reversible interface {
	Revert(ctx context.Context) error
}

type undoEntry struct {
	label string
	step  Reversible
}

// UndoLog is an append-only record of reversible steps, unwound last to first.
type UndoLog struct {
	entries []undoEntry
}

// Push appends a step.
func (l *UndoLog) Push(label string, step Reversible) {
	l.entries = append(l.entries, undoEntry{label: label, step: step})
}

// Len reports the number of pending steps.
func (l *UndoLog) Len() int {
	return len(l.entries)
}

// Labels lists step labels in push order.
func (l *UndoLog) Labels() []string {
	labels := make([]string, 0, len(l.entries))
	for _, entry := range l.entries {
		labels = append(labels, entry.label)
	}
	return labels
}

// Unwind reverts every step in LIFO order and empties the log. A failing step
// does not stop the unwind; all failures are returned joined.
func (l *UndoLog) Unwind(ctx context.Context) error {
	var errs []error
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if err := entry.step.Revert(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", entry.label, err))
		}
	}
	l.entries = nil
	return errors.Join(errs...)
}
