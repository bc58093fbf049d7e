package transaction

import (
	"context"
	"errors"
	"fmt"
)

// MemberError reports the first Delta member that failed. Members before it
// were reverted; members after it never ran.
type MemberError struct {
	Index int
	Err   error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("delta member %d: %v", e.Index, e.Err)
}

func (e *MemberError) Unwrap() error {
	return e.Err
}

// FailedMember extracts the outermost failing member index from an error chain.
func FailedMember(err error) (int, bool) {
	var memberErr *MemberError
	if errors.As(err, &memberErr) {
		return memberErr.Index, true
	}
	return 0, false
}

// Delta applies an ordered group of transactions as one atomic unit.
type Delta struct {
	base
	factory *Factory
	members []Transaction
}

// Members returns the grouped transactions in application order.
func (d *Delta) Members() []Transaction {
	return append([]Transaction(nil), d.members...)
}

func (d *Delta) Apply(ctx context.Context) error {
	if err := d.beginApply(); err != nil {
		return err
	}
	applied := make([]Transaction, 0, len(d.members))
	for index, member := range d.members {
		if err := member.Apply(ctx); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				if revertErr := applied[i].Revert(ctx); revertErr != nil {
					err = errors.Join(err, fmt.Errorf("unwind member %d: %w", i, revertErr))
				}
			}
			return &MemberError{Index: index, Err: err}
		}
		applied = append(applied, member)
	}
	inverse, err := d.Inverse(ctx)
	if err != nil {
		return err
	}
	d.setInverse(inverse)
	return d.commit()
}

// Inverse concatenates the member inverse chains in member order.
func (d *Delta) Inverse(ctx context.Context) ([]Transaction, error) {
	if !d.revertable {
		return nil, nil
	}
	if d.inverseReady {
		return d.inverse, nil
	}
	inverse := make([]Transaction, 0, len(d.members))
	for _, member := range d.members {
		memberInverse, err := member.Inverse(ctx)
		if err != nil {
			return nil, err
		}
		inverse = append(inverse, memberInverse...)
	}
	d.setInverse(inverse)
	return d.inverse, nil
}

// Revert undoes the members last to first.
func (d *Delta) Revert(ctx context.Context) error {
	if err := d.beginRevert(); err != nil {
		return err
	}
	for i := len(d.members) - 1; i >= 0; i-- {
		if err := d.members[i].Revert(ctx); err != nil {
			return fmt.Errorf("revert delta %s member %d: %w", d.id, i, err)
		}
	}
	d.reverted = true
	return nil
}

func (d *Delta) Template() Transaction {
	members := make([]Transaction, 0, len(d.members))
	for _, member := range d.members {
		members = append(members, member.Template())
	}
	return d.factory.NewDelta(members, d.options()...)
}

func (d *Delta) Record() Record {
	rec := d.base.record()
	rec.Revert = nil
	rec.Members = make([]Record, 0, len(d.members))
	for _, member := range d.members {
		rec.Members = append(rec.Members, member.Record())
	}
	return rec
}

func (d *Delta) Equal(other Transaction) bool {
	peer, ok := other.(*Delta)
	if !ok || len(peer.members) != len(d.members) {
		return false
	}
	for i := range d.members {
		if !d.members[i].Equal(peer.members[i]) {
			return false
		}
	}
	return true
}
