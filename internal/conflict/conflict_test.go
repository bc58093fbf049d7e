package conflict

import (
	"errors"
	"fmt"
	"testing"
)

func TestDefaultPolicyTable(t *testing.T) {
	testCases := []struct {
		kind      Kind
		force     bool
		otherRole bool
	}{
		{kind: KindReadSyncEntityNotExists, force: false, otherRole: false},
		{kind: KindReadSyncMismatch, force: true, otherRole: false},
		{kind: KindCreateOnExistingEntity, force: true, otherRole: false},
		{kind: KindEntityAlreadyDeleted, force: true, otherRole: true},
		{kind: KindNoChangeUpdate, force: true, otherRole: true},
		{kind: KindVersionNotFound, force: false, otherRole: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.kind.String(), func(t *testing.T) {
			c := &Conflict{Kind: testCase.kind, EntityType: "ITEM", EntityID: "a"}
			if got := c.Solve(RoleForce); got != testCase.force {
				t.Fatalf("FORCE: expected %v, got %v", testCase.force, got)
			}
			for _, role := range []Role{RoleMaintenance, RoleGateway, RoleDevice, RoleExternal} {
				if got := c.Solve(role); got != testCase.otherRole {
					t.Fatalf("%s: expected %v, got %v", role, testCase.otherRole, got)
				}
			}
		})
	}
}

func TestExceptBlocksListedKinds(t *testing.T) {
	policy := Except(DefaultPolicy, KindNoChangeUpdate)
	if policy.Solve(NewNoChangeUpdate("ITEM", "c", nil), RoleForce) {
		t.Fatalf("expected NoChangeUpdate to stay unresolved")
	}
	if !policy.Solve(NewEntityAlreadyDeleted("ITEM", "c"), RoleDevice) {
		t.Fatalf("expected other kinds to follow the base policy")
	}
	if StrictPolicy.Solve(NewEntityAlreadyDeleted("ITEM", "c"), RoleForce) {
		t.Fatalf("strict policy must resolve nothing")
	}
}

func TestAsFindsWrappedConflict(t *testing.T) {
	wrapped := fmt.Errorf("apply: %w", NewCreateOnExistingEntity("ITEM", "dup", map[string]any{"name": "x"}, nil))
	found, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected conflict in chain")
	}
	if found.Kind != KindCreateOnExistingEntity || found.EntityID != "dup" {
		t.Fatalf("unexpected conflict: %+v", found)
	}
	if _, ok := As(errors.New("plain")); ok {
		t.Fatalf("did not expect conflict in plain error")
	}
}

func TestParseRole(t *testing.T) {
	for raw, want := range map[string]Role{"force": RoleForce, "DEVICE": RoleDevice, "4": RoleExternal, " gateway ": RoleGateway} {
		got, err := ParseRole(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("%q: expected %s, got %s", raw, want, got)
		}
	}
	if _, err := ParseRole("root"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}
