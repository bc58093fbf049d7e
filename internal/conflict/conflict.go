package conflict

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Role is the privilege level a batch is applied under. Lower values are more privileged.
type Role int

const (
	RoleForce Role = iota
	RoleMaintenance
	RoleGateway
	RoleDevice
	RoleExternal
)

var roleNames = map[Role]string{
	RoleForce:       "FORCE",
	RoleMaintenance: "MAINTENANCE",
	RoleGateway:     "GATEWAY",
	RoleDevice:      "DEVICE",
	RoleExternal:    "EXTERNAL",
}

// ErrUnknownRole indicates a role outside the closed set.
var ErrUnknownRole = errors.New("conflict: unknown role")

// ParseRole accepts a role name (case-insensitive) or its numeric value.
func ParseRole(raw string) (Role, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	for role, name := range roleNames {
		if name == trimmed {
			return role, nil
		}
	}
	if numeric, err := strconv.Atoi(trimmed); err == nil {
		role := Role(numeric)
		if _, ok := roleNames[role]; ok {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "Role(" + strconv.Itoa(int(r)) + ")"
}

// Kind discriminates the conflict variants.
type Kind int

const (
	KindReadSyncEntityNotExists Kind = iota + 1
	KindReadSyncMismatch
	KindCreateOnExistingEntity
	KindEntityAlreadyDeleted
	KindNoChangeUpdate
	KindVersionNotFound
)

var kindNames = map[Kind]string{
	KindReadSyncEntityNotExists: "ReadSyncEntityNotExists",
	KindReadSyncMismatch:        "ReadSyncMismatch",
	KindCreateOnExistingEntity:  "CreateOnExistingEntity",
	KindEntityAlreadyDeleted:    "EntityAlreadyDeleted",
	KindNoChangeUpdate:          "NoChangeUpdate",
	KindVersionNotFound:         "VersionNotFound",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Conflict is an expected, policy-resolvable condition met while applying a transaction.
type Conflict struct {
	Kind       Kind
	EntityType string
	EntityID   string
	// Proposed is the payload the caller tried to apply (new or expected body).
	Proposed map[string]any
	// Found is the persisted payload the proposal collided with.
	Found map[string]any
	// Version is the checkout target for KindVersionNotFound.
	Version string
}

func (c *Conflict) Error() string {
	switch c.Kind {
	case KindReadSyncEntityNotExists:
		return fmt.Sprintf("%s: %s %s does not exist", c.Kind, c.EntityType, c.EntityID)
	case KindReadSyncMismatch:
		return fmt.Sprintf("%s: %s %s expected %v, found %v", c.Kind, c.EntityType, c.EntityID, c.Proposed, c.Found)
	case KindCreateOnExistingEntity:
		return fmt.Sprintf("%s: %s %s already exists", c.Kind, c.EntityType, c.EntityID)
	case KindEntityAlreadyDeleted:
		return fmt.Sprintf("%s: %s %s is already deleted", c.Kind, c.EntityType, c.EntityID)
	case KindNoChangeUpdate:
		return fmt.Sprintf("%s: %s %s unchanged", c.Kind, c.EntityType, c.EntityID)
	case KindVersionNotFound:
		return fmt.Sprintf("%s: version %s not present for %s %s", c.Kind, c.Version, c.EntityType, c.EntityID)
	default:
		return c.Kind.String()
	}
}

// Solve applies the default policy for the acting role.
func (c *Conflict) Solve(role Role) bool {
	return DefaultPolicy.Solve(c, role)
}

// As extracts a Conflict from an error chain.
func As(err error) (*Conflict, bool) {
	var target *Conflict
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func NewReadSyncEntityNotExists(entityType, entityID string) *Conflict {
	return &Conflict{Kind: KindReadSyncEntityNotExists, EntityType: entityType, EntityID: entityID}
}

func NewReadSyncMismatch(entityType, entityID string, expected, found map[string]any) *Conflict {
	return &Conflict{Kind: KindReadSyncMismatch, EntityType: entityType, EntityID: entityID, Proposed: expected, Found: found}
}

func NewCreateOnExistingEntity(entityType, entityID string, proposed, found map[string]any) *Conflict {
	return &Conflict{Kind: KindCreateOnExistingEntity, EntityType: entityType, EntityID: entityID, Proposed: proposed, Found: found}
}

func NewEntityAlreadyDeleted(entityType, entityID string) *Conflict {
	return &Conflict{Kind: KindEntityAlreadyDeleted, EntityType: entityType, EntityID: entityID}
}

func NewNoChangeUpdate(entityType, entityID string, proposed map[string]any) *Conflict {
	return &Conflict{Kind: KindNoChangeUpdate, EntityType: entityType, EntityID: entityID, Proposed: proposed}
}

func NewVersionNotFound(entityType, entityID, version string) *Conflict {
	return &Conflict{Kind: KindVersionNotFound, EntityType: entityType, EntityID: entityID, Version: version}
}
