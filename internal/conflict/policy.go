package conflict

// Policy decides whether a conflict is resolved for the acting role.
type Policy interface {
	Solve(c *Conflict, role Role) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(c *Conflict, role Role) bool

func (f PolicyFunc) Solve(c *Conflict, role Role) bool {
	return f(c, role)
}

// DefaultPolicy resolves conflicts by kind and role.
//
// VersionNotFound is never resolved: nothing restores a compatible master
// version, so reporting success would leave the caller on a missing target.
var DefaultPolicy Policy = PolicyFunc(solveByTable)

// StrictPolicy resolves nothing.
var StrictPolicy Policy = PolicyFunc(func(*Conflict, Role) bool { return false })

func solveByTable(c *Conflict, role Role) bool {
	if c == nil {
		return false
	}
	switch c.Kind {
	case KindReadSyncEntityNotExists:
		return false
	case KindReadSyncMismatch, KindCreateOnExistingEntity:
		return role == RoleForce
	case KindEntityAlreadyDeleted, KindNoChangeUpdate:
		return true
	case KindVersionNotFound:
		return false
	default:
		return role == RoleForce
	}
}

// Except wraps a policy so the listed kinds are never resolved.
func Except(base Policy, kinds ...Kind) Policy {
	blocked := make(map[Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		blocked[kind] = struct{}{}
	}
	return PolicyFunc(func(c *Conflict, role Role) bool {
		if c != nil {
			if _, ok := blocked[c.Kind]; ok {
				return false
			}
		}
		return base.Solve(c, role)
	})
}
