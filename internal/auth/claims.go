package auth

import (
	"strings"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload of a device token.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ActingRole returns the role batches from this token run under. Tokens
// without a role act as EXTERNAL.
func (c Claims) ActingRole() (conflict.Role, error) {
	if strings.TrimSpace(c.Role) == "" {
		return conflict.RoleExternal, nil
	}
	return conflict.ParseRole(c.Role)
}
