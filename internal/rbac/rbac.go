// Package rbac holds the platform role model. Moderation endpoints only
// distinguish moderators from everyone else; finer-grained scopes live on
// the tokens themselves and are enforced elsewhere.
package rbac

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleDeveloper Role = "developer"
)

// IsMod reports whether the role carries moderation rights.
func (r Role) IsMod() bool {
	return r == RoleAdmin || r == RoleModerator
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleAdmin, RoleModerator, RoleDeveloper:
		return Role(role)
	default:
		return RoleDeveloper
	}
}
