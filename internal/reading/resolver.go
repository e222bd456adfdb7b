package reading

import (
	"github.com/wandertale/engine/internal/variable"
)

// ThisNamespace is the sentinel namespace story authors use to address
// "the current user/role" without knowing concrete identities.
const ThisNamespace = "this"

// RoleSource answers which role the local user currently occupies.
type RoleSource interface {
	// LocalUserRoleID returns the occupied role id, or false when no
	// role is assigned.
	LocalUserRoleID() (string, bool)
}

// NamespaceResolver rewrites references whose namespace is the sentinel
// "this" into the caller's concrete namespace before delegating: the
// currently-assigned role id if one exists, else the raw user id. All
// other references pass through unmodified.
type NamespaceResolver struct {
	vars   variable.Accessor
	roles  RoleSource
	userID string
}

// NewNamespaceResolver wraps an accessor with namespace resolution for
// the given user.
func NewNamespaceResolver(vars variable.Accessor, roles RoleSource, userID string) *NamespaceResolver {
	return &NamespaceResolver{vars: vars, roles: roles, userID: userID}
}

// resolve rewrites "this" references. Resolution is recomputed on every
// call: role assignment can change between calls and must never be
// cached on the reference.
func (r *NamespaceResolver) resolve(ref variable.Reference) variable.Reference {
	if ref.Namespace != ThisNamespace {
		return ref
	}

	resolved := ref.Clone()
	if roleID, ok := r.roles.LocalUserRoleID(); ok {
		resolved.Namespace = roleID
	} else {
		resolved.Namespace = r.userID
	}
	return resolved
}

// Get reads through the underlying accessor with the namespace resolved.
func (r *NamespaceResolver) Get(ref variable.Reference) (*variable.Variable, error) {
	return r.vars.Get(r.resolve(ref))
}

// Save writes through the underlying accessor with the namespace
// resolved.
func (r *NamespaceResolver) Save(ref variable.Reference, value string) error {
	return r.vars.Save(r.resolve(ref), value)
}
