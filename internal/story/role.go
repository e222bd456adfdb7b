package story

import (
	"github.com/wandertale/engine/internal/variable"
)

// RolesOccupiedNamespace is the reserved shared-scope namespace that
// tracks role reservations: variable id = user id, value = role id. The
// literal string is part of the synchronisation protocol; an existing
// server and story corpus depend on it.
const RolesOccupiedNamespace = "_rolesOccupied"

// Role is a story-defined part a reader can occupy.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserRoleAssignmentRef addresses the role-assignment variable for a
// user.
func UserRoleAssignmentRef(userID string) variable.Reference {
	return variable.Reference{
		Scope:     variable.ScopeShared,
		Namespace: RolesOccupiedNamespace,
		Variable:  userID,
	}
}

// UserRole resolves the role a user currently occupies, or nil when none
// is assigned.
func UserRole(userID string, vars variable.Accessor, roles *Roles) (*Role, error) {
	assignment, err := vars.Get(UserRoleAssignmentRef(userID))
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		return nil, nil
	}
	return roles.Get(assignment.Value), nil
}

// Roles is the story's role registry.
type Roles struct {
	byID   map[string]*Role
	byName map[string]*Role
	order  []*Role
}

// NewRoles builds a registry from a list of roles.
func NewRoles(roles []Role) *Roles {
	r := &Roles{
		byID:   make(map[string]*Role, len(roles)),
		byName: make(map[string]*Role, len(roles)),
	}
	for _, role := range roles {
		stored := role
		r.byID[role.ID] = &stored
		r.byName[role.Name] = &stored
		r.order = append(r.order, &stored)
	}
	return r
}

// Get returns the role with the given id, or nil.
func (r *Roles) Get(id string) *Role {
	return r.byID[id]
}

// GetByName returns the role with the given name, or nil.
func (r *Roles) GetByName(name string) *Role {
	return r.byName[name]
}

// All returns the roles in story order.
func (r *Roles) All() []*Role {
	return r.order
}
