package story

import (
	"encoding/json"
	"fmt"

	"github.com/wandertale/engine/internal/variable"
)

// VariableChange records a write performed by a function: the reference,
// the pre-existing variable (nil if it did not exist) and the value
// written. The calling layer uses it for before/after audit logging.
type VariableChange struct {
	Ref    variable.Reference
	Before *variable.Variable
	Value  string
}

// FunctionEnv carries everything a function may touch while executing:
// the variable capability, the story's condition and role registries and
// the acting user.
type FunctionEnv struct {
	Vars       variable.Accessor
	Conditions *Conditions
	Roles      *Roles
	UserID     string
}

// Function is a story-authored state mutation, gated by an AND-list of
// condition ids.
type Function interface {
	ID() string
	ConditionIDs() []string

	// Execute runs the function if its conditions pass. It returns the
	// change it performed, or nil when the conditions gated it off.
	Execute(env *FunctionEnv) (*VariableChange, error)
}

// SetFunction writes a fixed value into a variable.
type SetFunction struct {
	id         string
	ref        variable.Reference
	value      string
	conditions []string
}

// NewSetFunction builds a set function.
func NewSetFunction(id string, ref variable.Reference, value string, conditions []string) *SetFunction {
	return &SetFunction{id: id, ref: ref, value: value, conditions: conditions}
}

func (f *SetFunction) ID() string             { return f.id }
func (f *SetFunction) ConditionIDs() []string { return f.conditions }

// Execute writes the value if the attached conditions pass. Conditions
// failing is a no-op: no write, no change record.
func (f *SetFunction) Execute(env *FunctionEnv) (*VariableChange, error) {
	pass, err := env.Conditions.AllPass(f.conditions, env.Vars)
	if err != nil {
		return nil, err
	}
	if !pass {
		return nil, nil
	}

	before, err := env.Vars.Get(f.ref)
	if err != nil {
		return nil, err
	}
	if err := env.Vars.Save(f.ref, f.value); err != nil {
		return nil, err
	}

	return &VariableChange{Ref: f.ref, Before: before, Value: f.value}, nil
}

// SetRoleFunction assigns the acting user a role, by writing the user's
// role-assignment variable in the reserved shared namespace. The value
// configured in the story is the role's name; the stored value is the
// role id from the story's role registry.
type SetRoleFunction struct {
	id         string
	roleName   string
	conditions []string
}

// NewSetRoleFunction builds a setrole function.
func NewSetRoleFunction(id, roleName string, conditions []string) *SetRoleFunction {
	return &SetRoleFunction{id: id, roleName: roleName, conditions: conditions}
}

func (f *SetRoleFunction) ID() string             { return f.id }
func (f *SetRoleFunction) ConditionIDs() []string { return f.conditions }

// Execute reserves the role for the acting user if the conditions pass.
func (f *SetRoleFunction) Execute(env *FunctionEnv) (*VariableChange, error) {
	pass, err := env.Conditions.AllPass(f.conditions, env.Vars)
	if err != nil {
		return nil, err
	}
	if !pass {
		return nil, nil
	}

	role := env.Roles.GetByName(f.roleName)
	if role == nil {
		return nil, fmt.Errorf("function %s assigns unknown role %q", f.id, f.roleName)
	}

	ref := UserRoleAssignmentRef(env.UserID)
	before, err := env.Vars.Get(ref)
	if err != nil {
		return nil, err
	}
	if err := env.Vars.Save(ref, role.ID); err != nil {
		return nil, err
	}

	return &VariableChange{Ref: ref, Before: before, Value: role.ID}, nil
}

// Functions is the story's function registry keyed by id.
type Functions struct {
	byID map[string]Function
}

// NewFunctions builds a registry from a list of functions.
func NewFunctions(functions []Function) *Functions {
	f := &Functions{byID: make(map[string]Function, len(functions))}
	for _, fn := range functions {
		f.byID[fn.ID()] = fn
	}
	return f
}

// Get returns the function with the given id, or nil.
func (f *Functions) Get(id string) Function {
	return f.byID[id]
}

// Len returns the number of registered functions.
func (f *Functions) Len() int {
	return len(f.byID)
}

// functionJSON is the tagged wire form shared by all function types.
type functionJSON struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Variable   json.RawMessage `json:"variable"`
	Value      string          `json:"value"`
	Conditions []string        `json:"conditions"`
}

// decodeFunction decodes one function from its tagged wire form.
func decodeFunction(raw json.RawMessage) (Function, error) {
	var data functionJSON
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	switch data.Type {
	case "set":
		var ref variable.Reference
		if err := json.Unmarshal(data.Variable, &ref); err != nil {
			return nil, fmt.Errorf("function %s: variable: %w", data.ID, err)
		}
		return NewSetFunction(data.ID, ref, data.Value, data.Conditions), nil
	case "setrole":
		return NewSetRoleFunction(data.ID, data.Value, data.Conditions), nil
	}
	return nil, fmt.Errorf("function %s has unknown type %q", data.ID, data.Type)
}
