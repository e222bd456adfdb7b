package story

import (
	"testing"
)

func newEnv(vars mapAccessor, conditions []Condition, roles []Role, userID string) *FunctionEnv {
	return &FunctionEnv{
		Vars:       vars,
		Conditions: NewConditions(conditions),
		Roles:      NewRoles(roles),
		UserID:     userID,
	}
}

// TestSetFunction verifies a gated write with a change record
func TestSetFunction(t *testing.T) {
	vars := mapAccessor{}
	ref := sharedRef("doctor", "visited")
	fn := NewSetFunction("f1", ref, "true", nil)

	change, err := fn.Execute(newEnv(vars, nil, nil, "user-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if change == nil {
		t.Fatal("Expected a change record")
	}
	if change.Before != nil {
		t.Errorf("Expected no prior value, got %+v", change.Before)
	}
	if change.Value != "true" || change.Ref != ref {
		t.Errorf("Unexpected change record: %+v", change)
	}

	v, _ := vars.Get(ref)
	if v == nil || v.Value != "true" {
		t.Errorf("Expected visited=true written, got %+v", v)
	}

	// A second run records the previous value.
	fn = NewSetFunction("f1", ref, "false", nil)
	change, err = fn.Execute(newEnv(vars, nil, nil, "user-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if change.Before == nil || change.Before.Value != "true" {
		t.Errorf("Expected before=true, got %+v", change.Before)
	}
}

// TestSetFunctionGatedOff verifies failing conditions suppress the write
func TestSetFunctionGatedOff(t *testing.T) {
	vars := mapAccessor{}
	guard := NewCheckCondition("guard", sharedRef("doctor", "missing"))

	ref := sharedRef("doctor", "visited")
	fn := NewSetFunction("f1", ref, "true", []string{"guard"})

	change, err := fn.Execute(newEnv(vars, []Condition{guard}, nil, "user-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if change != nil {
		t.Errorf("Expected no change when gated off, got %+v", change)
	}
	if v, _ := vars.Get(ref); v != nil {
		t.Errorf("Expected no write when gated off, got %+v", v)
	}
}

// TestSetRoleFunction verifies the reserved role-assignment write
func TestSetRoleFunction(t *testing.T) {
	vars := mapAccessor{}
	roles := []Role{{ID: "r1", Name: "doctor"}, {ID: "r2", Name: "patient"}}
	fn := NewSetRoleFunction("f1", "doctor", nil)

	change, err := fn.Execute(newEnv(vars, nil, roles, "user-1"))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if change == nil {
		t.Fatal("Expected a change record")
	}

	want := UserRoleAssignmentRef("user-1")
	if change.Ref != want {
		t.Errorf("Expected write to %s, got %s", want, change.Ref)
	}
	if change.Value != "r1" {
		t.Errorf("Expected the role id stored, got %q", change.Value)
	}

	v, _ := vars.Get(want)
	if v == nil || v.Value != "r1" {
		t.Errorf("Expected user-1 assigned r1, got %+v", v)
	}
}

// TestSetRoleFunctionUnknownRole verifies an unknown role name fails
func TestSetRoleFunctionUnknownRole(t *testing.T) {
	fn := NewSetRoleFunction("f1", "wizard", nil)
	if _, err := fn.Execute(newEnv(mapAccessor{}, nil, []Role{{ID: "r1", Name: "doctor"}}, "user-1")); err == nil {
		t.Error("Expected error assigning an unknown role")
	}
}

// TestUserRole verifies assignment lookup through the reserved namespace
func TestUserRole(t *testing.T) {
	vars := mapAccessor{}
	roles := NewRoles([]Role{{ID: "r1", Name: "doctor"}})

	role, err := UserRole("user-1", vars, roles)
	if err != nil {
		t.Fatalf("UserRole failed: %v", err)
	}
	if role != nil {
		t.Errorf("Expected no role for an unassigned user, got %+v", role)
	}

	vars.Save(UserRoleAssignmentRef("user-1"), "r1")
	role, err = UserRole("user-1", vars, roles)
	if err != nil {
		t.Fatalf("UserRole failed: %v", err)
	}
	if role == nil || role.Name != "doctor" {
		t.Errorf("Expected role doctor, got %+v", role)
	}

	// An assignment to a role the story no longer defines resolves to nil.
	vars.Save(UserRoleAssignmentRef("user-2"), "gone")
	role, err = UserRole("user-2", vars, roles)
	if err != nil || role != nil {
		t.Errorf("Expected nil for an unknown role id, got %+v, %v", role, err)
	}
}

// TestRolesRegistry verifies lookup by id and name
func TestRolesRegistry(t *testing.T) {
	roles := NewRoles([]Role{{ID: "r1", Name: "doctor"}, {ID: "r2", Name: "patient"}})

	if roles.Get("r2").Name != "patient" {
		t.Error("Get by id failed")
	}
	if roles.GetByName("doctor").ID != "r1" {
		t.Error("Get by name failed")
	}
	if roles.Get("nope") != nil || roles.GetByName("nope") != nil {
		t.Error("Expected nil for unknown roles")
	}
	if len(roles.All()) != 2 {
		t.Errorf("Expected 2 roles, got %d", len(roles.All()))
	}
}
