// Package story implements the read-only story document: pages, roles,
// and the condition/function logic that story authors attach to them.
// Conditions and functions are closed tagged unions keyed by a "type"
// discriminator in the story JSON.
package story

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/wandertale/engine/internal/variable"
)

// Condition is a single piece of gating logic evaluated against the
// accessible state.
type Condition interface {
	ID() string
	Execute(vars variable.Accessor) (bool, error)
}

// Operand value types accepted by comparison conditions.
const (
	OperandInteger  = "Integer"
	OperandString   = "String"
	OperandVariable = "Variable"
)

// Comparison operators accepted by comparison conditions.
var comparisonOperators = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
}

// Operand is one side of a comparison: either a literal or a variable
// reference, with a declared value type controlling how it compares.
type Operand struct {
	Type    string
	Literal string
	Ref     variable.Reference
	IsRef   bool
}

// ComparisonCondition compares two operands with a relational operator.
type ComparisonCondition struct {
	id       string
	a        Operand
	b        Operand
	operator string
}

// NewComparisonCondition builds a validated comparison condition.
func NewComparisonCondition(id string, a, b Operand, operator string) (*ComparisonCondition, error) {
	c := &ComparisonCondition{id: id, a: a, b: b, operator: operator}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ComparisonCondition) ID() string { return c.id }

func (c *ComparisonCondition) validate() error {
	for name, op := range map[string]Operand{"a": c.a, "b": c.b} {
		switch op.Type {
		case OperandInteger, OperandString, OperandVariable:
		default:
			return fmt.Errorf("condition %s: operand %s has invalid type %q", c.id, name, op.Type)
		}
		if op.Type == OperandVariable && !op.IsRef {
			return fmt.Errorf("condition %s: operand %s is typed Variable but is not a reference", c.id, name)
		}
		if op.Type == OperandInteger && !op.IsRef {
			if _, err := strconv.ParseInt(op.Literal, 10, 64); err != nil {
				return fmt.Errorf("condition %s: operand %s must be digits, got %q", c.id, name, op.Literal)
			}
		}
	}
	if !comparisonOperators[c.operator] {
		return fmt.Errorf("condition %s: %q is not a valid operator", c.id, c.operator)
	}
	return nil
}

// operand value kinds after resolution. A variable reference with no
// stored variable resolves to unresolved; authors pair such comparisons
// with a check condition.
type valueKind int

const (
	kindUnresolved valueKind = iota
	kindNumber
	kindString
	kindInvalidNumber
)

type operandValue struct {
	kind valueKind
	num  int64
	str  string
}

// resolve turns an operand into a concrete value through the accessor.
func (op Operand) resolve(vars variable.Accessor) (operandValue, error) {
	raw := op.Literal
	if op.IsRef {
		v, err := vars.Get(op.Ref)
		if err != nil {
			return operandValue{}, err
		}
		if v == nil {
			return operandValue{kind: kindUnresolved}, nil
		}
		raw = v.Value
	}

	if op.Type == OperandInteger {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return operandValue{kind: kindInvalidNumber}, nil
		}
		return operandValue{kind: kindNumber, num: n}, nil
	}
	return operandValue{kind: kindString, str: raw}, nil
}

// Execute resolves both operands and compares them. An operator that
// slipped past validation yields false rather than a panic.
func (c *ComparisonCondition) Execute(vars variable.Accessor) (bool, error) {
	a, err := c.a.resolve(vars)
	if err != nil {
		return false, err
	}
	b, err := c.b.resolve(vars)
	if err != nil {
		return false, err
	}
	return compare(a, b, c.operator), nil
}

// compare applies loose comparison semantics: unresolved equals only
// unresolved and fails every relational test; a value that should be a
// number but is not satisfies only "!="; strings compared to numbers are
// coerced to numbers.
func compare(a, b operandValue, operator string) bool {
	if a.kind == kindUnresolved || b.kind == kindUnresolved {
		bothUnresolved := a.kind == kindUnresolved && b.kind == kindUnresolved
		switch operator {
		case "==":
			return bothUnresolved
		case "!=":
			return !bothUnresolved
		}
		return false
	}

	if a.kind == kindNumber || b.kind == kindNumber {
		a, b = coerceNumber(a), coerceNumber(b)
	}
	if a.kind == kindInvalidNumber || b.kind == kindInvalidNumber {
		return operator == "!="
	}

	if a.kind == kindNumber {
		return compareOrdered(a.num, b.num, operator)
	}
	return compareOrdered(a.str, b.str, operator)
}

// coerceNumber converts a string value to a number for mixed-type
// comparisons.
func coerceNumber(v operandValue) operandValue {
	if v.kind != kindString {
		return v
	}
	n, err := strconv.ParseInt(v.str, 10, 64)
	if err != nil {
		return operandValue{kind: kindInvalidNumber}
	}
	return operandValue{kind: kindNumber, num: n}
}

func compareOrdered[T int64 | string](a, b T, operator string) bool {
	switch operator {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case ">":
		return a > b
	case "<=":
		return a <= b
	case ">=":
		return a >= b
	}
	return false
}

// CheckCondition passes iff the referenced variable currently exists.
// It is the idiomatic guard for comparisons against unset variables.
type CheckCondition struct {
	id  string
	ref variable.Reference
}

// NewCheckCondition builds an existence check for ref.
func NewCheckCondition(id string, ref variable.Reference) *CheckCondition {
	return &CheckCondition{id: id, ref: ref}
}

func (c *CheckCondition) ID() string { return c.id }

// Execute returns true iff the referenced variable exists.
func (c *CheckCondition) Execute(vars variable.Accessor) (bool, error) {
	v, err := vars.Get(c.ref)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Conditions is the story's condition registry keyed by id.
type Conditions struct {
	byID map[string]Condition
}

// NewConditions builds a registry from a list of conditions.
func NewConditions(conditions []Condition) *Conditions {
	c := &Conditions{byID: make(map[string]Condition, len(conditions))}
	for _, cond := range conditions {
		c.byID[cond.ID()] = cond
	}
	return c
}

// Get returns the condition with the given id, or nil.
func (c *Conditions) Get(id string) Condition {
	return c.byID[id]
}

// Len returns the number of registered conditions.
func (c *Conditions) Len() int {
	return len(c.byID)
}

// AllPass evaluates the referenced conditions as an implicit AND-list.
// An empty list is vacuously true. Referencing an unknown condition id
// is a fatal configuration error in the story.
func (c *Conditions) AllPass(ids []string, vars variable.Accessor) (bool, error) {
	for _, id := range ids {
		cond := c.byID[id]
		if cond == nil {
			return false, fmt.Errorf("story references unknown condition %q", id)
		}
		pass, err := cond.Execute(vars)
		if err != nil {
			return false, err
		}
		if !pass {
			return false, nil
		}
	}
	return true, nil
}

// comparisonJSON is the wire form of a comparison condition.
type comparisonJSON struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	A        json.RawMessage `json:"a"`
	B        json.RawMessage `json:"b"`
	AType    string          `json:"aType"`
	BType    string          `json:"bType"`
	Operand  string          `json:"operand"`
	Variable json.RawMessage `json:"variable"`
}

// decodeOperand reads an operand that is either a JSON string literal or
// a variable reference object.
func decodeOperand(raw json.RawMessage, declaredType string) (Operand, error) {
	op := Operand{Type: declaredType}
	if len(raw) == 0 {
		return op, fmt.Errorf("operand is missing")
	}
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &op.Ref); err != nil {
			return op, err
		}
		op.IsRef = true
		return op, nil
	}
	if err := json.Unmarshal(raw, &op.Literal); err != nil {
		return op, err
	}
	return op, nil
}

// decodeCondition decodes one condition from its tagged wire form.
func decodeCondition(raw json.RawMessage) (Condition, error) {
	var data comparisonJSON
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}

	switch data.Type {
	case "comparison":
		a, err := decodeOperand(data.A, data.AType)
		if err != nil {
			return nil, fmt.Errorf("condition %s: operand a: %w", data.ID, err)
		}
		b, err := decodeOperand(data.B, data.BType)
		if err != nil {
			return nil, fmt.Errorf("condition %s: operand b: %w", data.ID, err)
		}
		return NewComparisonCondition(data.ID, a, b, data.Operand)
	case "check":
		var ref variable.Reference
		if err := json.Unmarshal(data.Variable, &ref); err != nil {
			return nil, fmt.Errorf("condition %s: variable: %w", data.ID, err)
		}
		return NewCheckCondition(data.ID, ref), nil
	}
	return nil, fmt.Errorf("condition %s has unknown type %q", data.ID, data.Type)
}
