package invalidate

import (
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ChangeType classifies an entity mutation for rule matching.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// changeTypeField is the synthetic condition field carrying the change
// type alongside the entity's own data.
const changeTypeField = "__changeType"

// Condition operators. The set is closed; an unknown operator fails the
// condition.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
	OpExists   = "exists"
	OpIn       = "in"
)

// Condition gates a rule on one field of the changed entity. Field is a
// dotted path into nested maps and slices ("company.address.city",
// "lines.0.status"). Every operator except exists fails when the field
// is absent.
type Condition struct {
	Field    string
	Operator string
	Value    any
}

// Rule maps an entity change to an invalidation request. Target may
// contain "{id}", replaced with the changed entity's id; a trailing
// ":{id}" is dropped when no id is supplied.
type Rule struct {
	Name       string
	EntityType string // "*" matches every entity type
	Pattern    Pattern
	Target     string
	Conditions []Condition
	Priority   int // higher runs first
	Enabled    bool
	Delay      time.Duration
}

// Dependency fans an entity change out to dependent entity key-spaces.
// An empty Fields slice cascades on any change; otherwise at least one
// listed field must appear in the changed data.
type Dependency struct {
	Source     string
	Dependents []string
	Fields     []string
	Delay      time.Duration
}

func (r Rule) matches(entityType string, data map[string]any) bool {
	if !r.Enabled {
		return false
	}
	if r.EntityType != "*" && r.EntityType != entityType {
		return false
	}
	for _, c := range r.Conditions {
		if !c.eval(data) {
			return false
		}
	}
	return true
}

func (c Condition) eval(data map[string]any) bool {
	v, ok := lookupPath(data, c.Field)
	switch c.Operator {
	case OpExists:
		return ok
	case OpEq:
		return ok && looseEqual(v, c.Value)
	case OpNe:
		return ok && !looseEqual(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		if !ok {
			return false
		}
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpContains:
		return ok && contains(v, c.Value)
	case OpIn:
		return ok && among(v, c.Value)
	}
	return false
}

// lookupPath walks a dotted path through nested map[string]any and
// []any values. Slice segments must be decimal indexes.
func lookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares numerics by value regardless of Go type, so a
// rule written with 5 matches JSON-decoded float64(5). Everything else
// falls back to deep equality.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// contains matches substrings of string fields and membership in slice
// fields.
func contains(field, want any) bool {
	switch f := field.(type) {
	case string:
		s, ok := want.(string)
		return ok && strings.Contains(f, s)
	case []any:
		for _, el := range f {
			if looseEqual(el, want) {
				return true
			}
		}
	case []string:
		s, ok := want.(string)
		if !ok {
			return false
		}
		for _, el := range f {
			if el == s {
				return true
			}
		}
	}
	return false
}

// among reports whether the field value appears in the condition's
// candidate list.
func among(field, candidates any) bool {
	switch cs := candidates.(type) {
	case []any:
		for _, c := range cs {
			if looseEqual(field, c) {
				return true
			}
		}
	case []string:
		s, ok := field.(string)
		if !ok {
			return false
		}
		for _, c := range cs {
			if c == s {
				return true
			}
		}
	}
	return false
}

// defaultRules seed the invalidator with the relationships PSA entities
// ship with. DisableDefaults opts out.
func defaultRules() []Rule {
	return []Rule{
		{
			Name:       "company-change",
			EntityType: "company",
			Pattern:    PatternTag,
			Target:     "company:{id}",
			Conditions: []Condition{
				{Field: changeTypeField, Operator: OpIn, Value: []string{"update", "delete"}},
			},
			Priority: 100,
			Enabled:  true,
		},
		{
			Name:       "ticket-status-lists",
			EntityType: "ticket",
			Pattern:    PatternMatch,
			Target:     "*ticket*list*",
			Conditions: []Condition{
				{Field: "status", Operator: OpExists},
				{Field: changeTypeField, Operator: OpEq, Value: "update"},
			},
			Priority: 90,
			Enabled:  true,
		},
		{
			Name:       "project-completion",
			EntityType: "project",
			Pattern:    PatternMatch,
			Target:     "*project*",
			Conditions: []Condition{
				{Field: "status", Operator: OpEq, Value: "complete"},
			},
			Priority: 80,
			Enabled:  true,
			Delay:    5 * time.Second,
		},
	}
}

func defaultDependencies() []Dependency {
	return []Dependency{
		{Source: "company", Dependents: []string{"contacts", "tickets", "projects", "contracts"}, Delay: time.Second},
		{Source: "contact", Dependents: []string{"tickets"}, Delay: 500 * time.Millisecond},
		{Source: "project", Dependents: []string{"tasks", "tickets"}, Delay: 2 * time.Second},
	}
}
