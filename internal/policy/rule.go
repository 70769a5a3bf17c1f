package policy

import "carecoord.org/internal/authz"

// Op is a predicate operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpIn      Op = "in"
	OpPresent Op = "present"
	OpAbsent  Op = "absent"
)

// Condition is one clause of a rule's context predicate. All conditions of a
// rule must hold. eq, ne and in are false when the field is unset, so a
// missing attribute never satisfies a rule by accident.
//
// Value may reference request attributes: $subject.role, $subject.scope_type,
// $subject.scope_id, $object.type, $object.id, $object.tenant_root_id.
type Condition struct {
	Field  string `yaml:"field" json:"field"`
	Op     Op     `yaml:"op" json:"op"`
	Value  any    `yaml:"value,omitempty" json:"value,omitempty"`
	Values []any  `yaml:"values,omitempty" json:"values,omitempty"`
}

// Rule is one (role, object type, action, predicate) tuple. Patterns are
// case-insensitive and accept "*" or a trailing "*" for prefixes.
type Rule struct {
	ID          string       `yaml:"id" json:"id"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
	Effect      authz.Effect `yaml:"effect,omitempty" json:"effect,omitempty"`
	Roles       []string     `yaml:"roles" json:"roles"`
	Objects     []string     `yaml:"objects" json:"objects"`
	Actions     []string     `yaml:"actions" json:"actions"`
	When        []Condition  `yaml:"when,omitempty" json:"when,omitempty"`
	Reason      string       `yaml:"reason,omitempty" json:"reason,omitempty"`
	Remediation string       `yaml:"remediation,omitempty" json:"remediation,omitempty"`
}

// Document is an ordered rule set as authored.
type Document struct {
	Label string `yaml:"label" json:"label"`
	Rules []Rule `yaml:"rules" json:"rules"`
}
