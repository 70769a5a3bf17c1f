package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"carecoord.org/internal/authz"
)

// ErrInvalidPolicy wraps every compile failure.
var ErrInvalidPolicy = errors.New("policy: invalid document")

type pattern struct {
	any    bool
	prefix bool
	value  string
}

func (p pattern) match(v string) bool {
	switch {
	case p.any:
		return true
	case p.prefix:
		return strings.HasPrefix(v, p.value)
	default:
		return v == p.value
	}
}

func (p pattern) String() string {
	switch {
	case p.any:
		return "*"
	case p.prefix:
		return p.value + "*"
	}
	return p.value
}

type patternSet []pattern

func (ps patternSet) match(v string) bool {
	for _, p := range ps {
		if p.match(v) {
			return true
		}
	}
	return false
}

func (ps patternSet) String() string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, "|")
}

// normalizeRole folds case and separators so "CaseManager" and "case_manager" agree.
func normalizeRole(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func compilePatterns(what string, raw []string, norm func(string) string) (patternSet, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s patterns are required", what)
	}
	out := make(patternSet, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		switch {
		case r == "":
			return nil, fmt.Errorf("empty %s pattern", what)
		case r == "*":
			out = append(out, pattern{any: true})
		case strings.HasSuffix(r, "*"):
			body := strings.TrimSuffix(r, "*")
			if strings.Contains(body, "*") {
				return nil, fmt.Errorf("%s pattern %q: only a trailing * is supported", what, r)
			}
			out = append(out, pattern{prefix: true, value: norm(body)})
		default:
			if strings.Contains(r, "*") {
				return nil, fmt.Errorf("%s pattern %q: only a trailing * is supported", what, r)
			}
			out = append(out, pattern{value: norm(r)})
		}
	}
	return out, nil
}

var requestFields = map[string]func(*authz.Request) string{
	"subject.role":          func(r *authz.Request) string { return r.Subject.Role },
	"subject.scope_type":    func(r *authz.Request) string { return string(r.Subject.ScopeType) },
	"subject.scope_id":      func(r *authz.Request) string { return r.Subject.ScopeID },
	"object.type":           func(r *authz.Request) string { return r.Object.Type },
	"object.id":             func(r *authz.Request) string { return r.Object.ID },
	"object.tenant_root_id": func(r *authz.Request) string { return r.Object.TenantRootID },
}

func knownField(name string) bool {
	if _, ok := requestFields[name]; ok {
		return true
	}
	return authz.HasField(name)
}

// fieldValue reads a field from the request, stringified.
func fieldValue(req *authz.Request, field string) (string, bool) {
	if get, ok := requestFields[field]; ok {
		v := get(req)
		return v, v != ""
	}
	v, ok := req.Context.Lookup(field)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t), true
	case string:
		return t, t != ""
	}
	return fmt.Sprint(v), true
}

type operand struct {
	ref string
	lit string
}

func (o operand) resolve(req *authz.Request) (string, bool) {
	if o.ref == "" {
		return o.lit, true
	}
	return fieldValue(req, o.ref)
}

func (o operand) String() string {
	if o.ref != "" {
		return "$" + o.ref
	}
	return o.lit
}

func compileOperand(v any) (operand, error) {
	switch t := v.(type) {
	case nil:
		return operand{}, errors.New("value is required")
	case bool:
		return operand{lit: strconv.FormatBool(t)}, nil
	case string:
		if strings.HasPrefix(t, "$") {
			ref := strings.TrimPrefix(t, "$")
			if _, ok := requestFields[ref]; !ok {
				return operand{}, fmt.Errorf("unknown reference %q", t)
			}
			return operand{ref: ref}, nil
		}
		return operand{lit: t}, nil
	case int, int64, float64, uint64:
		return operand{lit: fmt.Sprint(t)}, nil
	}
	return operand{}, fmt.Errorf("unsupported value type %T", v)
}

type predicate struct {
	field    string
	op       Op
	operands []operand
}

func (p predicate) eval(req *authz.Request) bool {
	val, present := fieldValue(req, p.field)
	switch p.op {
	case OpPresent:
		return present
	case OpAbsent:
		return !present
	}
	if !present {
		return false
	}
	switch p.op {
	case OpEq, OpIn:
		for _, o := range p.operands {
			if want, ok := o.resolve(req); ok && val == want {
				return true
			}
		}
		return false
	case OpNe:
		want, ok := p.operands[0].resolve(req)
		return ok && val != want
	}
	return false
}

func (p predicate) String() string {
	switch p.op {
	case OpPresent, OpAbsent:
		return fmt.Sprintf("%s %s", p.field, p.op)
	case OpIn:
		parts := make([]string, len(p.operands))
		for i, o := range p.operands {
			parts[i] = o.String()
		}
		return fmt.Sprintf("%s in [%s]", p.field, strings.Join(parts, ","))
	}
	return fmt.Sprintf("%s %s %s", p.field, p.op, p.operands[0])
}

func compileCondition(c Condition) (predicate, error) {
	field := strings.TrimSpace(c.Field)
	if !knownField(field) {
		return predicate{}, fmt.Errorf("unknown field %q", c.Field)
	}
	p := predicate{field: field, op: Op(normalizeToken(string(c.Op)))}
	switch p.op {
	case OpPresent, OpAbsent:
		if c.Value != nil || len(c.Values) > 0 {
			return predicate{}, fmt.Errorf("%s %s takes no value", field, p.op)
		}
	case OpEq, OpNe:
		o, err := compileOperand(c.Value)
		if err != nil {
			return predicate{}, fmt.Errorf("%s %s: %w", field, p.op, err)
		}
		p.operands = []operand{o}
	case OpIn:
		if len(c.Values) == 0 {
			return predicate{}, fmt.Errorf("%s in: values are required", field)
		}
		for _, v := range c.Values {
			o, err := compileOperand(v)
			if err != nil {
				return predicate{}, fmt.Errorf("%s in: %w", field, err)
			}
			p.operands = append(p.operands, o)
		}
	default:
		return predicate{}, fmt.Errorf("unknown operator %q", c.Op)
	}
	return p, nil
}

type compiledRule struct {
	Rule
	roles   patternSet
	objects patternSet
	actions patternSet
	preds   []predicate
}

// compile turns a document into the ordered predicate table.
func compile(doc Document) ([]compiledRule, error) {
	if len(doc.Rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidPolicy)
	}
	seen := make(map[string]struct{}, len(doc.Rules))
	out := make([]compiledRule, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("%w: rule #%d (%s): %v", ErrInvalidPolicy, i+1, r.ID, err)
		}
		if _, dup := seen[cr.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %q", ErrInvalidPolicy, cr.ID)
		}
		seen[cr.ID] = struct{}{}
		out = append(out, cr)
	}
	return out, nil
}

func compileRule(r Rule) (compiledRule, error) {
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return compiledRule{}, errors.New("id is required")
	}
	if r.ID == authz.NoRule {
		return compiledRule{}, fmt.Errorf("id %q is reserved", authz.NoRule)
	}
	switch r.Effect {
	case "":
		r.Effect = authz.Allow
	case authz.Allow, authz.Deny:
	default:
		return compiledRule{}, fmt.Errorf("unknown effect %q", r.Effect)
	}
	cr := compiledRule{Rule: r}
	var err error
	if cr.roles, err = compilePatterns("role", r.Roles, normalizeRole); err != nil {
		return compiledRule{}, err
	}
	if cr.objects, err = compilePatterns("object", r.Objects, normalizeToken); err != nil {
		return compiledRule{}, err
	}
	if cr.actions, err = compilePatterns("action", r.Actions, normalizeToken); err != nil {
		return compiledRule{}, err
	}
	for _, c := range r.When {
		p, err := compileCondition(c)
		if err != nil {
			return compiledRule{}, err
		}
		cr.preds = append(cr.preds, p)
	}
	return cr, nil
}
