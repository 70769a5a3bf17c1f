package authz

import (
	"sort"
	"strings"
	"time"
)

// Program access levels carried in Context.ProgramAccessLevel.
const (
	ProgramView  = "view"
	ProgramWrite = "write"
	ProgramFull  = "full"
)

// Context is the flat attribute record policies are evaluated against.
// Only TenantRootID is mandatory; tri-state flags use *bool so that "unset"
// stays distinguishable from false.
type Context struct {
	TenantRootID string `json:"tenant_root_id"`
	Purpose      string `json:"purpose,omitempty"`

	ContainsPHI   *bool  `json:"contains_phi,omitempty"`
	ConsentOK     *bool  `json:"consent_ok,omitempty"`
	ConsentID     string `json:"consent_id,omitempty"`
	ConsentReason string `json:"consent_reason,omitempty"`
	ConsentCode   string `json:"consent_code,omitempty"`

	SameOrg            *bool  `json:"same_org,omitempty"`
	SameLocation       *bool  `json:"same_location,omitempty"`
	InNetwork          *bool  `json:"in_network,omitempty"`
	AssignedToUser     *bool  `json:"assigned_to_user,omitempty"`
	SharesProgram      *bool  `json:"shares_program,omitempty"`
	ProgramAccessLevel string `json:"program_access_level,omitempty"`
	SelfScope          *bool  `json:"self_scope,omitempty"`
	Affiliated         *bool  `json:"affiliated,omitempty"`
	TempGrant          *bool  `json:"temp_grant,omitempty"`
	TwoPersonRule      *bool  `json:"two_person_rule,omitempty"`

	BG          *bool      `json:"bg,omitempty"`
	BGExpiresAt *time.Time `json:"bg_expires_at,omitempty"`
	BGReason    string     `json:"bg_reason,omitempty"`

	PolicyVersion string `json:"policy_version,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	OrgScope         string `json:"org_scope,omitempty"`
	Classification   string `json:"classification,omitempty"`
	IsHelperJournal  *bool  `json:"is_helper_journal,omitempty"`
	ReferralType     string `json:"referral_type,omitempty"`
	VisibilityScope  string `json:"visibility_scope,omitempty"`
	ServiceClaimed   *bool  `json:"service_claimed,omitempty"`
	Dataset          string `json:"dataset,omitempty"`
	Deidentified     *bool  `json:"deidentified,omitempty"`
	IdentifiedOK     *bool  `json:"identified_ok,omitempty"`
	LegalBasis       string `json:"legal_basis,omitempty"`
	CrossOrgApproved *bool  `json:"cross_org_approved,omitempty"`

	ClientFingerprint string `json:"client_fingerprint,omitempty"`
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// IsTrue reports whether p is set and true.
func IsTrue(p *bool) bool { return p != nil && *p }

// IsFalse reports whether p is set and false.
func IsFalse(p *bool) bool { return p != nil && !*p }

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := c
	for _, f := range boolFields {
		if p := *f.get(&c); p != nil {
			*f.get(&out) = Bool(*p)
		}
	}
	if c.BGExpiresAt != nil {
		t := *c.BGExpiresAt
		out.BGExpiresAt = &t
	}
	return out
}

// Validate checks the context invariants every evaluation depends on.
func (c Context) Validate() error {
	if strings.TrimSpace(c.TenantRootID) == "" {
		return Errorf(KindConfiguration, "context missing tenant_root_id").
			WithRemediation("populate tenant_root_id from the owning organization")
	}
	if IsTrue(c.ContainsPHI) && c.ConsentOK == nil {
		return Errorf(KindConfiguration, "context marks PHI but consent_ok was not evaluated")
	}
	if IsTrue(c.BG) && c.BGExpiresAt == nil {
		return Errorf(KindConfiguration, "break-glass context without bg_expires_at")
	}
	switch c.ProgramAccessLevel {
	case "", ProgramView, ProgramWrite, ProgramFull:
	default:
		return Errorf(KindConfiguration, "unknown program_access_level %q", c.ProgramAccessLevel)
	}
	return nil
}

// MissingConsentID reports a granted consent that carries no record id.
func (c Context) MissingConsentID() bool {
	return IsTrue(c.ConsentOK) && c.ConsentID == ""
}

// Lookup returns the value of a context field by its wire name. Booleans are
// returned as bool, everything else as string. Unset fields report false.
func (c Context) Lookup(field string) (any, bool) {
	if f, ok := fieldIndex[field]; ok {
		return f(&c)
	}
	return nil, false
}

// HasField reports whether name is a known context field.
func HasField(name string) bool {
	_, ok := fieldIndex[name]
	return ok
}

// FieldNames lists every context field name in sorted order.
func FieldNames() []string {
	names := make([]string, 0, len(fieldIndex))
	for k := range fieldIndex {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type boolField struct {
	name string
	get  func(*Context) **bool
}

var boolFields = []boolField{
	{"contains_phi", func(c *Context) **bool { return &c.ContainsPHI }},
	{"consent_ok", func(c *Context) **bool { return &c.ConsentOK }},
	{"same_org", func(c *Context) **bool { return &c.SameOrg }},
	{"same_location", func(c *Context) **bool { return &c.SameLocation }},
	{"in_network", func(c *Context) **bool { return &c.InNetwork }},
	{"assigned_to_user", func(c *Context) **bool { return &c.AssignedToUser }},
	{"shares_program", func(c *Context) **bool { return &c.SharesProgram }},
	{"self_scope", func(c *Context) **bool { return &c.SelfScope }},
	{"affiliated", func(c *Context) **bool { return &c.Affiliated }},
	{"temp_grant", func(c *Context) **bool { return &c.TempGrant }},
	{"two_person_rule", func(c *Context) **bool { return &c.TwoPersonRule }},
	{"bg", func(c *Context) **bool { return &c.BG }},
	{"is_helper_journal", func(c *Context) **bool { return &c.IsHelperJournal }},
	{"service_claimed", func(c *Context) **bool { return &c.ServiceClaimed }},
	{"deidentified", func(c *Context) **bool { return &c.Deidentified }},
	{"identified_ok", func(c *Context) **bool { return &c.IdentifiedOK }},
	{"cross_org_approved", func(c *Context) **bool { return &c.CrossOrgApproved }},
}

type lookupFunc func(*Context) (any, bool)

func stringField(get func(*Context) string) lookupFunc {
	return func(c *Context) (any, bool) {
		v := get(c)
		return v, v != ""
	}
}

var fieldIndex = func() map[string]lookupFunc {
	idx := map[string]lookupFunc{
		"tenant_root_id":       stringField(func(c *Context) string { return c.TenantRootID }),
		"purpose":              stringField(func(c *Context) string { return c.Purpose }),
		"consent_id":           stringField(func(c *Context) string { return c.ConsentID }),
		"consent_reason":       stringField(func(c *Context) string { return c.ConsentReason }),
		"consent_code":         stringField(func(c *Context) string { return c.ConsentCode }),
		"program_access_level": stringField(func(c *Context) string { return c.ProgramAccessLevel }),
		"bg_reason":            stringField(func(c *Context) string { return c.BGReason }),
		"policy_version":       stringField(func(c *Context) string { return c.PolicyVersion }),
		"correlation_id":       stringField(func(c *Context) string { return c.CorrelationID }),
		"org_scope":            stringField(func(c *Context) string { return c.OrgScope }),
		"classification":       stringField(func(c *Context) string { return c.Classification }),
		"referral_type":        stringField(func(c *Context) string { return c.ReferralType }),
		"visibility_scope":     stringField(func(c *Context) string { return c.VisibilityScope }),
		"dataset":              stringField(func(c *Context) string { return c.Dataset }),
		"legal_basis":          stringField(func(c *Context) string { return c.LegalBasis }),
		"client_fingerprint":   stringField(func(c *Context) string { return c.ClientFingerprint }),
		"bg_expires_at": func(c *Context) (any, bool) {
			if c.BGExpiresAt == nil {
				return nil, false
			}
			return c.BGExpiresAt.UTC().Format(time.RFC3339Nano), true
		},
	}
	for _, f := range boolFields {
		get := f.get
		idx[f.name] = func(c *Context) (any, bool) {
			p := *get(c)
			if p == nil {
				return nil, false
			}
			return *p, true
		}
	}
	return idx
}()
