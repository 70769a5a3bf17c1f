package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"carecoord.org/internal/fingerprint"
)

// ErrNotFound is returned by Directory lookups for unknown ids.
var ErrNotFound = errors.New("directory: not found")

// UserKind separates organisation staff from helpers and company users,
// which consent at different scopes.
type UserKind string

const (
	KindStaff   UserKind = "staff"
	KindHelper  UserKind = "helper"
	KindCompany UserKind = "company"
)

type User struct {
	ID         string   `json:"id"`
	Kind       UserKind `json:"kind"`
	OrgID      string   `json:"org_id,omitempty"`
	LocationID string   `json:"location_id,omitempty"`
	CompanyID  string   `json:"company_id,omitempty"`
}

// Org is an organisation node. RootID names the tenant root; empty means the
// org is its own root.
type Org struct {
	ID       string   `json:"id"`
	RootID   string   `json:"root_id,omitempty"`
	Networks []string `json:"networks,omitempty"`
}

// Root returns the tenant root id.
func (o Org) Root() string {
	if o.RootID == "" {
		return o.ID
	}
	return o.RootID
}

// Location is a service site. ServiceProfileID links the directory listing
// that curators may maintain while it is unclaimed.
type Location struct {
	ID               string `json:"id"`
	OrgID            string `json:"org_id"`
	ServiceProfileID string `json:"service_profile_id,omitempty"`
}

type Client struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	LocationID string    `json:"location_id,omitempty"`
	GivenName  string    `json:"given_name,omitempty"`
	FamilyName string    `json:"family_name,omitempty"`
	BirthDate  time.Time `json:"birth_date,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	// Fingerprint is computed when the client is written, never per decision.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// FingerprintClient derives c's fingerprint, or "" when the identity is too
// thin to match on.
func FingerprintClient(h *fingerprint.Hasher, c Client) string {
	if h == nil {
		return ""
	}
	fp, err := h.Fingerprint(fingerprint.Identity{
		GivenName:  c.GivenName,
		FamilyName: c.FamilyName,
		BirthDate:  c.BirthDate,
		Phone:      c.Phone,
	})
	if err != nil {
		return ""
	}
	return fp
}

type Case struct {
	ID        string `json:"id"`
	ClientID  string `json:"client_id"`
	OrgID     string `json:"org_id"`
	ProgramID string `json:"program_id,omitempty"`
}

type Assignment struct {
	CaseID   string `json:"case_id"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
}

type Enrollment struct {
	ClientID  string `json:"client_id"`
	ProgramID string `json:"program_id"`
}

// ProgramPartner grants an organisation access to a program's clients.
type ProgramPartner struct {
	ProgramID   string `json:"program_id"`
	OrgID       string `json:"org_id"`
	AccessLevel string `json:"access_level"`
}

const (
	ClassStandard      = "standard"
	ClassConfidential  = "confidential"
	ClassHelperJournal = "helper_journal"
)

type Note struct {
	ID             string   `json:"id"`
	ClientID       string   `json:"client_id"`
	AuthorID       string   `json:"author_id"`
	Classification string   `json:"classification"`
	TempGrantees   []string `json:"temp_grantees,omitempty"`
}

const (
	ReferralRecordKeeping = "record_keeping"

	VisibilityOrganization = "organization"
	VisibilityNetwork      = "network"
	VisibilityPublic       = "public"
)

type Referral struct {
	ID              string            `json:"id"`
	ClientID        string            `json:"client_id,omitempty"`
	SourceOrgID     string            `json:"source_org_id"`
	DestOrgID       string            `json:"dest_org_id,omitempty"`
	Type            string            `json:"type"`
	VisibilityScope string            `json:"visibility_scope"`
	Summary         string            `json:"summary,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
}

type ServiceProfile struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	LocationID string `json:"location_id,omitempty"`
	Claimed    bool   `json:"claimed"`
}

const (
	ReportAggregate    = "aggregate"
	ReportDeidentified = "deidentified"
	ReportIdentified   = "identified"
)

type Report struct {
	ID         string `json:"id"`
	OrgID      string `json:"org_id"`
	Kind       string `json:"kind"`
	LegalBasis string `json:"legal_basis,omitempty"`
}

// Directory is the read side of the care-coordination data the resolvers
// need. Every lookup returns ErrNotFound (possibly wrapped) for unknown ids.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	Org(ctx context.Context, id string) (Org, error)
	Location(ctx context.Context, id string) (Location, error)
	Client(ctx context.Context, id string) (Client, error)
	Case(ctx context.Context, id string) (Case, error)
	Note(ctx context.Context, id string) (Note, error)
	Referral(ctx context.Context, id string) (Referral, error)
	ServiceProfile(ctx context.Context, id string) (ServiceProfile, error)
	Report(ctx context.Context, id string) (Report, error)

	Assignments(ctx context.Context, clientID string) ([]Assignment, error)
	Enrollments(ctx context.Context, clientID string) ([]Enrollment, error)
	ProgramPartners(ctx context.Context, programID string) ([]ProgramPartner, error)
	CrossOrgApproved(ctx context.Context, clientID, orgID string) (bool, error)
}

// MemoryDirectory is a map-backed Directory for tests and single-node demos.
type MemoryDirectory struct {
	mu        sync.RWMutex
	users     map[string]User
	orgs      map[string]Org
	locations map[string]Location
	clients   map[string]Client
	cases     map[string]Case
	notes     map[string]Note
	referrals map[string]Referral
	services  map[string]ServiceProfile
	reports   map[string]Report
	assigns   []Assignment
	enrolls   []Enrollment
	partners  []ProgramPartner
	approvals map[[2]string]bool
	hasher    *fingerprint.Hasher
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:     map[string]User{},
		orgs:      map[string]Org{},
		locations: map[string]Location{},
		clients:   map[string]Client{},
		cases:     map[string]Case{},
		notes:     map[string]Note{},
		referrals: map[string]Referral{},
		services:  map[string]ServiceProfile{},
		reports:   map[string]Report{},
		approvals: map[[2]string]bool{},
	}
}

// WithFingerprints makes PutClient fingerprint clients that arrive without one.
func (d *MemoryDirectory) WithFingerprints(h *fingerprint.Hasher) *MemoryDirectory {
	d.mu.Lock()
	d.hasher = h
	d.mu.Unlock()
	return d
}

func lookup[T any](mu *sync.RWMutex, m map[string]T, kind, id string) (T, error) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := m[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return v, nil
}

func (d *MemoryDirectory) User(_ context.Context, id string) (User, error) {
	return lookup(&d.mu, d.users, "user", id)
}

func (d *MemoryDirectory) Org(_ context.Context, id string) (Org, error) {
	return lookup(&d.mu, d.orgs, "org", id)
}

func (d *MemoryDirectory) Location(_ context.Context, id string) (Location, error) {
	return lookup(&d.mu, d.locations, "location", id)
}

func (d *MemoryDirectory) Client(_ context.Context, id string) (Client, error) {
	return lookup(&d.mu, d.clients, "client", id)
}

func (d *MemoryDirectory) Case(_ context.Context, id string) (Case, error) {
	return lookup(&d.mu, d.cases, "case", id)
}

func (d *MemoryDirectory) Note(_ context.Context, id string) (Note, error) {
	return lookup(&d.mu, d.notes, "note", id)
}

func (d *MemoryDirectory) Referral(_ context.Context, id string) (Referral, error) {
	return lookup(&d.mu, d.referrals, "referral", id)
}

func (d *MemoryDirectory) ServiceProfile(_ context.Context, id string) (ServiceProfile, error) {
	return lookup(&d.mu, d.services, "service profile", id)
}

func (d *MemoryDirectory) Report(_ context.Context, id string) (Report, error) {
	return lookup(&d.mu, d.reports, "report", id)
}

func (d *MemoryDirectory) Assignments(_ context.Context, clientID string) ([]Assignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Assignment
	for _, a := range d.assigns {
		if a.ClientID == clientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Enrollments(_ context.Context, clientID string) ([]Enrollment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Enrollment
	for _, e := range d.enrolls {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) ProgramPartners(_ context.Context, programID string) ([]ProgramPartner, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ProgramPartner
	for _, p := range d.partners {
		if p.ProgramID == programID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) CrossOrgApproved(_ context.Context, clientID, orgID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.approvals[[2]string{clientID, orgID}], nil
}

// Seeding helpers.

func (d *MemoryDirectory) PutUser(u User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutOrg(o Org) {
	d.mu.Lock()
	d.orgs[o.ID] = o
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutLocation(l Location) {
	d.mu.Lock()
	d.locations[l.ID] = l
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutClient(c Client) {
	d.mu.RLock()
	h := d.hasher
	d.mu.RUnlock()
	if c.Fingerprint == "" {
		c.Fingerprint = FingerprintClient(h, c)
	}
	d.mu.Lock()
	d.clients[c.ID] = c
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutCase(c Case) {
	d.mu.Lock()
	d.cases[c.ID] = c
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutNote(n Note) {
	d.mu.Lock()
	d.notes[n.ID] = n
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutReferral(r Referral) {
	d.mu.Lock()
	d.referrals[r.ID] = r
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutServiceProfile(s ServiceProfile) {
	d.mu.Lock()
	d.services[s.ID] = s
	d.mu.Unlock()
}

func (d *MemoryDirectory) PutReport(r Report) {
	d.mu.Lock()
	d.reports[r.ID] = r
	d.mu.Unlock()
}

func (d *MemoryDirectory) Assign(a Assignment) {
	d.mu.Lock()
	d.assigns = append(d.assigns, a)
	d.mu.Unlock()
}

func (d *MemoryDirectory) Enroll(e Enrollment) {
	d.mu.Lock()
	d.enrolls = append(d.enrolls, e)
	d.mu.Unlock()
}

func (d *MemoryDirectory) AddPartner(p ProgramPartner) {
	d.mu.Lock()
	d.partners = append(d.partners, p)
	d.mu.Unlock()
}

func (d *MemoryDirectory) ApproveCrossOrg(clientID, orgID string) {
	d.mu.Lock()
	d.approvals[[2]string{clientID, orgID}] = true
	d.mu.Unlock()
}
