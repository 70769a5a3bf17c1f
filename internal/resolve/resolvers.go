package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carecoord.org/internal/authz"
	"carecoord.org/internal/consent"
)

// ConsentEvaluator is the consent lookup used by client-bound resolvers.
type ConsentEvaluator interface {
	EvaluateAt(ctx context.Context, q consent.Query, at time.Time) (consent.Result, error)
}

// Deps are the collaborators shared by the built-in resolvers.
type Deps struct {
	Directory Directory
	Consent   ConsentEvaluator
	// LocateAvailability maps an availability record to its location.
	LocateAvailability func(ctx context.Context, id string) (string, error)
	Now                func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// RegisterDefaults installs resolvers for every built-in resource type.
func RegisterDefaults(b *Builder, d Deps) {
	b.Register(TypeClient, ResolverFunc(d.resolveClient))
	b.Register(TypeNote, ResolverFunc(d.resolveNote))
	b.Register(TypeCase, ResolverFunc(d.resolveCase))
	b.Register(TypeReferral, ResolverFunc(d.resolveReferral))
	b.Register(TypeServiceProfile, ResolverFunc(d.resolveServiceProfile))
	b.Register(TypeReport, ResolverFunc(d.resolveReport))
	b.Register(TypeBreakGlass, ResolverFunc(d.resolveBreakGlass))
	if d.LocateAvailability != nil {
		b.Register(TypeAvailability, ResolverFunc(d.resolveAvailability))
	}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, ErrNotFound) {
		return authz.Wrap(authz.KindResourceNotFound, err, what+" "+id)
	}
	return fmt.Errorf("lookup %s %s: %w", what, id, err)
}

// accessor is the requesting user with their organisation, if any.
type accessor struct {
	user User
	org  Org
}

func (d Deps) accessor(ctx context.Context, userID string) (accessor, error) {
	u, err := d.Directory.User(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return accessor{}, authz.Wrap(authz.KindAuthenticationRequired, err, "unknown user "+userID)
	}
	if err != nil {
		return accessor{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	a := accessor{user: u}
	if u.OrgID != "" {
		if a.org, err = d.Directory.Org(ctx, u.OrgID); err != nil {
			return accessor{}, notFound(err, "org", u.OrgID)
		}
	}
	return a, nil
}

func (d Deps) org(ctx context.Context, id string) (Org, error) {
	o, err := d.Directory.Org(ctx, id)
	if err != nil {
		return Org{}, notFound(err, "org", id)
	}
	return o, nil
}

// clientFacts is what client, case and note contexts share.
type clientFacts struct {
	client Client
	owner  Org
	rel    Relation
}

func (d Deps) clientFacts(ctx context.Context, a accessor, clientID string) (clientFacts, error) {
	cl, err := d.Directory.Client(ctx, clientID)
	if err != nil {
		return clientFacts{}, notFound(err, "client", clientID)
	}
	owner, err := d.org(ctx, cl.OrgID)
	if err != nil {
		return clientFacts{}, err
	}
	return clientFacts{
		client: cl,
		owner:  owner,
		rel:    OrgRelation(a.org, a.user.LocationID, owner, cl.LocationID),
	}, nil
}

// consentOutcome composes the platform and accessor-scope evaluations.
type consentOutcome struct {
	ok     bool
	id     string
	reason string
	code   consent.Code
}

func (d Deps) hierarchicalConsent(ctx context.Context, req Request, a accessor, clientID string) (consentOutcome, error) {
	at := d.now()
	platform, err := d.Consent.EvaluateAt(ctx, consent.Query{ClientID: clientID, ScopeType: consent.ScopePlatform, Purpose: req.Hints.Purpose}, at)
	if err != nil {
		return consentOutcome{}, fmt.Errorf("platform consent: %w", err)
	}
	if !platform.ConsentOK {
		return consentOutcome{reason: "platform: " + platform.Reason, code: platform.Code}, nil
	}
	scope, scopeID := ConsentScopeFor(a.user, req.Subject)
	local, err := d.Consent.EvaluateAt(ctx, consent.Query{ClientID: clientID, ScopeType: scope, ScopeID: scopeID, Purpose: req.Hints.Purpose}, at)
	if err != nil {
		return consentOutcome{}, fmt.Errorf("%s consent: %w", scope, err)
	}
	return consentOutcome{ok: local.ConsentOK, id: local.ConsentID, reason: local.Reason, code: local.Code}, nil
}

// clientContext fills the fields common to everything bound to a client.
func (d Deps) clientContext(ctx context.Context, req Request, a accessor, f clientFacts) (authz.Context, error) {
	c := authz.Context{
		TenantRootID: f.owner.Root(),
		OrgScope:     f.owner.ID,
		ContainsPHI:  authz.Bool(true),
		SameOrg:      authz.Bool(f.rel.SameOrg),
		SameLocation: authz.Bool(f.rel.SameLocation),
		InNetwork:    authz.Bool(f.rel.InNetwork),
	}
	assignments, err := d.Directory.Assignments(ctx, f.client.ID)
	if err != nil {
		return authz.Context{}, fmt.Errorf("assignments: %w", err)
	}
	c.AssignedToUser = authz.Bool(AssignedToUser(assignments, a.user.ID, ""))

	enrollments, err := d.Directory.Enrollments(ctx, f.client.ID)
	if err != nil {
		return authz.Context{}, fmt.Errorf("enrollments: %w", err)
	}
	var partners []ProgramPartner
	for _, e := range enrollments {
		ps, err := d.Directory.ProgramPartners(ctx, e.ProgramID)
		if err != nil {
			return authz.Context{}, fmt.Errorf("program partners: %w", err)
		}
		partners = append(partners, ps...)
	}
	shares, level := ProgramSharing(enrollments, partners, a.org.ID)
	c.SharesProgram = authz.Bool(shares)
	c.ProgramAccessLevel = level

	co, err := d.hierarchicalConsent(ctx, req, a, f.client.ID)
	if err != nil {
		return authz.Context{}, err
	}
	if !f.rel.SameOrg {
		approved := false
		if a.org.ID != "" {
			if approved, err = d.Directory.CrossOrgApproved(ctx, f.client.ID, a.org.ID); err != nil {
				return authz.Context{}, fmt.Errorf("cross-org approval: %w", err)
			}
		}
		c.CrossOrgApproved = authz.Bool(approved)
		if co.ok && !approved {
			co.ok = false
			co.reason = "cross-organization access not approved"
		}
	}
	c.ConsentOK = authz.Bool(co.ok)
	c.ConsentReason = co.reason
	c.ConsentCode = string(co.code)
	if co.ok {
		c.ConsentID = co.id
	}

	c.ClientFingerprint = f.client.Fingerprint
	return c, nil
}

func isSearch(action string) bool {
	return action == "search" || action == "list"
}

func (d Deps) resolveClient(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	f, err := d.clientFacts(ctx, a, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	c, err := d.clientContext(ctx, req, a, f)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	// Cross-org search without consent falls back to the minimal dataset.
	if !f.rel.SameOrg && !authz.IsTrue(c.ConsentOK) && isSearch(req.Action) {
		c.Dataset = "minimal"
		c.Deidentified = authz.Bool(true)
		c.ContainsPHI = authz.Bool(false)
		c.ClientFingerprint = ""
	}
	obj := authz.Object{Type: string(TypeClient), ID: f.client.ID, TenantRootID: f.owner.Root()}
	return obj, c, nil
}

func (d Deps) resolveCase(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	cs, err := d.Directory.Case(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "case", req.ResourceID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	f, err := d.clientFacts(ctx, a, cs.ClientID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	owner, err := d.org(ctx, cs.OrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	f.owner = owner
	f.rel = OrgRelation(a.org, a.user.LocationID, owner, "")
	c, err := d.clientContext(ctx, req, a, f)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	assignments, err := d.Directory.Assignments(ctx, cs.ClientID)
	if err != nil {
		return authz.Object{}, authz.Context{}, fmt.Errorf("assignments: %w", err)
	}
	c.AssignedToUser = authz.Bool(AssignedToUser(assignments, a.user.ID, cs.ID))
	return authz.Object{Type: string(TypeCase), ID: cs.ID, TenantRootID: owner.Root()}, c, nil
}

func (d Deps) resolveNote(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	n, err := d.Directory.Note(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "note", req.ResourceID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	f, err := d.clientFacts(ctx, a, n.ClientID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	c, err := d.clientContext(ctx, req, a, f)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	class := strings.ToLower(n.Classification)
	if class == "" {
		class = ClassStandard
	}
	c.Classification = class
	c.SelfScope = authz.Bool(n.AuthorID == a.user.ID)
	c.IsHelperJournal = authz.Bool(class == ClassHelperJournal)
	granted := false
	for _, g := range n.TempGrantees {
		if g == a.user.ID {
			granted = true
			break
		}
	}
	c.TempGrant = authz.Bool(granted)
	return authz.Object{Type: string(TypeNote), ID: n.ID, TenantRootID: f.owner.Root()}, c, nil
}

func (d Deps) resolveReferral(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	ref, err := d.Directory.Referral(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "referral", req.ResourceID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	src, err := d.org(ctx, ref.SourceOrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	var dst Org
	if ref.DestOrgID != "" {
		if dst, err = d.org(ctx, ref.DestOrgID); err != nil {
			return authz.Object{}, authz.Context{}, err
		}
	}
	visible, affiliated := ReferralVisibility(ref, a.org, src, dst)
	phi := DetectPHI(ref)
	scope := ref.VisibilityScope
	if scope == "" {
		scope = VisibilityOrganization
	}
	c := authz.Context{
		TenantRootID:    src.Root(),
		OrgScope:        src.ID,
		ContainsPHI:     authz.Bool(phi),
		ReferralType:    ref.Type,
		VisibilityScope: scope,
		Affiliated:      authz.Bool(affiliated),
		// For referrals in_network reports visibility under the referral's scope.
		InNetwork: authz.Bool(visible),
		SameOrg:   authz.Bool(a.org.ID != "" && a.org.Root() == src.Root()),
	}
	if phi {
		co := consentOutcome{reason: "referral carries PHI but names no client", code: consent.CodeNotFound}
		if ref.ClientID != "" {
			if co, err = d.hierarchicalConsent(ctx, req, a, ref.ClientID); err != nil {
				return authz.Object{}, authz.Context{}, err
			}
		}
		c.ConsentOK = authz.Bool(co.ok)
		c.ConsentReason = co.reason
		c.ConsentCode = string(co.code)
		if co.ok {
			c.ConsentID = co.id
		}
	}
	return authz.Object{Type: string(TypeReferral), ID: ref.ID, TenantRootID: src.Root()}, c, nil
}

// directoryContext is the non-PHI context for service data.
func directoryContext(a accessor, owner Org, ownerLocation string) authz.Context {
	rel := OrgRelation(a.org, a.user.LocationID, owner, ownerLocation)
	return authz.Context{
		TenantRootID: owner.Root(),
		OrgScope:     owner.ID,
		ContainsPHI:  authz.Bool(false),
		ConsentOK:    authz.Bool(true),
		SameOrg:      authz.Bool(rel.SameOrg),
		SameLocation: authz.Bool(rel.SameLocation),
		InNetwork:    authz.Bool(rel.InNetwork),
	}
}

func isCurator(role string) bool {
	return strings.EqualFold(strings.ReplaceAll(role, "_", ""), "curator")
}

func (d Deps) resolveServiceProfile(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	sp, err := d.Directory.ServiceProfile(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "service profile", req.ResourceID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	owner, err := d.org(ctx, sp.OrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	c := directoryContext(a, owner, sp.LocationID)
	c.ServiceClaimed = authz.Bool(sp.Claimed)
	c.TempGrant = authz.Bool(!sp.Claimed && isCurator(req.Subject.Role))
	return authz.Object{Type: string(TypeServiceProfile), ID: sp.ID, TenantRootID: owner.Root()}, c, nil
}

func (d Deps) resolveAvailability(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	locID, err := d.LocateAvailability(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "availability", req.ResourceID)
	}
	loc, err := d.Directory.Location(ctx, locID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "location", locID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	owner, err := d.org(ctx, loc.OrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	// Locations without a listing belong to their organization and count as claimed.
	claimed := true
	if loc.ServiceProfileID != "" {
		sp, err := d.Directory.ServiceProfile(ctx, loc.ServiceProfileID)
		if err != nil {
			return authz.Object{}, authz.Context{}, notFound(err, "service profile", loc.ServiceProfileID)
		}
		claimed = sp.Claimed
	}
	c := directoryContext(a, owner, loc.ID)
	c.ServiceClaimed = authz.Bool(claimed)
	c.TempGrant = authz.Bool(!claimed && isCurator(req.Subject.Role))
	return authz.Object{Type: string(TypeAvailability), ID: req.ResourceID, TenantRootID: owner.Root()}, c, nil
}

func (d Deps) resolveReport(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	rep, err := d.Directory.Report(ctx, req.ResourceID)
	if err != nil {
		return authz.Object{}, authz.Context{}, notFound(err, "report", req.ResourceID)
	}
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	owner, err := d.org(ctx, rep.OrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	rel := OrgRelation(a.org, a.user.LocationID, owner, "")
	c := authz.Context{
		TenantRootID: owner.Root(),
		OrgScope:     owner.ID,
		SameOrg:      authz.Bool(rel.SameOrg),
		InNetwork:    authz.Bool(rel.InNetwork),
	}
	basis := rep.LegalBasis
	if basis == "" {
		basis = strings.TrimSpace(req.Hints.LegalBasis)
	}
	switch rep.Kind {
	case ReportIdentified:
		c.Deidentified = authz.Bool(false)
		c.ContainsPHI = authz.Bool(true)
		c.LegalBasis = basis
		c.IdentifiedOK = authz.Bool(basis != "")
		// A recorded legal basis stands in for per-client consent.
		c.ConsentOK = authz.Bool(basis != "")
		if basis == "" {
			c.ConsentReason = "identified report without a recorded legal basis"
		}
	default:
		c.Deidentified = authz.Bool(true)
		c.ContainsPHI = authz.Bool(false)
		c.IdentifiedOK = authz.Bool(false)
	}
	return authz.Object{Type: string(TypeReport), ID: rep.ID, TenantRootID: owner.Root()}, c, nil
}

// resolveBreakGlass describes acting on the grant owned by req.ResourceID.
// self_scope separates activating one's own grant from approving another's.
func (d Deps) resolveBreakGlass(ctx context.Context, req Request) (authz.Object, authz.Context, error) {
	a, err := d.accessor(ctx, req.UserID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	owner := a.user
	if req.ResourceID != req.UserID {
		if owner, err = d.Directory.User(ctx, req.ResourceID); err != nil {
			return authz.Object{}, authz.Context{}, notFound(err, "user", req.ResourceID)
		}
	}
	if owner.OrgID == "" {
		return authz.Object{}, authz.Context{}, authz.Errorf(authz.KindPolicyDenied,
			"user %s belongs to no organization and cannot hold break-glass", owner.ID)
	}
	org, err := d.org(ctx, owner.OrgID)
	if err != nil {
		return authz.Object{}, authz.Context{}, err
	}
	c := directoryContext(a, org, owner.LocationID)
	c.SelfScope = authz.Bool(owner.ID == a.user.ID)
	return authz.Object{Type: string(TypeBreakGlass), ID: owner.ID, TenantRootID: org.Root()}, c, nil
}
