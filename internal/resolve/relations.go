package resolve

import (
	"carecoord.org/internal/authz"
	"carecoord.org/internal/consent"
)

// AssignedToUser reports whether userID is assigned to the client, or to
// caseID when one is given.
func AssignedToUser(assignments []Assignment, userID, caseID string) bool {
	for _, a := range assignments {
		if a.UserID != userID {
			continue
		}
		if caseID == "" || a.CaseID == caseID {
			return true
		}
	}
	return false
}

var accessRank = map[string]int{
	authz.ProgramView:  1,
	authz.ProgramWrite: 2,
	authz.ProgramFull:  3,
}

// ProgramSharing reports whether orgID partners in any program the client is
// enrolled in, and the highest access level granted across those programs.
func ProgramSharing(enrollments []Enrollment, partners []ProgramPartner, orgID string) (bool, string) {
	if orgID == "" {
		return false, ""
	}
	enrolled := make(map[string]bool, len(enrollments))
	for _, e := range enrollments {
		enrolled[e.ProgramID] = true
	}
	best := ""
	for _, p := range partners {
		if p.OrgID != orgID || !enrolled[p.ProgramID] {
			continue
		}
		if accessRank[p.AccessLevel] > accessRank[best] {
			best = p.AccessLevel
		}
	}
	return best != "", best
}

// Relation is how an accessor's organisation relates to a resource owner.
type Relation struct {
	SameOrg      bool
	SameLocation bool
	InNetwork    bool
}

// OrgRelation compares tenant roots, locations and network membership. An
// accessor without an organisation relates to nothing.
func OrgRelation(accessor Org, accessorLocation string, owner Org, ownerLocation string) Relation {
	if accessor.ID == "" || owner.ID == "" {
		return Relation{}
	}
	r := Relation{SameOrg: accessor.Root() == owner.Root()}
	r.SameLocation = accessorLocation != "" && accessorLocation == ownerLocation
	r.InNetwork = r.SameOrg || sharesNetwork(accessor, owner)
	return r
}

func sharesNetwork(a, b Org) bool {
	for _, x := range a.Networks {
		for _, y := range b.Networks {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ReferralVisibility decides whether the accessor may see a referral and
// whether it is a party to it (same root as source or destination).
func ReferralVisibility(ref Referral, accessor, source, dest Org) (visible, affiliated bool) {
	if accessor.ID != "" {
		affiliated = accessor.Root() == source.Root() || (dest.ID != "" && accessor.Root() == dest.Root())
	}
	switch ref.VisibilityScope {
	case VisibilityPublic:
		visible = true
	case VisibilityNetwork:
		visible = affiliated || (accessor.ID != "" && (sharesNetwork(accessor, source) || (dest.ID != "" && sharesNetwork(accessor, dest))))
	default:
		visible = affiliated
	}
	return visible, affiliated
}

// ConsentScopeFor picks the accessor-level consent scope: organisation or
// location for staff, the helper themself for helpers, the company for
// company users.
func ConsentScopeFor(u User, subject authz.Subject) (consent.ScopeType, string) {
	switch u.Kind {
	case KindHelper:
		return consent.ScopeHelper, u.ID
	case KindCompany:
		return consent.ScopeCompany, u.CompanyID
	}
	if subject.ScopeType == authz.ScopeLocation && u.LocationID != "" {
		return consent.ScopeLocation, u.LocationID
	}
	return consent.ScopeOrganization, u.OrgID
}
