package consent

import (
	"fmt"
	"strings"
	"time"
)

// Evaluate decides consent for q at time at over the given records. It is a
// pure function: composing scopes (platform plus organization, and so on) is
// left to the caller.
func Evaluate(records []Record, q Query, at time.Time) Result {
	q.ClientID = strings.TrimSpace(q.ClientID)
	q.ScopeID = strings.TrimSpace(q.ScopeID)
	q.Purpose = strings.ToLower(strings.TrimSpace(q.Purpose))
	scope := describeScope(q.ScopeType, q.ScopeID)

	if !q.ScopeType.Valid() || (q.ScopeType != ScopePlatform && q.ScopeID == "") {
		return Result{
			Code:            CodeInvalidScope,
			Reason:          fmt.Sprintf("consent scope %s is not valid", scope),
			AllowedPurposes: []string{},
		}
	}

	var (
		current    *Record
		sawRevoked bool
	)
	for i := range records {
		r := &records[i]
		if !r.Matches(q.ClientID, q.ScopeType, q.ScopeID) || r.GrantedAt.After(at) {
			continue
		}
		if r.RevokedAsOf(at) {
			sawRevoked = true
			continue
		}
		if current == nil || r.GrantedAt.After(current.GrantedAt) {
			current = r
		}
	}

	if current == nil {
		res := Result{
			Code:            CodeNotFound,
			Reason:          fmt.Sprintf("no consent on file at %s scope", scope),
			Remediation:     fmt.Sprintf("obtain client consent at %s scope", scope),
			AllowedPurposes: []string{},
		}
		if sawRevoked {
			res.Code = CodeRevoked
			res.Reason = fmt.Sprintf("consent at %s scope was revoked", scope)
		}
		return res
	}

	res := Result{
		ConsentID:       current.ID,
		ExpiresAt:       current.ExpiresAt,
		AllowedPurposes: append([]string(nil), current.AllowedPurposes...),
	}
	if q.Purpose == "" {
		res.Code = CodePurposeRequired
		res.Reason = "purpose-of-use was not supplied"
		res.Remediation = "supply purpose-of-use"
		return res
	}
	if !current.AllowsPurpose(q.Purpose) {
		res.Code = CodePurposeMismatch
		res.Reason = fmt.Sprintf("purpose %q is not covered by consent at %s scope (allowed: %s)",
			q.Purpose, scope, strings.Join(current.AllowedPurposes, ","))
		res.Remediation = fmt.Sprintf("obtain consent for purpose %q or supply a covered purpose-of-use", q.Purpose)
		return res
	}
	if current.ExpiresAt == nil || !at.After(*current.ExpiresAt) {
		res.ConsentOK = true
		res.Code = CodeGranted
		res.Reason = fmt.Sprintf("consent granted at %s scope", scope)
		return res
	}
	if end := current.GraceEnds(); !at.After(*end) {
		res.ConsentOK = true
		res.GracePeriodActive = true
		res.Code = CodeGracePeriod
		res.Reason = fmt.Sprintf("consent at %s scope expired %s; grace period ends %s",
			scope, current.ExpiresAt.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
		res.Remediation = "renew consent"
		return res
	}
	res.Code = CodeExpired
	res.Reason = fmt.Sprintf("consent at %s scope expired %s", scope, current.ExpiresAt.UTC().Format(time.RFC3339))
	res.Remediation = "renew consent"
	return res
}

func describeScope(t ScopeType, id string) string {
	if t == ScopePlatform || id == "" {
		return string(t)
	}
	return string(t) + ":" + id
}
