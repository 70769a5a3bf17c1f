package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carecoord.org/internal/breakglass"
)

const grantColumns = `id, user_id, reason, activated_at, expires_at, terminated_at, terminated_by, approved_by, approved_at, expiry_audited`

// BreakGlassStore implements breakglass.Store on breakglass_grants.
type BreakGlassStore struct {
	db *sql.DB
}

var _ breakglass.Store = (*BreakGlassStore)(nil)

func scanGrant(row rowScanner) (breakglass.Grant, error) {
	var (
		g          breakglass.Grant
		terminated sql.NullTime
		approved   sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.UserID, &g.Reason, &g.ActivatedAt, &g.ExpiresAt, &terminated, &g.TerminatedBy,
		&g.ApprovedBy, &approved, &g.ExpiryAudited); err != nil {
		return breakglass.Grant{}, err
	}
	g.ActivatedAt = g.ActivatedAt.UTC()
	g.ExpiresAt = g.ExpiresAt.UTC()
	g.TerminatedAt = timePtr(terminated)
	g.ApprovedAt = timePtr(approved)
	return g, nil
}

func (s *BreakGlassStore) Insert(ctx context.Context, g breakglass.Grant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into breakglass_grants (id, user_id, reason, activated_at, expires_at)
		values ($1, $2, $3, $4, $5)
	`, g.ID, g.UserID, g.Reason, g.ActivatedAt, g.ExpiresAt)
	if isUniqueViolation(err) {
		return breakglass.ErrConflict
	}
	return err
}

func (s *BreakGlassStore) Get(ctx context.Context, id string) (breakglass.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `select `+grantColumns+` from breakglass_grants where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return breakglass.Grant{}, breakglass.ErrNotFound
	}
	return g, err
}

func (s *BreakGlassStore) Latest(ctx context.Context, userID string) (breakglass.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+` from breakglass_grants
		where user_id = $1 and terminated_at is null
		order by activated_at desc limit 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return breakglass.Grant{}, breakglass.ErrNotFound
	}
	return g, err
}

func (s *BreakGlassStore) Terminate(ctx context.Context, id, by string, at time.Time) (breakglass.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		update breakglass_grants set terminated_at = $2, terminated_by = $3
		where id = $1 and terminated_at is null
		returning `+grantColumns, id, at, by))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return breakglass.Grant{}, err
	}
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return breakglass.Grant{}, gerr
	}
	return breakglass.Grant{}, breakglass.ErrNotActive
}

// Approve sets the approver only while the grant is unterminated and unapproved.
func (s *BreakGlassStore) Approve(ctx context.Context, id, by string, at time.Time) (breakglass.Grant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		update breakglass_grants set approved_by = $2, approved_at = $3
		where id = $1 and terminated_at is null and approved_by = ''
		returning `+grantColumns, id, by, at))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return breakglass.Grant{}, err
	}
	cur, gerr := s.Get(ctx, id)
	if gerr != nil {
		return breakglass.Grant{}, gerr
	}
	if cur.TerminatedAt != nil {
		return breakglass.Grant{}, breakglass.ErrNotActive
	}
	return breakglass.Grant{}, breakglass.ErrApproved
}

// MarkExpiryAudited is a compare-and-set; only one caller sees true.
func (s *BreakGlassStore) MarkExpiryAudited(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update breakglass_grants set expiry_audited = true
		where id = $1 and not expiry_audited
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *BreakGlassStore) ClearExpiryAudited(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update breakglass_grants set expiry_audited = false where id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return breakglass.ErrNotFound
	}
	return nil
}

func (s *BreakGlassStore) ExpiredUnaudited(ctx context.Context, at time.Time, limit int) ([]breakglass.Grant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+` from breakglass_grants
		where terminated_at is null and not expiry_audited and expires_at < $1
		order by expires_at asc limit $2
	`, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breakglass.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
