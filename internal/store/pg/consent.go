package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carecoord.org/internal/consent"
)

const consentColumns = `id, client_id, scope_type, scope_id, allowed_purposes, method,
	granted_by, granted_at, expires_at, grace_period_minutes, revoked_at, revoked_by`

// ConsentStore implements consent.Store on consent_records.
type ConsentStore struct {
	db *sql.DB
}

var _ consent.Store = (*ConsentStore)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConsent(row rowScanner) (consent.Record, error) {
	var (
		rec       consent.Record
		scopeID   sql.NullString
		purposes  []byte
		expires   sql.NullTime
		revoked   sql.NullTime
		revokedBy sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.ClientID, &rec.ScopeType, &scopeID, &purposes, &rec.Method,
		&rec.GrantedBy, &rec.GrantedAt, &expires, &rec.GracePeriodMinutes, &revoked, &revokedBy); err != nil {
		return consent.Record{}, err
	}
	if err := json.Unmarshal(purposes, &rec.AllowedPurposes); err != nil {
		return consent.Record{}, fmt.Errorf("decode allowed_purposes: %w", err)
	}
	rec.ScopeID = scopeID.String
	rec.GrantedAt = rec.GrantedAt.UTC()
	rec.ExpiresAt = timePtr(expires)
	rec.RevokedAt = timePtr(revoked)
	rec.RevokedBy = revokedBy.String
	return rec, nil
}

// Insert serialises grants per client and scope with a transaction-scoped
// advisory lock, so Supersede sees every competing record.
func (s *ConsentStore) Insert(ctx context.Context, rec consent.Record) (consent.Record, error) {
	purposes, err := json.Marshal(rec.AllowedPurposes)
	if err != nil {
		return consent.Record{}, fmt.Errorf("encode allowed_purposes: %w", err)
	}
	err = inTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		key := rec.ClientID + "|" + string(rec.ScopeType) + "|" + rec.ScopeID
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `select `+consentColumns+`
			from consent_records
			where client_id = $1 and scope_type = $2 and coalesce(scope_id, '') = $3 and revoked_at is null`,
			rec.ClientID, rec.ScopeType, rec.ScopeID)
		if err != nil {
			return err
		}
		var existing []consent.Record
		for rows.Next() {
			r, err := scanConsent(rows)
			if err != nil {
				rows.Close()
				return err
			}
			existing = append(existing, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		stale, err := consent.Supersede(existing, rec)
		if err != nil {
			return err
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `
				update consent_records set revoked_at = $2, revoked_by = $3
				where id = $1 and revoked_at is null
			`, id, rec.GrantedAt, rec.GrantedBy); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `
			insert into consent_records (id, client_id, scope_type, scope_id, allowed_purposes, method,
				granted_by, granted_at, expires_at, grace_period_minutes)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, rec.ID, rec.ClientID, rec.ScopeType, nullIfEmpty(rec.ScopeID), string(purposes), rec.Method,
			rec.GrantedBy, rec.GrantedAt, nullTime(rec.ExpiresAt), rec.GracePeriodMinutes)
		return err
	})
	switch {
	case err == nil:
		return rec, nil
	case isUniqueViolation(err):
		return consent.Record{}, fmt.Errorf("%w: %s", consent.ErrConflict, rec.ClientID)
	case isCheckViolation(err):
		return consent.Record{}, fmt.Errorf("%w: %v", consent.ErrInvalidInput, err)
	}
	return consent.Record{}, err
}

func (s *ConsentStore) Get(ctx context.Context, id string) (consent.Record, error) {
	rec, err := scanConsent(s.db.QueryRowContext(ctx, `select `+consentColumns+` from consent_records where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrNotFound
	}
	return rec, err
}

func (s *ConsentStore) ListForClient(ctx context.Context, clientID string) ([]consent.Record, error) {
	rows, err := s.db.QueryContext(ctx, `select `+consentColumns+`
		from consent_records where client_id = $1 order by granted_at asc, id asc`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []consent.Record
	for rows.Next() {
		rec, err := scanConsent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ConsentStore) Revoke(ctx context.Context, id, by string, at time.Time) (consent.Record, error) {
	rec, err := scanConsent(s.db.QueryRowContext(ctx, `
		update consent_records set revoked_at = $2, revoked_by = $3
		where id = $1 and revoked_at is null
		returning `+consentColumns, id, at, by))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, err
	}
	if _, gerr := s.Get(ctx, id); gerr != nil {
		return consent.Record{}, gerr
	}
	return consent.Record{}, consent.ErrRevoked
}
