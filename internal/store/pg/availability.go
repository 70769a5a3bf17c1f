package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"carecoord.org/internal/availability"
)

const availabilityColumns = `id, location_id, type, attributes, total, available, version, updated_by, updated_at`

// AvailabilityStore implements availability.Store. UpdateIf holds a row lock
// for the whole compare, mutate and commit sequence.
type AvailabilityStore struct {
	db *sql.DB
}

var _ availability.Store = (*AvailabilityStore)(nil)

func scanAvailability(row rowScanner) (availability.Record, error) {
	var (
		r     availability.Record
		attrs []byte
	)
	if err := row.Scan(&r.ID, &r.LocationID, &r.Type, &attrs, &r.Total, &r.Available, &r.Version, &r.UpdatedBy, &r.UpdatedAt); err != nil {
		return availability.Record{}, err
	}
	if len(attrs) > 0 && string(attrs) != "{}" {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return availability.Record{}, fmt.Errorf("decode attributes: %w", err)
		}
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func encodeAttributes(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}

func (s *AvailabilityStore) Get(ctx context.Context, id string) (availability.Record, error) {
	r, err := scanAvailability(s.db.QueryRowContext(ctx, `select `+availabilityColumns+` from availability where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return availability.Record{}, fmt.Errorf("%w: %s", availability.ErrNotFound, id)
	}
	return r, err
}

// Put upserts r as given. It is the seeding path and bypasses versioning.
func (s *AvailabilityStore) Put(ctx context.Context, r availability.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Version == 0 {
		r.Version = 1
	}
	attrs, err := encodeAttributes(r.Attributes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into availability (`+availabilityColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (id) do update set
			location_id = excluded.location_id, type = excluded.type, attributes = excluded.attributes,
			total = excluded.total, available = excluded.available, version = excluded.version,
			updated_by = excluded.updated_by, updated_at = excluded.updated_at
	`, r.ID, r.LocationID, r.Type, attrs, r.Total, r.Available, r.Version, r.UpdatedBy, r.UpdatedAt)
	return err
}

func (s *AvailabilityStore) UpdateIf(ctx context.Context, id string, expected int64, mutate availability.MutateFunc, commit availability.CommitFunc) (availability.Record, error) {
	var (
		out    availability.Record
		cur    availability.Record
		failed error
	)
	err := inTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		var err error
		cur, err = scanAvailability(tx.QueryRowContext(ctx, `select `+availabilityColumns+` from availability where id = $1 for update`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", availability.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if cur.Version != expected {
			failed = &availability.ConflictError{ID: id, Expected: expected, Current: cur.Version}
			return failed
		}
		next, err := mutate(cur)
		if err != nil {
			failed = err
			return err
		}
		next.ID = cur.ID
		next.Version = cur.Version + 1
		attrs, err := encodeAttributes(next.Attributes)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			update availability set type = $2, attributes = $3, total = $4, available = $5,
				version = $6, updated_by = $7, updated_at = $8
			where id = $1 and version = $9
		`, id, next.Type, attrs, next.Total, next.Available, next.Version, next.UpdatedBy, next.UpdatedAt, cur.Version); err != nil {
			return err
		}
		if commit != nil {
			if err := commit(cur, next); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		if failed != nil {
			return cur, failed
		}
		return availability.Record{}, err
	}
	return out, nil
}
