package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"carecoord.org/internal/audit"
)

// auditLockKey guards the chain tail across every writer process.
const auditLockKey int64 = 0x61756469746c6f67

const auditColumns = `seq, id, ts, actor_user_id, action, resource_type, resource_id,
	decision, reason, ctx, policy_version, row_hash, prev_hash`

// AuditStore implements audit.Store on audit_log. Rows are never updated;
// a trigger rejects update and delete.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		e   audit.Entry
		ctx []byte
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.ActorUserID, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.Decision, &e.Reason, &ctx, &e.PolicyVersion, &e.RowHash, &e.PrevHash); err != nil {
		return audit.Entry{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Context = append([]byte(nil), ctx...)
	return e, nil
}

func (s *AuditStore) AppendChained(ctx context.Context, build audit.BuildFunc) (audit.Entry, error) {
	var out audit.Entry
	err := inTx(ctx, s.db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
			return err
		}
		var head audit.Head
		err := tx.QueryRowContext(ctx, `select seq, row_hash, id from audit_log order by seq desc limit 1`).
			Scan(&head.Seq, &head.Hash, &head.EntryID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		e, err := build(head)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into audit_log (`+auditColumns+`)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, e.Seq, e.ID, e.Timestamp, e.ActorUserID, e.Action, e.ResourceType, e.ResourceID,
			string(e.Decision), e.Reason, string(e.Context), e.PolicyVersion, e.RowHash, e.PrevHash); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return audit.Entry{}, err
	}
	return out, nil
}

func (s *AuditStore) Get(ctx context.Context, id string) (audit.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `select `+auditColumns+` from audit_log where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, audit.ErrNotFound
	}
	return e, err
}

func (s *AuditStore) List(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorUserID != "" {
		add("actor_user_id = $%d", f.ActorUserID)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}
	q := `select ` + auditColumns + ` from audit_log`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by seq asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` limit $%d`, len(args))
	}
	return s.query(ctx, q, args...)
}

func (s *AuditStore) Scan(ctx context.Context, afterSeq int64, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, `select `+auditColumns+` from audit_log where seq > $1 order by seq asc limit $2`, afterSeq, limit)
}

func (s *AuditStore) Head(ctx context.Context) (audit.Head, error) {
	var h audit.Head
	err := s.db.QueryRowContext(ctx, `select seq, row_hash, id from audit_log order by seq desc limit 1`).
		Scan(&h.Seq, &h.Hash, &h.EntryID)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Head{}, nil
	}
	return h, err
}

func (s *AuditStore) query(ctx context.Context, q string, args ...any) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AnchorStore implements audit.Anchorer on the audit_anchors table. It is the
// fallback when no object store is configured.
type AnchorStore struct {
	db *sql.DB
}

var _ audit.Anchorer = (*AnchorStore)(nil)

// ErrAnchorNotFound is returned by Get for a seq with no anchor.
var ErrAnchorNotFound = errors.New("anchor not found")

func (s *AnchorStore) Put(ctx context.Context, a audit.Anchor) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_anchors (seq, entry_id, row_hash, anchored_at)
		values ($1, $2, $3, $4)
		on conflict (seq) do nothing
	`, a.Seq, a.EntryID, a.RowHash, a.AnchoredAt)
	return err
}

func (s *AnchorStore) Get(ctx context.Context, seq int64) (audit.Anchor, error) {
	var a audit.Anchor
	err := s.db.QueryRowContext(ctx, `
		select seq, entry_id, row_hash, anchored_at from audit_anchors where seq = $1
	`, seq).Scan(&a.Seq, &a.EntryID, &a.RowHash, &a.AnchoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Anchor{}, ErrAnchorNotFound
	}
	a.AnchoredAt = a.AnchoredAt.UTC()
	return a, err
}
