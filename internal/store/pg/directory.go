package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carecoord.org/internal/fingerprint"
	"carecoord.org/internal/resolve"
)

// Directory implements resolve.Directory over the directory tables.
type Directory struct {
	db *sql.DB
}

var _ resolve.Directory = (*Directory)(nil)

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", resolve.ErrNotFound, kind, id)
	}
	return err
}

func decodeJSON(raw []byte, dst any, field string) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

func (d *Directory) User(ctx context.Context, id string) (resolve.User, error) {
	var u resolve.User
	err := d.db.QueryRowContext(ctx, `
		select id, kind, org_id, location_id, company_id from users where id = $1
	`, id).Scan(&u.ID, &u.Kind, &u.OrgID, &u.LocationID, &u.CompanyID)
	return u, notFound(err, "user", id)
}

func (d *Directory) Org(ctx context.Context, id string) (resolve.Org, error) {
	var (
		o        resolve.Org
		networks []byte
	)
	err := d.db.QueryRowContext(ctx, `select id, root_id, networks from orgs where id = $1`, id).
		Scan(&o.ID, &o.RootID, &networks)
	if err != nil {
		return resolve.Org{}, notFound(err, "org", id)
	}
	return o, decodeJSON(networks, &o.Networks, "networks")
}

func (d *Directory) Location(ctx context.Context, id string) (resolve.Location, error) {
	var l resolve.Location
	err := d.db.QueryRowContext(ctx, `select id, org_id, service_profile_id from locations where id = $1`, id).
		Scan(&l.ID, &l.OrgID, &l.ServiceProfileID)
	return l, notFound(err, "location", id)
}

func (d *Directory) Client(ctx context.Context, id string) (resolve.Client, error) {
	var (
		c     resolve.Client
		birth string
		fp    sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		select id, org_id, location_id, given_name, family_name, birth_date, phone, fingerprint from clients where id = $1
	`, id).Scan(&c.ID, &c.OrgID, &c.LocationID, &c.GivenName, &c.FamilyName, &birth, &c.Phone, &fp)
	if err != nil {
		return resolve.Client{}, notFound(err, "client", id)
	}
	if c.BirthDate, err = parseBirthDate(id, birth); err != nil {
		return resolve.Client{}, err
	}
	c.Fingerprint = fp.String
	return c, nil
}

func parseBirthDate(clientID, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("client %s birth_date: %w", clientID, err)
	}
	return t, nil
}

const backfillBatch = 200

// BackfillFingerprints computes the fingerprint of every client written
// without one. Clients too thin to fingerprint are stored as '' so they are
// not revisited.
func (d *Directory) BackfillFingerprints(ctx context.Context, h *fingerprint.Hasher) (int, error) {
	total := 0
	for {
		pending, err := queryAll(ctx, d.db, func(r rowScanner) (resolve.Client, error) {
			var (
				c     resolve.Client
				birth string
			)
			if err := r.Scan(&c.ID, &c.GivenName, &c.FamilyName, &birth, &c.Phone); err != nil {
				return resolve.Client{}, err
			}
			bd, err := parseBirthDate(c.ID, birth)
			c.BirthDate = bd
			return c, err
		}, `
			select id, given_name, family_name, birth_date, phone from clients
			where fingerprint is null order by id limit $1
		`, backfillBatch)
		if err != nil {
			return total, err
		}
		for _, c := range pending {
			if _, err := d.db.ExecContext(ctx, `
				update clients set fingerprint = $2 where id = $1 and fingerprint is null
			`, c.ID, resolve.FingerprintClient(h, c)); err != nil {
				return total, fmt.Errorf("fingerprint client %s: %w", c.ID, err)
			}
			total++
		}
		if len(pending) < backfillBatch {
			return total, nil
		}
	}
}

func (d *Directory) Case(ctx context.Context, id string) (resolve.Case, error) {
	var c resolve.Case
	err := d.db.QueryRowContext(ctx, `select id, client_id, org_id, program_id from cases where id = $1`, id).
		Scan(&c.ID, &c.ClientID, &c.OrgID, &c.ProgramID)
	return c, notFound(err, "case", id)
}

func (d *Directory) Note(ctx context.Context, id string) (resolve.Note, error) {
	var (
		n        resolve.Note
		grantees []byte
	)
	err := d.db.QueryRowContext(ctx, `
		select id, client_id, author_id, classification, temp_grantees from notes where id = $1
	`, id).Scan(&n.ID, &n.ClientID, &n.AuthorID, &n.Classification, &grantees)
	if err != nil {
		return resolve.Note{}, notFound(err, "note", id)
	}
	return n, decodeJSON(grantees, &n.TempGrantees, "temp_grantees")
}

func (d *Directory) Referral(ctx context.Context, id string) (resolve.Referral, error) {
	var (
		r      resolve.Referral
		fields []byte
	)
	err := d.db.QueryRowContext(ctx, `
		select id, client_id, source_org_id, dest_org_id, type, visibility_scope, summary, fields
		from referrals where id = $1
	`, id).Scan(&r.ID, &r.ClientID, &r.SourceOrgID, &r.DestOrgID, &r.Type, &r.VisibilityScope, &r.Summary, &fields)
	if err != nil {
		return resolve.Referral{}, notFound(err, "referral", id)
	}
	return r, decodeJSON(fields, &r.Fields, "fields")
}

func (d *Directory) ServiceProfile(ctx context.Context, id string) (resolve.ServiceProfile, error) {
	var s resolve.ServiceProfile
	err := d.db.QueryRowContext(ctx, `
		select id, org_id, location_id, claimed from service_profiles where id = $1
	`, id).Scan(&s.ID, &s.OrgID, &s.LocationID, &s.Claimed)
	return s, notFound(err, "service profile", id)
}

func (d *Directory) Report(ctx context.Context, id string) (resolve.Report, error) {
	var r resolve.Report
	err := d.db.QueryRowContext(ctx, `select id, org_id, kind, legal_basis from reports where id = $1`, id).
		Scan(&r.ID, &r.OrgID, &r.Kind, &r.LegalBasis)
	return r, notFound(err, "report", id)
}

func queryAll[T any](ctx context.Context, db *sql.DB, scan func(rowScanner) (T, error), q string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (d *Directory) Assignments(ctx context.Context, clientID string) ([]resolve.Assignment, error) {
	return queryAll(ctx, d.db, func(r rowScanner) (resolve.Assignment, error) {
		var a resolve.Assignment
		return a, r.Scan(&a.CaseID, &a.ClientID, &a.UserID)
	}, `select case_id, client_id, user_id from case_assignments where client_id = $1`, clientID)
}

func (d *Directory) Enrollments(ctx context.Context, clientID string) ([]resolve.Enrollment, error) {
	return queryAll(ctx, d.db, func(r rowScanner) (resolve.Enrollment, error) {
		var e resolve.Enrollment
		return e, r.Scan(&e.ClientID, &e.ProgramID)
	}, `select client_id, program_id from program_enrollments where client_id = $1`, clientID)
}

func (d *Directory) ProgramPartners(ctx context.Context, programID string) ([]resolve.ProgramPartner, error) {
	return queryAll(ctx, d.db, func(r rowScanner) (resolve.ProgramPartner, error) {
		var p resolve.ProgramPartner
		return p, r.Scan(&p.ProgramID, &p.OrgID, &p.AccessLevel)
	}, `select program_id, org_id, access_level from program_partners where program_id = $1`, programID)
}

func (d *Directory) CrossOrgApproved(ctx context.Context, clientID, orgID string) (bool, error) {
	var ok bool
	err := d.db.QueryRowContext(ctx, `
		select exists (select 1 from cross_org_approvals where client_id = $1 and org_id = $2)
	`, clientID, orgID).Scan(&ok)
	return ok, err
}
