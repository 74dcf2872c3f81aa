package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mctc-health/mctc/pkg/store"
)

// Users

func (s *Store) UserByID(ctx context.Context, id int64) (*store.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name FROM users WHERE id = ?`, id))
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, first_name, last_name FROM users WHERE username = ?`, username))
}

func (s *Store) scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	if err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName); err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, first_name, last_name) VALUES (?, ?, ?)`,
		u.Username, u.FirstName, u.LastName)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", u.Username, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// Providers

const providerColumns = `id, user_id, mobile, active, clinic_id`

func scanProvider(scan func(...any) error) (store.Provider, error) {
	var (
		p      store.Provider
		active int
		clinic sql.NullInt64
	)
	err := scan(&p.ID, &p.UserID, &p.Mobile, &active, &clinic)
	p.Active = active != 0
	p.ClinicID = fromNull(clinic)
	return p, err
}

func (s *Store) ProvidersByMobile(ctx context.Context, mobile string) ([]store.Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE mobile = ? ORDER BY id`, mobile)
	if err != nil {
		return nil, fmt.Errorf("providers by mobile: %w", err)
	}
	defer rows.Close()

	var out []store.Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ActiveProviderByMobile(ctx context.Context, mobile string) (*store.Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE mobile = ? AND active = 1 ORDER BY id LIMIT 1`, mobile)
	p, err := scanProvider(row.Scan)
	if err != nil {
		return nil, notFound(err, "provider")
	}
	return &p, nil
}

func (s *Store) SaveProvider(ctx context.Context, p *store.Provider) error {
	if p.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO providers (user_id, mobile, active, clinic_id) VALUES (?, ?, ?, ?)`,
			p.UserID, p.Mobile, boolInt(p.Active), nullID(p.ClinicID))
		if err != nil {
			return fmt.Errorf("create provider: %w", err)
		}
		p.ID, err = res.LastInsertId()
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE providers SET user_id = ?, mobile = ?, active = ?, clinic_id = ? WHERE id = ?`,
		p.UserID, p.Mobile, boolInt(p.Active), nullID(p.ClinicID), p.ID)
	if err != nil {
		return fmt.Errorf("update provider %d: %w", p.ID, err)
	}
	return nil
}

// Reporters

const reporterColumns = `id, alias, first_name, last_name, location_id, role_id, registered_self`

func scanReporter(scan func(...any) error) (store.Reporter, error) {
	var (
		r          store.Reporter
		loc, role  sql.NullInt64
		registered int
	)
	err := scan(&r.ID, &r.Alias, &r.FirstName, &r.LastName, &loc, &role, &registered)
	r.LocationID = fromNull(loc)
	r.RoleID = fromNull(role)
	r.RegisteredSelf = registered != 0
	return r, err
}

func (s *Store) ReporterByID(ctx context.Context, id int64) (*store.Reporter, error) {
	r, err := scanReporter(s.db.QueryRowContext(ctx,
		`SELECT `+reporterColumns+` FROM reporters WHERE id = ?`, id).Scan)
	if err != nil {
		return nil, notFound(err, "reporter")
	}
	return &r, nil
}

func (s *Store) ReporterByAlias(ctx context.Context, alias string) (*store.Reporter, error) {
	r, err := scanReporter(s.db.QueryRowContext(ctx,
		`SELECT `+reporterColumns+` FROM reporters WHERE alias = ?`, alias).Scan)
	if err != nil {
		return nil, notFound(err, "reporter")
	}
	return &r, nil
}

func (s *Store) AliasExists(ctx context.Context, alias string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reporters WHERE alias = ?`, alias).Scan(&n); err != nil {
		return false, fmt.Errorf("alias exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SaveReporter(ctx context.Context, r *store.Reporter) error {
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO reporters (alias, first_name, last_name, location_id, role_id, registered_self)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			r.Alias, r.FirstName, r.LastName, nullID(r.LocationID), nullID(r.RoleID), boolInt(r.RegisteredSelf))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("reporter @%s: %w", r.Alias, store.ErrAlreadyExists)
			}
			return fmt.Errorf("create reporter: %w", err)
		}
		r.ID, err = res.LastInsertId()
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE reporters SET alias = ?, first_name = ?, last_name = ?, location_id = ?, role_id = ?, registered_self = ?
		 WHERE id = ?`,
		r.Alias, r.FirstName, r.LastName, nullID(r.LocationID), nullID(r.RoleID), boolInt(r.RegisteredSelf), r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("reporter @%s: %w", r.Alias, store.ErrAlreadyExists)
		}
		return fmt.Errorf("update reporter %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) ListReporters(ctx context.Context) ([]store.Reporter, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+reporterColumns+` FROM reporters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list reporters: %w", err)
	}
	defer rows.Close()

	var out []store.Reporter
	for rows.Next() {
		r, err := scanReporter(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Connections

func scanConnection(scan func(...any) error) (store.Connection, error) {
	var (
		c   store.Connection
		rep sql.NullInt64
	)
	err := scan(&c.ID, &c.Backend, &c.Identity, &rep)
	c.ReporterID = fromNull(rep)
	return c, err
}

func (s *Store) ConnectionFor(ctx context.Context, backend, identity string) (*store.Connection, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (backend, identity) VALUES (?, ?) ON CONFLICT (backend, identity) DO NOTHING`,
		backend, identity); err != nil {
		return nil, fmt.Errorf("ensure connection: %w", err)
	}
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`SELECT id, backend, identity, reporter_id FROM connections WHERE backend = ? AND identity = ?`,
		backend, identity).Scan)
	if err != nil {
		return nil, notFound(err, "connection")
	}
	return &c, nil
}

// ConnectionForReporter returns the reporter's most recent connection.
func (s *Store) ConnectionForReporter(ctx context.Context, reporterID int64) (*store.Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		`SELECT id, backend, identity, reporter_id FROM connections WHERE reporter_id = ? ORDER BY id DESC LIMIT 1`,
		reporterID).Scan)
	if err != nil {
		return nil, notFound(err, "connection")
	}
	return &c, nil
}

func (s *Store) SaveConnection(ctx context.Context, c *store.Connection) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET backend = ?, identity = ?, reporter_id = ? WHERE id = ?`,
		c.Backend, c.Identity, nullID(c.ReporterID), c.ID)
	if err != nil {
		return fmt.Errorf("update connection %d: %w", c.ID, err)
	}
	return nil
}

// Locations and roles

func (s *Store) LocationByID(ctx context.Context, id int64) (*store.Location, error) {
	var l store.Location
	err := s.db.QueryRowContext(ctx, `SELECT id, code, name FROM locations WHERE id = ?`, id).
		Scan(&l.ID, &l.Code, &l.Name)
	if err != nil {
		return nil, notFound(err, "location")
	}
	return &l, nil
}

func (s *Store) LocationByCode(ctx context.Context, code string) (*store.Location, error) {
	var l store.Location
	err := s.db.QueryRowContext(ctx, `SELECT id, code, name FROM locations WHERE code = ?`, code).
		Scan(&l.ID, &l.Code, &l.Name)
	if err != nil {
		return nil, notFound(err, "location")
	}
	return &l, nil
}

func (s *Store) RoleByID(ctx context.Context, id int64) (*store.Role, error) {
	var r store.Role
	err := s.db.QueryRowContext(ctx, `SELECT id, code, name FROM roles WHERE id = ?`, id).
		Scan(&r.ID, &r.Code, &r.Name)
	if err != nil {
		return nil, notFound(err, "role")
	}
	return &r, nil
}

func (s *Store) RoleByCode(ctx context.Context, code string) (*store.Role, error) {
	var r store.Role
	err := s.db.QueryRowContext(ctx, `SELECT id, code, name FROM roles WHERE code = ?`, code).
		Scan(&r.ID, &r.Code, &r.Name)
	if err != nil {
		return nil, notFound(err, "role")
	}
	return &r, nil
}

// Cases

const caseColumns = `id, ref_id, first_name, last_name, gender, dob, guardian, mobile,
	reporter_id, location_id, status, created_at, updated_at`

func scanCase(scan func(...any) error) (store.Case, error) {
	var (
		c                store.Case
		ref, loc         sql.NullInt64
		dob              string
		created, updated int64
		status           int
	)
	if err := scan(&c.ID, &ref, &c.FirstName, &c.LastName, &c.Gender, &dob, &c.Guardian, &c.Mobile,
		&c.ReporterID, &loc, &status, &created, &updated); err != nil {
		return c, err
	}
	born, err := time.Parse(dateLayout, dob)
	if err != nil {
		return c, fmt.Errorf("case %d dob %q: %w", c.ID, dob, err)
	}
	c.RefID = fromNull(ref)
	c.LocationID = fromNull(loc)
	c.DOB = born
	c.Status = store.CaseStatus(status)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

func (s *Store) CaseByRefID(ctx context.Context, refID int64) (*store.Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE ref_id = ?`, refID).Scan)
	if err != nil {
		return nil, notFound(err, "case")
	}
	return &c, nil
}

func (s *Store) FindDuplicateCase(ctx context.Context, first, last string, reporterID int64, dob time.Time) (*store.Case, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE first_name = ? AND last_name = ? AND reporter_id = ? AND dob = ?
		 ORDER BY id LIMIT 1`,
		first, last, reporterID, dob.Format(dateLayout)).Scan)
	if err != nil {
		return nil, notFound(err, "case")
	}
	return &c, nil
}

// CreateCase inserts c and derives its public reference from the row id in
// the same transaction.
func (s *Store) CreateCase(ctx context.Context, c *store.Case) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO cases (first_name, last_name, gender, dob, guardian, mobile, reporter_id, location_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.FirstName, c.LastName, c.Gender, c.DOB.Format(dateLayout), c.Guardian, c.Mobile,
			c.ReporterID, nullID(c.LocationID), int(c.Status), millis(now), millis(now))
		if err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		ref := store.RefIDFor(id)
		if _, err := tx.ExecContext(ctx, `UPDATE cases SET ref_id = ? WHERE id = ?`, ref, id); err != nil {
			return fmt.Errorf("assign case ref: %w", err)
		}
		c.ID, c.RefID = id, ref
		c.CreatedAt, c.UpdatedAt = now.UTC().Truncate(time.Millisecond), now.UTC().Truncate(time.Millisecond)
		return nil
	})
}

func (s *Store) UpdateCase(ctx context.Context, c *store.Case) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET first_name = ?, last_name = ?, gender = ?, dob = ?, guardian = ?, mobile = ?,
		 reporter_id = ?, location_id = ?, status = ?, updated_at = ? WHERE id = ?`,
		c.FirstName, c.LastName, c.Gender, c.DOB.Format(dateLayout), c.Guardian, c.Mobile,
		c.ReporterID, nullID(c.LocationID), int(c.Status), millis(now), c.ID)
	if err != nil {
		return fmt.Errorf("update case %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %d: %w", c.ID, store.ErrNotFound)
	}
	c.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	return nil
}

func (s *Store) DeleteCase(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete case %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("case %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListCases(ctx context.Context) ([]store.Case, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+caseColumns+` FROM cases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []store.Case
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Notes and reports

func (s *Store) AddNote(ctx context.Context, n *store.CaseNote) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO case_notes (case_id, reporter_id, text, created_at) VALUES (?, ?, ?, ?)`,
		n.CaseID, n.ReporterID, n.Text, millis(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("add note: %w", err)
	}
	n.ID, err = res.LastInsertId()
	return err
}

// NotesForCase lists a case's notes oldest first.
func (s *Store) NotesForCase(ctx context.Context, caseID int64) ([]store.CaseNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, reporter_id, text, created_at FROM case_notes WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("notes for case: %w", err)
	}
	defer rows.Close()

	var out []store.CaseNote
	for rows.Next() {
		var (
			n       store.CaseNote
			created int64
		)
		if err := rows.Scan(&n.ID, &n.CaseID, &n.ReporterID, &n.Text, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) AddReport(ctx context.Context, r *store.Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (case_id, reporter_id, kind, taken, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.CaseID, r.ReporterID, string(r.Kind), boolInt(r.Taken), millis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("add %s report: %w", r.Kind, err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (s *Store) CountReports(ctx context.Context, caseID int64, kind store.ReportKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE case_id = ? AND kind = ?`, caseID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s reports: %w", kind, err)
	}
	return n, nil
}
