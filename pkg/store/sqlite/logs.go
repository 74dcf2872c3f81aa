package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store"
)

var (
	_ router.IdentityResolver   = (*Store)(nil)
	_ router.ConnectionResolver = (*Store)(nil)
	_ router.Diagnostics        = (*Store)(nil)
	_ audit.Sink                = (*Store)(nil)
)

// ResolveIdentity returns the user behind the active provider on mobile.
func (s *Store) ResolveIdentity(ctx context.Context, mobile string) (*store.User, error) {
	p, err := s.ActiveProviderByMobile(ctx, mobile)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.UserByID(ctx, p.UserID)
}

// ResolveConnection returns the connection for (backend, identity), creating
// it on first contact, and its reporter.
func (s *Store) ResolveConnection(ctx context.Context, backend, identity string) (*store.Connection, *store.Reporter, error) {
	conn, err := s.ConnectionFor(ctx, backend, identity)
	if err != nil {
		return nil, nil, err
	}
	if conn.ReporterID == 0 {
		return conn, nil, nil
	}
	rep, err := s.ReporterByID(ctx, conn.ReporterID)
	if err != nil {
		return nil, nil, err
	}
	return conn, rep, nil
}

// Append writes the entry to message_log.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (id, peer, identity_id, reporter_id, text, handled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Peer, optionalID(e.IdentityID), optionalID(e.ReporterID), e.Text, boolInt(e.Handled), millis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message log: %w", err)
	}
	return nil
}

// MessageLog returns the newest limit entries, newest first.
func (s *Store) MessageLog(ctx context.Context, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, peer, identity_id, reporter_id, text, handled, created_at
		 FROM message_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e             audit.Entry
			identity, rep sql.NullInt64
			handled       int
			created       int64
		)
		if err := rows.Scan(&e.ID, &e.Peer, &identity, &rep, &e.Text, &handled, &created); err != nil {
			return nil, err
		}
		if identity.Valid {
			id := identity.Int64
			e.IdentityID = &id
		}
		if rep.Valid {
			id := rep.Int64
			e.ReporterID = &id
		}
		e.Handled = handled != 0
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Record writes the diagnostic to error_log.
func (s *Store) Record(ctx context.Context, d router.Diagnostic) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (id, peer, identity_id, text, error, stack, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Peer, optionalID(d.IdentityID), d.Text, d.Err, d.Stack, millis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("record error log: %w", err)
	}
	return nil
}

// CountErrors returns the number of error_log rows.
func (s *Store) CountErrors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count error log: %w", err)
	}
	return n, nil
}
