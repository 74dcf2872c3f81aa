package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedData is the reference data loaded by `mctc seed`.
type SeedData struct {
	Locations []SeedLocation `yaml:"locations"`
	Roles     []SeedRole     `yaml:"roles"`
	Users     []SeedUser     `yaml:"users"`
}

type SeedLocation struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type SeedRole struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
}

type SeedUser struct {
	Username  string         `yaml:"username"`
	FirstName string         `yaml:"first_name"`
	LastName  string         `yaml:"last_name"`
	Providers []SeedProvider `yaml:"providers"`
}

type SeedProvider struct {
	Mobile string `yaml:"mobile"`
	Clinic string `yaml:"clinic"`
	Active *bool  `yaml:"active"`
}

// SeedResult counts rows written by Seed.
type SeedResult struct {
	Locations int
	Roles     int
	Users     int
	Providers int
}

// DecodeSeed parses a YAML seed document.
func DecodeSeed(r io.Reader) (SeedData, error) {
	var data SeedData
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&data); err != nil && err != io.EOF {
		return SeedData{}, fmt.Errorf("decode seed: %w", err)
	}
	return data, nil
}

// Seed upserts locations, roles and users by their codes and usernames and
// adds missing providers. Running it twice is harmless.
func (s *Store) Seed(ctx context.Context, data SeedData) (SeedResult, error) {
	var res SeedResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, l := range data.Locations {
			if l.Code == "" {
				return fmt.Errorf("location %q has no code", l.Name)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO locations (code, name) VALUES (?, ?)
				 ON CONFLICT (code) DO UPDATE SET name = excluded.name`, l.Code, l.Name); err != nil {
				return fmt.Errorf("seed location %s: %w", l.Code, err)
			}
			res.Locations++
		}
		for _, r := range data.Roles {
			if r.Code == "" {
				return fmt.Errorf("role %q has no code", r.Name)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO roles (code, name) VALUES (?, ?)
				 ON CONFLICT (code) DO UPDATE SET name = excluded.name`, r.Code, r.Name); err != nil {
				return fmt.Errorf("seed role %s: %w", r.Code, err)
			}
			res.Roles++
		}
		for _, u := range data.Users {
			n, err := seedUser(ctx, tx, u)
			if err != nil {
				return err
			}
			res.Users++
			res.Providers += n
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, err
	}
	return res, nil
}

func seedUser(ctx context.Context, tx *sql.Tx, u SeedUser) (int, error) {
	if u.Username == "" {
		return 0, fmt.Errorf("user %s %s has no username", u.FirstName, u.LastName)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, first_name, last_name) VALUES (?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name`,
		u.Username, u.FirstName, u.LastName); err != nil {
		return 0, fmt.Errorf("seed user %s: %w", u.Username, err)
	}
	var userID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, u.Username).Scan(&userID); err != nil {
		return 0, fmt.Errorf("seed user %s: %w", u.Username, err)
	}

	added := 0
	for _, p := range u.Providers {
		var clinic any
		if p.Clinic != "" {
			var id int64
			if err := tx.QueryRowContext(ctx, `SELECT id FROM locations WHERE code = ?`, p.Clinic).Scan(&id); err != nil {
				return 0, fmt.Errorf("provider %s: clinic %s: %w", p.Mobile, p.Clinic, err)
			}
			clinic = id
		}
		active := p.Active == nil || *p.Active

		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE user_id = ? AND mobile = ?`, userID, p.Mobile).Scan(&existing)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO providers (user_id, mobile, active, clinic_id) VALUES (?, ?, ?, ?)`,
				userID, p.Mobile, boolInt(active), clinic); err != nil {
				return 0, fmt.Errorf("seed provider %s: %w", p.Mobile, err)
			}
			added++
		case err != nil:
			return 0, fmt.Errorf("seed provider %s: %w", p.Mobile, err)
		default:
			if _, err := tx.ExecContext(ctx,
				`UPDATE providers SET active = ?, clinic_id = ? WHERE id = ?`,
				boolInt(active), clinic, existing); err != nil {
				return 0, fmt.Errorf("seed provider %s: %w", p.Mobile, err)
			}
		}
	}
	return added, nil
}
