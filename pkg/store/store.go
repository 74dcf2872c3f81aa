// Package store defines the community-health domain model and the
// repositories the SMS command handlers read and write.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// User is a staff account. A provider links a user to a mobile number.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

type Location struct {
	ID   int64
	Code string
	Name string
}

func (l *Location) String() string {
	if l == nil {
		return ""
	}
	return l.Name
}

type Role struct {
	ID   int64
	Code string
	Name string
}

func (r *Role) String() string {
	if r == nil {
		return ""
	}
	return r.Name
}

// Provider binds a user to a mobile number. Only active providers identify
// a sender.
type Provider struct {
	ID       int64
	UserID   int64
	Mobile   string
	Active   bool
	ClinicID int64
}

// Reporter is a field worker registered over SMS with the join command.
type Reporter struct {
	ID             int64
	Alias          string
	FirstName      string
	LastName       string
	LocationID     int64
	RoleID         int64
	RegisteredSelf bool
}

func (r *Reporter) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Connection is the persistent (backend, identity) pair a message arrives on.
// ReporterID is zero when no reporter is attached.
type Connection struct {
	ID         int64
	Backend    string
	Identity   string
	ReporterID int64
}

type CaseNote struct {
	ID         int64
	CaseID     int64
	ReporterID int64
	Text       string
	CreatedAt  time.Time
}

type ReportKind string

const (
	ReportMalnutrition ReportKind = "malnutrition"
	ReportMalaria      ReportKind = "malaria"
	ReportDiagnosis    ReportKind = "diagnosis"
	ReportMeasles      ReportKind = "measles"
)

type Report struct {
	ID         int64
	CaseID     int64
	ReporterID int64
	Kind       ReportKind
	Taken      bool
	CreatedAt  time.Time
}

// ClinicMeaslesSummary is the per-facility measles coverage line.
type ClinicMeaslesSummary struct {
	Clinic     string
	Eligible   int
	Vaccinated int
}

// Percentage returns vaccinated/eligible rounded to a whole percent.
func (s ClinicMeaslesSummary) Percentage() int {
	if s.Eligible == 0 {
		return 0
	}
	return int(float64(s.Vaccinated)/float64(s.Eligible)*100 + 0.5)
}

type Users interface {
	UserByID(ctx context.Context, id int64) (*User, error)
	// UserByUsername matches case-insensitively.
	UserByUsername(ctx context.Context, username string) (*User, error)
}

type Providers interface {
	ProvidersByMobile(ctx context.Context, mobile string) ([]Provider, error)
	ActiveProviderByMobile(ctx context.Context, mobile string) (*Provider, error)
	SaveProvider(ctx context.Context, p *Provider) error
}

type Reporters interface {
	ReporterByID(ctx context.Context, id int64) (*Reporter, error)
	// ReporterByAlias matches case-insensitively.
	ReporterByAlias(ctx context.Context, alias string) (*Reporter, error)
	AliasExists(ctx context.Context, alias string) (bool, error)
	// SaveReporter inserts when r.ID is zero and updates otherwise.
	SaveReporter(ctx context.Context, r *Reporter) error
	ListReporters(ctx context.Context) ([]Reporter, error)
}

type Connections interface {
	// ConnectionFor returns the connection for (backend, identity), creating it
	// on first contact.
	ConnectionFor(ctx context.Context, backend, identity string) (*Connection, error)
	ConnectionForReporter(ctx context.Context, reporterID int64) (*Connection, error)
	SaveConnection(ctx context.Context, c *Connection) error
}

type Locations interface {
	LocationByID(ctx context.Context, id int64) (*Location, error)
	LocationByCode(ctx context.Context, code string) (*Location, error)
}

type Roles interface {
	RoleByID(ctx context.Context, id int64) (*Role, error)
	RoleByCode(ctx context.Context, code string) (*Role, error)
}

type Cases interface {
	CaseByRefID(ctx context.Context, refID int64) (*Case, error)
	FindDuplicateCase(ctx context.Context, first, last string, reporterID int64, dob time.Time) (*Case, error)
	// CreateCase assigns ID and RefID.
	CreateCase(ctx context.Context, c *Case) error
	UpdateCase(ctx context.Context, c *Case) error
	DeleteCase(ctx context.Context, id int64) error
	ListCases(ctx context.Context) ([]Case, error)
}

type Notes interface {
	AddNote(ctx context.Context, n *CaseNote) error
	// NotesForCase lists notes oldest first.
	NotesForCase(ctx context.Context, caseID int64) ([]CaseNote, error)
}

type Reports interface {
	AddReport(ctx context.Context, r *Report) error
	CountReports(ctx context.Context, caseID int64, kind ReportKind) (int, error)
}

// Repository is everything the command handlers need.
type Repository interface {
	Users
	Providers
	Reporters
	Connections
	Locations
	Roles
	Cases
	Notes
	Reports
}
