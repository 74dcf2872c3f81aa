package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mctc-health/mctc/pkg/audit"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "mctc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTestStore(t *testing.T, s *Store) {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	defer f.Close()
	data, err := DecodeSeed(f)
	require.NoError(t, err)
	_, err = s.Seed(context.Background(), data)
	require.NoError(t, err)
}

func TestOpen_AppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	names, err := s.AppliedMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_schema.sql", "002_logs.sql"}, names)

	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied, "second migrate should be a no-op")
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.AliasExists(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeed_IsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTestStore(t, s)
	seedTestStore(t, s)

	loc, err := s.LocationByCode(ctx, "abc123")
	require.NoError(t, err, "location codes match case-insensitively")
	assert.Equal(t, "Kumasi Clinic", loc.Name)

	providers, err := s.ProvidersByMobile(ctx, "+233200000001")
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.True(t, providers[0].Active)
	assert.Equal(t, loc.ID, providers[0].ClinicID)
}

func TestDecodeSeed_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeSeed(stringReader("locations:\n  - code: X\n    colour: red\n"))
	require.Error(t, err)
}

func TestResolveIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTestStore(t, s)

	user, err := s.ResolveIdentity(ctx, "+233200000001")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "admin", user.Username)

	user, err = s.ResolveIdentity(ctx, "+233299999999")
	require.NoError(t, err)
	assert.Nil(t, user, "unknown mobile is not an error")

	providers, err := s.ProvidersByMobile(ctx, "+233200000001")
	require.NoError(t, err)
	providers[0].Active = false
	require.NoError(t, s.SaveProvider(ctx, &providers[0]))

	user, err = s.ResolveIdentity(ctx, "+233200000001")
	require.NoError(t, err)
	assert.Nil(t, user, "inactive providers do not identify")
}

func TestResolveConnection_CreatesThenAttaches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conn, rep, err := s.ResolveConnection(ctx, "sms", "+233200000002")
	require.NoError(t, err)
	assert.Nil(t, rep)
	assert.NotZero(t, conn.ID)

	again, _, err := s.ResolveConnection(ctx, "sms", "+233200000002")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, again.ID, "connection must be persistent")

	r := &store.Reporter{Alias: "jdoe", FirstName: "Jane", LastName: "Doe"}
	require.NoError(t, s.SaveReporter(ctx, r))
	conn.ReporterID = r.ID
	require.NoError(t, s.SaveConnection(ctx, conn))

	_, rep, err = s.ResolveConnection(ctx, "sms", "+233200000002")
	require.NoError(t, err)
	require.NotNil(t, rep)
	assert.Equal(t, "jdoe", rep.Alias)

	byReporter, err := s.ConnectionForReporter(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "+233200000002", byReporter.Identity)
}

func TestReporters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &store.Reporter{Alias: "jdoe", FirstName: "Jane", LastName: "Doe"}
	require.NoError(t, s.SaveReporter(ctx, r))

	found, err := s.ReporterByAlias(ctx, "JDOE")
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)

	exists, err := s.AliasExists(ctx, "jDoe")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := &store.Reporter{Alias: "JDoe"}
	assert.ErrorIs(t, s.SaveReporter(ctx, dup), store.ErrAlreadyExists)

	_, err = s.ReporterByID(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	r.RegisteredSelf = true
	require.NoError(t, s.SaveReporter(ctx, r))
	list, err := s.ListReporters(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].RegisteredSelf)
}

func TestCases_CreateAssignsRefID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTestStore(t, s)
	s.now = func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) }

	r := &store.Reporter{Alias: "jdoe", FirstName: "Jane", LastName: "Doe"}
	require.NoError(t, s.SaveReporter(ctx, r))
	loc, err := s.LocationByCode(ctx, "ABC123")
	require.NoError(t, err)

	dob := time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	c := &store.Case{FirstName: "Kofi", LastName: "Mensah", Gender: "M", DOB: dob, ReporterID: r.ID, LocationID: loc.ID, Status: store.StatusActive}
	require.NoError(t, s.CreateCase(ctx, c))
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, store.RefIDFor(1), c.RefID)

	got, err := s.CaseByRefID(ctx, c.RefID)
	require.NoError(t, err)
	assert.Equal(t, "Kofi", got.FirstName)
	assert.True(t, got.DOB.Equal(dob))
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, loc.ID, got.LocationID)

	dupe, err := s.FindDuplicateCase(ctx, "Kofi", "Mensah", r.ID, dob)
	require.NoError(t, err)
	assert.Equal(t, c.ID, dupe.ID)

	_, err = s.FindDuplicateCase(ctx, "Kofi", "Mensah", r.ID, dob.AddDate(0, 0, 1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCases_UpdateAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &store.Reporter{Alias: "jdoe"}
	require.NoError(t, s.SaveReporter(ctx, r))
	c := &store.Case{FirstName: "Esi", LastName: "Owusu", Gender: "F", DOB: time.Date(2022, 1, 5, 0, 0, 0, 0, time.UTC), ReporterID: r.ID, Status: store.StatusActive}
	require.NoError(t, s.CreateCase(ctx, c))

	c.Status = store.StatusInactive
	require.NoError(t, s.UpdateCase(ctx, c))
	got, err := s.CaseByRefID(ctx, c.RefID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, got.Status)

	require.NoError(t, s.AddNote(ctx, &store.CaseNote{CaseID: c.ID, ReporterID: r.ID, Text: "moved to Accra"}))
	require.NoError(t, s.AddReport(ctx, &store.Report{CaseID: c.ID, ReporterID: r.ID, Kind: store.ReportMeasles, Taken: true}))

	n, err := s.CountReports(ctx, c.ID, store.ReportMeasles)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.CountReports(ctx, c.ID, store.ReportMalaria)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.DeleteCase(ctx, c.ID), "notes and measles reports cascade")
	_, err = s.CaseByRefID(ctx, c.RefID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteCase(ctx, c.ID), store.ErrNotFound)

	notes, err := s.NotesForCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &store.User{Username: "kwame", FirstName: "Kwame", LastName: "Asante"}
	require.NoError(t, s.CreateUser(ctx, u))
	assert.ErrorIs(t, s.CreateUser(ctx, &store.User{Username: "KWAME"}), store.ErrAlreadyExists)

	got, err := s.UserByUsername(ctx, "Kwame")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestMessageLogAndErrorLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := int64(7)

	require.NoError(t, s.Append(ctx, audit.Entry{ID: "a", Peer: "+233200000001", IdentityID: &id, Text: "cancel +42", Handled: true, CreatedAt: time.Now()}))
	require.NoError(t, s.Append(ctx, audit.Entry{ID: "b", Peer: "+233200000009", Text: "gibberish", CreatedAt: time.Now().Add(time.Second)}))

	entries, err := s.MessageLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)
	assert.False(t, entries[0].Handled)
	assert.Nil(t, entries[0].IdentityID)
	require.NotNil(t, entries[1].IdentityID)
	assert.Equal(t, int64(7), *entries[1].IdentityID)

	require.NoError(t, s.Record(ctx, router.Diagnostic{ID: "d1", Peer: "+233200000001", Text: "new x", Err: "boom", CreatedAt: time.Now()}))
	n, err := s.CountErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
