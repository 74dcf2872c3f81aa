package mctc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mctc-health/mctc/pkg/apps/apptest"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store"
)

const (
	janePeer     = "+233240000001"
	johnPeer     = "+233240000002"
	strangerPeer = "+233240000009"
)

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func start(t *testing.T) *apptest.Harness {
	t.Helper()
	h := apptest.New(t)
	app := New(h.Store, h.Catalog)
	app.now = func() time.Time { return fixedNow }
	h.Start(app.Register)
	return h
}

// joinJane registers Jane Doe at ABC123 and returns her reporter.
func joinJane(t *testing.T, h *apptest.Harness) *store.Reporter {
	t.Helper()
	_, res := h.Send(janePeer, "join ABC123 Doe Jane")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	rep, err := h.Store.ReporterByAlias(context.Background(), "jdoe")
	require.NoError(t, err)
	return rep
}

func TestJoin_RegistersAndAttaches(t *testing.T) {
	h := start(t)

	msg, res := h.Send(janePeer, "join ABC123 Doe Jane")
	assert.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.True(t, res.Handled)
	assert.Equal(t,
		[]string{"Success. You are now registered as Community Health Worker at Kumasi Clinic with alias @jdoe."},
		apptest.Texts(msg))
	assert.True(t, msg.Outbox()[0].Forward)
	assert.Equal(t, janePeer, msg.Outbox()[0].To)

	rep, err := h.Store.ReporterByAlias(context.Background(), "jdoe")
	require.NoError(t, err)
	assert.Equal(t, "Jane", rep.FirstName)
	assert.Equal(t, "Doe", rep.LastName)
	assert.True(t, rep.RegisteredSelf)

	_, attached, err := h.Store.ResolveConnection(context.Background(), "sms", janePeer)
	require.NoError(t, err)
	require.NotNil(t, attached)
	assert.Equal(t, rep.ID, attached.ID)

	entries := h.Audit.Entries()
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].ReporterID, "audit sees the reporter attached during dispatch")
	assert.Equal(t, rep.ID, *entries[0].ReporterID)
}

func TestJoin_WithRole(t *testing.T) {
	h := start(t)

	msg, _ := h.Send(janePeer, "JOIN abc123 doe jane nurse")
	assert.Equal(t,
		[]string{"Success. You are now registered as Nurse at Kumasi Clinic with alias @jdoe."},
		apptest.Texts(msg))
}

func TestJoin_BadLocationAndRole(t *testing.T) {
	h := start(t)

	msg, res := h.Send(janePeer, "join NOPE Doe Jane")
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Join Error. Provided location code (NOPE) is wrong."}, apptest.Texts(msg))

	msg, res = h.Send(janePeer, "join ABC123 Doe Jane pilot")
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Join Error. Provided Role code (pilot) is wrong."}, apptest.Texts(msg))

	rep, err := h.Store.ReporterByAlias(context.Background(), "jdoe")
	require.NoError(t, err, "the reporter is saved before location and role are checked")
	assert.False(t, rep.RegisteredSelf)
}

func TestJoin_AliasesAreUnique(t *testing.T) {
	h := start(t)
	joinJane(t, h)

	msg, _ := h.Send(johnPeer, "join ABC123 Doe John")
	assert.Equal(t,
		[]string{"Success. You are now registered as Community Health Worker at Kumasi Clinic with alias @jdoe1."},
		apptest.Texts(msg))

	msg, _ = h.Send(janePeer, "join TML Doe Jane")
	assert.Equal(t,
		[]string{"Success. You are now registered as Community Health Worker at Tamale Clinic with alias @jdoe."},
		apptest.Texts(msg), "re-joining keeps the reporter's own alias")

	reporters, err := h.Store.ListReporters(context.Background())
	require.NoError(t, err)
	assert.Len(t, reporters, 2, "re-joining updates the attached reporter")
}

func TestUnmatched(t *testing.T) {
	h := start(t)

	msg, res := h.Send(strangerPeer, "gibberish")
	assert.Equal(t, router.OutcomeUnmatched, res.Outcome)
	assert.False(t, res.Handled)
	assert.Equal(t, []string{"Sorry Unknown command: 'gibberish...' Please try again"}, apptest.Texts(msg))

	msg, res = h.Send(strangerPeer, "join me please")
	assert.False(t, res.Handled)
	assert.Equal(t,
		[]string{"Format:  join [location] [your last name] [your first name] (your role - leave blank for CHEW)"},
		apptest.Texts(msg))

	msg, _ = h.Send(strangerPeer, "transfer 18")
	assert.Equal(t, []string{"Format:  transfer [+patient ID] [new person in charge of the patient]"}, apptest.Texts(msg))

	msg, _ = h.Send(strangerPeer, "new baby")
	assert.Contains(t, apptest.Texts(msg)[0], "Format:  new [patient last name]")
}

func TestGates(t *testing.T) {
	h := start(t)

	msg, res := h.Send(strangerPeer, "show +18")
	assert.Equal(t, router.OutcomeBlocked, res.Outcome)
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Sorry, only registered users can access this program."}, apptest.Texts(msg))

	msg, res = h.Send(strangerPeer, "cancel +18")
	assert.Equal(t, router.OutcomeBlocked, res.Outcome)
	assert.Equal(t, []string{strangerPeer + " is not a registered number."}, apptest.Texts(msg))
}

func TestNewCase(t *testing.T) {
	h := start(t)
	joinJane(t, h)

	msg, res := h.Send(janePeer, "new mensah kofi m 01-03-23 ama serwaa 0244000000")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{"New +18: MENSAH, Kofi M/15m (Ama Serwaa) Kumasi Clinic"}, apptest.Texts(msg))

	c, err := h.Store.CaseByRefID(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, "Mensah", c.LastName)
	assert.Equal(t, "0244000000", c.Mobile)
	assert.True(t, c.DOB.Equal(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)))

	msg, res = h.Send(janePeer, "new Mensah Kofi M 01032023")
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Mensah, Kofi (+18) has already been registered by Jane Doe."}, apptest.Texts(msg))
}

func TestNewCase_BadDate(t *testing.T) {
	h := start(t)
	joinJane(t, h)

	msg, res := h.Send(janePeer, "new Doe Baby F 99-99")
	assert.Equal(t, router.OutcomeRecovered, res.Outcome)
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Couldn't understand date: 9999"}, apptest.Texts(msg))
}

func registerCase(t *testing.T, h *apptest.Harness) {
	t.Helper()
	_, res := h.Send(janePeer, "new Mensah Kofi M 010323 Ama")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
}

func TestShow(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	registerCase(t, h)

	msg, _ := h.Send(janePeer, "show +18")
	assert.Equal(t, []string{"+18 Alive MENSAH, Kofi M/15m Ama - Kumasi Clinic"}, apptest.Texts(msg))

	msg, _ = h.Send(janePeer, "s 18")
	assert.Len(t, apptest.Texts(msg), 1)

	msg, res := h.Send(janePeer, "show +42")
	assert.Equal(t, router.OutcomeRecovered, res.Outcome)
	assert.True(t, res.Handled)
	assert.Equal(t, []string{"Case +42 not found."}, apptest.Texts(msg))
}

func TestConcurrentDispatch(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	registerCase(t, h)
	before := len(h.Audit.Entries())

	inputs := []struct {
		peer, text string
		outcome    router.Outcome
	}{
		{janePeer, "show +18", router.OutcomeHandled},
		{janePeer, "show +42", router.OutcomeRecovered},
		{strangerPeer, "gibberish", router.OutcomeUnmatched},
		{strangerPeer, "join me please", router.OutcomeUnmatched},
	}

	const n = 40
	msgs := make([]*router.Message, n)
	results := make([]router.Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := inputs[i%len(inputs)]
			msgs[i] = router.NewMessage("sms", in.peer, in.text)
			results[i], errs[i] = h.Dispatcher.Dispatch(context.Background(), msgs[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		in := inputs[i%len(inputs)]
		require.NoError(t, errs[i], in.text)
		assert.Equal(t, in.outcome, results[i].Outcome, in.text)
		assert.Len(t, msgs[i].Outbox(), 1, in.text)
	}
	assert.Len(t, h.Audit.Entries(), before+n, "one audit entry per message")

	logged, err := h.Store.MessageLog(context.Background(), 2*n)
	require.NoError(t, err)
	assert.Len(t, logged, before+n)
}

func TestNote(t *testing.T) {
	h := start(t)
	rep := joinJane(t, h)
	registerCase(t, h)

	msg, _ := h.Send(janePeer, "note +18 fever since monday")
	assert.Equal(t, []string{"Note added to case +18."}, apptest.Texts(msg))

	h.Send(janePeer, "n +18 fever gone")
	msg, _ = h.Send(janePeer, "show +18")
	assert.Equal(t,
		[]string{"+18 Alive MENSAH, Kofi M/15m Ama - Kumasi Clinic Note: fever gone"},
		apptest.Texts(msg), "show surfaces the latest note")

	c, err := h.Store.CaseByRefID(context.Background(), 18)
	require.NoError(t, err)
	notes, err := h.Store.NotesForCase(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "fever since monday", notes[0].Text)
	assert.Equal(t, rep.ID, notes[0].ReporterID)
}

func TestCancel(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	registerCase(t, h)

	msg, res := h.Send(apptest.StaffPeer, "cancel +18")
	assert.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{"Case +18 cancelled."}, apptest.Texts(msg))

	_, err := h.Store.CaseByRefID(context.Background(), 18)
	assert.ErrorIs(t, err, store.ErrNotFound)

	msg, _ = h.Send(apptest.StaffPeer, "cancel 18")
	assert.Equal(t, []string{"Case +18 not found."}, apptest.Texts(msg))
}

func TestCancel_RefusedWithClinicalReports(t *testing.T) {
	h := start(t)
	rep := joinJane(t, h)
	registerCase(t, h)

	c, err := h.Store.CaseByRefID(context.Background(), 18)
	require.NoError(t, err)
	require.NoError(t, h.Store.AddReport(context.Background(), &store.Report{CaseID: c.ID, ReporterID: rep.ID, Kind: store.ReportMalaria}))

	msg, res := h.Send(apptest.StaffPeer, "cancel +18")
	assert.Equal(t, router.OutcomeRecovered, res.Outcome)
	assert.Equal(t, []string{"Cannot cancel +18: case has malaria reports."}, apptest.Texts(msg))
}

func TestInactive(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	registerCase(t, h)

	msg, res := h.Send(apptest.StaffPeer, "inactive +18 moved to Accra")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{"+18: MENSAH, Kofi M/15m (Ama) has been made inactive"}, apptest.Texts(msg))

	c, err := h.Store.CaseByRefID(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInactive, c.Status)

	msg, _ = h.Send(janePeer, "show +18")
	assert.Equal(t, []string{"+18 Relocated MENSAH, Kofi M/15m Ama - Kumasi Clinic"}, apptest.Texts(msg))
}

func TestTransfer(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	registerCase(t, h)
	h.Send(johnPeer, "join TML Doe John")

	msg, res := h.Send(janePeer, "transfer +18 to @jdoe1")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{
		"Case +18 transferred to @jdoe1 (John Doe - Tamale Clinic).",
		"Case +18 transferred to you from @jdoe (Jane Doe - Kumasi Clinic).",
	}, apptest.Texts(msg))
	assert.Equal(t, johnPeer, msg.Outbox()[1].To)

	john, err := h.Store.ReporterByAlias(context.Background(), "jdoe1")
	require.NoError(t, err)
	c, err := h.Store.CaseByRefID(context.Background(), 18)
	require.NoError(t, err)
	assert.Equal(t, john.ID, c.ReporterID)

	msg, _ = h.Send(janePeer, "transfer 18 nobody")
	assert.Equal(t, []string{"User @nobody is not registered."}, apptest.Texts(msg))
}

func TestDirect(t *testing.T) {
	h := start(t)
	joinJane(t, h)
	h.Send(johnPeer, "join TML Doe John")

	msg, res := h.Send(janePeer, "@JDOE1 please bring the scale")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{"@jdoe> please bring the scale", "Message sent to @jdoe1."}, apptest.Texts(msg))
	assert.Contains(t, h.SentTo(johnPeer), "@jdoe> please bring the scale")

	john, err := h.Store.ReporterByAlias(context.Background(), "jdoe1")
	require.NoError(t, err)
	msg, _ = h.Send(janePeer, "@"+itoa(john.ID)+" by id")
	assert.Equal(t, "@jdoe> by id", apptest.Texts(msg)[0])

	msg, res = h.Send(janePeer, "@ghost hello")
	assert.Equal(t, router.OutcomeRecovered, res.Outcome)
	assert.Equal(t, []string{"User @ghost is not registered."}, apptest.Texts(msg))
}

func TestConfirm(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	msg, res := h.Send(apptest.StaffPeer, "confirm KASANTE")
	require.Equal(t, router.OutcomeHandled, res.Outcome)
	assert.Equal(t, []string{"+233200000001 registered to @kasante (Asante, Kwame) at Tamale Clinic."}, apptest.Texts(msg))

	user, err := h.Store.ResolveIdentity(ctx, apptest.StaffPeer)
	require.NoError(t, err)
	assert.Equal(t, "kasante", user.Username, "confirm switches the active provider")

	msg, _ = h.Send("233200000001", "confirm admin")
	assert.Equal(t, []string{"+233200000001 registered to @admin (Mensah, Ama) at Kumasi Clinic."}, apptest.Texts(msg))

	msg, res = h.Send(apptest.StaffPeer, "confirm nobody")
	assert.Equal(t, router.OutcomeRecovered, res.Outcome)
	assert.Equal(t, []string{"User @nobody is not registered."}, apptest.Texts(msg))

	msg, _ = h.Send(strangerPeer, "confirm admin")
	assert.Equal(t, []string{"User @admin is not registered."}, apptest.Texts(msg), "no provider for this mobile")
}

func TestParseDOB(t *testing.T) {
	for in, want := range map[string]time.Time{
		"010323":   time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		"01032023": time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC),
		"311299":   time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC),
	} {
		got, ok := parseDOB(in)
		if !ok || !got.Equal(want) {
			t.Errorf("parseDOB(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}
	for _, bad := range []string{"", "9999", "320123", "0101202"} {
		if _, ok := parseDOB(bad); ok {
			t.Errorf("parseDOB(%q) should fail", bad)
		}
	}
}
