// Package mctc implements the case-management SMS commands: reporter
// registration, patient cases, notes, transfers and direct messages.
package mctc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/replies"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store"
)

// DefaultRole is assigned when join names no role.
const DefaultRole = "chw"

// App owns the mctc command handlers.
type App struct {
	repo    store.Repository
	replies router.Renderer
	now     func() time.Time
}

func New(repo store.Repository, r router.Renderer) *App {
	return &App{repo: repo, replies: r, now: time.Now}
}

// Register adds the mctc bindings and their format reminders to b.
func (a *App) Register(b *router.Builder) {
	registered := router.Registered(a.replies)
	authenticated := router.Authenticated(a.replies)

	b.Hint("join", a.replies.Render("join_reminder", nil))
	b.Hint("transfer", a.replies.Render("transfer_reminder", nil))
	b.Hint("new", a.replies.Render("new_reminder", nil))

	b.Register(router.Binding{
		Name:    "join",
		Pattern: `join (\S+) (\S+) (\S+)(?: ([a-z]\w+))?`,
		Usage:   "join [location] [last name] [first name] (role)",
		Handler: a.join,
	})
	b.Register(router.Binding{
		Name:    "confirm",
		Pattern: `confirm (\w+)`,
		Usage:   "confirm [username]",
		Handler: a.confirm,
	})
	b.Register(router.Binding{
		Name:    "direct",
		Pattern: `\@(\w+) (.+)`,
		Usage:   "@[alias] [message]",
		Gates:   []router.Gate{registered},
		Handler: a.direct,
	})
	b.Register(router.Binding{
		Name:    "new",
		Pattern: `new (\S+) (\S+) ([MF]) ([\d\-]+)( \D+)?( \d+)?( z\d+)?`,
		Usage:   "new [last name] [first name] [m/f] [dob ddmmyy] (guardian) (contact)",
		Gates:   []router.Gate{registered},
		Handler: a.newCase,
	})
	b.Register(router.Binding{
		Name:    "cancel",
		Pattern: `cancel \+?(\d+)`,
		Usage:   "cancel [+case]",
		Gates:   []router.Gate{authenticated},
		Handler: a.cancel,
	})
	b.Register(router.Binding{
		Name:    "inactive",
		Pattern: `inactive \+?(\d+)(?: (.+))?`,
		Usage:   "inactive [+case] (reason)",
		Gates:   []router.Gate{authenticated},
		Handler: a.inactive,
	})
	b.Register(router.Binding{
		Name:    "transfer",
		Pattern: `transfer \+?(\d+) (?:to )?\@?(\w+)`,
		Usage:   "transfer [+case] [@alias]",
		Gates:   []router.Gate{registered},
		Handler: a.transfer,
	})
	b.Register(router.Binding{
		Name:    "show",
		Pattern: `s(?:how)? \+?(\d+)`,
		Usage:   "show [+case]",
		Gates:   []router.Gate{registered},
		Handler: a.show,
	})
	b.Register(router.Binding{
		Name:    "note",
		Pattern: `n(?:ote)? \+(\d+) (.+)`,
		Usage:   "note [+case] [text]",
		Gates:   []router.Gate{registered},
		Handler: a.note,
	})
}

func (a *App) render(key string, vars replies.Vars) string {
	return a.replies.Render(key, vars)
}

func (a *App) join(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	locationCode, lastName, firstName := args.String(0), args.String(1), args.String(2)
	roleCode, ok := args.Get(3)
	if !ok || roleCode == "" {
		roleCode = DefaultRole
	}

	conn := msg.Connection()
	if conn == nil {
		return false, errors.New("join: message has no connection")
	}

	base, first, last := ParseName(firstName + " " + lastName)
	rep := msg.Reporter()
	keep := ""
	if rep == nil {
		rep = &store.Reporter{}
	} else {
		copied := *rep
		rep = &copied
		keep = rep.Alias
	}
	alias, err := uniqueAlias(ctx, a.repo, base, keep)
	if err != nil {
		return false, router.FailWrap(a.render("join_error", nil), err)
	}
	rep.Alias, rep.FirstName, rep.LastName = alias, first, last
	if err := a.repo.SaveReporter(ctx, rep); err != nil {
		return false, router.FailWrap(a.render("join_error", nil), err)
	}
	conn.ReporterID = rep.ID
	if err := a.repo.SaveConnection(ctx, conn); err != nil {
		return false, router.FailWrap(a.render("join_error", nil), err)
	}
	msg.AttachReporter(rep)

	location, err := a.repo.LocationByCode(ctx, locationCode)
	if errors.Is(err, store.ErrNotFound) {
		msg.Forward(ctx, conn.Identity, a.render("join_bad_location", replies.Vars{"Code": locationCode}))
		return true, nil
	}
	if err != nil {
		return false, err
	}
	role, err := a.repo.RoleByCode(ctx, roleCode)
	if errors.Is(err, store.ErrNotFound) {
		msg.Forward(ctx, conn.Identity, a.render("join_bad_role", replies.Vars{"Code": roleCode}))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	rep.LocationID = location.ID
	rep.RoleID = role.ID
	rep.RegisteredSelf = true
	if err := a.repo.SaveReporter(ctx, rep); err != nil {
		return false, router.FailWrap(a.render("join_error", nil), err)
	}

	vars := replies.Vars{
		"Role":     role.Name,
		"Location": location.Name,
		"Alias":    rep.Alias,
		"Reporter": rep.FullName(),
	}
	msg.Forward(ctx, conn.Identity, a.render("join_success", vars))
	if conn.Identity != msg.Peer {
		msg.Respond(ctx, a.render("join_success_admin", vars))
	}
	logger.InfoCF("mctc", "Reporter joined", map[string]any{
		"reporter_id": rep.ID,
		"alias":       rep.Alias,
		"location":    location.Code,
		"role":        role.Code,
	})
	return true, nil
}

func (a *App) confirm(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	username := args.String(0)
	user, err := a.repo.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return false, a.notRegistered(username)
	}
	if err != nil {
		return false, err
	}

	providers, err := a.repo.ProvidersByMobile(ctx, msg.Mobile())
	if err != nil {
		return false, err
	}
	var mine *store.Provider
	for i := range providers {
		p := &providers[i]
		p.Active = p.UserID == user.ID
		if err := a.repo.SaveProvider(ctx, p); err != nil {
			return false, err
		}
		if p.Active {
			mine = p
		}
	}
	if mine == nil {
		return false, a.notRegistered(username)
	}

	location := ""
	if mine.ClinicID != 0 {
		if l, err := a.repo.LocationByID(ctx, mine.ClinicID); err == nil {
			location = l.Name
		} else if !errors.Is(err, store.ErrNotFound) {
			return false, err
		}
	}
	msg.Respond(ctx, a.render("confirm_success", replies.Vars{
		"Mobile":    mine.Mobile,
		"Username":  user.Username,
		"LastName":  user.LastName,
		"FirstName": user.FirstName,
		"Location":  location,
	}))
	logger.InfoCF("mctc", "Provider confirmed", map[string]any{
		"user":   user.Username,
		"mobile": mine.Mobile,
	})
	return true, nil
}

var digitsOnly = regexp.MustCompile(`^\d+$`)

// findReporter resolves an @target by numeric id or alias.
func (a *App) findReporter(ctx context.Context, target string) (*store.Reporter, error) {
	var (
		rep *store.Reporter
		err error
	)
	if digitsOnly.MatchString(target) {
		id, perr := strconv.ParseInt(target, 10, 64)
		if perr != nil {
			return nil, a.notRegistered(target)
		}
		rep, err = a.repo.ReporterByID(ctx, id)
	} else {
		rep, err = a.repo.ReporterByAlias(ctx, target)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, a.notRegistered(target)
	}
	return rep, err
}

func (a *App) notRegistered(target string) error {
	return router.Fail(a.render("user_not_registered", replies.Vars{"Target": target}))
}

func (a *App) direct(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	target, text := args.String(0), args.String(1)
	rep, err := a.findReporter(ctx, target)
	if err != nil {
		return false, err
	}
	conn, err := a.repo.ConnectionForReporter(ctx, rep.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, a.notRegistered(target)
	}
	if err != nil {
		return false, err
	}

	sender := msg.Reporter().Alias
	if u := msg.Sender(); u != nil {
		sender = u.Username
	}
	msg.Forward(ctx, conn.Identity, a.render("direct_message", replies.Vars{"Sender": sender, "Text": text}))
	msg.Respond(ctx, a.render("direct_sent", replies.Vars{"Target": rep.Alias}))
	return true, nil
}

// parseDOB reads day-month-year digits as DDMMYY, then DDMMYYYY.
func parseDOB(digits string) (time.Time, bool) {
	for _, layout := range []string{"020106", "02012006"} {
		if t, err := time.Parse(layout, digits); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

var nonDigit = regexp.MustCompile(`\D`)

func (a *App) newCase(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	rep := msg.Reporter()
	last := title(args.String(0))
	first := title(args.String(1))
	gender := strings.ToUpper(args.String(2))[:1]

	digits := nonDigit.ReplaceAllString(args.String(3), "")
	dob, ok := parseDOB(digits)
	if !ok {
		return false, router.Fail(a.render("bad_date", replies.Vars{"DOB": digits}))
	}
	guardian := strings.TrimSpace(args.String(4))
	if guardian != "" {
		guardian = title(guardian)
	}
	contact := strings.TrimSpace(args.String(5))

	existing, err := a.repo.FindDuplicateCase(ctx, first, last, rep.ID, dob)
	switch {
	case err == nil:
		msg.Respond(ctx, a.render("case_exists", replies.Vars{
			"LastName":  existing.LastName,
			"FirstName": existing.FirstName,
			"RefID":     existing.RefID,
			"Reporter":  rep.FullName(),
		}))
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, err
	}

	c := &store.Case{
		FirstName:  first,
		LastName:   last,
		Gender:     gender,
		DOB:        dob,
		Guardian:   guardian,
		Mobile:     contact,
		ReporterID: rep.ID,
		LocationID: rep.LocationID,
		Status:     store.StatusActive,
	}
	if err := a.repo.CreateCase(ctx, c); err != nil {
		return false, fmt.Errorf("create case: %w", err)
	}

	vars, err := a.caseVars(ctx, c)
	if err != nil {
		return false, err
	}
	msg.Respond(ctx, a.render("case_created", vars))
	logger.InfoCF("mctc", "Case registered", map[string]any{
		"ref_id":      c.RefID,
		"reporter_id": rep.ID,
	})
	return true, nil
}

// findCase loads a case by its public reference.
func (a *App) findCase(ctx context.Context, ref string) (*store.Case, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, router.Fail(a.render("case_not_found", replies.Vars{"RefID": ref}))
	}
	c, err := a.repo.CaseByRefID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, router.Fail(a.render("case_not_found", replies.Vars{"RefID": ref}))
	}
	return c, err
}

func (a *App) caseVars(ctx context.Context, c *store.Case) (replies.Vars, error) {
	location := ""
	if c.LocationID != 0 {
		l, err := a.repo.LocationByID(ctx, c.LocationID)
		switch {
		case err == nil:
			location = l.Name
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	return replies.Vars{
		"RefID":     c.RefID,
		"Status":    c.StatusLabel(),
		"LastName":  strings.ToUpper(c.LastName),
		"FirstName": c.FirstName,
		"Gender":    c.Gender,
		"Age":       c.Age(a.now()),
		"Guardian":  c.Guardian,
		"Location":  location,
	}, nil
}

var blockingReports = []store.ReportKind{
	store.ReportMalnutrition,
	store.ReportMalaria,
	store.ReportDiagnosis,
}

func (a *App) cancel(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	c, err := a.findCase(ctx, args.String(0))
	if err != nil {
		return false, err
	}
	for _, kind := range blockingReports {
		n, err := a.repo.CountReports(ctx, c.ID, kind)
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, router.Fail(a.render("case_cancel_refused", replies.Vars{"RefID": c.RefID, "Kind": string(kind)}))
		}
	}
	if err := a.repo.DeleteCase(ctx, c.ID); err != nil {
		return false, err
	}
	msg.Respond(ctx, a.render("case_cancelled", replies.Vars{"RefID": c.RefID}))
	return true, nil
}

func (a *App) inactive(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	c, err := a.findCase(ctx, args.String(0))
	if err != nil {
		return false, err
	}
	c.Status = store.StatusInactive
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return false, err
	}
	if reason, ok := args.Get(1); ok && strings.TrimSpace(reason) != "" {
		if rep := msg.Reporter(); rep != nil {
			if err := a.repo.AddNote(ctx, &store.CaseNote{CaseID: c.ID, ReporterID: rep.ID, Text: strings.TrimSpace(reason)}); err != nil {
				return false, err
			}
		}
	}

	vars, err := a.caseVars(ctx, c)
	if err != nil {
		return false, err
	}
	msg.Respond(ctx, a.render("case_inactive", vars))
	return true, nil
}

func (a *App) transfer(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	c, err := a.findCase(ctx, args.String(0))
	if err != nil {
		return false, err
	}
	target, err := a.findReporter(ctx, args.String(1))
	if err != nil {
		return false, err
	}
	c.ReporterID = target.ID
	if err := a.repo.UpdateCase(ctx, c); err != nil {
		return false, err
	}

	targetLocation, err := a.locationName(ctx, target.LocationID)
	if err != nil {
		return false, err
	}
	msg.Respond(ctx, a.render("case_transferred", replies.Vars{
		"RefID":    c.RefID,
		"Alias":    target.Alias,
		"Name":     target.FullName(),
		"Location": targetLocation,
	}))

	conn, err := a.repo.ConnectionForReporter(ctx, target.ID)
	if errors.Is(err, store.ErrNotFound) {
		logger.WarnCF("mctc", "Transfer target has no connection", map[string]any{"alias": target.Alias})
		return true, nil
	}
	if err != nil {
		return false, err
	}
	sender := msg.Reporter()
	senderLocation, err := a.locationName(ctx, sender.LocationID)
	if err != nil {
		return false, err
	}
	msg.Forward(ctx, conn.Identity, a.render("case_transferred_to_you", replies.Vars{
		"RefID":    c.RefID,
		"Alias":    sender.Alias,
		"Name":     sender.FullName(),
		"Location": senderLocation,
	}))
	return true, nil
}

func (a *App) locationName(ctx context.Context, id int64) (string, error) {
	if id == 0 {
		return "", nil
	}
	l, err := a.repo.LocationByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return l.Name, nil
}

func (a *App) show(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	c, err := a.findCase(ctx, args.String(0))
	if err != nil {
		return false, err
	}
	vars, err := a.caseVars(ctx, c)
	if err != nil {
		return false, err
	}
	notes, err := a.repo.NotesForCase(ctx, c.ID)
	if err != nil {
		return false, err
	}
	if len(notes) > 0 {
		vars["Note"] = notes[len(notes)-1].Text
	}
	msg.Respond(ctx, a.render("case_show", vars))
	return true, nil
}

func (a *App) note(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	c, err := a.findCase(ctx, args.String(0))
	if err != nil {
		return false, err
	}
	n := &store.CaseNote{CaseID: c.ID, ReporterID: msg.Reporter().ID, Text: args.String(1)}
	if err := a.repo.AddNote(ctx, n); err != nil {
		return false, err
	}
	msg.Respond(ctx, a.render("note_added", replies.Vars{"RefID": c.RefID}))
	return true, nil
}
