// Package measles records measles vaccinations and broadcasts per-clinic
// coverage summaries.
package measles

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mctc-health/mctc/pkg/logger"
	"github.com/mctc-health/mctc/pkg/replies"
	"github.com/mctc-health/mctc/pkg/router"
	"github.com/mctc-health/mctc/pkg/store"
)

// DefaultMaxLength bounds one summary message.
const DefaultMaxLength = 140

type App struct {
	repo    store.Repository
	replies router.Renderer
	now     func() time.Time

	// MaxLength bounds each packed summary message.
	MaxLength int
}

func New(repo store.Repository, r router.Renderer) *App {
	return &App{repo: repo, replies: r, now: time.Now, MaxLength: DefaultMaxLength}
}

// Register adds the measles bindings to b.
func (a *App) Register(b *router.Builder) {
	b.Register(router.Binding{
		Name:    "measles",
		Pattern: `measles ?(.*)`,
		Usage:   "measles [+case] [+case] ...",
		Gates:   []router.Gate{router.Registered(a.replies)},
		Handler: a.measles,
	})
	b.Register(router.Binding{
		Name:    "msummary",
		Pattern: `msummary`,
		Usage:   "msummary",
		Handler: a.summary,
	})
}

func (a *App) measles(ctx context.Context, msg *router.Message, args router.Args) (bool, error) {
	tokens := strings.Fields(strings.ReplaceAll(args.String(0), "+", ""))
	if len(tokens) == 0 {
		return false, router.Fail(a.replies.Render("measles_reminder", nil))
	}

	rep := msg.Reporter()
	var found, missing []string
	for _, tok := range tokens {
		c, err := a.caseByToken(ctx, tok)
		if errors.Is(err, store.ErrNotFound) {
			missing = append(missing, tok)
			continue
		}
		if err != nil {
			return false, err
		}
		report := &store.Report{CaseID: c.ID, ReporterID: rep.ID, Kind: store.ReportMeasles, Taken: true}
		if err := a.repo.AddReport(ctx, report); err != nil {
			return false, err
		}
		found = append(found, "+"+strconv.FormatInt(c.RefID, 10))
	}

	if len(found) > 0 {
		msg.Respond(ctx, a.replies.Render("measles_received", replies.Vars{"Cases": strings.Join(found, " ")}))
	}
	if len(missing) > 0 {
		msg.Respond(ctx, a.replies.Render("measles_not_found", replies.Vars{"Tokens": strings.Join(missing, " ")}))
	}
	logger.InfoCF("measles", "Measles shots recorded", map[string]any{
		"reporter_id": rep.ID,
		"recorded":    len(found),
		"unknown":     len(missing),
	})
	return true, nil
}

func (a *App) caseByToken(ctx context.Context, tok string) (*store.Case, error) {
	ref, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return nil, store.ErrNotFound
	}
	return a.repo.CaseByRefID(ctx, ref)
}

// Coverage computes eligible and vaccinated active cases per clinic,
// ordered by clinic name. Clinics without eligible cases are included.
func (a *App) Coverage(ctx context.Context) ([]store.ClinicMeaslesSummary, error) {
	cases, err := a.repo.ListCases(ctx)
	if err != nil {
		return nil, err
	}
	now := a.now()
	byLocation := map[int64]*store.ClinicMeaslesSummary{}
	for i := range cases {
		c := &cases[i]
		if c.Status != store.StatusActive || c.LocationID == 0 {
			continue
		}
		s, ok := byLocation[c.LocationID]
		if !ok {
			l, err := a.repo.LocationByID(ctx, c.LocationID)
			if err != nil {
				return nil, err
			}
			s = &store.ClinicMeaslesSummary{Clinic: l.Name}
			byLocation[c.LocationID] = s
		}
		if !c.EligibleForMeasles(now) {
			continue
		}
		s.Eligible++
		n, err := a.repo.CountReports(ctx, c.ID, store.ReportMeasles)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			s.Vaccinated++
		}
	}

	out := make([]store.ClinicMeaslesSummary, 0, len(byLocation))
	for _, s := range byLocation {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Clinic < out[j].Clinic })
	return out, nil
}

// Pack renders the summary lines into messages, each starting with the
// header and kept below maxLen characters where a single line allows.
func Pack(r router.Renderer, summary []store.ClinicMeaslesSummary, maxLen int) []string {
	header := r.Render("summary_header", nil)
	var out []string
	current := header
	for _, s := range summary {
		item := r.Render("summary_item", replies.Vars{
			"Clinic":     s.Clinic,
			"Vaccinated": s.Vaccinated,
			"Eligible":   s.Eligible,
			"Percentage": s.Percentage(),
		})
		if current != header && len(current)+len(item)+2 >= maxLen {
			out = append(out, current)
			current = header
		}
		current += item
	}
	if current != header {
		out = append(out, current)
	}
	return out
}

func (a *App) summary(ctx context.Context, msg *router.Message, _ router.Args) (bool, error) {
	coverage, err := a.Coverage(ctx)
	if err != nil {
		return false, err
	}
	texts := Pack(a.replies, coverage, a.MaxLength)

	reporters, err := a.repo.ListReporters(ctx)
	if err != nil {
		return false, err
	}
	var peers []string
	for _, rep := range reporters {
		conn, err := a.repo.ConnectionForReporter(ctx, rep.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		peers = append(peers, conn.Identity)
	}

	for _, text := range texts {
		for _, peer := range peers {
			msg.Forward(ctx, peer, text)
		}
	}
	msg.Respond(ctx, a.replies.Render("summary_sent", replies.Vars{"Count": len(peers)}))
	logger.InfoCF("measles", "Measles summary sent", map[string]any{
		"messages":  len(texts),
		"reporters": len(peers),
	})
	return true, nil
}
