// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search fans a wanted title out to every eligible release source,
// evaluates the merged results and ranks the decisions.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/metrics"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/release"
)

// ErrAllSourcesFailed is returned when every queried source failed and nothing,
// not even a pending hold, is available for the title.
var ErrAllSourcesFailed = errors.New("all release sources failed")

const (
	defaultMaxConcurrency   = 4
	defaultPerSourceTimeout = 30 * time.Second
)

type SourceProvider interface {
	Sources(ctx context.Context) ([]release.Source, error)
}

type LastSearchWriter interface {
	UpdateLastSearchTime(ctx context.Context, id int64, at time.Time) error
}

type Config struct {
	MaxConcurrency   int
	PerSourceTimeout time.Duration
	CacheTTL         time.Duration
}

type DiagnosticKind string

const (
	DiagnosticSkipped DiagnosticKind = "skipped"
	DiagnosticFailed  DiagnosticKind = "failed"
	DiagnosticTimeout DiagnosticKind = "timeout"
	DiagnosticPartial DiagnosticKind = "partial"
)

// Diagnostic explains why a source contributed nothing, or less than expected.
type Diagnostic struct {
	SourceID int64          `json:"sourceId"`
	Source   string         `json:"source"`
	Kind     DiagnosticKind `json:"kind"`
	Message  string         `json:"message"`
}

// Result is the ranked outcome of one dispatch.
type Result struct {
	GameID         int64                `json:"gameId"`
	Decisions      []*decision.Decision `json:"decisions"`
	Diagnostics    []Diagnostic         `json:"diagnostics,omitempty"`
	SourcesQueried int                  `json:"sourcesQueried"`
	SourcesFailed  int                  `json:"sourcesFailed"`
}

// Approved returns the approved decisions in rank order.
func (r *Result) Approved() []*decision.Decision {
	var out []*decision.Decision
	for _, d := range r.Decisions {
		if d.Approved() {
			out = append(out, d)
		}
	}
	return out
}

// Temporary returns the temporarily rejected decisions in rank order.
func (r *Result) Temporary() []*decision.Decision {
	var out []*decision.Decision
	for _, d := range r.Decisions {
		if d.TemporarilyRejected() {
			out = append(out, d)
		}
	}
	return out
}

type Dispatcher struct {
	sources  SourceProvider
	games    LastSearchWriter
	eval     *Evaluator
	pipeline *decision.DownloadPipeline
	cache    *CandidateCache
	metrics  *metrics.Manager
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

func NewDispatcher(sources SourceProvider, games LastSearchWriter, eval *Evaluator, m *metrics.Manager, cfg Config) *Dispatcher {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.PerSourceTimeout <= 0 {
		cfg.PerSourceTimeout = defaultPerSourceTimeout
	}
	return &Dispatcher{
		sources:  sources,
		games:    games,
		eval:     eval,
		pipeline: decision.NewDownloadPipeline(),
		cache:    NewCandidateCache(cfg.CacheTTL),
		metrics:  m,
		cfg:      cfg,
		log:      log.With().Str("module", "search").Logger(),
		now:      time.Now,
	}
}

func (d *Dispatcher) Cache() *CandidateCache { return d.cache }

func (d *Dispatcher) Pipeline() *decision.DownloadPipeline { return d.pipeline }

type sourceOutcome struct {
	info     release.SourceInfo
	releases []release.Info
	err      error
	partial  error
	timedOut bool
}

// Search queries every eligible source for game. Cancelling ctx cancels every
// in-flight source call.
func (d *Dispatcher) Search(ctx context.Context, game *models.Game, userInvoked, interactive bool) (*Result, error) {
	started := d.now()
	trigger := "automatic"
	if userInvoked {
		trigger = "manual"
	}

	sctx, err := d.eval.Context(ctx, game, userInvoked, interactive)
	if err != nil {
		return nil, err
	}

	all, err := d.sources.Sources(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load release sources")
	}

	result := &Result{GameID: game.ID}
	var eligible []release.Source
	for _, src := range all {
		info := src.Info()
		switch {
		case !info.CompatibleWith(game.Tags):
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				SourceID: info.ID, Source: info.Name, Kind: DiagnosticSkipped,
				Message: fmt.Sprintf("restricted to tags %v", info.Tags),
			})
		case info.CooldownUntil.After(started):
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				SourceID: info.ID, Source: info.Name, Kind: DiagnosticSkipped,
				Message: "rate limited until " + info.CooldownUntil.Format(time.RFC3339),
			})
		default:
			eligible = append(eligible, src)
		}
	}

	outcomes := d.dispatch(ctx, game, eligible)
	result.SourcesQueried = len(outcomes)

	var releases []release.Info
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			result.SourcesFailed++
			kind := DiagnosticFailed
			if o.timedOut {
				kind = DiagnosticTimeout
			}
			d.metrics.SourceFailed(o.info.Name, string(kind))
			d.log.Warn().Err(o.err).Str("source", o.info.Name).Int64("gameId", game.ID).Msg("source search failed")
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				SourceID: o.info.ID, Source: o.info.Name, Kind: kind, Message: o.err.Error(),
			})
		case o.partial != nil:
			d.log.Info().Str("source", o.info.Name).Int64("gameId", game.ID).Str("reason", o.partial.Error()).Msg("source search partially failed")
			result.Diagnostics = append(result.Diagnostics, Diagnostic{
				SourceID: o.info.ID, Source: o.info.Name, Kind: DiagnosticPartial, Message: o.partial.Error(),
			})
		}
		releases = append(releases, o.releases...)
	}

	if result.SourcesQueried > 0 {
		if err := d.games.UpdateLastSearchTime(ctx, game.ID, d.now()); err != nil {
			d.log.Error().Err(err).Int64("gameId", game.ID).Msg("failed to record last search time")
		}
	}

	result.Decisions = d.evaluate(game, sctx, releases, interactive)
	Rank(result.Decisions)

	for _, dec := range result.Decisions {
		d.metrics.Decision(string(dec.Status()))
	}

	if result.SourcesQueried > 0 && result.SourcesFailed == result.SourcesQueried && len(result.Decisions) == 0 {
		held := 0
		if d.eval.pending != nil {
			if held, err = d.eval.pending.CountForGame(ctx, game.ID); err != nil {
				d.log.Warn().Err(err).Int64("gameId", game.ID).Msg("failed to count pending releases")
			}
		}
		if held == 0 {
			d.metrics.ObserveSearch(trigger, "failed", d.now().Sub(started))
			return result, ErrAllSourcesFailed
		}
	}

	d.metrics.ObserveSearch(trigger, "ok", d.now().Sub(started))
	d.log.Debug().
		Int64("gameId", game.ID).
		Int("sources", result.SourcesQueried).
		Int("failed", result.SourcesFailed).
		Int("decisions", len(result.Decisions)).
		Dur("elapsed", d.now().Sub(started)).
		Msg("search completed")
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, game *models.Game, sources []release.Source) []sourceOutcome {
	outcomes := make([]sourceOutcome, len(sources))

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, src := range sources {
		g.Go(func() error {
			outcomes[i] = d.searchSource(ctx, game, src)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// searchSource runs the tiers of one source under its own timeout. Panics are
// absorbed into the outcome.
func (d *Dispatcher) searchSource(ctx context.Context, game *models.Game, src release.Source) (out sourceOutcome) {
	out.info = src.Info()

	srcCtx, cancel := context.WithTimeout(ctx, d.cfg.PerSourceTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			out.releases = nil
			out.err = errors.Errorf("source panicked: %v", r)
		}
		if out.err != nil && errors.Is(srcCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			out.timedOut = true
		}
	}()

	var idErr, tierErr error
	if q, ok := identifierQuery(out.info, game); ok {
		releases, err := src.Fetch(srcCtx, q)
		if err == nil && len(releases) > 0 {
			out.releases = releases
			return out
		}
		idErr, tierErr = err, err
	}

	var failures []string
	terms := TextTerms(game)
	for _, term := range terms {
		releases, err := src.Fetch(srcCtx, release.Query{Kind: release.QueryText, Term: term})
		if err != nil {
			failures = append(failures, err.Error())
			tierErr = err
			if srcCtx.Err() != nil {
				break
			}
			continue
		}
		out.releases = append(out.releases, releases...)
	}

	switch {
	case len(out.releases) == 0 && len(failures) > 0:
		out.err = tierErr
	case len(terms) == 0 && idErr != nil:
		out.err = idErr
	default:
		var parts []string
		if idErr != nil {
			parts = append(parts, "identifier query failed: "+idErr.Error())
		}
		if len(failures) > 0 {
			parts = append(parts, fmt.Sprintf("%d of %d text queries failed: %s", len(failures), len(terms), strings.Join(failures, "; ")))
		}
		if len(parts) > 0 {
			out.partial = errors.New(strings.Join(parts, "; "))
		}
	}
	return out
}

func identifierQuery(info release.SourceInfo, game *models.Game) (release.Query, bool) {
	if !info.SupportsIDSearch || (game.SteamAppID <= 0 && game.IGDBID <= 0) {
		return release.Query{}, false
	}
	return release.Query{
		Kind:       release.QueryIdentifier,
		SteamAppID: game.SteamAppID,
		IGDBID:     game.IGDBID,
	}, true
}

// TextTerms returns every known title, each with and without a trailing version
// suffix, deduplicated on the normalized form.
func TextTerms(game *models.Game) []string {
	var terms []string
	seen := make(map[string]struct{})
	add := func(term string) {
		term = strings.TrimSpace(term)
		key := parser.NormalizeTitle(term)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		terms = append(terms, term)
	}
	for _, title := range game.Titles() {
		add(title)
		if stripped, ok := parser.StripVersionSuffix(title); ok {
			add(stripped)
		}
	}
	return terms
}

// evaluate runs the pipeline over every release, keeps one decision per guid
// and caches the survivors for interactive grabs.
func (d *Dispatcher) evaluate(game *models.Game, sctx *decision.SearchContext, releases []release.Info, interactive bool) []*decision.Decision {
	byGUID := make(map[string]*decision.Decision, len(releases))
	order := make([]string, 0, len(releases))

	for _, info := range releases {
		c := d.eval.Candidate(info, game, sctx.Target.Profile)

		var dec *decision.Decision
		if interactive {
			dec = d.pipeline.EvaluateAll(c, sctx)
		} else {
			dec = d.pipeline.Evaluate(c, sctx)
		}

		key := info.GUID
		if key == "" {
			key = info.Key() + info.Title
		}
		existing, ok := byGUID[key]
		if !ok {
			byGUID[key] = dec
			order = append(order, key)
			continue
		}
		if preferDuplicate(dec, existing) {
			byGUID[key] = dec
		}
	}

	cachedAt := d.now()
	out := make([]*decision.Decision, 0, len(order))
	for _, key := range order {
		dec := byGUID[key]
		d.cache.Set(dec.Candidate.Release.Key(), CachedCandidate{GameID: game.ID, Candidate: dec.Candidate, CachedAt: cachedAt}, 0)
		out = append(out, dec)
	}
	return out
}

// preferDuplicate keeps the entry with fewer rejections, then the more preferred source.
func preferDuplicate(candidate, existing *decision.Decision) bool {
	if len(candidate.Rejections) != len(existing.Rejections) {
		return len(candidate.Rejections) < len(existing.Rejections)
	}
	return candidate.Candidate.Release.SourcePriority < existing.Candidate.Release.SourcePriority
}

// Rank orders decisions in place: fewest rejections, highest quality tier,
// highest revision, highest format score, most preferred source, newest, then
// guid and title for a total order.
func Rank(decisions []*decision.Decision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		return less(decisions[i], decisions[j])
	})
}

func less(a, b *decision.Decision) bool {
	if len(a.Rejections) != len(b.Rejections) {
		return len(a.Rejections) < len(b.Rejections)
	}
	pa, pb := a.Priority, b.Priority
	if pa.QualityIndex != pb.QualityIndex {
		return pa.QualityIndex > pb.QualityIndex
	}
	if c := pa.Revision.Compare(pb.Revision); c != 0 {
		return c > 0
	}
	if pa.FormatScore != pb.FormatScore {
		return pa.FormatScore > pb.FormatScore
	}
	if pa.SourcePriority != pb.SourcePriority {
		return pa.SourcePriority < pb.SourcePriority
	}
	if !pa.PublishDate.Equal(pb.PublishDate) {
		return pa.PublishDate.After(pb.PublishDate)
	}
	ra, rb := a.Candidate.Release, b.Candidate.Release
	if ra.GUID != rb.GUID {
		return ra.GUID < rb.GUID
	}
	return ra.Title < rb.Title
}
