// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package acquisition runs the commands that search for, hold and grab releases.
package acquisition

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/events"
	"github.com/autobrr/gamarr/internal/metrics"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
	"github.com/autobrr/gamarr/internal/services/search"
	"github.com/autobrr/gamarr/internal/services/tracking"
)

var (
	ErrReleaseNotCached = errors.New("release is no longer cached, search again")
	ErrNotApproved      = errors.New("release was not approved for an automatic grab")
)

const (
	defaultPendingInterval = 5 * time.Minute
	defaultMissingInterval = 6 * time.Hour
	defaultCapsInterval    = 24 * time.Hour
	defaultGrabAttempts    = 3
	defaultGrabDelay       = 2 * time.Second
)

type Config struct {
	PendingInterval time.Duration
	// MissingInterval of zero keeps the periodic missing search off.
	MissingInterval time.Duration
	CapsInterval    time.Duration
	GrabAttempts    uint
	GrabDelay       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingInterval: defaultPendingInterval,
		MissingInterval: defaultMissingInterval,
		CapsInterval:    defaultCapsInterval,
		GrabAttempts:    defaultGrabAttempts,
		GrabDelay:       defaultGrabDelay,
	}
}

type Searcher interface {
	Search(ctx context.Context, game *models.Game, userInvoked, interactive bool) (*search.Result, error)
	Cache() *search.CandidateCache
}

type GameStore interface {
	Get(ctx context.Context, id int64) (*models.Game, error)
	ListMissing(ctx context.Context) ([]*models.Game, error)
	ListWithFiles(ctx context.Context) ([]*models.Game, error)
}

type ProfileReader interface {
	Get(ctx context.Context, id int64) (*quality.Profile, error)
}

type Pending interface {
	Add(ctx context.Context, d *decision.Decision, reason models.PendingReason) (bool, error)
	RemoveGrabbed(ctx context.Context, d *decision.Decision) (int, error)
	Reprocess(ctx context.Context) ([]*decision.Decision, error)
	List(ctx context.Context) ([]*models.PendingRelease, error)
}

type GrabHistory interface {
	RecordGrabbed(ctx context.Context, e models.HistoryEntry) (*models.HistoryEntry, error)
}

type Tracker interface {
	Register(g tracking.Grab)
	Items() []tracking.TrackedDownload
}

type CapsSyncer interface {
	SyncCaps(ctx context.Context) error
}

// ContextBuilder rebuilds the search context of a held release for its eta.
type ContextBuilder interface {
	ContextFor(ctx context.Context, gameID int64, userInvoked bool) (*models.Game, *decision.SearchContext, error)
}

type Deps struct {
	Searcher Searcher
	Games    GameStore
	Profiles ProfileReader
	Pending  Pending
	History  GrabHistory
	Tracker  Tracker
	Clients  downloadclient.Provider
	Caps     CapsSyncer
	Contexts ContextBuilder
	Bus      *events.Bus
	Metrics  *metrics.Manager
}

type Service struct {
	cfg Config
	Deps
	log zerolog.Logger

	ctxMu   sync.RWMutex
	baseCtx context.Context

	cmdMu   sync.Mutex
	running map[string]bool

	now   func() time.Time
	spawn func(func())
}

func NewService(cfg Config, deps Deps) *Service {
	def := DefaultConfig()
	if cfg.PendingInterval <= 0 {
		cfg.PendingInterval = def.PendingInterval
	}
	if cfg.CapsInterval <= 0 {
		cfg.CapsInterval = def.CapsInterval
	}
	if cfg.GrabAttempts == 0 {
		cfg.GrabAttempts = def.GrabAttempts
	}
	if cfg.GrabDelay <= 0 {
		cfg.GrabDelay = def.GrabDelay
	}
	svc := &Service{
		cfg:     cfg,
		Deps:    deps,
		log:     log.With().Str("module", "acquisition").Logger(),
		running: make(map[string]bool),
	}
	svc.now = time.Now
	svc.spawn = func(fn func()) { go fn() }
	return svc
}

// Start runs the periodic commands on ctx until it ends.
func (s *Service) Start(ctx context.Context) {
	s.setBaseContext(ctx)
	s.every(ctx, "ProcessPending", s.cfg.PendingInterval, func(ctx context.Context) error {
		_, err := s.ProcessPending(ctx)
		return err
	})
	if s.cfg.MissingInterval > 0 {
		s.every(ctx, "SearchMissing", s.cfg.MissingInterval, func(ctx context.Context) error {
			_, err := s.SearchMissing(ctx)
			return err
		})
	}
	if s.Caps != nil {
		s.every(ctx, "SyncCaps", s.cfg.CapsInterval, s.Caps.SyncCaps)
	}
}

func (s *Service) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCommand(ctx, name, fn)
			}
		}
	}()
}

// RunInBackground starts a named command on the base context and reports
// false when the same command is already running.
func (s *Service) RunInBackground(name string, fn func(context.Context) error) bool {
	s.cmdMu.Lock()
	if s.running[name] {
		s.cmdMu.Unlock()
		return false
	}
	s.running[name] = true
	s.cmdMu.Unlock()

	s.spawn(func() {
		defer s.finishCommand(name)
		ctx := s.baseContext()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Str("command", name).Msg("background command failed")
		}
	})
	return true
}

func (s *Service) runCommand(ctx context.Context, name string, fn func(context.Context) error) {
	s.cmdMu.Lock()
	if s.running[name] {
		s.cmdMu.Unlock()
		s.log.Debug().Str("command", name).Msg("command still running, skipping tick")
		return
	}
	s.running[name] = true
	s.cmdMu.Unlock()
	defer s.finishCommand(name)

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Str("command", name).Msg("scheduled command failed")
	}
}

func (s *Service) finishCommand(name string) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	delete(s.running, name)
}

// SearchReport summarises one title search.
type SearchReport struct {
	GameID      int64               `json:"gameId"`
	Grabbed     *GrabResult         `json:"grabbed,omitempty"`
	Held        int                 `json:"held"`
	Approved    int                 `json:"approved"`
	Rejected    int                 `json:"rejected"`
	Diagnostics []search.Diagnostic `json:"diagnostics,omitempty"`
}

// SearchTitle searches one game and acts on the outcome: temporarily rejected
// releases are held, then the best approved release is grabbed.
func (s *Service) SearchTitle(ctx context.Context, gameID int64, userInvoked bool) (*SearchReport, error) {
	game, err := s.Games.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	result, err := s.Searcher.Search(ctx, game, userInvoked, false)
	if result == nil {
		return nil, err
	}
	report := &SearchReport{GameID: game.ID, Diagnostics: result.Diagnostics}
	if err != nil {
		return report, err
	}
	return report, s.processDecisions(ctx, report, result.Decisions, !userInvoked)
}

// SearchInteractive searches without acting so a user can pick a release.
func (s *Service) SearchInteractive(ctx context.Context, gameID int64) (*search.Result, error) {
	game, err := s.Games.Get(ctx, gameID)
	if err != nil {
		return nil, err
	}
	return s.Searcher.Search(ctx, game, true, true)
}

func (s *Service) processDecisions(ctx context.Context, report *SearchReport, decisions []*decision.Decision, automatic bool) error {
	var approved []*decision.Decision
	for _, d := range decisions {
		switch d.Status() {
		case decision.StatusApproved:
			report.Approved++
			approved = append(approved, d)
		case decision.StatusTemporarilyRejected:
			added, err := s.Pending.Add(ctx, d, models.PendingDelay)
			if err != nil {
				return errors.Wrap(err, "failed to hold release")
			}
			if added {
				report.Held++
			}
		default:
			report.Rejected++
		}
	}

	var lastErr error
	for _, d := range approved {
		grabbed, err := s.Grab(ctx, d, automatic)
		if err == nil {
			report.Grabbed = grabbed
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if errors.Is(err, downloadclient.ErrUnavailable) {
			// the remaining releases would hit the same clients
			if automatic {
				report.Held++
			}
			break
		}
	}
	if lastErr != nil && !automatic {
		return lastErr
	}
	return nil
}

// GrabResult describes a release handed to a download client.
type GrabResult struct {
	GameID     int64  `json:"gameId"`
	Title      string `json:"title"`
	ClientID   int64  `json:"clientId"`
	ClientName string `json:"clientName"`
	DownloadID string `json:"downloadId"`
}

// Grab sends d to the first download client for its protocol. Automatic grabs
// require an approved decision; an unavailable client turns them into a
// pending hold. A failed grab leaves nothing tracked behind.
func (s *Service) Grab(ctx context.Context, d *decision.Decision, automatic bool) (*GrabResult, error) {
	if automatic && !d.Approved() {
		return nil, ErrNotApproved
	}
	c := d.Candidate

	result, err := s.download(ctx, c)
	if err != nil {
		s.Metrics.Grab("failed")
		if automatic && errors.Is(err, downloadclient.ErrUnavailable) {
			if _, holdErr := s.Pending.Add(ctx, d, models.PendingDownloadClientUnavailable); holdErr != nil {
				s.log.Error().Err(holdErr).Str("release", c.Release.Title).Msg("failed to hold release for unavailable client")
			} else {
				s.Metrics.Grab("held")
			}
		}
		s.log.Warn().Err(err).Str("release", c.Release.Title).Int64("gameId", d.GameID).Msg("grab failed")
		return nil, err
	}
	result.GameID = d.GameID
	result.Title = c.Release.Title

	game, gameErr := s.Games.Get(ctx, d.GameID)
	gameTitle := ""
	if gameErr == nil {
		gameTitle = game.Title
	}

	_, err = s.History.RecordGrabbed(ctx, models.HistoryEntry{
		GameID:         d.GameID,
		DownloadID:     result.DownloadID,
		SourceTitle:    c.Release.Title,
		Indexer:        c.Release.SourceName,
		DownloadClient: result.ClientName,
		Quality:        c.Quality(),
		Data: map[string]string{
			"guid":        c.Release.GUID,
			"indexerId":   strconv.FormatInt(c.Release.SourceID, 10),
			"protocol":    string(c.Release.Protocol),
			"downloadUrl": c.Release.DownloadURL,
			"size":        strconv.FormatInt(c.Release.Size, 10),
			"publishDate": c.Release.PublishDate.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.log.Error().Err(err).Str("release", c.Release.Title).Msg("failed to record grab history")
	}

	if _, err := s.Pending.RemoveGrabbed(ctx, d); err != nil {
		s.log.Error().Err(err).Int64("gameId", d.GameID).Msg("failed to clear pending releases after grab")
	}

	s.Tracker.Register(tracking.Grab{
		ClientID:   result.ClientID,
		ClientName: result.ClientName,
		DownloadID: result.DownloadID,
		GameID:     d.GameID,
		GameTitle:  gameTitle,
		Candidate:  c,
	})

	s.Metrics.Grab("ok")
	s.Bus.Publish(events.Event{
		Type:       events.TypeGrabbed,
		GameID:     d.GameID,
		DownloadID: result.DownloadID,
		Title:      c.Release.Title,
		Data: map[string]string{
			"indexer": c.Release.SourceName,
			"client":  result.ClientName,
			"quality": string(c.Quality().Quality),
		},
	})
	s.log.Info().
		Int64("gameId", d.GameID).
		Str("release", c.Release.Title).
		Str("client", result.ClientName).
		Str("downloadId", result.DownloadID).
		Msg("release grabbed")
	return result, nil
}

// download tries each client for the protocol in order, retrying the ones that
// report themselves unavailable.
func (s *Service) download(ctx context.Context, c *decision.Candidate) (*GrabResult, error) {
	clients, err := downloadclient.ForProtocol(ctx, s.Clients, c.Release.Protocol)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, client := range clients {
		var downloadID string
		err := retry.Do(
			func() error {
				id, err := client.Download(ctx, c)
				if err != nil {
					return err
				}
				downloadID = id
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(s.cfg.GrabAttempts),
			retry.Delay(s.cfg.GrabDelay),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return errors.Is(err, downloadclient.ErrUnavailable)
			}),
			retry.OnRetry(func(n uint, err error) {
				s.log.Debug().Err(err).Uint("attempt", n+1).Str("client", client.Name()).Msg("retrying grab")
			}),
		)
		if err == nil {
			return &GrabResult{ClientID: client.ID(), ClientName: client.Name(), DownloadID: downloadID}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if !errors.Is(err, downloadclient.ErrUnavailable) {
			// the client rejected the release itself
			return nil, err
		}
	}
	return nil, lastErr
}

// GrabCached grabs a release remembered from a recent search.
func (s *Service) GrabCached(ctx context.Context, sourceID int64, guid string) (*GrabResult, error) {
	cached, ok := s.Searcher.Cache().Find(release.CacheKey(sourceID, guid))
	if !ok {
		return nil, ErrReleaseNotCached
	}
	return s.Grab(ctx, &decision.Decision{GameID: cached.GameID, Candidate: cached.Candidate}, false)
}

// BatchReport counts the outcomes of a multi-title command.
type BatchReport struct {
	Searched int `json:"searched"`
	Grabbed  int `json:"grabbed"`
	Failed   int `json:"failed"`
}

// SearchMissing searches every monitored game without a file.
func (s *Service) SearchMissing(ctx context.Context) (*BatchReport, error) {
	games, err := s.Games.ListMissing(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list missing games")
	}
	return s.searchAll(ctx, "missing", games)
}

// SearchCutoffUnmet searches every monitored game whose file is below its
// profile cutoff.
func (s *Service) SearchCutoffUnmet(ctx context.Context) (*BatchReport, error) {
	games, err := s.Games.ListWithFiles(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list games with files")
	}

	var wanted []*models.Game
	profiles := map[int64]*quality.Profile{}
	for _, g := range games {
		if !g.Monitored || g.File == nil {
			continue
		}
		p, ok := profiles[g.QualityProfileID]
		if !ok {
			if p, err = s.Profiles.Get(ctx, g.QualityProfileID); err != nil {
				s.log.Warn().Err(err).Int64("gameId", g.ID).Msg("skipping game without a usable profile")
				continue
			}
			profiles[g.QualityProfileID] = p
		}
		if p.CutoffNotMet(g.File.Quality, g.File.Formats) {
			wanted = append(wanted, g)
		}
	}
	return s.searchAll(ctx, "cutoff", wanted)
}

func (s *Service) searchAll(ctx context.Context, name string, games []*models.Game) (*BatchReport, error) {
	report := &BatchReport{}
	for _, g := range games {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r, err := s.SearchTitle(ctx, g.ID, false)
		report.Searched++
		switch {
		case err != nil:
			report.Failed++
			s.log.Warn().Err(err).Int64("gameId", g.ID).Str("command", name).Msg("title search failed")
		case r.Grabbed != nil:
			report.Grabbed++
		}
	}
	s.log.Info().
		Str("command", name).
		Int("searched", report.Searched).
		Int("grabbed", report.Grabbed).
		Int("failed", report.Failed).
		Msg("batch search finished")
	return report, nil
}

// ProcessPending re-evaluates the pending queue and grabs the best ready
// release of each game.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	ready, err := s.Pending.Reprocess(ctx)
	if err != nil {
		return 0, err
	}

	grabbed := 0
	done := map[int64]bool{}
	for _, d := range ready {
		if done[d.GameID] {
			continue
		}
		if _, err := s.Grab(ctx, d, true); err != nil {
			if ctx.Err() != nil {
				return grabbed, ctx.Err()
			}
			if errors.Is(err, downloadclient.ErrUnavailable) {
				done[d.GameID] = true
			}
			continue
		}
		done[d.GameID] = true
		grabbed++
	}
	return grabbed, nil
}

func (s *Service) setBaseContext(ctx context.Context) {
	s.ctxMu.Lock()
	defer s.ctxMu.Unlock()
	s.baseCtx = ctx
}

func (s *Service) baseContext() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}
