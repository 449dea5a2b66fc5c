// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package tracking supervises downloads from grab through import.
package tracking

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/events"
	"github.com/autobrr/gamarr/internal/metrics"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/services/importer"
)

var ErrDownloadNotTracked = errors.New("download is not tracked")

// maxFuzzyDistance bounds how many extra characters a release title may carry
// over a game title and still bind to it.
const maxFuzzyDistance = 2

type Config struct {
	PollInterval time.Duration
	ImportMode   importer.Mode
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		ImportMode:   importer.ModeCopy,
	}
}

type History interface {
	MostRecentGrab(ctx context.Context, downloadID string) (*models.HistoryEntry, error)
	HasImported(ctx context.Context, downloadID string) (bool, error)
	RecordImported(ctx context.Context, e models.HistoryEntry) (*models.HistoryEntry, error)
	RecordFailed(ctx context.Context, e models.HistoryEntry) (*models.HistoryEntry, error)
	RecordImportBlocked(ctx context.Context, e models.HistoryEntry) (*models.HistoryEntry, error)
}

type GameReader interface {
	Get(ctx context.Context, id int64) (*models.Game, error)
	List(ctx context.Context) ([]*models.Game, error)
}

type Importer interface {
	ProcessPath(ctx context.Context, path string, mode importer.Mode, game *models.Game, item downloadclient.Item) ([]importer.Result, error)
}

// TrackedDownload is the supervised view of one client download.
type TrackedDownload struct {
	ClientID      int64                 `json:"clientId"`
	ClientName    string                `json:"clientName"`
	DownloadID    string                `json:"downloadId"`
	Title         string                `json:"title"`
	State         State                 `json:"state"`
	Status        downloadclient.Status `json:"status"`
	GameID        int64                 `json:"gameId,omitempty"`
	GameTitle     string                `json:"gameTitle,omitempty"`
	GUID          string                `json:"guid,omitempty"`
	Indexer       string                `json:"indexer,omitempty"`
	Quality       quality.Model         `json:"quality"`
	Size          int64                 `json:"size"`
	Remaining     int64                 `json:"remaining"`
	ETA           time.Duration         `json:"eta"`
	OutputPath    string                `json:"outputPath,omitempty"`
	Messages      []string              `json:"messages,omitempty"`
	ImportResults []importer.Result     `json:"importResults,omitempty"`
	AddedAt       time.Time             `json:"addedAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`
}

func (d *TrackedDownload) Bound() bool { return d.GameID != 0 }

// Grab describes a release that was just handed to a client.
type Grab struct {
	ClientID   int64
	ClientName string
	DownloadID string
	GameID     int64
	GameTitle  string
	Candidate  *decision.Candidate
}

type record struct {
	dl        TrackedDownload
	importing bool
	outcome   Outcome
	ignored   bool
}

type Service struct {
	cfg      Config
	provider downloadclient.Provider
	games    GameReader
	history  History
	importer Importer
	bus      *events.Bus
	metrics  *metrics.Manager
	log      zerolog.Logger

	mu      sync.Mutex
	records map[string]*record

	ctxMu   sync.RWMutex
	baseCtx context.Context
	now     func() time.Time
	spawn   func(func())
}

func NewService(cfg Config, provider downloadclient.Provider, games GameReader, history History, imp Importer, bus *events.Bus, m *metrics.Manager) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ImportMode == "" {
		cfg.ImportMode = DefaultConfig().ImportMode
	}
	svc := &Service{
		cfg:      cfg,
		provider: provider,
		games:    games,
		history:  history,
		importer: imp,
		bus:      bus,
		metrics:  m,
		log:      log.With().Str("module", "tracking").Logger(),
		records:  make(map[string]*record),
	}
	svc.now = time.Now
	svc.spawn = func(fn func()) { go fn() }
	return svc
}

// Start polls immediately and then on every interval until ctx ends.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.setBaseContext(ctx)
	go func() {
		s.pollAndLog(ctx)
		s.loop(ctx)
	}()
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAndLog(ctx)
		}
	}
}

func (s *Service) pollAndLog(ctx context.Context) {
	if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("failed to poll download clients")
	}
}

// Poll refreshes every tracked download from the clients. A client that cannot
// be reached keeps its records as they are.
func (s *Service) Poll(ctx context.Context) error {
	clients, err := s.provider.Clients(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list download clients")
	}

	var games []*models.Game
	gamesLoaded := false
	loadGames := func() []*models.Game {
		if gamesLoaded {
			return games
		}
		gamesLoaded = true
		if games, err = s.games.List(ctx); err != nil {
			s.log.Warn().Err(err).Msg("failed to list games for binding")
		}
		return games
	}

	for _, client := range clients {
		items, err := client.GetItems(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Str("client", client.Name()).Msg("download client unreachable, keeping tracked state")
			continue
		}

		seen := make(map[string]struct{}, len(items))
		for _, item := range items {
			item.ClientID = client.ID()
			if item.ClientName == "" {
				item.ClientName = client.Name()
			}
			seen[item.Key()] = struct{}{}
			s.observe(ctx, item, loadGames)
		}
		s.retire(client.ID(), seen)
	}
	return nil
}

func (s *Service) observe(ctx context.Context, item downloadclient.Item, loadGames func() []*models.Game) {
	key := item.Key()

	s.mu.Lock()
	rec, existed := s.records[key]
	s.mu.Unlock()

	if !existed {
		created := s.newRecord(ctx, item, loadGames)
		s.mu.Lock()
		var ok bool
		if rec, ok = s.records[key]; !ok {
			rec = created
			s.records[key] = rec
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	needsBinding := existed && !rec.dl.Bound() && !rec.dl.State.Terminal()
	s.mu.Unlock()

	// a grab registered after the first poll binds late
	var grab *models.HistoryEntry
	var gameTitle string
	if needsBinding {
		grab, gameTitle = s.lookupGrab(ctx, item)
	}

	s.mu.Lock()
	if grab != nil && !rec.dl.Bound() {
		applyGrab(rec, grab, gameTitle)
	}
	rec.dl.Title = item.Title
	rec.dl.Status = item.Status
	rec.dl.Size = item.Size
	rec.dl.Remaining = item.Remaining
	rec.dl.ETA = item.ETA
	rec.dl.OutputPath = item.OutputPath
	rec.dl.UpdatedAt = s.now()
	if item.Message != "" && !rec.dl.State.Terminal() {
		rec.dl.Messages = appendMessage(rec.dl.Messages, item.Message)
	}
	action, snapshot := s.transitionLocked(rec)
	s.mu.Unlock()

	s.apply(ctx, key, action, snapshot)
}

func (s *Service) transitionLocked(rec *record) (Action, TrackedDownload) {
	prev := rec.dl.State
	next, action := Transition(prev, Observation{
		Status:  rec.dl.Status,
		Bound:   rec.dl.Bound(),
		Outcome: rec.outcome,
		Ignored: rec.ignored,
	})
	rec.dl.State = next
	if action == ActionImport {
		if rec.importing {
			action = ActionNone
		} else {
			rec.importing = true
		}
	}
	if action == ActionBlocked && !rec.dl.Bound() {
		rec.dl.Messages = appendMessage(rec.dl.Messages, "download could not be matched to a game")
	}
	if prev != next {
		s.log.Debug().
			Str("download", rec.dl.Title).
			Str("from", string(prev)).
			Str("to", string(next)).
			Msg("tracked download transitioned")
	}
	return action, snapshotOf(rec)
}

func (s *Service) apply(ctx context.Context, key string, action Action, dl TrackedDownload) {
	switch action {
	case ActionNone:
		return
	case ActionImport:
		s.launchImport(key, dl)
		return
	}

	entry := models.HistoryEntry{
		GameID:         dl.GameID,
		DownloadID:     dl.DownloadID,
		SourceTitle:    dl.Title,
		Indexer:        dl.Indexer,
		DownloadClient: dl.ClientName,
		Quality:        dl.Quality,
		Data:           map[string]string{},
	}
	ev := events.Event{GameID: dl.GameID, DownloadID: dl.DownloadID, Title: dl.Title, Data: map[string]string{"client": dl.ClientName}}
	if len(dl.Messages) > 0 {
		ev.Message = dl.Messages[len(dl.Messages)-1]
		entry.Data["message"] = ev.Message
	}

	var err error
	switch action {
	case ActionFailed:
		_, err = s.history.RecordFailed(ctx, entry)
		ev.Type = events.TypeDownloadFailed
		s.metrics.Outcome(string(StateFailed))
	case ActionBlocked:
		_, err = s.history.RecordImportBlocked(ctx, entry)
		ev.Type = events.TypeImportBlocked
		s.metrics.Outcome(string(StateImportBlocked))
	case ActionImported:
		var paths []string
		for _, r := range dl.ImportResults {
			if r.Imported {
				paths = append(paths, r.Destination)
			}
		}
		entry.Data["importedPath"] = strings.Join(paths, ";")
		ev.Data["files"] = strconv.Itoa(len(paths))
		_, err = s.history.RecordImported(ctx, entry)
		ev.Type = events.TypeImportCompleted
		s.metrics.Outcome(string(StateImported))
	}
	if err != nil {
		s.log.Error().Err(err).Str("download", dl.Title).Str("action", string(action)).Msg("failed to record history")
	}
	s.bus.Publish(ev)
}

// launchImport runs the import for key on the base context. At most one import
// per record runs at a time.
func (s *Service) launchImport(key string, dl TrackedDownload) {
	s.spawn(func() {
		ctx := s.baseContext()
		outcome, results, message := s.runImport(ctx, dl)

		s.mu.Lock()
		rec, ok := s.records[key]
		if !ok {
			s.mu.Unlock()
			return
		}
		rec.importing = false
		rec.outcome = outcome
		rec.dl.ImportResults = results
		if message != "" {
			rec.dl.Messages = appendMessage(rec.dl.Messages, message)
		}
		action, snapshot := s.transitionLocked(rec)
		s.mu.Unlock()

		s.apply(ctx, key, action, snapshot)
	})
}

func (s *Service) runImport(ctx context.Context, dl TrackedDownload) (Outcome, []importer.Result, string) {
	if dl.OutputPath == "" {
		return OutcomeBlocked, nil, "download client reported no output path"
	}
	game, err := s.games.Get(ctx, dl.GameID)
	if err != nil {
		return OutcomeBlocked, nil, "game is no longer available: " + err.Error()
	}

	results, err := s.importer.ProcessPath(ctx, dl.OutputPath, s.cfg.ImportMode, game, downloadclient.Item{
		ClientID:   dl.ClientID,
		ClientName: dl.ClientName,
		DownloadID: dl.DownloadID,
		Title:      dl.Title,
		OutputPath: dl.OutputPath,
		Size:       dl.Size,
		Status:     dl.Status,
	})
	switch {
	case err != nil:
		s.log.Error().Err(err).Str("download", dl.Title).Msg("import failed")
		return OutcomeBlocked, results, "import failed: " + err.Error()
	case len(results) == 0:
		return OutcomeBlocked, nil, "no files found in download"
	case !importer.AnyImported(results):
		return OutcomeBlocked, results, "no files were eligible for import"
	}
	return OutcomeImported, results, ""
}

// retire forgets records of clientID that the client no longer reports.
func (s *Service) retire(clientID int64, seen map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if rec.dl.ClientID != clientID || rec.importing {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		delete(s.records, key)
		s.log.Debug().Str("download", rec.dl.Title).Str("state", string(rec.dl.State)).Msg("retired tracked download")
	}
}

func (s *Service) newRecord(ctx context.Context, item downloadclient.Item, loadGames func() []*models.Game) *record {
	now := s.now()
	rec := &record{dl: TrackedDownload{
		ClientID:   item.ClientID,
		ClientName: item.ClientName,
		DownloadID: item.DownloadID,
		Title:      item.Title,
		State:      StateDownloading,
		Quality:    parser.Parse(item.Title).Quality,
		AddedAt:    now,
		UpdatedAt:  now,
	}}

	if imported, err := s.history.HasImported(ctx, item.DownloadID); err != nil {
		s.log.Warn().Err(err).Str("download", item.Title).Msg("failed to check import history")
	} else if imported {
		rec.dl.State = StateImported
	}

	// Our own grab history is authoritative; name matching only covers
	// downloads added outside the acquirer.
	if grab, gameTitle := s.lookupGrab(ctx, item); grab != nil {
		applyGrab(rec, grab, gameTitle)
		return rec
	}
	if game := bindByTitle(item.Title, loadGames()); game != nil {
		rec.dl.GameID, rec.dl.GameTitle = game.ID, game.Title
	}
	return rec
}

// lookupGrab returns the most recent grab of the item's download id and the
// title of the game it was grabbed for.
func (s *Service) lookupGrab(ctx context.Context, item downloadclient.Item) (*models.HistoryEntry, string) {
	grab, err := s.history.MostRecentGrab(ctx, item.DownloadID)
	if err != nil {
		s.log.Warn().Err(err).Str("download", item.Title).Msg("failed to look up grab history")
		return nil, ""
	}
	if grab == nil {
		return nil, ""
	}
	var title string
	if game, err := s.games.Get(ctx, grab.GameID); err == nil {
		title = game.Title
	}
	return grab, title
}

// applyGrab fills grab details and binds unbound records to the grabbed game.
func applyGrab(rec *record, grab *models.HistoryEntry, gameTitle string) {
	if !rec.dl.Bound() {
		rec.dl.GameID, rec.dl.GameTitle = grab.GameID, gameTitle
	}
	if grab.Indexer != "" {
		rec.dl.Indexer = grab.Indexer
	}
	if grab.GameID == rec.dl.GameID {
		rec.dl.Quality = grab.Quality
	}
	if guid := grab.Data["guid"]; guid != "" {
		rec.dl.GUID = guid
	}
}

// bindByTitle matches a release name to a game: exact normalized title first,
// then the closest fuzzy match. Ambiguous fuzzy matches bind nothing.
func bindByTitle(name string, games []*models.Game) *models.Game {
	if len(games) == 0 {
		return nil
	}
	parsed := parser.Parse(name)
	wanted := parser.NormalizeTitle(parsed.Title)
	if wanted == "" {
		return nil
	}

	type match struct {
		game     *models.Game
		distance int
	}
	var fuzzyMatches []match
	for _, g := range games {
		best := -1
		for _, title := range g.Titles() {
			norm := parser.NormalizeTitle(title)
			if norm == wanted {
				return g
			}
			if !fuzzy.MatchNormalizedFold(norm, wanted) {
				continue
			}
			if d := fuzzy.RankMatchNormalizedFold(norm, wanted); d <= maxFuzzyDistance && (best < 0 || d < best) {
				best = d
			}
		}
		if best >= 0 {
			fuzzyMatches = append(fuzzyMatches, match{game: g, distance: best})
		}
	}
	if len(fuzzyMatches) == 0 {
		return nil
	}
	sort.SliceStable(fuzzyMatches, func(i, j int) bool { return fuzzyMatches[i].distance < fuzzyMatches[j].distance })
	if len(fuzzyMatches) > 1 && fuzzyMatches[0].distance == fuzzyMatches[1].distance {
		return nil
	}
	return fuzzyMatches[0].game
}

// Register tracks a download right after it was grabbed so the queue state
// reflects it before the next poll.
func (s *Service) Register(g Grab) {
	if g.DownloadID == "" || g.Candidate == nil {
		return
	}
	key := downloadclient.Key(g.ClientID, g.DownloadID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return
	}
	s.records[key] = &record{dl: TrackedDownload{
		ClientID:   g.ClientID,
		ClientName: g.ClientName,
		DownloadID: g.DownloadID,
		Title:      g.Candidate.Release.Title,
		State:      StateDownloading,
		Status:     downloadclient.StatusQueued,
		GameID:     g.GameID,
		GameTitle:  g.GameTitle,
		GUID:       g.Candidate.Release.GUID,
		Indexer:    g.Candidate.Release.SourceName,
		Quality:    g.Candidate.Quality(),
		Size:       g.Candidate.Release.Size,
		Remaining:  g.Candidate.Release.Size,
		AddedAt:    now,
		UpdatedAt:  now,
	}}
}

// Ignore stops supervising a download. Later polls leave it alone.
func (s *Service) Ignore(clientID int64, downloadID string) (TrackedDownload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[downloadclient.Key(clientID, downloadID)]
	if !ok {
		return TrackedDownload{}, ErrDownloadNotTracked
	}
	rec.ignored = true
	rec.dl.State, _ = Transition(rec.dl.State, Observation{Status: rec.dl.Status, Bound: rec.dl.Bound(), Ignored: true})
	return snapshotOf(rec), nil
}

// Items returns a snapshot of every tracked download, newest first.
func (s *Service) Items() []TrackedDownload {
	s.mu.Lock()
	out := make([]TrackedDownload, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, snapshotOf(rec))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.After(out[j].AddedAt)
		}
		return downloadclient.Key(out[i].ClientID, out[i].DownloadID) < downloadclient.Key(out[j].ClientID, out[j].DownloadID)
	})
	return out
}

// QueueState lists the release hashes, guids and per-game qualities of downloads still in flight.
func (s *Service) QueueState() decision.QueueState {
	state := decision.QueueState{
		ReleaseHashes: map[string]struct{}{},
		GUIDs:         map[string]struct{}{},
		Games:         map[int64][]decision.QueuedDownload{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.dl.State.Terminal() {
			continue
		}
		state.ReleaseHashes[parser.ReleaseHash(rec.dl.Title)] = struct{}{}
		if rec.dl.GUID != "" {
			state.GUIDs[rec.dl.GUID] = struct{}{}
		}
		if rec.dl.Bound() {
			state.Games[rec.dl.GameID] = append(state.Games[rec.dl.GameID], decision.QueuedDownload{
				Title:   rec.dl.Title,
				Quality: rec.dl.Quality,
				Version: parser.Parse(rec.dl.Title).Version,
			})
		}
	}
	return state
}

// StateCounts reports the number of tracked downloads per state.
func (s *Service) StateCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range s.records {
		counts[string(rec.dl.State)]++
	}
	return counts
}

func snapshotOf(rec *record) TrackedDownload {
	dl := rec.dl
	dl.Messages = append([]string(nil), rec.dl.Messages...)
	dl.ImportResults = append([]importer.Result(nil), rec.dl.ImportResults...)
	return dl
}

func appendMessage(msgs []string, msg string) []string {
	if n := len(msgs); n > 0 && msgs[n-1] == msg {
		return msgs
	}
	return append(msgs, msg)
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
