// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracking

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/database"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/events"
	"github.com/autobrr/gamarr/internal/metrics"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
	"github.com/autobrr/gamarr/internal/services/importer"
)

type fakeClient struct {
	mu    sync.Mutex
	id    int64
	items []downloadclient.Item
	err   error
}

func (c *fakeClient) ID() int64    { return c.id }
func (c *fakeClient) Name() string { return "qbit" }

func (c *fakeClient) Protocol() release.Protocol { return release.ProtocolTorrent }

func (c *fakeClient) GetItems(context.Context) ([]downloadclient.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]downloadclient.Item(nil), c.items...), c.err
}

func (c *fakeClient) Download(context.Context, *decision.Candidate) (string, error) {
	return "", errors.New("not implemented")
}

func (c *fakeClient) set(items ...downloadclient.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.err = nil
}

type fakeProvider struct{ clients []downloadclient.Client }

func (p *fakeProvider) Clients(context.Context) ([]downloadclient.Client, error) {
	return p.clients, nil
}

type fakeImporter struct {
	mu      sync.Mutex
	calls   []string
	results []importer.Result
	err     error
}

func (f *fakeImporter) ProcessPath(_ context.Context, path string, _ importer.Mode, _ *models.Game, _ downloadclient.Item) ([]importer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, path)
	return f.results, f.err
}

func (f *fakeImporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	svc     *Service
	client  *fakeClient
	history *models.HistoryStore
	games   *models.GameStore
	imp     *fakeImporter
	events  <-chan events.Event
	metrics *metrics.Manager
	game    *models.Game
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	profile, err := models.NewQualityProfileStore(db).Create(t.Context(), quality.DefaultProfile())
	require.NoError(t, err)
	games := models.NewGameStore(db)
	game, err := games.Create(t.Context(), &models.Game{Title: "Hades", AlternateTitles: []string{"Hades Supergiant"}, QualityProfileID: profile.ID, Monitored: true})
	require.NoError(t, err)

	bus := events.NewBus()
	ch, stop := bus.Subscribe(16)
	t.Cleanup(stop)

	client := &fakeClient{id: 1}
	history := models.NewHistoryStore(db)
	imp := &fakeImporter{results: []importer.Result{{Imported: true, Destination: "/library/Hades/hades.iso"}}}
	m := metrics.NewManager()

	svc := NewService(Config{}, &fakeProvider{clients: []downloadclient.Client{client}}, games, history, imp, bus, m)
	svc.spawn = func(fn func()) { fn() }

	return &harness{svc: svc, client: client, history: history, games: games, imp: imp, events: ch, metrics: m, game: game}
}

func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) only(t *testing.T) TrackedDownload {
	t.Helper()
	items := h.svc.Items()
	require.Len(t, items, 1)
	return items[0]
}

func historyTypes(t *testing.T, h *harness, downloadID string) []models.HistoryEvent {
	t.Helper()
	entries, err := h.history.FindByDownloadID(t.Context(), downloadID)
	require.NoError(t, err)
	var out []models.HistoryEvent
	for _, e := range entries {
		out = append(out, e.EventType)
	}
	return out
}

func TestPollImportsCompletedDownloadOnce(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusDownloading, Size: 100, Remaining: 40})
	require.NoError(t, h.svc.Poll(ctx))
	dl := h.only(t)
	assert.Equal(t, StateDownloading, dl.State)
	assert.Equal(t, h.game.ID, dl.GameID)
	assert.Equal(t, int64(40), dl.Remaining)

	completed := downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/Hades-CODEX", Size: 100}
	h.client.set(completed)
	require.NoError(t, h.svc.Poll(ctx))
	dl = h.only(t)
	assert.Equal(t, StateImported, dl.State)
	require.Len(t, dl.ImportResults, 1)
	assert.Equal(t, 1, h.imp.callCount())

	// repeated observations change nothing
	require.NoError(t, h.svc.Poll(ctx))
	require.NoError(t, h.svc.Poll(ctx))
	assert.Equal(t, 1, h.imp.callCount())
	assert.Equal(t, []models.HistoryEvent{models.HistoryDownloadFolderImported}, historyTypes(t, h, "abc"))

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeImportCompleted, evs[0].Type)
	assert.Equal(t, h.game.ID, evs[0].GameID)
	assert.Equal(t, map[string]int{string(StateImported): 1}, h.svc.StateCounts())
}

func TestHistoryFallbackBinding(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	_, err := h.history.RecordGrabbed(ctx, models.HistoryEntry{
		GameID:      h.game.ID,
		DownloadID:  "f00d",
		SourceTitle: "Hades-CODEX",
		Indexer:     "jackett",
		Quality:     quality.Model{Quality: quality.Scene, Revision: quality.DefaultRevision},
		Data:        map[string]string{"guid": "g1"},
	})
	require.NoError(t, err)

	// the client renamed the download to something unrecognisable
	h.client.set(downloadclient.Item{DownloadID: "f00d", Title: "x7q9-payload", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/x7q9"})
	require.NoError(t, h.svc.Poll(ctx))

	dl := h.only(t)
	assert.Equal(t, h.game.ID, dl.GameID)
	assert.Equal(t, "Hades", dl.GameTitle)
	assert.Equal(t, "jackett", dl.Indexer)
	assert.Equal(t, "g1", dl.GUID)
	assert.Equal(t, quality.Scene, dl.Quality.Quality)
	assert.Equal(t, StateImported, dl.State)
	assert.Equal(t, []string{"/downloads/x7q9"}, h.imp.calls)
}

func TestGrabHistoryBindsBeforeTitle(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	other, err := h.games.Create(ctx, &models.Game{Title: "Celeste", QualityProfileID: h.game.QualityProfileID, Monitored: true})
	require.NoError(t, err)
	_, err = h.history.RecordGrabbed(ctx, models.HistoryEntry{
		GameID:      other.ID,
		DownloadID:  "c0de",
		SourceTitle: "Hades-CODEX",
		Quality:     quality.Model{Quality: quality.Scene, Revision: quality.DefaultRevision},
	})
	require.NoError(t, err)

	// name matches Hades exactly, but the grab was made for Celeste
	h.client.set(downloadclient.Item{DownloadID: "c0de", Title: "Hades-CODEX", Status: downloadclient.StatusDownloading})
	require.NoError(t, h.svc.Poll(ctx))

	dl := h.only(t)
	assert.Equal(t, other.ID, dl.GameID)
	assert.Equal(t, "Celeste", dl.GameTitle)
}

func TestUnboundCompletedDownloadIsBlocked(t *testing.T) {
	h := newHarness(t)

	h.client.set(downloadclient.Item{DownloadID: "zzz", Title: "Unrelated.Game-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/x"})
	require.NoError(t, h.svc.Poll(t.Context()))

	dl := h.only(t)
	assert.Equal(t, StateImportBlocked, dl.State)
	assert.Contains(t, dl.Messages, "download could not be matched to a game")
	assert.Zero(t, h.imp.callCount())
	assert.Equal(t, []models.HistoryEvent{models.HistoryImportBlocked}, historyTypes(t, h, "zzz"))

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeImportBlocked, evs[0].Type)
}

func TestImportWithoutImportedFilesIsBlocked(t *testing.T) {
	h := newHarness(t)
	h.imp.results = []importer.Result{{Rejections: []decision.Rejection{{Reason: decision.ReasonSample}}}}

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/Hades-CODEX"})
	require.NoError(t, h.svc.Poll(t.Context()))

	dl := h.only(t)
	assert.Equal(t, StateImportBlocked, dl.State)
	assert.Contains(t, dl.Messages, "no files were eligible for import")
	assert.Equal(t, []models.HistoryEvent{models.HistoryImportBlocked}, historyTypes(t, h, "abc"))
}

func TestClientFailureMarksDownloadFailed(t *testing.T) {
	h := newHarness(t)

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusFailed, Message: "tracker unregistered"})
	require.NoError(t, h.svc.Poll(t.Context()))
	require.NoError(t, h.svc.Poll(t.Context()))

	dl := h.only(t)
	assert.Equal(t, StateFailed, dl.State)
	assert.Equal(t, []models.HistoryEvent{models.HistoryDownloadFailed}, historyTypes(t, h, "abc"))

	evs := h.drain()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeDownloadFailed, evs[0].Type)
	assert.Equal(t, "tracker unregistered", evs[0].Message)
}

func TestPreviouslyImportedDownloadStartsImported(t *testing.T) {
	h := newHarness(t)
	_, err := h.history.RecordImported(t.Context(), models.HistoryEntry{GameID: h.game.ID, DownloadID: "abc", SourceTitle: "Hades-CODEX"})
	require.NoError(t, err)

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/Hades-CODEX"})
	require.NoError(t, h.svc.Poll(t.Context()))

	assert.Equal(t, StateImported, h.only(t).State)
	assert.Zero(t, h.imp.callCount())
	assert.Empty(t, h.drain())
}

func TestRegisterIgnoreAndQueueState(t *testing.T) {
	h := newHarness(t)
	candidate := &decision.Candidate{
		Release: release.Info{GUID: "guid-1", Title: "Hades-CODEX", SourceName: "jackett", Size: 100},
		Parsed:  parser.Parse("Hades-CODEX"),
	}
	h.svc.Register(Grab{ClientID: 1, ClientName: "qbit", DownloadID: "abc", GameID: h.game.ID, GameTitle: "Hades", Candidate: candidate})

	state := h.svc.QueueState()
	assert.Contains(t, state.GUIDs, "guid-1")
	assert.Contains(t, state.ReleaseHashes, parser.ReleaseHash("Hades-CODEX"))
	require.Len(t, state.Games[h.game.ID], 1)
	assert.Equal(t, quality.Scene, state.Games[h.game.ID][0].Quality.Quality)

	// a different release of the same game is not grabbed while this one is in flight
	other := &decision.Candidate{Release: release.Info{GUID: "guid-2", Title: "Hades-TENOKE"}, Parsed: parser.Parse("Hades-TENOKE")}
	d := decision.NewDownloadPipeline().Evaluate(other, &decision.SearchContext{
		Target: decision.Target{GameID: h.game.ID, Title: "Hades", Profile: quality.DefaultProfile()},
		Queue:  state,
	})
	require.Len(t, d.Rejections, 1)
	assert.Equal(t, decision.ReasonAlreadyQueued, d.Rejections[0].Reason)

	dl, err := h.svc.Ignore(1, "abc")
	require.NoError(t, err)
	assert.Equal(t, StateIgnored, dl.State)

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/Hades-CODEX"})
	require.NoError(t, h.svc.Poll(t.Context()))
	assert.Equal(t, StateIgnored, h.only(t).State)
	assert.Zero(t, h.imp.callCount())
	assert.Empty(t, h.svc.QueueState().GUIDs)

	_, err = h.svc.Ignore(1, "missing")
	assert.ErrorIs(t, err, ErrDownloadNotTracked)
}

func TestRetireKeepsRecordsOfUnreachableClients(t *testing.T) {
	h := newHarness(t)
	ctx := t.Context()

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusDownloading})
	require.NoError(t, h.svc.Poll(ctx))
	require.Len(t, h.svc.Items(), 1)

	h.client.mu.Lock()
	h.client.err = errors.New("connection refused")
	h.client.mu.Unlock()
	require.NoError(t, h.svc.Poll(ctx))
	assert.Len(t, h.svc.Items(), 1)

	h.client.set()
	require.NoError(t, h.svc.Poll(ctx))
	assert.Empty(t, h.svc.Items())
}

func TestImportRunsOnBaseContext(t *testing.T) {
	h := newHarness(t)
	var spawned []func()
	h.svc.spawn = func(fn func()) { spawned = append(spawned, fn) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.setBaseContext(ctx)

	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusCompleted, OutputPath: "/downloads/Hades-CODEX"})
	require.NoError(t, h.svc.Poll(t.Context()))
	require.NoError(t, h.svc.Poll(t.Context()))
	require.Len(t, spawned, 1, "one import per download while it is in flight")
	assert.Equal(t, StateImportPending, h.only(t).State)

	spawned[0]()
	assert.Equal(t, StateImported, h.only(t).State)
}

func TestBindByTitle(t *testing.T) {
	games := []*models.Game{
		{ID: 1, Title: "Hades"},
		{ID: 2, Title: "Celeste"},
		{ID: 3, Title: "Baldur's Gate III", AlternateTitles: []string{"BG3"}},
		{ID: 4, Title: "Hade"},
		{ID: 5, Title: "Hads"},
		{ID: 6, Title: "Stardew Valley"},
		{ID: 7, Title: "Factorio"},
	}
	tests := []struct {
		name string
		in   string
		want int64
	}{
		{"exact", "Hades-CODEX", 1},
		{"punctuation folded", "Baldurs.Gate.III-RUNE", 3},
		{"alternate title", "BG3-RUNE", 3},
		{"fuzzy within distance", "Celestee-CODEX", 2},
		{"multi digit version", "Stardew.Valley.v10.2-TENOKE", 6},
		{"build number", "Factorio.Build.12345.Linux-GOG", 7},
		{"sequel does not bind", "Hades.II-RUNE", 0},
		{"unknown", "Portal.2-CODEX", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bindByTitle(tt.in, games)
			if tt.want == 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}

	assert.Nil(t, bindByTitle("Hades-CODEX", games[3:]), "equally close fuzzy matches are ambiguous")
}

func TestPollRecordsOutcomeMetrics(t *testing.T) {
	h := newHarness(t)
	h.client.set(downloadclient.Item{DownloadID: "abc", Title: "Hades-CODEX", Status: downloadclient.StatusFailed})
	require.NoError(t, h.svc.Poll(t.Context()))

	n, err := testutil.GatherAndCount(h.metrics.GetRegistry(), "gamarr_imports_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
