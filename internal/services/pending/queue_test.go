// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/database"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testProfile() *quality.Profile {
	return &quality.Profile{
		ID:   1,
		Name: "games",
		Items: []quality.ProfileItem{
			{Quality: quality.Unknown, Allowed: false},
			{Quality: quality.Repack, Allowed: true},
			{Quality: quality.Scene, Allowed: true},
			{Quality: quality.GOG, Allowed: true},
		},
		Cutoff:         quality.GOG,
		UpgradeAllowed: true,
		FormatItems:    map[int64]int{},
	}
}

type fakeBuilder struct {
	games  map[int64]*models.Game
	delays []decision.DelayProfile
}

func (f *fakeBuilder) ContextFor(_ context.Context, gameID int64, userInvoked bool) (*models.Game, *decision.SearchContext, error) {
	game, ok := f.games[gameID]
	if !ok {
		return nil, nil, models.ErrGameNotFound
	}
	return game, &decision.SearchContext{
		Target:        decision.Target{GameID: gameID, Title: game.Title, Profile: testProfile()},
		DelayProfiles: f.delays,
		UserInvoked:   userInvoked,
		Now:           now,
	}, nil
}

func (f *fakeBuilder) Candidate(info release.Info, _ *models.Game, _ *quality.Profile) *decision.Candidate {
	return &decision.Candidate{Release: info, Parsed: parser.Parse(info.Title)}
}

func newTestQueue(t *testing.T) (*Queue, *models.PendingReleaseStore, *fakeBuilder) {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := models.NewPendingReleaseStore(db)
	builder := &fakeBuilder{games: map[int64]*models.Game{7: {ID: 7, Title: "Hades"}}}
	q := NewQueue(store, builder, decision.NewDownloadPipeline())
	q.now = func() time.Time { return now }
	return q, store, builder
}

func held(gameID int64, title, guid string, published time.Time) *decision.Decision {
	return &decision.Decision{
		GameID: gameID,
		Candidate: &decision.Candidate{
			Release: release.Info{
				GUID:        guid,
				Title:       title,
				PublishDate: published,
				Protocol:    release.ProtocolTorrent,
				SourceID:    3,
				SourceName:  "indexer",
			},
			Parsed: parser.Parse(title),
		},
		Rejections: []decision.Rejection{{Reason: decision.ReasonDelay, Permanence: decision.Temporary}},
	}
}

func TestAddNeverDuplicatesIdentity(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := t.Context()
	published := now.Add(-time.Minute)

	added, err := q.Add(ctx, held(7, "Hades-CODEX", "g1", published), models.PendingDelay)
	require.NoError(t, err)
	assert.True(t, added)

	// same identity reissued under a new guid
	added, err = q.Add(ctx, held(7, "Hades-CODEX", "g2", published), models.PendingDelay)
	require.NoError(t, err)
	assert.False(t, added)

	added, err = q.Add(ctx, held(7, "Hades-CODEX", "g1", published), models.PendingDownloadClientUnavailable)
	require.NoError(t, err)
	assert.False(t, added)

	holds, err := store.ListForGame(ctx, 7)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, models.PendingDelay, holds[0].Reason)

	// a different publish date is a different identity
	added, err = q.Add(ctx, held(7, "Hades-CODEX", "g1", published.Add(time.Second)), models.PendingDelay)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestAddCollapsesExistingDuplicatesOnReasonShift(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := t.Context()
	d := held(7, "Hades-CODEX", "g1", now.Add(-time.Minute))

	for range 3 {
		_, err := store.Insert(ctx, &models.PendingRelease{GameID: 7, Reason: models.PendingDelay, Candidate: d.Candidate, AddedAt: now})
		require.NoError(t, err)
	}

	added, err := q.Add(ctx, d, models.PendingDelay)
	require.NoError(t, err)
	assert.False(t, added)
	holds, err := store.ListForGame(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, holds, 3, "same reason leaves existing holds alone")

	added, err = q.Add(ctx, d, models.PendingFallback)
	require.NoError(t, err)
	assert.False(t, added)
	holds, err = store.ListForGame(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}

func TestConcurrentAddHoldsOnce(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := t.Context()
	published := now.Add(-time.Minute)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reason := models.PendingDelay
			if i%2 == 1 {
				reason = models.PendingDownloadClientUnavailable
			}
			_, err := q.Add(ctx, held(7, "Hades-CODEX", "g1", published), reason)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	holds, err := store.ListForGame(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}

func TestAddRejectsPermanentRejections(t *testing.T) {
	q, _, _ := newTestQueue(t)
	d := held(7, "Hades-CODEX", "g1", now)
	d.Rejections = []decision.Rejection{{Reason: decision.ReasonQualityNotAllowed, Permanence: decision.Permanent}}

	_, err := q.Add(t.Context(), d, models.PendingDelay)
	require.ErrorIs(t, err, ErrPermanentRejection)
}

func TestRemoveGrabbedKeepsHigherTiers(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := t.Context()

	for i, title := range []string{"Hades-FitGirl", "Hades-CODEX", "Hades-GOG"} {
		_, err := q.Add(ctx, held(7, title, title, now.Add(-time.Duration(i)*time.Minute)), models.PendingDelay)
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, held(8, "Other-CODEX", "o1", now), models.PendingDelay)
	require.NoError(t, err)

	removed, err := q.RemoveGrabbed(ctx, held(7, "Hades.v2-CODEX", "grabbed", now))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	holds, err := store.ListForGame(ctx, 7)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, "Hades-GOG", holds[0].Candidate.Release.Title)

	other, err := store.ListForGame(ctx, 8)
	require.NoError(t, err)
	assert.Len(t, other, 1, "holds for other games are untouched")
}

func TestRemoveForTitle(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := t.Context()

	_, err := q.Add(ctx, held(7, "Hades-CODEX", "a", now), models.PendingDelay)
	require.NoError(t, err)
	_, err = q.Add(ctx, held(7, "Hades-GOG", "b", now), models.PendingDelay)
	require.NoError(t, err)

	n, err := q.RemoveForTitle(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := q.CountForGame(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReprocess(t *testing.T) {
	q, store, builder := newTestQueue(t)
	ctx := t.Context()
	builder.delays = []decision.DelayProfile{{ID: 1, Order: 1, EnableTorrent: true, TorrentDelay: 60}}

	ready := held(7, "Hades-CODEX", "ready", now.Add(-2*time.Hour))
	waiting := held(7, "Hades-GOG", "waiting", now.Add(-10*time.Minute))
	unwanted := held(7, "Hades.Something", "unwanted", now.Add(-3*time.Hour))
	orphan := held(99, "Gone-CODEX", "orphan", now.Add(-3*time.Hour))
	for _, d := range []*decision.Decision{ready, waiting, unwanted, orphan} {
		_, err := q.Add(ctx, d, models.PendingDelay)
		require.NoError(t, err)
	}

	approved, err := q.Reprocess(ctx)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "ready", approved[0].Candidate.Release.GUID)

	holds, err := store.List(ctx)
	require.NoError(t, err)
	var guids []string
	for _, p := range holds {
		guids = append(guids, p.Candidate.Release.GUID)
	}
	assert.ElementsMatch(t, []string{"ready", "waiting"}, guids)

	oldest, err := q.OldestPublishDate(ctx, 7)
	require.NoError(t, err)
	assert.True(t, oldest.Equal(now.Add(-2*time.Hour)))

	total, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
