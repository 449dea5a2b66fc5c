// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/release"
)

type fakeStore struct {
	indexers []*models.Indexer
	caps     map[int64]bool
}

func (f *fakeStore) List(context.Context) ([]*models.Indexer, error) { return f.indexers, nil }

func (f *fakeStore) Get(_ context.Context, id int64) (*models.Indexer, error) {
	for _, in := range f.indexers {
		if in.ID == id {
			return in, nil
		}
	}
	return nil, models.ErrIndexerNotFound
}

func (f *fakeStore) GetDecryptedAPIKey(*models.Indexer) (string, error) { return "key", nil }

func (f *fakeStore) UpdateCaps(_ context.Context, id int64, supports bool, _ time.Time) error {
	if f.caps == nil {
		f.caps = make(map[int64]bool)
	}
	f.caps[id] = supports
	return nil
}

func TestServiceSources(t *testing.T) {
	store := &fakeStore{indexers: []*models.Indexer{
		{ID: 1, Name: "one", BaseURL: "http://one.test", Protocol: release.ProtocolTorrent, Priority: 10, Enabled: true, Tags: []string{"pc"}},
		{ID: 2, Name: "two", BaseURL: "http://two.test", Protocol: release.ProtocolUsenet, Priority: 20, Enabled: false},
		{ID: 3, Name: "three", BaseURL: "http://three.test", Protocol: release.ProtocolUsenet, Priority: 30, Enabled: true},
	}}
	svc := NewService(store, time.Second)

	sources, err := svc.Sources(t.Context())
	require.NoError(t, err)
	require.Len(t, sources, 2)

	info := sources[0].Info()
	assert.Equal(t, int64(1), info.ID)
	assert.Equal(t, "one", info.Name)
	assert.Equal(t, 10, info.Priority)
	assert.Equal(t, []string{"pc"}, info.Tags)
	assert.True(t, info.CooldownUntil.IsZero())

	assert.Equal(t, int64(3), sources[1].Info().ID)
}

func TestSourceFetchMapsResultsAndTracksFailures(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "4050,1000", r.URL.Query().Get("cat"))
		_, _ = w.Write([]byte(feedFixture))
	}))
	defer srv.Close()

	store := &fakeStore{indexers: []*models.Indexer{
		{ID: 5, Name: "feed", BaseURL: srv.URL, Protocol: release.ProtocolTorrent, Priority: 15, Enabled: true},
	}}
	svc := NewService(store, time.Second)

	sources, err := svc.Sources(t.Context())
	require.NoError(t, err)
	require.Len(t, sources, 1)
	src := sources[0]

	infos, err := src.Fetch(t.Context(), release.Query{Term: "hollow knight"})
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(5), infos[0].SourceID)
	assert.Equal(t, "feed", infos[0].SourceName)
	assert.Equal(t, 15, infos[0].SourcePriority)
	assert.Equal(t, release.ProtocolTorrent, infos[0].Protocol)
	assert.Equal(t, "5:https://indexer.test/details/1", infos[0].Key())

	fail.Store(true)
	_, err = src.Fetch(t.Context(), release.Query{Term: "hollow knight"})
	require.Error(t, err)

	cooling, until := svc.RateLimiter().IsInCooldown(5)
	assert.True(t, cooling)
	assert.False(t, until.IsZero())
	assert.Equal(t, until, src.Info().CooldownUntil)
}

func TestRetryAfterStretchesCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7200")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := &fakeStore{indexers: []*models.Indexer{
		{ID: 6, Name: "limited", BaseURL: srv.URL, Protocol: release.ProtocolTorrent, Enabled: true},
	}}
	svc := NewService(store, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.RateLimiter().now = func() time.Time { return now }

	sources, err := svc.Sources(t.Context())
	require.NoError(t, err)
	require.Len(t, sources, 1)

	_, err = sources[0].Fetch(t.Context(), release.Query{Term: "hades"})
	require.Error(t, err)

	cooling, until := svc.RateLimiter().IsInCooldown(6)
	assert.True(t, cooling)
	assert.Equal(t, now.Add(2*time.Hour), until)
}

func TestSyncCaps(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(capsFixture))
	}))
	defer srv.Close()

	store := &fakeStore{indexers: []*models.Indexer{
		{ID: 9, Name: "caps", BaseURL: srv.URL, Protocol: release.ProtocolTorrent, Enabled: true},
	}}
	svc := NewService(store, time.Second)
	svc.capsDelay = time.Millisecond

	require.NoError(t, svc.SyncCaps(t.Context()))
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, store.caps[9])
}

func TestServiceDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := &fakeStore{indexers: []*models.Indexer{
		{ID: 4, Name: "dl", BaseURL: srv.URL, Protocol: release.ProtocolTorrent, Enabled: true},
	}}
	svc := NewService(store, time.Second)

	_, err := svc.Download(t.Context(), 4, srv.URL+"/file.torrent")
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimiterEscalation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := NewRateLimiter()
	r.now = func() time.Time { return now }

	assert.Equal(t, time.Minute, r.RecordFailure(1))
	assert.Equal(t, 5*time.Minute, r.RecordFailure(1))

	cooling, until := r.IsInCooldown(1)
	assert.True(t, cooling)
	assert.Equal(t, now.Add(5*time.Minute), until)
	assert.Contains(t, r.Cooldowns(), int64(1))

	now = now.Add(6 * time.Minute)
	cooling, _ = r.IsInCooldown(1)
	assert.False(t, cooling)

	r.RecordSuccess(1)
	assert.Equal(t, time.Minute, r.RecordFailure(1))

	for range 20 {
		r.RecordFailure(2)
	}
	assert.Equal(t, 24*time.Hour, r.RecordFailure(2))

	assert.Equal(t, time.Hour, r.RecordRateLimit(3, time.Hour))
	_, until = r.IsInCooldown(3)
	assert.Equal(t, now.Add(time.Hour), until)

	r.ClearCooldown(2)
	cooling, _ = r.IsInCooldown(2)
	assert.False(t, cooling)
}
