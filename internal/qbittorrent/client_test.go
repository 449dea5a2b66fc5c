// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/release"
)

type addRequest struct {
	urls     string
	category string
	tags     string
	file     []byte
}

type fakeQbittorrent struct {
	t *testing.T

	mu       sync.Mutex
	version  string
	torrents []map[string]any
	category string
	logins   int
	added    []addRequest
}

func newFakeQbittorrent(t *testing.T, version string) (*fakeQbittorrent, *httptest.Server) {
	t.Helper()
	f := &fakeQbittorrent{t: t, version: version}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "SID", Value: "session"})
		_, _ = io.WriteString(w, "Ok.")
	})
	mux.HandleFunc("/api/v2/app/webapiVersion", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, f.version)
	})
	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.category = r.URL.Query().Get("category")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.torrents)
	})
	mux.HandleFunc("/api/v2/torrents/add", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(10 << 20)
		req := addRequest{
			urls:     r.FormValue("urls"),
			category: r.FormValue("category"),
			tags:     r.FormValue("tags"),
		}
		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["torrents"] {
				file, err := fh.Open()
				require.NoError(t, err)
				req.file, err = io.ReadAll(file)
				require.NoError(t, err)
				_ = file.Close()
			}
		}
		f.mu.Lock()
		f.added = append(f.added, req)
		f.mu.Unlock()
		_, _ = io.WriteString(w, "Ok.")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

type fakeFetcher struct {
	data []byte
	err  error
	urls []string
}

func (f *fakeFetcher) Download(_ context.Context, _ int64, downloadURL string) ([]byte, error) {
	f.urls = append(f.urls, downloadURL)
	return f.data, f.err
}

func newTestClient(host string, fetcher TorrentFetcher) *Client {
	return NewClient(Config{
		Client: &models.DownloadClient{
			ID:       4,
			Name:     "seedbox",
			Host:     host,
			Username: "admin",
			Category: "games",
			Enabled:  true,
		},
		Password: "adminadmin",
		Timeout:  5 * time.Second,
	}, fetcher)
}

func createTestTorrent(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "Hades-CODEX.iso")
	require.NoError(t, os.WriteFile(path, []byte("game bytes"), 0o644))

	info := metainfo.Info{PieceLength: 16384}
	require.NoError(t, info.BuildFromFilePath(path))
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	mi := metainfo.MetaInfo{
		AnnounceList: [][]string{{"http://tracker.example.com:8080/announce"}},
		InfoBytes:    infoBytes,
	}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes()
}

func TestGetItemsMapsTorrents(t *testing.T) {
	fake, srv := newFakeQbittorrent(t, "2.9.3")
	fake.torrents = []map[string]any{
		{"hash": "AAAA", "name": "Hades-CODEX", "category": "games", "state": "downloading", "progress": 0.5, "size": 1000, "amount_left": 500, "eta": 60, "save_path": "/downloads"},
		{"hash": "bbbb", "name": "Celeste-GOG", "category": "games", "state": "stalledUP", "progress": 1.0, "size": 100, "amount_left": 0, "eta": 8640000, "content_path": "/downloads/Celeste-GOG"},
		{"hash": "cccc", "name": "Broken", "category": "games", "state": "error", "progress": 0.1, "size": 100, "amount_left": 90, "eta": 8640000},
		{"hash": "dddd", "name": "Paused", "category": "games", "state": "pausedDL", "progress": 0.2, "size": 100, "amount_left": 80, "eta": 8640000},
		{"hash": "eeee", "name": "Checking", "category": "games", "state": "checkingUP", "progress": 0.7, "size": 100, "amount_left": 30, "eta": 0},
	}

	items, err := newTestClient(srv.URL, nil).GetItems(t.Context())
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "games", fake.category)

	assert.Equal(t, downloadclient.Item{
		ClientID:   4,
		ClientName: "seedbox",
		DownloadID: "aaaa",
		Title:      "Hades-CODEX",
		Category:   "games",
		Status:     downloadclient.StatusDownloading,
		OutputPath: filepath.Join("/downloads", "Hades-CODEX"),
		Size:       1000,
		Remaining:  500,
		ETA:        time.Minute,
	}, items[0])

	assert.Equal(t, downloadclient.StatusCompleted, items[1].Status)
	assert.Equal(t, "/downloads/Celeste-GOG", items[1].OutputPath)
	assert.Zero(t, items[1].ETA)

	assert.Equal(t, downloadclient.StatusFailed, items[2].Status)
	assert.NotEmpty(t, items[2].Message)
	assert.Equal(t, downloadclient.StatusPaused, items[3].Status)
	assert.Equal(t, downloadclient.StatusDownloading, items[4].Status, "incomplete data is not completed")
}

func TestDownloadMagnet(t *testing.T) {
	fake, srv := newFakeQbittorrent(t, "2.9.3")
	client := newTestClient(srv.URL, &fakeFetcher{err: errors.New("must not fetch")})

	magnet := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Hades"
	hash, err := client.Download(t.Context(), &decision.Candidate{Release: release.Info{
		Title:       "Hades-CODEX",
		DownloadURL: magnet,
		Protocol:    release.ProtocolTorrent,
	}})
	require.NoError(t, err)
	assert.Equal(t, "c12fe1c06bba254a9dc9f519b335aa7c1367a88a", hash)

	require.Len(t, fake.added, 1)
	assert.Equal(t, magnet, fake.added[0].urls)
	assert.Equal(t, "games", fake.added[0].category)
	assert.Equal(t, clientTag, fake.added[0].tags)
	assert.Equal(t, "2.9.3", client.GetWebAPIVersion())
}

func TestDownloadTorrentFile(t *testing.T) {
	data := createTestTorrent(t)
	mi, err := metainfo.Load(bytes.NewReader(data))
	require.NoError(t, err)

	fake, srv := newFakeQbittorrent(t, "2.2.1")
	fetcher := &fakeFetcher{data: data}
	client := newTestClient(srv.URL, fetcher)

	hash, err := client.Download(t.Context(), &decision.Candidate{Release: release.Info{
		Title:       "Hades-CODEX",
		DownloadURL: "https://indexer.example/dl/1",
		SourceID:    2,
		Protocol:    release.ProtocolTorrent,
	}})
	require.NoError(t, err)
	assert.Equal(t, mi.HashInfoBytes().HexString(), hash)
	assert.Equal(t, []string{"https://indexer.example/dl/1"}, fetcher.urls)

	require.Len(t, fake.added, 1)
	assert.Equal(t, data, fake.added[0].file)
	assert.Empty(t, fake.added[0].tags, "tags need a newer Web API")
}

func TestDownloadRejectsBadTorrentWithoutBackoff(t *testing.T) {
	_, srv := newFakeQbittorrent(t, "2.9.3")
	client := newTestClient(srv.URL, &fakeFetcher{data: []byte("<html>login required</html>")})

	_, err := client.Download(t.Context(), &decision.Candidate{Release: release.Info{DownloadURL: "https://indexer.example/dl/1"}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, downloadclient.ErrUnavailable)
	assert.True(t, client.IsHealthy())
}

func TestOldWebAPIVersionIsRejected(t *testing.T) {
	_, srv := newFakeQbittorrent(t, "2.1.0")
	_, err := newTestClient(srv.URL, nil).Test(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "older than the supported")
}

func TestUnreachableClientBacksOff(t *testing.T) {
	fake, srv := newFakeQbittorrent(t, "2.9.3")
	client := newTestClient(srv.URL, nil)
	_, err := client.GetItems(t.Context())
	require.NoError(t, err)
	srv.Close()

	_, err = client.GetItems(t.Context())
	require.ErrorIs(t, err, downloadclient.ErrUnavailable)
	assert.False(t, client.IsHealthy())

	logins := fake.logins
	_, err = client.GetItems(t.Context())
	require.ErrorIs(t, err, downloadclient.ErrUnavailable)
	assert.Contains(t, err.Error(), "backing off")
	assert.Equal(t, logins, fake.logins)
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, time.Minute},
		{64, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempts, initialBackoff, maxBackoff), "attempts %d", tt.attempts)
	}
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(errors.New("dial tcp 127.0.0.1:1: connect: connection refused")))
	assert.True(t, isConnectionError(errors.Wrap(context.DeadlineExceeded, "request")))
	assert.False(t, isConnectionError(errors.New("torrent is not valid")))
	assert.False(t, isConnectionError(nil))
}
