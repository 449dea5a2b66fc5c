// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent adapts qBittorrent instances to the download client boundary.
package qbittorrent

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/anacrolix/torrent/metainfo"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/release"
)

var (
	minimumWebAPIVersion = semver.MustParse("2.2.0")
	tagsMinVersion       = semver.MustParse("2.3.0")
)

const (
	clientTag = "gamarr"

	// qBittorrent reports this eta for torrents that will never finish
	infiniteETA = 8640000

	completionProgressThreshold = 0.9999
)

// TorrentFetcher downloads the .torrent behind an indexer link.
type TorrentFetcher interface {
	Download(ctx context.Context, sourceID int64, downloadURL string) ([]byte, error)
}

type Config struct {
	Client        *models.DownloadClient
	Password      string
	BasicPassword *string
	Timeout       time.Duration
}

// Client talks to one qBittorrent instance and only sees torrents in its category.
type Client struct {
	api      *qbt.Client
	fetcher  TorrentFetcher
	id       int64
	name     string
	category string
	log      zerolog.Logger

	mu            sync.RWMutex
	loggedIn      bool
	webAPIVersion string
	supportsTags  bool

	healthMu        sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
	failures        int
	nextRetry       time.Time

	now func() time.Time
}

func NewClient(cfg Config, fetcher TorrentFetcher) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	qcfg := qbt.Config{
		Host:          cfg.Client.Host,
		Username:      cfg.Client.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.Client.TLSSkipVerify,
	}
	if cfg.Client.BasicUsername != nil && *cfg.Client.BasicUsername != "" {
		qcfg.BasicUser = *cfg.Client.BasicUsername
		if cfg.BasicPassword != nil {
			qcfg.BasicPass = *cfg.BasicPassword
		}
	}

	return &Client{
		api:      qbt.NewClient(qcfg),
		fetcher:  fetcher,
		id:       cfg.Client.ID,
		name:     cfg.Client.Name,
		category: cfg.Client.Category,
		log: log.With().
			Str("module", "qbittorrent").
			Int64("clientId", cfg.Client.ID).
			Str("client", cfg.Client.Name).
			Logger(),
		isHealthy: true,
		now:       time.Now,
	}
}

func (c *Client) ID() int64                  { return c.id }
func (c *Client) Name() string               { return c.name }
func (c *Client) Protocol() release.Protocol { return release.ProtocolTorrent }

func (c *Client) GetWebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTags
}

func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

func (c *Client) GetLastHealthCheck() time.Time {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.lastHealthCheck
}

// Test logs in and reports the Web API version.
func (c *Client) Test(ctx context.Context) (string, error) {
	if err := c.ensureLogin(ctx, true); err != nil {
		return "", err
	}
	return c.GetWebAPIVersion(), nil
}

// GetItems lists the torrents in the client's category.
func (c *Client) GetItems(ctx context.Context) ([]downloadclient.Item, error) {
	if err := c.ensureLogin(ctx, false); err != nil {
		return nil, err
	}
	torrents, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Category: c.category})
	if err != nil {
		return nil, c.failed(err, "failed to list torrents")
	}
	c.succeeded()

	items := make([]downloadclient.Item, 0, len(torrents))
	for i := range torrents {
		items = append(items, c.item(&torrents[i]))
	}
	return items, nil
}

// Download adds the candidate's magnet or .torrent and returns its info hash.
func (c *Client) Download(ctx context.Context, cand *decision.Candidate) (string, error) {
	if err := c.ensureLogin(ctx, false); err != nil {
		return "", err
	}

	options := map[string]string{"category": c.category}
	if c.SupportsTags() {
		options["tags"] = clientTag
	}

	r := cand.Release
	magnet := r.MagnetURI
	if magnet == "" && strings.HasPrefix(r.DownloadURL, "magnet:") {
		magnet = r.DownloadURL
	}

	var hash string
	if magnet != "" {
		m, err := metainfo.ParseMagnetURI(magnet)
		if err != nil {
			return "", errors.Wrap(err, "invalid magnet link")
		}
		hash = m.InfoHash.HexString()
		if err := c.api.AddTorrentFromUrlCtx(ctx, magnet, options); err != nil {
			return "", c.failed(err, "failed to add magnet")
		}
	} else {
		if r.DownloadURL == "" {
			return "", errors.New("release has no download link")
		}
		data, err := c.fetcher.Download(ctx, r.SourceID, r.DownloadURL)
		if err != nil {
			return "", errors.Wrap(err, "failed to fetch torrent file")
		}
		mi, err := metainfo.Load(bytes.NewReader(data))
		if err != nil {
			return "", errors.Wrap(err, "indexer returned an invalid torrent file")
		}
		hash = mi.HashInfoBytes().HexString()
		if err := c.api.AddTorrentFromMemoryCtx(ctx, data, options); err != nil {
			return "", c.failed(err, "failed to add torrent")
		}
	}
	c.succeeded()

	c.log.Debug().Str("hash", hash).Str("release", r.Title).Msg("torrent added")
	return hash, nil
}

// ensureLogin logs in on first use and refreshes capabilities. Clients in
// backoff fail fast unless force is set.
func (c *Client) ensureLogin(ctx context.Context, force bool) error {
	if !force {
		if until, ok := c.inBackoff(); ok {
			return errors.Wrapf(downloadclient.ErrUnavailable, "%s is backing off until %s", c.name, until.Format(time.RFC3339))
		}
		c.mu.RLock()
		loggedIn := c.loggedIn
		c.mu.RUnlock()
		if loggedIn {
			return nil
		}
	}

	if err := c.api.LoginCtx(ctx); err != nil {
		return c.failed(err, "failed to log in to qBittorrent")
	}
	if err := c.RefreshCapabilities(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	c.succeeded()
	return nil
}

// RefreshCapabilities reads the Web API version and caches what it supports.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.api.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return c.failed(err, "failed to read Web API version")
	}
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return errors.Wrapf(err, "unrecognised Web API version %q", version)
	}
	if v.LessThan(minimumWebAPIVersion) {
		return errors.Errorf("qBittorrent Web API %s is older than the supported %s", v, minimumWebAPIVersion)
	}

	c.mu.Lock()
	previous := c.webAPIVersion
	c.webAPIVersion = v.String()
	c.supportsTags = !v.LessThan(tagsMinVersion)
	c.mu.Unlock()

	if previous != v.String() {
		c.log.Info().Str("previousWebAPIVersion", previous).Str("webAPIVersion", v.String()).Msg("qBittorrent Web API version detected")
	}
	return nil
}

// failed records the failure and marks connection problems as ErrUnavailable.
func (c *Client) failed(err error, msg string) error {
	if !isConnectionError(err) {
		return errors.Wrap(err, msg)
	}

	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()

	c.healthMu.Lock()
	c.failures++
	backoff := calculateBackoff(c.failures, initialBackoff, maxBackoff)
	if isBanError(err) {
		backoff = calculateBackoff(c.failures, banInitialBackoff, banMaxBackoff)
	}
	c.isHealthy = false
	c.lastHealthCheck = c.now()
	c.nextRetry = c.now().Add(backoff)
	attempts := c.failures
	c.healthMu.Unlock()

	c.log.Warn().Err(err).Int("attempts", attempts).Dur("backoff", backoff).Msg(msg)
	return errors.Wrap(errors.Wrap(downloadclient.ErrUnavailable, err.Error()), msg)
}

func (c *Client) succeeded() {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.failures > 0 {
		c.log.Info().Int("attempts", c.failures).Msg("qBittorrent reachable again")
	}
	c.failures = 0
	c.nextRetry = time.Time{}
	c.isHealthy = true
	c.lastHealthCheck = c.now()
}

func (c *Client) inBackoff() (time.Time, bool) {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.nextRetry, c.now().Before(c.nextRetry)
}

func (c *Client) item(t *qbt.Torrent) downloadclient.Item {
	status, message := mapState(t)
	eta := time.Duration(0)
	if t.ETA > 0 && t.ETA < infiniteETA {
		eta = time.Duration(t.ETA) * time.Second
	}
	output := t.ContentPath
	if output == "" && t.SavePath != "" {
		output = filepath.Join(t.SavePath, t.Name)
	}
	return downloadclient.Item{
		ClientID:   c.id,
		ClientName: c.name,
		DownloadID: strings.ToLower(t.Hash),
		Title:      t.Name,
		Category:   t.Category,
		Status:     status,
		OutputPath: output,
		Size:       t.Size,
		Remaining:  t.AmountLeft,
		ETA:        eta,
		Message:    message,
	}
}

func mapState(t *qbt.Torrent) (downloadclient.Status, string) {
	switch t.State {
	case qbt.TorrentStateError:
		return downloadclient.StatusFailed, "qBittorrent reported an error for this torrent"
	case qbt.TorrentStateMissingFiles:
		return downloadclient.StatusFailed, "torrent files are missing"
	case qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl:
		return downloadclient.StatusPaused, ""
	case qbt.TorrentStateQueuedDl,
		qbt.TorrentStateMetaDl,
		qbt.TorrentStateCheckingDl,
		qbt.TorrentStateCheckingResumeData,
		qbt.TorrentStateAllocating:
		return downloadclient.StatusQueued, ""
	case qbt.TorrentStateDownloading,
		qbt.TorrentStateStalledDl,
		qbt.TorrentStateForcedDl,
		qbt.TorrentStateMoving,
		qbt.TorrentStateUnknown:
		return downloadclient.StatusDownloading, ""
	}
	if t.Progress < completionProgressThreshold {
		return downloadclient.StatusDownloading, ""
	}
	return downloadclient.StatusCompleted, ""
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "no such host", "timeout", "eof", "unexpected status", "forbidden", "banned", "bad credentials", "login"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
