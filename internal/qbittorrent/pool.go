// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/models"
)

var ErrPoolClosed = errors.New("client pool is closed")

const (
	// Normal failure backoff durations
	initialBackoff = 10 * time.Second
	maxBackoff     = 1 * time.Minute

	// Ban-related backoff durations
	banInitialBackoff = 5 * time.Minute
	banMaxBackoff     = 1 * time.Hour
)

// ClientStore is the subset of the download client store the pool reads.
type ClientStore interface {
	List(ctx context.Context) ([]*models.DownloadClient, error)
	GetDecryptedPassword(c *models.DownloadClient) (string, error)
	GetDecryptedBasicPassword(c *models.DownloadClient) (*string, error)
}

type pooledClient struct {
	client      *Client
	fingerprint uint64
}

// ClientPool keeps one Client per configured instance and rebuilds it when the
// stored configuration changes.
type ClientPool struct {
	store   ClientStore
	fetcher TorrentFetcher
	timeout time.Duration

	mu                sync.RWMutex
	clients           map[int64]*pooledClient
	decryptionTracker map[int64]bool
	closed            bool
}

func NewClientPool(store ClientStore, fetcher TorrentFetcher, timeout time.Duration) *ClientPool {
	return &ClientPool{
		store:             store,
		fetcher:           fetcher,
		timeout:           timeout,
		clients:           make(map[int64]*pooledClient),
		decryptionTracker: make(map[int64]bool),
	}
}

// Clients returns the enabled clients by priority. Instances whose credentials
// cannot be decrypted are skipped.
func (cp *ClientPool) Clients(ctx context.Context) ([]downloadclient.Client, error) {
	configs, err := cp.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list download clients")
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil, ErrPoolClosed
	}

	seen := make(map[int64]bool, len(configs))
	out := make([]downloadclient.Client, 0, len(configs))
	for _, cfg := range configs {
		seen[cfg.ID] = true
		if !cfg.Enabled {
			delete(cp.clients, cfg.ID)
			continue
		}
		client, err := cp.clientLocked(cfg)
		if err != nil {
			continue
		}
		out = append(out, client)
	}
	for id := range cp.clients {
		if !seen[id] {
			delete(cp.clients, id)
		}
	}
	return out, nil
}

// Build creates a standalone client for a connection test.
func (cp *ClientPool) Build(cfg *models.DownloadClient) (*Client, error) {
	password, basicPassword, err := cp.credentials(cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(Config{Client: cfg, Password: password, BasicPassword: basicPassword, Timeout: cp.timeout}, cp.fetcher), nil
}

func (cp *ClientPool) clientLocked(cfg *models.DownloadClient) (*Client, error) {
	fp := fingerprint(cfg)
	if pc, ok := cp.clients[cfg.ID]; ok && pc.fingerprint == fp {
		return pc.client, nil
	}

	password, basicPassword, err := cp.credentials(cfg)
	if err != nil {
		if cp.isDecryptionError(err) && !cp.decryptionTracker[cfg.ID] {
			cp.decryptionTracker[cfg.ID] = true
			log.Error().Err(err).Int64("clientId", cfg.ID).Str("client", cfg.Name).
				Msg("Failed to decrypt download client password, likely due to an encryption key change. Re-enter the password to use this client")
		}
		return nil, err
	}
	delete(cp.decryptionTracker, cfg.ID)

	client := NewClient(Config{Client: cfg, Password: password, BasicPassword: basicPassword, Timeout: cp.timeout}, cp.fetcher)
	cp.clients[cfg.ID] = &pooledClient{client: client, fingerprint: fp}
	log.Debug().Int64("clientId", cfg.ID).Str("client", cfg.Name).Str("host", cfg.Host).Msg("qBittorrent client configured")
	return client, nil
}

func (cp *ClientPool) credentials(cfg *models.DownloadClient) (string, *string, error) {
	password, err := cp.store.GetDecryptedPassword(cfg)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to decrypt password")
	}
	basicPassword, err := cp.store.GetDecryptedBasicPassword(cfg)
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to decrypt basic auth password")
	}
	return password, basicPassword, nil
}

// RemoveClient drops the cached client so the next call reconnects.
func (cp *ClientPool) RemoveClient(id int64) {
	cp.mu.Lock()
	delete(cp.clients, id)
	delete(cp.decryptionTracker, id)
	cp.mu.Unlock()
	log.Debug().Int64("clientId", id).Msg("Removed client from pool")
}

// GetClientsWithDecryptionErrors lists clients unusable until their password is re-entered.
func (cp *ClientPool) GetClientsWithDecryptionErrors() []int64 {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	ids := make([]int64, 0, len(cp.decryptionTracker))
	for id := range cp.decryptionTracker {
		ids = append(ids, id)
	}
	return ids
}

func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true
	clear(cp.clients)
	log.Info().Msg("Client pool closed")
	return nil
}

func (cp *ClientPool) isDecryptionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cipher: message authentication failed") ||
		strings.Contains(msg, "failed to decrypt")
}

// fingerprint changes whenever a setting that affects the connection changes.
func fingerprint(cfg *models.DownloadClient) uint64 {
	var b strings.Builder
	b.WriteString(cfg.Host)
	b.WriteByte(0)
	b.WriteString(cfg.Username)
	b.WriteByte(0)
	b.WriteString(cfg.PasswordEncrypted)
	b.WriteByte(0)
	if cfg.BasicUsername != nil {
		b.WriteString(*cfg.BasicUsername)
	}
	b.WriteByte(0)
	if cfg.BasicPasswordEncrypted != nil {
		b.WriteString(*cfg.BasicPasswordEncrypted)
	}
	b.WriteByte(0)
	b.WriteString(cfg.Name)
	b.WriteByte(0)
	b.WriteString(cfg.Category)
	b.WriteByte(0)
	b.WriteString(strconv.FormatBool(cfg.TLSSkipVerify))
	return xxhash.Sum64String(b.String())
}

// calculateBackoff returns exponential backoff duration with limits
func calculateBackoff(attempts int, initialDuration, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initialDuration, maxDuration)
}

// isBanError checks if the error indicates an IP ban
func isBanError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "ip is banned") ||
		strings.Contains(errorStr, "too many failed login attempts") ||
		strings.Contains(errorStr, "banned") ||
		strings.Contains(errorStr, "rate limit") ||
		strings.Contains(errorStr, "403") ||
		strings.Contains(errorStr, "forbidden")
}
