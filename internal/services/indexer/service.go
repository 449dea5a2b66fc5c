// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexer adapts configured Torznab/Newznab indexers into release sources.
package indexer

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/release"
)

// Store is the subset of models.IndexerStore the service needs.
type Store interface {
	List(ctx context.Context) ([]*models.Indexer, error)
	Get(ctx context.Context, id int64) (*models.Indexer, error)
	GetDecryptedAPIKey(in *models.Indexer) (string, error)
	UpdateCaps(ctx context.Context, id int64, supportsIDSearch bool, at time.Time) error
}

// Service hands out ready-to-query sources and owns their shared rate limiter.
type Service struct {
	store   Store
	limiter *RateLimiter
	timeout time.Duration
	log     zerolog.Logger

	capsAttempts uint
	capsDelay    time.Duration
	now          func() time.Time
}

func NewService(store Store, timeout time.Duration) *Service {
	return &Service{
		store:        store,
		limiter:      NewRateLimiter(),
		timeout:      timeout,
		log:          log.With().Str("module", "indexer").Logger(),
		capsAttempts: 3,
		capsDelay:    2 * time.Second,
		now:          time.Now,
	}
}

func (s *Service) RateLimiter() *RateLimiter { return s.limiter }

// Sources returns every enabled indexer. Cooling-down indexers are returned with
// CooldownUntil set so the caller can report them.
func (s *Service) Sources(ctx context.Context) ([]release.Source, error) {
	indexers, err := s.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list indexers")
	}

	sources := make([]release.Source, 0, len(indexers))
	for _, in := range indexers {
		if !in.Enabled {
			continue
		}
		src, err := s.newSource(in)
		if err != nil {
			s.log.Warn().Err(err).Str("indexer", in.Name).Msg("skipping indexer")
			continue
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (s *Service) newSource(in *models.Indexer) (*Source, error) {
	apiKey, err := s.store.GetDecryptedAPIKey(in)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decrypt api key for indexer %d", in.ID)
	}
	return &Source{
		indexer: in,
		client:  NewClient(in.BaseURL, apiKey, s.timeout),
		limiter: s.limiter,
		log:     s.log.With().Str("indexer", in.Name).Logger(),
	}, nil
}

// Download fetches the release file behind a candidate's download url with retries.
// 4xx responses other than 429 are not retried.
func (s *Service) Download(ctx context.Context, sourceID int64, downloadURL string) ([]byte, error) {
	in, err := s.store.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	src, err := s.newSource(in)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = retry.Do(
		func() error {
			var derr error
			data, derr = src.client.Download(ctx, downloadURL)
			return derr
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
	)
	if err != nil {
		var dlErr *DownloadError
		if errors.As(err, &dlErr) && dlErr.IsRateLimited() {
			s.limiter.RecordRateLimit(sourceID, dlErr.RetryAfter)
		}
		return nil, err
	}
	return data, nil
}

func retryable(err error) bool {
	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr.IsRateLimited() || dlErr.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

// SyncCaps refreshes identifier search support for every enabled indexer. One
// failing indexer does not stop the others; the last error is returned.
func (s *Service) SyncCaps(ctx context.Context) error {
	indexers, err := s.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list indexers")
	}

	var lastErr error
	for _, in := range indexers {
		if !in.Enabled {
			continue
		}
		if err := s.syncIndexerCaps(ctx, in); err != nil {
			s.log.Warn().Err(err).Str("indexer", in.Name).Msg("caps sync failed")
			lastErr = err
		}
	}
	return lastErr
}

func (s *Service) SyncIndexerCaps(ctx context.Context, id int64) error {
	in, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.syncIndexerCaps(ctx, in)
}

func (s *Service) syncIndexerCaps(ctx context.Context, in *models.Indexer) error {
	src, err := s.newSource(in)
	if err != nil {
		return err
	}

	var caps *Caps
	err = retry.Do(
		func() error {
			var cerr error
			caps, cerr = src.client.FetchCaps(ctx)
			return cerr
		},
		retry.Context(ctx),
		retry.Attempts(s.capsAttempts),
		retry.Delay(s.capsDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			s.log.Debug().Err(err).Uint("attempt", n+1).Str("indexer", in.Name).Msg("retrying caps fetch")
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "fetch caps for indexer %d", in.ID)
	}

	supports := caps.SupportsIdentifierSearch()
	if err := s.store.UpdateCaps(ctx, in.ID, supports, s.now()); err != nil {
		return err
	}
	s.log.Debug().Str("indexer", in.Name).Bool("idSearch", supports).Strs("params", caps.SupportedParams).Msg("caps updated")
	return nil
}

// Source is one indexer bound to its client.
type Source struct {
	indexer *models.Indexer
	client  *Client
	limiter *RateLimiter
	log     zerolog.Logger
}

func (s *Source) Info() release.SourceInfo {
	info := release.SourceInfo{
		ID:               s.indexer.ID,
		Name:             s.indexer.Name,
		Protocol:         s.indexer.Protocol,
		Priority:         s.indexer.Priority,
		Tags:             s.indexer.Tags,
		Categories:       s.indexer.Categories,
		SupportsIDSearch: s.indexer.SupportsIDSearch,
	}
	if cooling, until := s.limiter.IsInCooldown(s.indexer.ID); cooling {
		info.CooldownUntil = until
	}
	return info
}

func (s *Source) Fetch(ctx context.Context, q release.Query) ([]release.Info, error) {
	if len(q.Categories) == 0 {
		q.Categories = s.indexer.Categories
		if len(q.Categories) == 0 {
			q.Categories = DefaultCategories
		}
	}

	results, err := s.client.Search(ctx, q)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			var retryAfter time.Duration
			var dlErr *DownloadError
			if errors.As(err, &dlErr) {
				retryAfter = dlErr.RetryAfter
			}
			cooldown := s.limiter.RecordRateLimit(s.indexer.ID, retryAfter)
			s.log.Debug().Err(err).Dur("cooldown", cooldown).Msg("search failed")
		}
		return nil, err
	}
	s.limiter.RecordSuccess(s.indexer.ID)

	out := make([]release.Info, 0, len(results))
	for _, r := range results {
		if r.Title == "" {
			continue
		}
		out = append(out, s.toRelease(r))
	}
	return out, nil
}

func (s *Source) toRelease(r Result) release.Info {
	guid := r.GUID
	if guid == "" {
		guid = strconv.FormatInt(s.indexer.ID, 10) + "-" + r.Title
	}
	return release.Info{
		GUID:           guid,
		Title:          r.Title,
		DownloadURL:    r.Link,
		InfoURL:        r.Details,
		MagnetURI:      r.MagnetURI,
		InfoHash:       r.InfoHash,
		PublishDate:    r.PublishDate,
		Size:           r.Size,
		Seeders:        r.Seeders,
		Peers:          r.Peers,
		Categories:     r.Categories,
		Protocol:       s.indexer.Protocol,
		SourceID:       s.indexer.ID,
		SourceName:     s.indexer.Name,
		SourcePriority: s.indexer.Priority,
		SourceTags:     s.indexer.Tags,
	}
}
