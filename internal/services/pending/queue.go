// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package pending holds temporarily rejected releases and re-offers them to the
// decision pipeline.
package pending

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
	"github.com/autobrr/gamarr/internal/services/search"
)

var ErrPermanentRejection = errors.New("permanently rejected releases cannot be held")

type Store interface {
	Insert(ctx context.Context, p *models.PendingRelease) (*models.PendingRelease, error)
	Delete(ctx context.Context, ids ...int64) error
	DeleteForGame(ctx context.Context, gameID int64) (int64, error)
	List(ctx context.Context) ([]*models.PendingRelease, error)
	ListForGame(ctx context.Context, gameID int64) ([]*models.PendingRelease, error)
}

// ContextBuilder rebuilds what the pipeline needs for a held release.
type ContextBuilder interface {
	ContextFor(ctx context.Context, gameID int64, userInvoked bool) (*models.Game, *decision.SearchContext, error)
	Candidate(info release.Info, game *models.Game, profile *quality.Profile) *decision.Candidate
}

// Queue serializes every mutation behind one mutex. Reads go straight to the
// store so the evaluator can consult the queue while a mutation is running.
type Queue struct {
	mu       sync.Mutex
	store    Store
	builder  ContextBuilder
	pipeline *decision.DownloadPipeline
	log      zerolog.Logger
	now      func() time.Time
}

func NewQueue(store Store, builder ContextBuilder, pipeline *decision.DownloadPipeline) *Queue {
	return &Queue{
		store:    store,
		builder:  builder,
		pipeline: pipeline,
		log:      log.With().Str("module", "pending").Logger(),
		now:      time.Now,
	}
}

// Add holds d under reason. No duplicate is inserted when a hold with the same
// identity exists; when the reason shifted and two or more such holds exist, the
// extras are removed. Reports whether a new hold was inserted.
func (q *Queue) Add(ctx context.Context, d *decision.Decision, reason models.PendingReason) (bool, error) {
	if d.Rejected() {
		return false, ErrPermanentRejection
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	held, err := q.store.ListForGame(ctx, d.GameID)
	if err != nil {
		return false, errors.Wrap(err, "failed to list pending releases")
	}

	var dups []*models.PendingRelease
	for _, p := range held {
		if p.SameIdentity(d.Candidate) {
			dups = append(dups, p)
		}
	}

	if len(dups) == 0 {
		_, err := q.store.Insert(ctx, &models.PendingRelease{
			GameID:    d.GameID,
			Reason:    reason,
			Candidate: d.Candidate,
			AddedAt:   q.now(),
		})
		if err != nil {
			return false, errors.Wrap(err, "failed to hold release")
		}
		q.log.Debug().
			Int64("gameId", d.GameID).
			Str("release", d.Candidate.Release.Title).
			Str("reason", string(reason)).
			Msg("release held")
		return true, nil
	}

	reasonShifted := slices.ContainsFunc(dups, func(p *models.PendingRelease) bool { return p.Reason != reason })
	if reasonShifted && len(dups) >= 2 {
		extra := make([]int64, 0, len(dups)-1)
		for _, p := range dups[1:] {
			extra = append(extra, p.ID)
		}
		if err := q.store.Delete(ctx, extra...); err != nil {
			return false, errors.Wrap(err, "failed to remove duplicate holds")
		}
		q.log.Debug().Int64("gameId", d.GameID).Int("removed", len(extra)).Msg("removed duplicate holds")
	}
	return false, nil
}

// RemoveGrabbed deletes every hold for the grabbed title whose quality tier is
// equal to or below the grabbed one. Higher tier holds stay.
func (q *Queue) RemoveGrabbed(ctx context.Context, grabbed *decision.Decision) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, err := q.store.ListForGame(ctx, grabbed.GameID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list pending releases")
	}
	if len(held) == 0 {
		return 0, nil
	}

	var profile *quality.Profile
	if _, sctx, err := q.builder.ContextFor(ctx, grabbed.GameID, false); err == nil {
		profile = sctx.Target.Profile
	} else if !errors.Is(err, models.ErrGameNotFound) {
		return 0, err
	}

	grabbedTier := tierIndex(profile, grabbed.Candidate.Quality().Quality)
	var ids []int64
	for _, p := range held {
		if tierIndex(profile, p.Candidate.Quality().Quality) <= grabbedTier {
			ids = append(ids, p.ID)
		}
	}
	if err := q.store.Delete(ctx, ids...); err != nil {
		return 0, errors.Wrap(err, "failed to remove grabbed holds")
	}
	return len(ids), nil
}

// tierIndex ranks q within profile, falling back to the catalog order.
func tierIndex(profile *quality.Profile, q quality.ID) int {
	if profile != nil {
		if idx := profile.Index(q); idx >= 0 {
			return idx
		}
	}
	return slices.Index(quality.Catalog, q)
}

func (q *Queue) RemoveForTitle(ctx context.Context, gameID int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteForGame(ctx, gameID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to remove holds for game")
	}
	return n, nil
}

// Reprocess re-evaluates every hold as an automatic search. Holds of removed
// games and holds that became permanently rejected are deleted. Approved
// decisions are returned best first per game and stay held until the caller
// grabs them and calls RemoveGrabbed.
func (q *Queue) Reprocess(ctx context.Context) ([]*decision.Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	held, err := q.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending releases")
	}

	byGame := make(map[int64][]*models.PendingRelease)
	var order []int64
	for _, p := range held {
		if _, ok := byGame[p.GameID]; !ok {
			order = append(order, p.GameID)
		}
		byGame[p.GameID] = append(byGame[p.GameID], p)
	}

	var approved []*decision.Decision
	for _, gameID := range order {
		holds := byGame[gameID]

		game, sctx, err := q.builder.ContextFor(ctx, gameID, false)
		if errors.Is(err, models.ErrGameNotFound) {
			if _, err := q.store.DeleteForGame(ctx, gameID); err != nil {
				return approved, errors.Wrap(err, "failed to remove holds for removed game")
			}
			q.log.Debug().Int64("gameId", gameID).Int("holds", len(holds)).Msg("game removed, dropped holds")
			continue
		}
		if err != nil {
			q.log.Warn().Err(err).Int64("gameId", gameID).Msg("failed to rebuild search context")
			continue
		}

		var drop []int64
		var gameApproved []*decision.Decision
		for _, p := range holds {
			c := q.builder.Candidate(p.Candidate.Release, game, sctx.Target.Profile)
			d := q.pipeline.Evaluate(c, sctx)
			switch d.Status() {
			case decision.StatusApproved:
				gameApproved = append(gameApproved, d)
			case decision.StatusRejected:
				drop = append(drop, p.ID)
			}
		}

		if err := q.store.Delete(ctx, drop...); err != nil {
			return approved, errors.Wrap(err, "failed to drop rejected holds")
		}
		search.Rank(gameApproved)
		approved = append(approved, gameApproved...)
	}

	if len(approved) > 0 {
		q.log.Info().Int("approved", len(approved)).Msg("pending releases ready to grab")
	}
	return approved, nil
}

func (q *Queue) List(ctx context.Context) ([]*models.PendingRelease, error) {
	return q.store.List(ctx)
}

func (q *Queue) Count(ctx context.Context) (int, error) {
	held, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(held), nil
}

func (q *Queue) CountForGame(ctx context.Context, gameID int64) (int, error) {
	held, err := q.store.ListForGame(ctx, gameID)
	if err != nil {
		return 0, err
	}
	return len(held), nil
}

// OldestPublishDate returns the earliest publish date among holds for gameID,
// zero when there are none.
func (q *Queue) OldestPublishDate(ctx context.Context, gameID int64) (time.Time, error) {
	held, err := q.store.ListForGame(ctx, gameID)
	if err != nil {
		return time.Time{}, err
	}
	var oldest time.Time
	for _, p := range held {
		published := p.Candidate.Release.PublishDate
		if published.IsZero() {
			continue
		}
		if oldest.IsZero() || published.Before(oldest) {
			oldest = published
		}
	}
	return oldest, nil
}
