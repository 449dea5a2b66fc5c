// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/customformat"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/release"
)

type GameReader interface {
	Get(ctx context.Context, id int64) (*models.Game, error)
}

type ProfileReader interface {
	Get(ctx context.Context, id int64) (*quality.Profile, error)
}

type DelayProfileReader interface {
	List(ctx context.Context) ([]decision.DelayProfile, error)
}

// QueueStater reports what the download clients already hold.
type QueueStater interface {
	QueueState() decision.QueueState
}

// PendingLookup reads the pending release queue.
type PendingLookup interface {
	OldestPublishDate(ctx context.Context, gameID int64) (time.Time, error)
	CountForGame(ctx context.Context, gameID int64) (int, error)
}

// Evaluator assembles candidates and search contexts from stored state. It is
// shared by the dispatcher, the pending queue and interactive grabs.
type Evaluator struct {
	games    GameReader
	profiles ProfileReader
	delays   DelayProfileReader
	formats  *customformat.Engine
	parser   *parser.Parser

	queue   QueueStater
	pending PendingLookup

	now func() time.Time
}

func NewEvaluator(games GameReader, profiles ProfileReader, delays DelayProfileReader, formats *customformat.Engine, p *parser.Parser) *Evaluator {
	return &Evaluator{
		games:    games,
		profiles: profiles,
		delays:   delays,
		formats:  formats,
		parser:   p,
		now:      time.Now,
	}
}

// SetQueue wires the download queue view. Both collaborators depend on the
// evaluator, so they are attached after construction.
func (e *Evaluator) SetQueue(q QueueStater) { e.queue = q }

func (e *Evaluator) SetPending(p PendingLookup) { e.pending = p }

func (e *Evaluator) Game(ctx context.Context, id int64) (*models.Game, error) {
	return e.games.Get(ctx, id)
}

// Context builds the search context for game. A missing quality profile yields a
// nil profile, which the pipeline rejects as InvalidProfile.
func (e *Evaluator) Context(ctx context.Context, game *models.Game, userInvoked, interactive bool) (*decision.SearchContext, error) {
	profile, err := e.profiles.Get(ctx, game.QualityProfileID)
	if err != nil {
		if !errors.Is(err, models.ErrQualityProfileNotFound) {
			return nil, errors.Wrapf(err, "load quality profile %d", game.QualityProfileID)
		}
		profile = nil
	}

	delays, err := e.delays.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load delay profiles")
	}

	sctx := &decision.SearchContext{
		Target: decision.Target{
			GameID:  game.ID,
			Title:   game.Title,
			Tags:    game.Tags,
			Profile: profile,
		},
		DelayProfiles: delays,
		UserInvoked:   userInvoked,
		Interactive:   interactive,
		Now:           e.now(),
	}
	if game.File != nil {
		sctx.Target.ExistingFile = &decision.ExistingFile{
			Quality: game.File.Quality,
			Formats: game.File.Formats,
			Version: game.File.Version,
		}
	}
	if e.queue != nil {
		sctx.Queue = e.queue.QueueState()
	}
	if e.pending != nil {
		oldest, err := e.pending.OldestPublishDate(ctx, game.ID)
		if err != nil {
			return nil, errors.Wrap(err, "load pending releases")
		}
		sctx.OldestPending = oldest
	}
	return sctx, nil
}

// ContextFor loads the game and builds its context. Returns models.ErrGameNotFound
// when the title was removed.
func (e *Evaluator) ContextFor(ctx context.Context, gameID int64, userInvoked bool) (*models.Game, *decision.SearchContext, error) {
	game, err := e.games.Get(ctx, gameID)
	if err != nil {
		return nil, nil, err
	}
	sctx, err := e.Context(ctx, game, userInvoked, false)
	if err != nil {
		return nil, nil, err
	}
	return game, sctx, nil
}

// Candidate parses info and scores it against the custom formats and profile.
func (e *Evaluator) Candidate(info release.Info, game *models.Game, profile *quality.Profile) *decision.Candidate {
	parsed := e.parser.Parse(info.Title)
	env := customformat.Env{
		Title:       info.Title,
		GameTitle:   game.Title,
		Group:       parsed.Group,
		Quality:     string(parsed.Quality.Quality),
		Platform:    parsed.Platform,
		ContentType: string(parsed.ContentType),
		Version:     parsed.Version,
		Indexer:     info.SourceName,
		Protocol:    string(info.Protocol),
		Size:        info.Size,
		Seeders:     info.Seeders,
		Repack:      parsed.Quality.Revision.IsRepack(),
	}

	c := &decision.Candidate{
		Release: info,
		Parsed:  parsed,
		Formats: e.formats.Match(env),
	}
	if profile != nil {
		c.FormatScore = profile.Score(c.Formats)
	}
	return c
}
