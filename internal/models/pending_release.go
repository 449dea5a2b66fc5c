// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/decision"
)

type PendingReason string

const (
	PendingDelay                     PendingReason = "Delay"
	PendingDownloadClientUnavailable PendingReason = "DownloadClientUnavailable"
	PendingFallback                  PendingReason = "Fallback"
)

// PendingRelease is a candidate held after a temporary rejection.
type PendingRelease struct {
	ID        int64               `json:"id"`
	GameID    int64               `json:"gameId"`
	Reason    PendingReason       `json:"reason"`
	Candidate *decision.Candidate `json:"candidate"`
	AddedAt   time.Time           `json:"addedAt"`
}

// SameIdentity compares title, source and publish date. Guids are ignored because
// sources reissue the same release under a new guid.
func (p *PendingRelease) SameIdentity(c *decision.Candidate) bool {
	a, b := p.Candidate.Release, c.Release
	return a.Title == b.Title && a.SourceID == b.SourceID && a.PublishDate.Equal(b.PublishDate)
}

type PendingReleaseStore struct {
	db dbinterface.Querier
}

func NewPendingReleaseStore(db dbinterface.Querier) *PendingReleaseStore {
	return &PendingReleaseStore{db: db}
}

func (s *PendingReleaseStore) Insert(ctx context.Context, p *PendingRelease) (*PendingRelease, error) {
	if p.Candidate == nil {
		return nil, errors.New("pending release has no candidate")
	}
	raw, err := json.Marshal(p.Candidate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode pending candidate")
	}
	if p.AddedAt.IsZero() {
		p.AddedAt = time.Now()
	}

	out := *p
	out.AddedAt = p.AddedAt.UTC()
	r := p.Candidate.Release
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO pending_releases (game_id, title, source_id, publish_date, reason, release, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, p.GameID, r.Title, r.SourceID, r.PublishDate.UTC(), string(p.Reason), string(raw), out.AddedAt).Scan(&out.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert pending release")
	}
	return &out, nil
}

func (s *PendingReleaseStore) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, dbinterface.BuildQueryWithPlaceholders("DELETE FROM pending_releases WHERE id IN %s", len(ids), 1), args...); err != nil {
		return errors.Wrap(err, "failed to delete pending releases")
	}
	return nil
}

func (s *PendingReleaseStore) DeleteForGame(ctx context.Context, gameID int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_releases WHERE game_id = ?`, gameID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete pending releases")
	}
	return result.RowsAffected()
}

const pendingSelect = `SELECT id, game_id, reason, release, added_at FROM pending_releases`

func (s *PendingReleaseStore) List(ctx context.Context) ([]*PendingRelease, error) {
	return s.query(ctx, pendingSelect+" ORDER BY added_at ASC, id ASC")
}

func (s *PendingReleaseStore) ListForGame(ctx context.Context, gameID int64) ([]*PendingRelease, error) {
	return s.query(ctx, pendingSelect+" WHERE game_id = ? ORDER BY added_at ASC, id ASC", gameID)
}

func (s *PendingReleaseStore) query(ctx context.Context, query string, args ...any) ([]*PendingRelease, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingRelease
	for rows.Next() {
		var p PendingRelease
		var reason, raw string
		if err := rows.Scan(&p.ID, &p.GameID, &reason, &raw, &p.AddedAt); err != nil {
			return nil, err
		}
		p.Reason = PendingReason(reason)
		p.Candidate = &decision.Candidate{}
		if err := json.Unmarshal([]byte(raw), p.Candidate); err != nil {
			return nil, errors.Wrapf(err, "pending release %d", p.ID)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
