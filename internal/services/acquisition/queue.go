// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package acquisition

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/quality"
	"github.com/autobrr/gamarr/internal/services/tracking"
)

type QueueKind string

const (
	QueueDownload QueueKind = "download"
	QueuePending  QueueKind = "pending"
)

// QueueItem is one row of the combined download and pending queue.
type QueueItem struct {
	ID         string        `json:"id"`
	Kind       QueueKind     `json:"kind"`
	GameID     int64         `json:"gameId,omitempty"`
	Title      string        `json:"title"`
	Status     string        `json:"status"`
	Quality    quality.Model `json:"quality"`
	Indexer    string        `json:"indexer,omitempty"`
	Client     string        `json:"client,omitempty"`
	Size       int64         `json:"size"`
	Remaining  int64         `json:"remaining"`
	ETA        time.Duration `json:"eta"`
	Messages   []string      `json:"messages,omitempty"`
	DownloadID string        `json:"downloadId,omitempty"`
	AddedAt    time.Time     `json:"addedAt"`
}

// QueueSnapshot merges tracked downloads and pending holds. Downloads come
// first, newest first, followed by holds in the order they become ready.
func (s *Service) QueueSnapshot(ctx context.Context) ([]QueueItem, error) {
	var out []QueueItem
	for _, dl := range s.Tracker.Items() {
		out = append(out, downloadItem(dl))
	}

	held, err := s.Pending.List(ctx)
	if err != nil {
		return out, errors.Wrap(err, "failed to list pending releases")
	}
	now := s.now()
	contexts := map[int64]*decision.SearchContext{}
	pending := make([]QueueItem, 0, len(held))
	for _, p := range held {
		sctx, ok := contexts[p.GameID]
		if !ok && s.Contexts != nil {
			if _, c, err := s.Contexts.ContextFor(ctx, p.GameID, false); err == nil {
				sctx = c
			}
			contexts[p.GameID] = sctx
		}
		pending = append(pending, s.pendingItem(p, sctx, now))
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].ETA < pending[j].ETA })
	return append(out, pending...), nil
}

func downloadItem(dl tracking.TrackedDownload) QueueItem {
	return QueueItem{
		ID:         "download:" + strconv.FormatInt(dl.ClientID, 10) + ":" + dl.DownloadID,
		Kind:       QueueDownload,
		GameID:     dl.GameID,
		Title:      dl.Title,
		Status:     string(dl.State),
		Quality:    dl.Quality,
		Indexer:    dl.Indexer,
		Client:     dl.ClientName,
		Size:       dl.Size,
		Remaining:  dl.Remaining,
		ETA:        dl.ETA,
		Messages:   dl.Messages,
		DownloadID: dl.DownloadID,
		AddedAt:    dl.AddedAt,
	}
}

func (s *Service) pendingItem(p *models.PendingRelease, sctx *decision.SearchContext, now time.Time) QueueItem {
	c := p.Candidate
	item := QueueItem{
		ID:      "pending:" + strconv.FormatInt(p.ID, 10),
		Kind:    QueuePending,
		GameID:  p.GameID,
		Title:   c.Release.Title,
		Status:  "Pending" + string(p.Reason),
		Quality: c.Quality(),
		Indexer: c.Release.SourceName,
		Size:    c.Release.Size,
		AddedAt: p.AddedAt,
	}
	item.Remaining = item.Size

	if p.Reason == models.PendingDelay && sctx != nil {
		if dp := decision.BestDelayProfile(sctx.DelayProfiles, sctx.Target.Tags); dp != nil {
			start := c.Release.PublishDate
			if !sctx.OldestPending.IsZero() && sctx.OldestPending.Before(start) {
				start = sctx.OldestPending
			}
			if ready := start.Add(dp.Delay(c.Release.Protocol)); ready.After(now) {
				item.ETA = ready.Sub(now)
			}
		}
		item.Messages = []string{"waiting for delay to expire"}
	}
	if p.Reason == models.PendingDownloadClientUnavailable {
		item.Messages = []string{"download client unavailable, retrying"}
	}
	return item
}
