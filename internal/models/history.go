// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/quality"
)

type HistoryEvent string

const (
	HistoryGrabbed                HistoryEvent = "Grabbed"
	HistoryDownloadFolderImported HistoryEvent = "DownloadFolderImported"
	HistoryDownloadFailed         HistoryEvent = "DownloadFailed"
	HistoryImportBlocked          HistoryEvent = "ImportBlocked"
)

// HistoryEntry is one append-only acquisition event.
type HistoryEntry struct {
	ID             int64             `json:"id"`
	GameID         int64             `json:"gameId"`
	EventType      HistoryEvent      `json:"eventType"`
	DownloadID     string            `json:"downloadId,omitempty"`
	SourceTitle    string            `json:"sourceTitle,omitempty"`
	Indexer        string            `json:"indexer,omitempty"`
	DownloadClient string            `json:"downloadClient,omitempty"`
	Quality        quality.Model     `json:"quality"`
	Data           map[string]string `json:"data,omitempty"`
	Date           time.Time         `json:"date"`
}

// HistoryStore persists history with source titles, indexer and client names interned
// in the string pool.
type HistoryStore struct {
	db  dbinterface.Querier
	now func() time.Time
}

func NewHistoryStore(db dbinterface.Querier) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

func (s *HistoryStore) record(ctx context.Context, event HistoryEvent, e HistoryEntry) (*HistoryEntry, error) {
	e.EventType = event
	if e.Date.IsZero() {
		e.Date = s.now()
	}
	e.Date = e.Date.UTC()
	if e.Quality.Quality == "" {
		e.Quality = quality.Model{Quality: quality.Unknown, Revision: quality.DefaultRevision}
	}

	data, err := marshalColumn(e.Data)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	ids, err := dbinterface.InternStringNullable(ctx, tx, &e.SourceTitle, &e.Indexer, &e.DownloadClient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to intern history strings")
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO history (game_id, event_type, download_id, source_title_id, indexer_id, download_client_id,
			quality, revision_version, revision_real, data, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, e.GameID, string(event), e.DownloadID, ids[0], ids[1], ids[2],
		string(e.Quality.Quality), e.Quality.Revision.Version, e.Quality.Revision.Real, data, e.Date).Scan(&e.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record %s history", event)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return &e, nil
}

func (s *HistoryStore) RecordGrabbed(ctx context.Context, e HistoryEntry) (*HistoryEntry, error) {
	return s.record(ctx, HistoryGrabbed, e)
}

func (s *HistoryStore) RecordImported(ctx context.Context, e HistoryEntry) (*HistoryEntry, error) {
	return s.record(ctx, HistoryDownloadFolderImported, e)
}

func (s *HistoryStore) RecordFailed(ctx context.Context, e HistoryEntry) (*HistoryEntry, error) {
	return s.record(ctx, HistoryDownloadFailed, e)
}

func (s *HistoryStore) RecordImportBlocked(ctx context.Context, e HistoryEntry) (*HistoryEntry, error) {
	return s.record(ctx, HistoryImportBlocked, e)
}

const historySelect = `
	SELECT h.id, h.game_id, h.event_type, h.download_id, st.value, ix.value, dc.value,
		h.quality, h.revision_version, h.revision_real, h.data, h.date
	FROM history h
	LEFT JOIN string_pool st ON st.id = h.source_title_id
	LEFT JOIN string_pool ix ON ix.id = h.indexer_id
	LEFT JOIN string_pool dc ON dc.id = h.download_client_id
`

func (s *HistoryStore) query(ctx context.Context, query string, args ...any) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var event, q, data string
		var sourceTitle, indexer, client sql.NullString
		if err := rows.Scan(&e.ID, &e.GameID, &event, &e.DownloadID, &sourceTitle, &indexer, &client,
			&q, &e.Quality.Revision.Version, &e.Quality.Revision.Real, &data, &e.Date); err != nil {
			return nil, err
		}
		e.EventType = HistoryEvent(event)
		e.SourceTitle, e.Indexer, e.DownloadClient = sourceTitle.String, indexer.String, client.String
		e.Quality.Quality = quality.ParseID(q)
		if err := unmarshalColumn(data, &e.Data); err != nil {
			return nil, errors.Wrapf(err, "history %d data", e.ID)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindByDownloadID returns every entry for a client download id, most recent first.
func (s *HistoryStore) FindByDownloadID(ctx context.Context, downloadID string) ([]HistoryEntry, error) {
	if downloadID == "" {
		return nil, nil
	}
	return s.query(ctx, historySelect+" WHERE h.download_id = ? ORDER BY h.date DESC, h.id DESC", downloadID)
}

// MostRecentGrab returns the latest Grabbed entry for downloadID, or nil.
func (s *HistoryStore) MostRecentGrab(ctx context.Context, downloadID string) (*HistoryEntry, error) {
	entries, err := s.FindByDownloadID(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].EventType == HistoryGrabbed {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// HasImported reports whether downloadID was already imported.
func (s *HistoryStore) HasImported(ctx context.Context, downloadID string) (bool, error) {
	if downloadID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE download_id = ? AND event_type = ?`,
		downloadID, string(HistoryDownloadFolderImported)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *HistoryStore) ListForGame(ctx context.Context, gameID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, historySelect+" WHERE h.game_id = ? ORDER BY h.date DESC, h.id DESC LIMIT ?", gameID, limit)
}
