// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/autobrr/gamarr/internal/dbinterface"
	"github.com/autobrr/gamarr/internal/quality"
)

var ErrGameNotFound = errors.New("game not found")

// GameFile is the library file currently held for a game.
type GameFile struct {
	Path         string        `json:"path"`
	Quality      quality.Model `json:"quality"`
	Formats      []int64       `json:"formats,omitempty"`
	Version      string        `json:"version,omitempty"`
	Size         int64         `json:"size"`
	ReleaseGroup string        `json:"releaseGroup,omitempty"`
	ImportedAt   time.Time     `json:"importedAt"`
}

// Game is a wanted title.
type Game struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	AlternateTitles  []string   `json:"alternateTitles,omitempty"`
	Year             int        `json:"year,omitempty"`
	SteamAppID       int64      `json:"steamAppId,omitempty"`
	IGDBID           int64      `json:"igdbId,omitempty"`
	Platform         string     `json:"platform,omitempty"`
	QualityProfileID int64      `json:"qualityProfileId"`
	Tags             []string   `json:"tags,omitempty"`
	Monitored        bool       `json:"monitored"`
	LastSearchTime   *time.Time `json:"lastSearchTime,omitempty"`
	AddedAt          time.Time  `json:"addedAt"`
	File             *GameFile  `json:"file,omitempty"`
}

// Titles returns the primary title followed by every distinct alternate title.
func (g *Game) Titles() []string {
	out := []string{g.Title}
	seen := map[string]struct{}{strings.ToLower(g.Title): {}}
	for _, t := range g.AlternateTitles {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

type GameStore struct {
	db dbinterface.Querier
}

func NewGameStore(db dbinterface.Querier) *GameStore {
	return &GameStore{db: db}
}

const gameSelect = `
	SELECT g.id, g.title, g.alternate_titles, g.year, g.steam_app_id, g.igdb_id, g.platform,
		g.quality_profile_id, g.tags, g.monitored, g.last_search_time, g.added_at,
		f.path, f.quality, f.revision_version, f.revision_real, f.formats, f.version, f.size, f.release_group, f.imported_at
	FROM games g
	LEFT JOIN game_files f ON f.game_id = g.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (*Game, error) {
	var g Game
	var altTitles, tags string
	var lastSearch sql.NullTime
	var (
		path, fileQuality, formats, version, group sql.NullString
		revVersion, revReal, size                  sql.NullInt64
		importedAt                                 sql.NullTime
	)

	err := row.Scan(
		&g.ID, &g.Title, &altTitles, &g.Year, &g.SteamAppID, &g.IGDBID, &g.Platform,
		&g.QualityProfileID, &tags, &g.Monitored, &lastSearch, &g.AddedAt,
		&path, &fileQuality, &revVersion, &revReal, &formats, &version, &size, &group, &importedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalColumn(altTitles, &g.AlternateTitles); err != nil {
		return nil, errors.Wrapf(err, "game %d alternate titles", g.ID)
	}
	if err := unmarshalColumn(tags, &g.Tags); err != nil {
		return nil, errors.Wrapf(err, "game %d tags", g.ID)
	}
	if lastSearch.Valid {
		t := lastSearch.Time
		g.LastSearchTime = &t
	}

	if path.Valid {
		f := &GameFile{
			Path: path.String,
			Quality: quality.Model{
				Quality:  quality.ParseID(fileQuality.String),
				Revision: quality.Revision{Version: int(revVersion.Int64), Real: int(revReal.Int64)},
			},
			Version:      version.String,
			Size:         size.Int64,
			ReleaseGroup: group.String,
			ImportedAt:   importedAt.Time,
		}
		if err := unmarshalColumn(formats.String, &f.Formats); err != nil {
			return nil, errors.Wrapf(err, "game %d file formats", g.ID)
		}
		g.File = f
	}

	return &g, nil
}

func unmarshalColumn(raw string, dst any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func marshalColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *GameStore) Create(ctx context.Context, g *Game) (*Game, error) {
	if strings.TrimSpace(g.Title) == "" {
		return nil, errors.New("game title cannot be empty")
	}
	alt, err := marshalColumn(nonNilStrings(g.AlternateTitles))
	if err != nil {
		return nil, err
	}
	tags, err := marshalColumn(nonNilStrings(g.Tags))
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO games (title, alternate_titles, year, steam_app_id, igdb_id, platform, quality_profile_id, tags, monitored, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, g.Title, alt, g.Year, g.SteamAppID, g.IGDBID, g.Platform, g.QualityProfileID, tags, g.Monitored, time.Now().UTC()).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert game")
	}

	return s.Get(ctx, id)
}

func (s *GameStore) Get(ctx context.Context, id int64) (*Game, error) {
	g, err := scanGame(s.db.QueryRowContext(ctx, gameSelect+" WHERE g.id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGameNotFound
		}
		return nil, err
	}
	return g, nil
}

func (s *GameStore) List(ctx context.Context) ([]*Game, error) {
	return s.query(ctx, gameSelect+" ORDER BY g.title COLLATE NOCASE ASC, g.id ASC")
}

// ListMissing returns monitored games without a library file, least recently searched first.
func (s *GameStore) ListMissing(ctx context.Context) ([]*Game, error) {
	return s.query(ctx, gameSelect+`
		WHERE g.monitored = 1 AND f.game_id IS NULL
		ORDER BY g.last_search_time IS NOT NULL, g.last_search_time ASC, g.id ASC`)
}

// ListWithFiles returns monitored games that have a library file. Cutoff filtering needs the
// profile so it happens in the caller.
func (s *GameStore) ListWithFiles(ctx context.Context) ([]*Game, error) {
	return s.query(ctx, gameSelect+`
		WHERE g.monitored = 1 AND f.game_id IS NOT NULL
		ORDER BY g.last_search_time IS NOT NULL, g.last_search_time ASC, g.id ASC`)
}

func (s *GameStore) query(ctx context.Context, query string, args ...any) ([]*Game, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []*Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return games, nil
}

func (s *GameStore) Update(ctx context.Context, g *Game) (*Game, error) {
	alt, err := marshalColumn(nonNilStrings(g.AlternateTitles))
	if err != nil {
		return nil, err
	}
	tags, err := marshalColumn(nonNilStrings(g.Tags))
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE games SET title = ?, alternate_titles = ?, year = ?, steam_app_id = ?, igdb_id = ?,
			platform = ?, quality_profile_id = ?, tags = ?, monitored = ?
		WHERE id = ?
	`, g.Title, alt, g.Year, g.SteamAppID, g.IGDBID, g.Platform, g.QualityProfileID, tags, g.Monitored, g.ID)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(result, ErrGameNotFound); err != nil {
		return nil, err
	}
	return s.Get(ctx, g.ID)
}

func (s *GameStore) UpdateLastSearchTime(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE games SET last_search_time = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrGameNotFound)
}

// SetFile records the library file for a game, replacing any previous one.
func (s *GameStore) SetFile(ctx context.Context, gameID int64, f *GameFile) error {
	formats, err := marshalColumn(nonNilIDs(f.Formats))
	if err != nil {
		return err
	}
	importedAt := f.ImportedAt
	if importedAt.IsZero() {
		importedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO game_files (game_id, path, quality, revision_version, revision_real, formats, version, size, release_group, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(game_id) DO UPDATE SET
			path = excluded.path,
			quality = excluded.quality,
			revision_version = excluded.revision_version,
			revision_real = excluded.revision_real,
			formats = excluded.formats,
			version = excluded.version,
			size = excluded.size,
			release_group = excluded.release_group,
			imported_at = excluded.imported_at
	`, gameID, f.Path, string(f.Quality.Quality), f.Quality.Revision.Version, f.Quality.Revision.Real,
		formats, f.Version, f.Size, f.ReleaseGroup, importedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to store file for game %d", gameID)
	}
	return nil
}

func (s *GameStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result, ErrGameNotFound)
}

func requireAffected(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilIDs(s []int64) []int64 {
	if s == nil {
		return []int64{}
	}
	return s
}
