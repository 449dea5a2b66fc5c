// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/models"
)

const defaultHistoryLimit = 50

// PendingRemover drops every held release of a game.
type PendingRemover interface {
	RemoveForTitle(ctx context.Context, gameID int64) (int64, error)
}

type GamesHandler struct {
	games    *models.GameStore
	profiles *models.QualityProfileStore
	history  *models.HistoryStore
	pending  PendingRemover
}

func NewGamesHandler(games *models.GameStore, profiles *models.QualityProfileStore, history *models.HistoryStore, pending PendingRemover) *GamesHandler {
	return &GamesHandler{games: games, profiles: profiles, history: history, pending: pending}
}

type GamePayload struct {
	Title            string   `json:"title"`
	AlternateTitles  []string `json:"alternateTitles"`
	Year             int      `json:"year"`
	SteamAppID       int64    `json:"steamAppId"`
	IGDBID           int64    `json:"igdbId"`
	Platform         string   `json:"platform"`
	QualityProfileID int64    `json:"qualityProfileId"`
	Tags             []string `json:"tags"`
	Monitored        *bool    `json:"monitored"`
}

func (p *GamePayload) toModel(id int64) *models.Game {
	monitored := true
	if p.Monitored != nil {
		monitored = *p.Monitored
	}
	return &models.Game{
		ID:               id,
		Title:            strings.TrimSpace(p.Title),
		AlternateTitles:  p.AlternateTitles,
		Year:             p.Year,
		SteamAppID:       p.SteamAppID,
		IGDBID:           p.IGDBID,
		Platform:         strings.TrimSpace(p.Platform),
		QualityProfileID: p.QualityProfileID,
		Tags:             p.Tags,
		Monitored:        monitored,
	}
}

func (h *GamesHandler) validate(w http.ResponseWriter, r *http.Request, p *GamePayload) bool {
	if strings.TrimSpace(p.Title) == "" {
		RespondError(w, http.StatusBadRequest, "Title is required")
		return false
	}
	if _, err := h.profiles.Get(r.Context(), p.QualityProfileID); err != nil {
		if errors.Is(err, models.ErrQualityProfileNotFound) {
			RespondError(w, http.StatusBadRequest, "Quality profile not found")
			return false
		}
		log.Error().Err(err).Int64("profileId", p.QualityProfileID).Msg("failed to load quality profile")
		RespondError(w, http.StatusInternalServerError, "Failed to load quality profile")
		return false
	}
	return true
}

func (h *GamesHandler) List(w http.ResponseWriter, r *http.Request) {
	games, err := h.games.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list games")
		RespondError(w, http.StatusInternalServerError, "Failed to load games")
		return
	}
	if games == nil {
		games = []*models.Game{}
	}
	RespondJSON(w, http.StatusOK, games)
}

func (h *GamesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	game, err := h.games.Get(r.Context(), id)
	if err != nil {
		respondGameError(w, err, id, "load")
		return
	}
	RespondJSON(w, http.StatusOK, game)
}

func (h *GamesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload GamePayload
	if !decodeJSON(w, r, &payload) || !h.validate(w, r, &payload) {
		return
	}
	game, err := h.games.Create(r.Context(), payload.toModel(0))
	if err != nil {
		log.Error().Err(err).Str("title", payload.Title).Msg("failed to create game")
		RespondError(w, http.StatusInternalServerError, "Failed to create game")
		return
	}
	RespondJSON(w, http.StatusCreated, game)
}

func (h *GamesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	var payload GamePayload
	if !decodeJSON(w, r, &payload) || !h.validate(w, r, &payload) {
		return
	}
	game, err := h.games.Update(r.Context(), payload.toModel(id))
	if err != nil {
		respondGameError(w, err, id, "update")
		return
	}
	RespondJSON(w, http.StatusOK, game)
}

func (h *GamesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	if err := h.games.Delete(r.Context(), id); err != nil {
		respondGameError(w, err, id, "delete")
		return
	}
	if _, err := h.pending.RemoveForTitle(r.Context(), id); err != nil {
		log.Warn().Err(err).Int64("gameId", id).Msg("failed to clear pending releases of deleted game")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *GamesHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			RespondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	entries, err := h.history.ListForGame(r.Context(), id, limit)
	if err != nil {
		log.Error().Err(err).Int64("gameId", id).Msg("failed to list history")
		RespondError(w, http.StatusInternalServerError, "Failed to load history")
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	RespondJSON(w, http.StatusOK, entries)
}

func (h *GamesHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{gameID}", h.Get)
	r.Put("/{gameID}", h.Update)
	r.Delete("/{gameID}", h.Delete)
	r.Get("/{gameID}/history", h.History)
}

func respondGameError(w http.ResponseWriter, err error, id int64, action string) {
	if errors.Is(err, models.ErrGameNotFound) {
		RespondError(w, http.StatusNotFound, "Game not found")
		return
	}
	log.Error().Err(err).Int64("gameId", id).Msgf("failed to %s game", action)
	RespondError(w, http.StatusInternalServerError, "Failed to "+action+" game")
}
