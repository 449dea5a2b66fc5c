// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/customformat"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/quality"
)

// ProfilesHandler serves quality profiles, delay profiles and custom formats.
type ProfilesHandler struct {
	quality *models.QualityProfileStore
	delays  *models.DelayProfileStore
	formats *models.CustomFormatStore
	engine  *customformat.Engine
	// changed runs after any profile edit so held releases are re-evaluated.
	changed func()
}

func NewProfilesHandler(q *models.QualityProfileStore, d *models.DelayProfileStore, f *models.CustomFormatStore, engine *customformat.Engine, changed func()) *ProfilesHandler {
	if changed == nil {
		changed = func() {}
	}
	return &ProfilesHandler{quality: q, delays: d, formats: f, engine: engine, changed: changed}
}

func (h *ProfilesHandler) Routes(r chi.Router) {
	r.Route("/quality-profiles", func(r chi.Router) {
		r.Get("/", h.ListQuality)
		r.Post("/", h.CreateQuality)
		r.Put("/{id}", h.UpdateQuality)
		r.Delete("/{id}", h.DeleteQuality)
	})
	r.Route("/delay-profiles", func(r chi.Router) {
		r.Get("/", h.ListDelay)
		r.Post("/", h.CreateDelay)
		r.Put("/{id}", h.UpdateDelay)
		r.Delete("/{id}", h.DeleteDelay)
	})
	r.Route("/custom-formats", func(r chi.Router) {
		r.Get("/", h.ListFormats)
		r.Post("/", h.CreateFormat)
		r.Put("/{id}", h.UpdateFormat)
		r.Delete("/{id}", h.DeleteFormat)
	})
}

func (h *ProfilesHandler) ListQuality(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.quality.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list quality profiles")
		RespondError(w, http.StatusInternalServerError, "Failed to load quality profiles")
		return
	}
	if profiles == nil {
		profiles = []*quality.Profile{}
	}
	RespondJSON(w, http.StatusOK, profiles)
}

func (h *ProfilesHandler) CreateQuality(w http.ResponseWriter, r *http.Request) {
	var p quality.Profile
	if !decodeJSON(w, r, &p) {
		return
	}
	created, err := h.quality.Create(r.Context(), &p)
	if err != nil {
		respondProfileError(w, err, "create")
		return
	}
	h.changed()
	RespondJSON(w, http.StatusCreated, created)
}

func (h *ProfilesHandler) UpdateQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "profile")
	if !ok {
		return
	}
	var p quality.Profile
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = id
	updated, err := h.quality.Update(r.Context(), &p)
	if err != nil {
		respondProfileError(w, err, "update")
		return
	}
	h.changed()
	RespondJSON(w, http.StatusOK, updated)
}

func (h *ProfilesHandler) DeleteQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "profile")
	if !ok {
		return
	}
	if err := h.quality.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrQualityProfileNotFound) {
			RespondError(w, http.StatusNotFound, "Quality profile not found")
			return
		}
		// games reference profiles through a foreign key
		log.Warn().Err(err).Int64("profileId", id).Msg("failed to delete quality profile")
		RespondError(w, http.StatusConflict, "Quality profile is in use")
		return
	}
	h.changed()
	w.WriteHeader(http.StatusNoContent)
}

func respondProfileError(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, quality.ErrInvalidProfile) {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, models.ErrQualityProfileNotFound) {
		RespondError(w, http.StatusNotFound, "Quality profile not found")
		return
	}
	log.Error().Err(err).Msgf("failed to %s quality profile", action)
	RespondError(w, http.StatusInternalServerError, "Failed to "+action+" quality profile")
}

func (h *ProfilesHandler) ListDelay(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.delays.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list delay profiles")
		RespondError(w, http.StatusInternalServerError, "Failed to load delay profiles")
		return
	}
	if profiles == nil {
		profiles = []decision.DelayProfile{}
	}
	RespondJSON(w, http.StatusOK, profiles)
}

func (h *ProfilesHandler) CreateDelay(w http.ResponseWriter, r *http.Request) {
	var p decision.DelayProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.UsenetDelay < 0 || p.TorrentDelay < 0 {
		RespondError(w, http.StatusBadRequest, "Delays cannot be negative")
		return
	}
	created, err := h.delays.Create(r.Context(), &p)
	if err != nil {
		log.Error().Err(err).Msg("failed to create delay profile")
		RespondError(w, http.StatusInternalServerError, "Failed to create delay profile")
		return
	}
	h.changed()
	RespondJSON(w, http.StatusCreated, created)
}

func (h *ProfilesHandler) UpdateDelay(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "delay profile")
	if !ok {
		return
	}
	var p decision.DelayProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	if p.UsenetDelay < 0 || p.TorrentDelay < 0 {
		RespondError(w, http.StatusBadRequest, "Delays cannot be negative")
		return
	}
	p.ID = id
	updated, err := h.delays.Update(r.Context(), &p)
	if err != nil {
		if errors.Is(err, models.ErrDelayProfileNotFound) {
			RespondError(w, http.StatusNotFound, "Delay profile not found")
			return
		}
		log.Error().Err(err).Int64("delayProfileId", id).Msg("failed to update delay profile")
		RespondError(w, http.StatusInternalServerError, "Failed to update delay profile")
		return
	}
	h.changed()
	RespondJSON(w, http.StatusOK, updated)
}

func (h *ProfilesHandler) DeleteDelay(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "delay profile")
	if !ok {
		return
	}
	if err := h.delays.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrDelayProfileNotFound) {
			RespondError(w, http.StatusNotFound, "Delay profile not found")
			return
		}
		log.Error().Err(err).Int64("delayProfileId", id).Msg("failed to delete delay profile")
		RespondError(w, http.StatusInternalServerError, "Failed to delete delay profile")
		return
	}
	h.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfilesHandler) ListFormats(w http.ResponseWriter, r *http.Request) {
	formats, err := h.formats.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list custom formats")
		RespondError(w, http.StatusInternalServerError, "Failed to load custom formats")
		return
	}
	if formats == nil {
		formats = []customformat.Format{}
	}
	RespondJSON(w, http.StatusOK, formats)
}

func (h *ProfilesHandler) CreateFormat(w http.ResponseWriter, r *http.Request) {
	var f customformat.Format
	if !decodeJSON(w, r, &f) {
		return
	}
	created, err := h.formats.Create(r.Context(), &f)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reloadEngine(r)
	RespondJSON(w, http.StatusCreated, created)
}

func (h *ProfilesHandler) UpdateFormat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "custom format")
	if !ok {
		return
	}
	var f customformat.Format
	if !decodeJSON(w, r, &f) {
		return
	}
	f.ID = id
	if err := h.formats.Update(r.Context(), &f); err != nil {
		if errors.Is(err, models.ErrCustomFormatNotFound) {
			RespondError(w, http.StatusNotFound, "Custom format not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.reloadEngine(r)
	RespondJSON(w, http.StatusOK, f)
}

func (h *ProfilesHandler) DeleteFormat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "custom format")
	if !ok {
		return
	}
	if err := h.formats.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrCustomFormatNotFound) {
			RespondError(w, http.StatusNotFound, "Custom format not found")
			return
		}
		log.Error().Err(err).Int64("formatId", id).Msg("failed to delete custom format")
		RespondError(w, http.StatusInternalServerError, "Failed to delete custom format")
		return
	}
	h.reloadEngine(r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProfilesHandler) reloadEngine(r *http.Request) {
	if h.engine == nil {
		return
	}
	formats, err := h.formats.List(r.Context())
	if err == nil {
		err = h.engine.Load(formats)
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to reload custom formats")
		return
	}
	log.Debug().Int("count", len(h.engine.Formats())).Msg("custom formats reloaded")
}
