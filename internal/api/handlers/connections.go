// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/qbittorrent"
	"github.com/autobrr/gamarr/internal/release"
	"github.com/autobrr/gamarr/internal/services/indexer"
)

const connectionTestTimeout = 15 * time.Second

// IndexersHandler manages Torznab/Newznab sources.
type IndexersHandler struct {
	store   *models.IndexerStore
	service *indexer.Service
}

func NewIndexersHandler(store *models.IndexerStore, service *indexer.Service) *IndexersHandler {
	return &IndexersHandler{store: store, service: service}
}

type IndexerPayload struct {
	Name       string           `json:"name"`
	BaseURL    string           `json:"baseUrl"`
	APIKey     *string          `json:"apiKey"`
	Protocol   release.Protocol `json:"protocol"`
	Priority   int              `json:"priority"`
	Enabled    *bool            `json:"enabled"`
	Tags       []string         `json:"tags"`
	Categories []int            `json:"categories"`
}

func (p *IndexerPayload) toModel(id int64) *models.Indexer {
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return &models.Indexer{
		ID:         id,
		Name:       strings.TrimSpace(p.Name),
		BaseURL:    strings.TrimSpace(p.BaseURL),
		Protocol:   p.Protocol,
		Priority:   p.Priority,
		Enabled:    enabled,
		Tags:       p.Tags,
		Categories: p.Categories,
	}
}

func (h *IndexersHandler) Routes(r chi.Router) {
	r.Route("/indexers", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Post("/sync-caps", h.SyncCaps)
		r.Get("/cooldowns", h.Cooldowns)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Post("/{id}/sync-caps", h.SyncIndexerCaps)
	})
}

func (h *IndexersHandler) List(w http.ResponseWriter, r *http.Request) {
	indexers, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list indexers")
		RespondError(w, http.StatusInternalServerError, "Failed to load indexers")
		return
	}
	if indexers == nil {
		indexers = []*models.Indexer{}
	}
	RespondJSON(w, http.StatusOK, indexers)
}

func (h *IndexersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload IndexerPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.APIKey == nil {
		empty := ""
		payload.APIKey = &empty
	}
	created, err := h.store.Create(r.Context(), payload.toModel(0), *payload.APIKey)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *IndexersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "indexer")
	if !ok {
		return
	}
	var payload IndexerPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	updated, err := h.store.Update(r.Context(), payload.toModel(id), payload.APIKey)
	if err != nil {
		if errors.Is(err, models.ErrIndexerNotFound) {
			RespondError(w, http.StatusNotFound, "Indexer not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, updated)
}

func (h *IndexersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "indexer")
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrIndexerNotFound) {
			RespondError(w, http.StatusNotFound, "Indexer not found")
			return
		}
		log.Error().Err(err).Int64("indexerId", id).Msg("failed to delete indexer")
		RespondError(w, http.StatusInternalServerError, "Failed to delete indexer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IndexersHandler) SyncCaps(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SyncCaps(r.Context()); err != nil {
		log.Warn().Err(err).Msg("capability sync finished with errors")
		RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IndexersHandler) SyncIndexerCaps(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "indexer")
	if !ok {
		return
	}
	if err := h.service.SyncIndexerCaps(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrIndexerNotFound) {
			RespondError(w, http.StatusNotFound, "Indexer not found")
			return
		}
		log.Warn().Err(err).Int64("indexerId", id).Msg("capability sync failed")
		RespondError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *IndexersHandler) Cooldowns(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.service.RateLimiter().Cooldowns())
}

// DownloadClientsHandler manages qBittorrent instances.
type DownloadClientsHandler struct {
	store *models.DownloadClientStore
	pool  *qbittorrent.ClientPool
}

func NewDownloadClientsHandler(store *models.DownloadClientStore, pool *qbittorrent.ClientPool) *DownloadClientsHandler {
	return &DownloadClientsHandler{store: store, pool: pool}
}

func (h *DownloadClientsHandler) Routes(r chi.Router) {
	r.Route("/download-clients", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Post("/test", h.TestUnsaved)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/test", h.Test)
		})
	})
}

func (h *DownloadClientsHandler) List(w http.ResponseWriter, r *http.Request) {
	clients, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list download clients")
		RespondError(w, http.StatusInternalServerError, "Failed to load download clients")
		return
	}
	if clients == nil {
		clients = []*models.DownloadClient{}
	}
	RespondJSON(w, http.StatusOK, clients)
}

func (h *DownloadClientsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in models.DownloadClientInput
	if !decodeJSON(w, r, &in) {
		return
	}
	created, err := h.store.Create(r.Context(), in)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	RespondJSON(w, http.StatusCreated, created)
}

func (h *DownloadClientsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "download client")
	if !ok {
		return
	}
	var in models.DownloadClientInput
	if !decodeJSON(w, r, &in) {
		return
	}
	updated, err := h.store.Update(r.Context(), id, in)
	if err != nil {
		if errors.Is(err, models.ErrDownloadClientNotFound) {
			RespondError(w, http.StatusNotFound, "Download client not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.pool.RemoveClient(id)
	RespondJSON(w, http.StatusOK, updated)
}

func (h *DownloadClientsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "download client")
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrDownloadClientNotFound) {
			RespondError(w, http.StatusNotFound, "Download client not found")
			return
		}
		log.Error().Err(err).Int64("clientId", id).Msg("failed to delete download client")
		RespondError(w, http.StatusInternalServerError, "Failed to delete download client")
		return
	}
	h.pool.RemoveClient(id)
	w.WriteHeader(http.StatusNoContent)
}

type connectionTestResponse struct {
	Connected     bool   `json:"connected"`
	WebAPIVersion string `json:"webApiVersion,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (h *DownloadClientsHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "download client")
	if !ok {
		return
	}
	stored, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrDownloadClientNotFound) {
			RespondError(w, http.StatusNotFound, "Download client not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to load download client")
		return
	}
	client, err := h.pool.Build(stored)
	if err != nil {
		RespondJSON(w, http.StatusOK, connectionTestResponse{Error: err.Error()})
		return
	}
	respondConnectionTest(w, r, client)
}

// TestUnsaved checks credentials before they are stored.
func (h *DownloadClientsHandler) TestUnsaved(w http.ResponseWriter, r *http.Request) {
	var in models.DownloadClientInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Host) == "" {
		RespondError(w, http.StatusBadRequest, "Host is required")
		return
	}
	host := strings.TrimSpace(in.Host)
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	client := qbittorrent.NewClient(qbittorrent.Config{
		Client: &models.DownloadClient{
			Name:          in.Name,
			Host:          host,
			Username:      in.Username,
			BasicUsername: in.BasicUsername,
			Category:      in.Category,
			TLSSkipVerify: in.TLSSkipVerify,
		},
		Password:      in.Password,
		BasicPassword: in.BasicPassword,
		Timeout:       connectionTestTimeout,
	}, nil)
	respondConnectionTest(w, r, client)
}

func respondConnectionTest(w http.ResponseWriter, r *http.Request, client *qbittorrent.Client) {
	ctx, cancel := context.WithTimeout(r.Context(), connectionTestTimeout)
	defer cancel()
	version, err := client.Test(ctx)
	if err != nil {
		RespondJSON(w, http.StatusOK, connectionTestResponse{Error: err.Error()})
		return
	}
	RespondJSON(w, http.StatusOK, connectionTestResponse{Connected: true, WebAPIVersion: version})
}
