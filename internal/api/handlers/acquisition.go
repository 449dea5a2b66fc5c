// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/downloadclient"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/services/acquisition"
	"github.com/autobrr/gamarr/internal/services/search"
	"github.com/autobrr/gamarr/internal/services/tracking"
)

// Acquirer is the part of the acquisition service the API drives.
type Acquirer interface {
	SearchTitle(ctx context.Context, gameID int64, userInvoked bool) (*acquisition.SearchReport, error)
	SearchInteractive(ctx context.Context, gameID int64) (*search.Result, error)
	GrabCached(ctx context.Context, sourceID int64, guid string) (*acquisition.GrabResult, error)
	QueueSnapshot(ctx context.Context) ([]acquisition.QueueItem, error)
	RunInBackground(name string, fn func(context.Context) error) bool
	SearchMissing(ctx context.Context) (*acquisition.BatchReport, error)
	SearchCutoffUnmet(ctx context.Context) (*acquisition.BatchReport, error)
	ProcessPending(ctx context.Context) (int, error)
}

// Tracker is the part of download tracking the API drives.
type Tracker interface {
	Ignore(clientID int64, downloadID string) (tracking.TrackedDownload, error)
	Poll(ctx context.Context) error
}

type AcquisitionHandler struct {
	acquirer Acquirer
	tracker  Tracker
}

func NewAcquisitionHandler(acquirer Acquirer, tracker Tracker) *AcquisitionHandler {
	return &AcquisitionHandler{acquirer: acquirer, tracker: tracker}
}

// GameRoutes registers the per-game search routes on the /games router.
func (h *AcquisitionHandler) GameRoutes(r chi.Router) {
	r.Post("/{gameID}/search", h.Search)
	r.Get("/{gameID}/releases", h.Releases)
}

func (h *AcquisitionHandler) Routes(r chi.Router) {
	r.Post("/releases/grab", h.Grab)

	r.Get("/queue", h.Queue)
	r.Delete("/queue/{clientID}/{downloadID}", h.Ignore)

	r.Post("/commands/{name}", h.RunCommand)
}

// Search runs an automatic search for one game and acts on the result.
func (h *AcquisitionHandler) Search(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	report, err := h.acquirer.SearchTitle(r.Context(), id, true)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrGameNotFound):
			RespondError(w, http.StatusNotFound, "Game not found")
		case errors.Is(err, search.ErrAllSourcesFailed):
			RespondJSON(w, http.StatusBadGateway, report)
		case errors.Is(err, downloadclient.ErrUnavailable):
			RespondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			log.Error().Err(err).Int64("gameId", id).Msg("search failed")
			RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	RespondJSON(w, http.StatusOK, report)
}

// Releases runs an interactive search and returns every decision without grabbing.
func (h *AcquisitionHandler) Releases(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "gameID", "game")
	if !ok {
		return
	}
	result, err := h.acquirer.SearchInteractive(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrGameNotFound):
			RespondError(w, http.StatusNotFound, "Game not found")
		case errors.Is(err, search.ErrAllSourcesFailed) && result != nil:
			RespondJSON(w, http.StatusBadGateway, result)
		default:
			log.Error().Err(err).Int64("gameId", id).Msg("interactive search failed")
			RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

type grabRequest struct {
	SourceID int64  `json:"sourceId"`
	GUID     string `json:"guid"`
}

func (h *AcquisitionHandler) Grab(w http.ResponseWriter, r *http.Request) {
	var req grabRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SourceID <= 0 || req.GUID == "" {
		RespondError(w, http.StatusBadRequest, "sourceId and guid are required")
		return
	}
	result, err := h.acquirer.GrabCached(r.Context(), req.SourceID, req.GUID)
	if err != nil {
		switch {
		case errors.Is(err, acquisition.ErrReleaseNotCached):
			RespondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, downloadclient.ErrUnavailable):
			RespondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			RespondError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	RespondJSON(w, http.StatusCreated, result)
}

func (h *AcquisitionHandler) Queue(w http.ResponseWriter, r *http.Request) {
	items, err := h.acquirer.QueueSnapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to build queue")
		RespondError(w, http.StatusInternalServerError, "Failed to load queue")
		return
	}
	if items == nil {
		items = []acquisition.QueueItem{}
	}
	RespondJSON(w, http.StatusOK, items)
}

// Ignore stops tracking a download without touching it in the client.
func (h *AcquisitionHandler) Ignore(w http.ResponseWriter, r *http.Request) {
	clientID, err := strconv.ParseInt(chi.URLParam(r, "clientID"), 10, 64)
	if err != nil || clientID <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}
	dl, err := h.tracker.Ignore(clientID, chi.URLParam(r, "downloadID"))
	if err != nil {
		if errors.Is(err, tracking.ErrDownloadNotTracked) {
			RespondError(w, http.StatusNotFound, "Download is not tracked")
			return
		}
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, dl)
}

type commandResponse struct {
	Command string `json:"command"`
	Started bool   `json:"started"`
}

// RunCommand starts a named command in the background. A command that is
// already running is not started twice.
func (h *AcquisitionHandler) RunCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var fn func(context.Context) error
	switch name {
	case "SearchMissing":
		fn = func(ctx context.Context) error { _, err := h.acquirer.SearchMissing(ctx); return err }
	case "SearchCutoffUnmet":
		fn = func(ctx context.Context) error { _, err := h.acquirer.SearchCutoffUnmet(ctx); return err }
	case "ProcessPending":
		fn = func(ctx context.Context) error { _, err := h.acquirer.ProcessPending(ctx); return err }
	case "RefreshDownloads":
		fn = h.tracker.Poll
	default:
		RespondError(w, http.StatusNotFound, "Unknown command")
		return
	}
	started := h.acquirer.RunInBackground(name, fn)
	status := http.StatusAccepted
	if !started {
		status = http.StatusConflict
	}
	RespondJSON(w, status, commandResponse{Command: name, Started: started})
}
