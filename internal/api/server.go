// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/gamarr/internal/api/handlers"
	"github.com/autobrr/gamarr/internal/config"
	"github.com/autobrr/gamarr/internal/customformat"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/qbittorrent"
	"github.com/autobrr/gamarr/internal/services/indexer"
)

// Pinger reports whether the backing database is usable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Server struct {
	server  *http.Server
	logger  zerolog.Logger
	config  *config.AppConfig
	version string
	deps    *Dependencies
}

type Dependencies struct {
	Config  *config.AppConfig
	Version string
	DB      Pinger

	GameStore           *models.GameStore
	QualityProfileStore *models.QualityProfileStore
	DelayProfileStore   *models.DelayProfileStore
	CustomFormatStore   *models.CustomFormatStore
	HistoryStore        *models.HistoryStore
	IndexerStore        *models.IndexerStore
	DownloadClientStore *models.DownloadClientStore

	PendingQueue   handlers.PendingRemover
	FormatEngine   *customformat.Engine
	IndexerService *indexer.Service
	ClientPool     *qbittorrent.ClientPool
	Acquirer       handlers.Acquirer
	Tracker        handlers.Tracker
}

func NewServer(deps *Dependencies) *Server {
	return &Server{
		server: &http.Server{
			ReadHeaderTimeout: time.Second * 15,
			ReadTimeout:       60 * time.Second,
			// interactive searches fan out to every indexer
			WriteTimeout: 180 * time.Second,
			IdleTimeout:  180 * time.Second,
		},
		logger:  log.Logger.With().Str("module", "api").Logger(),
		config:  deps.Config,
		version: deps.Version,
		deps:    deps,
	}
}

func (s *Server) ListenAndServe() error {
	return s.open(nil)
}

// ListenAndServeReady behaves like ListenAndServe but signals once the listener is active.
func (s *Server) ListenAndServeReady(ready chan<- struct{}) error {
	return s.open(ready)
}

func (s *Server) open(ready chan<- struct{}) error {
	addr := fmt.Sprintf("%s:%d", s.config.Config.Host, s.config.Config.Port)

	var lastErr error
	for _, proto := range []string{"tcp", "tcp4", "tcp6"} {
		err := s.tryToServe(addr, proto, ready)
		if err == nil {
			return nil
		}

		if errors.Is(err, http.ErrServerClosed) {
			return err
		}

		s.logger.Error().Err(err).Str("addr", addr).Str("proto", proto).Msg("Failed to start server")
		lastErr = err
	}

	return lastErr
}

func (s *Server) tryToServe(addr, protocol string, ready chan<- struct{}) error {
	listener, err := net.Listen(protocol, addr)
	if err != nil {
		return err
	}

	host := listener.Addr().String()
	if strings.HasPrefix(host, "0.0.0.0:") || strings.HasPrefix(host, "[::]:") {
		host = strings.Replace(host, "0.0.0.0:", "localhost:", 1)
		host = strings.Replace(host, "[::]:", "localhost:", 1)
	}

	s.logger.Info().
		Str("protocol", protocol).
		Str("addr", listener.Addr().String()).
		Str("base_url", s.config.Config.BaseURL).
		Msgf("Starting API server - http://%s%sapi", host, s.baseURL())

	handler, err := s.Handler()
	if err != nil {
		listener.Close()
		return fmt.Errorf("build API router: %w", err)
	}

	s.server.Handler = handler

	if ready != nil {
		select {
		case ready <- struct{}{}:
		default:
		}
	}

	return s.server.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) baseURL() string {
	baseURL := s.config.Config.BaseURL
	if baseURL == "" {
		baseURL = "/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL
}

func (s *Server) Handler() (*chi.Mux, error) {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	compressor, err := httpcompression.DefaultAdapter(
		httpcompression.MinSize(1024),
		httpcompression.GzipCompressionLevel(2),
		httpcompression.Prefer(httpcompression.PreferServer),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create HTTP compression adapter")
	} else {
		r.Use(compressor)
	}

	corsMiddleware := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedMethods:   []string{"HEAD", "OPTIONS", "GET", "POST", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowOriginFunc:  func(origin string) bool { return true },
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	d := s.deps
	gamesHandler := handlers.NewGamesHandler(d.GameStore, d.QualityProfileStore, d.HistoryStore, d.PendingQueue)
	profilesHandler := handlers.NewProfilesHandler(d.QualityProfileStore, d.DelayProfileStore, d.CustomFormatStore, d.FormatEngine, s.reprocessPending)
	indexersHandler := handlers.NewIndexersHandler(d.IndexerStore, d.IndexerService)
	clientsHandler := handlers.NewDownloadClientsHandler(d.DownloadClientStore, d.ClientPool)
	acquisitionHandler := handlers.NewAcquisitionHandler(d.Acquirer, d.Tracker)

	verifier := newKeyVerifier(func() string { return s.config.Config.APIKey })

	apiRouter := chi.NewRouter()
	apiRouter.Group(func(r chi.Router) {
		r.Use(Logger(s.logger))
		r.Use(RequireAPIKey(verifier))

		r.Get("/system/status", s.handleStatus)

		r.Route("/games", func(r chi.Router) {
			gamesHandler.Routes(r)
			acquisitionHandler.GameRoutes(r)
		})
		acquisitionHandler.Routes(r)
		profilesHandler.Routes(r)
		indexersHandler.Routes(r)
		clientsHandler.Routes(r)
	})

	r.Get("/health", s.handleHealth)
	r.Get("/healthz/readiness", s.handleReady)
	r.Get("/healthz/liveness", s.handleHealth)

	r.Mount(s.baseURL()+"api", apiRouter)

	return r, nil
}

func (s *Server) reprocessPending() {
	acq := s.deps.Acquirer
	if acq == nil {
		return
	}
	acq.RunInBackground("ProcessPending", func(ctx context.Context) error {
		_, err := acq.ProcessPending(ctx)
		return err
	})
}

type statusResponse struct {
	Version string `json:"version"`
	BaseURL string `json:"baseUrl"`
	DataDir string `json:"dataDir"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	handlers.RespondJSON(w, http.StatusOK, statusResponse{
		Version: s.version,
		BaseURL: s.config.Config.BaseURL,
		DataDir: s.config.GetDataDir(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			handlers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
