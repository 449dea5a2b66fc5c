// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/autobrr/gamarr/internal/api"
	"github.com/autobrr/gamarr/internal/buildinfo"
	"github.com/autobrr/gamarr/internal/config"
	"github.com/autobrr/gamarr/internal/customformat"
	"github.com/autobrr/gamarr/internal/database"
	"github.com/autobrr/gamarr/internal/decision"
	"github.com/autobrr/gamarr/internal/domain"
	"github.com/autobrr/gamarr/internal/events"
	"github.com/autobrr/gamarr/internal/metrics"
	"github.com/autobrr/gamarr/internal/models"
	"github.com/autobrr/gamarr/internal/parser"
	"github.com/autobrr/gamarr/internal/qbittorrent"
	"github.com/autobrr/gamarr/internal/services/acquisition"
	"github.com/autobrr/gamarr/internal/services/importer"
	"github.com/autobrr/gamarr/internal/services/indexer"
	"github.com/autobrr/gamarr/internal/services/pending"
	"github.com/autobrr/gamarr/internal/services/search"
	"github.com/autobrr/gamarr/internal/services/tracking"
)

const (
	parserCacheTTL     = 30 * time.Minute
	clientTimeout      = 30 * time.Second
	indexerTimeout     = 60 * time.Second
	shutdownTimeout    = 30 * time.Second
	minAPIKeyLength    = 16
	eventSubscriberBuf = events.DefaultBuffer
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "gamarr",
		Short: "Automated game release acquisition",
		Long: `gamarr - searches Torznab/Newznab indexers for wanted games, grabs the
best release through qBittorrent and imports the finished download.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunCreateAPIKeyCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path (default is OS-specific: ~/.config/gamarr/ or %APPDATA%\\gamarr\\)")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runServer()
	}

	return command
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without starting the server.

You can specify either a directory path or a direct file path:
- Directory: gamarr generate-config --config-dir /path/to/config/
- File: gamarr generate-config --config-dir /path/to/myconfig.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigFile(configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")

	return command
}

func resolveConfigFile(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		secret, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return string(secret), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	var secret string
	if _, err := fmt.Scanln(&secret); err != nil {
		return "", fmt.Errorf("failed to read key from stdin: %w", err)
	}
	return secret, nil
}

func RunCreateAPIKeyCommand() *cobra.Command {
	var (
		configDir string
		prompt    bool
		hashed    bool
	)

	command := &cobra.Command{
		Use:   "create-api-key",
		Short: "Set a new API key",
		Long: `Generate a new API key and store it in the configuration file.

With --prompt the key is read from the terminal instead of generated. With
--hash only a bcrypt hash of the key is written to the configuration file; the
plain key is printed once and cannot be recovered.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir, buildinfo.Version)
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			var key string
			if prompt {
				if key, err = readSecret("Enter API key: "); err != nil {
					return err
				}
				key = strings.TrimSpace(key)
				if len(key) < minAPIKeyLength {
					return fmt.Errorf("API key must be at least %d characters long", minAPIKeyLength)
				}
			} else if key, err = config.GenerateAPIKey(); err != nil {
				return fmt.Errorf("failed to generate API key: %w", err)
			}

			stored := key
			if hashed {
				hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
				if err != nil {
					return fmt.Errorf("failed to hash API key: %w", err)
				}
				stored = string(hash)
			}

			if err := cfg.SetAPIKey(stored); err != nil {
				return fmt.Errorf("failed to save API key: %w", err)
			}

			cmd.Printf("API key written to %s\n", cfg.GetConfigPath())
			if !prompt {
				cmd.Printf("API key: %s\n", key)
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "",
		"config directory or file path (defaults to OS-specific location)")
	command.Flags().BoolVar(&prompt, "prompt", false, "read the key from the terminal instead of generating one")
	command.Flags().BoolVar(&hashed, "hash", false, "store a bcrypt hash instead of the plain key")

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		os.Setenv("GAMARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("GAMARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting gamarr")

	ensureAPIKey(cfg)

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	gameStore := models.NewGameStore(db)
	historyStore := models.NewHistoryStore(db)
	pendingStore := models.NewPendingReleaseStore(db)
	qualityStore := models.NewQualityProfileStore(db)
	delayStore := models.NewDelayProfileStore(db)
	formatStore := models.NewCustomFormatStore(db)

	indexerStore, err := models.NewIndexerStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize indexer store")
	}
	clientStore, err := models.NewDownloadClientStore(db, cfg.GetEncryptionKey())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize download client store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	formats, err := formatStore.List(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load custom formats")
	}
	formatEngine, err := customformat.NewEngine(formats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile custom formats")
	}
	log.Debug().Int("count", len(formatEngine.Formats())).Msg("Custom formats loaded")

	importMode, err := importer.ParseMode(cfg.Config.ImportMode)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid import mode")
	}

	metricsManager := metrics.NewManager()
	bus := events.NewBus()
	defer bus.Close()

	indexerService := indexer.NewService(indexerStore, indexerTimeout)
	clientPool := qbittorrent.NewClientPool(clientStore, indexerService, clientTimeout)
	defer clientPool.Close()

	evaluator := search.NewEvaluator(gameStore, qualityStore, delayStore, formatEngine, parser.New(parserCacheTTL))
	dispatcher := search.NewDispatcher(indexerService, gameStore, evaluator, metricsManager, search.Config{
		MaxConcurrency:   cfg.Config.SearchMaxConcurrency,
		PerSourceTimeout: cfg.SearchSourceTimeout(),
		CacheTTL:         cfg.CandidateCacheTTL(),
	})
	pendingQueue := pending.NewQueue(pendingStore, evaluator, decision.NewDownloadPipeline())

	importService := importer.NewService(importer.Config{
		LibraryDir:   cfg.Config.LibraryDir,
		MinFreeSpace: cfg.Config.MinFreeSpaceMB * 1024 * 1024,
	}, historyStore, gameStore, decision.NewImportPipeline())

	trackingService := tracking.NewService(tracking.Config{
		PollInterval: cfg.TrackingPollInterval(),
		ImportMode:   importMode,
	}, clientPool, gameStore, historyStore, importService, bus, metricsManager)

	evaluator.SetQueue(trackingService)
	evaluator.SetPending(pendingQueue)

	acquisitionService := acquisition.NewService(acquisition.Config{
		PendingInterval: cfg.PendingReprocessInterval(),
		MissingInterval: cfg.MissingSearchInterval(),
	}, acquisition.Deps{
		Searcher: dispatcher,
		Games:    gameStore,
		Profiles: qualityStore,
		Pending:  pendingQueue,
		History:  historyStore,
		Tracker:  trackingService,
		Clients:  clientPool,
		Caps:     indexerService,
		Contexts: evaluator,
		Bus:      bus,
		Metrics:  metricsManager,
	})

	if err := metricsManager.RegisterCollector(metrics.NewQueueCollector(pendingQueue, trackingService)); err != nil {
		log.Error().Err(err).Msg("Failed to register queue collector")
	}

	cfg.RegisterReloadListener(func(c *domain.Config) {
		log.Info().
			Str("logLevel", c.LogLevel).
			Bool("apiKeySet", c.APIKey != "").
			Msg("Configuration reloaded; interval and import settings apply after restart")
	})

	go logEvents(ctx, bus)

	trackingService.Start(ctx)
	acquisitionService.Start(ctx)

	httpServer := api.NewServer(&api.Dependencies{
		Config:              cfg,
		Version:             buildinfo.Version,
		DB:                  db.Conn(),
		GameStore:           gameStore,
		QualityProfileStore: qualityStore,
		DelayProfileStore:   delayStore,
		CustomFormatStore:   formatStore,
		HistoryStore:        historyStore,
		PendingQueue:        pendingQueue,
		IndexerStore:        indexerStore,
		DownloadClientStore: clientStore,
		FormatEngine:        formatEngine,
		IndexerService:      indexerService,
		ClientPool:          clientPool,
		Acquirer:            acquisitionService,
		Tracker:             trackingService,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewMetricsServer(
			metricsManager,
			cfg.Config.MetricsHost,
			cfg.Config.MetricsPort,
			cfg.Config.MetricsBasicAuthUsers,
		)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		os.Exit(1)
	}

	log.Info().Msg("Server stopped")
}

// ensureAPIKey writes a generated key on first start so the API is never open.
func ensureAPIKey(cfg *config.AppConfig) {
	if cfg.Config.APIKey != "" {
		return
	}
	key, err := config.GenerateAPIKey()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate API key")
	}
	if err := cfg.SetAPIKey(key); err != nil {
		log.Warn().Err(err).Msg("Generated API key could not be saved; it is valid until restart")
	}
	log.Warn().Str("apiKey", key).Msg("No API key configured, generated a new one")
}

func logEvents(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(eventSubscriberBuf)
	defer unsubscribe()

	logger := log.With().Str("module", "events").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Info().
				Str("type", string(ev.Type)).
				Int64("gameId", ev.GameID).
				Str("downloadId", ev.DownloadID).
				Str("title", ev.Title).
				Msg(ev.Message)
		}
	}
}
