// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/autobrr/gamarr/internal/domain"
)

var envPrefix = "GAMARR__"

const (
	encryptionKeySize = 32
	databaseFile      = "gamarr.db"
)

// Import modes understood by the importer.
const (
	ImportModeMove     = "move"
	ImportModeCopy     = "copy"
	ImportModeHardlink = "hardlink"
)

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	c.Config.Version = c.version

	if err := validate(c.Config); err != nil {
		return nil, err
	}

	c.resolveDataDir()
	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	host := "localhost"
	if detectContainer() {
		host = "0.0.0.0"
	}

	secret, err := generateSecureToken(encryptionKeySize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate encryption secret, using fallback")
		secret = "change-me-" + fmt.Sprintf("%d", os.Getpid())
	}

	c.viper.SetDefault("host", host)
	c.viper.SetDefault("port", 6767)
	c.viper.SetDefault("baseUrl", "/")
	c.viper.SetDefault("apiKey", "")
	c.viper.SetDefault("encryptionSecret", secret)
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "")
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9076)
	c.viper.SetDefault("metricsBasicAuthUsers", "")

	c.viper.SetDefault("searchMaxConcurrency", 4)
	c.viper.SetDefault("searchSourceTimeoutSeconds", 30)
	c.viper.SetDefault("candidateCacheTtlMinutes", 30)
	c.viper.SetDefault("trackingPollIntervalSeconds", 60)
	c.viper.SetDefault("pendingReprocessIntervalMinutes", 15)
	c.viper.SetDefault("missingSearchIntervalHours", 24)
	c.viper.SetDefault("libraryDir", "")
	c.viper.SetDefault("importMode", ImportModeMove)
	c.viper.SetDefault("minFreeSpaceMb", 100)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return errors.Wrap(err, "failed to read newly created config")
				}
				return nil
			}
			return errors.Wrap(err, "failed to read config")
		}
		return nil
	}

	c.viper.SetConfigName("config")
	c.viper.AddConfigPath(".")
	c.viper.AddConfigPath(GetDefaultConfigDir())

	if err := c.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "failed to read config")
		}

		defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
		if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
			return err
		}
		c.viper.SetConfigFile(defaultConfigPath)
		if err := c.viper.ReadInConfig(); err != nil {
			return errors.Wrap(err, "failed to read newly created config")
		}
		c.dataDir = filepath.Dir(defaultConfigPath)
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// Explicit binds only. AutomaticEnv picks up unrelated K8s service variables.
	c.viper.BindEnv("host", envPrefix+"HOST")
	c.viper.BindEnv("port", envPrefix+"PORT")
	c.viper.BindEnv("baseUrl", envPrefix+"BASE_URL")
	c.bindOrReadFromFile("apiKey", envPrefix+"API_KEY")
	c.bindOrReadFromFile("encryptionSecret", envPrefix+"ENCRYPTION_SECRET")
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")
	c.viper.BindEnv("metricsBasicAuthUsers", envPrefix+"METRICS_BASIC_AUTH_USERS")

	c.viper.BindEnv("searchMaxConcurrency", envPrefix+"SEARCH_MAX_CONCURRENCY")
	c.viper.BindEnv("searchSourceTimeoutSeconds", envPrefix+"SEARCH_SOURCE_TIMEOUT_SECONDS")
	c.viper.BindEnv("candidateCacheTtlMinutes", envPrefix+"CANDIDATE_CACHE_TTL_MINUTES")
	c.viper.BindEnv("trackingPollIntervalSeconds", envPrefix+"TRACKING_POLL_INTERVAL_SECONDS")
	c.viper.BindEnv("pendingReprocessIntervalMinutes", envPrefix+"PENDING_REPROCESS_INTERVAL_MINUTES")
	c.viper.BindEnv("missingSearchIntervalHours", envPrefix+"MISSING_SEARCH_INTERVAL_HOURS")
	c.viper.BindEnv("libraryDir", envPrefix+"LIBRARY_DIR")
	c.viper.BindEnv("importMode", envPrefix+"IMPORT_MODE")
	c.viper.BindEnv("minFreeSpaceMb", envPrefix+"MIN_FREE_SPACE_MB")
}

// bindOrReadFromFile prefers the contents of <envVar>_FILE over the plain variable.
func (c *AppConfig) bindOrReadFromFile(viperVar string, envVar string) {
	envVarFile := envVar + "_FILE"
	if filePath := os.Getenv(envVarFile); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", filePath).Msg("Could not read " + envVarFile)
		}
		c.viper.Set(viperVar, strings.TrimSpace(string(content)))
		return
	}
	c.viper.BindEnv(viperVar, envVar)
}

func validate(cfg *domain.Config) error {
	switch strings.ToLower(cfg.ImportMode) {
	case ImportModeMove, ImportModeCopy, ImportModeHardlink:
		cfg.ImportMode = strings.ToLower(cfg.ImportMode)
	default:
		return errors.Errorf("invalid importMode %q (expected move, copy or hardlink)", cfg.ImportMode)
	}
	if cfg.SearchMaxConcurrency <= 0 {
		cfg.SearchMaxConcurrency = 1
	}
	if cfg.SearchSourceTimeoutSecs <= 0 {
		cfg.SearchSourceTimeoutSecs = 30
	}
	if cfg.TrackingPollIntervalSecs <= 0 {
		cfg.TrackingPollIntervalSecs = 60
	}
	return nil
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}
		if err := validate(c.Config); err != nil {
			log.Error().Err(err).Msg("Reloaded configuration is invalid")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()
	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

const configTemplate = `# config.toml - Auto-generated on first run

# Hostname / IP
# Default: "localhost" (or "0.0.0.0" in containers)
host = "{{ .host }}"

# Port
# Default: 6767
port = {{ .port }}

# Base URL, set eg /gamarr/ to serve in a subdirectory
#baseUrl = "/gamarr/"

# API key required on /api requests (X-Api-Key header or apikey query)
# Generate one with: gamarr create-api-key
#apiKey = ""

# Secret used to encrypt indexer API keys and download client passwords
# WARNING: changing this breaks decryption of stored credentials
encryptionSecret = "{{ .encryptionSecret }}"

# Log file path, logs to stdout when unset
#logPath = "log/gamarr.log"

# Log rotation
#logMaxSize = {{ .logMaxSize }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (gamarr.db) will be created inside this directory
#dataDir = "/var/db/gamarr"

# Log level
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Prometheus metrics on a separate port
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9076
# Format: "username:bcrypt_hash", comma separated for multiple users
#metricsBasicAuthUsers = ""

# Search
# Maximum indexers queried at the same time
#searchMaxConcurrency = {{ .searchMaxConcurrency }}
# Timeout for a single indexer query
#searchSourceTimeoutSeconds = {{ .searchSourceTimeoutSeconds }}
# How long interactive search results stay grabbable
#candidateCacheTtlMinutes = {{ .candidateCacheTtlMinutes }}

# Scheduling
#trackingPollIntervalSeconds = {{ .trackingPollIntervalSeconds }}
#pendingReprocessIntervalMinutes = {{ .pendingReprocessIntervalMinutes }}
# 0 disables the periodic missing search
#missingSearchIntervalHours = {{ .missingSearchIntervalHours }}

# Import
#libraryDir = "/games"
# Options: "move", "copy", "hardlink"
#importMode = "move"
#minFreeSpaceMb = 100
`

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create config directory %s", dir)
	}

	data := map[string]any{
		"host":                            c.viper.GetString("host"),
		"port":                            c.viper.GetInt("port"),
		"encryptionSecret":                c.viper.GetString("encryptionSecret"),
		"logLevel":                        c.viper.GetString("logLevel"),
		"logMaxSize":                      c.viper.GetInt("logMaxSize"),
		"logMaxBackups":                   c.viper.GetInt("logMaxBackups"),
		"searchMaxConcurrency":            c.viper.GetInt("searchMaxConcurrency"),
		"searchSourceTimeoutSeconds":      c.viper.GetInt("searchSourceTimeoutSeconds"),
		"candidateCacheTtlMinutes":        c.viper.GetInt("candidateCacheTtlMinutes"),
		"trackingPollIntervalSeconds":     c.viper.GetInt("trackingPollIntervalSeconds"),
		"pendingReprocessIntervalMinutes": c.viper.GetInt("pendingReprocessIntervalMinutes"),
		"missingSearchIntervalHours":      c.viper.GetInt("missingSearchIntervalHours"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return errors.Wrap(err, "failed to parse config template")
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		// Containers mount /config directly.
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "gamarr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "gamarr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "gamarr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "gamarr")
	}
}

func detectContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/dev/.lxc-boot-id"); err == nil {
		return true
	}
	return os.Getpid() == 1
}

func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", errors.Wrap(err, "failed to generate secure token")
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateAPIKey returns a random hex key suitable for the apiKey setting.
func GenerateAPIKey() (string, error) {
	return generateSecureToken(16)
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := baseLogWriter(c.version)

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	if maxSize <= 0 {
		maxSize = 50
	}
	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

// InitDefaultLogger configures zerolog before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(baseLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath accepts either a config file or a directory holding config.toml.
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}
	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}
	return filepath.Join(configDirOrPath, "config.toml")
}

func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.dataDir != "":
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, databaseFile)
}

func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

// GetConfigPath returns the config file in use, if any.
func (c *AppConfig) GetConfigPath() string {
	return c.viper.ConfigFileUsed()
}

// SetAPIKey persists a new API key into the config file.
func (c *AppConfig) SetAPIKey(key string) error {
	c.viper.Set("apiKey", key)
	c.Config.APIKey = key
	if c.viper.ConfigFileUsed() == "" {
		return errors.New("no config file in use")
	}
	return errors.Wrap(c.viper.WriteConfig(), "failed to write config")
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{viper: viper.New()}
	c.defaults()
	return c.writeDefaultConfig(path)
}

// GetEncryptionKey derives the 32-byte AES key from the encryption secret.
func (c *AppConfig) GetEncryptionKey() []byte {
	secret := c.Config.Secret
	if len(secret) >= encryptionKeySize {
		return []byte(secret[:encryptionKeySize])
	}

	padded := make([]byte, encryptionKeySize)
	copy(padded, []byte(secret))
	return padded
}

// SearchSourceTimeout returns the per-indexer query timeout.
func (c *AppConfig) SearchSourceTimeout() time.Duration {
	return time.Duration(c.Config.SearchSourceTimeoutSecs) * time.Second
}

// CandidateCacheTTL returns how long search results remain grabbable.
func (c *AppConfig) CandidateCacheTTL() time.Duration {
	if c.Config.CandidateCacheTTLMins <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Config.CandidateCacheTTLMins) * time.Minute
}

// TrackingPollInterval returns the download client poll interval.
func (c *AppConfig) TrackingPollInterval() time.Duration {
	return time.Duration(c.Config.TrackingPollIntervalSecs) * time.Second
}

// PendingReprocessInterval returns how often held releases are re-evaluated.
func (c *AppConfig) PendingReprocessInterval() time.Duration {
	if c.Config.PendingReprocessIntervalMi <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Config.PendingReprocessIntervalMi) * time.Minute
}

// MissingSearchInterval returns zero when the periodic missing search is disabled.
func (c *AppConfig) MissingSearchInterval() time.Duration {
	if c.Config.MissingSearchIntervalHours <= 0 {
		return 0
	}
	return time.Duration(c.Config.MissingSearchIntervalHours) * time.Hour
}
