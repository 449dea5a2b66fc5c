// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

// Config is the runtime configuration unmarshalled from config.toml and GAMARR__ env vars.
type Config struct {
	Version string `toml:"-" mapstructure:"-"`

	Host     string `toml:"host" mapstructure:"host"`
	Port     int    `toml:"port" mapstructure:"port"`
	BaseURL  string `toml:"baseUrl" mapstructure:"baseUrl"`
	DataDir  string `toml:"dataDir" mapstructure:"dataDir"`
	APIKey   string `toml:"apiKey" mapstructure:"apiKey"`
	Secret   string `toml:"encryptionSecret" mapstructure:"encryptionSecret"`
	LogLevel string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath  string `toml:"logPath" mapstructure:"logPath"`

	LogMaxSize    int `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int `toml:"logMaxBackups" mapstructure:"logMaxBackups"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	SearchMaxConcurrency    int `toml:"searchMaxConcurrency" mapstructure:"searchMaxConcurrency"`
	SearchSourceTimeoutSecs int `toml:"searchSourceTimeoutSeconds" mapstructure:"searchSourceTimeoutSeconds"`
	CandidateCacheTTLMins   int `toml:"candidateCacheTtlMinutes" mapstructure:"candidateCacheTtlMinutes"`

	TrackingPollIntervalSecs   int `toml:"trackingPollIntervalSeconds" mapstructure:"trackingPollIntervalSeconds"`
	PendingReprocessIntervalMi int `toml:"pendingReprocessIntervalMinutes" mapstructure:"pendingReprocessIntervalMinutes"`
	MissingSearchIntervalHours int `toml:"missingSearchIntervalHours" mapstructure:"missingSearchIntervalHours"`

	LibraryDir     string `toml:"libraryDir" mapstructure:"libraryDir"`
	ImportMode     string `toml:"importMode" mapstructure:"importMode"`
	MinFreeSpaceMB int64  `toml:"minFreeSpaceMb" mapstructure:"minFreeSpaceMb"`
}

// RedactString masks secrets in log output, keeping a short prefix for recognition.
func RedactString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", 6)
}

// IsRedactedString reports whether s is the output of RedactString rather than a real secret.
func IsRedactedString(s string) bool {
	if s == "" {
		return false
	}
	if strings.Trim(s, "*") == "" {
		return true
	}
	return len(s) == 8 && strings.HasSuffix(s, "******")
}
