// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/gamarr/internal/domain"
)

const baseConfig = "host = \"localhost\"\nport = 8080\nencryptionSecret = \"test-secret\"\n"

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				return writeConfig(t, tmpDir, baseConfig), "", filepath.Join(tmpDir, "gamarr.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				path := writeConfig(t, tmpDir, baseConfig+fmt.Sprintf("dataDir = %q\n", dataDir))
				return path, "", filepath.Join(dataDir, "gamarr.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				path := writeConfig(t, tmpDir, baseConfig+fmt.Sprintf("dataDir = %q\n", configDataDir))
				return path, envDataDir, filepath.Join(envDataDir, "gamarr.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestNewWritesDefaultConfigWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "config.toml")

	cfg, err := New(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	assert.Equal(t, 6767, cfg.Config.Port)
	assert.Equal(t, ImportModeMove, cfg.Config.ImportMode)
	assert.Equal(t, 4, cfg.Config.SearchMaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.SearchSourceTimeout())
	assert.Equal(t, 24*time.Hour, cfg.MissingSearchInterval())
	assert.Len(t, cfg.Config.Secret, encryptionKeySize*2)
}

func TestSearchSettingsFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeConfig(t, tmpDir, baseConfig)

	t.Setenv(envPrefix+"SEARCH_MAX_CONCURRENCY", "9")
	t.Setenv(envPrefix+"SEARCH_SOURCE_TIMEOUT_SECONDS", "5")
	t.Setenv(envPrefix+"IMPORT_MODE", "HARDLINK")
	t.Setenv(envPrefix+"MISSING_SEARCH_INTERVAL_HOURS", "0")

	cfg, err := New(path)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Config.SearchMaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.SearchSourceTimeout())
	assert.Equal(t, ImportModeHardlink, cfg.Config.ImportMode)
	assert.Zero(t, cfg.MissingSearchInterval())
}

func TestInvalidImportModeRejected(t *testing.T) {
	path := writeConfig(t, t.TempDir(), baseConfig+"importMode = \"symlink\"\n")

	_, err := New(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestGenerateSecureTokenHexOutput(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{name: "standard_32_bytes", length: 32},
		{name: "small_token", length: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := generateSecureToken(tt.length)
			require.NoError(t, err)

			assert.Len(t, token, tt.length*2)
			_, err = hex.DecodeString(token)
			require.NoError(t, err)
		})
	}
}

func TestGetEncryptionKey(t *testing.T) {
	tests := []struct {
		name   string
		secret string
	}{
		{name: "truncates_long_secret", secret: strings.Repeat("a", encryptionKeySize+8)},
		{name: "pads_short_secret", secret: "short"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &AppConfig{Config: &domain.Config{Secret: tt.secret}}

			key := cfg.GetEncryptionKey()
			require.Len(t, key, encryptionKeySize)

			if len(tt.secret) >= encryptionKeySize {
				assert.Equal(t, []byte(tt.secret[:encryptionKeySize]), key)
			} else {
				expected := make([]byte, encryptionKeySize)
				copy(expected, []byte(tt.secret))
				assert.Equal(t, expected, key)
			}
		})
	}
}

func TestConfigDirResolution(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		setupFile      bool
		fileIsDir      bool
		expectedSuffix string
	}{
		{name: "toml_file_extension", input: "/path/to/custom.toml", expectedSuffix: "custom.toml"},
		{name: "TOML_file_extension_uppercase", input: "/path/to/CONFIG.TOML", expectedSuffix: "CONFIG.TOML"},
		{name: "directory_path", input: "/path/to/config", expectedSuffix: "config.toml"},
		{name: "existing_file_without_toml", input: "/path/to/configfile", setupFile: true, expectedSuffix: "configfile"},
		{name: "existing_directory", input: "/path/to/configdir", setupFile: true, fileIsDir: true, expectedSuffix: "config.toml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputPath := filepath.Join(t.TempDir(), filepath.Base(tt.input))

			if tt.setupFile {
				if tt.fileIsDir {
					require.NoError(t, os.MkdirAll(inputPath, 0o755))
				} else {
					require.NoError(t, os.WriteFile(inputPath, []byte("test"), 0o644))
				}
			}

			c := &AppConfig{}
			result := c.resolveConfigPath(inputPath)
			assert.True(t, strings.HasSuffix(result, tt.expectedSuffix),
				"Expected result %s to end with %s", result, tt.expectedSuffix)
		})
	}
}

func TestBindOrReadFromFile(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		fileValue     string
		expectedValue string
	}{
		{name: "only_file_env_var", fileValue: "key-from-file", expectedValue: "key-from-file"},
		{name: "only_plain_env_var", envValue: "key-not-from-file", expectedValue: "key-not-from-file"},
		{name: "file_wins_over_plain", envValue: "key-not-from-file", fileValue: "key-from-file\n", expectedValue: "key-from-file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envVar := envPrefix + "API_KEY"
			if tt.envValue != "" {
				t.Setenv(envVar, tt.envValue)
			}
			if tt.fileValue != "" {
				keyPath := filepath.Join(t.TempDir(), "key.txt")
				require.NoError(t, os.WriteFile(keyPath, []byte(tt.fileValue), 0o600))
				t.Setenv(envVar+"_FILE", keyPath)
			}

			cfg, err := New(writeConfig(t, t.TempDir(), baseConfig))
			require.NoError(t, err)
			assert.Equal(t, tt.expectedValue, cfg.Config.APIKey)
		})
	}
}

func TestReloadListenersReceiveCopy(t *testing.T) {
	cfg := &AppConfig{Config: &domain.Config{Port: 1}}

	var got *domain.Config
	cfg.RegisterReloadListener(func(c *domain.Config) { got = c })
	cfg.notifyListeners()

	require.NotNil(t, got)
	assert.Equal(t, 1, got.Port)
	got.Port = 2
	assert.Equal(t, 1, cfg.Config.Port)
}
