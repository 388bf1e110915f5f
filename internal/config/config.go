// Package config holds the viper-backed configuration singleton.
// Precedence: environment (HIVE_*) > config file > defaults. The config
// file is .hive/config.yaml found by walking up from the working
// directory, falling back to the user config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/memory/embedder"
)

var v *viper.Viper

// Initialize sets up the configuration singleton. Call once at startup.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD so commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".hive", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/hive/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "hive", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// HIVE_DATABASE_URL maps to "database-url", HIVE_EMBEDDER_HOST to
	// "embedder.host", and so on.
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("database-url", "")
	v.SetDefault("global-db-path", defaultGlobalDBPath())
	v.SetDefault("debug", "")

	v.SetDefault("embedder.host", embedder.DefaultHost)
	v.SetDefault("embedder.model", embedder.DefaultModel)
	v.SetDefault("embedder.timeout-ms", int(embedder.DefaultTimeout/time.Millisecond))

	v.SetDefault("stream.addr", "127.0.0.1:7433")
	v.SetDefault("sweep-interval", "30s")

	v.SetDefault("log.file", "")
	v.SetDefault("log.max-size-mb", 50)
	v.SetDefault("log.max-backups", 3)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		debug.Logf("swarm:config", "loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("swarm:config", "no config.yaml found; using defaults and environment")
	}
	return nil
}

func defaultGlobalDBPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "swarm.db"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "swarm-tools", "swarm.db")
}

// DatabasePath resolves the store location: explicit database-url wins,
// otherwise the global path.
func DatabasePath() string {
	if url := GetString("database-url"); url != "" {
		return url
	}
	return GetString("global-db-path")
}

// EmbedderConfig assembles the embedder settings.
func EmbedderConfig() embedder.Config {
	return embedder.Config{
		Host:      GetString("embedder.host"),
		Model:     GetString("embedder.model"),
		TimeoutMS: GetInt("embedder.timeout-ms"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool returns a boolean config value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt returns an integer config value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// AllSettings returns the merged view of every configuration key.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}

// Set overrides a value at runtime. Used by flag binding and tests.
func Set(key string, value interface{}) {
	if v == nil {
		v = viper.New()
	}
	v.Set(key, value)
}
