// Package config loads dosetrack configuration from the config file,
// DOSETRACK_* environment variables, and defaults, in that order of
// precedence. The resulting Config is passed explicitly to the components
// that need it; nothing reads configuration globally.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config is the resolved dosetrack configuration.
type Config struct {
	// DataDir holds the database, the inbox, and log files.
	DataDir      string
	DatabasePath string

	// RemoteURL is the base URL of the remote record service. APIToken
	// authenticates against it; an empty token means unauthenticated and
	// every sync is a local no-op.
	RemoteURL string
	APIToken  string

	RequestTimeout  time.Duration
	TombstoneWindow time.Duration

	// Daemon settings.
	SyncInterval  time.Duration
	ProbeInterval time.Duration
	InboxDir      string
	DashboardPort int

	// LogFile routes daemon logs to a rotated file. Empty logs to stderr.
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// DefaultDataDir returns ~/.dosetrack, falling back to the current
// directory when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dosetrack"
	}
	return filepath.Join(home, ".dosetrack")
}

// Load reads configuration. An explicit cfgFile is required to exist; the
// default location (~/.dosetrack/config.yaml) is optional.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	dataDir := DefaultDataDir()
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("database", "")
	v.SetDefault("remote_url", "")
	v.SetDefault("api_token", "")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("tombstone_window", 120*time.Second)
	v.SetDefault("sync_interval", 5*time.Minute)
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("inbox_dir", "")
	v.SetDefault("dashboard_port", 8931)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 10)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("DOSETRACK")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{
		DataDir:         v.GetString("data_dir"),
		DatabasePath:    v.GetString("database"),
		RemoteURL:       v.GetString("remote_url"),
		APIToken:        v.GetString("api_token"),
		RequestTimeout:  v.GetDuration("request_timeout"),
		TombstoneWindow: v.GetDuration("tombstone_window"),
		SyncInterval:    v.GetDuration("sync_interval"),
		ProbeInterval:   v.GetDuration("probe_interval"),
		InboxDir:        v.GetString("inbox_dir"),
		DashboardPort:   v.GetInt("dashboard_port"),
		LogFile:         v.GetString("log_file"),
		LogMaxSizeMB:    v.GetInt("log_max_size_mb"),
		LogMaxBackups:   v.GetInt("log_max_backups"),
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "dosetrack.db")
	}
	if cfg.InboxDir == "" {
		cfg.InboxDir = filepath.Join(cfg.DataDir, "inbox")
	}
	return cfg, nil
}

// LogWriter returns where daemon logs should go: a size-rotated file when
// LogFile is set, stderr otherwise.
func (c *Config) LogWriter() io.Writer {
	if c.LogFile == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}
