// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envListenAddr             = "DEVPROXY_LISTEN_ADDR"
	envRulesFile              = "DEVPROXY_RULES_FILE"
	envWatchRules             = "DEVPROXY_WATCH_RULES"
	envStaticDir              = "DEVPROXY_STATIC_DIR"
	envRequestTimeout         = "DEVPROXY_REQUEST_TIMEOUT"
	envLogLevel               = "DEVPROXY_LOG_LEVEL"
	envLogFormat              = "DEVPROXY_LOG_FORMAT"
	envLogFile                = "DEVPROXY_LOG_FILE"
	envLogFileMaxSize         = "DEVPROXY_LOG_FILE_MAX_SIZE"
	envLogFileMaxBackups      = "DEVPROXY_LOG_FILE_MAX_BACKUPS"
	envLogFileMaxAge          = "DEVPROXY_LOG_FILE_MAX_AGE"
	envServerReadTimeout      = "DEVPROXY_SERVER_READ_TIMEOUT"
	envServerWriteTimeout     = "DEVPROXY_SERVER_WRITE_TIMEOUT"
	envServerIdleTimeout      = "DEVPROXY_SERVER_IDLE_TIMEOUT"
	envGracefulShutdown       = "DEVPROXY_GRACEFUL_SHUTDOWN"
	defaultListenAddr         = "127.0.0.1:8080"
	defaultRequestTimeout     = 30 * time.Second
	defaultLogLevel           = "info"
	defaultLogFormat          = "console"
	defaultLogFileMaxSize     = 10 // megabytes
	defaultLogFileMaxBackups  = 3
	defaultLogFileMaxAge      = 7 // days
	defaultServerReadTimeout  = 30 * time.Second
	defaultServerWriteTimeout = 0 // upgraded connections stay open
	defaultServerIdleTimeout  = 120 * time.Second
	defaultGracefulShutdown   = 10 * time.Second
)

// Config captures runtime settings for the dev proxy host.
type Config struct {
	ListenAddr string
	// RulesFile is the proxy rule document; empty selects the built-in table.
	RulesFile  string
	WatchRules bool
	// StaticDir serves front-end assets for paths no rule matches.
	StaticDir               string
	RequestTimeout          time.Duration
	LogLevel                string
	LogFormat               string
	LogFile                 LogFile
	ServerReadTimeout       time.Duration
	ServerWriteTimeout      time.Duration
	ServerIdleTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
}

// LogFile configures the optional rolling log file.
type LogFile struct {
	Path       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	rulesFile := strings.TrimSpace(os.Getenv(envRulesFile))

	cfg := Config{
		ListenAddr:     getString(envListenAddr, defaultListenAddr),
		RulesFile:      rulesFile,
		WatchRules:     getBool(envWatchRules, rulesFile != ""),
		StaticDir:      strings.TrimSpace(os.Getenv(envStaticDir)),
		RequestTimeout: getDuration(envRequestTimeout, defaultRequestTimeout),
		LogLevel:       strings.ToLower(getString(envLogLevel, defaultLogLevel)),
		LogFormat:      strings.ToLower(getString(envLogFormat, defaultLogFormat)),
		LogFile: LogFile{
			Path:       strings.TrimSpace(os.Getenv(envLogFile)),
			MaxSize:    getInt(envLogFileMaxSize, defaultLogFileMaxSize),
			MaxBackups: getInt(envLogFileMaxBackups, defaultLogFileMaxBackups),
			MaxAge:     getInt(envLogFileMaxAge, defaultLogFileMaxAge),
		},
		ServerReadTimeout:       getDuration(envServerReadTimeout, defaultServerReadTimeout),
		ServerWriteTimeout:      getDuration(envServerWriteTimeout, defaultServerWriteTimeout),
		ServerIdleTimeout:       getDuration(envServerIdleTimeout, defaultServerIdleTimeout),
		GracefulShutdownTimeout: getDuration(envGracefulShutdown, defaultGracefulShutdown),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetRulesFile points the config at path. An empty path disables watching;
// otherwise DEVPROXY_WATCH_RULES decides, defaulting to on.
func (c *Config) SetRulesFile(path string) {
	c.RulesFile = strings.TrimSpace(path)
	c.WatchRules = c.RulesFile != "" && getBool(envWatchRules, true)
}

// Validate checks settings that cannot be defaulted.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%s must not be empty", envListenAddr)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q: must be \"console\" or \"json\"", c.LogFormat)
	}
	if c.WatchRules {
		if c.RulesFile == "" {
			return fmt.Errorf("%s requires %s", envWatchRules, envRulesFile)
		}
		dir := filepath.Dir(c.RulesFile)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("cannot watch %s %q: directory %q does not exist", envRulesFile, c.RulesFile, dir)
		}
	}
	if c.StaticDir != "" {
		info, err := os.Stat(c.StaticDir)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envStaticDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s %q is not a directory", envStaticDir, c.StaticDir)
		}
	}
	return nil
}

func getString(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
