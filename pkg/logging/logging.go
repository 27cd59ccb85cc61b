// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package logging configures the process-wide zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-core-stack/dev-proxy/pkg/config"
)

// Setup installs the global logger described by cfg and returns a closer for
// the rolling log file, if one was opened.
func Setup(cfg config.Config) (io.Closer, error) {
	return SetupWithWriter(cfg, os.Stderr)
}

// SetupWithWriter is Setup with the console/json output redirected to out.
func SetupWithWriter(cfg config.Config, out io.Writer) (io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	writers := []io.Writer{out}
	var closer io.Closer = nopCloser{}

	if cfg.LogFile.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		rolling := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSize,    // megabytes
			MaxBackups: cfg.LogFile.MaxBackups, // files
			MaxAge:     cfg.LogFile.MaxAge,     // days
		}
		writers = append(writers, rolling)
		closer = rolling
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
