// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-core-stack/dev-proxy/pkg/config"
	"github.com/go-core-stack/dev-proxy/pkg/logging"
	"github.com/go-core-stack/dev-proxy/pkg/proxy"
	"github.com/go-core-stack/dev-proxy/pkg/rules"
)

// Version is injected at build time using ldflags.
var Version = "(unknown)"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal().Err(err).Msg("devproxy failed")
	}
}

// loadRules returns the table named by cfg, or the built-in table when no
// rules file is configured.
func loadRules(cfg config.Config) (rules.Table, error) {
	if cfg.RulesFile == "" {
		return rules.Default(), nil
	}
	return rules.Load(cfg.RulesFile)
}

// run serves the proxy until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg config.Config) error {
	closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	table, err := loadRules(cfg)
	if err != nil {
		return fmt.Errorf("load proxy rules: %w", err)
	}

	proxyHandler, err := proxy.New(cfg, table)
	if err != nil {
		return fmt.Errorf("construct proxy: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      proxyHandler,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("version", Version).
			Str("listen_addr", cfg.ListenAddr).
			Strs("prefixes", table.Prefixes()).
			Str("static_dir", cfg.StaticDir).
			Msg("starting dev proxy")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server exited unexpectedly: %w", err)
		}
		return nil
	})

	if cfg.WatchRules {
		watcher := rules.NewWatcher(cfg.RulesFile, func(next rules.Table, err error) {
			if err != nil {
				log.Error().Err(err).Str("path", cfg.RulesFile).Msg("rules reload failed; keeping active table")
				return
			}
			if err := proxyHandler.Reload(next); err != nil {
				log.Error().Err(err).Str("path", cfg.RulesFile).Msg("rules rejected; keeping active table")
			}
		})
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return shutdown(server, cfg.GracefulShutdownTimeout)
	})

	return g.Wait()
}

func shutdown(srv *http.Server, timeout time.Duration) error {
	log.Info().Msg("shutting down dev proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}

	log.Info().Msg("proxy stopped")
	return nil
}

func init() {
	// keep early failures readable until logging.Setup installs the configured logger
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
}
