// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-core-stack/dev-proxy/pkg/config"
	"github.com/go-core-stack/dev-proxy/pkg/rules"
)

// overrides holds command line values that take precedence over DEVPROXY_*
// environment variables.
type overrides struct {
	rulesFile string
	listen    string
	staticDir string
	logLevel  string
	watch     bool
}

func newRootCommand() *cobra.Command {
	opts := &overrides{}

	root := &cobra.Command{
		Use:           "devproxy",
		Short:         "Local development server that forwards path prefixes to backend targets",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	bindFlags(root, opts)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev proxy (default)",
		Args:  cobra.NoArgs,
		RunE:  root.RunE,
	}

	show := &cobra.Command{
		Use:   "rules",
		Short: "Print the effective proxy rule table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			table, err := loadRules(cfg)
			if err != nil {
				return err
			}
			return rules.Write(cmd.OutOrStdout(), table)
		},
	}

	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a proxy rules file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := rules.Load(args[0])
			if err != nil {
				return err
			}
			for _, r := range table {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (changeOrigin=%t ws=%t pathRewrite=%d)\n",
					r.Prefix, r.Target, r.ChangeOrigin, r.WS, len(r.PathRewrite))
			}
			return nil
		},
	}

	root.AddCommand(serve, show, validate)
	return root
}

func bindFlags(cmd *cobra.Command, opts *overrides) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.rulesFile, "config", "c", "", "proxy rules file (devServer.proxy YAML or JSON)")
	flags.StringVarP(&opts.listen, "listen", "l", "", "listen address")
	flags.StringVar(&opts.staticDir, "static", "", "front-end build directory served for unmatched paths")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&opts.watch, "watch", true, "reload the rules file when it changes")
}

// resolveConfig loads the environment configuration and applies any flags
// the user set explicitly.
func resolveConfig(cmd *cobra.Command, opts *overrides) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("config") {
		cfg.SetRulesFile(opts.rulesFile)
	}
	if flags.Changed("watch") {
		cfg.WatchRules = opts.watch && cfg.RulesFile != ""
	}
	if flags.Changed("listen") {
		cfg.ListenAddr = opts.listen
	}
	if flags.Changed("static") {
		cfg.StaticDir = opts.staticDir
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
