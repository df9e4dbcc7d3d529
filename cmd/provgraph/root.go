// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/provgraph/pkg/logging"
	"github.com/AleutianAI/provgraph/services/provenance"
	"github.com/AleutianAI/provgraph/services/provenance/config"
	"github.com/AleutianAI/provgraph/services/provenance/storage/badger"
	"github.com/AleutianAI/provgraph/services/provenance/telemetry"
	"github.com/AleutianAI/provgraph/services/provenance/tracestore"
)

// rootFlags are the persistent flags. Empty values keep the config file's.
type rootFlags struct {
	configPath string
	dbPath     string
	cacheDir   string
	logLevel   string
	jsonLogs   bool
}

// app holds what a subcommand needs once flags and config are resolved.
type app struct {
	cfg    config.Config
	logger *logging.Logger

	closers []func() error
}

// newRootCmd builds the command tree over a. The caller closes a after
// Execute returns.
func newRootCmd(a *app) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "provgraph",
		Short:         "Compile noWorkflow traces into provenance graphs",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context(), flags, cmd.Flags().Changed("json-logs"))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", config.DefaultFileName, "path to the YAML config file")
	pf.StringVar(&flags.dbPath, "db", "", "noWorkflow database (overrides store.db_path)")
	pf.StringVar(&flags.cacheDir, "cache-dir", "", "directory for the persistent query cache")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&flags.jsonLogs, "json-logs", false, "log JSON to stderr")

	root.AddCommand(newBuildCmd(a), newLoopsCmd(a), newServeCmd(a))
	return root
}

// setup loads config, applies flag overrides and starts logging and
// telemetry.
func (a *app) setup(ctx context.Context, flags *rootFlags, jsonChanged bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(flags.configPath, flags.configPath == config.DefaultFileName)
	if err != nil {
		return err
	}
	if flags.dbPath != "" {
		cfg.Store.DBPath = flags.dbPath
	}
	if flags.cacheDir != "" {
		cfg.Store.CacheDir = flags.cacheDir
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if jsonChanged {
		cfg.Logging.JSON = flags.jsonLogs
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "provgraph",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(a.logger.Slog())
	a.closers = append(a.closers, a.logger.Close)

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	return nil
}

// openService opens the trace store, wrapped in the query cache when a
// cache directory is configured.
func (a *app) openService() (*provenance.Service, error) {
	logger := a.logger.Slog()
	opts := []tracestore.SQLiteOption{tracestore.WithLogger(logger)}
	if a.cfg.Store.ContentDir != "" {
		opts = append(opts, tracestore.WithContentDir(a.cfg.Store.ContentDir))
	}
	sqlite, err := tracestore.OpenSQLite(a.cfg.Store.DBPath, opts...)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sqlite.Close)

	var store tracestore.Store = sqlite
	if a.cfg.Store.CacheDir != "" {
		bcfg := badger.DefaultConfig(a.cfg.Store.CacheDir)
		bcfg.Logger = logger
		db, err := badger.OpenDB(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open query cache: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		cached, err := tracestore.NewCachedStore(sqlite, db, sqlite.Path(), logger)
		if err != nil {
			return nil, err
		}
		store = cached
	}

	return provenance.NewService(store, a.serviceConfig(), provenance.WithServiceLogger(logger)), nil
}

func (a *app) serviceConfig() provenance.ServiceConfig {
	return provenance.ServiceConfig{
		ScriptsDir: a.cfg.ScriptsDir(),
		ProjectDir: a.cfg.ProjectDir(),
		RefDir:     a.cfg.Output.RefDir,
		Hashtable:  a.cfg.Output.Hashtable,
		Language:   a.cfg.Output.Language,
		Snapshots:  a.cfg.Output.Snapshots,
		Builder:    a.cfg.Builder.Options(),
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
