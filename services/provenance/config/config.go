// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads provgraph settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/provgraph/services/provenance/graph"
	"github.com/AleutianAI/provgraph/services/provenance/telemetry"
)

// DefaultFileName is the config file looked up in the working directory.
const DefaultFileName = "provgraph.yaml"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of provgraph.yaml.
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Output    OutputConfig     `yaml:"output"`
	Builder   BuilderConfig    `yaml:"builder"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Server    ServerConfig     `yaml:"server"`
}

// StoreConfig locates the trace database and the query cache.
type StoreConfig struct {
	// DBPath is the noWorkflow SQLite database.
	DBPath string `yaml:"db_path" validate:"required"`

	// ContentDir overrides <dir of DBPath>/content.
	ContentDir string `yaml:"content_dir"`

	// CacheDir enables the persistent query cache when set.
	CacheDir string `yaml:"cache_dir"`
}

// OutputConfig controls where documents, snapshots and the hashtable go.
type OutputConfig struct {
	// ProjectDir defaults to the parent of the database directory.
	ProjectDir string `yaml:"project_dir"`

	// RefDir is the prefix used for snapshot paths inside documents.
	RefDir string `yaml:"ref_dir"`

	// Hashtable is the DDG hashtable file. Empty disables it.
	Hashtable string `yaml:"hashtable"`

	// Language is written as rdt:language on the environment node.
	Language string `yaml:"language"`

	// Snapshots enables table snapshots for frame-like return values.
	Snapshots bool `yaml:"snapshots"`
}

// BuilderConfig mirrors graph.Options.
type BuilderConfig struct {
	CollapseRepeatedOperations bool `yaml:"collapse_repeated_operations"`
	MergeRepeatedLoopHeaders   bool `yaml:"merge_repeated_loop_headers"`
	SkipPrintStatements        bool `yaml:"skip_print_statements"`
	DetectImplicitReads        bool `yaml:"detect_implicit_reads"`
	DetectWrittenFrames        bool `yaml:"detect_written_frames"`
}

// Options converts the section to builder options.
func (b BuilderConfig) Options() graph.Options {
	return graph.Options{
		CollapseRepeatedOperations: b.CollapseRepeatedOperations,
		MergeRepeatedLoopHeaders:   b.MergeRepeatedLoopHeaders,
		SkipPrintStatements:        b.SkipPrintStatements,
		DetectImplicitReads:        b.DetectImplicitReads,
		DetectWrittenFrames:        b.DetectWrittenFrames,
	}
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// ServerConfig configures `provgraph serve`.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() Config {
	opts := graph.DefaultOptions()
	return Config{
		Store: StoreConfig{DBPath: filepath.Join(".noworkflow", "db.sqlite")},
		Output: OutputConfig{
			RefDir:    "../data",
			Hashtable: filepath.Join("~", ".ddg", "hashtable.json"),
			Language:  graph.DefaultLanguage,
			Snapshots: true,
		},
		Builder: BuilderConfig{
			CollapseRepeatedOperations: opts.CollapseRepeatedOperations,
			MergeRepeatedLoopHeaders:   opts.MergeRepeatedLoopHeaders,
			SkipPrintStatements:        opts.SkipPrintStatements,
			DetectImplicitReads:        opts.DetectImplicitReads,
			DetectWrittenFrames:        opts.DetectWrittenFrames,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		Server:    ServerConfig{Addr: "127.0.0.1:8089"},
	}
}

// Load reads path over DefaultConfig and validates the result.
//
// A missing file is not an error when allowMissing is set; the defaults
// are returned as-is.
func Load(path string, allowMissing bool) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && allowMissing:
		return cfg, nil
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// ScriptsDir is the directory `now run` was invoked from: the parent of
// the .noworkflow directory holding the database.
func (c Config) ScriptsDir() string {
	return filepath.Dir(filepath.Dir(c.Store.DBPath))
}

// ProjectDir returns the configured project directory, defaulting to the
// parent of ScriptsDir.
func (c Config) ProjectDir() string {
	if c.Output.ProjectDir != "" {
		return c.Output.ProjectDir
	}
	return filepath.Join(c.ScriptsDir(), "..")
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
