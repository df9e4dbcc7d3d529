// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithContentDir overrides where script texts are looked up.
//
// The default is the "content" directory next to the database file.
func WithContentDir(dir string) SQLiteOption {
	return func(s *SQLiteStore) {
		if dir != "" {
			s.contentDir = dir
		}
	}
}

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SQLiteStore reads trials from a noWorkflow SQLite database.
//
// Description:
//
//	The database is opened read-only. Script texts live in a content
//	addressed directory: the first two characters of the trial code hash
//	name a sub-directory holding a file named by the rest of the hash.
//
// Thread Safety:
//
//	SQLiteStore is safe for concurrent use; database/sql pools connections.
type SQLiteStore struct {
	db         *sql.DB
	path       string
	contentDir string
	logger     *slog.Logger
}

// OpenSQLite opens the trace database at path.
//
// Inputs:
//
//	path - Path to the database file (usually .noworkflow/db.sqlite).
//	       Relative paths are made absolute against the working directory.
//	opts - Optional configuration.
//
// Outputs:
//
//	*SQLiteStore - Open store. Caller must call Close().
//	error - Non-nil if the file does not exist or cannot be opened.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve trace database path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat trace database: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open trace database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping trace database %s: %w", path, err)
	}

	s := &SQLiteStore{
		db:         db,
		path:       path,
		contentDir: filepath.Join(filepath.Dir(path), "content"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the absolute database file path. It identifies the store,
// so caches shared between projects key their entries by it.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Trial implements Store.
func (s *SQLiteStore) Trial(ctx context.Context, runID int64) (Trial, error) {
	var (
		t    Trial
		hash sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `SELECT id, script, code_hash FROM trial WHERE id = ?`, runID)
	if err := row.Scan(&t.ID, &t.Script, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trial{}, fmt.Errorf("trial %d: %w", runID, ErrTrialNotFound)
		}
		return Trial{}, fmt.Errorf("query trial %d: %w", runID, err)
	}
	t.CodeHash = hash.String
	return t, nil
}

// Activations implements Store.
func (s *SQLiteStore) Activations(ctx context.Context, runID int64) ([]Activation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trial_id, id, name, return_value, line
		   FROM function_activation
		  WHERE trial_id = ?
		  ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query activations of trial %d: %w", runID, err)
	}
	defer rows.Close()

	activations := make([]Activation, 0)
	for rows.Next() {
		var (
			a    Activation
			ret  sql.NullString
			line sql.NullInt64
		)
		if err := rows.Scan(&a.RunID, &a.ID, &a.Name, &ret, &line); err != nil {
			return nil, fmt.Errorf("scan activation: %w", err)
		}
		a.ReturnValue = normalizeReturn(ret.String)
		a.Line = int(line.Int64)
		activations = append(activations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activations of trial %d: %w", runID, err)
	}
	return activations, nil
}

// FileAccesses implements Store.
func (s *SQLiteStore) FileAccesses(ctx context.Context, runID int64) ([]FileAccess, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, function_activation_id, mode, content_hash_after
		   FROM file_access
		  WHERE trial_id = ?
		  ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query file accesses of trial %d: %w", runID, err)
	}
	defer rows.Close()

	accesses := make([]FileAccess, 0)
	for rows.Next() {
		var (
			f     FileAccess
			actID sql.NullInt64
			mode  sql.NullString
			hash  sql.NullString
		)
		if err := rows.Scan(&f.Name, &actID, &mode, &hash); err != nil {
			return nil, fmt.Errorf("scan file access: %w", err)
		}
		if !actID.Valid {
			// Accesses outside any activation cannot be attached to a node.
			continue
		}
		f.ActivationID = actID.Int64
		f.Mode = mode.String
		f.ContentHash = hash.String
		accesses = append(accesses, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file accesses of trial %d: %w", runID, err)
	}
	return accesses, nil
}

// FunctionDefs implements Store.
func (s *SQLiteStore) FunctionDefs(ctx context.Context, runID int64) ([]FunctionDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, last_line FROM function_def WHERE trial_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query function defs of trial %d: %w", runID, err)
	}
	defer rows.Close()

	defs := make([]FunctionDef, 0)
	for rows.Next() {
		var (
			d    FunctionDef
			last sql.NullInt64
		)
		if err := rows.Scan(&d.Name, &last); err != nil {
			return nil, fmt.Errorf("scan function def: %w", err)
		}
		d.LastLine = int(last.Int64)
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate function defs of trial %d: %w", runID, err)
	}
	return defs, nil
}

// ObjectValue implements Store.
func (s *SQLiteStore) ObjectValue(ctx context.Context, runID, activationID int64, name string) (string, bool, error) {
	var value sql.NullString
	row := s.db.QueryRowContext(ctx,
		`SELECT value FROM object_value
		  WHERE trial_id = ? AND function_activation_id = ? AND name = ?
		  LIMIT 1`, runID, activationID, name)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query object value %q of activation %d: %w", name, activationID, err)
	}
	if !value.Valid {
		return "", false, nil
	}
	return value.String, true, nil
}

// ActivationsHoldingValue implements Store.
func (s *SQLiteStore) ActivationsHoldingValue(ctx context.Context, runID int64, value string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT function_activation_id FROM object_value
		  WHERE trial_id = ? AND value = ?
		  ORDER BY function_activation_id`, runID, value)
	if err != nil {
		return nil, fmt.Errorf("query activations holding value in trial %d: %w", runID, err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan activation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activations holding value: %w", err)
	}
	return ids, nil
}

// ScriptSource implements Store.
func (s *SQLiteStore) ScriptSource(ctx context.Context, runID int64) ([]byte, error) {
	trial, err := s.Trial(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(trial.CodeHash) < 3 {
		return nil, fmt.Errorf("trial %d has code hash %q: %w", runID, trial.CodeHash, ErrSourceUnavailable)
	}

	path := filepath.Join(s.contentDir, trial.CodeHash[:2], trial.CodeHash[2:])
	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Debug("script source not in content store",
			slog.Int64("trial", runID),
			slog.String("path", path))
		return nil, fmt.Errorf("read %s: %w: %w", path, ErrSourceUnavailable, err)
	}
	return content, nil
}
