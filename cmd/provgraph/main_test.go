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
	"bytes"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIWithInput(t, "", args...)
}

func runCLIWithInput(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{}
	cmd := newRootCmd(a)
	cmd.SetIn(strings.NewReader(input))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	require.NoError(t, a.close())
	return out.String(), err
}

// TestLoopsCommand verifies loop spans are printed in start order.
func TestLoopsCommand(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "s.py")
	src := "for i in range(2):\n    a = i\n\nwhile False:\n    pass\n"
	require.NoError(t, os.WriteFile(script, []byte(src), 0644))

	_, err := runCLI(t, "--config", filepath.Join(dir, "provgraph.yaml"), "loops", script)
	require.Error(t, err, "an explicit config path must exist")

	out, err := runCLI(t, "--log-level", "error", "loops", script)
	require.NoError(t, err)
	assert.Equal(t, "1 3\n4 6\n", out)
}

// TestBuildCommand_Args verifies trial ids are validated before any I/O.
func TestBuildCommand_Args(t *testing.T) {
	_, err := runCLI(t, "--log-level", "error", "build")
	assert.ErrorIs(t, err, errNoTrialArgs)

	_, err = runCLIWithInput(t, "2 x\n", "--log-level", "error", "build")
	assert.ErrorContains(t, err, "invalid trial id \"x\"")

	_, err = runCLI(t, "--log-level", "error", "build", "x")
	assert.ErrorContains(t, err, "invalid trial id")

	_, err = runCLI(t, "--log-level", "error", "--db", filepath.Join(t.TempDir(), "missing.sqlite"), "build", "1")
	assert.ErrorContains(t, err, "stat trace database")
}

// TestRootFlags_Invalid verifies flag values go through config validation.
func TestRootFlags_Invalid(t *testing.T) {
	_, err := runCLI(t, "--log-level", "chatty", "loops", "x.py")
	assert.Error(t, err)
}

// TestParseTrials verifies trial id parsing.
func TestParseTrials(t *testing.T) {
	ids, err := parseTrials([]string{"3", "10"})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 10}, ids)

	_, err = parseTrials([]string{"0"})
	assert.Error(t, err)
}

// TestServe_StopsOnCancel verifies the server shuts down when ctx ends.
func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, server) }()
	cancel()

	assert.NoError(t, <-done)
}
