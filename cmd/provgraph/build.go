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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/provgraph/services/provenance"
)

func newBuildCmd(a *app) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "build TRIAL...",
		Short: "Link one or more trials into a Prov-JSON document",
		Long: `Link one or more trials into a Prov-JSON document.

With no arguments and piped input, trial ids are read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				piped, err := stdinTrials(cmd.InOrStdin())
				if err != nil {
					return err
				}
				args = piped
			}
			trials, err := parseTrials(args)
			if err != nil {
				return err
			}
			svc, err := a.openService()
			if err != nil {
				return err
			}
			report, err := svc.Build(cmd.Context(), provenance.BuildRequest{
				Trials:              trials,
				Output:              output,
				AllowExternalOutput: true,
			})
			if err != nil {
				return err
			}
			if len(trials) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote script prov for %s to %s\n", report.Runs[0].Script, report.Output)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote workflow prov to %s\n", report.Output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "document path (relative paths resolve against the project directory)")
	return cmd
}

var errNoTrialArgs = errors.New("requires at least one trial id")

// stdinTrials reads whitespace-separated trial ids from in. A terminal is
// never read.
func stdinTrials(in io.Reader) ([]string, error) {
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return nil, errNoTrialArgs
	}
	scanner := bufio.NewScanner(in)
	scanner.Split(bufio.ScanWords)
	var args []string
	for scanner.Scan() {
		args = append(args, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trial ids: %w", err)
	}
	if len(args) == 0 {
		return nil, errNoTrialArgs
	}
	return args, nil
}

func parseTrials(args []string) ([]int64, error) {
	trials := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid trial id %q", arg)
		}
		trials = append(trials, id)
	}
	return trials, nil
}

func newLoopsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "loops SCRIPT",
		Short: "Print the loop spans of a Python script as START END pairs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc := provenance.NewService(nil, a.serviceConfig(), provenance.WithServiceLogger(a.logger.Slog()))
			loops, err := svc.Loops(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			starts := make([]int, 0, len(loops))
			for start := range loops {
				starts = append(starts, start)
			}
			sort.Ints(starts)
			for _, start := range starts {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %d\n", start, loops[start])
			}
			return nil
		},
	}
}
