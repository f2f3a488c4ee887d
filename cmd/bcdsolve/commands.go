// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/curioloop/rigfit/bcd"
	"github.com/curioloop/rigfit/cost"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type solveOptions struct {
	verbose int
	single  bool
	workers int
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bcdsolve",
		Short:         "Bounded coordinate descent solver for rig fitting problems",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSolveCmd(), newSettingsCmd())
	return root
}

func newSolveCmd() *cobra.Command {
	var opts solveOptions
	cmd := &cobra.Command{
		Use:   "solve [problem.yaml]",
		Short: "Solve a problem file, or stdin when the path is omitted or '-'",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, args, &opts)
		},
	}
	cmd.Flags().CountVarP(&opts.verbose, "verbose", "v", "solver log level: -v summary, -vv iterations, -vvv line search, -vvvv vectors")
	cmd.Flags().BoolVar(&opts.single, "float32", false, "solve with single precision unknowns")
	cmd.Flags().IntVar(&opts.workers, "workers", 1, "goroutines assembling the normal equations, 0 for GOMAXPROCS")
	return cmd
}

func newSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Print the default solver settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeYAML(cmd.OutOrStdout(), bcd.DefaultSettings())
		},
	}
}

func runSolve(cmd *cobra.Command, args []string, opts *solveOptions) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open problem: %w", err)
		}
		defer f.Close()
		in = f
	}

	p, err := LoadProblem(in)
	if err != nil {
		return err
	}

	logger := &bcd.Logger{Level: logLevel(opts.verbose), Msg: cmd.ErrOrStderr()}
	var pool *cost.Pool
	if opts.workers != 1 {
		pool = cost.NewPool(opts.workers)
	}

	var out *Output
	if opts.single {
		out, err = Solve[float32](p, pool, logger)
	} else {
		out, err = Solve[float64](p, pool, logger)
	}
	if err != nil {
		return fmt.Errorf("solve: %w", err)
	}
	return writeYAML(cmd.OutOrStdout(), out)
}

func logLevel(verbose int) bcd.LogLevel {
	switch verbose {
	case 0:
		return bcd.LogNoop
	case 1:
		return bcd.LogLast
	case 2:
		return bcd.LogEval
	case 3:
		return bcd.LogTrace
	default:
		return bcd.LogVerbose
	}
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return enc.Close()
}
