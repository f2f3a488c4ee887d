// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bcd implements a bounded coordinate descent solver for nonlinear
// least squares with box constraints and L1 sparsity regularization.
//
// Every outer iteration linearizes the residual (Gauss-Newton), solves the
// regularized normal equations with Gauss-Seidel coordinate descent using a
// closed form proximal step per coordinate, and backtracks with quadratic
// interpolation when the step does not reduce the objective
//
//	½‖f(x)‖² + λ Σᵢ sᵢ|xᵢ|
//
// sufficiently. Only coordinates of bounded variables are regularized and clamped.
package bcd

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/curioloop/rigfit/cost"
	"gonum.org/v1/gonum/mat"
)

// LogLevel controls the frequency and type of logger output
type LogLevel int

const (
	// LogNoop no output is generated (level < 0)
	LogNoop LogLevel = -1
	// LogLast print only the exit summary
	LogLast LogLevel = 0
	// LogEval print also the objective every `level` iterations for any (0 < level < 99)
	LogEval LogLevel = 1
	// LogTrace print details of every iteration including line-search trials
	LogTrace LogLevel = 99
	// LogVerbose print also x and dx of every iteration (level > 100)
	LogVerbose LogLevel = 101
)

// Logger handles logging output for the solver.
// Note the writer must be thread-safe when shared by solvers.
type Logger struct {
	Level LogLevel
	Msg   io.Writer
}

func (l *Logger) enable(level LogLevel) bool {
	return l.Level >= level
}

func (l *Logger) log(format string, a ...any) {
	if len(a) > 0 {
		_, _ = fmt.Fprintf(l.Msg, format, a...)
	} else {
		_, _ = fmt.Fprint(l.Msg, format)
	}
}

// Termination specifies when the outer iteration stops before the iteration limit.
type Termination struct {
	// The iteration stop when ½‖f‖² + L1 falls below this value.
	ResidualErrorStoppingCriterion float64 `yaml:"residualErrorStoppingCriterion"`
	// The iteration stop when the predicted reduction satisfied:
	//   (rₖ - r̂ₖ₊₁) / rₖ < 𝚌𝚛𝚒𝚝𝚎𝚛𝚒𝚘𝚗
	PredictionReductionStoppingCriterion float64 `yaml:"predictionReductionStoppingCriterion"`
}

// Settings configures the solver.
type Settings struct {
	// Number of outer Gauss-Newton iterations.
	Iterations int `yaml:"iterations"`
	// Number of Gauss-Seidel sweeps of the inner solve.
	CoordinateDescentIterations int `yaml:"coordinateDescentIterations"`
	// L1 weight λ, scaled per coordinate by the variable regularization scaling.
	L1Reg float64 `yaml:"l1reg"`
	// Replace |x| by the saturated penalty tanh(m|x|)/m.
	UseSaturatedL1 bool `yaml:"useSaturatedL1"`
	// Slope m of the saturated penalty.
	SaturatedL1M float64 `yaml:"saturatedL1_m"`
	// Maximum number of trial steps of the backtracking line search.
	MaxLineSearchIterations int `yaml:"maxLineSearchIterations"`
	// Stop conditions.
	Stop Termination `yaml:"stop"`
	// Panic when the quadratic interpolation step leaves (0,1) instead of halving the step.
	StrictLineSearch bool `yaml:"strictLineSearch"`
}

// DefaultSettings returns the settings used when a problem does not provide its own.
func DefaultSettings() Settings {
	return Settings{
		Iterations:                  10,
		CoordinateDescentIterations: 10,
		L1Reg:                       0,
		UseSaturatedL1:              false,
		SaturatedL1M:                10,
		MaxLineSearchIterations:     10,
		Stop: Termination{
			ResidualErrorStoppingCriterion:       1e-8,
			PredictionReductionStoppingCriterion: 1e-4,
		},
	}
}

// Validate checks the settings.
func (s *Settings) Validate() (err error) {
	stop := s.Stop
	switch {
	case s.Iterations <= 0:
		err = errors.New("iterations must greater than 0")
	case s.CoordinateDescentIterations <= 0:
		err = errors.New("coordinate descent iterations must greater than 0")
	case math.IsNaN(s.L1Reg) || s.L1Reg < zero:
		err = errors.New("l1 regularization must not less than 0")
	case s.UseSaturatedL1 && !(s.SaturatedL1M > zero):
		err = errors.New("saturated l1 slope must greater than 0")
	case s.MaxLineSearchIterations < 0:
		err = errors.New("line search iterations must not less than 0")
	case math.IsNaN(stop.ResidualErrorStoppingCriterion):
		err = errors.New("residual error criterion must be a number")
	case math.IsNaN(stop.PredictionReductionStoppingCriterion):
		err = errors.New("prediction reduction criterion must be a number")
	}
	return
}

// Solver implements the bounded coordinate descent algorithm.
// A Solver is immutable and could be shared by goroutines,
// each goroutine need its own Workspace and Context.
type Solver[T cost.Float] struct {
	settings Settings
	pool     *cost.Pool
	logger   Logger
}

// New creates a solver. The pool is optional and only used to assemble JᵀJ.
func New[T cost.Float](settings Settings, pool *cost.Pool, logger *Logger) (*Solver[T], error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = new(Logger)
		logger.Level = LogNoop
	}
	if logger.Msg == nil {
		logger.Msg = os.Stdout
	}
	return &Solver[T]{settings: settings, pool: pool, logger: *logger}, nil
}

// Settings returns a copy of the solver settings.
func (s *Solver[T]) Settings() Settings { return s.settings }

// Workspace holds the normal equations and the bounds table of one solve.
// Its size follows the unknown count of the context and is reused across solves.
type Workspace struct {
	n      int
	bounds []bound
	jtj    *mat.SymDense
	jtb    []float64
	dx     []float64
	x      []float64 // x at the start of the iteration
	xt     []float64 // trial x of a residual evaluation
	xdx    []float64 // x + dx
	sdx    []float64 // step × dx
	jdx    []float64 // f + J·dx
	iterCtx
}

// Init allocates an empty workspace.
func (s *Solver[T]) Init() *Workspace {
	return new(Workspace)
}

// Result contains the final result of a solve.
type Result[T cost.Float] struct {
	OK       bool    // Always true, every terminal state is a normal termination.
	Residual float64 // ½‖f‖² + L1 at the final x.
	X        []T     // Final unknowns of the context.
	Summary
}

// Summary contains a summary of the solve.
type Summary struct {
	Status        Status // Terminal state.
	NumIter       int    // Number of outer iterations started.
	NumEval       int    // Number of cost function evaluations.
	NumLineSearch int    // Number of line-search trial steps.
}

// Solve minimizes ½‖fn(x)‖² + L1(x) by mutating the unknowns of ctx in place.
// Coordinates of the given bounded variables are regularized and clamped,
// all other unknowns take plain Newton steps.
//
// It panics when fn returns no Jacobian for a non-nil context.
func (s *Solver[T]) Solve(fn cost.Function[T], ctx *cost.Context[T], vars []*cost.BoundedVectorVariable[T], w *Workspace) *Result[T] {
	if fn == nil || ctx == nil {
		panic("cost function and context are required")
	}
	if w == nil {
		w = s.Init()
	}
	driver := iterDriver[T]{
		solver:    s,
		workspace: w,
		fn:        fn,
		ctx:       ctx,
		vars:      vars,
	}
	status := driver.mainLoop()
	return &Result[T]{
		OK:       true,
		Residual: w.residual,
		X:        ctx.Value(),
		Summary: Summary{
			Status:        status,
			NumIter:       w.iter,
			NumEval:       w.totalEval,
			NumLineSearch: w.totalSearch,
		},
	}
}
