// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import "time"

const (
	zero    = 0.0
	half    = 0.5
	quarter = 0.25
	one     = 1.0
	two     = 2.0
)

// Status is the terminal state of a solve.
type Status int

const (
	// Converged the objective fell below the residual criterion.
	Converged Status = 1 + iota
	// ConvergedPrediction the predicted relative reduction fell below its criterion.
	ConvergedPrediction
	// StalledNoProgress no step reducing the objective was found.
	StalledNoProgress
	// OverIterLimit the number of outer iterations reached its limit.
	OverIterLimit
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "CONVERGENCE: RESIDUAL_<=_CRITERION"
	case ConvergedPrediction:
		return "CONVERGENCE: REL_PREDICTED_REDUCTION_<=_CRITERION"
	case StalledNoProgress:
		return "STOP: NO PROGRESS IN LINE SEARCH"
	case OverIterLimit:
		return "STOP: TOTAL NO. of ITERATIONS REACHED LIMIT"
	default:
		return "UNKNOWN STATUS"
	}
}

// bound is one row of the bounds table, describing coordinate r of dx.
type bound struct {
	valid        bool
	lower, upper float64
	index        int // index into x
	scale        float64
}

// iterCtx holds the counters and timers of a solve.
type iterCtx struct {
	iter        int
	totalEval   int
	totalSearch int
	residual    float64
	step        float64
	projected   bool

	start      time.Time
	assembly   time.Duration
	inner      time.Duration
	lineSearch time.Duration
}

func (c *iterCtx) clear() {
	*c = iterCtx{start: time.Now()}
}
