// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"math"

	"github.com/curioloop/rigfit/bcd"
	"github.com/curioloop/rigfit/cost"
	"gonum.org/v1/gonum/mat"
)

// Output is the YAML report of a solve.
type Output struct {
	Status       string               `yaml:"status"`
	Message      string               `yaml:"message"`
	Iterations   int                  `yaml:"iterations"`
	Evaluations  int                  `yaml:"evaluations"`
	LineSearches int                  `yaml:"lineSearches"`
	Residual     float64              `yaml:"residual"`
	Variables    map[string][]float64 `yaml:"variables"`
}

var statusNames = map[bcd.Status]string{
	bcd.Converged:           "converged",
	bcd.ConvergedPrediction: "convergedPrediction",
	bcd.StalledNoProgress:   "stalledNoProgress",
	bcd.OverIterLimit:       "overIterLimit",
}

// term is a prepared residual block: A, -target and its variables.
type term[T cost.Float] struct {
	weight float64
	a      *mat.Dense
	b      []float64
	vars   []cost.Variable[T]
}

// Solve fits the problem with unknowns of precision T.
func Solve[T cost.Float](p *Problem, pool *cost.Pool, logger *bcd.Logger) (*Output, error) {
	solver, err := bcd.New[T](p.Settings, pool, logger)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]cost.Variable[T], len(p.Variables))
	var bounded []*cost.BoundedVectorVariable[T]
	for _, spec := range p.Variables {
		v := newVariable[T](spec)
		if b, ok := v.(*cost.BoundedVectorVariable[T]); ok {
			bounded = append(bounded, b)
		}
		vars[spec.Name] = v
	}

	terms := make([]term[T], len(p.Terms))
	for i, spec := range p.Terms {
		t := &terms[i]
		t.weight = 1
		if spec.Weight != nil {
			t.weight = *spec.Weight
		}
		t.a = mat.NewDense(len(spec.Matrix), len(spec.Matrix[0]), nil)
		for r, row := range spec.Matrix {
			t.a.SetRow(r, row)
		}
		t.b = make([]float64, len(spec.Matrix))
		for r, y := range spec.Target {
			t.b[r] = -y
		}
		for _, name := range spec.Variables {
			t.vars = append(t.vars, vars[name])
		}
	}

	fn := cost.FunctionFunc[T](func(ctx *cost.Context[T]) *cost.DiffData {
		var total cost.Cost
		for _, t := range terms {
			var x cost.Cost
			for _, v := range t.vars {
				x.Add(cost.Evaluate(v, ctx), 1)
			}
			total.Add(cost.Affine(t.a, x.DiffData(), t.b), t.weight)
		}
		return total.DiffData()
	})

	r := solver.Solve(fn, cost.NewContext[T](), bounded, nil)

	out := &Output{
		Status:       statusNames[r.Status],
		Message:      r.Status.String(),
		Iterations:   r.NumIter,
		Evaluations:  r.NumEval,
		LineSearches: r.NumLineSearch,
		Residual:     r.Residual,
		Variables:    make(map[string][]float64, len(vars)),
	}
	for name, v := range vars {
		value := make([]float64, v.Size())
		for i, x := range v.Value() {
			value[i] = float64(x)
		}
		out.Variables[name] = value
	}
	return out, nil
}

func newVariable[T cost.Float](spec Variable) cost.Variable[T] {
	value := make([]T, len(spec.Init))
	for i, x := range spec.Init {
		value[i] = T(x)
	}
	if spec.Free || spec.Constant {
		v := cost.NewVectorVariable(value)
		v.MakeConstant(spec.Constant)
		return v
	}

	v := cost.NewBoundedVectorVariable(value)
	if spec.Enforce != nil {
		v.EnforceBounds(*spec.Enforce)
	}
	n := len(value)
	lower, upper := make([]float64, n), make([]float64, n)
	for i := range n {
		lower[i], upper[i] = at(spec.Lower, i, math.Inf(-1)), at(spec.Upper, i, math.Inf(1))
	}
	v.SetBounds(lower, upper)
	if spec.Scale != nil {
		v.SetRegularizationScaling(spec.Scale)
	}
	return v
}
