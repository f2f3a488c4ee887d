// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import (
	"io"
	"math"
	"strings"
	"testing"

	"github.com/curioloop/rigfit/cost"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

var discard = &Logger{Level: LogVerbose, Msg: io.Discard}

// quadratic returns the residual v - c, i.e. the cost ½(x - c)².
func quadratic[T cost.Float](v cost.Variable[T], c float64) cost.Function[T] {
	return cost.FunctionFunc[T](func(ctx *cost.Context[T]) *cost.DiffData {
		return cost.Affine(mat.NewDense(1, 1, []float64{1}), cost.Evaluate(v, ctx), []float64{-c})
	})
}

func newSolver[T cost.Float](t *testing.T, s Settings) *Solver[T] {
	solver, err := New[T](s, nil, discard)
	if err != nil {
		t.Fatal(err)
	}
	return solver
}

func TestScenarioUnbounded(t *testing.T) {
	v := cost.NewVectorVariable([]float64{0})
	ctx := cost.NewContext[float64]()
	solver := newSolver[float64](t, DefaultSettings())

	r := solver.Solve(quadratic[float64](v, 3), ctx, nil, nil)
	switch {
	case !r.OK:
		t.Fatal("TestScenarioUnbounded: Not OK")
	case !scalar.EqualWithinAbs(v.Value()[0], 3, 1e-12):
		t.Fatalf("TestScenarioUnbounded: x = %g", v.Value()[0])
	case r.NumIter > 2:
		t.Fatal("TestScenarioUnbounded: Too Many Iterations")
	case r.Status != Converged:
		t.Fatalf("TestScenarioUnbounded: status %v", r.Status)
	}

	// already converged: one evaluation and no change
	r = solver.Solve(quadratic[float64](v, 3), ctx, nil, nil)
	switch {
	case r.NumEval != 1 || r.NumIter != 1:
		t.Fatalf("TestScenarioUnbounded: resolve used %d evaluations", r.NumEval)
	case r.Status != Converged:
		t.Fatal("TestScenarioUnbounded: resolve should converge immediately")
	case v.Value()[0] != 3:
		t.Fatal("TestScenarioUnbounded: resolve changed x")
	}
}

func TestScenarioL1(t *testing.T) {
	v := cost.NewBoundedVectorVariable([]float64{0})
	v.EnforceBounds(false)
	ctx := cost.NewContext[float64]()

	s := DefaultSettings()
	s.L1Reg = 1
	solver := newSolver[float64](t, s)

	r := solver.Solve(quadratic[float64](v, 3), ctx, []*cost.BoundedVectorVariable[float64]{v}, nil)
	switch {
	case !r.OK:
		t.Fatal("TestScenarioL1: Not OK")
	case !scalar.EqualWithinAbs(r.X[0], 2, 1e-12):
		t.Fatalf("TestScenarioL1: x = %g", r.X[0])
	case !scalar.EqualWithinAbs(r.Residual, 0.5+2, 1e-12):
		t.Fatalf("TestScenarioL1: residual = %g", r.Residual)
	case r.Status != ConvergedPrediction:
		t.Fatalf("TestScenarioL1: status %v", r.Status)
	}
}

func TestScenarioBox(t *testing.T) {
	v := cost.NewBoundedVectorVariable([]float64{0})
	v.SetBounds([]float64{0}, []float64{1})
	ctx := cost.NewContext[float64]()
	solver := newSolver[float64](t, DefaultSettings())

	r := solver.Solve(quadratic[float64](v, 3), ctx, []*cost.BoundedVectorVariable[float64]{v}, nil)
	switch {
	case !r.OK:
		t.Fatal("TestScenarioBox: Not OK")
	case r.X[0] != 1:
		t.Fatalf("TestScenarioBox: x = %g", r.X[0])
	case r.NumIter > 2:
		t.Fatal("TestScenarioBox: Too Many Iterations")
	}
}

func TestScenarioBoxFloat32(t *testing.T) {
	v := cost.NewBoundedVectorVariable([]float32{0})
	v.SetBounds([]float64{0}, []float64{1})
	ctx := cost.NewContext[float32]()
	solver := newSolver[float32](t, DefaultSettings())

	r := solver.Solve(quadratic[float32](v, 3), ctx, []*cost.BoundedVectorVariable[float32]{v}, nil)
	if !r.OK || r.X[0] != 1 {
		t.Fatalf("TestScenarioBoxFloat32: x = %g", r.X[0])
	}
}

// boundsChecker fails the test whenever an evaluation happens outside the bounds.
func boundsChecker(t *testing.T, fn cost.Function[float64], vars []*cost.BoundedVectorVariable[float64]) cost.Function[float64] {
	return cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
		for _, v := range vars {
			b := v.Bounds()
			for i, x := range v.Value() {
				if x < b.At(0, i) || x > b.At(1, i) {
					t.Fatalf("evaluation at %g outside [%g, %g]", x, b.At(0, i), b.At(1, i))
				}
			}
		}
		return fn.Evaluate(ctx)
	})
}

func TestBoundsInvariant(t *testing.T) {
	a := mat.NewDense(4, 3, []float64{
		1, 0.5, 0,
		0.2, 1, 0.3,
		0, 0.4, 1,
		0.3, 0.3, 0.3,
	})
	target := []float64{-2, 1.5, 3, 0.5}

	p := cost.NewBoundedVectorVariable([]float64{5, -5, 5})
	p.SetBounds([]float64{0, -0.5, 0}, []float64{0.5, 0.5, 2})
	q := cost.NewVectorVariable([]float64{0})
	vars := []*cost.BoundedVectorVariable[float64]{p}

	fn := cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
		var c cost.Cost
		c.Add(cost.Affine(a, p.Evaluate(ctx), floats.ScaleTo(make([]float64, 4), -1, target)), 1)
		// an unbounded offset on the first residual only
		c.Add(cost.Affine(mat.NewDense(1, 1, []float64{1}), q.Evaluate(ctx), []float64{-1}), 0.5)
		return c.DiffData()
	})

	s := DefaultSettings()
	s.L1Reg = 0.1
	s.Iterations = 20
	solver := newSolver[float64](t, s)
	ctx := cost.NewContext[float64]()
	r := solver.Solve(boundsChecker(t, fn, vars), ctx, vars, nil)

	if !r.OK {
		t.Fatal("TestBoundsInvariant: Not OK")
	}
	if !scalar.EqualWithinAbs(q.Value()[0], 1, 1e-8) {
		t.Fatalf("TestBoundsInvariant: unbounded variable = %g", q.Value()[0])
	}
	if p.Value()[2] != 2 {
		t.Fatalf("TestBoundsInvariant: third coordinate should be at its upper bound, got %g", p.Value()[2])
	}
}

// atanFunction is the residual 𝚊𝚝𝚊𝚗(x) whose Gauss-Newton step overshoots far from zero.
func atanFunction(v *cost.VectorVariable[float64], residuals *[]float64) cost.Function[float64] {
	return cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
		x := v.Value()[0]
		f := []float64{math.Atan(x)}
		if ctx == nil {
			return cost.NewDiffData(f, nil)
		}
		*residuals = append(*residuals, 0.5*f[0]*f[0])
		jac := cost.NewSparseJacobian(1)
		if info, ok := ctx.Register(v); ok {
			jac.Add(0, info.Offset, 1/(1+x*x))
		}
		return cost.NewDiffData(f, jac)
	})
}

func TestLineSearchMonotonic(t *testing.T) {
	var residuals []float64
	v := cost.NewVectorVariable([]float64{2})
	solver := newSolver[float64](t, DefaultSettings())

	r := solver.Solve(atanFunction(v, &residuals), cost.NewContext[float64](), nil, nil)
	switch {
	case !r.OK:
		t.Fatal("TestLineSearchMonotonic: Not OK")
	case r.NumLineSearch == 0:
		t.Fatal("TestLineSearchMonotonic: the first step should backtrack")
	case math.Abs(v.Value()[0]) > 1e-4:
		t.Fatalf("TestLineSearchMonotonic: x = %g", v.Value()[0])
	case r.Status != Converged:
		t.Fatalf("TestLineSearchMonotonic: status %v", r.Status)
	}
	for i := 1; i < len(residuals); i++ {
		if residuals[i] > residuals[i-1] {
			t.Fatalf("TestLineSearchMonotonic: residual increased at iteration %d", i)
		}
	}
}

func TestStalledNoProgress(t *testing.T) {
	v := cost.NewVectorVariable([]float64{0})
	// residual x - 3 with a Jacobian of the wrong sign
	fn := cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
		f := []float64{v.Value()[0] - 3}
		if ctx == nil {
			return cost.NewDiffData(f, nil)
		}
		jac := cost.NewSparseJacobian(1)
		info, _ := ctx.Register(v)
		jac.Add(0, info.Offset, -1)
		return cost.NewDiffData(f, jac)
	})

	solver := newSolver[float64](t, DefaultSettings())
	r := solver.Solve(fn, cost.NewContext[float64](), nil, nil)
	switch {
	case !r.OK:
		t.Fatal("TestStalledNoProgress: stall is not an error")
	case r.Status != StalledNoProgress:
		t.Fatalf("TestStalledNoProgress: status %v", r.Status)
	case v.Value()[0] != 0:
		t.Fatalf("TestStalledNoProgress: x should be restored, got %g", v.Value()[0])
	case r.NumLineSearch != DefaultSettings().MaxLineSearchIterations:
		t.Fatalf("TestStalledNoProgress: %d line-search trials", r.NumLineSearch)
	case r.Residual != 4.5:
		t.Fatalf("TestStalledNoProgress: residual %g", r.Residual)
	}
}

func TestIterationLimit(t *testing.T) {
	var residuals []float64
	v := cost.NewVectorVariable([]float64{2})
	s := DefaultSettings()
	s.Iterations = 1
	solver := newSolver[float64](t, s)

	r := solver.Solve(atanFunction(v, &residuals), cost.NewContext[float64](), nil, nil)
	switch {
	case !r.OK:
		t.Fatal("TestIterationLimit: limit is not an error")
	case r.Status != OverIterLimit:
		t.Fatalf("TestIterationLimit: status %v", r.Status)
	case r.Residual >= residuals[0]:
		t.Fatal("TestIterationLimit: the accepted step should reduce the residual")
	}
}

func TestMissingJacobian(t *testing.T) {
	v := cost.NewVectorVariable([]float64{0})
	fn := cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
		return cost.NewDiffData([]float64{v.Value()[0]}, nil)
	})
	defer func() {
		if recover() == nil {
			t.Fatal("TestMissingJacobian: should panic")
		}
	}()
	solver := newSolver[float64](t, DefaultSettings())
	solver.Solve(fn, cost.NewContext[float64](), nil, nil)
}

func TestPoolAssembly(t *testing.T) {
	solve := func(pool *cost.Pool) []float64 {
		p := cost.NewBoundedVectorVariable([]float64{0, 0, 0, 0})
		p.SetBounds([]float64{-1, -1, -1, -1}, []float64{1, 1, 1, 1})
		fn := cost.FunctionFunc[float64](func(ctx *cost.Context[float64]) *cost.DiffData {
			var c cost.Cost
			for k := 0; k < 4; k++ {
				a := mat.NewDense(3, 4, nil)
				for i := 0; i < 3; i++ {
					for j := 0; j < 4; j++ {
						a.Set(i, j, math.Sin(float64(k*12+i*4+j+1)))
					}
				}
				c.Add(cost.Affine(a, p.Evaluate(ctx), []float64{float64(k), -1, 0.5}), 1+float64(k)/4)
			}
			return c.DiffData()
		})
		s := DefaultSettings()
		s.L1Reg = 0.05
		solver, err := New[float64](s, pool, nil)
		if err != nil {
			t.Fatal(err)
		}
		r := solver.Solve(fn, cost.NewContext[float64](), []*cost.BoundedVectorVariable[float64]{p}, nil)
		return r.X
	}

	serial, parallel := solve(nil), solve(cost.NewPool(4))
	if !floats.EqualApprox(serial, parallel, 1e-12) {
		t.Fatalf("TestPoolAssembly: serial %v parallel %v", serial, parallel)
	}
}

func TestWorkspaceReuse(t *testing.T) {
	solver := newSolver[float64](t, DefaultSettings())
	w := solver.Init()

	a := cost.NewBoundedVectorVariable([]float64{0})
	a.SetBounds([]float64{0}, []float64{1})
	r := solver.Solve(quadratic[float64](a, 3), cost.NewContext[float64](), []*cost.BoundedVectorVariable[float64]{a}, w)
	if r.X[0] != 1 {
		t.Fatal("TestWorkspaceReuse: first solve")
	}

	// same size, different bounds: the table must be rebuilt
	b := cost.NewBoundedVectorVariable([]float64{0})
	b.SetBounds([]float64{-2}, []float64{2})
	r = solver.Solve(quadratic[float64](b, 3), cost.NewContext[float64](), []*cost.BoundedVectorVariable[float64]{b}, w)
	if r.X[0] != 2 {
		t.Fatalf("TestWorkspaceReuse: second solve x = %g", r.X[0])
	}
}

func TestWorkspaceReuseShrink(t *testing.T) {
	solver := newSolver[float64](t, DefaultSettings())
	w := solver.Init()

	a := cost.NewVectorVariable([]float64{0})
	if r := solver.Solve(quadratic[float64](a, 3), cost.NewContext[float64](), nil, w); r.Status != Converged {
		t.Fatalf("TestWorkspaceReuseShrink: first solve %v", r.Status)
	}

	// no unknowns left after a solve with one
	c := cost.NewVectorVariable([]float64{0})
	c.MakeConstant(true)
	r := solver.Solve(quadratic[float64](c, 3), cost.NewContext[float64](), nil, w)
	switch {
	case r.Status != ConvergedPrediction:
		t.Fatalf("TestWorkspaceReuseShrink: status %v", r.Status)
	case len(r.X) != 0:
		t.Fatalf("TestWorkspaceReuseShrink: stale x %v", r.X)
	case !scalar.EqualWithinAbs(r.Residual, 4.5, 1e-12):
		t.Fatalf("TestWorkspaceReuseShrink: residual %g", r.Residual)
	}
}

func TestScenarioSaturatedL1(t *testing.T) {
	v := cost.NewBoundedVectorVariable([]float64{0})
	v.EnforceBounds(false)

	s := DefaultSettings()
	s.L1Reg = 1
	s.UseSaturatedL1 = true
	s.SaturatedL1M = 10
	solver := newSolver[float64](t, s)

	// tanh(10|x|)/10 is flat at x = 3 so the minimizer of ½(x - 3)² is kept
	r := solver.Solve(quadratic[float64](v, 3), cost.NewContext[float64](), []*cost.BoundedVectorVariable[float64]{v}, nil)
	switch {
	case !r.OK:
		t.Fatal("TestScenarioSaturatedL1: Not OK")
	case !scalar.EqualWithinAbs(r.X[0], 3, 1e-9):
		t.Fatalf("TestScenarioSaturatedL1: x = %g", r.X[0])
	case !scalar.EqualWithinAbs(r.Residual, math.Tanh(30)/10, 1e-9):
		t.Fatalf("TestScenarioSaturatedL1: residual %g", r.Residual)
	case r.Status != ConvergedPrediction && r.Status != Converged:
		t.Fatalf("TestScenarioSaturatedL1: status %v", r.Status)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []func(s *Settings){
		func(s *Settings) { s.Iterations = 0 },
		func(s *Settings) { s.CoordinateDescentIterations = 0 },
		func(s *Settings) { s.L1Reg = -1 },
		func(s *Settings) { s.L1Reg = math.NaN() },
		func(s *Settings) { s.UseSaturatedL1 = true; s.SaturatedL1M = 0 },
		func(s *Settings) { s.MaxLineSearchIterations = -1 },
		func(s *Settings) { s.Stop.ResidualErrorStoppingCriterion = math.NaN() },
		func(s *Settings) { s.Stop.PredictionReductionStoppingCriterion = math.NaN() },
	}
	for i, mutate := range tests {
		s := DefaultSettings()
		mutate(&s)
		if _, err := New[float64](s, nil, nil); err == nil {
			t.Fatalf("TestSettingsValidate: case %d should fail", i)
		}
	}
	if _, err := New[float64](DefaultSettings(), nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestLogger(t *testing.T) {
	var sb strings.Builder
	v := cost.NewBoundedVectorVariable([]float64{5})
	v.SetBounds([]float64{0}, []float64{10})
	v.Value()[0] = 20 // infeasible start

	solver, err := New[float64](DefaultSettings(), nil, &Logger{Level: LogVerbose, Msg: &sb})
	if err != nil {
		t.Fatal(err)
	}
	solver.Solve(quadratic[float64](v, 3), cost.NewContext[float64](), []*cost.BoundedVectorVariable[float64]{v}, nil)

	out := sb.String()
	for _, want := range []string{
		"RUNNING THE BOUNDED COORDINATE DESCENT CODE",
		"The initial X is infeasible",
		"ITERATION",
		Converged.String(),
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("TestLogger: missing %q in\n%s", want, out)
		}
	}
}
