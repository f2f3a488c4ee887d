// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import (
	"fmt"
	"math"
	"time"

	"github.com/curioloop/rigfit/cost"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// iterDriver runs one solve of the Gauss-Newton outer loop.
type iterDriver[T cost.Float] struct {
	solver    *Solver[T]
	workspace *Workspace
	fn        cost.Function[T]
	ctx       *cost.Context[T]
	vars      []*cost.BoundedVectorVariable[T]
}

// mainLoop iterates until one of the terminal states is reached:
//
//  1. evaluate f and J at x, rebuild the bounds table if the unknown count changed
//  2. r = ½‖f‖² + L1(x), stop when r is small enough
//  3. assemble JᵀJ and -Jᵀf, solve for dx with coordinate descent
//  4. r̂ = ½‖f + J·dx‖² + L1(x + dx), stop when the predicted reduction is too small
//  5. apply dx and backtrack when the actual reduction is below a quarter of r - r̂
//  6. stop without progress when no step reduces r
func (d *iterDriver[T]) mainLoop() (status Status) {

	s := &d.solver.settings
	w := d.workspace
	ctx := d.ctx

	w.clear()
	d.projectInit()
	d.printInit()

	status = OverIterLimit
	for iter := 0; iter < s.Iterations; iter++ {
		w.iter++

		diff := d.evaluate()
		if n := ctx.UpdateSize(); n != len(w.bounds) {
			d.buildBounds(n)
		}
		jac := diff.Jacobian()
		if jac.Cols() > w.n || jac.Rows() != diff.Size() {
			panic("jacobian dimension not match context")
		}

		toFloat64(w.x, ctx.Value())
		residualError := half*diff.SquaredNorm() + l1Regularization(w.x, w.bounds, s)
		w.residual = residualError
		if residualError < s.Stop.ResidualErrorStoppingCriterion {
			status = Converged
			d.printIter(residualError, zero, zero)
			break
		}
		if w.n == 0 {
			status = ConvergedPrediction
			break
		}

		begin := time.Now()
		d.assemble(diff)
		w.assembly += time.Since(begin)

		begin = time.Now()
		clear(w.dx)
		coordinateDescent(w.jtj.RawSymmetric(), w.jtb, w.x, w.dx, w.bounds, s)
		w.inner += time.Since(begin)

		// predicted objective of the linearized model
		w.jdx = resize(w.jdx, diff.Size())
		copy(w.jdx, diff.Value())
		jac.AddJx(w.jdx, w.dx, one)
		floats.AddTo(w.xdx, w.x, w.dx)
		predicted := half*floats.Dot(w.jdx, w.jdx) + l1Regularization(w.xdx, w.bounds, s)
		predictedReduction := residualError - predicted
		if predictedReduction/residualError < s.Stop.PredictionReductionStoppingCriterion {
			status = ConvergedPrediction
			d.printIter(residualError, predictedReduction, zero)
			break
		}

		x0 := ctx.Value()
		ctx.Update(w.dx)
		newResidual := d.residual()
		actualReduction := residualError - newResidual
		w.step = one

		if actualReduction < searchAlpha*one*predictedReduction {
			begin = time.Now()
			newResidual, actualReduction = d.lineSearch(x0, residualError, predictedReduction, newResidual)
			w.lineSearch += time.Since(begin)
		}

		d.printIter(residualError, predictedReduction, actualReduction)

		if !(actualReduction > zero) {
			// leave x where it was at the start of the iteration
			ctx.Set(x0)
			status = StalledNoProgress
			break
		}
		w.residual = newResidual
	}

	d.printExit(status)
	return
}

// evaluate computes f and J at the current unknowns.
func (d *iterDriver[T]) evaluate() *cost.DiffData {
	d.workspace.totalEval++
	diff := d.fn.Evaluate(d.ctx)
	if diff == nil || !diff.HasJacobian() {
		panic("cost function must provide a Jacobian when evaluated with a context")
	}
	return diff
}

// residual computes ½‖f‖² + L1 at the current unknowns.
func (d *iterDriver[T]) residual() float64 {
	w := d.workspace
	w.totalEval++
	diff := d.fn.Evaluate(nil)
	toFloat64(w.xt, d.ctx.Value())
	return half*diff.SquaredNorm() + l1Regularization(w.xt, w.bounds, &d.solver.settings)
}

// assemble forms the normal equations JᵀJ·dx = -Jᵀf.
func (d *iterDriver[T]) assemble(diff *cost.DiffData) {
	w := d.workspace
	jac := diff.Jacobian()
	w.jtj.Zero()
	clear(w.jtb)
	jac.AddJtx(w.jtb, diff.Value(), -one)
	jac.AddDenseJtJLower(w.jtj, one, d.solver.pool)
}

// projectInit projects the bounded variables into their bounds before the first evaluation.
func (d *iterDriver[T]) projectInit() {
	w := d.workspace
	for _, v := range d.vars {
		if v.Project() {
			w.projected = true
		}
	}
	if log := d.solver.logger; log.enable(LogLast) && w.projected {
		log.log("The initial X is infeasible. Restart with its projection.\n")
	}
}

// buildBounds derives the bounds table for n unknowns from the bounded variables
// registered in the context. Unknowns of other variables are left invalid.
func (d *iterDriver[T]) buildBounds(n int) {
	w := d.workspace
	w.resize(n)

	for r := range w.bounds {
		w.bounds[r] = bound{lower: math.Inf(-1), upper: math.Inf(1), index: r}
	}

	numBnd := 0
	for _, v := range d.vars {
		info, ok := d.ctx.GetVariableInfo(v)
		if !ok {
			continue
		}
		if info.Offset+info.Size > n {
			panic("bound check error")
		}
		bnd, scale := v.Bounds(), v.RegularizationScaling()
		enforced := v.BoundsAreEnforced()
		for i := 0; i < info.Size; i++ {
			e := &w.bounds[info.Offset+i]
			e.valid = true
			e.scale = scale[i]
			if enforced {
				e.lower, e.upper = bnd.At(0, i), bnd.At(1, i)
			}
		}
		numBnd += info.Size
	}

	if log := d.solver.logger; log.enable(LogEval) {
		log.log("N = %d    bounded = %d\n", n, numBnd)
	}
}

// resize allocates the buffers for n unknowns and resets the bounds table.
func (w *Workspace) resize(n int) {
	w.n = n
	w.bounds = resize(w.bounds, n)
	if n > 0 && (w.jtj == nil || w.jtj.SymmetricDim() != n) {
		w.jtj = mat.NewSymDense(n, nil)
	}
	w.jtb = resize(w.jtb, n)
	w.dx = resize(w.dx, n)
	w.x = resize(w.x, n)
	w.xt = resize(w.xt, n)
	w.xdx = resize(w.xdx, n)
	w.sdx = resize(w.sdx, n)
}

func (w *Workspace) clear() {
	w.iterCtx.clear()
	w.resize(0)
}

func resize[E any](s []E, n int) []E {
	if cap(s) < n {
		return make([]E, n)
	}
	return s[:n]
}

func toFloat64[T cost.Float](dst []float64, src []T) {
	if len(dst) != len(src) {
		panic("bound check error")
	}
	for i, v := range src {
		dst[i] = float64(v)
	}
}

// printInit logs the settings of the solve.
func (d *iterDriver[T]) printInit() {
	s := &d.solver.settings
	log := d.solver.logger
	if !log.enable(LogLast) {
		return
	}
	log.log("RUNNING THE BOUNDED COORDINATE DESCENT CODE\n")
	log.log("           * * *\n")
	log.log("Iterations = %d    Sweeps = %d    Line search = %d\n",
		s.Iterations, s.CoordinateDescentIterations, s.MaxLineSearchIterations)
	if s.UseSaturatedL1 {
		log.log("L1 = %10.3e (saturated, m = %g)\n", s.L1Reg, s.SaturatedL1M)
	} else {
		log.log("L1 = %10.3e\n", s.L1Reg)
	}
}

// printIter logs the quantities of the current iteration.
func (d *iterDriver[T]) printIter(residual, predicted, actual float64) {
	w := d.workspace
	log := d.solver.logger

	if log.enable(LogTrace) {
		log.log("\nITERATION %5d\n", w.iter)
		log.log("At iterate %5d    f= %12.5e    pred= %12.5e    actual= %12.5e    step= %7.3f\n",
			w.iter, residual, predicted, actual, w.step)
		if log.enable(LogVerbose) {
			log.log("\n X = ")
			for i, v := range w.x {
				log.log("%.2e ", v)
				if (i+1)%6 == 0 {
					log.log("\n     ")
				}
			}
			log.log("\n DX = ")
			for i, v := range w.dx {
				log.log("%.2e ", v)
				if (i+1)%6 == 0 {
					log.log("\n      ")
				}
			}
			log.log("\n")
		}
	} else if log.enable(LogEval) {
		if w.iter%int(log.Level) == 0 {
			log.log("At iterate %5d    f= %12.5e    pred= %12.5e    actual= %12.5e\n",
				w.iter, residual, predicted, actual)
		}
	}
}

// printExit logs the final statistics and exit condition.
func (d *iterDriver[T]) printExit(status Status) {
	w := d.workspace
	log := d.solver.logger
	if !log.enable(LogLast) {
		return
	}

	log.log("\n           * * *\n")
	log.log("Tit   = total number of iterations\n")
	log.log("Tnf   = total number of function evaluations\n")
	log.log("Tnls  = total number of line-search trials\n")
	log.log("F     = final objective value\n")
	log.log("\n           * * *\n")
	log.log("\n   N      Tit      Tnf   Tnls         F\n")
	log.log("%5d %6d %7d %6d %9.5e\n", w.n, w.iter, w.totalEval, w.totalSearch, w.residual)
	log.log("\n%s\n", status)

	if log.enable(LogEval) {
		log.log("\n Assembly              time: %s \n", formatDuration(w.assembly))
		log.log(" Coordinate descent    time: %s \n", formatDuration(w.inner))
		log.log(" Line search           time: %s \n", formatDuration(w.lineSearch))
	}
	log.log("\n Total User time: %s\n", formatDuration(time.Since(w.start)))
}

func formatDuration(d time.Duration) string {
	ns := d.Nanoseconds()
	switch {
	case ns >= 1e9:
		return fmt.Sprintf("%.2f s", float64(ns)/1e9)
	case ns >= 1e6:
		return fmt.Sprintf("%.2f ms", float64(ns)/1e6)
	case ns >= 1e3:
		return fmt.Sprintf("%.2f µs", float64(ns)/1e3)
	default:
		return fmt.Sprintf("%.2f ns", float64(ns))
	}
}
