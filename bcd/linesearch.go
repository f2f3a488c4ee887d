// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import (
	"fmt"
	"math"
)

const (
	searchAlpha   = 0.25 // sufficient decrease factor of the predicted reduction
	searchMinQuad = 0.05 // smallest trusted interpolation factor
	searchShrink  = 0.25 // step factor used below searchMinQuad
)

// lineSearch backtracks along dx, already applied with unit step, until the
// actual reduction reaches searchAlpha × step × predicted.
//
// The next step comes from the minimizer of the quadratic through
// r(0) = residualError, r′(0) = -predicted and r(1) = newResidual:
//
//	λ = predicted / 2(newResidual - residualError + predicted)
//
// A trial that is worse than the previous one is reverted and ends the search.
// It returns the residual and the actual reduction at the accepted step.
func (d *iterDriver[T]) lineSearch(x0 []T, residualError, predicted, newResidual float64) (float64, float64) {
	s := &d.solver.settings
	w := d.workspace
	log := d.solver.logger

	step := one
	actual := residualError - newResidual
	for k := 0; k < s.MaxLineSearchIterations; k++ {
		if actual >= searchAlpha*step*predicted {
			break
		}

		quad := predicted / (two * (newResidual - residualError + predicted))
		if !(quad > zero && quad < one) {
			if s.StrictLineSearch {
				panic(fmt.Sprintf("quadratic interpolation step %g is outside (0, 1)", quad))
			}
			if log.enable(LogTrace) {
				log.log("Invalid quadratic step %12.5e; halving the step.\n", quad)
			}
			quad = half
		}

		next := searchShrink * step
		if quad > searchMinQuad {
			next = quad * step
		}

		d.moveTo(x0, next)
		nextResidual := d.residual()
		nextActual := residualError - nextResidual
		w.totalSearch++

		if log.enable(LogTrace) {
			log.log("  LINE SEARCH %2d    step= %10.3e    f= %12.5e    actual= %12.5e\n", k+1, next, nextResidual, nextActual)
		}

		if math.IsNaN(nextActual) || nextActual < actual {
			// the previous step was better
			d.moveTo(x0, step)
			break
		}
		step, newResidual, actual = next, nextResidual, nextActual
	}
	w.step = step
	return newResidual, actual
}

// moveTo resets the unknowns to x0 and applies step × dx.
func (d *iterDriver[T]) moveTo(x0 []T, step float64) {
	w := d.workspace
	d.ctx.Set(x0)
	for i, v := range w.dx {
		w.sdx[i] = step * v
	}
	d.ctx.Update(w.sdx)
}
