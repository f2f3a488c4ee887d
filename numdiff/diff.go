// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates Jacobians of residual-only functions by finite
// differences so that they can be fitted without analytic derivatives.
package numdiff

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

// Approx estimates the m×n Jacobian of a function of n unknowns with m outputs.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type Approx struct {
	// Finite difference method to use.
	Method Method
	// Relative step size, the absolute step is h = RelStep * sign(x0) * abs(x0).
	// When both RelStep and AbsStep are zero h = eps * sign(x0) * max(1, abs(x0))
	// with eps selected by the method.
	RelStep float64
	// Absolute step size, possibly adjusted to fit into the bounds.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64

	f0, f1, f2 []float64
	step       []float64
	oneSide    []bool
}

// Check validates the problem dimensions and the bounds, and prepares the scratch space.
// Nil lower or upper means unbounded; NaN entries are treated as infinite.
func (a *Approx) Check(x0, lower, upper []float64, m int, jac *mat.Dense) error {
	n := len(x0)
	switch {
	case n == 0 || m <= 0:
		return errors.New("dimensions must greater than 0")
	case a.Method != Forward && a.Method != Central:
		return errors.New("unknown method")
	case jac == nil:
		return errors.New("jacobian is required")
	case (lower != nil && len(lower) != n) || (upper != nil && len(upper) != n):
		return errors.New("invalid bound dimension")
	}
	if r, c := jac.Dims(); r != m || c != n {
		return errors.New("invalid jacobian dimensions")
	}
	for i, x := range x0 {
		l, u := boundAt(lower, i, -1), boundAt(upper, i, 1)
		if l > u {
			return errors.New("invalid bound range")
		}
		if x < l || x > u {
			return errors.New("x0 violates bound constraints")
		}
	}

	a.f0 = resize(a.f0, m)
	a.f1 = resize(a.f1, m)
	a.f2 = resize(a.f2, m)
	a.step = resize(a.step, n)
	if cap(a.oneSide) < n {
		a.oneSide = make([]bool, n)
	}
	a.oneSide = a.oneSide[:n]
	clear(a.oneSide)
	return nil
}

// Jacobian writes ∂fn/∂x at x0 into the m×len(x0) matrix jac.
// x0 is used as scratch and is restored before returning.
func (a *Approx) Jacobian(fn func(x, y []float64), x0, lower, upper []float64, m int, jac *mat.Dense) error {
	if fn == nil {
		return errors.New("function is required")
	}
	if err := a.Check(x0, lower, upper, m, jac); err != nil {
		return err
	}

	a.absoluteStep(x0)
	if lower != nil || upper != nil {
		a.adjustToBounds(x0, lower, upper)
	} else if a.Method == Central {
		for i, h := range a.step {
			a.step[i] = math.Abs(h)
		}
	}

	fn(x0, a.f0)
	if a.Method == Central {
		a.central(fn, x0, jac)
	} else {
		a.forward(fn, x0, jac)
	}
	return nil
}

func (a *Approx) absoluteStep(x0 []float64) {
	eps := sqrtEps
	if a.Method == Central {
		eps = cubeEps
	}
	for i, v := range x0 {
		auto := math.Copysign(eps, v) * math.Max(1.0, math.Abs(v))
		s := a.AbsStep
		switch {
		case s == 0 && a.RelStep == 0:
			s = auto
		case s == 0:
			s = math.Copysign(a.RelStep, v) * math.Abs(v)
		}
		if (v+s)-v == 0 {
			s = auto
		}
		a.step[i] = s
	}
}

// adjustToBounds keeps every evaluation point inside [lower, upper].
// A forward step is flipped or shrunk to the wider side. A central step
// falls back to the one-sided second order scheme when the interval is too narrow.
func (a *Approx) adjustToBounds(x0, lower, upper []float64) {
	h, side := a.step, a.oneSide
	for i, x := range x0 {
		ld, ud := x-boundAt(lower, i, -1), boundAt(upper, i, 1)-x

		if a.Method == Forward {
			fits := math.Abs(h[i]) < math.Max(ld, ud)
			switch {
			case !fits && ud >= ld:
				h[i] = ud
			case !fits:
				h[i] = -ld
			case x+h[i] < x-ld || x+h[i] > x+ud:
				h[i] = -h[i]
			}
			continue
		}

		h[i] = math.Abs(h[i])
		if ld >= h[i] && ud >= h[i] {
			continue
		}
		if ud >= ld {
			h[i] = math.Min(h[i], 0.5*ud)
		} else {
			h[i] = -math.Min(h[i], 0.5*ld)
		}
		side[i] = true
		if minDist := math.Min(ld, ud); math.Abs(h[i]) <= minDist {
			h[i] = minDist
			side[i] = false
		}
	}
}

func (a *Approx) forward(fn func(x, y []float64), x0 []float64, jac *mat.Dense) {
	for i, s := range a.step {
		t := x0[i]
		x0[i] = t + s
		fn(x0, a.f1)
		x0[i] = t
		d := 1.0 / s
		for j, f := range a.f1 {
			jac.Set(j, i, (f-a.f0[j])*d)
		}
	}
}

func (a *Approx) central(fn func(x, y []float64), x0 []float64, jac *mat.Dense) {
	f0, f1, f2 := a.f0, a.f1, a.f2
	for i, s := range a.step {
		t := x0[i]
		d := 1.0 / (2 * s)
		if a.oneSide[i] {
			x0[i] = t + s
			fn(x0, f1)
			x0[i] = t + 2*s
			fn(x0, f2)
			for j := range f0 {
				jac.Set(j, i, (4*f1[j]-3*f0[j]-f2[j])*d)
			}
		} else {
			x0[i] = t - s
			fn(x0, f1)
			x0[i] = t + s
			fn(x0, f2)
			for j := range f0 {
				jac.Set(j, i, (f2[j]-f1[j])*d)
			}
		}
		x0[i] = t
	}
}

func boundAt(b []float64, i int, inf int) float64 {
	if b == nil || math.IsNaN(b[i]) {
		return math.Inf(inf)
	}
	return b[i]
}

func resize(s []float64, n int) []float64 {
	if cap(s) < n {
		return make([]float64, n)
	}
	return s[:n]
}
