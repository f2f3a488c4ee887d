// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package numdiff

import (
	"math"

	"github.com/curioloop/rigfit/cost"
	"gonum.org/v1/gonum/mat"
)

// bounded is implemented by variables carrying box constraints.
type bounded interface {
	Bounds() *mat.Dense
	BoundsAreEnforced() bool
}

// Residual is a cost.Function whose Jacobian is estimated by finite differences.
//
// Func receives the concatenated values of Vars in x and writes M residuals to y.
// Constant variables contribute to x but get no Jacobian columns. A variable
// listed more than once is perturbed at every occurrence together.
type Residual[T cost.Float] struct {
	M      int
	Func   func(x, y []float64)
	Vars   []cost.Variable[T]
	Approx Approx

	x, xv, lower, upper []float64
	slots               []slot
	cols                []int // context column of every local unknown
}

// slot links a position of x to the local unknown it holds.
type slot struct {
	pos, unknown int
}

func NewResidual[T cost.Float](m int, fn func(x, y []float64), vars ...cost.Variable[T]) *Residual[T] {
	return &Residual[T]{M: m, Func: fn, Vars: vars, Approx: Approx{Method: Central}}
}

// Evaluate computes the residual and, with a context, the Jacobian whose
// columns are placed at the offsets of the registered variables.
func (r *Residual[T]) Evaluate(ctx *cost.Context[T]) *cost.DiffData {
	r.gather()
	y := make([]float64, r.M)
	r.Func(r.x, y)
	if ctx == nil {
		return cost.NewDiffData(y, nil)
	}

	// local unknowns: one per coordinate of every distinct non-constant variable
	r.slots, r.cols = r.slots[:0], r.cols[:0]
	r.xv, r.lower, r.upper = r.xv[:0], r.lower[:0], r.upper[:0]
	first := make(map[cost.Variable[T]]int, len(r.Vars))
	width, pos := 0, 0
	for _, v := range r.Vars {
		info, ok := ctx.Register(v)
		if !ok {
			pos += v.Size()
			continue
		}
		base, seen := first[v]
		if !seen {
			base = len(r.xv)
			first[v] = base
			width = max(width, info.Offset+info.Size)
			for i := 0; i < info.Size; i++ {
				l, u := boundsOf(v, i)
				r.cols = append(r.cols, info.Offset+i)
				r.xv = append(r.xv, r.x[pos+i])
				r.lower = append(r.lower, l)
				r.upper = append(r.upper, u)
			}
		}
		for i := 0; i < info.Size; i++ {
			r.slots = append(r.slots, slot{pos: pos + i, unknown: base + i})
		}
		pos += info.Size
	}
	if len(r.xv) == 0 {
		return cost.NewDiffData(y, cost.NewSparseJacobian(r.M))
	}

	// scatter the perturbed unknowns back into the full argument of Func
	fn := func(xv, out []float64) {
		for _, s := range r.slots {
			r.x[s.pos] = xv[s.unknown]
		}
		r.Func(r.x, out)
	}
	local := mat.NewDense(r.M, len(r.xv), nil)
	if err := r.Approx.Jacobian(fn, r.xv, r.lower, r.upper, r.M, local); err != nil {
		panic(err)
	}
	for _, s := range r.slots {
		r.x[s.pos] = r.xv[s.unknown]
	}

	jac := mat.NewDense(r.M, width, nil)
	for k, c := range r.cols {
		jac.SetCol(c, mat.Col(nil, k, local))
	}
	return cost.NewDiffData(y, cost.NewDenseJacobian(jac))
}

// gather concatenates the variable values, clamped into enforced bounds
// since float32 unknowns may sit one rounding step outside them.
func (r *Residual[T]) gather() {
	r.x = r.x[:0]
	for _, v := range r.Vars {
		for i, e := range v.Value() {
			l, u := boundsOf(v, i)
			r.x = append(r.x, math.Max(l, math.Min(u, float64(e))))
		}
	}
}

func boundsOf[T cost.Float](v cost.Variable[T], i int) (float64, float64) {
	if b, ok := v.(bounded); ok && b.BoundsAreEnforced() {
		return b.Bounds().At(0, i), b.Bounds().At(1, i)
	}
	return math.Inf(-1), math.Inf(1)
}
