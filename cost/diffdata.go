// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cost

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DiffData is a residual vector with an optional Jacobian.
type DiffData struct {
	value []float64
	jac   Jacobian
}

func NewDiffData(value []float64, jac Jacobian) *DiffData {
	if jac != nil && jac.Rows() != len(value) {
		panic("bound check error")
	}
	return &DiffData{value: value, jac: jac}
}

func (d *DiffData) Value() []float64 { return d.value }
func (d *DiffData) Size() int        { return len(d.value) }

// SquaredNorm returns ‖f‖².
func (d *DiffData) SquaredNorm() float64 { return floats.Dot(d.value, d.value) }

func (d *DiffData) HasJacobian() bool  { return d.jac != nil }
func (d *DiffData) Jacobian() Jacobian { return d.jac }

// Function evaluates residuals. A nil context asks for the residual only,
// otherwise the Jacobian with respect to the context's unknowns is required.
type Function[T Float] interface {
	Evaluate(ctx *Context[T]) *DiffData
}

// FunctionFunc adapts a plain function to Function.
type FunctionFunc[T Float] func(ctx *Context[T]) *DiffData

func (f FunctionFunc[T]) Evaluate(ctx *Context[T]) *DiffData { return f(ctx) }

// Affine returns A·x + b, b may be nil. The Jacobian is chained as A·J.
func Affine(a *mat.Dense, x *DiffData, b []float64) *DiffData {
	r, c := a.Dims()
	if c != x.Size() || (b != nil && len(b) != r) {
		panic("bound check error")
	}
	value := mat.NewVecDense(r, nil)
	value.MulVec(a, mat.NewVecDense(c, x.value))
	out := value.RawVector().Data
	if b != nil {
		floats.Add(out, b)
	}
	if !x.HasJacobian() {
		return NewDiffData(out, nil)
	}
	cols := x.jac.Cols()
	if cols == 0 {
		return NewDiffData(out, NewSparseJacobian(r))
	}
	jac := mat.NewDense(r, cols, nil)
	jac.Mul(a, x.jac.Dense(cols))
	return NewDiffData(out, NewDenseJacobian(jac))
}

// Cost sums weighted residual terms into a single stacked residual.
type Cost struct {
	value  []float64
	jac    *StackedJacobian
	hasJac bool
}

// Add appends weight×d to the residual.
func (c *Cost) Add(d *DiffData, weight float64) {
	if c.jac == nil {
		c.jac = new(StackedJacobian)
	}
	for _, v := range d.value {
		c.value = append(c.value, weight*v)
	}
	c.jac.push(d.Size(), weight, d.jac)
	c.hasJac = c.hasJac || d.HasJacobian()
}

// DiffData returns the stacked residual and, if any term had one, the stacked Jacobian.
func (c *Cost) DiffData() *DiffData {
	if !c.hasJac {
		return NewDiffData(c.value, nil)
	}
	return NewDiffData(c.value, c.jac)
}
