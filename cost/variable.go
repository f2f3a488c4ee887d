// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cost

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"
)

// Float is the precision of the unknowns owned by variables.
type Float interface {
	~float32 | ~float64
}

// Variable is a named block of unknowns that can be registered in a Context.
type Variable[T Float] interface {
	Size() int
	Value() []T
	Set(value []T)
	Update(dx []float64)
	Constant() bool
}

// VectorVariable is an unconstrained block of unknowns.
type VectorVariable[T Float] struct {
	value    []T
	constant bool
}

// NewVectorVariable creates a variable initialized with a copy of value.
func NewVectorVariable[T Float](value []T) *VectorVariable[T] {
	return &VectorVariable[T]{value: slices.Clone(value)}
}

func (v *VectorVariable[T]) Size() int      { return len(v.value) }
func (v *VectorVariable[T]) Value() []T     { return v.value }
func (v *VectorVariable[T]) Constant() bool { return v.constant }

// MakeConstant excludes the variable from the update vector of contexts it is evaluated in.
func (v *VectorVariable[T]) MakeConstant(constant bool) { v.constant = constant }

func (v *VectorVariable[T]) Set(value []T) {
	if len(value) != len(v.value) {
		panic("bound check error")
	}
	copy(v.value, value)
}

func (v *VectorVariable[T]) Update(dx []float64) {
	if len(dx) != len(v.value) {
		panic("bound check error")
	}
	for i, d := range dx {
		v.value[i] += T(d)
	}
}

// Evaluate returns the value of the variable and, when ctx is not nil,
// registers it and attaches an identity Jacobian at its offset.
func (v *VectorVariable[T]) Evaluate(ctx *Context[T]) *DiffData {
	return Evaluate[T](v, ctx)
}

// BoundedVectorVariable is a block of unknowns with per-coordinate bounds and
// L1 regularization scaling.
//
// When bounds are not enforced the variable only takes part in the L1
// regularization and the bounds are ignored by the solver.
type BoundedVectorVariable[T Float] struct {
	VectorVariable[T]
	bounds   *mat.Dense // 2×N, lower in row 0 and upper in row 1
	scale    []float64
	enforced bool
}

// NewBoundedVectorVariable creates a bounded variable with infinite bounds,
// unit regularization scaling and bound enforcement enabled.
func NewBoundedVectorVariable[T Float](value []T) *BoundedVectorVariable[T] {
	n := len(value)
	b := &BoundedVectorVariable[T]{
		VectorVariable: VectorVariable[T]{value: slices.Clone(value)},
		bounds:         mat.NewDense(2, max(n, 1), nil),
		scale:          slices.Repeat([]float64{1}, n),
		enforced:       true,
	}
	for i := 0; i < n; i++ {
		b.bounds.Set(0, i, math.Inf(-1))
		b.bounds.Set(1, i, math.Inf(1))
	}
	return b
}

// Bounds returns the 2×N matrix of lower (row 0) and upper (row 1) bounds.
func (b *BoundedVectorVariable[T]) Bounds() *mat.Dense { return b.bounds }

// SetBounds replaces the bounds and projects the current value into them.
// NaN entries are treated as missing bounds.
func (b *BoundedVectorVariable[T]) SetBounds(lower, upper []float64) {
	n := b.Size()
	if len(lower) != n || len(upper) != n {
		panic("bound check error")
	}
	for i := 0; i < n; i++ {
		l, u := lower[i], upper[i]
		if math.IsNaN(l) {
			l = math.Inf(-1)
		}
		if math.IsNaN(u) {
			u = math.Inf(1)
		}
		if l > u {
			panic("bound range has no feasible solution")
		}
		b.bounds.Set(0, i, l)
		b.bounds.Set(1, i, u)
	}
	b.Project()
}

// RegularizationScaling returns the per-coordinate scale of the L1 weight.
func (b *BoundedVectorVariable[T]) RegularizationScaling() []float64 { return b.scale }

func (b *BoundedVectorVariable[T]) SetRegularizationScaling(scale []float64) {
	if len(scale) != b.Size() {
		panic("bound check error")
	}
	copy(b.scale, scale)
}

// BoundsAreEnforced distinguishes L1+box coordinates from L1-only coordinates.
func (b *BoundedVectorVariable[T]) BoundsAreEnforced() bool { return b.enforced }

func (b *BoundedVectorVariable[T]) EnforceBounds(enforce bool) {
	b.enforced = enforce
	b.Project()
}

// Project clamps the value into the bounds and reports whether anything changed.
func (b *BoundedVectorVariable[T]) Project() (projected bool) {
	if !b.enforced {
		return false
	}
	for i, x := range b.value {
		l, u := T(b.bounds.At(0, i)), T(b.bounds.At(1, i))
		if x < l {
			b.value[i] = l
			projected = true
		} else if x > u {
			b.value[i] = u
			projected = true
		}
	}
	return
}

func (b *BoundedVectorVariable[T]) Set(value []T) {
	b.VectorVariable.Set(value)
	b.Project()
}

func (b *BoundedVectorVariable[T]) Update(dx []float64) {
	b.VectorVariable.Update(dx)
	b.Project()
}

func (b *BoundedVectorVariable[T]) Evaluate(ctx *Context[T]) *DiffData {
	return Evaluate[T](b, ctx)
}

// Evaluate returns the value of v as residual data. With a context the
// variable is registered and the Jacobian is the identity block at its offset,
// constant variables get an empty Jacobian.
func Evaluate[T Float](v Variable[T], ctx *Context[T]) *DiffData {
	value := make([]float64, v.Size())
	for i, x := range v.Value() {
		value[i] = float64(x)
	}
	if ctx == nil {
		return NewDiffData(value, nil)
	}
	jac := NewSparseJacobian(len(value))
	if info, ok := ctx.Register(v); ok {
		for i := 0; i < info.Size; i++ {
			jac.Add(i, info.Offset+i, 1)
		}
	}
	return NewDiffData(value, jac)
}
