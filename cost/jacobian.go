// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cost

import (
	"slices"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Jacobian accumulates the products the solver needs from ∂f/∂x.
//
// Cols is the width of the Jacobian at evaluation time. It may be smaller than
// the final update size of the context, missing columns are zero.
type Jacobian interface {
	Rows() int
	Cols() int
	// AddJtx computes dst += scale × Jᵀx.
	AddJtx(dst, x []float64, scale float64)
	// AddJx computes dst += scale × Jx.
	AddJx(dst, x []float64, scale float64)
	// AddDenseJtJLower computes dst += scale × JᵀJ on the leading Cols×Cols block.
	AddDenseJtJLower(dst *mat.SymDense, scale float64, pool *Pool)
	// Dense returns J as a rows×cols matrix, cols ≥ Cols.
	Dense(cols int) *mat.Dense
}

// rowsPerTask is the row chunk handed to one worker when assembling JᵀJ.
const rowsPerTask = 256

// leading returns the top-left n×n block of s.
func leading(s *mat.SymDense, n int) *mat.SymDense {
	if s.SymmetricDim() < n {
		panic("bound check error")
	}
	if s.SymmetricDim() == n {
		return s
	}
	return s.SliceSym(0, n).(*mat.SymDense)
}

// DenseJacobian stores J as a dense row-major matrix.
type DenseJacobian struct {
	m *mat.Dense
}

func NewDenseJacobian(m *mat.Dense) *DenseJacobian { return &DenseJacobian{m: m} }

func (j *DenseJacobian) Rows() int {
	r, _ := j.m.Dims()
	return r
}

func (j *DenseJacobian) Cols() int {
	_, c := j.m.Dims()
	return c
}

// Matrix exposes the underlying storage.
func (j *DenseJacobian) Matrix() *mat.Dense { return j.m }

func (j *DenseJacobian) AddJtx(dst, x []float64, scale float64) {
	r, c := j.m.Dims()
	if len(x) != r || len(dst) < c {
		panic("bound check error")
	}
	tmp := mat.NewVecDense(c, nil)
	tmp.MulVec(j.m.T(), mat.NewVecDense(r, x))
	floats.AddScaled(dst[:c], scale, tmp.RawVector().Data)
}

func (j *DenseJacobian) AddJx(dst, x []float64, scale float64) {
	r, c := j.m.Dims()
	if len(dst) != r || len(x) < c {
		panic("bound check error")
	}
	tmp := mat.NewVecDense(r, nil)
	tmp.MulVec(j.m, mat.NewVecDense(c, x[:c]))
	floats.AddScaled(dst, scale, tmp.RawVector().Data)
}

func (j *DenseJacobian) AddDenseJtJLower(dst *mat.SymDense, scale float64, pool *Pool) {
	r, c := j.m.Dims()
	if r == 0 || c == 0 {
		return
	}
	out := leading(dst, c)
	chunks := (r + rowsPerTask - 1) / rowsPerTask
	if pool == nil || chunks == 1 {
		out.SymRankK(out, scale, j.m.T())
		return
	}
	var mu sync.Mutex
	pool.Run(chunks, func(k int) {
		lo, hi := k*rowsPerTask, min((k+1)*rowsPerTask, r)
		part := mat.NewSymDense(c, nil)
		part.SymRankK(part, scale, j.m.Slice(lo, hi, 0, c).T())
		mu.Lock()
		out.AddSym(out, part)
		mu.Unlock()
	})
}

func (j *DenseJacobian) Dense(cols int) *mat.Dense {
	r, c := j.m.Dims()
	if cols < c {
		panic("bound check error")
	}
	d := mat.NewDense(r, cols, nil)
	d.Slice(0, r, 0, c).(*mat.Dense).Copy(j.m)
	return d
}

type triplet struct {
	row, col int
	val      float64
}

// SparseJacobian stores J as (row, col, value) triplets. Duplicate entries are summed.
type SparseJacobian struct {
	rows, cols int
	entries    []triplet
}

func NewSparseJacobian(rows int) *SparseJacobian {
	return &SparseJacobian{rows: rows}
}

// Add appends J[row][col] += val.
func (j *SparseJacobian) Add(row, col int, val float64) {
	if row < 0 || row >= j.rows || col < 0 {
		panic("bound check error")
	}
	j.entries = append(j.entries, triplet{row, col, val})
	j.cols = max(j.cols, col+1)
}

func (j *SparseJacobian) Rows() int { return j.rows }
func (j *SparseJacobian) Cols() int { return j.cols }

// NonZeros is the number of stored triplets.
func (j *SparseJacobian) NonZeros() int { return len(j.entries) }

func (j *SparseJacobian) AddJtx(dst, x []float64, scale float64) {
	if len(x) != j.rows || len(dst) < j.cols {
		panic("bound check error")
	}
	for _, e := range j.entries {
		dst[e.col] += scale * e.val * x[e.row]
	}
}

func (j *SparseJacobian) AddJx(dst, x []float64, scale float64) {
	if len(dst) != j.rows || len(x) < j.cols {
		panic("bound check error")
	}
	for _, e := range j.entries {
		dst[e.row] += scale * e.val * x[e.col]
	}
}

// AddDenseJtJLower accumulates the products of entries sharing a row.
// Each unordered column pair is visited once through its lower-triangle order.
func (j *SparseJacobian) AddDenseJtJLower(dst *mat.SymDense, scale float64, _ *Pool) {
	if len(j.entries) == 0 {
		return
	}
	out := leading(dst, j.cols)
	byRow := slices.Clone(j.entries)
	slices.SortFunc(byRow, func(a, b triplet) int { return a.row - b.row })
	for lo := 0; lo < len(byRow); {
		hi := lo + 1
		for hi < len(byRow) && byRow[hi].row == byRow[lo].row {
			hi++
		}
		row := byRow[lo:hi]
		for _, a := range row {
			for _, b := range row {
				if a.col >= b.col {
					out.SetSym(a.col, b.col, out.At(a.col, b.col)+scale*a.val*b.val)
				}
			}
		}
		lo = hi
	}
}

func (j *SparseJacobian) Dense(cols int) *mat.Dense {
	if cols < j.cols {
		panic("bound check error")
	}
	d := mat.NewDense(max(j.rows, 1), max(cols, 1), nil)
	for _, e := range j.entries {
		d.Set(e.row, e.col, d.At(e.row, e.col)+e.val)
	}
	return d
}

type block struct {
	row    int
	weight float64
	jac    Jacobian
}

// StackedJacobian concatenates weighted Jacobian blocks vertically.
type StackedJacobian struct {
	rows, cols int
	blocks     []block
}

func (j *StackedJacobian) Rows() int { return j.rows }
func (j *StackedJacobian) Cols() int { return j.cols }

func (j *StackedJacobian) push(rows int, weight float64, jac Jacobian) {
	if jac != nil {
		j.blocks = append(j.blocks, block{row: j.rows, weight: weight, jac: jac})
		j.cols = max(j.cols, jac.Cols())
	}
	j.rows += rows
}

func (j *StackedJacobian) AddJtx(dst, x []float64, scale float64) {
	if len(x) != j.rows {
		panic("bound check error")
	}
	for _, b := range j.blocks {
		b.jac.AddJtx(dst, x[b.row:b.row+b.jac.Rows()], scale*b.weight)
	}
}

func (j *StackedJacobian) AddJx(dst, x []float64, scale float64) {
	if len(dst) != j.rows {
		panic("bound check error")
	}
	for _, b := range j.blocks {
		b.jac.AddJx(dst[b.row:b.row+b.jac.Rows()], x, scale*b.weight)
	}
}

// AddDenseJtJLower accumulates every block into its own matrix when a pool is
// given and sums the contributions under a lock.
func (j *StackedJacobian) AddDenseJtJLower(dst *mat.SymDense, scale float64, pool *Pool) {
	if pool == nil || len(j.blocks) < 2 {
		for _, b := range j.blocks {
			b.jac.AddDenseJtJLower(dst, scale*b.weight*b.weight, nil)
		}
		return
	}
	n := dst.SymmetricDim()
	var mu sync.Mutex
	pool.Run(len(j.blocks), func(k int) {
		b := j.blocks[k]
		part := mat.NewSymDense(n, nil)
		b.jac.AddDenseJtJLower(part, scale*b.weight*b.weight, nil)
		mu.Lock()
		dst.AddSym(dst, part)
		mu.Unlock()
	})
}

func (j *StackedJacobian) Dense(cols int) *mat.Dense {
	if cols < j.cols {
		panic("bound check error")
	}
	d := mat.NewDense(max(j.rows, 1), max(cols, 1), nil)
	for _, b := range j.blocks {
		r := b.jac.Rows()
		if r == 0 {
			continue
		}
		part := d.Slice(b.row, b.row+r, 0, cols).(*mat.Dense)
		part.Add(part, b.jac.Dense(cols))
		if b.weight != 1 {
			part.Scale(b.weight, part)
		}
	}
	return d
}
