// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// symRowDot computes A[r,:]·x for a symmetric matrix stored in its upper triangle.
func symRowDot(a blas64.Symmetric, r int, x []float64) float64 {
	if a.Uplo != blas.Upper {
		panic("symmetric storage must be upper")
	}
	sum := zero
	for j := 0; j < r; j++ {
		sum += a.Data[j*a.Stride+r] * x[j]
	}
	return sum + floats.Dot(a.Data[r*a.Stride+r:r*a.Stride+a.N], x[r:a.N])
}

// coordinateDescent solves the regularized normal equations
//
//	min ½ dxᵀ(JᵀJ)dx - dxᵀ(Jᵀb) + L1(x + dx)   s.t. l ≤ x + dx ≤ u
//
// with a fixed number of Gauss-Seidel sweeps in index order.
//
// Coordinates with zero curvature keep their value in dx. Bounded coordinates take
// a proximal L1 step clamped into their bounds, the others a plain Newton step.
// dx must be zeroed by the caller.
func coordinateDescent(jtj blas64.Symmetric, jtb, x, dx []float64, bounds []bound, s *Settings) {
	n := jtj.N
	if n > len(jtb) || n > len(dx) || n > len(bounds) {
		panic("bound check error")
	}

	for sweep := 0; sweep < s.CoordinateDescentIterations; sweep++ {
		for r := 0; r < n; r++ {
			jtjRR := jtj.Data[r*jtj.Stride+r]
			if jtjRR == zero {
				continue
			}
			// right-hand side without the contribution of coordinate r
			acc := jtb[r] - (symRowDot(jtj, r, dx) - jtjRR*dx[r])

			b := bounds[r]
			if !b.valid {
				dx[r] = acc / jtjRR
				continue
			}

			currX := x[b.index]
			l1 := s.L1Reg * b.scale
			var step float64
			if s.UseSaturatedL1 {
				step = solveSaturatedL1(currX, dx[r], acc, jtjRR, l1, s.SaturatedL1M)
			} else {
				step = solveL1(currX, acc, jtjRR, l1)
			}
			newX := math.Min(math.Max(currX+step, b.lower), b.upper)
			dx[r] = newX - currX
		}
	}
}
