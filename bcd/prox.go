// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bcd

import "math"

// SaturatedL1 is the smooth penalty tanh(m|x|)/m, it behaves like |x| near zero
// and saturates at 1/m.
func SaturatedL1(x, m float64) float64 {
	return math.Tanh(m*math.Abs(x)) / m
}

// SaturatedL1Gradient is the derivative of SaturatedL1:
//
//	𝚜𝚒𝚐𝚗(x) × (1 - 𝚝𝚊𝚗𝚑²(m|x|))
func SaturatedL1Gradient(x, m float64) float64 {
	t := math.Tanh(m * math.Abs(x))
	return sign(x) * (one - t*t)
}

func sign(x float64) float64 {
	switch {
	case x > zero:
		return one
	case x < zero:
		return -one
	default:
		return zero
	}
}

// solveL1 computes the step of a single coordinate minimizing
//
//	½ aᵢᵢ (x - xᵢ)² - b (x - xᵢ) + l1 |x|
//
// where b is the right-hand side without the contribution of coordinate i.
// The minimizer is the soft threshold of acc = b + xᵢaᵢᵢ, it is zero whenever
// no sign-consistent solution exists.
func solveL1(currX, b, jtjII, l1 float64) float64 {
	acc := b + currX*jtjII
	var newX float64
	if acc > l1 {
		newX = (acc - l1) / jtjII
	} else if acc < -l1 {
		newX = (acc + l1) / jtjII
	} else {
		newX = zero
	}
	return newX - currX
}

// solveSaturatedL1 is solveL1 with the saturated penalty linearized at
// currX + currDx. The linearized gradient is only trusted on the side whose
// sign agrees with the current estimate, the other side falls back to l1.
func solveSaturatedL1(currX, currDx, b, jtjII, l1, m float64) float64 {
	acc := b + currX*jtjII
	est := currX + currDx
	gradPos, gradNeg := l1, l1
	if est > zero {
		gradPos = SaturatedL1Gradient(est, m) * l1
	} else if est < zero {
		gradNeg = -SaturatedL1Gradient(est, m) * l1
	}
	var newX float64
	if acc > gradPos {
		newX = (acc - gradPos) / jtjII
	} else if acc < -gradNeg {
		newX = (acc + gradNeg) / jtjII
	} else {
		newX = zero
	}
	return newX - currX
}

// l1Regularization evaluates λ Σ sᵢ|xᵢ| (or its saturated form) over the
// valid entries of the bounds table.
func l1Regularization(x []float64, bounds []bound, s *Settings) float64 {
	if s.L1Reg == zero {
		return zero
	}
	if len(x) < len(bounds) {
		panic("bound check error")
	}
	sum := zero
	for _, b := range bounds {
		if !b.valid {
			continue
		}
		v := x[b.index]
		if s.UseSaturatedL1 {
			sum += b.scale * SaturatedL1(v, s.SaturatedL1M)
		} else {
			sum += b.scale * math.Abs(v)
		}
	}
	return s.L1Reg * sum
}
