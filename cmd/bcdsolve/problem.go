// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/curioloop/rigfit/bcd"
	"gopkg.in/yaml.v3"
)

// Problem is a linear least-squares rig fit read from YAML:
//
//	minimize ½ Σₜ ‖wₜ (Aₜ xₜ - bₜ)‖² + λ Σᵢ sᵢ|xᵢ|
//
// where xₜ concatenates the variables named by term t.
type Problem struct {
	Settings  bcd.Settings `yaml:"settings"`
	Variables []Variable   `yaml:"variables"`
	Terms     []Term       `yaml:"terms"`
}

// Variable describes a block of unknowns. Free variables take plain Newton
// steps, the others are bounded and regularized.
type Variable struct {
	Name     string    `yaml:"name"`
	Init     []float64 `yaml:"init"`
	Lower    []float64 `yaml:"lower,omitempty"` // .nan or missing means unbounded
	Upper    []float64 `yaml:"upper,omitempty"`
	Scale    []float64 `yaml:"scale,omitempty"` // L1 scaling, 1 by default
	Enforce  *bool     `yaml:"enforce,omitempty"`
	Free     bool      `yaml:"free,omitempty"`
	Constant bool      `yaml:"constant,omitempty"`
}

// Term is one weighted block of residuals w (A x - target).
type Term struct {
	Name      string      `yaml:"name"`
	Weight    *float64    `yaml:"weight,omitempty"`
	Variables []string    `yaml:"variables"`
	Matrix    [][]float64 `yaml:"matrix"`
	Target    []float64   `yaml:"target,omitempty"`
}

// LoadProblem decodes a problem on top of the default settings and validates it.
func LoadProblem(r io.Reader) (*Problem, error) {
	p := &Problem{Settings: bcd.DefaultSettings()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty problem")
		}
		return nil, fmt.Errorf("decode problem: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the problem structure and the settings.
func (p *Problem) Validate() error {
	if err := p.Settings.Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if len(p.Terms) == 0 {
		return errors.New("at least one term is required")
	}

	sizes := make(map[string]int, len(p.Variables))
	for i, v := range p.Variables {
		n := len(v.Init)
		switch {
		case v.Name == "":
			return fmt.Errorf("variable %d: name is required", i)
		case sizes[v.Name] > 0:
			return fmt.Errorf("variable %q: duplicated name", v.Name)
		case n == 0:
			return fmt.Errorf("variable %q: init must not be empty", v.Name)
		case v.Lower != nil && len(v.Lower) != n,
			v.Upper != nil && len(v.Upper) != n,
			v.Scale != nil && len(v.Scale) != n:
			return fmt.Errorf("variable %q: bounds and scale must match init size %d", v.Name, n)
		case (v.Free || v.Constant) && (v.Lower != nil || v.Upper != nil || v.Scale != nil || v.Enforce != nil):
			return fmt.Errorf("variable %q: free and constant variables take no bounds, scale or enforce", v.Name)
		}
		for j := 0; j < n; j++ {
			l, u := at(v.Lower, j, math.Inf(-1)), at(v.Upper, j, math.Inf(1))
			if l > u {
				return fmt.Errorf("variable %q: bound range of coordinate %d has no feasible solution", v.Name, j)
			}
		}
		sizes[v.Name] = n
	}

	for i, t := range p.Terms {
		name := t.Name
		if name == "" {
			name = fmt.Sprint(i)
		}
		cols := 0
		for _, v := range t.Variables {
			n, ok := sizes[v]
			if !ok {
				return fmt.Errorf("term %s: unknown variable %q", name, v)
			}
			cols += n
		}
		switch {
		case cols == 0:
			return fmt.Errorf("term %s: no variables", name)
		case len(t.Matrix) == 0:
			return fmt.Errorf("term %s: matrix must not be empty", name)
		case t.Target != nil && len(t.Target) != len(t.Matrix):
			return fmt.Errorf("term %s: target size %d does not match %d rows", name, len(t.Target), len(t.Matrix))
		case t.Weight != nil && (math.IsNaN(*t.Weight) || math.IsInf(*t.Weight, 0)):
			return fmt.Errorf("term %s: weight must be finite", name)
		}
		for r, row := range t.Matrix {
			if len(row) != cols {
				return fmt.Errorf("term %s: row %d has %d columns, variables have %d", name, r, len(row), cols)
			}
		}
	}
	return nil
}

func at(s []float64, i int, missing float64) float64 {
	if s == nil || math.IsNaN(s[i]) {
		return missing
	}
	return s[i]
}
