// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cost

// VariableInfo is the location of a variable inside the flat update vector.
type VariableInfo struct {
	Offset int
	Size   int
}

// Context owns the flat unknown vector formed by the non-constant variables
// registered during evaluation. The order of registration defines the layout.
//
// A Context is not safe for concurrent use.
type Context[T Float] struct {
	vars []Variable[T]
	info map[Variable[T]]VariableInfo
	size int
}

func NewContext[T Float]() *Context[T] {
	return &Context[T]{info: make(map[Variable[T]]VariableInfo)}
}

// Register adds v to the update vector if it is not yet known.
// Constant variables are never registered and report false.
func (c *Context[T]) Register(v Variable[T]) (VariableInfo, bool) {
	if info, ok := c.info[v]; ok {
		return info, true
	}
	if v.Constant() {
		return VariableInfo{}, false
	}
	if c.info == nil {
		c.info = make(map[Variable[T]]VariableInfo)
	}
	info := VariableInfo{Offset: c.size, Size: v.Size()}
	c.info[v] = info
	c.vars = append(c.vars, v)
	c.size += info.Size
	return info, true
}

// GetVariableInfo returns the location of a registered variable.
func (c *Context[T]) GetVariableInfo(v Variable[T]) (VariableInfo, bool) {
	info, ok := c.info[v]
	return info, ok
}

// UpdateSize is the total number of scalar unknowns.
func (c *Context[T]) UpdateSize() int { return c.size }

// Value gathers the current unknowns into a new slice.
func (c *Context[T]) Value() []T {
	x := make([]T, 0, c.size)
	for _, v := range c.vars {
		x = append(x, v.Value()...)
	}
	return x
}

// Update applies the additive step dx to every registered variable.
func (c *Context[T]) Update(dx []float64) {
	if len(dx) != c.size {
		panic("bound check error")
	}
	for _, v := range c.vars {
		info := c.info[v]
		v.Update(dx[info.Offset : info.Offset+info.Size])
	}
}

// Set overwrites every registered variable with the matching slice of x.
func (c *Context[T]) Set(x []T) {
	if len(x) != c.size {
		panic("bound check error")
	}
	for _, v := range c.vars {
		info := c.info[v]
		v.Set(x[info.Offset : info.Offset+info.Size])
	}
}

// Clear forgets all registered variables.
func (c *Context[T]) Clear() {
	c.vars = c.vars[:0]
	clear(c.info)
	c.size = 0
}
