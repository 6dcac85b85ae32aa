//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obstruction accumulates dish obstruction maps over time.
//
// The dish reports a fixed size 2-D map of the sky, one cell per
// direction, holding signal quality (SNR) in the range 0.0 to 1.0, or
// -1 where it has no data. A Grid counts, for every cell, how many
// maps were seen and how many of those had the cell obstructed.
package obstruction

import (
	"fmt"
	"math"
)

// Map is one obstruction map as fetched from the dish. SNR is row
// major, Rows*Cols long.
type Map struct {
	Rows, Cols int
	SNR        []float64
}

// Validate checks that the dimensions agree with the data.
func (m *Map) Validate() error {
	if m.Rows <= 0 || m.Cols <= 0 {
		return fmt.Errorf("obstruction map: invalid dimensions %dx%d", m.Rows, m.Cols)
	}
	if len(m.SNR) != m.Rows*m.Cols {
		return fmt.Errorf("obstruction map: %d values for %dx%d", len(m.SNR), m.Rows, m.Cols)
	}
	return nil
}

// At returns the SNR of cell (r, c).
func (m *Map) At(r, c int) float64 { return m.SNR[r*m.Cols+c] }

// Cell counters. Total counts every map accumulated, NoData the maps
// where the cell had no reading, Hits the maps where it was
// obstructed.
type Cell struct {
	Hits   int64
	Total  int64
	NoData int64
	snrSum float64
}

// Fraction of observations in which the cell was obstructed, NaN if
// nothing was accumulated yet.
func (c *Cell) Fraction() float64 {
	if c.Total == 0 {
		return math.NaN()
	}
	return float64(c.Hits) / float64(c.Total)
}

// MeanSNR over the maps that had a reading for the cell, NaN if
// none did.
func (c *Cell) MeanSNR() float64 {
	n := c.Total - c.NoData
	if n <= 0 {
		return math.NaN()
	}
	return c.snrSum / float64(n)
}

// DefaultThreshold makes any reading below full signal quality an
// obstruction.
const DefaultThreshold = 1.0

// Grid is the accumulated history of obstruction maps. It belongs to
// one poll stream and is not safe for concurrent use.
type Grid struct {
	// A cell with 0 <= SNR < Threshold counts as obstructed.
	Threshold float64

	rows, cols int
	cells      []Cell
	maps       int64
}

// NewGrid returns an empty grid of the given dimensions.
func NewGrid(rows, cols int) *Grid {
	return &Grid{
		Threshold: DefaultThreshold,
		rows:      rows,
		cols:      cols,
		cells:     make([]Cell, rows*cols),
	}
}

func (g *Grid) Rows() int { return g.rows }
func (g *Grid) Cols() int { return g.cols }

// Maps is the number of maps accumulated since creation or Reset().
func (g *Grid) Maps() int64 { return g.maps }

// Accumulate adds one map. Every cell gets exactly one observation.
func (g *Grid) Accumulate(m *Map) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.Rows != g.rows || m.Cols != g.cols {
		return fmt.Errorf("obstruction map is %dx%d, grid is %dx%d", m.Rows, m.Cols, g.rows, g.cols)
	}
	for i, v := range m.SNR {
		c := &g.cells[i]
		c.Total++
		switch {
		case v < 0 || math.IsNaN(v):
			c.NoData++
		default:
			c.snrSum += v
			if v < g.Threshold {
				c.Hits++
			}
		}
	}
	g.maps++
	return nil
}

// Cell returns a copy of the counters of cell (r, c).
func (g *Grid) Cell(r, c int) Cell { return g.cells[r*g.cols+c] }

// Fraction returns hits/total for cell (r, c).
func (g *Grid) Fraction(r, c int) float64 {
	cell := g.cells[r*g.cols+c]
	return cell.Fraction()
}

// Fractions returns a copy of all the fractions, rows of columns,
// suitable for rendering.
func (g *Grid) Fractions() [][]float64 {
	result := make([][]float64, g.rows)
	for r := range result {
		result[r] = make([]float64, g.cols)
		for c := range result[r] {
			result[r][c] = g.Fraction(r, c)
		}
	}
	return result
}

// Reset clears all counters, keeping the dimensions.
func (g *Grid) Reset() {
	g.cells = make([]Cell, g.rows*g.cols)
	g.maps = 0
}

// Copy returns a deep copy of the grid.
func (g *Grid) Copy() *Grid {
	c := *g
	c.cells = make([]Cell, len(g.cells))
	copy(c.cells, g.cells)
	return &c
}
