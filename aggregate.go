/*
Copyright © 2024 the DEMVal authors.
This file is part of DEMVal.

DEMVal is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

DEMVal is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with DEMVal.  If not, see <http://www.gnu.org/licenses/>.
*/

package demval

import (
	"math"
	"math/bits"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/ciresdem/demval/tilestore"
)

// A CellStatRecord holds the validation statistics for one DEM cell.
type CellStatRecord struct {
	I int `desc:"Raster row index" units:"cell"`
	J int `desc:"Raster column index" units:"cell"`

	DEMElev float64 `desc:"DEM elevation at the cell" units:"m"`

	Mean   float64 `desc:"Mean of the band-filtered ground photon heights" units:"m"`
	Median float64 `desc:"Median of the band-filtered ground photon heights" units:"m"`
	StdDev float64 `desc:"Sample standard deviation of the band-filtered ground photon heights" units:"m"`

	NumPhotons     int `desc:"Ground photons used for the cell" units:"count"`
	NumPhotonsIntd int `desc:"Ground photons within the height band" units:"count"`

	InterdecileRange float64 `desc:"Width of the height band" units:"m"`
	Range            float64 `desc:"Spread of the ground photon heights" units:"m"`
	P10              float64 `desc:"Lower bound of the height band" units:"m"`
	P90              float64 `desc:"Upper bound of the height band" units:"m"`

	CanopyFraction float64 `desc:"Fraction of the cell's photons classified as canopy" units:"fraction"`

	DiffMean   float64 `desc:"DEM elevation minus mean photon height" units:"m"`
	DiffMedian float64 `desc:"DEM elevation minus median photon height" units:"m"`

	Coverage float64 `desc:"Fraction of the cell footprint sampled by photons" units:"fraction"`
}

// coverageBins is the number of sub-bins per cell edge used to
// measure how much of a cell's footprint the photons sample.
const coverageBins = 15

// A coverageGrid records which of the coverageBins by coverageBins
// sub-bins of a cell contain at least one photon.
type coverageGrid [(coverageBins*coverageBins + 63) / 64]uint64

func (g *coverageGrid) mark(si, sj int) {
	k := si*coverageBins + sj
	g[k/64] |= 1 << uint(k%64)
}

func (g *coverageGrid) or(o *coverageGrid) {
	for i := range g {
		g[i] |= o[i]
	}
}

func (g *coverageGrid) fraction() float64 {
	n := 0
	for _, w := range g {
		n += bits.OnesCount64(w)
	}
	return float64(n) / (coverageBins * coverageBins)
}

type cellKey struct{ i, j int }

// cellAccum is the partial aggregate for one cell. Merging partial
// aggregates takes the union of their retained heights rather than
// combining precomputed statistics: the height band bounds are
// quantiles, which cannot be reconstructed from moments, and the
// union makes the merge exact in any order.
type cellAccum struct {
	demElev float64
	n       int // photons of any class assigned to the cell
	canopy  int // photons classified as canopy
	heights []float64
	cov     *coverageGrid
}

// An Accumulator collects photons into per-cell partial aggregates.
// It is not safe for concurrent use; each worker fills its own
// Accumulator and the partial results are merged afterwards.
type Accumulator struct {
	r *Raster

	limit, minPhotons int
	bandLow, bandHigh float64
	outlierSD         float64
	measureCoverage   bool

	cells map[cellKey]*cellAccum
}

// NewAccumulator creates an accumulator for cells of the given
// raster, with unset configuration fields filled with their defaults.
func NewAccumulator(r *Raster, cfg Config) *Accumulator {
	cfg.setDefaults()
	return &Accumulator{
		r:               r,
		limit:           cfg.PhotonLimit,
		minPhotons:      cfg.MinPhotons,
		bandLow:         cfg.BandLow,
		bandHigh:        cfg.BandHigh,
		outlierSD:       cfg.OutlierStdDevs,
		measureCoverage: cfg.MeasureCoverage,
		cells:           make(map[cellKey]*cellAccum),
	}
}

// Add accumulates one aligned photon into its cell.
func (a *Accumulator) Add(p AlignedPhoton) {
	key := cellKey{p.I, p.J}
	c := a.cells[key]
	if c == nil {
		c = &cellAccum{demElev: a.r.ElevAt(p.I, p.J)}
		if a.measureCoverage {
			c.cov = new(coverageGrid)
		}
		a.cells[key] = c
	}
	c.n++
	if p.Class >= tilestore.ClassCanopy {
		c.canopy++
	}
	if p.Class == tilestore.ClassGround {
		c.heights = append(c.heights, p.Height)
	}
	if c.cov != nil {
		si := int(p.V * coverageBins)
		sj := int(p.U * coverageBins)
		if si >= coverageBins {
			si = coverageBins - 1
		}
		if sj >= coverageBins {
			sj = coverageBins - 1
		}
		c.cov.mark(si, sj)
	}
}

// Merge folds the cells of o into a, leaving o empty. Merging is
// exact: finalizing merged accumulators gives the same statistics no
// matter how the photons were divided between them.
func (a *Accumulator) Merge(o *Accumulator) {
	for key, oc := range o.cells {
		c := a.cells[key]
		if c == nil {
			a.cells[key] = oc
			continue
		}
		c.n += oc.n
		c.canopy += oc.canopy
		c.heights = append(c.heights, oc.heights...)
		if c.cov != nil && oc.cov != nil {
			c.cov.or(oc.cov)
		}
	}
	o.cells = make(map[cellKey]*cellAccum)
}

// NumCells returns the number of cells that have received photons.
func (a *Accumulator) NumCells() int { return len(a.cells) }

// NumPhotons returns the total number of photons accumulated.
func (a *Accumulator) NumPhotons() int {
	n := 0
	for _, c := range a.cells {
		n += c.n
	}
	return n
}

// Finalize computes the per-cell statistics, ordered by ascending
// (i, j). Cells whose band-filtered ground photon count falls below
// the minimum are omitted, as are cells where the DEM holds no data.
// When an across-cell outlier screen is configured, cells whose mean
// elevation difference lies outside the screen are removed from the
// results.
func (a *Accumulator) Finalize() []CellStatRecord {
	keys := make([]cellKey, 0, len(a.cells))
	for key := range a.cells {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(x, y int) bool {
		if keys[x].i != keys[y].i {
			return keys[x].i < keys[y].i
		}
		return keys[x].j < keys[y].j
	})

	var records []CellStatRecord
	for _, key := range keys {
		c := a.cells[key]
		if a.r.IsNoData(c.demElev) || len(c.heights) == 0 {
			continue
		}
		sort.Float64s(c.heights)
		heights := decimate(c.heights, a.limit)

		lo := percentile(heights, a.bandLow*100)
		hi := percentile(heights, a.bandHigh*100)
		// The band is closed, so heights equal to either bound stay.
		first := sort.SearchFloat64s(heights, lo)
		last := first
		for last < len(heights) && heights[last] <= hi {
			last++
		}
		survivors := heights[first:last]
		if len(survivors) < a.minPhotons {
			continue
		}
		mean, variance := meanVariance(survivors)
		med := median(survivors)

		rec := CellStatRecord{
			I:                key.i,
			J:                key.j,
			DEMElev:          c.demElev,
			Mean:             mean,
			Median:           med,
			StdDev:           math.Sqrt(variance),
			NumPhotons:       len(heights),
			NumPhotonsIntd:   len(survivors),
			InterdecileRange: hi - lo,
			Range:            heights[len(heights)-1] - heights[0],
			P10:              lo,
			P90:              hi,
			CanopyFraction:   float64(c.canopy) / float64(c.n),
			DiffMean:         c.demElev - mean,
			DiffMedian:       c.demElev - med,
			Coverage:         math.NaN(),
		}
		if c.cov != nil {
			rec.Coverage = c.cov.fraction()
		}
		records = append(records, rec)
	}
	return a.screenOutliers(records)
}

// screenOutliers removes cells whose mean elevation difference lies
// more than the configured number of standard deviations from the
// mean difference across all cells.
func (a *Accumulator) screenOutliers(records []CellStatRecord) []CellStatRecord {
	if a.outlierSD <= 0 || len(records) < 2 {
		return records
	}
	diffs := make([]float64, len(records))
	for i, rec := range records {
		diffs[i] = rec.DiffMean
	}
	mean := stat.Mean(diffs, nil)
	sd := stat.StdDev(diffs, nil)
	lo, hi := mean-a.outlierSD*sd, mean+a.outlierSD*sd
	out := records[:0]
	for _, rec := range records {
		if rec.DiffMean >= lo && rec.DiffMean <= hi {
			out = append(out, rec)
		}
	}
	return out
}

// decimate reduces sorted values to at most limit entries, keeping an
// even spread that preserves the smallest and largest values.
func decimate(sorted []float64, limit int) []float64 {
	n := len(sorted)
	if limit <= 0 || n <= limit {
		return sorted
	}
	if limit == 1 {
		return sorted[n/2 : n/2+1]
	}
	out := make([]float64, limit)
	for k := 0; k < limit; k++ {
		out[k] = sorted[round(float64(k)*float64(n-1)/float64(limit-1))]
	}
	return out
}

func round(v float64) int { return int(v + 0.5) }

// percentile returns the q'th percentile (from 0 to 100) of the
// sorted values, linearly interpolating between order statistics.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	rank := q / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// median returns the median of the sorted values.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// meanVariance returns the mean and sample variance of xs, computed
// with Welford's streaming update to avoid catastrophic cancellation.
func meanVariance(xs []float64) (mean, variance float64) {
	var m2 float64
	for i, x := range xs {
		delta := x - mean
		mean += delta / float64(i+1)
		m2 += delta * (x - mean)
	}
	if len(xs) > 1 {
		variance = m2 / float64(len(xs)-1)
	}
	return mean, variance
}
