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
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/GaryBoone/GoStats/stats"
)

// summaryPercentiles are the levels of the diff_mean percentile
// ladder reported in the summary statistics file. The tails are
// sampled densely because artifacts in a DEM show up as long tails
// in the error distribution.
var summaryPercentiles = []float64{0, 1, 10, 20, 30, 40, 50, 60, 70, 80, 90, 99, 100}

// A Summary holds the whole-DEM figures derived from the per-cell
// validation records.
type Summary struct {
	// Cells is the number of DEM cells validated.
	Cells int

	// Photons is the number of band-filtered ground photons used
	// across all cells, and PhotonsPerCell is the mean per cell.
	Photons        int
	PhotonsPerCell float64

	// MeanBias is the mean of diff_mean (DEM elevation minus mean
	// photon height) over all cells, and RMSE its root mean square.
	MeanBias float64
	RMSE     float64

	// ErrPercentiles holds diff_mean at each of summaryPercentiles.
	ErrPercentiles []float64

	// CanopyMean is the mean canopy fraction over all cells,
	// WoodedCells the fraction of cells with any measured canopy,
	// and WoodedCanopyMean the mean canopy fraction over just those.
	CanopyMean       float64
	WoodedCells      float64
	WoodedCanopyMean float64

	// Roughness is the mean of the per-cell photon height standard
	// deviations.
	Roughness float64

	// Slope, Intercept, and RSquared describe the least-squares fit
	// of the per-cell mean photon heights against the DEM elevations.
	Slope, Intercept, RSquared float64
}

// Summarize computes the summary statistics for the records.
func Summarize(records []CellStatRecord) *Summary {
	s := &Summary{Cells: len(records)}
	if len(records) == 0 {
		return s
	}
	diffs := make([]float64, len(records))
	demElevs := make([]float64, len(records))
	photonMeans := make([]float64, len(records))
	var sq float64
	wooded := 0
	for i, rec := range records {
		diffs[i] = rec.DiffMean
		demElevs[i] = rec.DEMElev
		photonMeans[i] = rec.Mean
		s.Photons += rec.NumPhotonsIntd
		s.MeanBias += rec.DiffMean
		sq += rec.DiffMean * rec.DiffMean
		s.CanopyMean += rec.CanopyFraction
		if rec.CanopyFraction > 0 {
			wooded++
			s.WoodedCanopyMean += rec.CanopyFraction
		}
		s.Roughness += rec.StdDev
	}
	n := float64(len(records))
	s.PhotonsPerCell = float64(s.Photons) / n
	s.MeanBias /= n
	s.RMSE = math.Sqrt(sq / n)
	s.CanopyMean /= n
	s.WoodedCells = float64(wooded) / n
	if wooded > 0 {
		s.WoodedCanopyMean /= float64(wooded)
	} else {
		s.WoodedCanopyMean = math.NaN()
	}
	s.Roughness /= n

	sort.Float64s(diffs)
	s.ErrPercentiles = make([]float64, len(summaryPercentiles))
	for i, q := range summaryPercentiles {
		s.ErrPercentiles[i] = percentile(diffs, q)
	}

	s.Slope, s.Intercept, s.RSquared, _, _, _ =
		stats.LinearRegression(demElevs, photonMeans)
	return s
}

// Write writes the summary in its report form.
func (s *Summary) Write(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("Number of DEM cells validated (cells): %d", s.Cells),
		fmt.Sprintf("Total number of ground photons used to validate this DEM (photons): %d", s.Photons),
		fmt.Sprintf("Mean number of photons used to validate each cell (photons): %g", s.PhotonsPerCell),
		fmt.Sprintf("Mean bias error (DEM - ICESat-2) (m): %g", s.MeanBias),
		fmt.Sprintf("RMSE (m): %g", s.RMSE),
		"=== Percentile ranges of errors (DEM - ICESat-2) (m) (Look for long tails, indicating possible artifacts.) ===",
	}
	for i, q := range summaryPercentiles {
		lines = append(lines, fmt.Sprintf("    %3.0f percentile error level (m): %g", q, s.ErrPercentiles[i]))
	}
	lines = append(lines,
		fmt.Sprintf("Mean canopy cover (%% cover): %.2f", s.CanopyMean*100),
		fmt.Sprintf("%% of cells with >0 measured canopy (%%): %g", s.WoodedCells*100),
		fmt.Sprintf("Mean canopy cover in 'wooded' cells containing >0 canopy (%% cover): %g", s.WoodedCanopyMean*100),
		fmt.Sprintf("Mean roughness (stddev. of photon elevations within each cell) (m): %g", s.Roughness),
		fmt.Sprintf("Regression of photon means against DEM elevations: slope %g, intercept %g m, r-squared %g",
			s.Slope, s.Intercept, s.RSquared),
	)
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}

// WriteSummary writes the summary statistics report for the records
// to path. No file is written when there are no records; the
// empty-results marker from the output layer covers that case.
func WriteSummary(path string, records []CellStatRecord) error {
	if len(records) == 0 {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demval: creating summary file: %v", err)
	}
	if err := Summarize(records).Write(f); err != nil {
		f.Close()
		return fmt.Errorf("demval: writing summary file: %v", err)
	}
	return f.Close()
}
