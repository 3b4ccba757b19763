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
	"reflect"
	"testing"

	"github.com/ciresdem/demval/tilestore"
)

func groundPhoton(i, j int, height float64) AlignedPhoton {
	return AlignedPhoton{I: i, J: j, U: 0.5, V: 0.5, Height: height, Class: tilestore.ClassGround}
}

func canopyPhoton(i, j int, height float64) AlignedPhoton {
	return AlignedPhoton{I: i, J: j, U: 0.5, V: 0.5, Height: height, Class: tilestore.ClassCanopy}
}

func TestAccumulatorStats(t *testing.T) {
	elevs := flatElevs(1)
	elevs[0] = 3 // cell (0, 0)
	r := testRaster(t, elevs)
	a := NewAccumulator(r, Config{})
	for _, h := range []float64{100, 1, 5, 2, 4, 3} {
		a.Add(groundPhoton(0, 0, h))
	}
	a.Add(canopyPhoton(0, 0, 50))
	a.Add(canopyPhoton(0, 0, 51))

	if a.NumCells() != 1 {
		t.Fatalf("accumulated %d cells, want 1", a.NumCells())
	}
	if a.NumPhotons() != 8 {
		t.Fatalf("accumulated %d photons, want 8", a.NumPhotons())
	}

	records := a.Finalize()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	// The sorted ground heights are {1, 2, 3, 4, 5, 100}. The 10th
	// percentile is 1.5 and the 90th is 52.5, so the heights
	// {2, 3, 4, 5} survive the interdecile filter.
	checks := []struct {
		name      string
		got, want float64
	}{
		{"DEMElev", rec.DEMElev, 3},
		{"Mean", rec.Mean, 3.5},
		{"Median", rec.Median, 3.5},
		{"StdDev", rec.StdDev, math.Sqrt(5. / 3.)},
		{"P10", rec.P10, 1.5},
		{"P90", rec.P90, 52.5},
		{"InterdecileRange", rec.InterdecileRange, 51},
		{"Range", rec.Range, 99},
		{"CanopyFraction", rec.CanopyFraction, 0.25},
		{"DiffMean", rec.DiffMean, -0.5},
		{"DiffMedian", rec.DiffMedian, -0.5},
	}
	for _, c := range checks {
		if different(c.got, c.want) {
			t.Errorf("%s = %g, want %g", c.name, c.got, c.want)
		}
	}
	if rec.I != 0 || rec.J != 0 {
		t.Errorf("record is for cell (%d, %d), want (0, 0)", rec.I, rec.J)
	}
	if rec.NumPhotons != 6 || rec.NumPhotonsIntd != 4 {
		t.Errorf("photon counts are %d and %d, want 6 and 4",
			rec.NumPhotons, rec.NumPhotonsIntd)
	}
	if !math.IsNaN(rec.Coverage) {
		t.Errorf("coverage is %g without coverage measurement", rec.Coverage)
	}
}

func TestAccumulatorMinPhotons(t *testing.T) {
	r := testRaster(t, flatElevs(5))
	heights := []float64{1, 2, 3, 100} // only {2, 3} survive the band

	a := NewAccumulator(r, Config{})
	for _, h := range heights {
		a.Add(groundPhoton(0, 0, h))
	}
	if records := a.Finalize(); len(records) != 0 {
		t.Errorf("got %d records with the default photon minimum, want 0", len(records))
	}

	a = NewAccumulator(r, Config{MinPhotons: 2})
	for _, h := range heights {
		a.Add(groundPhoton(0, 0, h))
	}
	records := a.Finalize()
	if len(records) != 1 {
		t.Fatalf("got %d records with a minimum of 2, want 1", len(records))
	}
	if records[0].NumPhotonsIntd != 2 || different(records[0].Mean, 2.5) {
		t.Errorf("got %+v", records[0])
	}
}

// TestAccumulatorMergeInvariance checks that the per-cell statistics
// do not depend on how the photons were divided among accumulators.
func TestAccumulatorMergeInvariance(t *testing.T) {
	elevs := flatElevs(1)
	for c := 0; c < 3; c++ {
		elevs[c*4+c] = float64(10 + c)
	}
	r := testRaster(t, elevs)
	cfg := Config{PhotonLimit: 8, MinPhotons: 2, MeasureCoverage: true}

	var photons []AlignedPhoton
	for c := 0; c < 3; c++ {
		for k := 0; k < 12; k++ {
			p := AlignedPhoton{
				I:      c,
				J:      c,
				U:      (float64(k%5) + 0.5) / 5,
				V:      (float64(k%3) + 0.5) / 3,
				Height: float64((k*7)%13) + float64(c),
				Class:  tilestore.ClassGround,
			}
			if k%6 == 0 {
				p.Class = tilestore.ClassCanopy
			}
			photons = append(photons, p)
		}
	}

	var want []CellStatRecord
	for _, workers := range []int{1, 2, 4} {
		accs := make([]*Accumulator, workers)
		for i := range accs {
			accs[i] = NewAccumulator(r, cfg)
		}
		for i, p := range photons {
			accs[i%workers].Add(p)
		}
		for i := 1; i < len(accs); i++ {
			accs[0].Merge(accs[i])
			if accs[i].NumCells() != 0 {
				t.Errorf("merge left %d cells behind", accs[i].NumCells())
			}
		}
		records := accs[0].Finalize()
		if want == nil {
			want = records
			continue
		}
		if !reflect.DeepEqual(records, want) {
			t.Errorf("%d workers gave %+v,\nwant %+v", workers, records, want)
		}
	}
	if len(want) != 3 {
		t.Errorf("got %d records, want 3", len(want))
	}
}

func TestAccumulatorOutlierScreen(t *testing.T) {
	elevs := flatElevs(10.1)
	elevs[2*4+1] = 50 // cell (2, 1) disagrees badly with its photons
	r := testRaster(t, elevs)

	cells := [][2]int{
		{0, 0}, {0, 1}, {0, 2}, {0, 3},
		{1, 0}, {1, 1}, {1, 2}, {1, 3},
		{2, 0}, {2, 1},
	}
	fill := func(a *Accumulator) {
		for _, c := range cells {
			for k := 0; k < 4; k++ {
				a.Add(groundPhoton(c[0], c[1], 10))
			}
		}
	}

	a := NewAccumulator(r, Config{})
	fill(a)
	records := a.Finalize()
	if len(records) != 9 {
		t.Fatalf("got %d records after the outlier screen, want 9", len(records))
	}
	for _, rec := range records {
		if rec.I == 2 && rec.J == 1 {
			t.Error("the outlier cell survived the screen")
		}
		if different(rec.DiffMean, 0.1) {
			t.Errorf("cell (%d, %d) has difference %g, want 0.1", rec.I, rec.J, rec.DiffMean)
		}
	}

	a = NewAccumulator(r, Config{OutlierStdDevs: -1})
	fill(a)
	if records := a.Finalize(); len(records) != 10 {
		t.Errorf("got %d records with the screen disabled, want 10", len(records))
	}
}

func TestAccumulatorSkipsCells(t *testing.T) {
	elevs := flatElevs(1)
	elevs[0] = testNoData
	r := testRaster(t, elevs)
	a := NewAccumulator(r, Config{MinPhotons: 1})
	for k := 0; k < 5; k++ {
		a.Add(groundPhoton(0, 0, 10)) // no-data cell
		a.Add(canopyPhoton(1, 1, 20)) // no ground photons
	}
	if records := a.Finalize(); len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
	if a.NumCells() != 2 {
		t.Errorf("accumulated %d cells, want 2", a.NumCells())
	}
}

func TestAccumulatorCoverage(t *testing.T) {
	r := testRaster(t, flatElevs(1))
	a := NewAccumulator(r, Config{MeasureCoverage: true})
	for _, uv := range [][2]float64{{0.01, 0.01}, {0.99, 0.99}, {0.5, 0.5}, {0.52, 0.5}} {
		a.Add(AlignedPhoton{I: 0, J: 0, U: uv[0], V: uv[1], Height: 10, Class: tilestore.ClassGround})
	}
	records := a.Finalize()
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	// The four photons fall in three distinct sub-bins of the 15 by 15
	// coverage grid.
	if want := 3. / 225.; different(records[0].Coverage, want) {
		t.Errorf("coverage is %g, want %g", records[0].Coverage, want)
	}
}

func TestDecimate(t *testing.T) {
	sorted := []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	got := decimate(sorted, 4)
	if want := []float64{0, 3, 6, 9}; !reflect.DeepEqual(got, want) {
		t.Errorf("decimate to 4 gave %v, want %v", got, want)
	}
	if got := decimate(sorted, 0); !reflect.DeepEqual(got, sorted) {
		t.Errorf("decimate without a limit gave %v", got)
	}
	if got := decimate(sorted, 20); !reflect.DeepEqual(got, sorted) {
		t.Errorf("decimate below the limit gave %v", got)
	}
	if got := decimate(sorted, 1); !reflect.DeepEqual(got, []float64{5}) {
		t.Errorf("decimate to 1 gave %v", got)
	}
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	tests := []struct {
		q, want float64
	}{
		{0, 1},
		{25, 1.75},
		{50, 2.5},
		{90, 3.7},
		{100, 4},
	}
	for _, test := range tests {
		if got := percentile(sorted, test.q); different(got, test.want) {
			t.Errorf("percentile %g = %g, want %g", test.q, got, test.want)
		}
	}
	if got := percentile([]float64{7}, 90); got != 7 {
		t.Errorf("percentile of a single value = %g", got)
	}
	if got := median([]float64{1, 2, 3}); got != 2 {
		t.Errorf("odd median = %g", got)
	}
	if got := median([]float64{1, 2, 3, 4}); got != 2.5 {
		t.Errorf("even median = %g", got)
	}
	mean, variance := meanVariance([]float64{2, 3, 4, 5})
	if different(mean, 3.5) || different(variance, 5./3.) {
		t.Errorf("meanVariance = (%g, %g), want (3.5, %g)", mean, variance, 5./3.)
	}
}
