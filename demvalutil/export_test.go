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

package demvalutil

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ctessum/sparse"
	"github.com/tealeg/xlsx"

	"github.com/ciresdem/demval"
)

// writeTestResults writes a results table holding two cells with
// values chosen to be exactly representable, so the exported text can
// be compared verbatim.
func writeTestResults(t *testing.T, path string) {
	records := []demval.CellStatRecord{
		{
			I: 0, J: 1,
			DEMElev: 10.25, Mean: 10, Median: 10, StdDev: 0.5,
			NumPhotons: 8, NumPhotonsIntd: 6,
			InterdecileRange: 1.5, Range: 2, P10: 9.25, P90: 10.75,
			CanopyFraction: 0.25, DiffMean: 0.25, DiffMedian: 0.25,
			Coverage: math.NaN(),
		},
		{
			I: 1, J: 0,
			DEMElev: -4.5, Mean: -4, Median: -4, StdDev: 0.25,
			NumPhotons: 12, NumPhotonsIntd: 10,
			InterdecileRange: 1, Range: 3, P10: -5, P90: -3.5,
			CanopyFraction: 0, DiffMean: -0.5, DiffMedian: -0.5,
			Coverage: math.NaN(),
		},
	}
	r := demval.NewRaster([6]float64{0, 1, 0, 4, 0, -1}, "EPSG:4326", -9999, sparse.ZerosDense(4, 4))
	o, err := demval.NewOutputter(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Output(r, records); err != nil {
		t.Fatal(err)
	}
}

func TestExportCSV(t *testing.T) {
	dir, err := ioutil.TempDir("", "demvalutiltest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	resultsPath := filepath.Join(dir, "dem_results.nc")
	writeTestResults(t, resultsPath)

	csvPath := filepath.Join(dir, "dem_results.csv")
	if err := Export(resultsPath, csvPath); err != nil {
		t.Fatal(err)
	}
	b, err := ioutil.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	want := `i,j,dem_elev,mean,median,stddev,numphotons,numphotons_intd,interdecile_range,range,p10,p90,canopy_fraction,diff_mean,diff_median
0,1,10.25,10,10,0.5,8,6,1.5,2,9.25,10.75,0.25,0.25,0.25
1,0,-4.5,-4,-4,0.25,12,10,1,3,-5,-3.5,0,-0.5,-0.5
`
	if string(b) != want {
		t.Errorf("exported CSV:\n%s\nwant:\n%s", b, want)
	}
}

func TestExportXLSX(t *testing.T) {
	dir, err := ioutil.TempDir("", "demvalutiltest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	resultsPath := filepath.Join(dir, "dem_results.nc")
	writeTestResults(t, resultsPath)

	xlsxPath := filepath.Join(dir, "dem_results.xlsx")
	if err := Export(resultsPath, xlsxPath); err != nil {
		t.Fatal(err)
	}
	f, err := xlsx.OpenFile(xlsxPath)
	if err != nil {
		t.Fatal(err)
	}
	sheet, ok := f.Sheet["results"]
	if !ok {
		t.Fatal("exported workbook has no results sheet")
	}
	if len(sheet.Rows) != 3 {
		t.Fatalf("exported sheet has %d rows, want 3", len(sheet.Rows))
	}
	if name := sheet.Rows[0].Cells[0].Value; name != "i" {
		t.Errorf("first header cell is %q, want i", name)
	}
	elev, err := sheet.Rows[1].Cells[2].Float()
	if err != nil {
		t.Fatal(err)
	}
	if elev != 10.25 {
		t.Errorf("dem_elev cell is %g, want 10.25", elev)
	}
	photons, err := sheet.Rows[2].Cells[6].Float()
	if err != nil {
		t.Fatal(err)
	}
	if photons != 12 {
		t.Errorf("numphotons cell is %g, want 12", photons)
	}
}

func TestExportUnsupported(t *testing.T) {
	dir, err := ioutil.TempDir("", "demvalutiltest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	resultsPath := filepath.Join(dir, "dem_results.nc")
	writeTestResults(t, resultsPath)

	err = Export(resultsPath, filepath.Join(dir, "dem_results.txt"))
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Errorf("got %v, want an unsupported format error", err)
	}
	if err := Export(filepath.Join(dir, "missing.nc"), "out.csv"); err == nil {
		t.Error("want an error for a missing results table")
	}
}
