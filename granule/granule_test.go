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

package granule

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseBeam(t *testing.T) {
	tests := []struct {
		name string
		want Beam
	}{
		{"gt1l", GT1L},
		{"GT2R", GT2R},
		{" gt3r ", GT3R},
		{"all", BeamAll},
	}
	for _, test := range tests {
		b, err := ParseBeam(test.name)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
		}
		if b != test.want {
			t.Errorf("%s: got %v, want %v", test.name, b, test.want)
		}
	}
	if _, err := ParseBeam("gt4l"); err == nil {
		t.Error("gt4l: expected error")
	}
}

func TestParseID(t *testing.T) {
	name := "ATL03_20181014001049_02350103_006_02.h5"
	id, err := ParseID(name)
	if err != nil {
		t.Fatal(err)
	}
	want := ID{Time: 20181014001049, Track: 235010300602}
	if id != want {
		t.Fatalf("got %+v, want %+v", id, want)
	}
	if s := id.String(); s != "ATL03_20181014001049_02350103_006_02" {
		t.Errorf("round trip gave %s", s)
	}
	if d := id.Date(); d != "20181014" {
		t.Errorf("date is %s, want 20181014", d)
	}
	if _, err := ParseID("notagranule.h5"); err == nil {
		t.Error("notagranule.h5: expected error")
	}
}

// testBeamData returns photon data for two of the six beams.
func testBeamData() map[Beam]*BeamData {
	return map[Beam]*BeamData{
		GT1L: {
			Lat:         []float64{45.001, 45.002, 45.003, 45.004},
			Lon:         []float64{-105.504, -105.503, -105.502, -105.501},
			Height:      []float64{1200.5, 1201.5, 1215.0, 1199.0},
			DeltaTime:   []float64{100.0, 100.1, 100.2, 100.3},
			Quality:     []int16{0, 0, 0, 0},
			ConfLand:    []int16{4, 4, 4, 4},
			ConfLandIce: []int16{0, 0, 0, 0},
			ClassCode:   []int16{1, 1, 2, 0},
			SurfType: []int16{
				1, 0, 0, 0, 0,
				1, 0, 0, 0, 0,
				1, 0, 0, 0, 0,
				1, 1, 0, 0, 0,
			},
		},
		GT2R: {
			Lat:         []float64{45.101, 45.102},
			Lon:         []float64{-105.401, -105.402},
			Height:      []float64{1300.0, 1301.0},
			DeltaTime:   []float64{200.0, 200.1},
			Quality:     []int16{0, 1},
			ConfLand:    []int16{4, 2},
			ConfLandIce: []int16{0, 0},
			ClassCode:   []int16{1, 1},
			SurfType: []int16{
				1, 0, 0, 0, 0,
				1, 0, 0, 0, 0,
			},
		},
	}
}

func writeTestGranule(t *testing.T, dir string, qaPass bool) string {
	path := filepath.Join(dir, "ATL03_20181014001049_02350103_006_02.h5")
	id, err := ParseID(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Create(path, id, qaPass, testBeamData()); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReader(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := writeTestGranule(t, dir, true)

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.ID != (ID{Time: 20181014001049, Track: 235010300602}) {
		t.Errorf("reader ID is %+v", r.ID)
	}

	h, err := r.Field(HeightField, GT1L)
	if err != nil {
		t.Fatal(err)
	}
	wantH := []float64{1200.5, 1201.5, 1215.0, 1199.0}
	if !reflect.DeepEqual(h, wantH) {
		t.Errorf("gt1l heights are %v, want %v", h, wantH)
	}

	// Beams with no data are an error until WarnMissing is set.
	if _, err := r.Field(HeightField, GT2L); err == nil {
		t.Error("gt2l: expected an error for a beam with no data")
	} else if _, ok := err.(*FieldNotFoundError); !ok {
		t.Errorf("gt2l: error has type %T", err)
	}
	if _, err := r.Field(HeightField, BeamAll); err == nil {
		t.Error("all beams: expected an error when any beam lacks data")
	}

	// All-beam data concatenates in the fixed beam order, skipping
	// the four empty beams once missing data only warns.
	r.WarnMissing = true
	all, err := r.Field(HeightField, BeamAll)
	if err != nil {
		t.Fatal(err)
	}
	wantAll := append(append([]float64{}, wantH...), 1300.0, 1301.0)
	if !reflect.DeepEqual(all, wantAll) {
		t.Errorf("all-beam heights are %v, want %v", all, wantAll)
	}
	if n := r.Warnings(); n != 4 {
		t.Errorf("got %d warnings for missing beams, want 4", n)
	}
	r.WarnMissing = false

	cc, err := r.Field(ClassField, GT1L)
	if err != nil {
		t.Fatal(err)
	}
	wantCC := []float64{1, 1, 2, 0}
	if !reflect.DeepEqual(cc, wantCC) {
		t.Errorf("class codes are %v, want %v", cc, wantCC)
	}

	if n := r.NumPhotons(BeamAll); n != 6 {
		t.Errorf("granule has %d photons, want 6", n)
	}
}

func TestFieldWarnMissing(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	r, err := Open(writeTestGranule(t, dir, true))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	r.WarnMissing = true
	r.MaxWarnings = 2

	vals, err := r.Field(HeightField, GT2L)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 0 {
		t.Errorf("missing beam gave %d values, want none", len(vals))
	}
	if n := r.Warnings(); n != 1 {
		t.Errorf("got %d warnings, want 1", n)
	}

	// A dataset no beam holds still succeeds, with an empty result.
	// The count keeps running after the logging cap.
	vals, err = r.Field("[gtx]/heights/no_such_field", BeamAll)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 0 {
		t.Errorf("absent dataset gave %d values, want none", len(vals))
	}
	if n := r.Warnings(); n != 7 {
		t.Errorf("got %d warnings, want 7", n)
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open("/no/such/granule.h5")
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("error has type %T, want *NotFoundError", err)
	}
}

func TestOpenFallback(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	const name = "ATL03_20190101020304_05670201_006_01"
	path := filepath.Join(dir, name+".nc")
	id, err := ParseID(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Create(path, id, true, testBeamData()); err != nil {
		t.Fatal(err)
	}

	// A bare granule ID resolves to its .nc file.
	r, err := Open(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if r.Path != path {
		t.Errorf("opened %s, want %s", r.Path, path)
	}
	r.Close()

	// A path that does not exist is searched for in the fallback data
	// directories.
	r, err = Open(filepath.Join("/no/such/dir", name+".nc"), "/also/missing", dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.Path != path {
		t.Errorf("opened %s, want %s", r.Path, path)
	}
	if r.ID != id {
		t.Errorf("reader ID is %+v, want %+v", r.ID, id)
	}
	r.Close()

	if _, err := Open(name, "/no/such/dir"); err == nil {
		t.Error("expected an error when no fallback directory holds the granule")
	} else if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("error has type %T, want *NotFoundError", err)
	}
}

func TestBoundingBox(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	r, err := Open(writeTestGranule(t, dir, true))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	b, err := r.BoundingBox(BeamAll)
	if err != nil {
		t.Fatal(err)
	}
	if b.Min.X != -105.504 || b.Max.X != -105.401 ||
		b.Min.Y != 45.001 || b.Max.Y != 45.102 {
		t.Errorf("bounding box is %+v", b)
	}

	b, err = r.BoundingBox(GT2R)
	if err != nil {
		t.Fatal(err)
	}
	if b.Min.X != -105.402 || b.Max.X != -105.401 ||
		b.Min.Y != 45.101 || b.Max.Y != 45.102 {
		t.Errorf("gt2r bounding box is %+v", b)
	}

	// A beam with no coordinates has no bounding box.
	b, err = r.BoundingBox(GT3L)
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Errorf("empty beam gave bounding box %+v", b)
	}
}

func TestQualityMask(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	r, err := Open(writeTestGranule(t, dir, true))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	m, err := r.QualityMask(GT1L, false)
	if err != nil {
		t.Fatal(err)
	}
	if want := []bool{true, true, true, true}; !reflect.DeepEqual(m, want) {
		t.Errorf("mask is %v, want %v", m, want)
	}

	// The last gt1l photon is flagged as both land and ocean, so
	// restricting to land-only surfaces excludes it.
	m, err = r.QualityMask(GT1L, true)
	if err != nil {
		t.Fatal(err)
	}
	if want := []bool{true, true, true, false}; !reflect.DeepEqual(m, want) {
		t.Errorf("land-only mask is %v, want %v", m, want)
	}
}

func TestQualityMaskQAFail(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	r, err := Open(writeTestGranule(t, dir, false))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if r.PassesQA() {
		t.Fatal("granule should fail QA")
	}
	m, err := r.QualityMask(BeamAll, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(m) != 6 {
		t.Fatalf("mask has %d values, want 6", len(m))
	}
	for i, v := range m {
		if v {
			t.Errorf("photon %d passed the mask of a granule that failed QA", i)
		}
	}
}

func TestCache(t *testing.T) {
	dir, err := ioutil.TempDir("", "granuletest")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path1 := writeTestGranule(t, dir, true)

	data := testBeamData()
	path2 := filepath.Join(dir, "ATL03_20190101020304_05670201_006_01.h5")
	id2, err := ParseID(path2)
	if err != nil {
		t.Fatal(err)
	}
	if err := Create(path2, id2, true, data); err != nil {
		t.Fatal(err)
	}

	c := NewCache(1)
	defer c.Close()
	r1, err := c.Open(path1)
	if err != nil {
		t.Fatal(err)
	}
	r1again, err := c.Open(path1)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r1again {
		t.Error("reopening a cached granule should return the same reader")
	}
	// Opening a second granule evicts the first from a size-1 cache.
	if _, err := c.Open(path2); err != nil {
		t.Fatal(err)
	}
	r1new, err := c.Open(path1)
	if err != nil {
		t.Fatal(err)
	}
	if r1new == r1 {
		t.Error("the first granule should have been evicted and reopened")
	}
}
