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
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/ctessum/geom/proj"

	"github.com/ciresdem/demval/tilestore"
)

func TestParseSR(t *testing.T) {
	tests := []struct {
		desc string
		ok   bool
	}{
		{"EPSG:4326", true},
		{"epsg:32613", true},
		{"EPSG:26913", true},
		{"EPSG:32722", true},
		{"EPSG:4269+5703", true},
		{"+proj=utm +zone=13 +datum=WGS84 +units=m +no_defs", true},
		{"WGS84", true},
		{"NAD83", true},
		{"NAD83 + NAVD88 height", true},
		{"NAD83(2011) / UTM zone 13N", true},
		{`COMPD_CS["NAD83 + NAVD88 height",GEOGCS["NAD83",DATUM["North_American_Datum_1983",SPHEROID["GRS 1980",6378137,298.257222101]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],VERT_CS["NAVD88 height",VERT_DATUM["North American Vertical Datum 1988",2005],UNIT["metre",1]]]`, true},
		{"", false},
		{"EPSG:99999", false},
		{"banana", false},
	}
	for _, test := range tests {
		sr, err := ParseSR(test.desc)
		if test.ok && err != nil {
			t.Errorf("ParseSR(%q): %v", test.desc, err)
		} else if !test.ok && err == nil {
			t.Errorf("ParseSR(%q) = %+v, want error", test.desc, sr)
		}
	}
}

func TestTransformUTM(t *testing.T) {
	src, err := proj.Parse(photonProj4)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := ParseSR("EPSG:32613")
	if err != nil {
		t.Fatal(err)
	}
	transform, err := src.NewTransform(dst)
	if err != nil {
		t.Fatal(err)
	}
	// The central meridian of UTM zone 13 at the equator maps to the
	// false easting.
	x, y, err := transform(-105, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(x-500000) > 0.1 || math.Abs(y) > 0.1 {
		t.Errorf("(-105, 0) maps to (%g, %g), want (500000, 0)", x, y)
	}
}

func TestAligner(t *testing.T) {
	r := testRaster(t, flatElevs(1))
	a, err := NewAligner(r)
	if err != nil {
		t.Fatal(err)
	}
	photons := []tilestore.Photon{
		{Lon: 0.5, Lat: 3.5, Height: 10, Class: tilestore.ClassGround},
		{Lon: 2.25, Lat: 1.75, Height: 11, Class: tilestore.ClassCanopy},
		{Lon: -1, Lat: 1, Height: 12, Class: tilestore.ClassGround},
		{Lon: 3.5, Lat: 0.5, Height: 13, Class: tilestore.ClassGround},
	}
	aligned, err := a.Align(photons)
	if err != nil {
		t.Fatal(err)
	}
	want := []AlignedPhoton{
		{I: 0, J: 0, U: 0.5, V: 0.5, Height: 10, Class: tilestore.ClassGround},
		{I: 2, J: 2, U: 0.25, V: 0.25, Height: 11, Class: tilestore.ClassCanopy},
		{I: 3, J: 3, U: 0.5, V: 0.5, Height: 13, Class: tilestore.ClassGround},
	}
	if len(aligned) != len(want) {
		t.Fatalf("aligned %d photons, want %d", len(aligned), len(want))
	}
	for k, w := range want {
		g := aligned[k]
		if g.I != w.I || g.J != w.J || g.Height != w.Height || g.Class != w.Class {
			t.Errorf("photon %d: got %+v, want %+v", k, g, w)
		}
		if different(g.U, w.U) || different(g.V, w.V) {
			t.Errorf("photon %d: in-cell position (%g, %g), want (%g, %g)",
				k, g.U, g.V, w.U, w.V)
		}
	}
	if a.Dropped != 1 {
		t.Errorf("dropped %d photons, want 1", a.Dropped)
	}
}

func TestAlignerBadCRS(t *testing.T) {
	r := testRaster(t, flatElevs(1))
	r.CRS = "banana"
	if _, err := NewAligner(r); err == nil {
		t.Error("expected an error for an uninterpretable CRS")
	} else if _, ok := err.(*ProjectionError); !ok {
		t.Errorf("error has type %T, want *ProjectionError", err)
	}
	r.CRS = ""
	if _, err := NewAligner(r); err == nil {
		t.Error("expected an error for a missing CRS")
	}
}

func TestProjectionErrorMessage(t *testing.T) {
	err := &ProjectionError{FromCRS: "a", ToCRS: "b", Err: errors.New("no such transform")}
	if !strings.Contains(err.Error(), "\"a\"") || !strings.Contains(err.Error(), "\"b\"") {
		t.Errorf("unhelpful error message %q", err.Error())
	}
}

func TestLonLatBounds(t *testing.T) {
	r := testRaster(t, flatElevs(1))
	b, err := r.LonLatBounds()
	if err != nil {
		t.Fatal(err)
	}
	if different(b.Min.X, 0) || different(b.Min.Y, 0) ||
		different(b.Max.X, 4) || different(b.Max.Y, 4) {
		t.Errorf("got bounds %+v, want (0, 0) to (4, 4)", b)
	}
}
