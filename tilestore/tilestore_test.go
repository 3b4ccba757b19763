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

package tilestore

import (
	"context"
	"io/ioutil"
	"os"
	"reflect"
	"testing"

	"github.com/ctessum/geom"

	"github.com/ciresdem/demval/granule"
)

func TestTileBoundsOf(t *testing.T) {
	tests := []struct {
		lon, lat   float64
		xmin, ymin float64
	}{
		{-105.6, 39.1, -105.75, 39.0},
		{-105.5, 39.1, -105.5, 39.0},  // on a shared edge: belongs to the eastern tile
		{0.1, -0.1, 0, -0.25},
		{179.99, -89.99, 179.75, -90},
	}
	for _, test := range tests {
		b := TileBoundsOf(test.lon, test.lat)
		if b.Min.X != test.xmin || b.Min.Y != test.ymin {
			t.Errorf("(%g, %g): tile min is (%g, %g), want (%g, %g)",
				test.lon, test.lat, b.Min.X, b.Min.Y, test.xmin, test.ymin)
		}
		if b.Max.X != test.xmin+TileSize || b.Max.Y != test.ymin+TileSize {
			t.Errorf("(%g, %g): tile max is (%g, %g)", test.lon, test.lat, b.Max.X, b.Max.Y)
		}
	}
}

func TestTileFilename(t *testing.T) {
	b := &geom.Bounds{
		Min: geom.Point{X: -120.25, Y: 34.5},
		Max: geom.Point{X: -120.0, Y: 34.75},
	}
	name := TileFilename(b)
	if want := "photon_tile_N34.50_W120.25_N34.75_W120.00.nc"; name != want {
		t.Errorf("got %s, want %s", name, want)
	}
	b2, err := ParseTileFilename(name)
	if err != nil {
		t.Fatal(err)
	}
	if *b2 != *b {
		t.Errorf("round trip gave %+v, want %+v", b2, b)
	}

	// Southern and eastern hemispheres, with single-digit degrees.
	b = TileBoundsOf(5.3, -9.8)
	name = TileFilename(b)
	if want := "photon_tile_S10.00_E005.25_S09.75_E005.50.nc"; name != want {
		t.Errorf("got %s, want %s", name, want)
	}
	b2, err = ParseTileFilename(name)
	if err != nil {
		t.Fatal(err)
	}
	if *b2 != *b {
		t.Errorf("round trip gave %+v, want %+v", b2, b)
	}

	for _, bad := range []string{
		"photon_tile_N34.50_W120.25_N34.75_W120.00.h5",
		"photon_tile_N34.50_W120.25_N34.75.nc",
		"photon_tile_N34.50_W120.25_N34.25_W120.00.nc", // empty bounds
		"sometile.nc",
	} {
		if _, err := ParseTileFilename(bad); err == nil {
			t.Errorf("%s: expected an error", bad)
		}
	}
}

func TestDateRange(t *testing.T) {
	r, err := NewDateRange("20181001", "20190301")
	if err != nil {
		t.Fatal(err)
	}
	for date, want := range map[string]bool{
		"20181001": true, // the range is closed
		"20190301": true,
		"20181215": true,
		"20180930": false,
		"20190302": false,
	} {
		if got := r.Contains(date); got != want {
			t.Errorf("Contains(%s) = %v, want %v", date, got, want)
		}
	}
	if !r.Overlaps("20190301", "20190401") {
		t.Error("ranges sharing one day should overlap")
	}
	if r.Overlaps("20190302", "20190401") {
		t.Error("disjoint ranges should not overlap")
	}
	unbounded := DateRange{}
	if !unbounded.Contains("19000101") || !unbounded.Overlaps("", "") {
		t.Error("the zero range should match all dates")
	}
	if _, err := NewDateRange("2018-10-01", ""); err == nil {
		t.Error("expected an error for a malformed date")
	}
	if _, err := NewDateRange("20190301", "20181001"); err == nil {
		t.Error("expected an error for an inverted range")
	}
}

func TestPhotonFilter(t *testing.T) {
	f := DefaultPhotonFilter
	p := Photon{Quality: 0, ConfLand: 4, Class: ClassGround}
	if !f.Keep(&p) {
		t.Error("a nominal ground photon should pass")
	}
	p2 := p
	p2.Class = ClassTopCanopy
	if !f.Keep(&p2) {
		t.Error("canopy photons should pass the default filter")
	}
	p3 := p
	p3.Class = ClassNoise
	if f.Keep(&p3) {
		t.Error("noise photons should not pass")
	}
	p4 := p
	p4.Quality = 1
	if f.Keep(&p4) {
		t.Error("flagged photons should not pass")
	}
	p5 := p
	p5.ConfLand = 2
	if f.Keep(&p5) {
		t.Error("low-confidence photons should not pass")
	}
	p6 := p
	p6.ConfLand, p6.ConfLandIce = 0, 4
	if !f.Keep(&p6) {
		t.Error("photons confident over land ice should pass")
	}
}

var testGranule2018 = granule.ID{Time: 20181014001049, Track: 235010300602}
var testGranule2019 = granule.ID{Time: 20190301120000, Track: 567020100601}

// testPhotons returns photons spanning two adjacent tiles. The first
// three fall in the tile west of 105.5 degrees west and carry a 2018
// granule ID; the last two fall in the tile east of it and carry a
// 2019 granule ID.
func testPhotons() []Photon {
	return []Photon{
		{Lon: -105.6, Lat: 39.1, Height: 2101.5, DeltaTime: 10.0, Beam: granule.GT1L,
			Class: ClassGround, ConfLand: 4, Granule: testGranule2018},
		{Lon: -105.59, Lat: 39.11, Height: 2102.5, DeltaTime: 10.1, Beam: granule.GT1L,
			Class: ClassGround, ConfLand: 4, Granule: testGranule2018},
		{Lon: -105.58, Lat: 39.12, Height: 2130.0, DeltaTime: 10.2, Beam: granule.GT1R,
			Class: ClassCanopy, ConfLand: 4, Granule: testGranule2018},
		{Lon: -105.5, Lat: 39.1, Height: 2050.0, DeltaTime: 20.0, Beam: granule.GT2L,
			Class: ClassGround, ConfLand: 4, Granule: testGranule2019},
		{Lon: -105.3, Lat: 39.2, Height: 2055.0, DeltaTime: 20.1, Beam: granule.GT2L,
			Class: ClassGround, ConfLandIce: 4, Granule: testGranule2019},
	}
}

func newTestStore(t *testing.T) (*Store, func()) {
	dir, err := ioutil.TempDir("", "tilestoretest")
	if err != nil {
		t.Fatal(err)
	}
	s, err := OpenStore(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return s, func() { os.RemoveAll(dir) }
}

func TestStoreRoundTrip(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	photons := testPhotons()
	if err := s.Absorb(photons); err != nil {
		t.Fatal(err)
	}

	west := TileFilename(TileBoundsOf(-105.6, 39.1))
	tile, err := s.Load(context.Background(), west)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(tile.Photons, photons[:3]) {
		t.Errorf("western tile photons are %+v, want %+v", tile.Photons, photons[:3])
	}
	if tile.StartDate != "20181014" || tile.EndDate != "20181014" {
		t.Errorf("western tile dates are %s to %s", tile.StartDate, tile.EndDate)
	}

	// Loading the same tile again hits the memory cache.
	again, err := s.Load(context.Background(), west)
	if err != nil {
		t.Fatal(err)
	}
	if again != tile {
		t.Error("a second load should return the cached tile")
	}

	east := TileFilename(TileBoundsOf(-105.5, 39.1))
	tile, err = s.Load(context.Background(), east)
	if err != nil {
		t.Fatal(err)
	}
	// The photon on the shared edge at 105.5 west belongs to the
	// eastern tile.
	if len(tile.Photons) != 2 {
		t.Fatalf("eastern tile has %d photons, want 2", len(tile.Photons))
	}
	if tile.StartDate != "20190301" || tile.EndDate != "20190301" {
		t.Errorf("eastern tile dates are %s to %s", tile.StartDate, tile.EndDate)
	}
}

func TestStoreLoadMissing(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	_, err := s.Load(context.Background(), "photon_tile_N00.00_E000.00_N00.25_E000.25.nc")
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*TileNotFoundError); !ok {
		t.Fatalf("error has type %T, want *TileNotFoundError", err)
	}
}

func TestStoreQuery(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	if err := s.Absorb(testPhotons()); err != nil {
		t.Fatal(err)
	}

	// A box inside the western tile only.
	entries, err := s.Tiles(&geom.Bounds{
		Min: geom.Point{X: -105.7, Y: 39.05},
		Max: geom.Point{X: -105.55, Y: 39.15},
	}, DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d tiles, want 1", len(entries))
	}
	e := entries[0]
	if e.NumPhotons != 3 || e.NumGround != 2 || e.NumCanopy != 1 {
		t.Errorf("western tile counts are %d/%d/%d", e.NumPhotons, e.NumGround, e.NumCanopy)
	}

	// A box that only touches the western tile's eastern edge must not
	// return it.
	entries, err = s.Tiles(&geom.Bounds{
		Min: geom.Point{X: -105.5, Y: 39.05},
		Max: geom.Point{X: -105.4, Y: 39.15},
	}, DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Bounds.Min.X != -105.5 {
		t.Errorf("edge query returned %+v", entries)
	}

	// Date filtering excludes the 2019 tile.
	entries, err = s.Tiles(&geom.Bounds{
		Min: geom.Point{X: -106, Y: 39},
		Max: geom.Point{X: -105, Y: 40},
	}, DateRange{Start: "20180101", End: "20181231"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].StartDate != "20181014" {
		t.Errorf("date query returned %+v", entries)
	}

	// A nil bounds matches everything.
	entries, err = s.Tiles(nil, DateRange{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("nil-bounds query returned %d tiles, want 2", len(entries))
	}
}

func TestStoreIndexPersistence(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	if err := s.Absorb(testPhotons()); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same directory reads the saved index file.
	s2, err := OpenStore(s.Dir)
	if err != nil {
		t.Fatal(err)
	}
	index, err := s2.Index()
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 2 {
		t.Fatalf("index has %d entries, want 2", len(index))
	}
	total := 0
	for _, e := range index {
		total += e.NumPhotons
	}
	if total != 5 {
		t.Errorf("index counts %d photons, want 5", total)
	}

	// Removing the index file falls back to scanning the tiles.
	if err := os.Remove(s.Dir + "/" + IndexFilename); err != nil {
		t.Fatal(err)
	}
	s3, err := OpenStore(s.Dir)
	if err != nil {
		t.Fatal(err)
	}
	index, err = s3.Index()
	if err != nil {
		t.Fatal(err)
	}
	if len(index) != 2 {
		t.Fatalf("scanned index has %d entries, want 2", len(index))
	}
}

func TestStoreAbsorbAppends(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	photons := testPhotons()
	if err := s.Absorb(photons[:2]); err != nil {
		t.Fatal(err)
	}
	if err := s.Absorb(photons[2:3]); err != nil {
		t.Fatal(err)
	}
	tile, err := s.readTile(TileFilename(TileBoundsOf(-105.6, 39.1)))
	if err != nil {
		t.Fatal(err)
	}
	if len(tile.Photons) != 3 {
		t.Errorf("tile has %d photons after two absorbs, want 3", len(tile.Photons))
	}
}

func TestWriteRejectsStrayPhotons(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	tile := &Tile{
		Bounds:  TileBoundsOf(-105.6, 39.1),
		Photons: []Photon{{Lon: -105.1, Lat: 39.1}},
	}
	if err := s.Write(tile); err == nil {
		t.Fatal("expected an error for a photon outside the tile bounds")
	}
}

func TestIndexWithin(t *testing.T) {
	photons := testPhotons()
	ix := NewIndex(photons)
	if ix.Len() != len(photons) {
		t.Fatalf("index holds %d photons, want %d", ix.Len(), len(photons))
	}
	got := ix.Within(&geom.Bounds{
		Min: geom.Point{X: -105.6, Y: 39.0},
		Max: geom.Point{X: -105.5, Y: 39.25},
	})
	// The half-open bounds include the photon on the western edge at
	// 105.6 west and exclude the one on the eastern edge at 105.5 west.
	if len(got) != 3 {
		t.Fatalf("query returned %d photons, want 3", len(got))
	}
	for _, p := range got {
		if p.Lon >= -105.5 || p.Lon < -105.6 {
			t.Errorf("photon at %g is outside the queried bounds", p.Lon)
		}
	}
}
