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

// Package tilestore manages a database of classified ICESat-2 photons
// stored as quarter-degree geographic tiles.
//
// Each tile is a NetCDF file holding the photons whose coordinates
// fall within one cell of a regular 0.25 by 0.25 degree grid aligned
// to the globe, named after the cell's bounds. A store is a directory
// of tiles together with an index file that summarizes the bounds,
// photon counts, and acquisition dates of every tile, so that queries
// can be answered without opening the tiles themselves.
package tilestore

import (
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"

	"github.com/ciresdem/demval/granule"
)

// TileSize is the edge length of a photon tile in degrees.
const TileSize = 0.25

// DataVersion is the version of the tile file format. Stores written
// with a different version cannot be read.
const DataVersion = "1.2"

// Photon classification codes, following the ATL08 land
// classification scheme.
const (
	ClassUnclassified = -1
	ClassNoise        = 0
	ClassGround       = 1
	ClassCanopy       = 2
	ClassTopCanopy    = 3
)

// A Photon is one classified photon return.
type Photon struct {
	Lon, Lat  float64 // WGS84 degrees
	Height    float64 // meters above the reference surface
	DeltaTime float64 // seconds since the ATLAS epoch

	Beam granule.Beam

	// Class is the land classification code assigned to the photon.
	Class int16

	// Quality is the photon quality flag; 0 is nominal.
	Quality int16

	// ConfLand and ConfLandIce are the signal confidence levels over
	// land and land-ice surfaces, from 0 to 4.
	ConfLand, ConfLandIce int16

	// Granule identifies the granule the photon came from.
	Granule granule.ID
}

// A Tile holds the photons falling within one cell of the tile grid.
type Tile struct {
	// Bounds is the geographic extent of the tile. Tiles are half-open:
	// they contain the points at their minimum edges but not their
	// maximum edges.
	Bounds *geom.Bounds

	// StartDate and EndDate are the earliest and latest acquisition
	// dates of the granules contributing photons, in YYYYMMDD form.
	StartDate, EndDate string

	Photons []Photon
}

// Name returns the canonical file name for the tile.
func (t *Tile) Name() string {
	return TileFilename(t.Bounds)
}

// countClasses returns the number of ground-classified and
// canopy-classified photons in the tile.
func (t *Tile) countClasses() (ground, canopy int) {
	for i := range t.Photons {
		switch {
		case t.Photons[i].Class == ClassGround:
			ground++
		case t.Photons[i].Class >= ClassCanopy:
			canopy++
		}
	}
	return ground, canopy
}

// A TileIndexEntry summarizes one tile in a store's index.
type TileIndexEntry struct {
	// Name is the tile's file name within the store.
	Name string

	Bounds *geom.Bounds

	// StartDate and EndDate are the tile's acquisition date range in
	// YYYYMMDD form.
	StartDate, EndDate string

	NumPhotons int
	NumGround  int
	NumCanopy  int
}

// TileBoundsOf returns the bounds of the tile grid cell containing the
// given point. Cells are half-open, so a point on an edge shared by
// two tiles belongs to the tile whose minimum edge it lies on.
func TileBoundsOf(lon, lat float64) *geom.Bounds {
	x := math.Floor(lon/TileSize) * TileSize
	y := math.Floor(lat/TileSize) * TileSize
	return &geom.Bounds{
		Min: geom.Point{X: x, Y: y},
		Max: geom.Point{X: x + TileSize, Y: y + TileSize},
	}
}

// overlapsStrictly reports whether two bounds share interior area
// rather than merely touching at an edge or corner.
func overlapsStrictly(a, b *geom.Bounds) bool {
	return a.Min.X < b.Max.X && a.Max.X > b.Min.X &&
		a.Min.Y < b.Max.Y && a.Max.Y > b.Min.Y
}

// A PhotonFilter screens out low-quality photon returns.
type PhotonFilter struct {
	// MaxQuality is the highest quality flag value to keep; the flag
	// is 0 for nominal photons.
	MaxQuality int16

	// MinConfidence is the signal confidence a photon must reach over
	// either land or land-ice surfaces, from 0 to 4.
	MinConfidence int16

	// MinClass is the lowest classification code to keep. The default
	// of ClassGround excludes noise and unclassified photons while
	// keeping ground and canopy returns.
	MinClass int16
}

// DefaultPhotonFilter keeps nominal-quality, high-confidence photons
// that have been classified as ground or canopy.
var DefaultPhotonFilter = PhotonFilter{
	MaxQuality:    0,
	MinConfidence: 4,
	MinClass:      ClassGround,
}

// Keep reports whether the photon passes the filter.
func (f PhotonFilter) Keep(p *Photon) bool {
	return p.Quality <= f.MaxQuality &&
		(p.ConfLand >= f.MinConfidence || p.ConfLandIce >= f.MinConfidence) &&
		p.Class >= f.MinClass
}

// A DateRange is a closed range of acquisition dates in YYYYMMDD form.
// An empty Start or End leaves that side of the range unbounded, so
// the zero value matches all dates.
type DateRange struct {
	Start, End string
}

// NewDateRange validates the given dates and returns the range they
// span.
func NewDateRange(start, end string) (DateRange, error) {
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("20060102", d); err != nil {
			return DateRange{}, fmt.Errorf("tilestore: invalid date %q; dates must be in YYYYMMDD form", d)
		}
	}
	if start != "" && end != "" && end < start {
		return DateRange{}, fmt.Errorf("tilestore: date range end %s is before start %s", end, start)
	}
	return DateRange{Start: start, End: end}, nil
}

// Contains reports whether the given YYYYMMDD date falls within the
// range. Dates in YYYYMMDD form order lexicographically.
func (r DateRange) Contains(date string) bool {
	if r.Start != "" && date < r.Start {
		return false
	}
	if r.End != "" && date > r.End {
		return false
	}
	return true
}

// Overlaps reports whether the closed date range [start, end] shares
// any date with r.
func (r DateRange) Overlaps(start, end string) bool {
	if r.Start != "" && end != "" && end < r.Start {
		return false
	}
	if r.End != "" && start != "" && start > r.End {
		return false
	}
	return true
}
