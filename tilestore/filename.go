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
	"fmt"
	"regexp"
	"strconv"

	"github.com/ctessum/geom"
)

// TileFilename returns the canonical file name for a tile with the
// given bounds. The tile spanning 34.5 to 34.75 degrees north and
// 120.25 to 120 degrees west is named
// photon_tile_N34.50_W120.25_N34.75_W120.00.nc.
func TileFilename(b *geom.Bounds) string {
	return fmt.Sprintf("photon_tile_%s_%s_%s_%s.nc",
		formatLat(b.Min.Y), formatLon(b.Min.X),
		formatLat(b.Max.Y), formatLon(b.Max.X))
}

func formatLat(v float64) string {
	ns := "N"
	if v < 0 {
		ns = "S"
		v = -v
	}
	return fmt.Sprintf("%s%05.2f", ns, v)
}

func formatLon(v float64) string {
	ew := "E"
	if v < 0 {
		ew = "W"
		v = -v
	}
	return fmt.Sprintf("%s%06.2f", ew, v)
}

var tileFilenameRE = regexp.MustCompile(
	`^photon_tile_([NS])(\d{2}\.\d{2})_([EW])(\d{3}\.\d{2})_([NS])(\d{2}\.\d{2})_([EW])(\d{3}\.\d{2})\.nc$`)

// ParseTileFilename extracts the tile bounds encoded in a tile file
// name created by TileFilename.
func ParseTileFilename(name string) (*geom.Bounds, error) {
	m := tileFilenameRE.FindStringSubmatch(name)
	if m == nil {
		return nil, fmt.Errorf("tilestore: %s is not a valid tile file name", name)
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(m[2*i+2], 64)
		if err != nil {
			return nil, fmt.Errorf("tilestore: parsing tile file name %s: %v", name, err)
		}
		hemi := m[2*i+1]
		if hemi == "S" || hemi == "W" {
			v = -v
		}
		vals[i] = v
	}
	b := &geom.Bounds{
		Min: geom.Point{X: vals[1], Y: vals[0]},
		Max: geom.Point{X: vals[3], Y: vals[2]},
	}
	if b.Min.X >= b.Max.X || b.Min.Y >= b.Max.Y {
		return nil, fmt.Errorf("tilestore: tile file name %s encodes empty bounds", name)
	}
	return b, nil
}
