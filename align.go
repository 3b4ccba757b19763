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
	"math"
	"regexp"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"

	"github.com/ciresdem/demval/tilestore"
)

// photonProj4 is the spatial reference photons are stored in.
const photonProj4 = "+proj=longlat +datum=WGS84 +no_defs"

// A ProjectionError indicates that coordinates could not be converted
// between the photon and DEM spatial reference systems.
type ProjectionError struct {
	FromCRS, ToCRS string
	Err            error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("demval: projecting from %q to %q: %v", e.FromCRS, e.ToCRS, e.Err)
}

var (
	epsgRE    = regexp.MustCompile(`(?i)^epsg:([0-9]+)(?:\+[0-9]+)?$`)
	utmNameRE = regexp.MustCompile(`(?i)\butm zone ([0-9]{1,2})\s*([ns])\b`)
)

// proj4FromEPSG gives PROJ.4 definitions for the EPSG codes DEMs
// commonly use.
func proj4FromEPSG(code int) (string, error) {
	switch {
	case code == 4326:
		return "+proj=longlat +datum=WGS84 +no_defs", nil
	case code == 4269:
		return "+proj=longlat +datum=NAD83 +no_defs", nil
	case code == 3857:
		return "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +no_defs", nil
	case code >= 32601 && code <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", code-32600), nil
	case code >= 32701 && code <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", code-32700), nil
	case code >= 26901 && code <= 26923:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=NAD83 +units=m +no_defs", code-26900), nil
	default:
		return "", fmt.Errorf("demval: EPSG:%d is not a supported code; supply a PROJ.4 string instead", code)
	}
}

// ParseSR parses a spatial reference description. It accepts PROJ.4
// strings, WKT, EPSG codes such as "EPSG:32613", and the names of
// common systems such as "WGS84" or "NAD83 / UTM zone 13N". Compound
// descriptions that pair a horizontal system with a vertical one,
// such as "NAD83 + NAVD88 height" or "EPSG:4269+5703", resolve to
// their horizontal part; NAD83-based descriptions without projection
// details fall back to EPSG:4269.
func ParseSR(desc string) (*proj.SR, error) {
	s := strings.TrimSpace(desc)
	if s == "" {
		return nil, fmt.Errorf("demval: empty spatial reference description")
	}
	if m := epsgRE.FindStringSubmatch(s); m != nil {
		code := 0
		fmt.Sscanf(m[1], "%d", &code)
		p4, err := proj4FromEPSG(code)
		if err != nil {
			return nil, err
		}
		return proj.Parse(p4)
	}
	if strings.HasPrefix(s, "+") {
		return proj.Parse(s)
	}
	if looksLikeWKT(s) {
		sr, err := proj.Parse(s)
		if err == nil {
			return sr, nil
		}
		// Coastal DEMs on NAD83 carry WKT variants the parser does not
		// recognize, usually compound systems with a tidal or NAVD88
		// vertical datum. When the horizontal system is geographic
		// NAD83, EPSG:4269 describes it.
		horizontal := s
		if i := strings.Index(s, "VERT_CS"); i != -1 {
			horizontal = s[:i]
		}
		if !strings.Contains(horizontal, "PROJCS") && strings.Contains(horizontal, `GEOGCS["NAD83`) {
			return ParseSR("EPSG:4269")
		}
		return nil, err
	}
	if i := strings.Index(s, " + "); i != -1 {
		return ParseSR(s[:i])
	}
	datum := "WGS84"
	if strings.Contains(strings.ToUpper(s), "NAD83") {
		datum = "NAD83"
	}
	if m := utmNameRE.FindStringSubmatch(s); m != nil {
		zone := 0
		fmt.Sscanf(m[1], "%d", &zone)
		south := ""
		if strings.EqualFold(m[2], "s") {
			south = "+south "
		}
		return proj.Parse(fmt.Sprintf("+proj=utm +zone=%d %s+datum=%s +units=m +no_defs", zone, south, datum))
	}
	switch strings.ToUpper(strings.Replace(s, " ", "", -1)) {
	case "WGS84":
		return ParseSR("EPSG:4326")
	case "NAD83":
		return ParseSR("EPSG:4269")
	}
	if datum == "NAD83" {
		return ParseSR("EPSG:4269")
	}
	return nil, fmt.Errorf("demval: cannot interpret spatial reference %q", desc)
}

func looksLikeWKT(s string) bool {
	for _, w := range []string{"GEOGCS", "GEOCCS", "PROJCS", "LOCAL_CS"} {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// LonLatBounds returns the geographic bounding box of the raster,
// for querying the tile store. The box is taken over the corners and
// edge midpoints of the raster extent, since projected edges curve in
// geographic coordinates.
func (r *Raster) LonLatBounds() (*geom.Bounds, error) {
	if r.CRS == "" {
		return nil, fmt.Errorf("demval: raster has no spatial reference")
	}
	src, err := ParseSR(r.CRS)
	if err != nil {
		return nil, &ProjectionError{FromCRS: r.CRS, ToCRS: photonProj4, Err: err}
	}
	dst, err := proj.Parse(photonProj4)
	if err != nil {
		return nil, &ProjectionError{FromCRS: r.CRS, ToCRS: photonProj4, Err: err}
	}
	transform, err := src.NewTransform(dst)
	if err != nil {
		return nil, &ProjectionError{FromCRS: r.CRS, ToCRS: photonProj4, Err: err}
	}
	ny, nx := float64(r.Ny), float64(r.Nx)
	b := geom.NewBounds()
	for _, c := range [8][2]float64{
		{0, 0}, {nx, 0}, {0, ny}, {nx, ny},
		{nx / 2, 0}, {0, ny / 2}, {nx, ny / 2}, {nx / 2, ny},
	} {
		x, y := r.Apply(c[0], c[1])
		lon, lat, err := transform(x, y)
		if err != nil {
			return nil, &ProjectionError{FromCRS: r.CRS, ToCRS: photonProj4, Err: err}
		}
		b.Extend(geom.NewBoundsPoint(geom.Point{X: lon, Y: lat}))
	}
	return b, nil
}

// An AlignedPhoton is a photon that has been assigned to a raster
// cell. U and V are its fractional position within cell (I, J), in
// [0, 1), measured along the column and row axes respectively.
type AlignedPhoton struct {
	I, J   int
	U, V   float64
	Height float64
	Class  int16
}

// An Aligner converts photon coordinates into the cells of a DEM
// raster. Aligners are not safe for concurrent use; each worker
// creates its own.
type Aligner struct {
	r         *Raster
	transform proj.Transformer

	// Dropped counts the photons that fell outside the raster extent.
	Dropped int
}

// NewAligner creates an Aligner targeting the given raster.
func NewAligner(r *Raster) (*Aligner, error) {
	if r.CRS == "" {
		return nil, fmt.Errorf("demval: raster has no spatial reference")
	}
	src, err := proj.Parse(photonProj4)
	if err != nil {
		return nil, &ProjectionError{FromCRS: photonProj4, ToCRS: r.CRS, Err: err}
	}
	dst, err := ParseSR(r.CRS)
	if err != nil {
		return nil, &ProjectionError{FromCRS: photonProj4, ToCRS: r.CRS, Err: err}
	}
	transform, err := src.NewTransform(dst)
	if err != nil {
		return nil, &ProjectionError{FromCRS: photonProj4, ToCRS: r.CRS, Err: err}
	}
	return &Aligner{r: r, transform: transform}, nil
}

// Align projects the given photons into the raster's coordinate
// system and assigns each to its cell, preserving the photon order.
// Photons that fall outside the raster are dropped and counted in
// Dropped. A projection failure aborts the batch with a
// *ProjectionError, because a failure for one photon means the
// coordinate systems are incompatible for all of them.
func (a *Aligner) Align(photons []tilestore.Photon) ([]AlignedPhoton, error) {
	out := make([]AlignedPhoton, 0, len(photons))
	for k := range photons {
		p := &photons[k]
		x, y, err := a.transform(p.Lon, p.Lat)
		if err != nil {
			return nil, &ProjectionError{FromCRS: photonProj4, ToCRS: a.r.CRS, Err: err}
		}
		col, row := a.r.locate(x, y)
		i, j := int(math.Floor(row)), int(math.Floor(col))
		if i < 0 || i >= a.r.Ny || j < 0 || j >= a.r.Nx {
			a.Dropped++
			continue
		}
		out = append(out, AlignedPhoton{
			I: i, J: j,
			U: col - float64(j), V: row - float64(i),
			Height: p.Height,
			Class:  p.Class,
		})
	}
	return out, nil
}
