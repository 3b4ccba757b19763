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
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// An Index provides spatial lookup of individual photons within
// loaded tiles. Tile-to-area matching uses grid arithmetic on the
// regular tile grid; this index serves the finer-grained queries
// within a tile, such as clipping a tile's photons to the extent of a
// DEM that only partly overlaps it.
type Index struct {
	photons []Photon
	tree    *rtree.Rtree
}

type photonEntry struct {
	b *geom.Bounds
	i int
}

func (e *photonEntry) Bounds() *geom.Bounds { return e.b }

// NewIndex builds an index over the given photons. The photons are
// kept by reference, so the caller must not modify the slice while
// the index is in use.
func NewIndex(photons []Photon) *Index {
	ix := &Index{
		photons: photons,
		tree:    rtree.NewTree(25, 50),
	}
	for i := range photons {
		p := &photons[i]
		ix.tree.Insert(&photonEntry{
			b: geom.NewBoundsPoint(geom.Point{X: p.Lon, Y: p.Lat}),
			i: i,
		})
	}
	return ix
}

// Len returns the number of photons in the index.
func (ix *Index) Len() int { return len(ix.photons) }

// Within returns the photons falling within the given bounds. The
// bounds are half-open: photons on the minimum edges are included and
// photons on the maximum edges are not, matching the cell convention
// used throughout the validation grid.
func (ix *Index) Within(b *geom.Bounds) []Photon {
	var out []Photon
	for _, item := range ix.tree.SearchIntersect(b) {
		e := item.(*photonEntry)
		p := &ix.photons[e.i]
		if p.Lon < b.Min.X || p.Lon >= b.Max.X || p.Lat < b.Min.Y || p.Lat >= b.Max.Y {
			continue
		}
		out = append(out, *p)
	}
	return out
}
