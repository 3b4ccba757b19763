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
	"os"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"
)

// A Raster is a gridded digital elevation model. Cell (i, j) refers to
// row i and column j, counted from the upper-left corner of the grid.
// Cells are half-open: a point on the boundary between two cells
// belongs to the cell it is the minimum corner of.
type Raster struct {
	// GeoTransform is the affine transform from cell indices to
	// projected coordinates, in the ordering
	// {x0, dx, rx, y0, ry, dy} so that the projected coordinates of
	// fractional column c and row r are
	// x = x0 + c*dx + r*rx and y = y0 + c*ry + r*dy.
	// dy is negative for north-up rasters.
	GeoTransform [6]float64

	// CRS describes the spatial reference system of the projected
	// coordinates, either as an EPSG code such as "EPSG:32613" or as a
	// PROJ.4 string.
	CRS string

	// NoData is the value marking cells that hold no elevation.
	NoData float64

	// Elev holds the elevation values with shape [ny, nx].
	Elev *sparse.DenseArray

	Ny, Nx int

	// inverse affine transform from projected coordinates to
	// fractional cell indices.
	inv [6]float64
}

// NewRaster creates a raster with the given geotransform and
// elevations. The elevation array must have shape [ny, nx].
func NewRaster(gt [6]float64, crs string, noData float64, elev *sparse.DenseArray) (*Raster, error) {
	if len(elev.Shape) != 2 {
		return nil, fmt.Errorf("demval: raster data has %d dimensions, expected 2", len(elev.Shape))
	}
	r := &Raster{
		GeoTransform: gt,
		CRS:          crs,
		NoData:       noData,
		Elev:         elev,
		Ny:           elev.Shape[0],
		Nx:           elev.Shape[1],
	}
	if err := r.invert(); err != nil {
		return nil, err
	}
	return r, nil
}

// invert computes the inverse of the geotransform.
func (r *Raster) invert() error {
	gt := r.GeoTransform
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return fmt.Errorf("demval: raster has a degenerate geotransform %v", gt)
	}
	r.inv[1] = gt[5] / det
	r.inv[2] = -gt[2] / det
	r.inv[4] = -gt[4] / det
	r.inv[5] = gt[1] / det
	r.inv[0] = -(r.inv[1]*gt[0] + r.inv[2]*gt[3])
	r.inv[3] = -(r.inv[4]*gt[0] + r.inv[5]*gt[3])
	return nil
}

// Apply converts the fractional cell indices (col, row) to projected
// coordinates.
func (r *Raster) Apply(col, row float64) (x, y float64) {
	gt := r.GeoTransform
	x = gt[0] + col*gt[1] + row*gt[2]
	y = gt[3] + col*gt[4] + row*gt[5]
	return x, y
}

// locate converts the projected point (x, y) to fractional cell
// indices.
func (r *Raster) locate(x, y float64) (col, row float64) {
	col = r.inv[0] + x*r.inv[1] + y*r.inv[2]
	row = r.inv[3] + x*r.inv[4] + y*r.inv[5]
	return col, row
}

// CellOf returns the indices of the cell containing the projected
// point (x, y), and whether that cell lies within the raster.
func (r *Raster) CellOf(x, y float64) (i, j int, ok bool) {
	col, row := r.locate(x, y)
	i, j = int(math.Floor(row)), int(math.Floor(col))
	return i, j, i >= 0 && i < r.Ny && j >= 0 && j < r.Nx
}

// ElevAt returns the elevation of cell (i, j).
func (r *Raster) ElevAt(i, j int) float64 {
	return r.Elev.Get(i, j)
}

// IsNoData reports whether v is the raster's missing-value marker.
func (r *Raster) IsNoData(v float64) bool {
	return v == r.NoData || math.IsNaN(v)
}

// CellCenter returns the projected coordinates of the center of cell
// (i, j).
func (r *Raster) CellCenter(i, j int) (x, y float64) {
	return r.Apply(float64(j)+0.5, float64(i)+0.5)
}

// CellBounds returns the projected extent of cell (i, j).
func (r *Raster) CellBounds(i, j int) *geom.Bounds {
	b := geom.NewBounds()
	for _, c := range [4][2]float64{
		{float64(j), float64(i)},
		{float64(j + 1), float64(i)},
		{float64(j), float64(i + 1)},
		{float64(j + 1), float64(i + 1)},
	} {
		x, y := r.Apply(c[0], c[1])
		b.Extend(geom.NewBoundsPoint(geom.Point{X: x, Y: y}))
	}
	return b
}

// Bounds returns the projected extent of the whole raster.
func (r *Raster) Bounds() *geom.Bounds {
	b := geom.NewBounds()
	b.Extend(r.CellBounds(0, 0))
	b.Extend(r.CellBounds(r.Ny-1, r.Nx-1))
	return b
}

// LoadRaster reads a DEM from a NetCDF file.
func LoadRaster(rw cdf.ReaderWriterAt) (*Raster, error) {
	f, err := cdf.Open(rw)
	if err != nil {
		return nil, fmt.Errorf("demval: reading raster: %v", err)
	}
	gtAttr, ok := f.Header.GetAttribute("", "geotransform").([]float64)
	if !ok || len(gtAttr) != 6 {
		return nil, fmt.Errorf("demval: raster is missing its geotransform attribute")
	}
	var gt [6]float64
	copy(gt[:], gtAttr)
	crs, _ := f.Header.GetAttribute("", "crs").(string)
	noData := math.NaN()
	if nd, ok := f.Header.GetAttribute("", "nodata").([]float64); ok && len(nd) > 0 {
		noData = nd[0]
	}
	dims := f.Header.Lengths("elevation")
	if len(dims) != 2 {
		return nil, fmt.Errorf("demval: raster elevation variable has %d dimensions, expected 2", len(dims))
	}
	rr := f.Reader("elevation", nil, nil)
	buf := rr.Zero(-1)
	if _, err := rr.Read(buf); err != nil {
		return nil, fmt.Errorf("demval: reading raster elevations: %v", err)
	}
	elev := sparse.ZerosDense(dims...)
	switch v := buf.(type) {
	case []float32:
		for i, val := range v {
			elev.Elements[i] = float64(val)
		}
	case []float64:
		copy(elev.Elements, v)
	default:
		return nil, fmt.Errorf("demval: raster elevations have unsupported type %T", buf)
	}
	return NewRaster(gt, crs, noData, elev)
}

// OpenRaster reads a DEM from the NetCDF file at path.
func OpenRaster(path string) (*Raster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("demval: opening raster %s: %v", path, err)
	}
	defer file.Close()
	return LoadRaster(file)
}

// Write writes the raster to a NetCDF file.
func (r *Raster) Write(w *os.File) error {
	return r.writeBand(w, "elevation", "elevation above the vertical datum", "m")
}

// writeBand writes the raster with its single band stored under the
// given variable name.
func (r *Raster) writeBand(w *os.File, name, desc, units string) error {
	h := cdf.NewHeader([]string{"y", "x"}, []int{r.Ny, r.Nx})
	h.AddAttribute("", "geotransform", r.GeoTransform[:])
	h.AddAttribute("", "crs", r.CRS)
	h.AddAttribute("", "nodata", []float64{r.NoData})
	h.AddVariable(name, []string{"y", "x"}, []float32{0})
	h.AddAttribute(name, "description", desc)
	h.AddAttribute(name, "units", units)
	h.Define()
	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("demval: writing raster: %v", err)
	}
	data := make([]float32, len(r.Elev.Elements))
	for i, v := range r.Elev.Elements {
		data[i] = float32(v)
	}
	end := f.Header.Lengths(name)
	start := make([]int, len(end))
	if _, err := f.Writer(name, start, end).Write(data); err != nil {
		return fmt.Errorf("demval: writing raster band %s: %v", name, err)
	}
	if err := cdf.UpdateNumRecs(w); err != nil {
		return fmt.Errorf("demval: writing raster: %v", err)
	}
	return nil
}

// SaveRaster writes the raster to the NetCDF file at path.
func SaveRaster(path string, r *Raster) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demval: creating raster %s: %v", path, err)
	}
	if err := r.Write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
