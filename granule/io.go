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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/golang/groupcache/lru"
	"gonum.org/v1/gonum/floats"
)

// Dataset templates for the per-photon fields a classified granule
// holds. The [gtx] placeholder stands for a beam name.
const (
	LatField         = "[gtx]/heights/lat_ph"
	LonField         = "[gtx]/heights/lon_ph"
	HeightField      = "[gtx]/heights/h_ph"
	TimeField        = "[gtx]/heights/delta_time"
	QualityField     = "[gtx]/heights/quality_ph"
	ConfLandField    = "[gtx]/heights/conf_land"
	ConfLandIceField = "[gtx]/heights/conf_land_ice"
	ClassField       = "[gtx]/heights/class_code"
	SurfTypeField    = "[gtx]/geolocation/surf_type"
)

// numSurfaceTypes is the number of surface-type flag columns each
// photon carries: land, ocean, sea ice, land ice, and inland water.
const numSurfaceTypes = 5

// defaultMaxWarnings is the missing-dataset warning cap applied to
// readers that do not set one.
const defaultMaxWarnings = 10

// A Reader reads per-photon data fields from a granule file.
// WarnMissing and MaxWarnings must be set before the reader is used;
// after that it is safe for concurrent use.
type Reader struct {
	// ID is the numeric granule ID parsed from the file name, or the
	// zero ID if the name does not follow the standard convention.
	ID ID

	// Path is the location the granule was opened from.
	Path string

	// WarnMissing makes Field treat a missing dataset as empty data,
	// logging a warning, instead of returning a *FieldNotFoundError.
	WarnMissing bool

	// MaxWarnings caps the missing-dataset warnings this reader logs
	// before suppressing the rest. Zero means defaultMaxWarnings.
	MaxWarnings int

	file *os.File
	f    *cdf.File

	mx    sync.Mutex
	nwarn int
}

// Open opens the granule file at path, appending the ".nc" extension
// when path has none, so a bare granule ID resolves to its file. A
// path that does not exist as given is searched for by base name in
// each of the fallback data directories in turn. Open returns a
// *NotFoundError if the file is absent everywhere and a
// *BadGranuleError if the file cannot be parsed.
func Open(path string, dataDirs ...string) (*Reader, error) {
	if filepath.Ext(path) == "" {
		path += ".nc"
	}
	found := path
	if _, err := os.Stat(found); os.IsNotExist(err) {
		found = ""
		for _, dir := range dataDirs {
			p := filepath.Join(dir, filepath.Base(path))
			if _, err := os.Stat(p); err == nil {
				found = p
				break
			}
		}
		if found == "" {
			return nil, &NotFoundError{Path: path}
		}
	}
	file, err := os.Open(found)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Path: found}
		}
		return nil, fmt.Errorf("granule: opening %s: %v", found, err)
	}
	f, err := cdf.Open(file)
	if err != nil {
		file.Close()
		return nil, &BadGranuleError{Path: found, Err: err}
	}
	r := &Reader{Path: found, file: file, f: f}
	if id, err := ParseID(found); err == nil {
		r.ID = id
	}
	return r, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Warnings returns the number of missing-dataset warnings this reader
// has accumulated.
func (r *Reader) Warnings() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.nwarn
}

func (r *Reader) warnf(format string, args ...interface{}) {
	limit := r.MaxWarnings
	if limit <= 0 {
		limit = defaultMaxWarnings
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	r.nwarn++
	if r.nwarn < limit {
		log.Printf(format, args...)
	} else if r.nwarn == limit {
		log.Printf(format, args...)
		log.Printf("granule %s: too many warnings; suppressing the rest", filepath.Base(r.Path))
	}
}

// resolve converts a dataset template and a beam to the flattened
// variable name used in the container, so the template
// [gtx]/heights/h_ph with beam gt1l becomes gt1l_heights_h_ph.
func resolve(template string, b Beam) string {
	s := strings.Replace(template, "[gtx]", b.String(), -1)
	s = strings.TrimPrefix(s, "/")
	return strings.Replace(s, "/", "_", -1)
}

func (r *Reader) hasVariable(name string) bool {
	return len(r.f.Header.Lengths(name)) != 0
}

// readFloats reads a whole variable and converts it to float64.
func (r *Reader) readFloats(name string) ([]float64, error) {
	rr := r.f.Reader(name, nil, nil)
	buf := rr.Zero(-1)
	if _, err := rr.Read(buf); err != nil {
		return nil, &BadGranuleError{Path: r.Path, Err: fmt.Errorf("reading %s: %v", name, err)}
	}
	switch v := buf.(type) {
	case []float64:
		return v, nil
	case []float32:
		o := make([]float64, len(v))
		for i, val := range v {
			o[i] = float64(val)
		}
		return o, nil
	case []int32:
		o := make([]float64, len(v))
		for i, val := range v {
			o[i] = float64(val)
		}
		return o, nil
	case []int16:
		o := make([]float64, len(v))
		for i, val := range v {
			o[i] = float64(val)
		}
		return o, nil
	case []uint8:
		o := make([]float64, len(v))
		for i, val := range v {
			o[i] = float64(val)
		}
		return o, nil
	default:
		return nil, &BadGranuleError{Path: r.Path,
			Err: fmt.Errorf("variable %s has unsupported type %T", name, buf)}
	}
}

// Field reads the dataset matching the given template for the given
// beam, converting the values to float64. For BeamAll, the data for
// all six beams is concatenated in the fixed beam order. A missing
// dataset returns a *FieldNotFoundError, unless the reader has
// WarnMissing set, in which case it is skipped with a warning and an
// all-beams read returns whatever the remaining beams hold, possibly
// nothing.
func (r *Reader) Field(template string, beam Beam) ([]float64, error) {
	return r.field(template, beam, r.WarnMissing)
}

func (r *Reader) field(template string, beam Beam, warn bool) ([]float64, error) {
	beams := []Beam{beam}
	if beam == BeamAll {
		beams = Beams()
	}
	var out []float64
	for _, b := range beams {
		name := resolve(template, b)
		if !r.hasVariable(name) {
			if !warn {
				return nil, &FieldNotFoundError{Path: r.Path, Field: name}
			}
			r.warnf("granule %s: beam %s has no dataset matching %s",
				filepath.Base(r.Path), b, template)
			continue
		}
		vals, err := r.readFloats(name)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// NumPhotons returns the number of photons the given beam holds.
// Beams with no data count zero photons.
func (r *Reader) NumPhotons(beam Beam) int {
	if beam == BeamAll {
		n := 0
		for _, b := range Beams() {
			n += r.NumPhotons(b)
		}
		return n
	}
	dims := r.f.Header.Lengths(resolve(LatField, beam))
	if len(dims) == 0 {
		return 0
	}
	return dims[0]
}

// BoundingBox returns the geographic extent of the given beam's
// photons, in WGS84 longitude and latitude, or the extent of all the
// beams together for BeamAll. A granule holding no coordinates for
// the requested beams returns a nil bounds.
func (r *Reader) BoundingBox(beam Beam) (*geom.Bounds, error) {
	lon, err := r.field(LonField, beam, true)
	if err != nil {
		return nil, err
	}
	lat, err := r.field(LatField, beam, true)
	if err != nil {
		return nil, err
	}
	if len(lon) != len(lat) {
		return nil, &BadGranuleError{Path: r.Path,
			Err: fmt.Errorf("mismatched coordinate lengths %d and %d", len(lon), len(lat))}
	}
	if len(lon) == 0 {
		return nil, nil
	}
	return &geom.Bounds{
		Min: geom.Point{X: floats.Min(lon), Y: floats.Min(lat)},
		Max: geom.Point{X: floats.Max(lon), Y: floats.Max(lat)},
	}, nil
}

// QualityMask reports, for each photon of the given beam, whether the
// photon may be used for validation. If the granule failed its
// quality-assessment screen, the mask is all false. Otherwise a photon
// passes when its surface-type flags mark it as over land and, if
// landOnly is set, over no other surface type.
func (r *Reader) QualityMask(beam Beam, landOnly bool) ([]bool, error) {
	if beam == BeamAll {
		var out []bool
		for _, b := range Beams() {
			if r.NumPhotons(b) == 0 {
				continue
			}
			m, err := r.QualityMask(b, landOnly)
			if err != nil {
				return nil, err
			}
			out = append(out, m...)
		}
		return out, nil
	}
	n := r.NumPhotons(beam)
	mask := make([]bool, n)
	if !r.PassesQA() {
		return mask, nil
	}
	name := resolve(SurfTypeField, beam)
	if !r.hasVariable(name) {
		return nil, &FieldNotFoundError{Path: r.Path, Field: name}
	}
	surf, err := r.readFloats(name)
	if err != nil {
		return nil, err
	}
	if len(surf) != n*numSurfaceTypes {
		return nil, &BadGranuleError{Path: r.Path,
			Err: fmt.Errorf("%s has %d values but %d photons", name, len(surf), n)}
	}
	for i := 0; i < n; i++ {
		row := surf[i*numSurfaceTypes : (i+1)*numSurfaceTypes]
		if row[0] != 1 {
			continue
		}
		if landOnly {
			other := 0.0
			for _, v := range row[1:] {
				other += v
			}
			if other != 0 {
				continue
			}
		}
		mask[i] = true
	}
	return mask, nil
}

// PassesQA reports whether the granule passed its quality-assessment
// screen. Granules without QA information pass.
func (r *Reader) PassesQA() bool {
	qa := r.f.Header.GetAttribute("", "qa_pass")
	if qa == nil {
		return true
	}
	v, ok := qa.([]int32)
	return !ok || len(v) == 0 || v[0] != 0
}

// A Cache holds a bounded number of open granule readers, closing the
// least recently used reader when the bound is exceeded.
type Cache struct {
	mx  sync.Mutex
	lru *lru.Cache
}

// NewCache returns a cache that keeps at most maxOpen granules open.
func NewCache(maxOpen int) *Cache {
	c := &Cache{lru: lru.New(maxOpen)}
	c.lru.OnEvicted = func(key lru.Key, value interface{}) {
		value.(*Reader).Close()
	}
	return c
}

// Open returns a reader for the granule at path, reusing an already
// open reader when there is one.
func (c *Cache) Open(path string) (*Reader, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if v, ok := c.lru.Get(path); ok {
		return v.(*Reader), nil
	}
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	c.lru.Add(path, r)
	return r, nil
}

// Close closes all the granules the cache holds open.
func (c *Cache) Close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	for c.lru.Len() > 0 {
		c.lru.RemoveOldest()
	}
}

// BeamData holds the per-photon arrays for one beam of a granule that
// is being written. The slices must all have the same length, except
// SurfType, which holds numSurfaceTypes flags per photon and may be
// left nil.
type BeamData struct {
	Lat, Lon, Height, DeltaTime []float64
	Quality                     []int16
	ConfLand, ConfLandIce       []int16
	ClassCode                   []int16
	SurfType                    []int16
}

func (d *BeamData) valid() error {
	n := len(d.Lat)
	if len(d.Lon) != n || len(d.Height) != n || len(d.DeltaTime) != n ||
		len(d.Quality) != n || len(d.ConfLand) != n || len(d.ConfLandIce) != n ||
		len(d.ClassCode) != n {
		return fmt.Errorf("granule: mismatched beam data lengths")
	}
	if d.SurfType != nil && len(d.SurfType) != n*numSurfaceTypes {
		return fmt.Errorf("granule: surface type data has %d values but %d photons",
			len(d.SurfType), n)
	}
	return nil
}

// Create writes a granule container at path holding the given
// per-beam photon data. Beams with no photons are omitted from the
// container.
func Create(path string, id ID, qaPass bool, data map[Beam]*BeamData) error {
	var dimNames []string
	var dimLens []int
	needSurface := false
	for _, b := range Beams() {
		d, ok := data[b]
		if !ok || len(d.Lat) == 0 {
			continue
		}
		if err := d.valid(); err != nil {
			return err
		}
		dimNames = append(dimNames, b.String()+"_photon")
		dimLens = append(dimLens, len(d.Lat))
		if d.SurfType != nil {
			needSurface = true
		}
	}
	if len(dimNames) == 0 {
		return fmt.Errorf("granule: creating %s: no photon data given", path)
	}
	if needSurface {
		dimNames = append(dimNames, "surface")
		dimLens = append(dimLens, numSurfaceTypes)
	}
	h := cdf.NewHeader(dimNames, dimLens)
	h.AddAttribute("", "comment", "DEMVal classified ICESat-2 photon granule")
	h.AddAttribute("", "granule_id", id.String())
	qa := []int32{0}
	if qaPass {
		qa[0] = 1
	}
	h.AddAttribute("", "qa_pass", qa)

	type varData struct {
		name string
		data interface{}
	}
	var vars []varData
	for _, b := range Beams() {
		d, ok := data[b]
		if !ok || len(d.Lat) == 0 {
			continue
		}
		photonDim := []string{b.String() + "_photon"}
		for _, v := range []struct {
			template string
			data     interface{}
		}{
			{LatField, d.Lat},
			{LonField, d.Lon},
			{HeightField, d.Height},
			{TimeField, d.DeltaTime},
			{QualityField, d.Quality},
			{ConfLandField, d.ConfLand},
			{ConfLandIceField, d.ConfLandIce},
			{ClassField, d.ClassCode},
		} {
			name := resolve(v.template, b)
			switch v.data.(type) {
			case []float64:
				h.AddVariable(name, photonDim, []float64{0})
			case []int16:
				h.AddVariable(name, photonDim, []int16{0})
			}
			vars = append(vars, varData{name: name, data: v.data})
		}
		if d.SurfType != nil {
			name := resolve(SurfTypeField, b)
			h.AddVariable(name, []string{b.String() + "_photon", "surface"}, []int16{0})
			vars = append(vars, varData{name: name, data: d.SurfType})
		}
	}
	h.Define()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("granule: creating %s: %v", path, err)
	}
	f, err := cdf.Create(file, h)
	if err != nil {
		file.Close()
		return fmt.Errorf("granule: creating %s: %v", path, err)
	}
	for _, v := range vars {
		end := f.Header.Lengths(v.name)
		start := make([]int, len(end))
		if _, err := f.Writer(v.name, start, end).Write(v.data); err != nil {
			file.Close()
			return fmt.Errorf("granule: writing %s to %s: %v", v.name, path, err)
		}
	}
	if err := cdf.UpdateNumRecs(file); err != nil {
		file.Close()
		return fmt.Errorf("granule: finalizing %s: %v", path, err)
	}
	return file.Close()
}
