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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/requestcache"

	"github.com/ciresdem/demval/granule"
)

// IndexFilename is the name of the index file within a store
// directory.
const IndexFilename = "photon_tiles.nc"

// defaultTileCacheSize is the number of decoded tiles held in memory
// when the user does not specify a cache size.
const defaultTileCacheSize = 30

// A TileNotFoundError indicates that a requested tile does not exist
// in the store. The tile may not have been synchronized from remote
// storage yet, so callers may retry after a delay.
type TileNotFoundError struct {
	Name string
}

func (e *TileNotFoundError) Error() string {
	return fmt.Sprintf("tilestore: tile %s not found", e.Name)
}

// A Store is a directory of photon tiles and their index.
// Its read methods are safe for concurrent use.
type Store struct {
	// Dir is the directory holding the tiles.
	Dir string

	// TileCacheSize is the number of decoded tiles to hold in memory.
	// Larger numbers speed up queries whose cells span tile boundaries
	// at the cost of greater memory use. The default is 30. It can
	// only be changed before the first call to Load.
	TileCacheSize int

	cacheOnce sync.Once
	cache     *requestcache.Cache

	mx       sync.Mutex
	index    []TileIndexEntry
	indexErr error
	indexed  bool
}

// OpenStore opens the tile store in the given directory.
func OpenStore(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("tilestore: opening store: %v", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tilestore: opening store: %s is not a directory", dir)
	}
	return &Store{Dir: dir}, nil
}

// Tiles returns the index entries for the tiles that share interior
// area with the given bounds and have acquisition dates overlapping
// the given range. Tiles that merely touch the edge of the bounds are
// not returned. A nil bounds matches every tile.
func (s *Store) Tiles(bounds *geom.Bounds, dates DateRange) ([]TileIndexEntry, error) {
	index, err := s.Index()
	if err != nil {
		return nil, err
	}
	var out []TileIndexEntry
	for _, e := range index {
		if bounds != nil && !overlapsStrictly(e.Bounds, bounds) {
			continue
		}
		if !dates.Overlaps(e.StartDate, e.EndDate) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Index returns the index entries for all the tiles in the store. If
// the store has no index file, the index is rebuilt by scanning the
// tiles, but the rebuilt index is not saved; use UpdateIndex for that.
func (s *Store) Index() ([]TileIndexEntry, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.indexed {
		s.index, s.indexErr = s.loadIndex()
		s.indexed = true
	}
	return s.index, s.indexErr
}

func (s *Store) loadIndex() ([]TileIndexEntry, error) {
	path := filepath.Join(s.Dir, IndexFilename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return s.scanIndex()
		}
		return nil, fmt.Errorf("tilestore: reading index: %v", err)
	}
	return readIndexFile(path)
}

// scanIndex builds index entries by reading every tile in the store
// directory.
func (s *Store) scanIndex() ([]TileIndexEntry, error) {
	files, err := ioutil.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("tilestore: scanning store: %v", err)
	}
	var entries []TileIndexEntry
	for _, fi := range files {
		if _, err := ParseTileFilename(fi.Name()); err != nil {
			continue
		}
		t, err := s.readTile(fi.Name())
		if err != nil {
			return nil, fmt.Errorf("tilestore: scanning store: %v", err)
		}
		entries = append(entries, indexEntry(t))
	}
	return entries, nil
}

func indexEntry(t *Tile) TileIndexEntry {
	ground, canopy := t.countClasses()
	return TileIndexEntry{
		Name:       t.Name(),
		Bounds:     t.Bounds.Copy(),
		StartDate:  t.StartDate,
		EndDate:    t.EndDate,
		NumPhotons: len(t.Photons),
		NumGround:  ground,
		NumCanopy:  canopy,
	}
}

// UpdateIndex rebuilds the store's index by scanning the tiles and
// saves it to the index file.
func (s *Store) UpdateIndex() error {
	entries, err := s.scanIndex()
	if err != nil {
		return err
	}
	path := filepath.Join(s.Dir, IndexFilename)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("tilestore: removing index: %v", err)
		}
	} else if err := writeIndexFile(path, s.Dir, entries); err != nil {
		return err
	}
	s.mx.Lock()
	s.index, s.indexErr, s.indexed = entries, nil, true
	s.mx.Unlock()
	return nil
}

// Load returns the named tile. It returns a *TileNotFoundError when
// the tile does not exist. Loaded tiles are cached and shared between
// callers, so callers must not modify the returned tile.
func (s *Store) Load(ctx context.Context, name string) (*Tile, error) {
	s.cacheOnce.Do(func() {
		n := s.TileCacheSize
		if n <= 0 {
			n = defaultTileCacheSize
		}
		s.cache = requestcache.NewCache(func(ctx context.Context, request interface{}) (interface{}, error) {
			return s.readTile(request.(string))
		}, runtime.GOMAXPROCS(-1),
			requestcache.Deduplicate(), requestcache.Memory(n))
	})
	req := s.cache.NewRequest(ctx, name, name)
	result, err := req.Result()
	if err != nil {
		return nil, err
	}
	return result.(*Tile), nil
}

// Write saves the tile to the store, replacing any existing tile with
// the same bounds. The tile is written to a temporary file which is
// then renamed into place, so a concurrent reader sees either the old
// or the new tile and never a partial one. Write does not update the
// store index.
func (s *Store) Write(t *Tile) error {
	if len(t.Photons) == 0 {
		return fmt.Errorf("tilestore: refusing to write empty tile %s", t.Name())
	}
	for i := range t.Photons {
		p := &t.Photons[i]
		if p.Lon < t.Bounds.Min.X || p.Lon >= t.Bounds.Max.X ||
			p.Lat < t.Bounds.Min.Y || p.Lat >= t.Bounds.Max.Y {
			return fmt.Errorf("tilestore: photon at (%g, %g) is outside tile %s",
				p.Lon, p.Lat, t.Name())
		}
	}
	name := t.Name()
	tmp, err := ioutil.TempFile(s.Dir, name+".tmp")
	if err != nil {
		return fmt.Errorf("tilestore: writing tile %s: %v", name, err)
	}
	if err := writeTileFile(tmp, t); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing tile %s: %v", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing tile %s: %v", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing tile %s: %v", name, err)
	}
	return nil
}

// Absorb routes the given photons into the tiles containing them,
// creating new tiles and rewriting existing ones as needed, and then
// updates the store index. Absorb reads tiles directly rather than
// through the load cache, so it should not run concurrently with
// readers of the same store.
func (s *Store) Absorb(photons []Photon) error {
	byTile := make(map[string][]Photon)
	for _, p := range photons {
		name := TileFilename(TileBoundsOf(p.Lon, p.Lat))
		byTile[name] = append(byTile[name], p)
	}
	names := make([]string, 0, len(byTile))
	for name := range byTile {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := s.readTile(name)
		if err != nil {
			if _, ok := err.(*TileNotFoundError); !ok {
				return err
			}
			bounds, err := ParseTileFilename(name)
			if err != nil {
				return err
			}
			t = &Tile{Bounds: bounds}
		}
		t.Photons = append(t.Photons, byTile[name]...)
		for _, p := range byTile[name] {
			if p.Granule.Time == 0 {
				continue
			}
			d := p.Granule.Date()
			if t.StartDate == "" || d < t.StartDate {
				t.StartDate = d
			}
			if t.EndDate == "" || d > t.EndDate {
				t.EndDate = d
			}
		}
		if err := s.Write(t); err != nil {
			return err
		}
	}
	return s.UpdateIndex()
}

// readTile reads the named tile file without caching.
func (s *Store) readTile(name string) (*Tile, error) {
	bounds, err := ParseTileFilename(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(s.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &TileNotFoundError{Name: name}
		}
		return nil, fmt.Errorf("tilestore: opening tile %s: %v", name, err)
	}
	defer file.Close()
	f, err := cdf.Open(file)
	if err != nil {
		return nil, fmt.Errorf("tilestore: tile %s is malformed: %v", name, err)
	}
	version, ok := f.Header.GetAttribute("", "data_version").(string)
	if !ok || version != DataVersion {
		return nil, fmt.Errorf("tilestore: tile %s has data version %q which is incompatible with the required version %s",
			name, version, DataVersion)
	}
	t := &Tile{
		Bounds: &geom.Bounds{
			Min: geom.Point{
				X: f.Header.GetAttribute("", "xmin").([]float64)[0],
				Y: f.Header.GetAttribute("", "ymin").([]float64)[0],
			},
			Max: geom.Point{
				X: f.Header.GetAttribute("", "xmax").([]float64)[0],
				Y: f.Header.GetAttribute("", "ymax").([]float64)[0],
			},
		},
		StartDate: intToDate(f.Header.GetAttribute("", "start_date").([]int32)[0]),
		EndDate:   intToDate(f.Header.GetAttribute("", "end_date").([]int32)[0]),
	}
	if *t.Bounds != *bounds {
		return nil, fmt.Errorf("tilestore: tile %s holds bounds %v which do not match its name", name, t.Bounds)
	}
	fvars := make(map[string][]float64)
	for _, v := range []string{"lon", "lat", "height", "delta_time", "granule_time", "granule_track"} {
		fvars[v], err = readVar64(f, v)
		if err != nil {
			return nil, fmt.Errorf("tilestore: tile %s: %v", name, err)
		}
	}
	ivars := make(map[string][]int16)
	for _, v := range []string{"beam", "class_code", "quality_ph", "conf_land", "conf_land_ice"} {
		ivars[v], err = readVar16(f, v)
		if err != nil {
			return nil, fmt.Errorf("tilestore: tile %s: %v", name, err)
		}
	}
	n := len(fvars["lon"])
	for _, v := range fvars {
		if len(v) != n {
			return nil, fmt.Errorf("tilestore: tile %s has mismatched variable lengths", name)
		}
	}
	for _, v := range ivars {
		if len(v) != n {
			return nil, fmt.Errorf("tilestore: tile %s has mismatched variable lengths", name)
		}
	}
	t.Photons = make([]Photon, n)
	for i := 0; i < n; i++ {
		t.Photons[i] = Photon{
			Lon:         fvars["lon"][i],
			Lat:         fvars["lat"][i],
			Height:      fvars["height"][i],
			DeltaTime:   fvars["delta_time"][i],
			Beam:        granule.Beam(ivars["beam"][i]),
			Class:       ivars["class_code"][i],
			Quality:     ivars["quality_ph"][i],
			ConfLand:    ivars["conf_land"][i],
			ConfLandIce: ivars["conf_land_ice"][i],
			Granule: granule.ID{
				Time:  int64(fvars["granule_time"][i]),
				Track: int64(fvars["granule_track"][i]),
			},
		}
	}
	return t, nil
}

func readVar64(f *cdf.File, name string) ([]float64, error) {
	if len(f.Header.Lengths(name)) == 0 {
		return nil, fmt.Errorf("missing variable %s", name)
	}
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("reading variable %s: %v", name, err)
	}
	v, ok := buf.([]float64)
	if !ok {
		return nil, fmt.Errorf("variable %s has type %T, expected []float64", name, buf)
	}
	return v, nil
}

func readVar16(f *cdf.File, name string) ([]int16, error) {
	if len(f.Header.Lengths(name)) == 0 {
		return nil, fmt.Errorf("missing variable %s", name)
	}
	r := f.Reader(name, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("reading variable %s: %v", name, err)
	}
	v, ok := buf.([]int16)
	if !ok {
		return nil, fmt.Errorf("variable %s has type %T, expected []int16", name, buf)
	}
	return v, nil
}

// writeTileFile writes the tile into the open file w. Granule IDs are
// stored as float64 pairs because NetCDF 3 has no 64-bit integer type;
// both ID components fit exactly in a float64.
func writeTileFile(w *os.File, t *Tile) error {
	n := len(t.Photons)
	h := cdf.NewHeader([]string{"photon"}, []int{n})
	h.AddAttribute("", "comment", "DEMVal classified ICESat-2 photon tile")
	h.AddAttribute("", "data_version", DataVersion)
	h.AddAttribute("", "crs", "EPSG:4326")
	h.AddAttribute("", "xmin", []float64{t.Bounds.Min.X})
	h.AddAttribute("", "xmax", []float64{t.Bounds.Max.X})
	h.AddAttribute("", "ymin", []float64{t.Bounds.Min.Y})
	h.AddAttribute("", "ymax", []float64{t.Bounds.Max.Y})
	h.AddAttribute("", "start_date", []int32{dateToInt(t.StartDate)})
	h.AddAttribute("", "end_date", []int32{dateToInt(t.EndDate)})

	fvars := map[string][]float64{
		"lon":           make([]float64, n),
		"lat":           make([]float64, n),
		"height":        make([]float64, n),
		"delta_time":    make([]float64, n),
		"granule_time":  make([]float64, n),
		"granule_track": make([]float64, n),
	}
	ivars := map[string][]int16{
		"beam":          make([]int16, n),
		"class_code":    make([]int16, n),
		"quality_ph":    make([]int16, n),
		"conf_land":     make([]int16, n),
		"conf_land_ice": make([]int16, n),
	}
	for i := range t.Photons {
		p := &t.Photons[i]
		fvars["lon"][i] = p.Lon
		fvars["lat"][i] = p.Lat
		fvars["height"][i] = p.Height
		fvars["delta_time"][i] = p.DeltaTime
		fvars["granule_time"][i] = float64(p.Granule.Time)
		fvars["granule_track"][i] = float64(p.Granule.Track)
		ivars["beam"][i] = int16(p.Beam)
		ivars["class_code"][i] = p.Class
		ivars["quality_ph"][i] = p.Quality
		ivars["conf_land"][i] = p.ConfLand
		ivars["conf_land_ice"][i] = p.ConfLandIce
	}

	// Sort the names so the variables write in the same order every time.
	var names []string
	for v := range fvars {
		names = append(names, v)
	}
	for v := range ivars {
		names = append(names, v)
	}
	sort.Strings(names)
	for _, v := range names {
		if _, ok := fvars[v]; ok {
			h.AddVariable(v, []string{"photon"}, []float64{0})
		} else {
			h.AddVariable(v, []string{"photon"}, []int16{0})
		}
	}
	h.Define()

	f, err := cdf.Create(w, h)
	if err != nil {
		return err
	}
	for _, v := range names {
		var data interface{}
		if d, ok := fvars[v]; ok {
			data = d
		} else {
			data = ivars[v]
		}
		end := f.Header.Lengths(v)
		start := make([]int, len(end))
		if _, err := f.Writer(v, start, end).Write(data); err != nil {
			return fmt.Errorf("writing variable %s: %v", v, err)
		}
	}
	return cdf.UpdateNumRecs(w)
}

func dateToInt(d string) int32 {
	if d == "" {
		return 0
	}
	v, err := strconv.Atoi(d)
	if err != nil {
		return 0
	}
	return int32(v)
}

func intToDate(v int32) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%08d", v)
}

// readIndexFile reads a store index file.
func readIndexFile(path string) ([]TileIndexEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tilestore: opening index: %v", err)
	}
	defer file.Close()
	f, err := cdf.Open(file)
	if err != nil {
		return nil, fmt.Errorf("tilestore: index is malformed: %v", err)
	}
	version, ok := f.Header.GetAttribute("", "data_version").(string)
	if !ok || version != DataVersion {
		return nil, fmt.Errorf("tilestore: index has data version %q which is incompatible with the required version %s; rerun the tile indexer",
			version, DataVersion)
	}
	fvars := make(map[string][]float64)
	for _, v := range []string{"xmin", "xmax", "ymin", "ymax"} {
		fvars[v], err = readVar64(f, v)
		if err != nil {
			return nil, fmt.Errorf("tilestore: index: %v", err)
		}
	}
	ivars := make(map[string][]int32)
	for _, v := range []string{"start_date", "end_date", "numphotons", "numphotons_ground", "numphotons_canopy"} {
		if len(f.Header.Lengths(v)) == 0 {
			return nil, fmt.Errorf("tilestore: index: missing variable %s", v)
		}
		r := f.Reader(v, nil, nil)
		buf := r.Zero(-1)
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("tilestore: index: reading variable %s: %v", v, err)
		}
		iv, ok := buf.([]int32)
		if !ok {
			return nil, fmt.Errorf("tilestore: index: variable %s has type %T, expected []int32", v, buf)
		}
		ivars[v] = iv
	}
	n := len(fvars["xmin"])
	entries := make([]TileIndexEntry, n)
	for i := 0; i < n; i++ {
		b := &geom.Bounds{
			Min: geom.Point{X: fvars["xmin"][i], Y: fvars["ymin"][i]},
			Max: geom.Point{X: fvars["xmax"][i], Y: fvars["ymax"][i]},
		}
		entries[i] = TileIndexEntry{
			Name:       TileFilename(b),
			Bounds:     b,
			StartDate:  intToDate(ivars["start_date"][i]),
			EndDate:    intToDate(ivars["end_date"][i]),
			NumPhotons: int(ivars["numphotons"][i]),
			NumGround:  int(ivars["numphotons_ground"][i]),
			NumCanopy:  int(ivars["numphotons_canopy"][i]),
		}
	}
	return entries, nil
}

// writeIndexFile atomically replaces the index file at path with one
// describing the given entries.
func writeIndexFile(path, dir string, entries []TileIndexEntry) error {
	sorted := make([]TileIndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	n := len(sorted)
	h := cdf.NewHeader([]string{"tile"}, []int{n})
	h.AddAttribute("", "comment", "DEMVal photon tile index")
	h.AddAttribute("", "data_version", DataVersion)
	h.AddAttribute("", "crs", "EPSG:4326")
	h.AddAttribute("", "tile_size", []float64{TileSize})
	for _, v := range []string{"xmin", "xmax", "ymin", "ymax"} {
		h.AddVariable(v, []string{"tile"}, []float64{0})
	}
	for _, v := range []string{"start_date", "end_date", "numphotons", "numphotons_ground", "numphotons_canopy"} {
		h.AddVariable(v, []string{"tile"}, []int32{0})
	}
	h.Define()

	tmp, err := ioutil.TempFile(dir, IndexFilename+".tmp")
	if err != nil {
		return fmt.Errorf("tilestore: writing index: %v", err)
	}
	f, err := cdf.Create(tmp, h)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing index: %v", err)
	}
	fvals := map[string][]float64{
		"xmin": make([]float64, n), "xmax": make([]float64, n),
		"ymin": make([]float64, n), "ymax": make([]float64, n),
	}
	ivals := map[string][]int32{
		"start_date": make([]int32, n), "end_date": make([]int32, n),
		"numphotons": make([]int32, n), "numphotons_ground": make([]int32, n),
		"numphotons_canopy": make([]int32, n),
	}
	for i, e := range sorted {
		fvals["xmin"][i] = e.Bounds.Min.X
		fvals["xmax"][i] = e.Bounds.Max.X
		fvals["ymin"][i] = e.Bounds.Min.Y
		fvals["ymax"][i] = e.Bounds.Max.Y
		ivals["start_date"][i] = dateToInt(e.StartDate)
		ivals["end_date"][i] = dateToInt(e.EndDate)
		ivals["numphotons"][i] = int32(e.NumPhotons)
		ivals["numphotons_ground"][i] = int32(e.NumGround)
		ivals["numphotons_canopy"][i] = int32(e.NumCanopy)
	}
	writeErr := func() error {
		for v, data := range fvals {
			end := f.Header.Lengths(v)
			start := make([]int, len(end))
			if _, err := f.Writer(v, start, end).Write(data); err != nil {
				return fmt.Errorf("writing variable %s: %v", v, err)
			}
		}
		for v, data := range ivals {
			end := f.Header.Lengths(v)
			start := make([]int, len(end))
			if _, err := f.Writer(v, start, end).Write(data); err != nil {
				return fmt.Errorf("writing variable %s: %v", v, err)
			}
		}
		return cdf.UpdateNumRecs(tmp)
	}()
	if writeErr != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing index: %v", writeErr)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing index: %v", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tilestore: writing index: %v", err)
	}
	return nil
}
