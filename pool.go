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
	"context"
	"encoding/gob"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"

	"github.com/ciresdem/demval/granule"
	"github.com/ciresdem/demval/tilestore"
)

// tileRetries is the number of times a missing tile is retried before
// the tile is skipped. Missing tiles can be transient when the store
// is a staged copy of a remote bucket or a tile is mid-replacement.
const tileRetries = 3

// A WorkerFailure indicates that a validation worker crashed or
// exceeded its time limit. Any worker failure fails the whole job:
// results from the remaining workers are discarded rather than
// published as a partial validation.
type WorkerFailure struct {
	Worker int
	Err    error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("demval: worker %d failed: %v", e.Worker, e.Err)
}

// JobStats counts what happened during a validation job.
type JobStats struct {
	// Tiles is the number of photon tiles overlapping the DEM, and
	// TilesProcessed and TilesSkipped divide them into those that were
	// validated against and those that could not be read.
	Tiles          int
	TilesProcessed int
	TilesSkipped   int

	// Photons is the number of photons loaded from the tiles.
	// PhotonsKept is the number that contributed to cell statistics
	// after all screening. PhotonsFiltered failed the quality, beam,
	// or date screening; PhotonsBadGranule came from granules on the
	// bad-granule list; PhotonsDropped fell outside the DEM.
	Photons           int
	PhotonsKept       int
	PhotonsFiltered   int
	PhotonsBadGranule int
	PhotonsDropped    int

	// Workers is the number of workers the job ran, and Cells is the
	// number of cells in the final results.
	Workers int
	Cells   int
}

func (s *JobStats) add(o JobStats) {
	s.TilesProcessed += o.TilesProcessed
	s.TilesSkipped += o.TilesSkipped
	s.Photons += o.Photons
	s.PhotonsKept += o.PhotonsKept
	s.PhotonsFiltered += o.PhotonsFiltered
	s.PhotonsBadGranule += o.PhotonsBadGranule
	s.PhotonsDropped += o.PhotonsDropped
}

// A Result holds the outcome of one validation job.
type Result struct {
	Records []CellStatRecord
	Stats   JobStats
}

// A partial carries one worker's per-cell aggregates back to the
// manager. Workers hand back aggregates rather than raw photons to
// bound the volume of data crossing the channel.
type partial struct {
	worker int
	acc    *Accumulator
	stats  JobStats
	err    error
}

// A shard is the unit of work handed to one worker: the names of the
// tiles it owns plus the metadata of the DEM being validated. Shards
// are serialized to the job's temp workspace and each worker reads
// back only its own.
type shard struct {
	Job          string
	Tiles        []string
	DEMBounds    *geom.Bounds
	GeoTransform [6]float64
	CRS          string
	NoData       float64
	Ny, Nx       int
}

// A Validator runs validation jobs against one photon tile store.
type Validator struct {
	cfg    Config
	store  *tilestore.Store
	status StatusReporter
}

// NewValidator creates a Validator for the tile store named by the
// configuration. If status is nil, job state changes are only logged.
func NewValidator(cfg Config, status StatusReporter) (*Validator, error) {
	cfg.setDefaults()
	if err := cfg.valid(); err != nil {
		return nil, err
	}
	store, err := tilestore.OpenStore(cfg.TileDir)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = nopStatus{}
	}
	return &Validator{cfg: cfg, store: store, status: status}, nil
}

// Validate validates the DEM raster r against the photon database,
// returning the per-cell statistics. job names the job in status
// reports. Cancelling the context stops the job; its temp workspace is
// removed on every path out.
func (v *Validator) Validate(ctx context.Context, job string, r *Raster) (*Result, error) {
	v.report(job, Pending, "validation queued")
	res, err := v.validate(ctx, job, r)
	if err != nil {
		v.report(job, Failed, "%v", err)
		return nil, err
	}
	v.report(job, Done, "validated %d cells using %d photons in %d tiles",
		res.Stats.Cells, res.Stats.PhotonsKept, res.Stats.TilesProcessed)
	return res, nil
}

func (v *Validator) validate(ctx context.Context, job string, r *Raster) (*Result, error) {
	if v.cfg.JobTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seconds(v.cfg.JobTimeoutSeconds))
		defer cancel()
	}

	v.report(job, Sharding, "selecting photon tiles")
	dates, err := tilestore.NewDateRange(v.cfg.StartDate, v.cfg.EndDate)
	if err != nil {
		return nil, err
	}
	bounds, err := r.LonLatBounds()
	if err != nil {
		return nil, err
	}
	entries, err := v.store.Tiles(bounds, dates)
	if err != nil {
		return nil, err
	}
	stats := JobStats{Tiles: len(entries)}
	if len(entries) == 0 {
		return &Result{Stats: stats}, nil
	}
	shards := shardTiles(entries, v.workers())
	stats.Workers = len(shards)

	tempDir, err := ioutil.TempDir("", "demval")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sh := shard{
		Job:          job,
		DEMBounds:    bounds,
		GeoTransform: r.GeoTransform,
		CRS:          r.CRS,
		NoData:       r.NoData,
		Ny:           r.Ny,
		Nx:           r.Nx,
	}
	paths := make([]string, len(shards))
	for i, tiles := range shards {
		sh.Tiles = tiles
		paths[i] = filepath.Join(tempDir, fmt.Sprintf("shard_%d.gob", i))
		if err := writeShard(paths[i], &sh); err != nil {
			return nil, err
		}
	}

	v.report(job, Running, "validating with %d workers", len(shards))
	results := make(chan *partial, len(shards))
	for i, path := range paths {
		go v.runShard(ctx, i, path, r.Elev, results)
	}

	v.report(job, Collecting, "collecting worker results")
	var merged *Accumulator
	for done := 0; done < len(shards); done++ {
		var p *partial
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("demval: job %s: %v with %d of %d workers finished",
				job, ctx.Err(), done, len(shards))
		case p = <-results:
		}
		if p.err != nil {
			return nil, &WorkerFailure{Worker: p.worker, Err: p.err}
		}
		stats.add(p.stats)
		if merged == nil {
			merged = p.acc
		} else {
			merged.Merge(p.acc)
		}
	}
	if frac := float64(stats.TilesSkipped) / float64(stats.Tiles); frac > v.cfg.MaxSkipFraction {
		return nil, fmt.Errorf("demval: job %s: %d of %d photon tiles could not be read",
			job, stats.TilesSkipped, stats.Tiles)
	}

	records := merged.Finalize()
	stats.Cells = len(records)
	return &Result{Records: records, Stats: stats}, nil
}

// runShard is one worker. It reads its shard file, validates the
// shard's tiles, and sends its partial aggregates on results. Panics
// are recovered and reported as the worker's failure.
func (v *Validator) runShard(ctx context.Context, worker int, path string, elev *sparse.DenseArray, results chan<- *partial) {
	p := &partial{worker: worker}
	defer func() {
		if r := recover(); r != nil {
			p.acc, p.err = nil, fmt.Errorf("panic: %v", r)
		}
		results <- p
	}()
	if v.cfg.WorkerTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, seconds(v.cfg.WorkerTimeoutSeconds))
		defer cancel()
	}
	p.err = v.work(ctx, path, elev, p)
}

func (v *Validator) work(ctx context.Context, path string, elev *sparse.DenseArray, p *partial) error {
	sh, err := readShard(path)
	if err != nil {
		return err
	}
	// The elevations are shared read-only; everything else about the
	// raster is rebuilt from the shard so that each worker owns its
	// own transformer and cell arithmetic.
	r := &Raster{
		GeoTransform: sh.GeoTransform,
		CRS:          sh.CRS,
		NoData:       sh.NoData,
		Elev:         elev,
		Ny:           sh.Ny,
		Nx:           sh.Nx,
	}
	if err := r.invert(); err != nil {
		return err
	}
	aligner, err := NewAligner(r)
	if err != nil {
		return err
	}
	acc := NewAccumulator(r, v.cfg)

	var beams map[granule.Beam]bool
	if len(v.cfg.Beams) > 0 {
		beams = make(map[granule.Beam]bool)
		for _, name := range v.cfg.Beams {
			b, err := granule.ParseBeam(name)
			if err != nil {
				return err
			}
			beams[b] = true
		}
	}
	bad := make(map[granule.ID]bool)
	for _, name := range v.cfg.BadGranules {
		id, err := granule.ParseID(name)
		if err != nil {
			return err
		}
		bad[id] = true
	}
	dates, err := tilestore.NewDateRange(v.cfg.StartDate, v.cfg.EndDate)
	if err != nil {
		return err
	}

	for _, name := range sh.Tiles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		tile, err := v.loadTile(ctx, name)
		if err != nil {
			log.Printf("demval: job %s: skipping tile %s: %v", sh.Job, name, err)
			p.stats.TilesSkipped++
			continue
		}
		p.stats.Photons += len(tile.Photons)

		kept := make([]tilestore.Photon, 0, len(tile.Photons))
		for i := range tile.Photons {
			ph := &tile.Photons[i]
			if bad[ph.Granule] {
				p.stats.PhotonsBadGranule++
				continue
			}
			if beams != nil && !beams[ph.Beam] {
				p.stats.PhotonsFiltered++
				continue
			}
			if !dates.Contains(ph.Granule.Date()) {
				p.stats.PhotonsFiltered++
				continue
			}
			if !v.cfg.Filter.Keep(ph) {
				p.stats.PhotonsFiltered++
				continue
			}
			kept = append(kept, *ph)
		}

		// Clip to the DEM footprint before transforming; tiles at the
		// edges of the DEM mostly hang outside it.
		within := tilestore.NewIndex(kept).Within(sh.DEMBounds)
		p.stats.PhotonsDropped += len(kept) - len(within)

		aligned, err := aligner.Align(within)
		if err != nil {
			return err
		}
		for _, ap := range aligned {
			acc.Add(ap)
		}
		p.stats.PhotonsKept += len(aligned)
		p.stats.TilesProcessed++
	}
	p.stats.PhotonsDropped += aligner.Dropped
	p.acc = acc
	return nil
}

// loadTile loads one tile, retrying with backoff when the tile is
// reported missing.
func (v *Validator) loadTile(ctx context.Context, name string) (*tilestore.Tile, error) {
	var tile *tilestore.Tile
	op := func() error {
		var err error
		tile, err = v.store.Load(ctx, name)
		if err == nil {
			return nil
		}
		if _, ok := err.(*tilestore.TileNotFoundError); ok {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), tileRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.Printf("demval: %v: retrying in %v", err, d)
	})
	if err != nil {
		return nil, err
	}
	return tile, nil
}

// workers returns the number of workers to run.
func (v *Validator) workers() int {
	if v.cfg.NumWorkers > 0 {
		return v.cfg.NumWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// report records a job state change and logs it. Status-store
// failures are logged rather than failing the job.
func (v *Validator) report(job string, state JobState, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("demval: job %s: %s: %s", job, state, msg)
	if err := v.status.UpdateJobStatus(job, state, msg); err != nil {
		log.Printf("demval: job %s: recording status: %v", job, err)
	}
}

// shardTiles partitions the indexed tiles into at most n shards
// balanced by point count. The largest tiles are placed first, each
// into the least-loaded shard, because tile density varies by orders
// of magnitude and counting tiles alone balances poorly.
func shardTiles(entries []tilestore.TileIndexEntry, n int) [][]string {
	if n > len(entries) {
		n = len(entries)
	}
	if n < 1 {
		n = 1
	}
	sorted := make([]tilestore.TileIndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NumPhotons != sorted[j].NumPhotons {
			return sorted[i].NumPhotons > sorted[j].NumPhotons
		}
		return sorted[i].Name < sorted[j].Name
	})
	shards := make([][]string, n)
	loads := make([]int, n)
	for _, e := range sorted {
		k := 0
		for i := 1; i < n; i++ {
			if loads[i] < loads[k] {
				k = i
			}
		}
		shards[k] = append(shards[k], e.Name)
		loads[k] += e.NumPhotons
	}
	return shards
}

func writeShard(path string, sh *shard) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demval: writing shard: %v", err)
	}
	if err := gob.NewEncoder(f).Encode(sh); err != nil {
		f.Close()
		return fmt.Errorf("demval: writing shard %s: %v", path, err)
	}
	return f.Close()
}

func readShard(path string) (*shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("demval: reading shard: %v", err)
	}
	defer f.Close()
	sh := new(shard)
	if err := gob.NewDecoder(f).Decode(sh); err != nil {
		return nil, fmt.Errorf("demval: reading shard %s: %v", path, err)
	}
	return sh, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
