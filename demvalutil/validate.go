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

package demvalutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ciresdem/demval"
	"github.com/ciresdem/demval/internal/hash"
	"github.com/ciresdem/demval/tilestore"
)

// Validate runs one validation job: it opens the DEM, stages the
// photon tiles it overlaps, validates it, and writes the results
// table in each requested format along with a summary report and an
// error map raster. The result files are named after the DEM file,
// inside outputDir.
func Validate(ctx context.Context, cfg *demval.Config, job, demFile, outputDir string,
	formats []string, outputVars map[string]string, c chan string) error {
	r, err := demval.OpenRaster(maybeDownload(ctx, demFile, c))
	if err != nil {
		return err
	}
	bounds, err := r.LonLatBounds()
	if err != nil {
		return err
	}
	dates, err := tilestore.NewDateRange(cfg.StartDate, cfg.EndDate)
	if err != nil {
		return err
	}
	tileDir, err := stageTiles(ctx, cfg.TileDir, bounds, dates, c)
	if err != nil {
		return err
	}
	runCfg := *cfg
	if tileDir != cfg.TileDir {
		defer os.RemoveAll(tileDir)
		runCfg.TileDir = tileDir
	}
	if job == "" {
		job = defaultJobName(demFile, cfg)
	}

	v, err := demval.NewValidator(runCfg, newStatusWriter(c))
	if err != nil {
		return err
	}
	res, err := v.Validate(ctx, job, r)
	if err != nil {
		return err
	}

	base := resultsBase(outputDir, demFile)
	for _, format := range formats {
		o, err := demval.NewOutputter(base+"_results."+format, outputVars, nil)
		if err != nil {
			return err
		}
		if err := o.Output(r, res.Records); err != nil {
			return err
		}
	}
	if err := demval.WriteSummary(base+"_summary_stats.txt", res.Records); err != nil {
		return err
	}
	if len(res.Records) != 0 {
		if err := r.WriteErrorMap(base+"_error_map.nc", res.Records); err != nil {
			return err
		}
	}

	s := res.Stats
	c <- fmt.Sprintf("job %s: wrote %d cells validated by %d of %d photons from %d tiles\n",
		job, s.Cells, s.PhotonsKept, s.Photons, s.TilesProcessed)
	return nil
}

// defaultJobName derives a stable job name from the DEM file and the
// validation configuration, so that repeated runs of the same job
// report under the same identifier.
func defaultJobName(demFile string, cfg *demval.Config) string {
	key := struct {
		File string
		Cfg  demval.Config
	}{File: demFile, Cfg: *cfg}
	name := strings.TrimSuffix(filepath.Base(demFile), filepath.Ext(demFile))
	return fmt.Sprintf("%s_%.8s", name, hash.Hash(key))
}

// statusWriter reports job progress by printing it.
type statusWriter struct {
	c    chan string
	mu   *sync.Mutex
	last map[string]demval.JobState
}

func newStatusWriter(c chan string) *statusWriter {
	return &statusWriter{c: c, mu: new(sync.Mutex), last: make(map[string]demval.JobState)}
}

func (s *statusWriter) UpdateJobStatus(job string, state demval.JobState, msg string) error {
	s.mu.Lock()
	s.last[job] = state
	s.mu.Unlock()
	s.c <- fmt.Sprintf("job %s: %s: %s\n", job, state, msg)
	return nil
}

func (s *statusWriter) JobStatus(job string) (demval.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[job], nil
}
