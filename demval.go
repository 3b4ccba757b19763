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

// Package demval implements a validation engine that measures the
// vertical accuracy of digital elevation models (DEMs) against a tiled
// database of classified ICESat-2 photon returns. For every DEM grid
// cell that contains photons, the engine computes elevation statistics
// from the ground-classified photons that fall inside the cell and
// compares them with the elevation the DEM reports for that cell.
// Validation of a single DEM is distributed over a pool of parallel
// workers, each of which processes a geographic shard of the photon
// data and sends partial per-cell aggregates back for merging.
package demval

import (
	"fmt"

	"github.com/ciresdem/demval/granule"
	"github.com/ciresdem/demval/tilestore"
)

// Version gives the version of this software.
const Version = "0.9.0"

// Config holds the user-settable parameters that control how a DEM is
// validated against the photon database.
type Config struct {
	// TileDir is the directory or blob bucket holding the photon tile
	// database and its index. Formats allowed are local directory paths
	// and gs://, s3://, or file:// bucket URLs.
	TileDir string

	// NumWorkers is the number of parallel validation workers.
	// Zero means one worker per CPU.
	NumWorkers int

	// MinPhotons is the minimum number of band-filtered ground photons
	// a cell must contain for its statistics to be reported. Cells with
	// fewer photons are omitted from the results. Zero means the
	// default of 4.
	MinPhotons int

	// PhotonLimit caps the number of ground photon heights retained per
	// cell; cells containing more are evenly decimated before their
	// statistics are computed. Zero means no limit.
	PhotonLimit int

	// BandLow and BandHigh are the quantile bounds of the height band
	// used to screen outlier photons within each cell. Photons with
	// heights outside the closed band are excluded from the reported
	// statistics. Zeros mean the defaults of 0.1 and 0.9.
	BandLow, BandHigh float64

	// OutlierStdDevs screens out whole cells whose mean elevation
	// difference lies more than this many standard deviations from the
	// mean difference across all cells. Zero means the default of 2.5;
	// a negative value disables the screen.
	OutlierStdDevs float64

	// MeasureCoverage adds a column to the results measuring the
	// fraction of each DEM cell footprint that is covered by photons.
	MeasureCoverage bool

	// StartDate and EndDate restrict the photons used to those from
	// granules acquired within the closed date range. The format is
	// YYYYMMDD; an empty string leaves that end of the range unbounded.
	StartDate, EndDate string

	// Beams restricts which of the six ICESat-2 beams contribute
	// photons. An empty list means all beams.
	Beams []string

	// Filter screens out low-quality photon returns before they are
	// assigned to cells.
	Filter tilestore.PhotonFilter

	// BadGranules lists granule file names whose photons are known to
	// be untrustworthy and are excluded from validation.
	BadGranules []string

	// MaxSkipFraction is the fraction of a job's tiles that may fail
	// to load before the whole job is failed rather than reported with
	// the failures skipped. Zero means the default of 0.2.
	MaxSkipFraction float64

	// WorkerTimeoutSeconds is the longest a single worker may run
	// before the job is failed. Zero means no limit.
	WorkerTimeoutSeconds float64

	// JobTimeoutSeconds is the longest a whole validation job may run
	// before it is failed. Zero means no limit.
	JobTimeoutSeconds float64
}

// Default values for Config fields that are zero.
const (
	defaultMinPhotons      = 4
	defaultBandLow         = 0.1
	defaultBandHigh        = 0.9
	defaultOutlierStdDevs  = 2.5
	defaultMaxSkipFraction = 0.2
)

// setDefaults fills in default values for fields that have been
// left at their zero values.
func (c *Config) setDefaults() {
	if c.MinPhotons == 0 {
		c.MinPhotons = defaultMinPhotons
	}
	if c.BandLow == 0 {
		c.BandLow = defaultBandLow
	}
	if c.BandHigh == 0 {
		c.BandHigh = defaultBandHigh
	}
	if c.OutlierStdDevs == 0 {
		c.OutlierStdDevs = defaultOutlierStdDevs
	}
	if c.MaxSkipFraction == 0 {
		c.MaxSkipFraction = defaultMaxSkipFraction
	}
	if c.Filter == (tilestore.PhotonFilter{}) {
		c.Filter = tilestore.DefaultPhotonFilter
	}
}

// valid returns an error if the configuration is not usable.
func (c *Config) valid() error {
	if c.TileDir == "" {
		return fmt.Errorf("demval: config: TileDir must be specified")
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("demval: config: NumWorkers must be >= 0 but is %d", c.NumWorkers)
	}
	if !(c.BandLow >= 0 && c.BandLow < c.BandHigh && c.BandHigh <= 1) {
		return fmt.Errorf("demval: config: quantile band [%g, %g] is not within [0, 1]",
			c.BandLow, c.BandHigh)
	}
	if c.PhotonLimit < 0 {
		return fmt.Errorf("demval: config: PhotonLimit must be >= 0 but is %d", c.PhotonLimit)
	}
	for _, b := range c.Beams {
		if _, err := granule.ParseBeam(b); err != nil {
			return fmt.Errorf("demval: config: %v", err)
		}
	}
	for _, g := range c.BadGranules {
		if _, err := granule.ParseID(g); err != nil {
			return fmt.Errorf("demval: config: %v", err)
		}
	}
	if c.MaxSkipFraction < 0 || c.MaxSkipFraction > 1 {
		return fmt.Errorf("demval: config: MaxSkipFraction must be within [0, 1] but is %g",
			c.MaxSkipFraction)
	}
	if _, err := tilestore.NewDateRange(c.StartDate, c.EndDate); err != nil {
		return fmt.Errorf("demval: config: %v", err)
	}
	return nil
}

// JobState describes where a validation job is in its lifecycle.
type JobState int

// These are the states a validation job moves through. Every job
// starts Pending and finishes either Done or Failed.
const (
	Pending JobState = iota
	Sharding
	Running
	Collecting
	Done
	Failed
)

func (s JobState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sharding:
		return "sharding"
	case Running:
		return "running"
	case Collecting:
		return "collecting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// A StatusReporter receives progress updates as a validation job moves
// through its lifecycle. Implementations typically record the state in
// a jobs database so that other processes can monitor running
// validations. Implementations must be safe for concurrent use.
type StatusReporter interface {
	// UpdateJobStatus records a change in the state of a job, along
	// with a short human-readable message.
	UpdateJobStatus(job string, state JobState, msg string) error

	// JobStatus returns the most recently recorded state of a job.
	JobStatus(job string) (JobState, error)
}

// nopStatus is a StatusReporter that discards all updates. It is used
// when no reporter has been configured.
type nopStatus struct{}

func (nopStatus) UpdateJobStatus(job string, state JobState, msg string) error { return nil }

func (nopStatus) JobStatus(job string) (JobState, error) { return Pending, nil }
