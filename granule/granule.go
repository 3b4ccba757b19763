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

// Package granule reads classified ICESat-2 photon granules.
//
// A granule holds the photon returns collected by the six ATLAS laser
// beams during one pass over a ground-track segment, together with the
// land classification assigned to each photon. Granules are stored as
// NetCDF containers in which the original dataset hierarchy is
// flattened, with path separators replaced by underscores, so the
// dataset gt1l/heights/h_ph becomes the variable gt1l_heights_h_ph.
package granule

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// A Beam identifies one of the six ATLAS laser beams, or all of them
// together.
type Beam int

// The six beams in their fixed ordering. BeamAll selects every beam;
// data requested for BeamAll is concatenated in this order.
const (
	BeamAll Beam = iota
	GT1L
	GT1R
	GT2L
	GT2R
	GT3L
	GT3R
)

var beamNames = []string{"all", "gt1l", "gt1r", "gt2l", "gt2r", "gt3l", "gt3r"}

func (b Beam) String() string {
	if b < BeamAll || b > GT3R {
		return fmt.Sprintf("unknown(%d)", int(b))
	}
	return beamNames[b]
}

// Beams returns the six beams in their fixed ordering.
func Beams() []Beam {
	return []Beam{GT1L, GT1R, GT2L, GT2R, GT3L, GT3R}
}

// ParseBeam converts a beam name such as "gt2r" to a Beam. The name
// "all" gives BeamAll.
func ParseBeam(name string) (Beam, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, bn := range beamNames {
		if n == bn {
			return Beam(i), nil
		}
	}
	return BeamAll, fmt.Errorf("granule: invalid beam name %q; valid names are %s",
		name, strings.Join(beamNames[1:], ", "))
}

// An ID is the numeric form of an ICESat-2 granule name. The granule
// ATL03_20181014001049_02350103_006_02.h5 packs into the pair
// {20181014001049, 235010300602}: Time holds the acquisition start
// timestamp digits and Track holds the reference ground track, cycle,
// segment, version, and revision digits. Both components fit exactly
// in a float64, which allows them to be stored in NetCDF files that
// have no 64-bit integer type.
type ID struct {
	Time  int64
	Track int64
}

// ParseID extracts the numeric granule ID from a granule file name.
func ParseID(name string) (ID, error) {
	base := filepath.Base(name)
	if i := strings.Index(base, "."); i != -1 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) != 5 || len(parts[1]) != 14 || len(parts[2]) != 8 {
		return ID{}, fmt.Errorf("granule: %s: name does not match PRODUCT_YYYYMMDDHHMMSS_ttttccss_vvv_rr", name)
	}
	var id ID
	var err error
	id.Time, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("granule: %s: parsing timestamp: %v", name, err)
	}
	track, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("granule: %s: parsing ground track: %v", name, err)
	}
	version, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("granule: %s: parsing version: %v", name, err)
	}
	revision, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("granule: %s: parsing revision: %v", name, err)
	}
	id.Track = track*100000 + version*100 + revision
	return id, nil
}

// String reconstructs the granule name, without directory or
// extension, from the numeric ID.
func (id ID) String() string {
	revision := id.Track % 100
	version := (id.Track / 100) % 1000
	track := id.Track / 100000
	return fmt.Sprintf("ATL03_%014d_%08d_%03d_%02d", id.Time, track, version, revision)
}

// Date returns the acquisition date of the granule in YYYYMMDD form.
func (id ID) Date() string {
	return fmt.Sprintf("%08d", id.Time/1000000)
}

// A NotFoundError indicates that a requested granule file does not
// exist. The granule may not have been fetched yet, so callers may
// treat this error as retryable after downloading the granule.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("granule: %s: granule file not found", e.Path)
}

// A FieldNotFoundError indicates that a granule does not contain a
// requested dataset for any of the requested beams.
type FieldNotFoundError struct {
	Path  string
	Field string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("granule: %s: no dataset matching %s", e.Path, e.Field)
}

// A BadGranuleError indicates that a granule file exists but cannot be
// read, for example because it is truncated or is not a NetCDF file.
type BadGranuleError struct {
	Path string
	Err  error
}

func (e *BadGranuleError) Error() string {
	return fmt.Sprintf("granule: %s: malformed granule: %v", e.Path, e.Err)
}
