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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/lnashier/viper"
	"github.com/spf13/cast"

	"github.com/ciresdem/demval"
	"github.com/ciresdem/demval/tilestore"
)

// validationConfig assembles a demval.Config from the viper
// configuration, expanding environment variables in the string-valued
// settings and fetching the bad-granule list if one is configured.
func validationConfig(ctx context.Context, cfg *viper.Viper, c chan string) (*demval.Config, error) {
	tileDir, err := checkTileDir(cfg.GetString("TileDir"))
	if err != nil {
		return nil, err
	}
	out := &demval.Config{
		TileDir:         tileDir,
		NumWorkers:      cfg.GetInt("NumWorkers"),
		MinPhotons:      cfg.GetInt("MinPhotons"),
		PhotonLimit:     cfg.GetInt("PhotonLimit"),
		BandLow:         cfg.GetFloat64("BandLow"),
		BandHigh:        cfg.GetFloat64("BandHigh"),
		OutlierStdDevs:  cfg.GetFloat64("OutlierStdDevs"),
		MeasureCoverage: cfg.GetBool("MeasureCoverage"),
		StartDate:       os.ExpandEnv(cfg.GetString("StartDate")),
		EndDate:         os.ExpandEnv(cfg.GetString("EndDate")),
		Beams:           expandStringSlice(cfg.GetStringSlice("Beams")),
		Filter: tilestore.PhotonFilter{
			MaxQuality:    int16(cfg.GetInt("MaxQuality")),
			MinConfidence: int16(cfg.GetInt("MinConfidence")),
			MinClass:      int16(cfg.GetInt("MinClass")),
		},
		MaxSkipFraction:      cfg.GetFloat64("MaxSkipFraction"),
		WorkerTimeoutSeconds: cfg.GetFloat64("WorkerTimeoutSeconds"),
		JobTimeoutSeconds:    cfg.GetFloat64("JobTimeoutSeconds"),
	}
	if f := os.ExpandEnv(cfg.GetString("BadGranuleFile")); f != "" {
		granules, err := readBadGranules(maybeDownload(ctx, f, c))
		if err != nil {
			return nil, err
		}
		out.BadGranules = granules
	}
	return out, nil
}

// checkTileDir makes sure the photon tile database location is
// specified, and expands any environment variables in it.
func checkTileDir(dir string) (string, error) {
	dir = os.ExpandEnv(dir)
	if dir == "" {
		return "", fmt.Errorf("you need to specify the photon tile database location " +
			"in the 'TileDir' configuration variable.")
	}
	return dir, nil
}

// checkOutputDir expands any environment variables in the output
// directory and makes sure it exists. An empty value means the
// current directory.
func checkOutputDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	dir = os.ExpandEnv(dir)
	if _, err := os.Stat(dir); err != nil {
		return dir, fmt.Errorf("demval: the OutputDir directory doesn't exist: %v", err)
	}
	return dir, nil
}

// checkOutputFormats validates the list of result file formats,
// dropping duplicates. Leading dots and letter case are ignored.
func checkOutputFormats(formats []string) ([]string, error) {
	if len(formats) == 0 {
		return nil, fmt.Errorf("there are no formats specified for output. Please fill in " +
			"the OutputFormats configuration and try again.")
	}
	seen := make(map[string]bool)
	var o []string
	for _, f := range formats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		switch f {
		case "nc", "csv", "shp":
			if !seen[f] {
				seen[f] = true
				o = append(o, f)
			}
		default:
			return nil, fmt.Errorf("the OutputFormats variable in the configuration file "+
				"needs to be set to some of nc, csv, or shp, but contains `%s`", f)
		}
	}
	return o, nil
}

// checkOutputVars removes line breaks and expands environment
// variables in the user-defined output variables. An empty map is
// allowed and means every measured column is written.
func checkOutputVars(vars map[string]string) map[string]string {
	o := make(map[string]string, len(vars))
	for k, v := range vars {
		v = strings.Replace(v, "\r\n", " ", -1)
		v = strings.Replace(v, "\n", " ", -1)
		o[os.ExpandEnv(k)] = os.ExpandEnv(v)
	}
	return o
}

// expandStringSlice expands the environment variables in a slice of strings.
func expandStringSlice(s []string) []string {
	for i := 0; i < len(s); i++ {
		s[i] = os.ExpandEnv(s[i])
	}
	return s
}

// readBadGranules reads a list of granule file names, either one name
// per line or as a CSV table with a granule_name column, and returns
// the names. The names are validated later, when the validation
// configuration is checked.
func readBadGranules(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("demval: opening bad-granule list: %v", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("demval: reading bad-granule list %s: %v", path, err)
	}
	col := 0
	var names []string
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if i == 0 {
			header := false
			for k, field := range row {
				if strings.EqualFold(strings.TrimSpace(field), "granule_name") {
					col, header = k, true
				}
			}
			if header {
				continue
			}
		}
		if col >= len(row) {
			continue
		}
		if name := strings.TrimSpace(row[col]); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// ReadConfigFile loads a validation configuration directly from a TOML
// file, for programs that drive validations without the command-line
// layer.
func ReadConfigFile(path string) (*demval.Config, error) {
	c := new(demval.Config)
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("demval: reading configuration file %s: %v", path, err)
	}
	c.TileDir = os.ExpandEnv(c.TileDir)
	c.StartDate = os.ExpandEnv(c.StartDate)
	c.EndDate = os.ExpandEnv(c.EndDate)
	return c, nil
}

// GetStringMapString returns a map from a viper configuration,
// accounting for the fact that it might be a json object if it was set
// from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for GetStringMapString variable %s: %#v", varName, i))
	}
}

// resultsBase returns the path prefix the validate command writes its
// result files under: the DEM file name, without its extension,
// inside outputDir.
func resultsBase(outputDir, demFile string) string {
	name := strings.TrimSuffix(filepath.Base(demFile), filepath.Ext(demFile))
	return filepath.Join(outputDir, name)
}
