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

// Package demvalutil is the command-line interface for validating
// digital elevation models against the ICESat-2 photon database.
package demvalutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/lnashier/viper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ciresdem/demval"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to DEMVal.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "DEMFile",
			usage: `
              DEMFile is the path to the elevation raster to validate. It can
              be a local file, an http(s) URL, or a gs://, s3://, or file://
              blob location, in which case the raster is downloaded before
              validation.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "JobName",
			usage: `
              JobName identifies the validation job in progress reports. When
              empty, a stable name is derived from the DEM file name and the
              configuration.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "OutputDir",
			usage: `
              OutputDir is the directory the result files are written into.
              It must already exist. When empty, results go to the current
              directory.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "OutputFormats",
			usage: `
              OutputFormats lists the formats the results table is written
              in. Allowed entries are nc (NetCDF), csv, and shp (cell-polygon
              shapefile).`,
			defaultVal: []string{"nc", "csv"},
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "OutputVariables",
			usage: `
              OutputVariables specifies which columns should be included in
              the results table, mapping column names to expressions over the
              measured columns, for example {"error": "diff_mean"}. When
              empty, every measured column is written.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "TileDir",
			usage: `
              TileDir is the location of the photon tile database: a local
              directory, or an http(s), gs://, s3://, or file:// location to
              stage the needed tiles from.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags(), tilesIndexCmd.Flags()},
		},
		{
			name: "NumWorkers",
			usage: `
              NumWorkers is the number of parallel validation workers.
              Zero means one worker per CPU.`,
			shorthand:  "n",
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MinPhotons",
			usage: `
              MinPhotons is the minimum number of usable ground photons a DEM
              cell must contain for its statistics to be reported.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "PhotonLimit",
			usage: `
              PhotonLimit caps the number of ground photons used per cell;
              cells containing more are evenly thinned first. Zero means no
              limit.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "BandLow",
			usage: `
              BandLow is the lower quantile bound of the height band used to
              screen outlier photons within each cell.`,
			defaultVal: 0.1,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "BandHigh",
			usage: `
              BandHigh is the upper quantile bound of the height band used to
              screen outlier photons within each cell.`,
			defaultVal: 0.9,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "OutlierStdDevs",
			usage: `
              OutlierStdDevs drops whole cells whose mean elevation
              difference lies more than this many standard deviations from
              the mean difference across all cells. A negative value disables
              the screen.`,
			defaultVal: 2.5,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MeasureCoverage",
			usage: `
              MeasureCoverage adds a column to the results measuring the
              fraction of each DEM cell footprint covered by photons.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "StartDate",
			usage: `
              StartDate restricts the photons used to granules acquired on or
              after this date. Format = "YYYYMMDD". Empty means unbounded.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "EndDate",
			usage: `
              EndDate restricts the photons used to granules acquired on or
              before this date. Format = "YYYYMMDD". Empty means unbounded.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "Beams",
			usage: `
              Beams restricts which of the six ICESat-2 beams contribute
              photons, for example gt1l or gt3r. An empty list means all
              beams.`,
			defaultVal: []string{},
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MaxQuality",
			usage: `
              MaxQuality is the highest photon quality flag accepted;
              0 accepts only nominal-quality photons.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MinConfidence",
			usage: `
              MinConfidence is the lowest land or land-ice signal confidence
              level accepted, from 0 to 4.`,
			defaultVal: 4,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MinClass",
			usage: `
              MinClass is the lowest land classification code accepted;
              1 accepts ground and canopy photons but not noise.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "BadGranuleFile",
			usage: `
              BadGranuleFile is a file listing granules whose photons should
              be excluded from validation, either one granule file name per
              line or a CSV table with a granule_name column.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "MaxSkipFraction",
			usage: `
              MaxSkipFraction is the fraction of a job's tiles that may fail
              to load before the whole job fails instead of being reported
              with the failures skipped.`,
			defaultVal: 0.2,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "WorkerTimeoutSeconds",
			usage: `
              WorkerTimeoutSeconds is the longest a single validation worker
              may run before the job is failed. Zero means no limit.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "JobTimeoutSeconds",
			usage: `
              JobTimeoutSeconds is the longest a whole validation job may run
              before it is failed. Zero means no limit.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{validateCmd.Flags()},
		},
		{
			name: "ResultsFile",
			usage: `
              ResultsFile is the NetCDF results table to convert.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{exportCmd.Flags()},
		},
		{
			name: "ExportFile",
			usage: `
              ExportFile is the destination file; its extension chooses the
              format. Allowed extensions are .csv and .xlsx.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{exportCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("DEMVAL")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(validateCmd)
	Root.AddCommand(tilesCmd)
	tilesCmd.AddCommand(tilesIndexCmd)
	Root.AddCommand(exportCmd)
}

// outChan returns a channel printing to standard output.
func outChan() chan string {
	outChan := make(chan string)
	go func() {
		for {
			msg := <-outChan
			fmt.Print(msg)
		}
	}()
	return outChan
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("demval: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "demval",
	Short: "A DEM validator backed by ICESat-2 photon returns.",
	Long: `DEMVal checks digital elevation models against a database of ICESat-2
laser altimetry photons and reports per-cell accuracy statistics.
Use the subcommands specified below to access the functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'DEMVAL_var' where 'var' is the
name of the variable to be set. Many configuration variables are additionally
allowed to contain environment variables within them.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of DEMVal.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("DEMVal v%s\n", demval.Version)
	},
	DisableAutoGenTag: true,
}

// validateCmd is a command that runs one validation job.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a DEM against the photon database.",
	Long: `validate runs one validation job as specified in the configuration,
writing a results table, a summary statistics report, and an error map
raster into the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		outChan := outChan()

		cfg, err := validationConfig(ctx, Cfg, outChan)
		if err != nil {
			return err
		}
		demFile := os.ExpandEnv(Cfg.GetString("DEMFile"))
		if demFile == "" {
			return fmt.Errorf("you need to specify the DEM to validate in the " +
				"'DEMFile' configuration variable.")
		}
		outputDir, err := checkOutputDir(Cfg.GetString("OutputDir"))
		if err != nil {
			return err
		}
		formats, err := checkOutputFormats(Cfg.GetStringSlice("OutputFormats"))
		if err != nil {
			return err
		}
		outputVars := checkOutputVars(GetStringMapString("OutputVariables", Cfg))

		return Validate(ctx, cfg, Cfg.GetString("JobName"), demFile,
			outputDir, formats, outputVars, outChan)
	},
	DisableAutoGenTag: true,
}

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Manage the photon tile database.",
	Long: `tiles groups commands for maintaining the photon tile database.
(Currently 'index' is the only available subcommand.)`,
	DisableAutoGenTag: true,
}

// tilesIndexCmd is a command that rebuilds the tile database index.
var tilesIndexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the tile database index.",
	Long: `index scans the tile files in TileDir and rewrites the index file
that validation jobs use to select tiles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outChan := outChan()

		dir, err := checkTileDir(Cfg.GetString("TileDir"))
		if err != nil {
			return err
		}
		if IsBlob(dir) || strings.HasPrefix(dir, "http://") || strings.HasPrefix(dir, "https://") {
			return fmt.Errorf("demval: the tiles index command requires a local TileDir, not %s", dir)
		}
		return UpdateTileIndex(dir, outChan)
	},
	DisableAutoGenTag: true,
}

// exportCmd is a command that converts a results table to CSV or
// Microsoft Excel form.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Convert a results table to CSV or XLSX.",
	Long: `export converts a NetCDF results table written by the validate
command into CSV or Microsoft Excel form, chosen by the extension of
the destination file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outChan := outChan()

		resultsFile := os.ExpandEnv(Cfg.GetString("ResultsFile"))
		if resultsFile == "" {
			return fmt.Errorf("you need to specify the results table to convert in the " +
				"'ResultsFile' configuration variable.")
		}
		exportFile := os.ExpandEnv(Cfg.GetString("ExportFile"))
		if exportFile == "" {
			return fmt.Errorf("you need to specify the destination file in the " +
				"'ExportFile' configuration variable.")
		}
		return Export(maybeDownload(context.Background(), resultsFile, outChan), exportFile)
	},
	DisableAutoGenTag: true,
}
