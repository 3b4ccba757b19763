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
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/cdf"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/sparse"
	goshp "github.com/jonas-p/go-shp"
)

// resultColumns lists the base output columns in table order, keyed
// to the CellStatRecord fields that hold them. The column names are
// the vocabulary that output variable expressions are written in.
var resultColumns = []struct{ name, field string }{
	{"i", "I"},
	{"j", "J"},
	{"dem_elev", "DEMElev"},
	{"mean", "Mean"},
	{"median", "Median"},
	{"stddev", "StdDev"},
	{"numphotons", "NumPhotons"},
	{"numphotons_intd", "NumPhotonsIntd"},
	{"interdecile_range", "InterdecileRange"},
	{"range", "Range"},
	{"p10", "P10"},
	{"p90", "P90"},
	{"canopy_fraction", "CanopyFraction"},
	{"diff_mean", "DiffMean"},
	{"diff_median", "DiffMedian"},
	{"coverage_frac", "Coverage"},
}

// dbfNames holds the short aliases used for base columns in
// shapefile output; DBF field names are limited to 10 characters.
var dbfNames = map[string]string{
	"numphotons_intd":   "nphotintd",
	"interdecile_range": "intdrange",
	"canopy_fraction":   "canopyfrac",
	"diff_median":       "diffmedian",
	"coverage_frac":     "covfrac",
}

func dbfName(name string) string {
	if short, ok := dbfNames[name]; ok {
		return short
	}
	return name
}

// columnValue extracts the named CellStatRecord field as a float64.
func columnValue(rec *CellStatRecord, field string) float64 {
	v := reflect.ValueOf(rec).Elem().FieldByName(field)
	if v.Kind() == reflect.Int {
		return float64(v.Int())
	}
	return v.Float()
}

// columnMeta returns the description and units of a base column, or
// ok == false if name is not a base column.
func columnMeta(name string) (desc, units string, ok bool) {
	for _, c := range resultColumns {
		if c.name == name {
			f, _ := reflect.TypeOf(CellStatRecord{}).FieldByName(c.field)
			return f.Tag.Get("desc"), f.Tag.Get("units"), true
		}
	}
	return "", "", false
}

// baseColumns converts the records to named column vectors in table
// order. The coverage_frac column is omitted when coverage was not
// measured, in which case every record carries NaN there.
func baseColumns(records []CellStatRecord) ([]string, map[string][]float64) {
	names := make([]string, 0, len(resultColumns))
	cols := make(map[string][]float64, len(resultColumns))
	for _, c := range resultColumns {
		vec := make([]float64, len(records))
		measured := false
		for i := range records {
			vec[i] = columnValue(&records[i], c.field)
			if !math.IsNaN(vec[i]) {
				measured = true
			}
		}
		if c.name == "coverage_frac" && !measured {
			continue
		}
		names = append(names, c.name)
		cols[c.name] = vec
	}
	return names, cols
}

// An Outputter writes per-cell validation records to a results file,
// either as the base columns or transformed by user-defined output
// variable expressions.
type Outputter struct {
	fileName        string
	outputVariables map[string]string
	outputFunctions map[string]govaluate.ExpressionFunction
	modelVariables  []string
	expressions     map[string]*govaluate.EvaluableExpression
}

// NewOutputter initializes a new Outputter and adds a set of default
// output functions. Default functions include:
//
// 'abs(x)' which returns the absolute value of x.
//
// 'exp(x)' which applies the exponential function e^x.
//
// 'sqrt(x)' which returns the square root of x.
//
// outputVariables maps output column names to expressions over the
// base column names; an expression may also refer to other output
// variables, which are substituted in place. An empty map emits the
// base columns unchanged. The output format follows the extension of
// fileName: ".nc" for a NetCDF table, ".csv" for CSV, and ".shp" for
// an ESRI shapefile of cell polygons.
func NewOutputter(fileName string, outputVariables map[string]string, outputFunctions map[string]govaluate.ExpressionFunction) (*Outputter, error) {
	defaultOutputFuncs := map[string]govaluate.ExpressionFunction{
		"abs": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("demval: got %d arguments for function 'abs', but needs 1", len(arg))
			}
			return math.Abs(arg[0].(float64)), nil
		},
		"exp": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("demval: got %d arguments for function 'exp', but needs 1", len(arg))
			}
			return math.Exp(arg[0].(float64)), nil
		},
		"sqrt": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("demval: got %d arguments for function 'sqrt', but needs 1", len(arg))
			}
			return math.Sqrt(arg[0].(float64)), nil
		},
	}
	for key, val := range outputFunctions {
		defaultOutputFuncs[key] = val
	}

	o := &Outputter{
		fileName:        fileName,
		outputVariables: make(map[string]string, len(outputVariables)),
		outputFunctions: defaultOutputFuncs,
	}
	// Some configuration formats quote variable names in braces;
	// the names here never need quoting, so the braces are dropped.
	for key, val := range outputVariables {
		val = strings.Replace(val, "{", "", -1)
		o.outputVariables[key] = strings.Replace(val, "}", "", -1)
	}

	if err := o.checkForDerivatives(); err != nil {
		return nil, err
	}
	if err := checkOutputNames(o.outputVariables); err != nil {
		return nil, err
	}
	o.expressions = make(map[string]*govaluate.EvaluableExpression, len(o.outputVariables))
	for key, val := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(val, o.outputFunctions)
		if err != nil {
			return nil, fmt.Errorf("demval: output variable %s: %v", key, err)
		}
		o.expressions[key] = expression
	}
	return o, nil
}

// removeDuplicates removes all duplicated strings from a slice,
// returning a slice that contains only unique strings.
func removeDuplicates(s []string) []string {
	result := make([]string, 0, len(s))
	seen := make(map[string]struct{})
	for _, val := range s {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// checkForDerivatives resolves output variables that are defined in
// terms of other output variables, replacing each reference with the
// parenthesized expression that defines it, and collects the unique
// base column names the resolved expressions require.
func (o *Outputter) checkForDerivatives() error {
	// A chain of references resolves in fewer passes than there are
	// variables; needing more means the definitions are circular.
	for pass := 0; ; pass++ {
		if pass > len(o.outputVariables) {
			return fmt.Errorf("demval: output variables contain a circular definition")
		}
		substituted := false
		for key, val := range o.outputVariables {
			expression, err := govaluate.NewEvaluableExpressionWithFunctions(val, o.outputFunctions)
			if err != nil {
				return fmt.Errorf("demval: output variable %s: %v", key, err)
			}
			for _, v := range removeDuplicates(expression.Vars()) {
				def, ok := o.outputVariables[v]
				if !ok || v == key || def == v {
					continue
				}
				// Whole-word replacement, so that a variable named
				// 'mean' does not match inside 'diff_mean'.
				re := regexp.MustCompile(`\b` + regexp.QuoteMeta(v) + `\b`)
				o.outputVariables[key] = re.ReplaceAllString(o.outputVariables[key], "("+def+")")
				substituted = true
			}
		}
		if !substituted {
			break
		}
	}

	base := make(map[string]struct{}, len(resultColumns))
	for _, c := range resultColumns {
		base[c.name] = struct{}{}
	}
	o.modelVariables = nil
	for key, val := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(val, o.outputFunctions)
		if err != nil {
			return fmt.Errorf("demval: output variable %s: %v", key, err)
		}
		for _, v := range expression.Vars() {
			if _, ok := base[v]; !ok {
				return fmt.Errorf("demval: output variable %s: undefined variable name '%s'", key, v)
			}
		}
		o.modelVariables = append(o.modelVariables, expression.Vars()...)
	}
	o.modelVariables = removeDuplicates(o.modelVariables)
	sort.Strings(o.modelVariables)
	return nil
}

// checkOutputNames confirms that every output variable name can be
// used as a shapefile field name: at most 10 characters, starting
// with a letter and containing only letters, digits, and underscores.
func checkOutputNames(o map[string]string) error {
	for key := range o {
		long := len(key) > 10
		okChars, err := regexp.MatchString("^[A-Za-z]\\w*$", key)
		if err != nil {
			panic(err)
		}
		if long && !okChars {
			return fmt.Errorf("demval: output variable name '%s' exceeds 10 characters and includes unsupported character(s)", key)
		} else if long {
			return fmt.Errorf("demval: output variable name '%s' exceeds 10 characters", key)
		} else if !okChars {
			return fmt.Errorf("demval: output variable name '%s' includes unsupported characters", key)
		}
	}
	return nil
}

// results converts the records to output column vectors: the base
// columns when no output variables are configured, or otherwise one
// column per output variable, evaluated row by row.
func (o *Outputter) results(records []CellStatRecord) ([]string, map[string][]float64, error) {
	baseNames, base := baseColumns(records)
	if len(o.outputVariables) == 0 {
		return baseNames, base, nil
	}
	for _, v := range o.modelVariables {
		if _, ok := base[v]; !ok {
			return nil, nil, fmt.Errorf("demval: output variables require column %s, which was not measured", v)
		}
	}

	names := make([]string, 0, len(o.outputVariables))
	for name := range o.outputVariables {
		names = append(names, name)
	}
	sort.Strings(names)
	cols := make(map[string][]float64, len(names))
	for _, name := range names {
		cols[name] = make([]float64, len(records))
	}

	params := make(map[string]interface{}, len(o.modelVariables))
	for i := range records {
		for _, v := range o.modelVariables {
			params[v] = base[v][i]
		}
		for _, name := range names {
			result, err := o.expressions[name].Evaluate(params)
			if err != nil {
				return nil, nil, fmt.Errorf("demval: evaluating output variable %s: %v", name, err)
			}
			val, ok := result.(float64)
			if !ok {
				return nil, nil, fmt.Errorf("demval: output variable %s: expression '%s' does not evaluate to a number", name, o.outputVariables[name])
			}
			cols[name][i] = val
		}
	}
	return names, cols, nil
}

// Output writes the records to the Outputter's file, in the format
// chosen by the file extension. A validation that produced no
// records writes an "_EMPTY.txt" marker next to the output file
// instead, so that reruns can tell an empty result from a missing
// one.
func (o *Outputter) Output(r *Raster, records []CellStatRecord) error {
	if len(records) == 0 {
		return o.writeEmptyMarker()
	}
	names, cols, err := o.results(records)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(o.fileName)); ext {
	case ".nc":
		return o.writeNetCDF(r, names, cols, len(records))
	case ".csv":
		return o.writeCSV(names, cols, len(records))
	case ".shp":
		return o.writeShapefile(r, records, names, cols)
	default:
		return fmt.Errorf("demval: output file %s: unsupported format '%s'", o.fileName, ext)
	}
}

func (o *Outputter) writeEmptyMarker() error {
	name := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName)) + "_EMPTY.txt"
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("demval: creating empty-results marker: %v", err)
	}
	fmt.Fprintf(f, "%s had no validation results.\n", filepath.Base(o.fileName))
	return f.Close()
}

func (o *Outputter) writeNetCDF(r *Raster, names []string, cols map[string][]float64, n int) error {
	h := cdf.NewHeader([]string{"cell"}, []int{n})
	h.AddAttribute("", "version", Version)
	h.AddAttribute("", "crs", r.CRS)
	h.AddAttribute("", "geotransform", r.GeoTransform[:])
	h.AddAttribute("", "nodata", []float64{r.NoData})
	for _, name := range names {
		if name == "i" || name == "j" {
			h.AddVariable(name, []string{"cell"}, []int32{0})
		} else {
			h.AddVariable(name, []string{"cell"}, []float64{0})
		}
		if desc, units, ok := columnMeta(name); ok {
			h.AddAttribute(name, "description", desc)
			h.AddAttribute(name, "units", units)
		} else {
			h.AddAttribute(name, "description", o.outputVariables[name])
		}
	}
	h.Define()

	w, err := os.Create(o.fileName)
	if err != nil {
		return fmt.Errorf("demval: creating output file: %v", err)
	}
	defer w.Close()
	f, err := cdf.Create(w, h)
	if err != nil {
		return fmt.Errorf("demval: writing results table: %v", err)
	}
	for _, name := range names {
		end := f.Header.Lengths(name)
		start := make([]int, len(end))
		wr := f.Writer(name, start, end)
		if name == "i" || name == "j" {
			data := make([]int32, n)
			for k, v := range cols[name] {
				data[k] = int32(v)
			}
			_, err = wr.Write(data)
		} else {
			_, err = wr.Write(cols[name])
		}
		if err != nil {
			return fmt.Errorf("demval: writing results column %s: %v", name, err)
		}
	}
	if err := cdf.UpdateNumRecs(w); err != nil {
		return fmt.Errorf("demval: writing results table: %v", err)
	}
	return nil
}

func (o *Outputter) writeCSV(names []string, cols map[string][]float64, n int) error {
	f, err := os.Create(o.fileName)
	if err != nil {
		return fmt.Errorf("demval: creating output file: %v", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(names); err != nil {
		return fmt.Errorf("demval: writing results CSV: %v", err)
	}
	row := make([]string, len(names))
	for i := 0; i < n; i++ {
		for j, name := range names {
			v := cols[name][i]
			if name == "i" || name == "j" {
				row[j] = strconv.Itoa(int(v))
			} else {
				row[j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("demval: writing results CSV: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("demval: writing results CSV: %v", err)
	}
	return nil
}

func (o *Outputter) writeShapefile(r *Raster, records []CellStatRecord, names []string, cols map[string][]float64) error {
	fields := make([]goshp.Field, len(names))
	for i, v := range names {
		fields[i] = goshp.FloatField(dbfName(v), 14, 8)
	}

	fileBase := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName))
	shape, err := shp.NewEncoderFromFields(fileBase+".shp", goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("demval: creating output shapefile: %v", err)
	}
	for i, rec := range records {
		b := r.CellBounds(rec.I, rec.J)
		cell := geom.Polygon{{
			geom.Point{X: b.Min.X, Y: b.Min.Y},
			geom.Point{X: b.Max.X, Y: b.Min.Y},
			geom.Point{X: b.Max.X, Y: b.Max.Y},
			geom.Point{X: b.Min.X, Y: b.Max.Y},
			geom.Point{X: b.Min.X, Y: b.Min.Y},
		}}
		outFields := make([]interface{}, len(names))
		for j, v := range names {
			outFields[j] = cols[v][i]
		}
		if err := shape.EncodeFields(cell, outFields...); err != nil {
			return fmt.Errorf("demval: writing output shapefile: %v", err)
		}
	}
	shape.Close()

	// The cell polygons are in the DEM's coordinate system, so its
	// CRS text becomes the .prj sidecar.
	f, err := os.Create(fileBase + ".prj")
	if err != nil {
		return fmt.Errorf("demval: creating output prj file: %v", err)
	}
	fmt.Fprint(f, r.CRS)
	return f.Close()
}

// WriteErrorMap writes a raster with the same geometry as r holding
// the diff_mean statistic at each validated cell and the no-data
// value everywhere else.
func (r *Raster) WriteErrorMap(path string, records []CellStatRecord) error {
	grid := sparse.ZerosDense(r.Ny, r.Nx)
	for i := range grid.Elements {
		grid.Elements[i] = r.NoData
	}
	for _, rec := range records {
		grid.Set(rec.DiffMean, rec.I, rec.J)
	}
	m, err := NewRaster(r.GeoTransform, r.CRS, r.NoData, grid)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demval: creating error map %s: %v", path, err)
	}
	if err := m.writeBand(f, "diff_mean", "DEM elevation minus mean photon height", "m"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
