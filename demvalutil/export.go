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
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ctessum/cdf"
	"github.com/tealeg/xlsx"
)

// resultsTable holds the columns of a results file, in the order they
// were written.
type resultsTable struct {
	names []string
	cols  map[string][]float64
	// ints marks the columns that hold integers (the cell indices).
	ints map[string]bool
	rows int
}

// Export converts the results table in resultsFile into CSV or
// Microsoft Excel form, chosen by the extension of exportFile.
func Export(resultsFile, exportFile string) error {
	table, err := readResultsTable(resultsFile)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(exportFile)); ext {
	case ".csv":
		return exportCSV(exportFile, table)
	case ".xlsx":
		return exportXLSX(exportFile, table)
	default:
		return fmt.Errorf("demval: export file %s: unsupported format '%s'",
			exportFile, filepath.Ext(exportFile))
	}
}

// readResultsTable reads every variable of a NetCDF results table.
func readResultsTable(path string) (*resultsTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("demval: opening results table: %v", err)
	}
	defer f.Close()
	nc, err := cdf.Open(f)
	if err != nil {
		return nil, fmt.Errorf("demval: reading results table %s: %v", path, err)
	}
	table := &resultsTable{
		cols: make(map[string][]float64),
		ints: make(map[string]bool),
	}
	for _, name := range nc.Header.Variables() {
		r := nc.Reader(name, nil, nil)
		buf := r.Zero(-1)
		if _, err := r.Read(buf); err != nil {
			return nil, fmt.Errorf("demval: reading results variable %s: %v", name, err)
		}
		switch data := buf.(type) {
		case []int32:
			vals := make([]float64, len(data))
			for k, d := range data {
				vals[k] = float64(d)
			}
			table.cols[name] = vals
			table.ints[name] = true
		case []float64:
			table.cols[name] = data
		default:
			return nil, fmt.Errorf("demval: results variable %s has unsupported type %T", name, buf)
		}
		if len(table.names) > 0 && len(table.cols[name]) != table.rows {
			return nil, fmt.Errorf("demval: results variable %s has %d rows; expected %d",
				name, len(table.cols[name]), table.rows)
		}
		table.names = append(table.names, name)
		table.rows = len(table.cols[name])
	}
	if len(table.names) == 0 {
		return nil, fmt.Errorf("demval: results table %s contains no variables", path)
	}
	return table, nil
}

func exportCSV(path string, table *resultsTable) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demval: creating export file: %v", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(table.names); err != nil {
		return fmt.Errorf("demval: writing export file: %v", err)
	}
	row := make([]string, len(table.names))
	for k := 0; k < table.rows; k++ {
		for i, name := range table.names {
			v := table.cols[name][k]
			if table.ints[name] {
				row[i] = strconv.Itoa(int(v))
			} else {
				row[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("demval: writing export file: %v", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("demval: writing export file: %v", err)
	}
	return nil
}

func exportXLSX(path string, table *resultsTable) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("results")
	if err != nil {
		return fmt.Errorf("demval: creating export sheet: %v", err)
	}
	header := sheet.AddRow()
	for _, name := range table.names {
		header.AddCell().SetString(name)
	}
	for k := 0; k < table.rows; k++ {
		row := sheet.AddRow()
		for _, name := range table.names {
			cell := row.AddCell()
			v := table.cols[name][k]
			if table.ints[name] {
				cell.SetInt(int(v))
			} else {
				cell.SetFloat(v)
			}
		}
	}
	if err := f.Save(path); err != nil {
		return fmt.Errorf("demval: writing export file: %v", err)
	}
	return nil
}
