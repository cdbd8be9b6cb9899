package eval

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/xuri/excelize/v2"
)

var fixedColumns = []string{"sample_id", "question", "answer", "error"}

func header() []string {
	return append(append([]string{}, fixedColumns...), MetricNames...)
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// rows returns the per-sample table followed by a "mean" summary row.
// Missing metrics are empty cells.
func (r *Report) rows() [][]string {
	out := make([][]string, 0, len(r.Samples)+1)
	for _, s := range r.Samples {
		row := []string{s.SampleID, s.Question, s.Answer, s.Error}
		for _, name := range MetricNames {
			if v, ok := s.Metrics[name]; ok {
				row = append(row, format(v))
			} else {
				row = append(row, "")
			}
		}
		out = append(out, row)
	}

	summary := []string{"mean", "", "", fmt.Sprintf("%d failed", r.Failed)}
	for _, name := range MetricNames {
		if v, ok := r.Means[name]; ok {
			summary = append(summary, format(v))
		} else {
			summary = append(summary, "")
		}
	}
	return append(out, summary)
}

func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header()); err != nil {
		return err
	}
	if err := cw.WriteAll(r.rows()); err != nil {
		return err
	}
	return cw.Error()
}

const (
	resultsSheet = "Results"
	configSheet  = "Config"
)

// WriteXLSX writes the per-sample table and a sheet of run parameters.
func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	for col, h := range header() {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(resultsSheet, cell, h)
	}
	for i, row := range r.rows() {
		for col, v := range row {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if col >= len(fixedColumns) && v != "" {
				n, _ := strconv.ParseFloat(v, 64)
				f.SetCellValue(resultsSheet, cell, n)
				continue
			}
			f.SetCellValue(resultsSheet, cell, v)
		}
	}

	if _, err := f.NewSheet(configSheet); err != nil {
		return fmt.Errorf("failed to create config sheet: %w", err)
	}
	f.SetActiveSheet(0)
	params := r.Config.Params()
	keys := sortedKeys(params)
	f.SetCellValue(configSheet, "A1", "run_id")
	f.SetCellValue(configSheet, "B1", r.RunID)
	for i, k := range keys {
		f.SetCellValue(configSheet, fmt.Sprintf("A%d", i+2), k)
		f.SetCellValue(configSheet, fmt.Sprintf("B%d", i+2), params[k])
	}

	_, err := f.WriteTo(w)
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
