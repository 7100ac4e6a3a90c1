package roistats

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

var tableHeader = []string{
	"label", "name", "n_voxels",
	"mean", "median", "std", "iqr",
	"min", "max", "q1", "q3", "p05", "p95",
	"pct_within_1sd", "pct_within_whiskers",
}

// WriteTable writes the per-region summaries as delimited text. The
// delimiter follows the extension convention of the caller: '\t' for
// .tsv, ',' for .csv.
func WriteTable(fs fsutil.FileSystem, path string, rows []Summary, comma rune) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma

	if err := w.Write(tableHeader); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			strconv.Itoa(r.Label),
			r.Name,
			strconv.Itoa(r.NVoxels),
			formatFloat(r.Mean),
			formatFloat(r.Median),
			formatFloat(r.Std),
			formatFloat(r.IQR),
			formatFloat(r.Min),
			formatFloat(r.Max),
			formatFloat(r.Q1),
			formatFloat(r.Q3),
			formatFloat(r.P05),
			formatFloat(r.P95),
			formatFloat(r.PctWithin1SD),
			formatFloat(r.PctWithinWhiskers),
		}
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("write table row for label %d: %w", r.Label, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush table: %w", err)
	}

	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write table file: %w", err)
	}
	return nil
}

// ReadTable reads a table previously written by WriteTable. It lets a
// rerun fold cached group results back into the aggregate report.
func ReadTable(fs fsutil.FileSystem, path string, comma rune) ([]Summary, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read table file: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse table %s: %w", path, err)
	}
	if len(records) == 0 || len(records[0]) != len(tableHeader) {
		return nil, fmt.Errorf("table %s: unexpected column count", path)
	}

	var rows []Summary
	for i, rec := range records[1:] {
		s, err := parseSummary(rec)
		if err != nil {
			return nil, fmt.Errorf("table %s row %d: %w", path, i+2, err)
		}
		rows = append(rows, s)
	}
	return rows, nil
}

func parseSummary(rec []string) (Summary, error) {
	if len(rec) != len(tableHeader) {
		return Summary{}, fmt.Errorf("want %d fields, got %d", len(tableHeader), len(rec))
	}
	label, err := strconv.Atoi(rec[0])
	if err != nil {
		return Summary{}, fmt.Errorf("label %q: %w", rec[0], err)
	}
	nvox, err := strconv.Atoi(rec[2])
	if err != nil {
		return Summary{}, fmt.Errorf("n_voxels %q: %w", rec[2], err)
	}
	s := Summary{Label: label, Name: rec[1], NVoxels: nvox}
	for i, dst := range []*float64{
		&s.Mean, &s.Median, &s.Std, &s.IQR,
		&s.Min, &s.Max, &s.Q1, &s.Q3, &s.P05, &s.P95,
		&s.PctWithin1SD, &s.PctWithinWhiskers,
	} {
		v, err := strconv.ParseFloat(rec[3+i], 64)
		if err != nil {
			return Summary{}, fmt.Errorf("%s %q: %w", tableHeader[3+i], rec[3+i], err)
		}
		*dst = v
	}
	return s, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
