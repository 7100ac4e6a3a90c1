// Package roistats computes per-region summary statistics over derived
// parameter maps in atlas space, and renders them as tables, box plots
// and an HTML report.
package roistats

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// LRoffset separates left-hemisphere label IDs from their right-hemisphere
// counterparts in the atlas label volume.
const LROffset = 2000

// Table maps base label IDs to region names. The label volume encodes the
// left hemisphere as base ID + LROffset.
type Table map[int]string

// LoadLabelTable reads a two-column CSV (id,name). A non-numeric first
// field on the first row is treated as a header and skipped.
func LoadLabelTable(fs fsutil.FileSystem, path string) (Table, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label table: %w", err)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	table := make(Table)
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse label table: %w", err)
		}
		line++
		if len(rec) < 2 {
			return nil, fmt.Errorf("label table line %d: want id,name got %d fields", line, len(rec))
		}
		id, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			if line == 1 {
				continue // header row
			}
			return nil, fmt.Errorf("label table line %d: bad id %q", line, rec[0])
		}
		table[id] = strings.TrimSpace(rec[1])
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("label table %s: no entries", path)
	}
	return table, nil
}

// Name returns the hemisphere-qualified region name for a label volume ID.
// Base IDs name the right hemisphere; base + LROffset names the left.
// Unknown IDs get a numeric placeholder so they still appear in outputs.
func (t Table) Name(id int) string {
	if name, ok := t[id]; ok {
		return name + "_R"
	}
	if id > LROffset {
		if name, ok := t[id-LROffset]; ok {
			return name + "_L"
		}
	}
	return fmt.Sprintf("label_%d", id)
}

// IDs returns every label volume ID the table describes, both hemispheres,
// sorted ascending.
func (t Table) IDs() []int {
	ids := make([]int, 0, 2*len(t))
	for id := range t {
		ids = append(ids, id, id+LROffset)
	}
	sort.Ints(ids)
	return ids
}
