package roistats

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/nifti"
)

// Summary holds the per-region statistics for one parameter map.
type Summary struct {
	Label   int
	Name    string
	NVoxels int
	Mean    float64
	Median  float64
	Std     float64
	IQR     float64
	Min     float64
	Max     float64
	Q1      float64
	Q3      float64
	P05     float64
	P95     float64

	// PctWithin1SD is the share of voxels within one standard deviation
	// of the mean; PctWithinWhiskers the share inside the Tukey fences
	// (1.5 IQR beyond the quartiles). Both in percent.
	PctWithin1SD      float64
	PctWithinWhiskers float64
}

// Sample is one region's raw voxel values, already filtered.
type Sample struct {
	Label  int
	Name   string
	Values []float64
}

// Options controls voxel filtering during extraction. Non-finite values
// are always dropped; negative values are dropped unless KeepNegative.
type Options struct {
	KeepNegative bool
}

// Extract reads a label volume and a parameter map on the same grid and
// groups the map's voxels by region. Label 0 is background and skipped.
// Regions appear sorted by label ID.
func Extract(fs fsutil.FileSystem, labelPath, imagePath string, table Table, opts Options) ([]Sample, error) {
	labels, err := nifti.ReadImage(fs, labelPath)
	if err != nil {
		return nil, fmt.Errorf("read label volume: %w", err)
	}
	img, err := nifti.ReadImage(fs, imagePath)
	if err != nil {
		return nil, fmt.Errorf("read parameter map: %w", err)
	}
	if !nifti.SameGrid(&labels.Header, &img.Header) {
		return nil, fmt.Errorf("label volume %s and parameter map %s are on different grids (%v vs %v)",
			labelPath, imagePath, labels.Header.Dim, img.Header.Dim)
	}

	byLabel := make(map[int][]float64)
	for i, lv := range labels.Data {
		id := int(math.Round(lv))
		if id == 0 {
			continue
		}
		v := img.Data[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < 0 && !opts.KeepNegative {
			continue
		}
		byLabel[id] = append(byLabel[id], v)
	}

	ids := make([]int, 0, len(byLabel))
	for id := range byLabel {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	samples := make([]Sample, 0, len(ids))
	for _, id := range ids {
		samples = append(samples, Sample{Label: id, Name: table.Name(id), Values: byLabel[id]})
	}
	return samples, nil
}

// Summarize computes the summary statistics for one region sample.
func Summarize(s Sample) Summary {
	out := Summary{Label: s.Label, Name: s.Name, NVoxels: len(s.Values)}
	if len(s.Values) == 0 {
		return out
	}

	sorted := append([]float64(nil), s.Values...)
	sort.Float64s(sorted)

	out.Min = sorted[0]
	out.Max = sorted[len(sorted)-1]
	out.Mean = stat.Mean(sorted, nil)
	out.Median = stat.Quantile(0.5, stat.LinInterp, sorted, nil)
	out.Q1 = stat.Quantile(0.25, stat.LinInterp, sorted, nil)
	out.Q3 = stat.Quantile(0.75, stat.LinInterp, sorted, nil)
	out.P05 = stat.Quantile(0.05, stat.LinInterp, sorted, nil)
	out.P95 = stat.Quantile(0.95, stat.LinInterp, sorted, nil)
	out.IQR = out.Q3 - out.Q1
	if len(sorted) > 1 {
		out.Std = stat.StdDev(sorted, nil)
	}

	loFence := out.Q1 - 1.5*out.IQR
	hiFence := out.Q3 + 1.5*out.IQR
	withinSD := 0
	withinWhiskers := 0
	for _, v := range sorted {
		if math.Abs(v-out.Mean) <= out.Std {
			withinSD++
		}
		if v >= loFence && v <= hiFence {
			withinWhiskers++
		}
	}
	n := float64(len(sorted))
	out.PctWithin1SD = 100 * float64(withinSD) / n
	out.PctWithinWhiskers = 100 * float64(withinWhiskers) / n
	return out
}

// SummarizeAll maps Summarize over a sample set.
func SummarizeAll(samples []Sample) []Summary {
	out := make([]Summary, len(samples))
	for i, s := range samples {
		out[i] = Summarize(s)
	}
	return out
}
