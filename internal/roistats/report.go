package roistats

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// RenderReport writes an HTML overview with one bar chart per modality,
// regions on the x axis and one series per group showing the region mean.
// The outer map is modality -> group -> summaries.
func RenderReport(fs fsutil.FileSystem, path, title string, byModality map[string]map[string][]Summary) error {
	page := components.NewPage()
	page.PageTitle = title

	modalities := sortedKeys(byModality)
	if len(modalities) == 0 {
		return fmt.Errorf("report %s: no statistics to render", path)
	}

	for _, mod := range modalities {
		groups := byModality[mod]

		// x axis is the union of region names, in label order.
		nameByLabel := map[int]string{}
		for _, rows := range groups {
			for _, r := range rows {
				nameByLabel[r.Label] = r.Name
			}
		}
		labels := make([]int, 0, len(nameByLabel))
		for id := range nameByLabel {
			labels = append(labels, id)
		}
		sort.Ints(labels)
		names := make([]string, len(labels))
		for i, id := range labels {
			names[i] = nameByLabel[id]
		}

		bar := charts.NewBar()
		bar.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "1200px", Height: "500px"}),
			charts.WithTitleOpts(opts.Title{Title: mod, Subtitle: "region mean by group"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		)
		bar.SetXAxis(names)

		for _, group := range sortedKeys(groups) {
			meanByLabel := map[int]float64{}
			for _, r := range groups[group] {
				meanByLabel[r.Label] = r.Mean
			}
			data := make([]opts.BarData, len(labels))
			for i, id := range labels {
				if mean, ok := meanByLabel[id]; ok {
					data[i] = opts.BarData{Value: mean}
				} else {
					data[i] = opts.BarData{Value: nil}
				}
			}
			bar.AddSeries(group, data)
		}

		page.AddCharts(bar)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
