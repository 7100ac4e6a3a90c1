// Command roistats recomputes ROI statistics over an existing derivatives
// tree, without re-running any registration. Useful after swapping the
// label table or when only the statistics outputs were deleted.
package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/pipeline"
	"github.com/fc3r-data/brainmap/internal/roistats"
	"github.com/fc3r-data/brainmap/internal/stagecache"
)

var (
	outRoot      = flag.String("out", "", "Output root containing the derivatives tree")
	labels       = flag.String("labels", "", "Atlas label volume")
	labelTable   = flag.String("label-table", "", "Label table CSV (id,name)")
	modalities   = flag.String("modalities", "RARE,T1map,UNIT1", "Comma-separated modalities to aggregate")
	keepNegative = flag.Bool("keep-negative", false, "Keep negative voxel values instead of excluding them")
	force        = flag.Bool("force", false, "Recompute tables that already exist")
	skipPlots    = flag.Bool("skip-plots", false, "Skip per-region box plots")
)

func main() {
	flag.Parse()
	if *outRoot == "" || *labels == "" || *labelTable == "" {
		log.Fatalf("-out, -labels and -label-table are required")
	}

	fs := fsutil.OSFileSystem{}
	cache := &stagecache.Cache{FS: fs, Force: *force}
	layout := pipeline.NewLayout(*outRoot)

	table, err := roistats.LoadLabelTable(fs, *labelTable)
	if err != nil {
		log.Fatalf("%v", err)
	}
	opts := roistats.Options{KeepNegative: *keepNegative}

	byModality := make(map[string]map[string][]roistats.Summary)
	done := 0
	for _, mod := range splitList(*modalities) {
		pattern := filepath.Join(layout.Root, "Brain_extracted", mod, "To_Template", "*",
			"*_"+mod+"_group_average.nii.gz")
		matches, err := fs.Glob(pattern)
		if err != nil {
			log.Fatalf("scan derivatives: %v", err)
		}
		if len(matches) == 0 {
			log.Printf("no group averages found for %s", mod)
			continue
		}

		for _, avg := range matches {
			group := filepath.Base(filepath.Dir(avg))
			tablePath := layout.ROIStatsTable(group, mod)
			if !cache.ShouldRun(tablePath) {
				log.Printf("%s %s: table exists, skipping (use -force to recompute)", group, mod)
				continue
			}

			samples, err := roistats.Extract(fs, *labels, avg, table, opts)
			if err != nil {
				log.Printf("%s %s: %v", group, mod, err)
				continue
			}
			rows := roistats.SummarizeAll(samples)

			if err := cache.EnsureDir(tablePath); err == nil {
				err = roistats.WriteTable(fs, tablePath, rows, '\t')
			}
			if err != nil {
				log.Printf("%s %s: write table: %v", group, mod, err)
				continue
			}

			if !*skipPlots {
				for _, s := range samples {
					if len(s.Values) == 0 {
						continue
					}
					plotPath := layout.ROIPlot(group, mod, s.Label)
					if err := cache.EnsureDir(plotPath); err == nil {
						title := fmt.Sprintf("%s %s %s", group, mod, s.Name)
						err = roistats.RenderBoxPlot(fs, plotPath, title, []roistats.Sample{s})
					}
					if err != nil {
						log.Printf("%s %s: plot %d: %v", group, mod, s.Label, err)
					}
				}
			}

			if byModality[mod] == nil {
				byModality[mod] = make(map[string][]roistats.Summary)
			}
			byModality[mod][group] = rows
			done++
			log.Printf("%s %s: %d regions", group, mod, len(rows))
		}
	}

	if len(byModality) > 0 {
		report := layout.ROIReport()
		if err := cache.EnsureDir(report); err == nil {
			err = roistats.RenderReport(fs, report, "ROI statistics overview", byModality)
		}
		if err != nil {
			log.Printf("report: %v", err)
		}
	}
	log.Printf("done: %d tables written", done)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
