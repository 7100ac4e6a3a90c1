package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fc3r-data/brainmap/internal/ants"
	"github.com/fc3r-data/brainmap/internal/config"
	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/pipeline"
	"github.com/fc3r-data/brainmap/internal/runlog"
	"github.com/fc3r-data/brainmap/internal/stagecache"
	"github.com/fc3r-data/brainmap/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a .json or .yaml pipeline config file")
	dataset      = flag.String("dataset", "", "Dataset root (overrides config)")
	outRoot      = flag.String("out", "", "Output root for the derivatives tree (default: dataset root)")
	atlas        = flag.String("atlas", "", "Standard-space atlas image (overrides config)")
	refTag       = flag.String("ref-tag", "", "Reference modality contrast tag (overrides config)")
	modalities   = flag.String("modalities", "", "Comma-separated optional modalities (overrides config)")
	sessions     = flag.String("sessions", "", "Comma-separated session allow-list")
	mode         = flag.String("mode", "", "Registration mode: linear or nonlinear")
	threads      = flag.Int("threads", 0, "Thread count passed to the external tools")
	force        = flag.Bool("force", false, "Re-run every stage regardless of existing outputs")
	filterMods   = flag.Bool("filter-by-modality", false, "Drop cases missing requested modalities")
	requireAll   = flag.Bool("require-all-modalities", false, "Require all requested modalities, not just one")
	stopAtlas    = flag.Bool("stop-after-atlas", false, "Stop after atlas alignment")
	skipTemplate = flag.Bool("skip-template", false, "Skip group template construction")
	skipROI      = flag.Bool("skip-roi-stats", false, "Skip the ROI statistics stage")
	forceSingle  = flag.Bool("force-template-single", false, "Build templates even below the cohort minimum")
	labels       = flag.String("labels", "", "Atlas label volume for ROI statistics")
	labelTable   = flag.String("label-table", "", "Label table CSV (id,name)")
	runLogPath   = flag.String("run-log", "", "SQLite run manifest path (empty disables)")
	showRuns     = flag.Bool("runs", false, "List recorded runs from the run manifest, then exit")
	checkTools   = flag.Bool("check-tools", false, "Verify the external tools are installed, then exit")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("brainmap %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *showRuns {
		if *runLogPath == "" {
			log.Fatalf("-runs requires -run-log")
		}
		listRuns(*runLogPath)
		return
	}

	if *checkTools {
		if err := ants.CheckTools(); err != nil {
			log.Fatalf("tool check failed: %v", err)
		}
		log.Printf("all external tools found")
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("configuration: %v", err)
	}
	if err := ants.CheckTools(); err != nil {
		log.Fatalf("configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := fsutil.OSFileSystem{}
	engine := ants.NewCLI(fs, cfg.Threads)
	cache := &stagecache.Cache{FS: fs, Force: cfg.Force}

	var run *runlog.Run
	if cfg.RunLog != "" {
		store, err := runlog.Open(cfg.RunLog)
		if err != nil {
			log.Fatalf("run log: %v", err)
		}
		defer store.Close()
		run, err = store.StartRun(cfg.DatasetRoot, cfg.Atlas, cfg.RegistrationMode)
		if err != nil {
			log.Fatalf("run log: %v", err)
		}
	}

	driver := pipeline.New(cfg, fs, engine, cache, run)
	if err := driver.Run(ctx); err != nil {
		if ferr := run.Finish("failed"); ferr != nil {
			log.Printf("run log: %v", ferr)
		}
		log.Fatalf("pipeline: %v", err)
	}
	if err := run.Finish("ok"); err != nil {
		log.Printf("run log: %v", err)
	}
	log.Printf("pipeline complete")
}

// listRuns prints the manifest's run history, newest first.
func listRuns(path string) {
	store, err := runlog.Open(path)
	if err != nil {
		log.Fatalf("run log: %v", err)
	}
	defer store.Close()

	runs, err := store.Runs()
	if err != nil {
		log.Fatalf("run log: %v", err)
	}
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt.Valid {
			finished = r.FinishedAt.Time.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-8s  started %s  finished %s  %d events\n",
			r.ID, r.Status, r.StartedAt.Format(time.RFC3339), finished, r.Events)
	}
}

// loadConfig merges defaults, the optional config file and CLI overrides,
// in that order.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if *dataset != "" {
		cfg.DatasetRoot = *dataset
	}
	if *outRoot != "" {
		cfg.OutRoot = *outRoot
	}
	if *atlas != "" {
		cfg.Atlas = *atlas
	}
	if *refTag != "" {
		cfg.RefTag = *refTag
	}
	if *modalities != "" {
		cfg.Modalities = splitList(*modalities)
	}
	if *sessions != "" {
		cfg.Sessions = splitList(*sessions)
	}
	if *mode != "" {
		cfg.RegistrationMode = *mode
	}
	if *threads > 0 {
		cfg.Threads = *threads
	}
	if *labels != "" {
		cfg.Labels = *labels
	}
	if *labelTable != "" {
		cfg.LabelTable = *labelTable
	}
	if *runLogPath != "" {
		cfg.RunLog = *runLogPath
	}
	if *force {
		cfg.Force = true
	}
	if *filterMods {
		cfg.FilterByModality = true
	}
	if *requireAll {
		cfg.RequireAllModalities = true
	}
	if *stopAtlas {
		cfg.StopAfterAtlas = true
	}
	if *skipTemplate {
		cfg.SkipTemplate = true
	}
	if *skipROI {
		cfg.SkipROIStats = true
	}
	if *forceSingle {
		cfg.ForceTemplateSingle = true
	}

	if cfg.DatasetRoot == "" {
		return nil, errors.New("a dataset root is required (-dataset or config file)")
	}
	return cfg, nil
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
