package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fc3r-data/brainmap/internal/ants"
	"github.com/fc3r-data/brainmap/internal/cohort"
	"github.com/fc3r-data/brainmap/internal/config"
	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/nifti/niftitest"
	"github.com/fc3r-data/brainmap/internal/stagecache"
)

var (
	testDim    = [3]int{2, 2, 1}
	testPixdim = [3]float64{0.1, 0.1, 0.1}
)

func caseID(subject, session string) cohort.CaseID {
	return cohort.CaseID{Subject: subject, Session: session}
}

// fakeEngine writes plausible outputs into the filesystem so cache checks
// and downstream readers behave as they would with the real tools.
type fakeEngine struct {
	fs    fsutil.FileSystem
	calls map[string]int

	failExtract  map[string]bool // keyed by input image
	failRegister map[string]bool // keyed by moving image
}

func newFakeEngine(fs fsutil.FileSystem) *fakeEngine {
	return &fakeEngine{
		fs:           fs,
		calls:        make(map[string]int),
		failExtract:  make(map[string]bool),
		failRegister: make(map[string]bool),
	}
}

func (e *fakeEngine) total() int {
	n := 0
	for _, c := range e.calls {
		n += c
	}
	return n
}

func (e *fakeEngine) volume(path string) error {
	return e.fs.WriteFile(path, niftitest.Encode(testDim, testPixdim, []float32{1, 2, 3, 4}), 0o644)
}

func (e *fakeEngine) ExtractBrainMask(_ context.Context, image, scratchDir, outMask string) (string, error) {
	e.calls["ExtractBrainMask"]++
	if e.failExtract[image] {
		return "", fmt.Errorf("segmentation failed for %s", image)
	}
	corrected := scratchDir + "/corrected_n4.nii.gz"
	if err := e.volume(corrected); err != nil {
		return "", err
	}
	return corrected, e.volume(outMask)
}

func (e *fakeEngine) ApplyMask(_ context.Context, _, _, out string) error {
	e.calls["ApplyMask"]++
	return e.volume(out)
}

func (e *fakeEngine) Register(_ context.Context, moving, _, outPrefix string, mode ants.Mode) (ants.RegResult, error) {
	e.calls["Register"]++
	if e.failRegister[moving] {
		return ants.RegResult{}, fmt.Errorf("registration diverged for %s", moving)
	}
	res := ants.RegResult{
		Affine: outPrefix + "0GenericAffine.mat",
		Warped: outPrefix + "Warped.nii.gz",
	}
	if err := e.fs.WriteFile(res.Affine, []byte("affine"), 0o644); err != nil {
		return ants.RegResult{}, err
	}
	if mode.Nonlinear() {
		res.Warp = outPrefix + "1Warp.nii.gz"
		if err := e.volume(res.Warp); err != nil {
			return ants.RegResult{}, err
		}
	}
	return res, e.volume(res.Warped)
}

func (e *fakeEngine) ApplyTransforms(_ context.Context, _, _, out string, _ []string, _ string) error {
	e.calls["ApplyTransforms"]++
	return e.volume(out)
}

func (e *fakeEngine) Average(_ context.Context, _ []string, out string) error {
	e.calls["Average"]++
	return e.volume(out)
}

func (e *fakeEngine) Resample(_ context.Context, _, out string, _ float64) error {
	e.calls["Resample"]++
	return e.volume(out)
}

func (e *fakeEngine) BuildTemplate(_ context.Context, _ []string, outPrefix string, _ int, _ ants.Schedule, _ string) (string, error) {
	e.calls["BuildTemplate"]++
	tpl := outPrefix + "template0.nii.gz"
	return tpl, e.volume(tpl)
}

func (e *fakeEngine) CopyHeader(context.Context, string, string) error {
	e.calls["CopyHeader"]++
	return nil
}

// addCase writes a reference image and any optional modality images for
// one subject/session under the dataset root.
func addCase(t *testing.T, fs fsutil.FileSystem, root, subject, session string, mods ...string) {
	t.Helper()
	dir := fmt.Sprintf("%s/sub-%s/ses-%s/anat", root, subject, session)
	id := fmt.Sprintf("sub-%s_ses-%s", subject, session)
	require.NoError(t, fs.WriteFile(dir+"/"+id+"_RARE.nii.gz", []byte("raw"), 0o644))
	for _, mod := range mods {
		require.NoError(t, fs.WriteFile(dir+"/"+id+"_"+mod+".nii.gz", []byte("raw"), 0o644))
	}
}

func testConfig(t *testing.T, fs fsutil.FileSystem) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatasetRoot = "/data"
	cfg.Atlas = "/atlas/atlas.nii.gz"
	cfg.Labels = "/atlas/labels.nii.gz"
	cfg.LabelTable = "/atlas/labels.csv"
	cfg.Modalities = []string{"T1map"}
	cfg.TemplateLevels = []float64{0.3, 0.1}

	require.NoError(t, fs.WriteFile(cfg.Atlas, niftitest.Encode(testDim, testPixdim, []float32{1, 1, 1, 1}), 0o644))
	require.NoError(t, fs.WriteFile(cfg.Labels, niftitest.Encode(testDim, testPixdim, []float32{10, 10, 2010, 0}), 0o644))
	require.NoError(t, fs.WriteFile(cfg.LabelTable, []byte("id,name\n10,hippocampus\n"), 0o644))
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestDriver(cfg *config.Config, fs fsutil.FileSystem, eng ants.Engine) *Driver {
	return New(cfg, fs, eng, &stagecache.Cache{FS: fs}, nil)
}

func TestDriverFullRun(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01", "T1map")
	addCase(t, fs, "/data", "02", "01", "T1map")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	l := d.layout
	id1 := caseID("01", "01")

	// Per-case derivations.
	assert.True(t, fs.Exists(l.Mask("sub-01_ses-01_RARE")))
	assert.True(t, fs.Exists(l.Brain("RARE", "sub-01_ses-01_RARE")))
	assert.True(t, fs.Exists(l.AtlasImage(id1, "RARE")))
	assert.True(t, fs.Exists(l.AtlasImage(id1, "T1map")))
	assert.True(t, fs.Exists(l.AtlasDir("RARE")+"/sub-01_ses-01_to_atlas_0GenericAffine.mat"))
	assert.True(t, fs.Exists(l.AtlasDir("RARE")+"/sub-01_ses-01_to_atlas_1Warp.nii.gz"))

	// Both sessions are 1, so everything lands in group G1.
	assert.True(t, fs.Exists(l.GroupTemplate("G1", "RARE")))
	assert.True(t, fs.Exists(l.TemplateImage(id1, "RARE", "G1")))
	assert.True(t, fs.Exists(l.TemplateImage(id1, "T1map", "G1")))
	assert.True(t, fs.Exists(l.GroupAverage("G1", "RARE")))
	assert.True(t, fs.Exists(l.GroupAverage("G1", "T1map")))

	// ROI statistics over the group averages.
	assert.True(t, fs.Exists(l.ROIStatsTable("G1", "RARE")))
	assert.True(t, fs.Exists(l.ROIStatsTable("G1", "T1map")))
	assert.True(t, fs.Exists(l.ROIPlot("G1", "RARE", 10)))
	assert.True(t, fs.Exists(l.ROIReport()))

	// T1map is header-fixed before propagation.
	assert.Greater(t, eng.calls["CopyHeader"], 0)
}

func TestDriverIdempotence(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01", "T1map")
	addCase(t, fs, "/data", "02", "01", "T1map")

	eng := newFakeEngine(fs)
	require.NoError(t, newTestDriver(cfg, fs, eng).Run(context.Background()))
	require.Greater(t, eng.total(), 0)

	// A second run with identical inputs touches no external tool.
	second := newFakeEngine(fs)
	require.NoError(t, newTestDriver(cfg, fs, second).Run(context.Background()))
	assert.Equal(t, 0, second.total(), "second run invoked tools: %v", second.calls)
}

func TestDriverForceRerunsEverything(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01")
	addCase(t, fs, "/data", "02", "01")

	eng := newFakeEngine(fs)
	require.NoError(t, newTestDriver(cfg, fs, eng).Run(context.Background()))

	cfg.Force = true
	second := newFakeEngine(fs)
	d := New(cfg, fs, second, &stagecache.Cache{FS: fs, Force: true}, nil)
	require.NoError(t, d.Run(context.Background()))
	assert.Greater(t, second.calls["Register"], 0)
	assert.Greater(t, second.calls["BuildTemplate"], 0)
}

func TestDriverSingleCaseSkipsTemplate(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01", "T1map")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	l := d.layout
	assert.Equal(t, 0, eng.calls["BuildTemplate"])
	assert.False(t, fs.Exists(l.GroupTemplate("G1", "RARE")))

	// ROI statistics still run, directly on the atlas-space outputs.
	assert.True(t, fs.Exists(l.ROIStatsTable("G1", "RARE")))
	assert.True(t, fs.Exists(l.ROIStatsTable("G1", "T1map")))
}

func TestDriverForceTemplateSingle(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	cfg.ForceTemplateSingle = true
	addCase(t, fs, "/data", "01", "01")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	assert.Greater(t, eng.calls["BuildTemplate"], 0)
	assert.True(t, fs.Exists(d.layout.GroupTemplate("G1", "RARE")))
}

func TestDriverRequireAllGrouping(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	cfg.FilterByModality = true
	cfg.RequireAllModalities = true

	// Four subjects across sessions 1-4; only two carry T1map.
	addCase(t, fs, "/data", "01", "01", "T1map")
	addCase(t, fs, "/data", "02", "02")
	addCase(t, fs, "/data", "03", "03", "T1map")
	addCase(t, fs, "/data", "04", "04")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	l := d.layout
	// Only the two complete cases participate at all.
	assert.True(t, fs.Exists(l.Mask("sub-01_ses-01_RARE")))
	assert.True(t, fs.Exists(l.Mask("sub-03_ses-03_RARE")))
	assert.False(t, fs.Exists(l.Mask("sub-02_ses-02_RARE")))
	assert.False(t, fs.Exists(l.Mask("sub-04_ses-04_RARE")))

	// Sessions 1 and 3 land in different groups, built independently.
	assert.True(t, fs.Exists(l.GroupTemplate("G1", "RARE")))
	assert.True(t, fs.Exists(l.GroupTemplate("G2", "RARE")))
	assert.False(t, fs.Exists(l.GroupTemplate("G3", "RARE")))
}

func TestDriverStopAfterAtlas(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	cfg.StopAfterAtlas = true
	addCase(t, fs, "/data", "01", "01")
	addCase(t, fs, "/data", "02", "01")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	assert.True(t, fs.Exists(d.layout.AtlasImage(caseID("01", "01"), "RARE")))
	assert.Equal(t, 0, eng.calls["BuildTemplate"])
	assert.Equal(t, 0, eng.calls["Average"])
	assert.False(t, fs.Exists(d.layout.ROIStatsTable("G1", "RARE")))
}

func TestDriverSkipROIStats(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	cfg.SkipROIStats = true
	addCase(t, fs, "/data", "01", "01")
	addCase(t, fs, "/data", "02", "01")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()))

	assert.True(t, fs.Exists(d.layout.GroupAverage("G1", "RARE")))
	assert.False(t, fs.Exists(d.layout.ROIStatsTable("G1", "RARE")))
}

func TestDriverExtractionFailureSkipsCase(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01")
	addCase(t, fs, "/data", "02", "01")

	eng := newFakeEngine(fs)
	eng.failExtract["/data/sub-01/ses-01/anat/sub-01_ses-01_RARE.nii.gz"] = true

	d := newTestDriver(cfg, fs, eng)
	require.NoError(t, d.Run(context.Background()), "per-case failure must not be fatal")

	assert.False(t, fs.Exists(d.layout.Mask("sub-01_ses-01_RARE")))
	assert.True(t, fs.Exists(d.layout.Mask("sub-02_ses-01_RARE")))
	assert.True(t, fs.Exists(d.layout.AtlasImage(caseID("02", "01"), "RARE")))
}

func TestDriverGroupEmptinessFatalOnlyForGroup(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01")
	addCase(t, fs, "/data", "02", "01")
	addCase(t, fs, "/data", "03", "03")
	addCase(t, fs, "/data", "04", "03")

	eng := newFakeEngine(fs)
	d := newTestDriver(cfg, fs, eng)

	// Both G2 cases fail atlas registration, leaving that group's
	// template build with no inputs.
	l := d.layout
	eng.failRegister[l.Brain("RARE", "sub-03_ses-03_RARE")] = true
	eng.failRegister[l.Brain("RARE", "sub-04_ses-03_RARE")] = true

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "G2")

	// The sibling group is unaffected.
	assert.True(t, fs.Exists(l.GroupTemplate("G1", "RARE")))
	assert.False(t, fs.Exists(l.GroupTemplate("G2", "RARE")))
	assert.True(t, fs.Exists(l.GroupAverage("G1", "RARE")))
}

func TestDriverRerunKeepsCachedGroupsInReport(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	addCase(t, fs, "/data", "01", "01", "T1map")
	addCase(t, fs, "/data", "02", "01", "T1map")

	d := newTestDriver(cfg, fs, newFakeEngine(fs))
	require.NoError(t, d.Run(context.Background()))
	require.True(t, fs.Exists(d.layout.ROIReport()))

	// New sessions arrive: the G1 tables are cached, only G2 recomputes.
	addCase(t, fs, "/data", "03", "03", "T1map")
	addCase(t, fs, "/data", "04", "03", "T1map")
	require.NoError(t, newTestDriver(cfg, fs, newFakeEngine(fs)).Run(context.Background()))

	html, err := fs.ReadFile(d.layout.ROIReport())
	require.NoError(t, err)
	assert.Contains(t, string(html), "G2")
	assert.Contains(t, string(html), "G1", "rewritten report lost the cached group")
}

func TestDriverNoCasesSelected(t *testing.T) {
	t.Parallel()

	fs := fsutil.NewMemoryFileSystem()
	cfg := testConfig(t, fs)
	require.NoError(t, fs.MkdirAll("/data", 0755))

	d := newTestDriver(cfg, fs, newFakeEngine(fs))
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cases selected")
}

func TestLayoutPaths(t *testing.T) {
	t.Parallel()

	l := NewLayout("/out")
	id := caseID("01", "02")

	assert.Equal(t, "/out/derivatives/Masks/sub-01_ses-02_RARE_mask_final.nii.gz",
		l.Mask("sub-01_ses-02_RARE"))
	assert.Equal(t, "/out/derivatives/Brain_extracted/RARE/sub-01_ses-02_RARE_brain_extracted.nii.gz",
		l.Brain("RARE", "sub-01_ses-02_RARE"))
	assert.Equal(t, "/out/derivatives/Brain_extracted/T1map/To_Atlas/sub-01_ses-02_T1map_to_atlas.nii.gz",
		l.AtlasImage(id, "T1map"))
	assert.Equal(t, "/out/derivatives/Brain_extracted/RARE/To_Template/G1/sub-01_ses-02_RARE_in_template.nii.gz",
		l.TemplateImage(id, "RARE", "G1"))
	assert.Equal(t, "/out/derivatives/Brain_extracted/RARE/To_Template/G1/template/G1_RARE_template.nii.gz",
		l.GroupTemplate("G1", "RARE"))
	assert.Equal(t, "/out/derivatives/Brain_extracted/RARE/To_Template/G1/G1_RARE_group_average.nii.gz",
		l.GroupAverage("G1", "RARE"))
	assert.Equal(t, "/out/derivatives/ROI_stats/G1/G1_RARE_roi_stats.tsv",
		l.ROIStatsTable("G1", "RARE"))
	assert.Equal(t, "/out/derivatives/ROI_stats/plots_by_roi/G1/RARE/G1_RARE_10.png",
		l.ROIPlot("G1", "RARE", 10))
}
