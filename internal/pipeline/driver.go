package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"

	"github.com/fc3r-data/brainmap/internal/ants"
	"github.com/fc3r-data/brainmap/internal/cohort"
	"github.com/fc3r-data/brainmap/internal/config"
	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/monitoring"
	"github.com/fc3r-data/brainmap/internal/roistats"
	"github.com/fc3r-data/brainmap/internal/runlog"
	"github.com/fc3r-data/brainmap/internal/stagecache"
	"github.com/fc3r-data/brainmap/internal/template"
	"github.com/fc3r-data/brainmap/internal/xform"
)

const (
	suffixToAtlas    = "to_atlas"
	suffixToTemplate = "to_template"
)

// Driver sequences the pipeline stages over one cohort. Cases and groups
// are processed one at a time; parallelism belongs to the external tools.
type Driver struct {
	Cfg    *config.Config
	FS     fsutil.FileSystem
	Engine ants.Engine
	Cache  *stagecache.Cache
	Log    *runlog.Run

	layout Layout
}

func New(cfg *config.Config, fs fsutil.FileSystem, eng ants.Engine, cache *stagecache.Cache, run *runlog.Run) *Driver {
	return &Driver{
		Cfg:    cfg,
		FS:     fs,
		Engine: eng,
		Cache:  cache,
		Log:    run,
		layout: NewLayout(cfg.EffectiveOutRoot()),
	}
}

// Run executes the full sequence. Per-case failures are logged and
// skipped; the returned error reflects only fatal conditions (empty
// selection, per-group template emptiness).
func (d *Driver) Run(ctx context.Context) error {
	cases, err := cohort.ScanDataset(d.FS, d.Cfg.DatasetRoot, d.Cfg.RefTag, d.Cfg.Modalities)
	if err != nil {
		return fmt.Errorf("scan dataset: %w", err)
	}

	sel := cohort.Select(cases, cohort.Policy{
		FilterByModality: d.Cfg.FilterByModality,
		RequireAll:       d.Cfg.RequireAllModalities,
		Sessions:         d.Cfg.Sessions,
	}, d.Cfg.Modalities)
	if sel.Len() == 0 {
		return fmt.Errorf("no cases selected from %s", d.Cfg.DatasetRoot)
	}
	monitoring.Logf("selected %d of %d cases", sel.Len(), len(cases))

	survivors := d.extractBrains(ctx, sel.Cases())
	survivors = d.registerToAtlas(ctx, survivors)
	d.propagateToAtlas(ctx, survivors)

	if d.Cfg.StopAfterAtlas {
		monitoring.Logf("stopping after atlas alignment")
		return nil
	}

	// Groups come from the selected set, not the survivors: a group whose
	// cases all failed earlier stages must surface as template emptiness,
	// not disappear.
	byGroup := make(map[string][]cohort.Case, len(sel.Groups()))
	for _, g := range sel.Groups() {
		byGroup[g] = sel.InGroup(g)
	}
	templates, groupErrs := d.buildTemplates(ctx, sel.Len(), byGroup)

	for _, group := range sortedGroups(byGroup) {
		tpl, ok := templates[group]
		if !ok {
			continue
		}
		inTemplate := d.registerToTemplate(ctx, group, tpl, byGroup[group])
		d.propagateToTemplate(ctx, group, tpl, inTemplate)
		d.averageGroup(ctx, group, byGroup[group])
	}

	if !d.Cfg.SkipROIStats {
		d.roiStats(ctx, byGroup, templates)
	}

	return errors.Join(groupErrs...)
}

// event records a stage decision in the run manifest; manifest trouble is
// never allowed to affect the pipeline.
func (d *Driver) event(stage, unit, action, detail string) {
	if err := d.Log.StageEvent(stage, unit, action, detail); err != nil {
		monitoring.Logf("run log: %v", err)
	}
}

func (d *Driver) extractBrains(ctx context.Context, cases []cohort.Case) []cohort.Case {
	const stage = "brain_extraction"

	var kept []cohort.Case
	for _, c := range cases {
		unit := c.ID.String()
		base := cohort.StripImageExt(filepath.Base(c.RefImage))
		mask := d.layout.Mask(base)
		brain := d.layout.Brain(d.Cfg.RefTag, base)

		if !d.Cache.ShouldRun(mask, brain) {
			d.event(stage, unit, "cached", "")
			kept = append(kept, c)
			continue
		}

		err := d.Cache.EnsureDir(mask)
		if err == nil {
			err = d.Cache.EnsureDir(brain)
		}
		if err == nil {
			err = d.FS.MkdirAll(d.layout.MaskScratchDir(base), 0755)
		}
		if err != nil {
			monitoring.Failf(unit, "prepare extraction dirs: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}

		corrected, err := d.Engine.ExtractBrainMask(ctx, c.RefImage, d.layout.MaskScratchDir(base), mask)
		if err != nil {
			monitoring.Failf(unit, "brain extraction: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		if err := d.Engine.ApplyMask(ctx, corrected, mask, brain); err != nil {
			monitoring.Failf(unit, "apply mask: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		d.event(stage, unit, "run", "")
		kept = append(kept, c)
	}
	return kept
}

func (d *Driver) registerToAtlas(ctx context.Context, cases []cohort.Case) []cohort.Case {
	const stage = "atlas_registration"
	mode := d.mode()

	var kept []cohort.Case
	for _, c := range cases {
		unit := c.ID.String()
		base := cohort.StripImageExt(filepath.Base(c.RefImage))
		brain := d.layout.Brain(d.Cfg.RefTag, base)
		prefix := xform.Prefix(d.layout.AtlasDir(d.Cfg.RefTag), c.ID, suffixToAtlas)
		warped := d.layout.AtlasImage(c.ID, d.Cfg.RefTag)

		outputs := []string{prefix + "0GenericAffine.mat", warped}
		if mode.Nonlinear() {
			outputs = append(outputs, prefix+"1Warp.nii.gz")
		}
		if !d.Cache.ShouldRun(outputs...) {
			d.event(stage, unit, "cached", "")
			kept = append(kept, c)
			continue
		}

		if err := d.Cache.EnsureDir(warped); err != nil {
			monitoring.Failf(unit, "prepare atlas dir: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		res, err := d.Engine.Register(ctx, brain, d.Cfg.Atlas, prefix, mode)
		if err != nil {
			monitoring.Failf(unit, "atlas registration: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		if err := d.Cache.Publish(res.Warped, warped); err != nil {
			monitoring.Failf(unit, "publish atlas image: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		d.event(stage, unit, "run", "")
		kept = append(kept, c)
	}
	return kept
}

// propagateToAtlas maps every located optional modality through the
// reference modality's to_atlas chain. Failures are per modality, never
// per run.
func (d *Driver) propagateToAtlas(ctx context.Context, cases []cohort.Case) {
	const stage = "atlas_propagation"
	resolver := &xform.Resolver{
		FS:        d.FS,
		Dir:       d.layout.AtlasDir(d.Cfg.RefTag),
		Suffix:    suffixToAtlas,
		Nonlinear: d.mode().Nonlinear(),
	}

	for _, c := range cases {
		for _, mod := range d.Cfg.Modalities {
			src, ok := c.Modalities[mod]
			if !ok {
				continue
			}
			unit := c.ID.String() + "/" + mod
			out := d.layout.AtlasImage(c.ID, mod)
			if !d.Cache.ShouldRun(out) {
				d.event(stage, unit, "cached", "")
				continue
			}

			chain, err := resolver.Resolve(c.ID)
			if err != nil {
				monitoring.Skipf(unit, "%v", err)
				d.event(stage, unit, "skip", err.Error())
				continue
			}
			if err := d.Cache.EnsureDir(out); err != nil {
				monitoring.Failf(unit, "prepare modality dir: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}

			if slices.Contains(d.Cfg.HeaderFixModalities, mod) {
				fixed, err := d.fixHeader(ctx, c, mod, src)
				if err != nil {
					monitoring.Failf(unit, "header alignment: %v", err)
					d.event(stage, unit, "fail", err.Error())
					continue
				}
				src = fixed
			}

			if err := xform.Apply(ctx, d.Engine, src, chain, d.Cfg.Atlas, out, "Linear"); err != nil {
				monitoring.Failf(unit, "propagate to atlas: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}
			d.event(stage, unit, "run", "")
		}
	}
}

// fixHeader copies the modality image aside and stamps the case's
// reference header onto the copy, leaving the input dataset untouched.
// Workaround for derived parametric maps carrying inconsistent headers.
func (d *Driver) fixHeader(ctx context.Context, c cohort.Case, mod, src string) (string, error) {
	fixed := filepath.Join(d.layout.AtlasDir(mod), fmt.Sprintf("%s_%s_hdrfix.nii.gz", c.ID, mod))
	if !d.Cache.ShouldRun(fixed) {
		return fixed, nil
	}
	data, err := d.FS.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	scratch := stagecache.ScratchPath(fixed)
	if err := d.Cache.EnsureDir(scratch); err != nil {
		return "", err
	}
	if err := d.FS.WriteFile(scratch, data, 0o644); err != nil {
		return "", fmt.Errorf("stage header copy: %w", err)
	}
	if err := d.Engine.CopyHeader(ctx, c.RefImage, scratch); err != nil {
		return "", err
	}
	if err := d.Cache.Publish(scratch, fixed); err != nil {
		return "", err
	}
	return fixed, nil
}

func (d *Driver) buildTemplates(ctx context.Context, cohortSize int, byGroup map[string][]cohort.Case) (map[string]string, []error) {
	const stage = "template_build"

	if d.Cfg.SkipTemplate {
		monitoring.Skipf(stage, "disabled by configuration")
		return nil, nil
	}
	if cohortSize < d.Cfg.MinTemplateSubjects && !d.Cfg.ForceTemplateSingle {
		monitoring.Skipf(stage, "cohort has %d cases, below minimum %d", cohortSize, d.Cfg.MinTemplateSubjects)
		return nil, nil
	}

	builder := &template.Builder{
		Engine:        d.Engine,
		FS:            d.FS,
		Cache:         d.Cache,
		Levels:        d.Cfg.TemplateLevels,
		Iterations:    d.Cfg.TemplateIterations,
		Atlas:         d.Cfg.Atlas,
		RegridToAtlas: d.Cfg.RegridToAtlas,
	}

	templates := make(map[string]string)
	var groupErrs []error
	for _, group := range sortedGroups(byGroup) {
		final := d.layout.GroupTemplate(group, d.Cfg.RefTag)
		if !d.Cache.ShouldRun(final) {
			templates[group] = final
			d.event(stage, group, "cached", "")
			continue
		}

		var inputs []string
		for _, c := range byGroup[group] {
			img := d.layout.AtlasImage(c.ID, d.Cfg.RefTag)
			if d.FS.Exists(img) {
				inputs = append(inputs, img)
			}
		}

		tpl, err := builder.Build(ctx, group, inputs, d.layout.TemplateBuildDir(group))
		if err != nil {
			monitoring.Failf(group, "template build: %v", err)
			d.event(stage, group, "fail", err.Error())
			groupErrs = append(groupErrs, err)
			continue
		}
		if err := d.Cache.Publish(tpl, final); err != nil {
			monitoring.Failf(group, "publish template: %v", err)
			d.event(stage, group, "fail", err.Error())
			groupErrs = append(groupErrs, fmt.Errorf("publish %s template: %w", group, err))
			continue
		}
		templates[group] = final
		d.event(stage, group, "run", "")
	}
	return templates, groupErrs
}

func (d *Driver) registerToTemplate(ctx context.Context, group, tpl string, cases []cohort.Case) []cohort.Case {
	const stage = "template_registration"
	mode := d.mode()
	dir := d.layout.TemplateDir(d.Cfg.RefTag, group)

	var kept []cohort.Case
	for _, c := range cases {
		unit := c.ID.String()
		moving := d.layout.AtlasImage(c.ID, d.Cfg.RefTag)
		prefix := xform.Prefix(dir, c.ID, suffixToTemplate)
		warped := d.layout.TemplateImage(c.ID, d.Cfg.RefTag, group)

		outputs := []string{prefix + "0GenericAffine.mat", warped}
		if mode.Nonlinear() {
			outputs = append(outputs, prefix+"1Warp.nii.gz")
		}
		if !d.Cache.ShouldRun(outputs...) {
			d.event(stage, unit, "cached", "")
			kept = append(kept, c)
			continue
		}

		if !d.FS.Exists(moving) {
			monitoring.Skipf(unit, "no atlas-space image for template registration")
			d.event(stage, unit, "skip", "missing atlas-space image")
			continue
		}
		if err := d.Cache.EnsureDir(warped); err != nil {
			monitoring.Failf(unit, "prepare template dir: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		res, err := d.Engine.Register(ctx, moving, tpl, prefix, mode)
		if err != nil {
			monitoring.Failf(unit, "template registration: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		if err := d.Cache.Publish(res.Warped, warped); err != nil {
			monitoring.Failf(unit, "publish template image: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		d.event(stage, unit, "run", "")
		kept = append(kept, c)
	}
	return kept
}

func (d *Driver) propagateToTemplate(ctx context.Context, group, tpl string, cases []cohort.Case) {
	const stage = "template_propagation"
	resolver := &xform.Resolver{
		FS:        d.FS,
		Dir:       d.layout.TemplateDir(d.Cfg.RefTag, group),
		Suffix:    suffixToTemplate,
		Nonlinear: d.mode().Nonlinear(),
	}

	for _, c := range cases {
		for _, mod := range d.Cfg.Modalities {
			src := d.layout.AtlasImage(c.ID, mod)
			if !d.FS.Exists(src) {
				continue
			}
			unit := c.ID.String() + "/" + mod
			out := d.layout.TemplateImage(c.ID, mod, group)
			if !d.Cache.ShouldRun(out) {
				d.event(stage, unit, "cached", "")
				continue
			}

			chain, err := resolver.Resolve(c.ID)
			if err != nil {
				monitoring.Skipf(unit, "%v", err)
				d.event(stage, unit, "skip", err.Error())
				continue
			}
			if err := d.Cache.EnsureDir(out); err != nil {
				monitoring.Failf(unit, "prepare modality dir: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}
			if err := xform.Apply(ctx, d.Engine, src, chain, tpl, out, "Linear"); err != nil {
				monitoring.Failf(unit, "propagate to template: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}
			d.event(stage, unit, "run", "")
		}
	}
}

func (d *Driver) averageGroup(ctx context.Context, group string, cases []cohort.Case) {
	const stage = "group_average"

	for _, mod := range d.allModalities() {
		var images []string
		for _, c := range cases {
			img := d.layout.TemplateImage(c.ID, mod, group)
			if d.FS.Exists(img) {
				images = append(images, img)
			}
		}
		unit := group + "/" + mod
		if len(images) == 0 {
			monitoring.Skipf(unit, "no template-space images to average")
			d.event(stage, unit, "skip", "no inputs")
			continue
		}

		out := d.layout.GroupAverage(group, mod)
		if !d.Cache.ShouldRun(out) {
			d.event(stage, unit, "cached", "")
			continue
		}
		if err := d.Cache.EnsureDir(out); err != nil {
			monitoring.Failf(unit, "prepare average dir: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		if err := d.Engine.Average(ctx, images, out); err != nil {
			monitoring.Failf(unit, "group average: %v", err)
			d.event(stage, unit, "fail", err.Error())
			continue
		}
		d.event(stage, unit, "run", "")
	}
}

func (d *Driver) roiStats(ctx context.Context, byGroup map[string][]cohort.Case, templates map[string]string) {
	const stage = "roi_stats"

	if d.Cfg.Labels == "" || d.Cfg.LabelTable == "" {
		monitoring.Skipf(stage, "no label volume or label table configured")
		return
	}
	table, err := roistats.LoadLabelTable(d.FS, d.Cfg.LabelTable)
	if err != nil {
		monitoring.Failf(stage, "%v", err)
		d.event(stage, "all", "fail", err.Error())
		return
	}

	byModality := make(map[string]map[string][]roistats.Summary)
	recomputed := false
	for _, group := range sortedGroups(byGroup) {
		for _, mod := range d.allModalities() {
			unit := group + "/" + mod
			target := d.roiTarget(ctx, group, mod, byGroup, templates)
			if target == "" {
				d.event(stage, unit, "skip", "no image in a common space")
				continue
			}

			tablePath := d.layout.ROIStatsTable(group, mod)
			if !d.Cache.ShouldRun(tablePath) {
				// Cached tables still feed the aggregate report, so a
				// partial rerun never loses previously computed groups.
				rows, err := roistats.ReadTable(d.FS, tablePath, '\t')
				if err != nil {
					monitoring.Failf(unit, "reload roi table: %v", err)
					d.event(stage, unit, "fail", err.Error())
					continue
				}
				if byModality[mod] == nil {
					byModality[mod] = make(map[string][]roistats.Summary)
				}
				byModality[mod][group] = rows
				d.event(stage, unit, "cached", "")
				continue
			}

			samples, err := roistats.Extract(d.FS, d.Cfg.Labels, target, table, roistats.Options{})
			if err != nil {
				monitoring.Failf(unit, "roi extraction: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}
			rows := roistats.SummarizeAll(samples)

			if err := d.Cache.EnsureDir(tablePath); err == nil {
				err = roistats.WriteTable(d.FS, tablePath, rows, '\t')
			}
			if err != nil {
				monitoring.Failf(unit, "roi table: %v", err)
				d.event(stage, unit, "fail", err.Error())
				continue
			}

			for _, s := range samples {
				if len(s.Values) == 0 {
					continue
				}
				plotPath := d.layout.ROIPlot(group, mod, s.Label)
				if err := d.Cache.EnsureDir(plotPath); err == nil {
					title := fmt.Sprintf("%s %s %s", group, mod, s.Name)
					err = roistats.RenderBoxPlot(d.FS, plotPath, title, []roistats.Sample{s})
				}
				if err != nil {
					monitoring.Failf(unit, "roi plot %d: %v", s.Label, err)
				}
			}

			if byModality[mod] == nil {
				byModality[mod] = make(map[string][]roistats.Summary)
			}
			byModality[mod][group] = rows
			recomputed = true
			d.event(stage, unit, "run", "")
		}
	}

	if recomputed && len(byModality) > 0 {
		report := d.layout.ROIReport()
		if err := d.Cache.EnsureDir(report); err == nil {
			err = roistats.RenderReport(d.FS, report, "ROI statistics overview", byModality)
		}
		if err != nil {
			monitoring.Failf(stage, "report: %v", err)
		}
	}
}

// roiTarget picks the image the statistics run against: the group average
// in template space when a template was built, otherwise atlas-space
// outputs directly (for a single case its atlas-aligned image stands in
// for the template).
func (d *Driver) roiTarget(ctx context.Context, group, mod string, byGroup map[string][]cohort.Case, templates map[string]string) string {
	if _, ok := templates[group]; ok {
		avg := d.layout.GroupAverage(group, mod)
		if d.FS.Exists(avg) {
			return avg
		}
		return ""
	}

	var images []string
	for _, c := range byGroup[group] {
		img := d.layout.AtlasImage(c.ID, mod)
		if d.FS.Exists(img) {
			images = append(images, img)
		}
	}
	switch len(images) {
	case 0:
		return ""
	case 1:
		return images[0]
	}

	avg := filepath.Join(d.layout.AtlasDir(mod), fmt.Sprintf("%s_%s_atlas_average.nii.gz", group, mod))
	if d.Cache.ShouldRun(avg) {
		if err := d.Cache.EnsureDir(avg); err != nil {
			monitoring.Failf(group+"/"+mod, "prepare atlas average dir: %v", err)
			return ""
		}
		if err := d.Engine.Average(ctx, images, avg); err != nil {
			monitoring.Failf(group+"/"+mod, "atlas-space average: %v", err)
			return ""
		}
	}
	return avg
}

func (d *Driver) mode() ants.Mode {
	if d.Cfg.Nonlinear() {
		return ants.ModeNonlinear
	}
	return ants.ModeLinear
}

func (d *Driver) allModalities() []string {
	return append([]string{d.Cfg.RefTag}, d.Cfg.Modalities...)
}

func sortedGroups(byGroup map[string][]cohort.Case) []string {
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
