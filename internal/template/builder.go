// Package template builds group-specific average templates over a fixed
// coarse-to-fine resolution pyramid. Each level resamples the in-group
// inputs to its target spacing, derives a registration schedule from the
// estimated field of view, and runs the external iterative mean-template
// construction seeded with the previous level's result.
package template

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fc3r-data/brainmap/internal/ants"
	"github.com/fc3r-data/brainmap/internal/cohort"
	"github.com/fc3r-data/brainmap/internal/fsutil"
	"github.com/fc3r-data/brainmap/internal/monitoring"
	"github.com/fc3r-data/brainmap/internal/nifti"
	"github.com/fc3r-data/brainmap/internal/stagecache"
)

// ErrNoInputs reports a pyramid level with zero usable inputs. Template
// quality depends on a non-trivial cohort, so the whole group's build
// stops rather than producing a degenerate template.
var ErrNoInputs = errors.New("no usable template inputs")

// DefaultLevels is the default spacing pyramid in mm, coarse to fine.
var DefaultLevels = []float64{0.3, 0.2, 0.15, 0.1}

// Builder drives the iterative group-template construction.
type Builder struct {
	Engine ants.Engine
	FS     fsutil.FileSystem
	Cache  *stagecache.Cache

	// Levels is the spacing pyramid, coarse to fine.
	Levels []float64

	// Iterations is the whole-template iteration count passed to the
	// construction tool at every level.
	Iterations int

	// Atlas, when set, seeds the coarsest level and is the grid the
	// finest template is optionally regridded onto.
	Atlas string

	// RegridToAtlas regrids the finest level's template onto the atlas
	// voxel grid with an identity transform, so the template and the
	// atlas share a coordinate frame despite any field-of-view drift
	// accumulated across levels.
	RegridToAtlas bool
}

// Build constructs the group template from the given input images,
// working under workDir and returning the final template path.
func (b *Builder) Build(ctx context.Context, group string, inputs []string, workDir string) (string, error) {
	levels := b.Levels
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	if len(inputs) == 0 {
		monitoring.Skipf(group, "template build has no inputs")
		return "", fmt.Errorf("group %s: %w", group, ErrNoInputs)
	}

	// The previous level's template seeds the next; the atlas (when
	// configured) seeds the first.
	initRef := b.Atlas

	var tpl string
	for i, spacing := range levels {
		lvlDir := filepath.Join(workDir, fmt.Sprintf("lvl%d", i))
		if err := b.FS.MkdirAll(lvlDir, 0755); err != nil {
			return "", fmt.Errorf("create level dir: %w", err)
		}

		resampled, err := b.resampleInputs(ctx, lvlDir, inputs, spacing)
		if err != nil {
			return "", err
		}
		if len(resampled) == 0 {
			monitoring.Skipf(group, "level %d has no usable inputs", i)
			return "", fmt.Errorf("group %s level %d: %w", group, i, ErrNoInputs)
		}

		fov, err := b.estimateFOV(resampled[0])
		if err != nil {
			return "", fmt.Errorf("estimate field of view for level %d: %w", i, err)
		}
		sched := ComputeSchedule(spacing, fov)

		prefix := filepath.Join(lvlDir, group+"_")
		tpl = prefix + "template0.nii.gz"
		if b.Cache.ShouldRun(tpl) {
			monitoring.Logf("building %s template level %d (spacing %g, fov %g)", group, i, spacing, fov)
			produced, err := b.Engine.BuildTemplate(ctx, resampled, prefix, b.Iterations, sched, initRef)
			if err != nil {
				return "", fmt.Errorf("level %d template construction: %w", i, err)
			}
			tpl = produced
		} else {
			monitoring.Logf("group %s level %d template cached", group, i)
		}

		initRef = tpl
	}

	if b.RegridToAtlas && b.Atlas != "" {
		regridded := filepath.Join(workDir, group+"_template_atlasgrid.nii.gz")
		if b.Cache.ShouldRun(regridded) {
			if err := b.Engine.ApplyTransforms(ctx, tpl, b.Atlas, regridded, []string{"identity"}, "Linear"); err != nil {
				return "", fmt.Errorf("regrid template onto atlas: %w", err)
			}
		}
		tpl = regridded
	}
	return tpl, nil
}

// resampleInputs regrids each input to the level spacing, skipping work
// for outputs that already exist.
func (b *Builder) resampleInputs(ctx context.Context, lvlDir string, inputs []string, spacing float64) ([]string, error) {
	var out []string
	for _, in := range inputs {
		if !b.FS.Exists(in) {
			monitoring.Skipf(filepath.Base(in), "input missing, excluded from template level")
			continue
		}
		base := cohort.StripImageExt(filepath.Base(in))
		res := filepath.Join(lvlDir, base+"_res.nii.gz")
		if b.Cache.ShouldRun(res) {
			if err := b.Engine.Resample(ctx, in, res, spacing); err != nil {
				return nil, fmt.Errorf("resample %s: %w", in, err)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

// estimateFOV reads one representative resampled header and returns the
// largest voxel-extent-times-spacing dimension.
func (b *Builder) estimateFOV(path string) (float64, error) {
	h, err := nifti.ReadHeader(b.FS, path)
	if err != nil {
		return 0, err
	}
	return h.FieldOfView(), nil
}
