package ants

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fc3r-data/brainmap/internal/cohort"
	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// Mode selects the registration transform model.
type Mode string

const (
	// ModeLinear produces an affine transform only.
	ModeLinear Mode = "linear"
	// ModeNonlinear produces an affine plus a SyN warp.
	ModeNonlinear Mode = "nonlinear"
)

// Nonlinear reports whether the mode includes a warp component.
func (m Mode) Nonlinear() bool { return m == ModeNonlinear }

// Tool names the engine shells out to.
const (
	ToolN4              = "N4BiasFieldCorrection"
	ToolBrainExtraction = "antsBrainExtraction.sh"
	ToolImageMath       = "ImageMath"
	ToolRegistration    = "antsRegistrationSyN.sh"
	ToolApplyTransforms = "antsApplyTransforms"
	ToolAverageImages   = "AverageImages"
	ToolResampleImage   = "ResampleImage"
	ToolTemplateBuild   = "antsMultivariateTemplateConstruction2.sh"
	ToolCopyHeader      = "CopyImageHeaderInformation"
)

// Schedule is a coarse-to-fine registration schedule: one iteration count,
// shrink factor, and smoothing sigma per level, finest last.
type Schedule struct {
	Iterations []int
	Shrink     []int
	Smoothing  []float64 // sigmas, in voxels
}

// IterationsArg renders the iteration counts in the NxNxN tool syntax.
func (s Schedule) IterationsArg() string { return joinInts(s.Iterations) }

// ShrinkArg renders the shrink factors in the NxNxN tool syntax.
func (s Schedule) ShrinkArg() string { return joinInts(s.Shrink) }

// SmoothingArg renders the smoothing sigmas in the NxNxN tool syntax.
func (s Schedule) SmoothingArg() string {
	parts := make([]string, len(s.Smoothing))
	for i, v := range s.Smoothing {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, "x")
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "x")
}

// RegResult names the files a registration produced.
type RegResult struct {
	Affine string
	Warp   string // empty in linear mode
	Warped string
}

// Engine is the narrow interface the pipeline consumes for every
// voxel-level operation. All calls block until the underlying tool
// completes; parallelism lives inside the tools (Threads), never here.
type Engine interface {
	// ExtractBrainMask bias-corrects the image and segments a binary brain
	// mask into outMask, using scratchDir for intermediates. It returns
	// the path of the bias-corrected image so the mask can be applied to
	// the corrected rather than the raw data.
	ExtractBrainMask(ctx context.Context, image, scratchDir, outMask string) (corrected string, err error)

	// ApplyMask multiplies image by mask into out.
	ApplyMask(ctx context.Context, image, mask, out string) error

	// Register maps moving into fixed space. Transform files are written
	// under outPrefix using the fixed naming convention
	// <prefix>0GenericAffine.mat and <prefix>1Warp.nii.gz.
	Register(ctx context.Context, moving, fixed, outPrefix string, mode Mode) (RegResult, error)

	// ApplyTransforms resamples in onto the exact grid of reference after
	// applying the transforms in the given order (first listed applied
	// closest to the output space, per the tool convention). The literal
	// transform name "identity" regrids without warping.
	ApplyTransforms(ctx context.Context, in, reference, out string, transforms []string, interpolation string) error

	// Average computes the unweighted voxel-wise mean of images into out.
	Average(ctx context.Context, images []string, out string) error

	// Resample regrids in to the given isotropic spacing.
	Resample(ctx context.Context, in, out string, spacing float64) error

	// BuildTemplate runs the iterative mean-template construction over
	// images with the given whole-template iteration count and per-level
	// schedule, seeded from initRef when non-empty. It returns the path
	// of the produced template.
	BuildTemplate(ctx context.Context, images []string, outPrefix string, iterations int, sched Schedule, initRef string) (string, error)

	// CopyHeader stamps the header of source onto target in place. Used
	// as a data-quality workaround for derived maps with inconsistent
	// headers, not as a general rule.
	CopyHeader(ctx context.Context, source, target string) error
}

// CLI is the production Engine backed by the ANTs command-line tools.
type CLI struct {
	Builder CommandBuilder
	FS      fsutil.FileSystem

	// Threads is handed to the tools that take a thread count; the
	// orchestration itself stays single-threaded.
	Threads int
}

// NewCLI builds a CLI engine whose subprocesses inherit the configured
// thread count through ITK's environment knob.
func NewCLI(fs fsutil.FileSystem, threads int) *CLI {
	if threads < 1 {
		threads = 1
	}
	return &CLI{
		Builder: &RealCommandBuilder{
			Env: []string{fmt.Sprintf("ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=%d", threads)},
		},
		FS:      fs,
		Threads: threads,
	}
}

// lookPath is swappable for tests.
var lookPath = exec.LookPath

// CheckTools verifies that every required external tool is on PATH.
// A missing tool is a configuration error and aborts before any stage runs.
func CheckTools() error {
	var missing []string
	for _, tool := range []string{
		ToolN4, ToolBrainExtraction, ToolImageMath, ToolRegistration,
		ToolApplyTransforms, ToolAverageImages, ToolResampleImage,
		ToolTemplateBuild, ToolCopyHeader,
	} {
		if _, err := lookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required external tools not found on PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *CLI) run(ctx context.Context, name string, args ...string) error {
	out, err := c.Builder.BuildCommand(ctx, name, args...).Run()
	if err != nil {
		return fmt.Errorf("%s failed: %w (output: %s)", name, err, truncate(out))
	}
	return nil
}

func truncate(out []byte) string {
	const max = 400
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// ExtractBrainMask runs two N4 passes then the learned brain extraction,
// publishing the final binary mask at outMask.
func (c *CLI) ExtractBrainMask(ctx context.Context, image, scratchDir, outMask string) (string, error) {
	if err := c.FS.MkdirAll(scratchDir, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir %s: %w", scratchDir, err)
	}
	base := cohort.StripImageExt(filepath.Base(image))

	n4a := filepath.Join(scratchDir, base+"_n4a.nii.gz")
	if err := c.run(ctx, ToolN4, "-d", "3", "-i", image, "-o", n4a,
		"-s", "4", "-c", "[20x20x10,1e-6]"); err != nil {
		return "", err
	}
	n4b := filepath.Join(scratchDir, base+"_n4.nii.gz")
	if err := c.run(ctx, ToolN4, "-d", "3", "-i", n4a, "-o", n4b,
		"-s", "2", "-c", "[30x20x10,1e-6]"); err != nil {
		return "", err
	}

	prefix := filepath.Join(scratchDir, base+"_")
	if err := c.run(ctx, ToolBrainExtraction, "-d", "3", "-a", n4b, "-o", prefix); err != nil {
		return "", err
	}
	produced := prefix + "BrainExtractionMask.nii.gz"
	if err := c.FS.MkdirAll(filepath.Dir(outMask), 0755); err != nil {
		return "", err
	}
	if err := c.FS.Rename(produced, outMask); err != nil {
		return "", fmt.Errorf("move brain mask into place: %w", err)
	}
	return n4b, nil
}

// ApplyMask multiplies image by mask.
func (c *CLI) ApplyMask(ctx context.Context, image, mask, out string) error {
	return c.run(ctx, ToolImageMath, "3", out, "m", image, mask)
}

// Register runs the SyN registration wrapper.
func (c *CLI) Register(ctx context.Context, moving, fixed, outPrefix string, mode Mode) (RegResult, error) {
	transformType := "a"
	if mode.Nonlinear() {
		transformType = "s"
	}
	err := c.run(ctx, ToolRegistration,
		"-d", "3",
		"-f", fixed,
		"-m", moving,
		"-o", outPrefix,
		"-t", transformType,
		"-n", strconv.Itoa(c.Threads),
	)
	if err != nil {
		return RegResult{}, err
	}
	res := RegResult{
		Affine: outPrefix + "0GenericAffine.mat",
		Warped: outPrefix + "Warped.nii.gz",
	}
	if mode.Nonlinear() {
		res.Warp = outPrefix + "1Warp.nii.gz"
	}
	return res, nil
}

// ApplyTransforms resamples onto the reference grid through the chain.
func (c *CLI) ApplyTransforms(ctx context.Context, in, reference, out string, transforms []string, interpolation string) error {
	if len(transforms) == 0 {
		return errors.New("apply transforms: empty chain")
	}
	if interpolation == "" {
		interpolation = "Linear"
	}
	args := []string{"-d", "3", "-i", in, "-r", reference, "-o", out, "-n", interpolation}
	for _, t := range transforms {
		args = append(args, "-t", t)
	}
	return c.run(ctx, ToolApplyTransforms, args...)
}

// Average computes an unweighted voxel-wise mean.
func (c *CLI) Average(ctx context.Context, images []string, out string) error {
	if len(images) == 0 {
		return errors.New("average: no input images")
	}
	args := append([]string{"3", out, "0"}, images...)
	return c.run(ctx, ToolAverageImages, args...)
}

// Resample regrids to an isotropic spacing, B-spline interpolated.
func (c *CLI) Resample(ctx context.Context, in, out string, spacing float64) error {
	s := strconv.FormatFloat(spacing, 'g', -1, 64)
	return c.run(ctx, ToolResampleImage, "3", in, out,
		fmt.Sprintf("%sx%sx%s", s, s, s), "0", "4")
}

// BuildTemplate runs the iterative mean-template construction script.
func (c *CLI) BuildTemplate(ctx context.Context, images []string, outPrefix string, iterations int, sched Schedule, initRef string) (string, error) {
	if len(images) == 0 {
		return "", errors.New("build template: no input images")
	}
	args := []string{
		"-d", "3",
		"-o", outPrefix,
		"-i", strconv.Itoa(iterations),
		"-c", "2",
		"-j", strconv.Itoa(c.Threads),
		"-q", sched.IterationsArg(),
		"-f", sched.ShrinkArg(),
		"-s", sched.SmoothingArg(),
	}
	if initRef != "" {
		args = append(args, "-z", initRef)
	}
	args = append(args, images...)
	if err := c.run(ctx, ToolTemplateBuild, args...); err != nil {
		return "", err
	}
	return outPrefix + "template0.nii.gz", nil
}

// CopyHeader stamps source's header onto target in place.
func (c *CLI) CopyHeader(ctx context.Context, source, target string) error {
	return c.run(ctx, ToolCopyHeader, source, target, target, "1", "1", "1")
}
