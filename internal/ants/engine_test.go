package ants

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

func newMockCLI() (*CLI, *MockCommandBuilder, *fsutil.MemoryFileSystem) {
	builder := &MockCommandBuilder{}
	m := fsutil.NewMemoryFileSystem()
	return &CLI{Builder: builder, FS: m, Threads: 4}, builder, m
}

func TestNewCLIKeepsProvidedFileSystem(t *testing.T) {
	t.Parallel()
	m := fsutil.NewMemoryFileSystem()
	cli := NewCLI(m, 2)
	assert.Same(t, m, cli.FS, "CLI must operate on the filesystem it was given")
	assert.Equal(t, 2, cli.Threads)

	// A zero thread count is clamped rather than passed through.
	assert.Equal(t, 1, NewCLI(m, 0).Threads)
}

func TestScheduleArgs(t *testing.T) {
	t.Parallel()
	s := Schedule{
		Iterations: []int{100, 70, 50, 20},
		Shrink:     []int{8, 4, 2, 1},
		Smoothing:  []float64{4, 2, 1, 0},
	}
	assert.Equal(t, "100x70x50x20", s.IterationsArg())
	assert.Equal(t, "8x4x2x1", s.ShrinkArg())
	assert.Equal(t, "4x2x1x0", s.SmoothingArg())
}

func TestRegister_ModeArgsAndResult(t *testing.T) {
	t.Parallel()
	cli, builder, _ := newMockCLI()

	res, err := cli.Register(context.Background(), "/m.nii.gz", "/f.nii.gz", "/out/sub-01_to_atlas_", ModeNonlinear)
	require.NoError(t, err)
	assert.Equal(t, "/out/sub-01_to_atlas_0GenericAffine.mat", res.Affine)
	assert.Equal(t, "/out/sub-01_to_atlas_1Warp.nii.gz", res.Warp)
	assert.Equal(t, "/out/sub-01_to_atlas_Warped.nii.gz", res.Warped)

	require.Len(t, builder.Commands, 1)
	cmd := builder.Commands[0].String()
	assert.Contains(t, cmd, ToolRegistration)
	assert.Contains(t, cmd, "-t s")
	assert.Contains(t, cmd, "-n 4")

	res, err = cli.Register(context.Background(), "/m.nii.gz", "/f.nii.gz", "/out/p_", ModeLinear)
	require.NoError(t, err)
	assert.Empty(t, res.Warp)
	assert.Contains(t, builder.Commands[1].String(), "-t a")
}

func TestApplyTransforms_OrderPreserved(t *testing.T) {
	t.Parallel()
	cli, builder, _ := newMockCLI()

	err := cli.ApplyTransforms(context.Background(), "/in.nii.gz", "/ref.nii.gz", "/out.nii.gz",
		[]string{"/t/sub-01_to_atlas_1Warp.nii.gz", "/t/sub-01_to_atlas_0GenericAffine.mat"}, "Linear")
	require.NoError(t, err)

	cmd := builder.Commands[0].String()
	warpIdx := strings.Index(cmd, "1Warp.nii.gz")
	affIdx := strings.Index(cmd, "0GenericAffine.mat")
	require.NotEqual(t, -1, warpIdx)
	require.NotEqual(t, -1, affIdx)
	assert.Less(t, warpIdx, affIdx, "warp must be passed before affine")
	assert.Contains(t, cmd, "-r /ref.nii.gz")
}

func TestApplyTransforms_EmptyChain(t *testing.T) {
	t.Parallel()
	cli, _, _ := newMockCLI()
	err := cli.ApplyTransforms(context.Background(), "/in", "/ref", "/out", nil, "")
	assert.Error(t, err)
}

func TestExtractBrainMask_PublishesMask(t *testing.T) {
	t.Parallel()
	cli, builder, m := newMockCLI()

	// Simulate the extraction tool writing its mask output.
	builder.OnRun = func(cmd RecordedCommand) error {
		if cmd.Name == ToolBrainExtraction {
			return m.WriteFile("/scratch/sub-01_RARE_BrainExtractionMask.nii.gz", []byte("mask"), 0644)
		}
		return nil
	}

	corrected, err := cli.ExtractBrainMask(context.Background(),
		"/data/sub-01/anat/sub-01_RARE.nii.gz", "/scratch", "/deriv/sub-01_RARE_mask_final.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, "/scratch/sub-01_RARE_n4.nii.gz", corrected)
	assert.True(t, m.Exists("/deriv/sub-01_RARE_mask_final.nii.gz"))
	assert.False(t, m.Exists("/scratch/sub-01_RARE_BrainExtractionMask.nii.gz"))

	// Two N4 passes then the extraction.
	require.Len(t, builder.Commands, 3)
	assert.Equal(t, ToolN4, builder.Commands[0].Name)
	assert.Equal(t, ToolN4, builder.Commands[1].Name)
	assert.Equal(t, ToolBrainExtraction, builder.Commands[2].Name)
}

func TestBuildTemplate_Args(t *testing.T) {
	t.Parallel()
	cli, builder, _ := newMockCLI()

	sched := Schedule{Iterations: []int{50, 20}, Shrink: []int{2, 1}, Smoothing: []float64{1, 0}}
	tpl, err := cli.BuildTemplate(context.Background(),
		[]string{"/a.nii.gz", "/b.nii.gz"}, "/tpl/G1_", 4, sched, "/atlas.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, "/tpl/G1_template0.nii.gz", tpl)

	cmd := builder.Commands[0].String()
	assert.Contains(t, cmd, "-i 4")
	assert.Contains(t, cmd, "-q 50x20")
	assert.Contains(t, cmd, "-f 2x1")
	assert.Contains(t, cmd, "-s 1x0")
	assert.Contains(t, cmd, "-z /atlas.nii.gz")
	assert.Contains(t, cmd, "/a.nii.gz /b.nii.gz")

	_, err = cli.BuildTemplate(context.Background(), nil, "/tpl/G1_", 4, sched, "")
	assert.Error(t, err)
}

func TestRun_ToolFailureIncludesOutput(t *testing.T) {
	t.Parallel()
	cli, builder, _ := newMockCLI()
	builder.Err = errors.New("exit status 1")
	builder.Output = []byte("segmentation fault")

	err := cli.ApplyMask(context.Background(), "/i", "/m", "/o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ToolImageMath)
	assert.Contains(t, err.Error(), "segmentation fault")
}

func TestCheckTools(t *testing.T) {
	orig := lookPath
	defer func() { lookPath = orig }()

	lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	assert.NoError(t, CheckTools())

	lookPath = func(name string) (string, error) {
		if name == ToolRegistration {
			return "", fmt.Errorf("%s not found", name)
		}
		return "/usr/bin/" + name, nil
	}
	err := CheckTools()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ToolRegistration)
}
