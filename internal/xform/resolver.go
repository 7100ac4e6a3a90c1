// Package xform resolves and applies spatial transform chains. File naming
// follows the registration tools verbatim: an affine lives at
// <case>_<suffix>_0GenericAffine.mat and a warp at
// <case>_<suffix>_1Warp.nii.gz. Resolution prefers session-qualified
// names and falls back to subject-level ones, covering datasets whose
// template-construction transforms were produced without session
// granularity.
package xform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fc3r-data/brainmap/internal/ants"
	"github.com/fc3r-data/brainmap/internal/cohort"
	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// ErrUnresolved marks a case with no usable transform chain for the
// requested target space. Callers treat it as a per-case skip, never a
// pipeline-fatal error.
var ErrUnresolved = errors.New("transform chain unresolved")

// Chain is an ordered transform chain: at most one warp plus exactly one
// affine. When the warp is present it is always applied before the affine.
type Chain struct {
	Warp   string // empty in linear mode
	Affine string
}

// Transforms returns the chain in application-argument order, warp first.
func (c Chain) Transforms() []string {
	if c.Warp != "" {
		return []string{c.Warp, c.Affine}
	}
	return []string{c.Affine}
}

// AffineName returns the affine filename for a case prefix and suffix.
func AffineName(prefix, suffix string) string {
	return fmt.Sprintf("%s_%s_0GenericAffine.mat", prefix, suffix)
}

// WarpName returns the warp filename for a case prefix and suffix.
func WarpName(prefix, suffix string) string {
	return fmt.Sprintf("%s_%s_1Warp.nii.gz", prefix, suffix)
}

// Prefix returns the output prefix a registration should use so that its
// transform files resolve back through this package.
func Prefix(dir string, id cohort.CaseID, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_", id.String(), suffix))
}

// Resolver locates transform chains for one target space.
type Resolver struct {
	FS  fsutil.FileSystem
	Dir string // transform storage directory

	// Suffix names the target space in transform filenames, e.g.
	// "to_atlas" or "to_template".
	Suffix string

	// Nonlinear requires a warp component; without it only the affine is
	// resolved even if a warp file happens to exist.
	Nonlinear bool
}

// Resolve returns the transform chain for the case, trying the
// session-qualified identifier first and the subject-only identifier
// second. A missing affine, or a missing warp in nonlinear mode, yields
// ErrUnresolved.
func (r *Resolver) Resolve(id cohort.CaseID) (Chain, error) {
	for _, prefix := range []string{id.String(), id.SubjectOnly()} {
		chain, ok := r.probe(prefix)
		if ok {
			return chain, nil
		}
	}
	return Chain{}, fmt.Errorf("%s (%s space): %w", id, r.Suffix, ErrUnresolved)
}

func (r *Resolver) probe(prefix string) (Chain, bool) {
	affine := filepath.Join(r.Dir, AffineName(prefix, r.Suffix))
	if !r.FS.Exists(affine) {
		return Chain{}, false
	}
	chain := Chain{Affine: affine}
	if r.Nonlinear {
		warp := filepath.Join(r.Dir, WarpName(prefix, r.Suffix))
		if !r.FS.Exists(warp) {
			return Chain{}, false
		}
		chain.Warp = warp
	}
	return chain, true
}

// Apply maps moving through the chain onto the exact grid of reference.
// The warp argument always precedes the affine argument.
func Apply(ctx context.Context, eng ants.Engine, moving string, chain Chain, reference, out, interpolation string) error {
	if chain.Affine == "" {
		return fmt.Errorf("apply %s: %w", moving, ErrUnresolved)
	}
	return eng.ApplyTransforms(ctx, moving, reference, out, chain.Transforms(), interpolation)
}
