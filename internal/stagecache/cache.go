// Package stagecache implements output-existence memoization for pipeline
// stages. A stage declares its output paths up front; if every one of them
// already exists and the force flag is unset, the stage is skipped. There
// is no content hashing and no timestamp comparison: cheap idempotent
// re-execution is preferred over fine-grained resumability.
package stagecache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// Cache decides whether a stage has to run. The interface is deliberately
// narrow so a manifest or content-hash cache could replace it without
// touching stage logic.
type Cache struct {
	FS fsutil.FileSystem

	// Force invalidates everything: every ShouldRun call returns true.
	Force bool
}

// ShouldRun returns false only when force is unset and every declared
// output already exists. Outputs are checked as an all-or-nothing set: a
// stage interrupted after producing some of its outputs re-runs entirely.
func (c *Cache) ShouldRun(outputs ...string) bool {
	if c.Force {
		return true
	}
	if len(outputs) == 0 {
		return true
	}
	for _, out := range outputs {
		if !c.FS.Exists(out) {
			return true
		}
	}
	return false
}

// ScratchPath returns the temporary sibling path a stage should produce
// its output at before Publish moves it into place. Keeping the scratch
// file in the final directory makes the rename atomic.
func ScratchPath(final string) string {
	return filepath.Join(filepath.Dir(final), ".part-"+filepath.Base(final))
}

// Publish moves a completed scratch output to its final path, creating
// parent directories as needed. An interrupted stage therefore leaves
// either no output or a complete one, never a truncated file that would
// satisfy a later existence check.
func (c *Cache) Publish(scratch, final string) error {
	if err := c.FS.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return fmt.Errorf("create output dir for %s: %w", final, err)
	}
	if err := c.FS.Rename(scratch, final); err != nil {
		return fmt.Errorf("publish %s: %w", final, err)
	}
	return nil
}

// EnsureDir creates the directory for a declared output path.
func (c *Cache) EnsureDir(output string) error {
	if err := c.FS.MkdirAll(filepath.Dir(output), os.FileMode(0755)); err != nil {
		return fmt.Errorf("create output dir for %s: %w", output, err)
	}
	return nil
}
