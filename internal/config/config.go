// Package config holds the pipeline run configuration. Defaults cover a
// typical mouse-brain cohort; a JSON or YAML file (chosen by extension)
// overlays them, and CLI flags overlay the file. Validation runs once,
// before any stage: configuration problems are fatal up front, never
// mid-cohort.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxFileSize bounds config files for safety (1MB).
const maxFileSize = 1 * 1024 * 1024

// Config is the complete pipeline run configuration.
type Config struct {
	// DatasetRoot is the BIDS-like input tree (or one subject directory).
	DatasetRoot string `json:"dataset_root" yaml:"dataset_root"`

	// OutRoot receives the derivatives tree. Defaults to DatasetRoot.
	OutRoot string `json:"out_root,omitempty" yaml:"out_root,omitempty"`

	// Atlas is the standard-space reference image. Required.
	Atlas string `json:"atlas" yaml:"atlas"`

	// RefTag is the contrast tag of the mandatory reference modality.
	RefTag string `json:"ref_tag,omitempty" yaml:"ref_tag,omitempty"`

	// Modalities are the optional modality tags propagated through the
	// reference modality's transform chains.
	Modalities []string `json:"modalities,omitempty" yaml:"modalities,omitempty"`

	// FilterByModality drops cases missing requested modalities;
	// RequireAllModalities demands all of them rather than any.
	FilterByModality     bool `json:"filter_by_modality,omitempty" yaml:"filter_by_modality,omitempty"`
	RequireAllModalities bool `json:"require_all_modalities,omitempty" yaml:"require_all_modalities,omitempty"`

	// Sessions is an explicit session allow-list; empty keeps all.
	Sessions []string `json:"sessions,omitempty" yaml:"sessions,omitempty"`

	// RegistrationMode is "linear" or "nonlinear".
	RegistrationMode string `json:"registration_mode,omitempty" yaml:"registration_mode,omitempty"`

	// Threads is passed through to the external tools.
	Threads int `json:"threads,omitempty" yaml:"threads,omitempty"`

	// Force re-runs every stage regardless of existing outputs.
	Force bool `json:"force,omitempty" yaml:"force,omitempty"`

	// MinTemplateSubjects is the cohort size below which template
	// construction is skipped; ForceTemplateSingle overrides the skip.
	MinTemplateSubjects int  `json:"min_template_subjects,omitempty" yaml:"min_template_subjects,omitempty"`
	ForceTemplateSingle bool `json:"force_template_single,omitempty" yaml:"force_template_single,omitempty"`

	// Stage toggles.
	StopAfterAtlas bool `json:"stop_after_atlas,omitempty" yaml:"stop_after_atlas,omitempty"`
	SkipTemplate   bool `json:"skip_template,omitempty" yaml:"skip_template,omitempty"`
	SkipROIStats   bool `json:"skip_roi_stats,omitempty" yaml:"skip_roi_stats,omitempty"`

	// TemplateLevels is the spacing pyramid in mm, coarse to fine;
	// TemplateIterations the whole-template iteration count per level.
	TemplateLevels     []float64 `json:"template_levels,omitempty" yaml:"template_levels,omitempty"`
	TemplateIterations int       `json:"template_iterations,omitempty" yaml:"template_iterations,omitempty"`

	// RegridToAtlas resamples the finest template onto the atlas grid.
	RegridToAtlas bool `json:"regrid_to_atlas,omitempty" yaml:"regrid_to_atlas,omitempty"`

	// HeaderFixModalities lists modalities whose derived maps carry
	// inconsistent headers and need a header-alignment pre-step against
	// the case's reference image before transforms are applied.
	HeaderFixModalities []string `json:"header_fix_modalities,omitempty" yaml:"header_fix_modalities,omitempty"`

	// ROI statistics inputs.
	Labels     string `json:"labels,omitempty" yaml:"labels,omitempty"`
	LabelTable string `json:"label_table,omitempty" yaml:"label_table,omitempty"`

	// RunLog is the SQLite run manifest path; empty disables it.
	RunLog string `json:"run_log,omitempty" yaml:"run_log,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		RefTag:              "RARE",
		Modalities:          []string{"T1map", "UNIT1"},
		RegistrationMode:    "nonlinear",
		Threads:             1,
		MinTemplateSubjects: 2,
		TemplateLevels:      []float64{0.3, 0.2, 0.15, 0.1},
		TemplateIterations:  4,
		RegridToAtlas:       true,
		HeaderFixModalities: []string{"T1map"},
	}
}

// Load reads a config file over the defaults. The format follows the
// extension: .json or .yaml/.yml.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)

	fi, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if fi.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fi.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	switch ext := filepath.Ext(cleanPath); ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config file must be .json, .yaml or .yml, got %q", ext)
	}
	return cfg, nil
}

// Nonlinear reports whether the registration mode includes a warp.
func (c *Config) Nonlinear() bool {
	return c.RegistrationMode != "linear"
}

// Validate checks the configuration before any stage runs.
func (c *Config) Validate() error {
	var problems []string

	if c.DatasetRoot == "" {
		problems = append(problems, "dataset_root is required")
	}
	if c.Atlas == "" {
		problems = append(problems, "atlas is required")
	}
	if c.RefTag == "" {
		problems = append(problems, "ref_tag must not be empty")
	}
	switch c.RegistrationMode {
	case "linear", "nonlinear":
	default:
		problems = append(problems, fmt.Sprintf("registration_mode must be linear or nonlinear, got %q", c.RegistrationMode))
	}
	if c.Threads < 1 {
		problems = append(problems, "threads must be at least 1")
	}
	if c.MinTemplateSubjects < 1 {
		problems = append(problems, "min_template_subjects must be at least 1")
	}
	if c.TemplateIterations < 1 {
		problems = append(problems, "template_iterations must be at least 1")
	}
	if len(c.TemplateLevels) == 0 {
		problems = append(problems, "template_levels must not be empty")
	}
	for i := 1; i < len(c.TemplateLevels); i++ {
		if c.TemplateLevels[i] >= c.TemplateLevels[i-1] {
			problems = append(problems, "template_levels must be strictly decreasing (coarse to fine)")
			break
		}
	}
	for _, s := range c.TemplateLevels {
		if s <= 0 {
			problems = append(problems, "template_levels must be positive spacings")
			break
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveOutRoot returns OutRoot, defaulting to the dataset root.
func (c *Config) EffectiveOutRoot() string {
	if c.OutRoot != "" {
		return c.OutRoot
	}
	return c.DatasetRoot
}
