// Package pipeline sequences the derivation stages over a scanned cohort:
// brain extraction, atlas registration, modality propagation, group
// template construction, averaging and ROI statistics.
package pipeline

import (
	"fmt"
	"path/filepath"

	"github.com/fc3r-data/brainmap/internal/cohort"
)

// Layout maps every persisted output to its path under the derivatives
// tree. All stages and the standalone tools derive paths through it, so
// the naming convention lives in exactly one place.
type Layout struct {
	Root string // <out>/derivatives
}

func NewLayout(outRoot string) Layout {
	return Layout{Root: filepath.Join(outRoot, "derivatives")}
}

func (l Layout) MaskDir() string {
	return filepath.Join(l.Root, "Masks")
}

// Mask is the binary brain mask for one reference image base name.
func (l Layout) Mask(base string) string {
	return filepath.Join(l.MaskDir(), base+"_mask_final.nii.gz")
}

// MaskScratchDir holds the extraction tool's intermediates for one case.
func (l Layout) MaskScratchDir(base string) string {
	return filepath.Join(l.MaskDir(), "work", base)
}

// Brain is the skull-stripped reference image.
func (l Layout) Brain(tag, base string) string {
	return filepath.Join(l.Root, "Brain_extracted", tag, base+"_brain_extracted.nii.gz")
}

// AtlasDir holds one modality's atlas-space images; the reference
// modality's dir also holds the to_atlas transform files.
func (l Layout) AtlasDir(mod string) string {
	return filepath.Join(l.Root, "Brain_extracted", mod, "To_Atlas")
}

func (l Layout) AtlasImage(id cohort.CaseID, mod string) string {
	return filepath.Join(l.AtlasDir(mod), fmt.Sprintf("%s_%s_to_atlas.nii.gz", id, mod))
}

// TemplateDir holds one modality's template-space images for a group; the
// reference modality's dir also holds the to_template transform files.
func (l Layout) TemplateDir(mod, group string) string {
	return filepath.Join(l.Root, "Brain_extracted", mod, "To_Template", group)
}

func (l Layout) TemplateImage(id cohort.CaseID, mod, group string) string {
	return filepath.Join(l.TemplateDir(mod, group), fmt.Sprintf("%s_%s_in_template.nii.gz", id, mod))
}

// GroupTemplate is the published group template for the reference
// modality, after the pyramid finishes.
func (l Layout) GroupTemplate(group, mod string) string {
	return filepath.Join(l.TemplateDir(mod, group), "template", fmt.Sprintf("%s_%s_template.nii.gz", group, mod))
}

func (l Layout) GroupAverage(group, mod string) string {
	return filepath.Join(l.TemplateDir(mod, group), fmt.Sprintf("%s_%s_group_average.nii.gz", group, mod))
}

// TemplateBuildDir is the pyramid scratch tree for one group.
func (l Layout) TemplateBuildDir(group string) string {
	return filepath.Join(l.Root, "Template_build", group)
}

func (l Layout) ROIStatsDir() string {
	return filepath.Join(l.Root, "ROI_stats")
}

func (l Layout) ROIStatsTable(group, mod string) string {
	return filepath.Join(l.ROIStatsDir(), group, fmt.Sprintf("%s_%s_roi_stats.tsv", group, mod))
}

// ROIPlot is the per-region box plot for one group, modality and label.
func (l Layout) ROIPlot(group, mod string, label int) string {
	return filepath.Join(l.ROIStatsDir(), "plots_by_roi", group, mod,
		fmt.Sprintf("%s_%s_%d.png", group, mod, label))
}

func (l Layout) ROIReport() string {
	return filepath.Join(l.ROIStatsDir(), "roi_report.html")
}
