package roistats

import (
	"bytes"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/fc3r-data/brainmap/internal/fsutil"
)

// RenderBoxPlot draws one box per region and writes the plot as PNG.
// Regions without voxels are left out rather than failing the plot.
func RenderBoxPlot(fs fsutil.FileSystem, path, title string, samples []Sample) error {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "value"
	p.X.Tick.Label.Rotation = -1.2
	p.X.Tick.Label.XAlign = -0.9

	var names []string
	pos := 0.0
	for _, s := range samples {
		if len(s.Values) == 0 {
			continue
		}
		box, err := plotter.NewBoxPlot(vg.Points(18), pos, plotter.Values(s.Values))
		if err != nil {
			return fmt.Errorf("box for region %s: %w", s.Name, err)
		}
		p.Add(box)
		names = append(names, s.Name)
		pos++
	}
	if len(names) == 0 {
		return fmt.Errorf("box plot %s: no regions with voxels", path)
	}
	p.NominalX(names...)

	width := vg.Length(len(names))*0.5*vg.Inch + 2*vg.Inch
	if width < 6*vg.Inch {
		width = 6 * vg.Inch
	}
	wt, err := p.WriterTo(width, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render box plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return fmt.Errorf("encode box plot: %w", err)
	}
	if err := fs.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write box plot: %w", err)
	}
	return nil
}
