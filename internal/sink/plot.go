package sink

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/csrubin/buckeyeville-lidar/internal/fsutil"
	"github.com/csrubin/buckeyeville-lidar/internal/grabber"
)

// Plot renders the latest sweep as a top-down PNG scatter, rewritten every
// cycle. The scanner sits at the origin with 0 degrees pointing up and angles
// increasing clockwise.
type Plot struct {
	fs   fsutil.FileSystem
	path string
	size vg.Length
}

// NewPlot prepares a plot sink at path, creating its parent directory.
func NewPlot(fsys fsutil.FileSystem, path string) (*Plot, error) {
	if fsys == nil {
		return nil, errors.New("plot sink: nil filesystem")
	}
	if path == "" {
		return nil, errors.New("plot sink: empty path")
	}
	if err := fsutil.EnsureParent(fsys, path); err != nil {
		return nil, fmt.Errorf("plot sink: %w", err)
	}
	return &Plot{fs: fsys, path: path, size: 6 * vg.Inch}, nil
}

// Points projects the valid samples of sw onto the plane, in millimetres.
func Points(sw grabber.Sweep) plotter.XYs {
	pts := make(plotter.XYs, 0, len(sw.Samples))
	for _, s := range sw.Samples {
		if s.Distance <= 0 {
			continue
		}
		rad := s.Angle * math.Pi / 180
		pts = append(pts, plotter.XY{
			X: s.Distance * math.Sin(rad),
			Y: s.Distance * math.Cos(rad),
		})
	}
	return pts
}

// WriteSweep renders sw and replaces the PNG file.
func (p *Plot) WriteSweep(_ context.Context, sw grabber.Sweep) error {
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("Sweep %d (%d samples)", sw.Seq, len(sw.Samples))
	pl.X.Label.Text = "X (mm)"
	pl.Y.Label.Text = "Y (mm)"
	pl.Add(plotter.NewGrid())

	pts := Points(sw)
	reach := 1000.0
	if len(pts) > 0 {
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("plot sink: %w", err)
		}
		sc.GlyphStyle.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		sc.GlyphStyle.Radius = vg.Points(1)
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		pl.Add(sc)

		for _, pt := range pts {
			reach = math.Max(reach, math.Max(math.Abs(pt.X), math.Abs(pt.Y)))
		}
	}
	pl.X.Min, pl.X.Max = -reach, reach
	pl.Y.Min, pl.Y.Max = -reach, reach

	wt, err := pl.WriterTo(p.size, p.size, "png")
	if err != nil {
		return fmt.Errorf("plot sink: render: %w", err)
	}

	f, err := p.fs.Create(p.path)
	if err != nil {
		return fmt.Errorf("plot sink: %w", err)
	}
	_, werr := wt.WriteTo(f)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("plot sink: write %s: %w", p.path, err)
	}
	return nil
}
