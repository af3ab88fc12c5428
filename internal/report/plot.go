package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/scan"
)

// Channel selects which side of a step a plot shows.
type Channel int

const (
	Motors Channel = iota
	Meters
)

func (c Channel) String() string {
	if c == Motors {
		return "Motor"
	}
	return "Meter"
}

func (c Channel) names(meta *scan.Metadata) []string {
	if c == Motors {
		return meta.Motors
	}
	return meta.Meters
}

func (c Channel) values(s scan.Step) map[string]float64 {
	if c == Motors {
		return s.MotorValues
	}
	return s.MeterData
}

// palette cycles through distinguishable line colours.
var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
	color.RGBA{R: 214, G: 39, B: 40, A: 255},
	color.RGBA{R: 148, G: 103, B: 189, A: 255},
	color.RGBA{R: 140, G: 86, B: 75, A: 255},
}

// StepPlot draws each channel's value against the step index over the last
// n steps.
func StepPlot(meta *scan.Metadata, ch Channel, n int) (*plot.Plot, error) {
	steps := lastSteps(meta, n)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s Values by Steps", ch)
	p.X.Label.Text = "Steps"
	p.Y.Label.Text = fmt.Sprintf("%s Values", ch)
	p.Add(plotter.NewGrid())

	for i, name := range ch.names(meta) {
		pts := make(plotter.XYs, 0, len(steps))
		for _, s := range steps {
			pts = append(pts, plotter.XY{X: float64(s.StepIndex), Y: ch.values(s)[name]})
		}
		if len(pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", ch, name, err)
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1)
		points.Color = line.Color
		p.Add(line, points)
		p.Legend.Add(name, line, points)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	return p, nil
}

// ProfilePlot draws one line across all channels per step, older steps in
// lighter grey and dashed, the last step solid black.
func ProfilePlot(meta *scan.Metadata, ch Channel, n int) (*plot.Plot, error) {
	steps := lastSteps(meta, n)
	names := ch.names(meta)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%ss Data Plot", ch)
	p.X.Label.Text = fmt.Sprintf("%ss", ch)
	p.Y.Label.Text = fmt.Sprintf("%s Values", ch)
	p.NominalX(names...)
	p.Add(plotter.NewGrid())

	for i, s := range steps {
		pts := make(plotter.XYs, len(names))
		for j, name := range names {
			pts[j] = plotter.XY{X: float64(j), Y: ch.values(s)[name]}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.StepIndex, err)
		}
		last := i == len(steps)-1
		shade := uint8(0)
		if !last {
			shade = uint8(200 - 200*(i+1)/len(steps))
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		}
		line.Color = color.Gray{Y: shade}
		line.Width = vg.Points(1)
		p.Add(line)
	}
	return p, nil
}

// SavePNG renders p into name on fsys.
func SavePNG(fsys fsutil.FileSystem, p *plot.Plot, name string) error {
	wt, err := p.WriterTo(12*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	f, err := fsys.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := wt.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	return f.Close()
}

// WritePlots saves the step and profile plots of res next to each other using
// base as the file name prefix. It returns the files written.
func WritePlots(fsys fsutil.FileSystem, res *scan.Result, base string, n int) ([]string, error) {
	type job struct {
		suffix string
		build  func(*scan.Metadata, Channel, int) (*plot.Plot, error)
		ch     Channel
	}
	jobs := []job{
		{"_motor_steps.png", StepPlot, Motors},
		{"_meter_steps.png", StepPlot, Meters},
		{"_motors.png", ProfilePlot, Motors},
		{"_meters.png", ProfilePlot, Meters},
	}

	var written []string
	for _, j := range jobs {
		if len(j.ch.names(&res.Metadata)) == 0 {
			continue
		}
		p, err := j.build(&res.Metadata, j.ch, n)
		if err != nil {
			return written, err
		}
		name := base + j.suffix
		if err := SavePNG(fsys, p, name); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}
