package report

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/motorscan/internal/scan"
)

// ErrNoResponseMatrix is returned when the metadata carries no calibration.
var ErrNoResponseMatrix = errors.New("metadata has no response matrix")

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// ResponseHeatmap charts the response matrix with meters across and motors
// down.
func ResponseHeatmap(meta *scan.Metadata) (*charts.HeatMap, error) {
	rm := meta.ResponseMatrix
	if len(rm) == 0 {
		return nil, ErrNoResponseMatrix
	}
	if len(rm) != len(meta.Motors) {
		return nil, fmt.Errorf("response matrix has %d rows for %d motors", len(rm), len(meta.Motors))
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	data := make([]opts.HeatMapData, 0, len(rm)*len(meta.Meters))
	for i, row := range rm {
		if len(row) != len(meta.Meters) {
			return nil, fmt.Errorf("response matrix row %d has %d columns for %d meters", i, len(row), len(meta.Meters))
		}
		for j, v := range row {
			lo, hi = math.Min(lo, v), math.Max(hi, v)
			data = append(data, opts.HeatMapData{Value: [3]interface{}{j, i, v}})
		}
	}
	if lo == hi {
		lo, hi = lo-1, hi+1
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Response Matrix", Width: "900px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Response Matrix Heatmap", Subtitle: fmt.Sprintf("motors=%d meters=%d", len(meta.Motors), len(meta.Meters))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: meta.Meters, Name: "Meters", SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: meta.Motors, Name: "Motors", SplitArea: &opts.SplitArea{Show: opts.Bool(true)}}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(lo),
			Max:        float32(hi),
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	hm.SetXAxis(meta.Meters).AddSeries("response", data,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true)}))
	return hm, nil
}

// StepLines charts every motor and meter against the step index over the
// last n steps.
func StepLines(meta *scan.Metadata, n int) *charts.Line {
	steps := lastSteps(meta, n)
	x := make([]int, len(steps))
	for i, s := range steps {
		x[i] = s.StepIndex
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Scan Steps", Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Scan Data", Subtitle: fmt.Sprintf("steps=%d", len(meta.Steps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Step"}),
	)
	line.SetXAxis(x)
	add := func(name string, values func(scan.Step) map[string]float64) {
		data := make([]opts.LineData, len(steps))
		for i, s := range steps {
			data[i] = opts.LineData{Value: values(s)[name]}
		}
		line.AddSeries(name, data)
	}
	for _, m := range meta.Motors {
		add(m, Motors.values)
	}
	for _, m := range meta.Meters {
		add(m, Meters.values)
	}
	return line
}

// WritePage renders the step chart and, when present, the response matrix
// heatmap as one HTML page.
func WritePage(w io.Writer, meta *scan.Metadata, n int) error {
	page := components.NewPage()
	page.PageTitle = "motorscan"
	page.AddCharts(StepLines(meta, n))
	if hm, err := ResponseHeatmap(meta); err == nil {
		page.AddCharts(hm)
	} else if !errors.Is(err, ErrNoResponseMatrix) {
		return err
	}
	return page.Render(w)
}

// WriteHeatmap renders only the response matrix heatmap.
func WriteHeatmap(w io.Writer, meta *scan.Metadata) error {
	hm, err := ResponseHeatmap(meta)
	if err != nil {
		return err
	}
	return hm.Render(w)
}
