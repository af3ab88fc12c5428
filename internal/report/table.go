// Package report renders scan results for people: console tables, PNG plots
// of the step history and HTML charts of the response matrix.
package report

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/banshee-data/motorscan/internal/scan"
)

// DefaultRows is how many recent steps are shown when no count is given.
const DefaultRows = 10

// lastSteps returns up to n of the most recent steps, oldest first. n <= 0
// means DefaultRows.
func lastSteps(meta *scan.Metadata, n int) []scan.Step {
	if n <= 0 {
		n = DefaultRows
	}
	steps := meta.Steps
	if len(steps) > n {
		steps = steps[len(steps)-n:]
	}
	return steps
}

func formatValue(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// WriteTable prints the last rows steps of res as an aligned table, newest
// first, with one column per motor and meter.
func WriteTable(w io.Writer, res *scan.Result, rows int) error {
	meta := &res.Metadata
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(w, "=== Scan Data Table ===")
	fmt.Fprint(tw, "Step\t")
	for _, m := range meta.Motors {
		fmt.Fprintf(tw, "%s\t", m)
	}
	for _, m := range meta.Meters {
		fmt.Fprintf(tw, "%s\t", m)
	}
	fmt.Fprintln(tw)

	steps := lastSteps(meta, rows)
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		fmt.Fprintf(tw, "%d\t", step.StepIndex)
		for _, m := range meta.Motors {
			v, ok := step.MotorValues[m]
			fmt.Fprintf(tw, "%s\t", formatValue(v, ok))
		}
		for _, m := range meta.Meters {
			v, ok := step.MeterData[m]
			fmt.Fprintf(tw, "%s\t", formatValue(v, ok))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

// WriteSteps prints the last n steps as blocks, newest first.
func WriteSteps(w io.Writer, res *scan.Result, n int) error {
	steps := lastSteps(&res.Metadata, n)
	if _, err := fmt.Fprintln(w, "=== Scan Data ==="); err != nil {
		return err
	}
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		_, err := fmt.Fprintf(w, "Step %d:\n  Motor Values: %v\n  Meter Data: %v\n%s\n",
			s.StepIndex, s.MotorValues, s.MeterData, "----------------------------------------")
		if err != nil {
			return err
		}
	}
	return nil
}

// TablePrinter is a scan listener that prints the recent steps after every
// step.
type TablePrinter struct {
	Out  io.Writer
	Rows int
}

// OnStep prints the table for the snapshot.
func (p *TablePrinter) OnStep(snapshot *scan.Result) error {
	return WriteTable(p.Out, snapshot, p.Rows)
}

// StepPrinter is a scan listener that prints the recent steps as blocks
// after every step.
type StepPrinter struct {
	Out  io.Writer
	Rows int
}

// OnStep prints the step blocks for the snapshot.
func (p *StepPrinter) OnStep(snapshot *scan.Result) error {
	return WriteSteps(p.Out, snapshot, p.Rows)
}

// Live output modes for NewLivePrinter.
const (
	LiveTable = "table"
	LiveSteps = "steps"
)

// NewLivePrinter returns the per-step printer for mode, or nil for an empty
// mode.
func NewLivePrinter(mode string, out io.Writer, rows int) (scan.Listener, error) {
	switch mode {
	case "":
		return nil, nil
	case LiveTable:
		return &TablePrinter{Out: out, Rows: rows}, nil
	case LiveSteps:
		return &StepPrinter{Out: out, Rows: rows}, nil
	}
	return nil, fmt.Errorf("unknown live output %q: expected %q or %q", mode, LiveTable, LiveSteps)
}
