package main

import (
	"fmt"
	"io"
	"time"

	"github.com/theckman/yacspin"

	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
)

// progress is a scan listener that shows the latest step on a spinner line.
type progress struct {
	spinner *yacspin.Spinner
	log     *monitoring.Logger
}

func newProgress(out io.Writer, label string) (*progress, error) {
	sp, err := yacspin.New(yacspin.Config{
		Writer:            out,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " " + label,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return nil, err
	}
	return &progress{spinner: sp, log: monitoring.New("progress")}, nil
}

func (p *progress) start() {
	if err := p.spinner.Start(); err != nil {
		p.log.Debugf("spinner start: %v", err)
	}
}

func (p *progress) stop(runErr error) {
	var err error
	if runErr != nil {
		p.spinner.StopFailMessage(runErr.Error())
		err = p.spinner.StopFail()
	} else {
		p.spinner.StopMessage("done")
		err = p.spinner.Stop()
	}
	if err != nil {
		p.log.Debugf("spinner stop: %v", err)
	}
}

// OnStep implements scan.Listener.
func (p *progress) OnStep(snapshot *scan.Result) error {
	p.spinner.Message(stepMessage(snapshot))
	return nil
}

func stepMessage(snapshot *scan.Result) string {
	step, ok := snapshot.Metadata.LastStep()
	if !ok {
		return "waiting"
	}
	return fmt.Sprintf("step %d %s", step.StepIndex, formatReadings(snapshot.Metadata.Meters, step.MeterData))
}

func formatReadings(names []string, values map[string]float64) string {
	s := ""
	for i, name := range names {
		if i > 0 {
			s += " "
		}
		if v, ok := values[name]; ok {
			s += fmt.Sprintf("%s=%.4g", name, v)
		} else {
			s += name + "=-"
		}
	}
	return s
}
