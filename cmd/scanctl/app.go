package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/motorscan/internal/calibrate"
	"github.com/banshee-data/motorscan/internal/config"
	"github.com/banshee-data/motorscan/internal/device"
	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/monitor"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/optimize"
	"github.com/banshee-data/motorscan/internal/publish"
	"github.com/banshee-data/motorscan/internal/report"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/timeutil"
	"github.com/banshee-data/motorscan/internal/watch"
)

// app holds the wiring shared by the run commands.
type app struct {
	cfg   *config.ScanConfig
	out   io.Writer
	fs    fsutil.FileSystem
	clock timeutil.Clock
	dev   scan.Device
	log   *monitoring.Logger
	quiet bool

	// newID overrides the engine's output directory naming in tests.
	newID func() string

	closers []func()
}

func newApp(cfg *config.ScanConfig, out io.Writer, fsys fsutil.FileSystem) (*app, error) {
	a := &app{cfg: cfg, out: out, fs: fsys, clock: timeutil.RealClock{}, log: monitoring.New("scanctl")}
	if err := a.openDevice(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openDevice() error {
	switch strings.ToLower(a.cfg.Device.Kind) {
	case "", "simulator":
		sim, err := device.NewSimulator(a.cfg.Device.Simulator)
		if err != nil {
			return err
		}
		a.dev = sim
	case "serial":
		s, err := device.OpenSerial(a.cfg.Device.Port, a.cfg.Device.Serial, nil, monitoring.New("serial"))
		if err != nil {
			return err
		}
		a.dev = s
		a.closers = append(a.closers, func() {
			if err := s.Close(); err != nil {
				a.log.Warnf("failed to close %s: %v", a.cfg.Device.Port, err)
			}
		})
	default:
		return fmt.Errorf("unknown device kind %q", a.cfg.Device.Kind)
	}
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) request() (scan.Request, error) {
	actuators, err := a.cfg.Actuators()
	if err != nil {
		return scan.Request{}, err
	}
	return scan.Request{Actuators: actuators, Sensors: a.cfg.Sensors(), Options: a.cfg.ScanOptions()}, nil
}

// run executes cmd and then writes the console table, plot files and result
// summary for whatever result came back, including an interrupted one.
func (a *app) run(ctx context.Context, cmd string) (*scan.Result, error) {
	req, err := a.request()
	if err != nil {
		return nil, err
	}

	engine := scan.NewEngine(a.dev)
	engine.Clock = a.clock
	engine.FS = a.fs
	if a.newID != nil {
		engine.NewID = a.newID
	}

	var listeners []scan.Listener
	if a.cfg.Monitor.Listen != "" {
		mon := monitor.New(a.fs, a.cfg.Dirname)
		listeners = append(listeners, mon)
		mctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := mon.Serve(mctx, a.cfg.Monitor.Listen); err != nil {
				a.log.Errorf("monitor stopped: %v", err)
			}
		}()
		a.closers = append(a.closers, func() { cancel(); <-done })
	}

	var steps *publish.StepPublisher
	if a.cfg.MQTT.Broker != "" {
		pub, err := publish.Connect(a.cfg.MQTT.Broker, a.cfg.MQTT.ClientID)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pub.Close)
		steps = publish.NewStepPublisher(pub, a.cfg.MQTT.Topic, byte(a.cfg.MQTT.QoS), a.cfg.MQTT.Retained)
		listeners = append(listeners, steps)
	}

	live, err := report.NewLivePrinter(a.cfg.Report.Live, a.out, a.cfg.Report.TableRows)
	if err != nil {
		return nil, err
	}
	var spin *progress
	switch {
	case a.quiet:
	case live != nil:
		// the spinner would overwrite the printed steps
		listeners = append(listeners, live)
	default:
		spin, err = newProgress(a.out, cmd)
		if err != nil {
			a.log.Warnf("progress spinner disabled: %v", err)
		} else {
			listeners = append(listeners, spin)
			spin.start()
		}
	}
	req.Options.Listeners = listeners

	res, runErr := a.dispatch(ctx, cmd, engine, req)
	if spin != nil {
		spin.stop(runErr)
	}
	if res == nil {
		return nil, runErr
	}

	if err := a.finish(res, steps); err != nil && runErr == nil {
		runErr = err
	}
	return res, runErr
}

func (a *app) dispatch(ctx context.Context, cmd string, engine *scan.Engine, req scan.Request) (*scan.Result, error) {
	switch cmd {
	case "scan":
		return engine.Run(ctx, req)
	case "calibrate":
		return calibrate.New(engine, a.cfg.CalibrateOptions()).Calibrate(ctx, req)
	case "optimize":
		out, err := optimize.New(engine, a.cfg.OptimizeOptions()).Optimize(ctx, req)
		if out == nil {
			return nil, err
		}
		a.printBest(out)
		return out.Final, err
	case "watch":
		w := watch.New(engine, a.dev)
		w.Clock = a.clock
		w.ObservationTime = timeutil.Seconds(a.cfg.ObservationTime)
		w.Interval = timeutil.Seconds(a.cfg.WatchInterval)
		return w.Watch(ctx, req)
	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) printBest(out *optimize.Result) {
	names := make([]string, 0, len(out.BestSettings))
	for name := range out.BestSettings {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintf(a.out, "Best objective: %.6g after %d evaluations\n", out.BestObjective, len(out.Evaluations))
	for _, name := range names {
		fmt.Fprintf(a.out, "  %s = %.6g\n", name, out.BestSettings[name])
	}
}

func (a *app) finish(res *scan.Result, steps *publish.StepPublisher) error {
	if !a.quiet {
		if err := report.WriteTable(a.out, res, a.cfg.Report.TableRows); err != nil {
			return err
		}
	}
	if res.OutputDir != "" {
		fmt.Fprintf(a.out, "Saved %d steps to %s\n", res.Metadata.TotalSteps, res.OutputDir)
	}

	if base := a.cfg.Report.PlotFile; base != "" {
		if err := a.mkdirFor(base); err != nil {
			return err
		}
		files, err := report.WritePlots(a.fs, res, base, a.cfg.Report.TableRows)
		if err != nil {
			return fmt.Errorf("failed to write plots: %w", err)
		}
		for _, f := range files {
			a.log.Infof("wrote %s", f)
		}
	}

	if name := a.cfg.Report.HeatmapFile; name != "" && len(res.Metadata.ResponseMatrix) > 0 {
		if err := a.writeHeatmap(name, res); err != nil {
			return fmt.Errorf("failed to write heatmap: %w", err)
		}
		a.log.Infof("wrote %s", name)
	}

	if steps != nil {
		if err := steps.PublishResult(res); err != nil {
			a.log.Warnf("failed to publish result: %v", err)
		}
	}
	return nil
}

func (a *app) mkdirFor(name string) error {
	dir := filepath.Dir(name)
	if dir == "." {
		return nil
	}
	return a.fs.MkdirAll(dir, 0o755)
}

func (a *app) writeHeatmap(name string, res *scan.Result) error {
	if err := a.mkdirFor(name); err != nil {
		return err
	}
	f, err := a.fs.Create(name)
	if err != nil {
		return err
	}
	if err := report.WriteHeatmap(f, &res.Metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
