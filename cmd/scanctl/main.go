// Command scanctl drives actuator/sensor scans, calibrations, optimisations
// and watch sessions from a YAML configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/motorscan/internal/config"
	"github.com/banshee-data/motorscan/internal/fsutil"
	"github.com/banshee-data/motorscan/internal/monitoring"
	"github.com/banshee-data/motorscan/internal/scan"
	"github.com/banshee-data/motorscan/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the YAML or JSON configuration file")
	debug      = flag.Bool("debug", false, "Enable debug logging")
	quiet      = flag.Bool("quiet", false, "Disable the progress spinner and result table")
)

const usageText = `scanctl sweeps motors and records meters on a lab rig.

Usage:
	scanctl [flags] <command>

Commands:
	scan       run the configured Cartesian sweep
	calibrate  measure the response matrix and move to the targets
	optimize   search for the settings closest to the targets
	watch      record the rig where it stands until interrupted
	conf       print the effective configuration
	mkconf     write the effective configuration to the config path
	version    print version information
	help       show this message

Settings come from defaults, then the config file, then MOTORSCAN_*
environment variables (MOTORSCAN_SAMPLE_SIZE=5, MOTORSCAN_DEVICE__KIND=serial).

Flags:`

func usage(w io.Writer) {
	fmt.Fprintln(w, usageText)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "scanctl version %s\n", version.String())
}

func main() {
	flag.Usage = func() { usage(os.Stderr) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd := flag.Arg(0)

	switch cmd {
	case "help":
		usage(os.Stdout)
		return
	case "version":
		printVersion(os.Stdout)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("error loading config: %v", err)
	}
	if *debug || cfg.Debug {
		monitoring.SetDebug(true)
	}

	switch cmd {
	case "conf":
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			log.Fatal(err)
		}
	case "mkconf":
		if err := mkconf(cfg, *configPath); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", *configPath)
	case "scan", "calibrate", "optimize", "watch":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(cfg, os.Stdout, fsutil.OSFileSystem{})
		if err != nil {
			log.Fatalf("failed to set up %s: %v", cmd, err)
		}
		a.quiet = *quiet
		_, err = a.run(ctx, cmd)
		a.close()
		if err != nil {
			if errors.Is(err, scan.ErrCancelled) {
				log.Printf("%s stopped by user: %v", cmd, err)
				os.Exit(130)
			}
			log.Fatalf("%s failed: %v", cmd, err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
}

func mkconf(cfg *config.ScanConfig, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cfg.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
