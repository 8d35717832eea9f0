package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/sensorfusion/internal/config"
	"github.com/banshee-data/sensorfusion/internal/db"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/ukf"
	"github.com/banshee-data/sensorfusion/internal/version"
)

const DB_FILE = "fusion_runs.db"

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "run":
		handleRun(args)
	case "live":
		handleLive(args)
	case "migrate":
		handleMigrate(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`fusion - lidar and radar tracking with an unscented Kalman filter

Usage: fusion <command> [options]

Commands:
  run        Replay a measurement log through the filter
  live       Track a serial measurement feed and serve /debug/ pages
  migrate    Manage the run database schema (up, down, status, force)
  version    Show version
  help       Show this help message

Examples:
  fusion run -in obj_pose-laser-radar-synthetic-input.txt -out estimates.txt -plots plots/
  fusion run -in data.txt -config tuning.json -db fusion_runs.db
  fusion live -port /dev/ttyUSB0 -listen :8080
  fusion live -replay data.txt -speed 2
  fusion migrate status -db fusion_runs.db`)
}

// logFlags are shared by run and live.
type logFlags struct {
	debug bool
	trace bool
}

func (l *logFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&l.debug, "debug", false, "Log diagnostic messages from the filter")
	fs.BoolVar(&l.trace, "trace", false, "Log every processed measurement")
}

// apply routes the filter's log streams. Ops messages always go to stderr.
func (l logFlags) apply() {
	var diag, trace io.Writer
	if l.debug {
		diag = os.Stderr
	}
	if l.trace {
		trace = os.Stderr
	}
	ukf.SetLogWriters(os.Stderr, diag, trace)
	fusion.SetLogWriters(os.Stderr, diag, trace)
}

// loadTuning returns the tuning in path, or the built-in defaults when
// path is empty.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.DefaultTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

// newFilter builds a filter from the tuning in path.
func newFilter(path string) (*ukf.Filter, *config.TuningConfig, error) {
	tuning, err := loadTuning(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := ukf.New(ukf.ConfigFromTuning(tuning))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid filter configuration: %w", err)
	}
	return f, tuning, nil
}

func handleMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", DB_FILE, "Path to the run database")
	fs.Usage = func() { db.PrintMigrateHelp(os.Stderr) }
	positional, _ := parseInterspersed(fs, args)

	if err := db.RunMigrateCommand(positional, *dbPath, os.Stdout); err != nil {
		log.Fatalf("migrate: %v", err)
	}
}

// parseInterspersed parses flags that may appear before, between or after
// positional arguments and returns the positional arguments in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}
