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

	"github.com/banshee-data/sensorfusion/internal/db"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/report"
	"github.com/banshee-data/sensorfusion/internal/sensor"
)

// runOptions configures a replay of a measurement log.
type runOptions struct {
	In     string // "-" reads stdin
	Out    string
	Config string
	DB     string
	Plots  string
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var opts runOptions
	var logs logFlags
	fs.StringVar(&opts.In, "in", "", "Measurement log to replay, - for stdin (required)")
	fs.StringVar(&opts.Out, "out", "", "Write estimates as tab-separated rows to this file")
	fs.StringVar(&opts.Config, "config", "", "Tuning config JSON (defaults built in)")
	fs.StringVar(&opts.DB, "db", "", "Record the run and its estimates in this database")
	fs.StringVar(&opts.Plots, "plots", "", "Write trajectory and NIS plots to this directory")
	logs.register(fs)
	fs.Parse(args)

	if opts.In == "" {
		fmt.Fprintln(os.Stderr, "Error: -in is required")
		fs.Usage()
		os.Exit(1)
	}
	logs.apply()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := runFile(ctx, opts, os.Stdout)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	if !summary.Consistent {
		log.Printf("filter NIS is not consistent with the configured noise")
	}
}

// runFile replays opts.In through a fresh filter and prints the summary
// to out.
func runFile(ctx context.Context, opts runOptions, out io.Writer) (summary fusion.Summary, err error) {
	var in io.Reader = os.Stdin
	if opts.In != "-" {
		f, err := os.Open(opts.In)
		if err != nil {
			return summary, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	filter, tuning, err := newFilter(opts.Config)
	if err != nil {
		return summary, err
	}

	var sinks []fusion.Sink
	if opts.Out != "" {
		f, err := os.Create(opts.Out)
		if err != nil {
			return summary, fmt.Errorf("failed to create output: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		sinks = append(sinks, fusion.NewTextSink(f))
	}

	var estimates []fusion.Estimate
	if opts.Plots != "" {
		sinks = append(sinks, fusion.SinkFunc(func(e fusion.Estimate) error {
			estimates = append(estimates, e)
			return nil
		}))
	}

	var database *db.DB
	var run *db.Run
	if opts.DB != "" {
		database, err = db.NewDB(opts.DB)
		if err != nil {
			return summary, fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()
		run, err = database.CreateRun(opts.In, tuning)
		if err != nil {
			return summary, fmt.Errorf("failed to create run: %w", err)
		}
		sinks = append(sinks, fusion.NewStoreSink(database, run.RunID, fusion.DefaultStoreBatch))
	}

	runner := fusion.NewRunner(filter, sinks...)
	summary, runErr := runner.Run(ctx, sensor.NewReader(in))

	if run != nil {
		if err := database.FinishRun(run.RunID, int64(summary.Counts.Records), summary, runErr); err != nil {
			log.Printf("failed to finish run %s: %v", run.RunID, err)
		} else {
			fmt.Fprintf(out, "run %s stored in %s\n", run.RunID, opts.DB)
		}
	}
	if runErr != nil {
		return summary, runErr
	}

	printSummary(out, summary)

	if opts.Plots != "" {
		written, err := report.WriteAll(opts.Plots, estimates)
		if err != nil && !errors.Is(err, report.ErrNoData) {
			return summary, fmt.Errorf("failed to write plots: %w", err)
		}
		for _, p := range written {
			fmt.Fprintf(out, "wrote %s\n", p)
		}
	}
	return summary, nil
}

func printSummary(out io.Writer, s fusion.Summary) {
	c := s.Counts
	fmt.Fprintf(out, "records=%d bootstrapped=%d updated=%d predicted=%d skipped=%d parse_errors=%d divergences=%d\n",
		c.Records, c.Bootstrapped, c.Updated, c.Predicted, c.Skipped, c.ParseErrors, c.Divergences)
	if s.RMSE != nil {
		fmt.Fprintf(out, "RMSE %s\n", s.RMSE)
	} else {
		fmt.Fprintln(out, "RMSE n/a (no ground truth)")
	}
	for _, n := range s.NIS {
		fmt.Fprintf(out, "NIS %s\n", n)
	}
	fmt.Fprintf(out, "consistent=%v\n", s.Consistent)
}
