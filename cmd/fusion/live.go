package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/sensorfusion/internal/db"
	"github.com/banshee-data/sensorfusion/internal/fusion"
	"github.com/banshee-data/sensorfusion/internal/report"
	"github.com/banshee-data/sensorfusion/internal/serialmux"
)

// feedBuffer is the subscriber buffer between the serial monitor and the
// filter.
const feedBuffer = 1024

// liveStoreBatch keeps at most this many estimates in memory before they
// are written to the database.
const liveStoreBatch = 32

type liveOptions struct {
	Port    string
	Baud    int
	Replay  string
	Speed   float64
	Listen  string
	DB      string
	Config  string
	History int
}

func handleLive(args []string) {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	var opts liveOptions
	var logs logFlags
	fs.StringVar(&opts.Port, "port", "", "Serial device producing measurement lines")
	fs.IntVar(&opts.Baud, "baud", serialmux.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&opts.Replay, "replay", "", "Replay this measurement log instead of reading a device; exits at end of log")
	fs.Float64Var(&opts.Speed, "speed", 1, "Replay speed multiplier, 0 for as fast as possible")
	fs.StringVar(&opts.Listen, "listen", ":8080", "Listen address for /debug/ pages")
	fs.StringVar(&opts.DB, "db", DB_FILE, "Run database, empty to disable")
	fs.StringVar(&opts.Config, "config", "", "Tuning config JSON (defaults built in)")
	fs.IntVar(&opts.History, "history", report.DefaultHistorySize, "Estimates kept for the debug charts")
	logs.register(fs)
	fs.Parse(args)

	if opts.Listen == "" {
		log.Fatal("Listen address is required")
	}
	if (opts.Port == "") == (opts.Replay == "") {
		log.Fatal("exactly one of -port or -replay is required")
	}
	logs.apply()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runLive(ctx, opts); err != nil {
		log.Fatalf("live: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// openFeed opens the serial device, or the replay log when no device is
// given.
func openFeed(opts liveOptions) (serialmux.SerialMuxInterface, string, error) {
	if opts.Port != "" {
		mux, err := serialmux.NewRealSerialMux(opts.Port, serialmux.PortOptions{BaudRate: opts.Baud})
		if err != nil {
			return nil, "", fmt.Errorf("failed to open serial port: %w", err)
		}
		return mux, "serial:" + opts.Port, nil
	}
	f, err := os.Open(opts.Replay)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open replay log: %w", err)
	}
	// The replay port closes f when the replay ends.
	return serialmux.NewReplaySerialMux(f, opts.Speed), "replay:" + opts.Replay, nil
}

func runLive(ctx context.Context, opts liveOptions) error {
	filter, tuning, err := newFilter(opts.Config)
	if err != nil {
		return err
	}

	feed, source, err := openFeed(opts)
	if err != nil {
		return err
	}
	defer feed.Close()

	history := report.NewHistory(opts.History)
	sinks := []fusion.Sink{history}

	var database *db.DB
	var run *db.Run
	if opts.DB != "" {
		database, err = db.NewDB(opts.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		run, err = database.CreateRun(source, tuning)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		log.Printf("recording run %s to %s", run.RunID, opts.DB)
		sinks = append(sinks, fusion.NewStoreSink(database, run.RunID, liveStoreBatch))
	}

	runner := fusion.NewRunner(filter, sinks...)
	runner.ResetOnDivergence = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	// subscribe before monitoring starts so no line is missed
	id, lines := feed.SubscribeBuffered(feedBuffer)

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Monitor(ctx); err != nil && ctx.Err() == nil {
			log.Printf("failed to monitor serial port: %v", err)
		}
		// no more lines will arrive: let the filter drain its buffer and
		// finish the run
		feed.Unsubscribe(id)
		log.Print("monitor routine terminated")
	}()

	// feed every line to the filter
	var summary fusion.Summary
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		// a failed filter stops the monitor and the HTTP server too
		defer cancel()
		defer feed.Unsubscribe(id)
		summary, runErr = runner.RunLines(ctx, lines)
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			runErr = nil
		}
		log.Printf("filter routine terminated after %d records", summary.Counts.Records)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		feed.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}
		attachFilterRoutes(mux, runner, history)

		server := &http.Server{
			Addr:    opts.Listen,
			Handler: mux,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("serving /debug/ on %s", opts.Listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if run != nil {
		if err := database.FinishRun(run.RunID, int64(summary.Counts.Records), summary, runErr); err != nil {
			log.Printf("failed to finish run %s: %v", run.RunID, err)
		}
	}
	return runErr
}

// attachFilterRoutes mounts the filter's debug pages under /debug/.
func attachFilterRoutes(mux *http.ServeMux, runner *fusion.Runner, history *report.History) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Records", func() any { return runner.Snapshot().Counts.Records })
	debug.KVFunc("Divergences", func() any { return runner.Snapshot().Counts.Divergences })
	debug.KVFunc("Estimates kept", func() any { return len(history.Estimates()) })

	debug.HandleFunc("filter", "current UKF state and covariance (JSON)", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, runner.Snapshot())
	})
	debug.HandleFunc("summary", "RMSE and NIS consistency so far (JSON)", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, runner.Summary())
	})
	debug.HandleFunc("nis", "NIS charts against the chi-square 95% threshold", report.NISChartHandler(history.Estimates))
	debug.HandleFunc("trajectory.png", "estimated and true trajectory", report.TrajectoryPNGHandler(history.Estimates))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("failed to encode debug response: %v", err)
	}
}
