// watchmux/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"watchmux/api"
	"watchmux/config"
	"watchmux/ffmpeg"
	"watchmux/job"
	"watchmux/metrics"
	"watchmux/watch"
)

func main() {
	// 1. Load configuration; the watch root is the positional argument.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <watch-root>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	root, err := filepath.Abs(os.Args[1])
	if err != nil {
		log.Fatalf("Cannot resolve watch root: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		log.Fatalf("Watch root is not an accessible directory: %s", root)
	}
	cfg.WatchRoot = root

	// 2. Initialize the runner first: a missing tool is fatal before any
	// watching begins.
	runner, err := ffmpeg.NewRunner(ffmpeg.RunnerConfig{
		FFBin:            cfg.FFBin,
		FFProbeBin:       cfg.FFProbeBin,
		AudioCodec:       cfg.AudioCodec,
		AudioBitrate:     cfg.AudioBitrate,
		ExtraArgs:        cfg.FFExtraArgs,
		ThrottleCPU:      cfg.ThrottleCPU,
		ThrottleFreeMem:  cfg.ThrottleFreeMem,
		ThrottleFreeDisk: cfg.ThrottleFreeDisk,
	})
	if err != nil {
		log.Fatalf("Failed to initialize transcoder: %v", err)
	}

	prober := ffmpeg.NewProber(cfg.FFProbeBin)
	settler := watch.NewSettler(cfg.SettleInterval, cfg.SettleSamples)
	coord := job.NewCoordinator(cfg, runner, prober, settler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logSettings(cfg)
	coord.Start(ctx)

	// 3. Clean up temp files orphaned by an interrupted run, then seed
	// the queue from the existing backlog before subscribing to live
	// events, so no file present at launch is missed.
	if n := watch.SweepOrphans(root); n > 0 {
		log.Printf("Removed %d orphaned temp file(s)", n)
	}

	backlog, err := watch.Scan(root, cfg.SourceExt)
	if err != nil {
		log.Fatalf("Initial scan failed: %v", err)
	}
	log.Printf("Initial scan found %d candidate file(s)", len(backlog))
	coord.Seed(backlog)

	watcher, err := watch.NewWatcher(root, cfg.QueueSize)
	if err != nil {
		log.Fatalf("Failed to watch %s: %v", root, err)
	}
	watcher.Dropped = metrics.EventsDropped.Inc
	go watcher.Run(ctx)
	coord.Consume(watcher.Events())

	// 4. Optional status server.
	var srv *http.Server
	if cfg.StatusAddr != "" {
		srv = &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: api.SetupRouter(coord, cfg),
		}
		go func() {
			log.Printf("Status server listening on %s", cfg.StatusAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("status server: %v", err)
			}
		}()
	}

	log.Printf("Watching %s for %s files", root, cfg.SourceExt)

	// 5. Wait for interrupt signal for graceful shutdown.
	<-ctx.Done()
	stop()
	log.Println("Shutting down, press Ctrl+C again to force")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Status server forced to shut down: %v", err)
		}
	}

	// In-flight subprocesses were killed by context cancellation; wait
	// for their workers to clean up temp files.
	coord.Wait()
	log.Println("Converter exiting")
}

// logSettings prints the effective policy at startup, one line per knob.
func logSettings(cfg *config.Config) {
	log.Printf("Settings:")
	log.Printf("  Convert: %s -> %s (video copy, audio %s @ %s)", cfg.SourceExt, cfg.TargetExt, cfg.AudioCodec, cfg.AudioBitrate)
	log.Printf("  Concurrency: %d, queue %d", cfg.MaxConcurrency, cfg.QueueSize)
	log.Printf("  Debounce: %v, settle %d x %v", cfg.DebounceWindow, cfg.SettleSamples, cfg.SettleInterval)
	log.Printf("  Retries: %d with %v backoff, job timeout %v", cfg.RetryLimit, cfg.RetryBackoff, cfg.JobTimeout)
	if cfg.FFExtraArgs != "" {
		log.Printf("  Extra args: %s", cfg.FFExtraArgs)
	}
}
