// marsq submits multiple MARS requests concurrently. Each input file
// contains one request in MARS text form; requests are executed by a
// bounded worker pool and a log artifact is written next to every output
// file unless disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teris-io/shortid"

	"github.com/chpolste/ecmwf-api-futures/internal/shared/config"
	"github.com/chpolste/ecmwf-api-futures/internal/shared/logging"
	"github.com/chpolste/ecmwf-api-futures/pkg/futures"
	"github.com/chpolste/ecmwf-api-futures/pkg/mars"
	"github.com/chpolste/ecmwf-api-futures/pkg/request"
)

func main() {
	var (
		configPath   = flag.String("config", "", "path to config file")
		service      = flag.String("service", "mars", "which service to use")
		workers      = flag.Int("workers", 0, "number of concurrently executed requests (overrides config)")
		pollInterval = flag.Duration("poll-interval", 0, "sleep between remote status polls (overrides config)")
		defaultsPath = flag.String("defaults", "", "YAML file with default request parameters")
		noLogs       = flag.Bool("no-logs", false, "disable writing of per-request log files")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot load config: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Pool.MaxWorkers = *workers
	}
	if *pollInterval > 0 {
		cfg.Pool.PollInterval = *pollInterval
	}
	if *noLogs {
		cfg.Logging.JobLogs = false
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if flag.NArg() == 0 {
		logger.Fatal("No input files given: pass one or more request file patterns")
	}
	files, err := request.FindFiles(flag.Args())
	if err != nil {
		logger.Fatal("Cannot expand input patterns", "error", err)
	}
	if len(files) == 0 {
		logger.Fatal("No input files match the given patterns")
	}

	defaults := map[string]string{}
	if *defaultsPath != "" {
		defaults, err = request.LoadDefaults(*defaultsPath)
		if err != nil {
			logger.Fatal("Cannot load defaults", "error", err)
		}
	}

	requests := make([]request.Request, 0, len(files))
	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			logger.Fatal("Cannot read request file", "file", file, "error", err)
		}
		req, err := request.Parse(string(raw))
		if err != nil {
			logger.Fatal("Cannot parse request file", "file", file, "error", err)
		}
		if req.Target == "" {
			req.Target = fmt.Sprintf("mars-%s.grib", shortid.MustGenerate())
			logger.Warn("Request has no target, using generated name", "file", file, "target", req.Target)
		}
		requests = append(requests, req)
	}

	server, err := mars.NewService(*service,
		mars.WithCredentials(cfg.API.URL, cfg.API.Key, cfg.API.Email),
		mars.WithMaxWorkers(cfg.Pool.MaxWorkers),
		mars.WithPollInterval(cfg.Pool.PollInterval),
		mars.WithDefaults(defaults),
		mars.WithJobLogs(cfg.Logging.JobLogs),
		mars.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("Cannot start request executor", "error", err)
	}

	fs := make([]*futures.Future, 0, len(requests))
	for _, req := range requests {
		future, err := server.Retrieve(req)
		if err != nil {
			logger.Error("Request rejected", "target", req.Target, "error", err)
			continue
		}
		future.OnTransition(func(f *futures.Future) {
			logger.Info("Request status changed", "target", f.Target(), "status", string(f.State()))
		})
		fs = append(fs, future)
	}
	if len(fs) == 0 {
		logger.Fatal("All requests rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, notDone := futures.Wait(ctx, fs)
	if len(notDone) > 0 {
		logger.Warn("Interrupted, cancelling remaining requests", "remaining", len(notDone))
		for _, f := range notDone {
			f.Cancel()
		}
	}
	// Shutdown resolves everything still open, so all futures are
	// terminal afterwards.
	server.Shutdown(true)

	failed := 0
	for _, f := range fs {
		switch f.State() {
		case futures.StateDone:
			logger.Info("Request finished", "target", f.Target(), "elapsed", f.Elapsed().Round(time.Second).String())
		case futures.StateCancelled:
			logger.Warn("Request cancelled", "target", f.Target())
		case futures.StateErrored:
			logger.Error("Request failed", "target", f.Target(), "error", f.Err())
			failed++
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
