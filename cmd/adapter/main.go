// Command adapter runs the DICOM Adapter: an inbound C-STORE SCP that groups
// received instances into jobs (spec §4.C-E), an HTTP-adjacent inference
// request queue that retrieves study data and submits platform jobs
// (spec §4.F-I), and a config file watcher that hot-reloads AE policy.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clarapipe/dicom-adapter/aepolicy"
	"github.com/clarapipe/dicom-adapter/config"
	"github.com/clarapipe/dicom-adapter/grouping"
	"github.com/clarapipe/dicom-adapter/inferstore"
	"github.com/clarapipe/dicom-adapter/ingest"
	"github.com/clarapipe/dicom-adapter/notifier"
	"github.com/clarapipe/dicom-adapter/platform"
	"github.com/clarapipe/dicom-adapter/retrieval"
	"github.com/clarapipe/dicom-adapter/server"
	"github.com/clarapipe/dicom-adapter/staging"
	"github.com/clarapipe/dicom-adapter/submit"
	"github.com/clarapipe/dicom-adapter/worker"
)

func main() {
	configPath := flag.String("config", "/etc/dicom-adapter/adapter.yaml", "path to adapter configuration")
	workerConcurrency := flag.Int("worker-concurrency", 1, "number of inference request worker goroutines")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, *workerConcurrency, logger); err != nil {
		logger.Error("adapter exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, workerConcurrency int, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := aepolicy.New()
	registry.Reload(cfg.CallingTable(), cfg.CalledTable())

	stagingStore := staging.New(cfg.Storage.Root, time.Duration(cfg.Storage.RetentionWindow), cfg.Storage.HighWaterBytes, logger)

	platformClient := platform.NewHTTPClient(cfg.Services.PlatformBaseURL, nil)
	submitter := submit.New(platformClient)

	bus := notifier.New(logger)
	engine := grouping.New(registry, stagingStore, submitter, 4, 256, grouping.WithLogger(logger))
	bus.Subscribe(engine)

	handler := ingest.New(stagingStore, bus, logger)

	scp := server.New(cfg.SCP.AETitle, handler,
		server.WithLogger(logger),
		server.WithPolicy(registry),
		server.WithMaxAssociations(maxAssociationsOrDefault(cfg.SCP.MaxAssociations)),
		server.WithAssociationIdleTimeout(durationOrDefault(time.Duration(cfg.SCP.AssociationIdleTimeout), 60*time.Second)),
		server.WithDIMSEIdleTimeout(durationOrDefault(time.Duration(cfg.SCP.DIMSEIdleTimeout), 30*time.Second)),
	)

	store, err := inferstore.Open(ctx, cfg.Storage.InferenceStorePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if recovered, err := store.RecoverInProcess(ctx); err != nil {
		return err
	} else if recovered > 0 {
		logger.Info("recovered in-process inference requests on startup", "count", recovered)
	}

	dimseClient := &retrieval.DimseClient{
		CallingAETitle: cfg.SCU.CallingAETitle,
		LocalAETitle:   cfg.SCU.LocalAETitle,
		ListenAddress:  cfg.SCU.ListenAddress,
		DialTimeout:    time.Duration(cfg.SCU.DialTimeout),
		ReadTimeout:    time.Duration(cfg.SCU.ReadTimeout),
		WriteTimeout:   time.Duration(cfg.SCU.WriteTimeout),
		PushTimeout:    time.Duration(cfg.SCU.PushTimeout),
		Logger:         logger,
	}
	dicomWebClient := retrieval.NewDicomWebClient()

	pool := worker.New(store, stagingStore, dimseClient, dicomWebClient, submitter,
		worker.WithLogger(logger),
		worker.WithConcurrency(workerConcurrency),
	)

	watcher := config.NewWatcher(configPath, registry, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return stagingStore.Run(ctx)
	})
	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		return watcher.Run(ctx)
	})
	g.Go(func() error {
		return pool.Run(ctx)
	})
	g.Go(func() error {
		listener, err := net.Listen("tcp", cfg.SCP.ListenAddress)
		if err != nil {
			return err
		}
		logger.Info("SCP listening", "address", cfg.SCP.ListenAddress, "ae_title", cfg.SCP.AETitle)
		return scp.Serve(ctx, listener)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("adapter shutting down")
		return nil
	}
	return err
}

func maxAssociationsOrDefault(n int64) int64 {
	if n > 0 {
		return n
	}
	return 25
}

func durationOrDefault(d time.Duration, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
