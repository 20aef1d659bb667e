// Package app wires configuration into the pipeline and its adapters.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gocloud.dev/blob"

	"github.com/TuSKan/zarr-forecast"
	"github.com/TuSKan/zarr-forecast/internal/adapter/archive"
	"github.com/TuSKan/zarr-forecast/internal/adapter/ecmwf"
	"github.com/TuSKan/zarr-forecast/internal/adapter/notify"
	"github.com/TuSKan/zarr-forecast/internal/adapter/tasks"
	"github.com/TuSKan/zarr-forecast/internal/config"
	"github.com/TuSKan/zarr-forecast/internal/grid"
	"github.com/TuSKan/zarr-forecast/internal/ingest"
	"github.com/TuSKan/zarr-forecast/internal/observability"
	"github.com/TuSKan/zarr-forecast/internal/pipeline"
	"github.com/TuSKan/zarr-forecast/internal/plan"
	"github.com/TuSKan/zarr-forecast/internal/store"
)

// Options override collaborators that need credentials or wall time.
type Options struct {
	Tokens tasks.TokenFunc
	Clock  clockwork.Clock
	// SlackName is the bot display name.
	SlackName string
}

// App holds the wired pipeline and the resources to release on shutdown.
type App struct {
	Runner  *pipeline.Runner
	closers []io.Closer
}

// Close releases every resource opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the pipeline from a validated configuration.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.SlackName == "" {
		opts.SlackName = cfg.Notifications.SlackName
	}
	a := &App{}

	uploader, err := archive.Open(ctx, cfg.Store.ArchivePath, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, uploader)

	tokens := opts.Tokens
	if tokens == nil {
		if tokens, err = tasks.DefaultTokens(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	scheduler := tasks.New(tasks.Config{
		Project:        cfg.Tasks.Project,
		Location:       cfg.Tasks.Location,
		Queue:          cfg.Tasks.Queue,
		URL:            cfg.Tasks.URL,
		ServiceAccount: cfg.Tasks.ServiceAccount,
		Endpoint:       cfg.Tasks.Endpoint,
	}, tokens, opts.Clock, logger)

	downloader := ecmwf.NewClient(ecmwf.Config{
		URL:          cfg.ECMWF.URL,
		Email:        cfg.ECMWF.Email,
		Key:          cfg.ECMWF.Key,
		PollInterval: cfg.ECMWF.PollInterval,
		Dir:          cfg.ECMWF.DownloadDir,
	}, logger, ecmwf.WithClock(opts.Clock))

	zarrDecoder := grid.ZarrDecoder{Variables: cfg.Store.Variables, Logger: logger}
	var decoder grid.Decoder = zarrDecoder
	if len(cfg.Ingest.DecodeCommand) > 0 {
		decoder = grid.CommandDecoder{Command: cfg.Ingest.DecodeCommand, Zarr: zarrDecoder, Logger: logger}
	}

	var sinks notify.Multi
	if cfg.Notifications.SlackEnabled() {
		sinks = append(sinks, notify.NewSlack(notify.SlackConfig{
			Token:  cfg.Notifications.SlackToken,
			Target: cfg.Notifications.SlackTarget,
			Name:   opts.SlackName,
		}))
	}
	if cfg.Notifications.KafkaEnabled() {
		k := notify.NewKafka(cfg.Notifications.KafkaBrokers, cfg.Notifications.KafkaTopic)
		a.closers = append(a.closers, k)
		sinks = append(sinks, k)
	}

	coordinator := ingest.NewCoordinator(IngestOptions(cfg), logger, metrics)

	a.Runner = pipeline.New(pipeline.Config{
		StorePath:    cfg.Store.ZarrPath,
		ZeroDate:     cfg.Store.ZeroDate.Time,
		Workers:      cfg.Ingest.Workers,
		LookbackDays: cfg.Ingest.LookbackDays,
		TaskDelay:    cfg.Tasks.Delay,
	}, pipeline.Deps{
		Downloader: downloader,
		Archiver:   uploader,
		Decoder:    decoder,
		Ingester:   coordinator,
		Scheduler:  scheduler,
		Notifier:   sinks,
		Clock:      opts.Clock,
		Logger:     logger,
		Metrics:    metrics,
	})
	return a, nil
}

// IngestOptions maps the configuration onto coordinator options.
func IngestOptions(cfg *config.Config) ingest.Options {
	opts := ingest.DefaultOptions()
	opts.Chunks = []int{1, cfg.Ingest.ChunkTime, cfg.Ingest.ChunkStep, cfg.Ingest.ChunkLatitude, cfg.Ingest.ChunkLongitude}
	opts.Plan = plan.DefaultOptions()
	opts.Plan.KeepBoundary = cfg.Ingest.KeepBoundary
	opts.WriteRPS = cfg.Ingest.WriteRPS
	opts.WriteBurst = cfg.Ingest.WriteBurst
	opts.MemoryHeadroom = cfg.Ingest.MemoryHeadroom
	return opts
}

// Layout maps the configuration onto the store layout.
func Layout(cfg *config.Config) store.Layout {
	var compressor *zarr.CompressorConfig
	if cfg.Store.Compressor != "" {
		compressor = &zarr.CompressorConfig{ID: cfg.Store.Compressor}
	}
	return store.Layout{
		Longitude:  cfg.Store.Longitude,
		Latitude:   cfg.Store.Latitude,
		Time:       cfg.Store.Days,
		Step:       cfg.Store.Steps,
		Chunks:     [4]int{cfg.Ingest.ChunkLongitude, cfg.Ingest.ChunkLatitude, cfg.Ingest.ChunkTime, cfg.Ingest.ChunkStep},
		DType:      "<f4",
		Compressor: compressor,
		FillValue:  "NaN",
	}
}

// InitStore lays out the store group and one array per variable.
func InitStore(ctx context.Context, cfg *config.Config) error {
	bucket, err := blob.OpenBucket(ctx, cfg.Store.ZarrPath)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", cfg.Store.ZarrPath, err)
	}
	defer bucket.Close()
	return store.EnsureArrays(ctx, bucket, cfg.Store.Variables, Layout(cfg))
}

// Ready reports whether the store root is reachable.
func Ready(cfg *config.Config) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		bucket, err := blob.OpenBucket(ctx, cfg.Store.ZarrPath)
		if err != nil {
			return err
		}
		defer bucket.Close()
		ok, err := bucket.IsAccessible(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("store %s is not accessible", cfg.Store.ZarrPath)
		}
		return nil
	}
}
