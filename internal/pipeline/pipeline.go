// Package pipeline runs the daily forecast job: download, archive, decode,
// ingest, then schedule the next day.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/TuSKan/zarr-forecast/internal/adapter/ecmwf"
	"github.com/TuSKan/zarr-forecast/internal/adapter/notify"
	"github.com/TuSKan/zarr-forecast/internal/adapter/tasks"
	"github.com/TuSKan/zarr-forecast/internal/grid"
	"github.com/TuSKan/zarr-forecast/internal/ingest"
	"github.com/TuSKan/zarr-forecast/internal/observability"
)

var (
	// ErrNotImplemented is returned for forecast products without a pipeline.
	ErrNotImplemented = errors.New("forecast not implemented")
	// ErrUnknownForecast is returned for an unrecognised forecast product.
	ErrUnknownForecast = errors.New("unknown forecast")
)

// Forecast products accepted by Run.
const (
	ForecastTIGGE = "tigge"
	ForecastHRES  = "hres"
)

const (
	dayLayout = "2006-01-02"
	isoLayout = "2006-01-02T15:04:05"
)

// Downloader retrieves the raw forecast file for a date range.
type Downloader interface {
	Retrieve(ctx context.Context, req ecmwf.Request) (string, error)
}

// Archiver keeps a copy of the raw file.
type Archiver interface {
	Upload(ctx context.Context, localPath, remoteKey string) (string, error)
}

// Ingester writes a decoded dataset into the store.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Scheduler enqueues a delayed run.
type Scheduler interface {
	Schedule(ctx context.Context, task tasks.Task) error
}

// Config holds the per-run settings.
type Config struct {
	StorePath    string
	ZeroDate     time.Time
	Workers      int
	LookbackDays int
	TaskDelay    time.Duration
	// KeepDownloads leaves the raw file on local disk after the run.
	KeepDownloads bool
}

// Runner wires the stages together.
type Runner struct {
	cfg        Config
	downloader Downloader
	archiver   Archiver
	decoder    grid.Decoder
	ingester   Ingester
	scheduler  Scheduler
	notifier   notify.Sink
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// Deps are the collaborators of a Runner. Notifier and Clock are optional.
type Deps struct {
	Downloader Downloader
	Archiver   Archiver
	Decoder    grid.Decoder
	Ingester   Ingester
	Scheduler  Scheduler
	Notifier   notify.Sink
	Clock      clockwork.Clock
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// New creates a Runner.
func New(cfg Config, deps Deps) *Runner {
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.TaskDelay == 0 {
		cfg.TaskDelay = 24 * time.Hour
	}
	return &Runner{
		cfg:        cfg,
		downloader: deps.Downloader,
		archiver:   deps.Archiver,
		decoder:    deps.Decoder,
		ingester:   deps.Ingester,
		scheduler:  deps.Scheduler,
		notifier:   deps.Notifier,
		clock:      deps.Clock,
		logger:     deps.Logger.With(zap.String("component", "pipeline")),
		metrics:    deps.Metrics,
	}
}

// Today returns the current UTC date at midnight.
func (r *Runner) Today() time.Time {
	return r.clock.Now().UTC().Truncate(24 * time.Hour)
}

// Run executes the pipeline of forecast for today and returns the status
// message reported to the caller.
func (r *Runner) Run(ctx context.Context, today time.Time, forecast string) (string, error) {
	switch forecast {
	case ForecastTIGGE:
	case ForecastHRES:
		return "", fmt.Errorf("%w: %s", ErrNotImplemented, forecast)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownForecast, forecast)
	}

	today = time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	logger := r.logger.With(zap.String("day", today.Format(dayLayout)), zap.String("forecast", forecast))

	if err := r.tigge(ctx, today, logger); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		r.notify(context.WithoutCancel(ctx), logger, notify.Event{
			Stage:    notify.StageFailed,
			Forecast: forecast,
			Day:      today,
			Text:     fmt.Sprintf("%s %s failed: %v", forecast, today.Format(dayLayout), err),
		})
		return "", err
	}
	return "Ran day " + today.Format(dayLayout), nil
}

func (r *Runner) tigge(ctx context.Context, today time.Time, logger *zap.Logger) error {
	tomorrow := today.Add(24 * time.Hour)

	var path string
	err := r.stage("download", func() error {
		var err error
		path, err = r.downloader.Retrieve(ctx, ecmwf.Request{
			Start: today.AddDate(0, 0, -r.cfg.LookbackDays),
			End:   today,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if !r.cfg.KeepDownloads {
		defer os.Remove(path)
	}
	r.notify(ctx, logger, notify.Event{
		Stage: notify.StageDownloaded, Forecast: ForecastTIGGE, Day: today,
		Text: "downloaded " + tomorrow.Format(isoLayout),
	})

	if err := r.stage("archive", func() error {
		key, err := r.archiver.Upload(ctx, path, "")
		if err == nil {
			logger.Info("stored forecast file", zap.String("key", key))
		}
		return err
	}); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	var ds *grid.Dataset
	if err := r.stage("decode", func() error {
		var err error
		ds, err = r.decoder.Decode(ctx, path)
		return err
	}); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	var res *ingest.Result
	if err := r.stage("ingest", func() error {
		var err error
		res, err = r.ingester.Ingest(ctx, ingest.Request{
			Dataset:   ds,
			StorePath: r.cfg.StorePath,
			Workers:   r.cfg.Workers,
			ZeroDate:  r.cfg.ZeroDate,
		})
		return err
	}); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	logger.Info("done ingesting",
		zap.String("store", r.cfg.StorePath),
		zap.Int("offset", res.Offset),
		zap.Int64("regions", res.Regions),
		zap.Int64("bytes", res.Bytes))
	r.notify(ctx, logger, notify.Event{
		Stage: notify.StageIngested, Forecast: ForecastTIGGE, Day: today,
		Text: fmt.Sprintf("ingested %s: %d regions", today.Format(dayLayout), res.Regions),
	})

	if err := r.stage("enqueue", func() error {
		return r.scheduler.Schedule(ctx, tasks.Task{
			Name:    tomorrow.Format(dayLayout) + "-" + ForecastTIGGE,
			Payload: map[string]string{"today": tomorrow.Format(dayLayout), "forecast": ForecastTIGGE},
			Delay:   r.cfg.TaskDelay,
		})
	}); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	r.notify(ctx, logger, notify.Event{
		Stage: notify.StageEnqueued, Forecast: ForecastTIGGE, Day: today,
		Text: "enqueued " + tomorrow.Format(isoLayout),
	})
	return nil
}

func (r *Runner) stage(name string, fn func() error) error {
	start := r.clock.Now()
	r.logger.Info("stage started", zap.String("stage", name))
	err := fn()
	if r.metrics != nil {
		r.metrics.StageDuration.WithLabelValues(name).Observe(r.clock.Since(start).Seconds())
	}
	return err
}

func (r *Runner) notify(ctx context.Context, logger *zap.Logger, event notify.Event) {
	event.At = r.clock.Now().UTC()
	if err := r.notifier.Notify(ctx, event); err != nil {
		logger.Warn("notification failed", zap.String("stage", string(event.Stage)), zap.Error(err))
	}
}
