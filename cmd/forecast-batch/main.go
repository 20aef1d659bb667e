// Command forecast-batch runs the TIGGE pipeline once for today, or lays out
// the store arrays with -init.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/TuSKan/zarr-forecast/internal/app"
	"github.com/TuSKan/zarr-forecast/internal/config"
	"github.com/TuSKan/zarr-forecast/internal/logging"
	"github.com/TuSKan/zarr-forecast/internal/observability"
	"github.com/TuSKan/zarr-forecast/internal/pipeline"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML configuration file")
		initStore  = flag.Bool("init", false, "create the store group and arrays, then exit")
		day        = flag.String("day", "", "run for this YYYY-MM-DD instead of today")
	)
	flag.Parse()

	if err := run(*configPath, *initStore, *day); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, initStore bool, day string) error {
	cfg, err := config.Load()
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if initStore {
		if err := cfg.ValidateStore(); err != nil {
			return err
		}
		if err := app.InitStore(ctx, cfg); err != nil {
			return err
		}
		logger.Info("store initialised", zap.String("store", cfg.Store.ZarrPath), zap.Strings("variables", cfg.Store.Variables))
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger, observability.NewMetrics(), app.Options{SlackName: "h2ox-tigge"})
	if err != nil {
		return err
	}
	defer a.Close()

	today := a.Runner.Today()
	if day != "" {
		d, err := config.ParseDate(day)
		if err != nil {
			return err
		}
		today = d.Time
	}

	if cfg.Server.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Server.RunTimeout)
		defer cancel()
	}
	status, err := a.Runner.Run(ctx, today, pipeline.ForecastTIGGE)
	if err != nil {
		return err
	}
	logger.Info(status)
	return nil
}
