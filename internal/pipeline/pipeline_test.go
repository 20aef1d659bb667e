package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TuSKan/zarr-forecast/internal/adapter/ecmwf"
	"github.com/TuSKan/zarr-forecast/internal/adapter/notify"
	"github.com/TuSKan/zarr-forecast/internal/adapter/tasks"
	"github.com/TuSKan/zarr-forecast/internal/grid"
	"github.com/TuSKan/zarr-forecast/internal/ingest"
	"github.com/TuSKan/zarr-forecast/internal/observability"
)

type fakeDownloader struct {
	dir  string
	reqs []ecmwf.Request
	err  error
}

func (f *fakeDownloader) Retrieve(_ context.Context, req ecmwf.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(f.dir, req.FileName())
	return path, os.WriteFile(path, []byte("GRIB"), 0o600)
}

type fakeArchiver struct{ paths []string }

func (f *fakeArchiver) Upload(_ context.Context, localPath, _ string) (string, error) {
	f.paths = append(f.paths, localPath)
	return filepath.Base(localPath), nil
}

type fakeDecoder struct{ ds *grid.Dataset }

func (f fakeDecoder) Decode(context.Context, string) (*grid.Dataset, error) { return f.ds, nil }

type fakeIngester struct {
	reqs []ingest.Request
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, req ingest.Request) (*ingest.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return &ingest.Result{State: ingest.Failed}, f.err
	}
	return &ingest.Result{Offset: 10, Regions: 4, State: ingest.Done}, nil
}

type fakeScheduler struct{ tasks []tasks.Task }

func (f *fakeScheduler) Schedule(_ context.Context, task tasks.Task) error {
	f.tasks = append(f.tasks, task)
	return nil
}

type recordingSink struct{ events []notify.Event }

func (r *recordingSink) Notify(_ context.Context, e notify.Event) error {
	r.events = append(r.events, e)
	return errors.New("slack is down")
}

type fixture struct {
	downloader *fakeDownloader
	archiver   *fakeArchiver
	ingester   *fakeIngester
	scheduler  *fakeScheduler
	sink       *recordingSink
	metrics    *observability.Metrics
	runner     *Runner
}

var (
	zero  = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	today = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		downloader: &fakeDownloader{dir: t.TempDir()},
		archiver:   &fakeArchiver{},
		ingester:   &fakeIngester{},
		scheduler:  &fakeScheduler{},
		sink:       &recordingSink{},
		metrics:    observability.NewMetricsForTesting(),
	}
	f.runner = New(Config{
		StorePath:    "file:///store",
		ZeroDate:     zero,
		Workers:      4,
		LookbackDays: 3,
	}, Deps{
		Downloader: f.downloader,
		Archiver:   f.archiver,
		Decoder:    fakeDecoder{ds: &grid.Dataset{Variables: []string{"t2m"}}},
		Ingester:   f.ingester,
		Scheduler:  f.scheduler,
		Notifier:   f.sink,
		Clock:      clockwork.NewFakeClockAt(today.Add(6 * time.Hour)),
		Metrics:    f.metrics,
	})
	return f
}

func TestRun_TIGGE(t *testing.T) {
	f := newFixture(t)

	msg, err := f.runner.Run(context.Background(), today.Add(13*time.Hour), ForecastTIGGE)
	require.NoError(t, err)
	assert.Equal(t, "Ran day 2024-03-05", msg)

	require.Len(t, f.downloader.reqs, 1)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), f.downloader.reqs[0].Start)
	assert.Equal(t, today, f.downloader.reqs[0].End)

	require.Len(t, f.archiver.paths, 1)
	assert.Equal(t, "2024-03-02_2024-03-05.grib", filepath.Base(f.archiver.paths[0]))
	// the raw file is removed after the run
	assert.NoFileExists(t, f.archiver.paths[0])

	require.Len(t, f.ingester.reqs, 1)
	assert.Equal(t, "file:///store", f.ingester.reqs[0].StorePath)
	assert.Equal(t, 4, f.ingester.reqs[0].Workers)
	assert.Equal(t, zero, f.ingester.reqs[0].ZeroDate)

	require.Len(t, f.scheduler.tasks, 1)
	task := f.scheduler.tasks[0]
	assert.Equal(t, "2024-03-06-tigge", task.Name)
	assert.Equal(t, map[string]string{"today": "2024-03-06", "forecast": "tigge"}, task.Payload)
	assert.Equal(t, 24*time.Hour, task.Delay)

	// notification failures never fail the run
	require.Len(t, f.sink.events, 3)
	assert.Equal(t, "downloaded 2024-03-06T00:00:00", f.sink.events[0].Text)
	assert.Equal(t, notify.StageIngested, f.sink.events[1].Stage)
	assert.Equal(t, "enqueued 2024-03-06T00:00:00", f.sink.events[2].Text)
	assert.Equal(t, today.Add(6*time.Hour), f.sink.events[2].At)

	assert.Equal(t, 5, testutil.CollectAndCount(f.metrics.StageDuration))
}

func TestRun_IngestFailure(t *testing.T) {
	f := newFixture(t)
	f.ingester.err = errors.New("worker 2 failed")

	_, err := f.runner.Run(context.Background(), today, ForecastTIGGE)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest: worker 2 failed")

	assert.Empty(t, f.scheduler.tasks)
	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, notify.StageFailed, last.Stage)
	assert.Contains(t, last.Text, "worker 2 failed")
}

func TestRun_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	f.downloader.err = ecmwf.ErrDownload

	_, err := f.runner.Run(context.Background(), today, ForecastTIGGE)
	require.ErrorIs(t, err, ecmwf.ErrDownload)
	assert.Empty(t, f.archiver.paths)
	assert.Empty(t, f.ingester.reqs)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, notify.StageFailed, f.sink.events[0].Stage)
}

func TestRun_Forecasts(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), today, ForecastHRES)
	assert.ErrorIs(t, err, ErrNotImplemented)

	_, err = f.runner.Run(context.Background(), today, "gfs")
	assert.ErrorIs(t, err, ErrUnknownForecast)

	assert.Empty(t, f.downloader.reqs)
}

func TestToday(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, today, f.runner.Today())
}
