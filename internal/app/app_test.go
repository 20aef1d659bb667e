package app

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"

	"github.com/TuSKan/zarr-forecast"
	"github.com/TuSKan/zarr-forecast/internal/config"
	"github.com/TuSKan/zarr-forecast/internal/observability"
)

func fileURL(dir string) string { return "file:///" + filepath.ToSlash(dir) }

func staticToken(context.Context) (string, error) { return "token", nil }

// writeDecodedGrid writes what the external converter would produce: t2m
// shaped (time=2, step=1, latitude=2, longitude=3) issued from 2024-03-02.
func writeDecodedGrid(t *testing.T, dir string) {
	t.Helper()
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, fileURL(dir))
	require.NoError(t, err)
	defer bucket.Close()

	require.NoError(t, zarr.CreateGroup(ctx, bucket, ""))
	shape := []int{2, 1, 2, 3}
	arr, err := zarr.CreateArray(ctx, bucket, "t2m", zarr.Metadata{Shape: shape, Chunks: shape, DType: "<f4"},
		zarr.Attributes{zarr.DimensionsAttribute: []string{"time", "step", "latitude", "longitude"}})
	require.NoError(t, err)
	data := make([]byte, 4*12)
	for i := 0; i < 12; i++ {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(i)))
	}
	require.NoError(t, arr.WriteRegion(ctx, []int{0, 0, 0, 0}, shape, data, shape, []int{0, 0, 0, 0}))

	tarr, err := zarr.CreateArray(ctx, bucket, "time", zarr.Metadata{Shape: []int{2}, Chunks: []int{2}, DType: "<i8"},
		zarr.Attributes{zarr.DimensionsAttribute: []string{"time"}, "units": "days since 2024-03-02"})
	require.NoError(t, err)
	days := make([]byte, 16)
	binary.LittleEndian.PutUint64(days[8:], 1)
	require.NoError(t, tarr.WriteRegion(ctx, []int{0}, []int{2}, days, []int{2}, []int{0}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.ZarrPath = fileURL(t.TempDir())
	cfg.Store.ArchivePath = fileURL(t.TempDir())
	cfg.Store.ZeroDate = config.Date{Time: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Store.Variables = []string{"t2m"}
	cfg.Store.Longitude, cfg.Store.Latitude, cfg.Store.Days, cfg.Store.Steps = 3, 2, 10, 1
	cfg.Store.Compressor = "zstd"
	cfg.Ingest.ChunkLongitude, cfg.Ingest.ChunkLatitude, cfg.Ingest.ChunkTime, cfg.Ingest.ChunkStep = 2, 1, 4, 1
	cfg.Ingest.Workers = 2
	cfg.ECMWF.Email, cfg.ECMWF.Key = "ops@example.com", "secret"
	cfg.ECMWF.PollInterval = time.Millisecond
	cfg.ECMWF.DownloadDir = t.TempDir()
	cfg.Tasks.Project, cfg.Tasks.Location, cfg.Tasks.Queue = "proj", "loc", "q"
	cfg.Tasks.URL = "https://forecast.example.com/"
	cfg.Tasks.ServiceAccount = "runner@proj.iam.gserviceaccount.com"
	return cfg
}

func TestLayoutAndIngestOptions(t *testing.T) {
	cfg := testConfig(t)

	layout := Layout(cfg)
	assert.Equal(t, []int{3, 2, 10, 1}, layout.Shape())
	assert.Equal(t, [4]int{2, 1, 4, 1}, layout.Chunks)
	assert.Equal(t, "zstd", layout.Compressor.ID)

	opts := IngestOptions(cfg)
	assert.Equal(t, []int{1, 4, 1, 1, 2}, opts.Chunks)
	assert.False(t, opts.Plan.KeepBoundary)
	assert.Equal(t, 100, opts.ProgressEvery)
}

func TestInitStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	require.NoError(t, InitStore(ctx, cfg))
	// running it again keeps the existing arrays
	require.NoError(t, InitStore(ctx, cfg))

	arr, err := zarr.Open(ctx, cfg.Store.ZarrPath+"/t2m")
	require.NoError(t, err)
	defer arr.Close()
	assert.Equal(t, []int{3, 2, 10, 1}, arr.Metadata().Shape)
	assert.NoError(t, Ready(cfg)(ctx))

	cfg.Store.Days = 20
	assert.Error(t, InitStore(ctx, cfg))
}

func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	fixture := t.TempDir()
	writeDecodedGrid(t, fixture)
	cfg.Ingest.DecodeCommand = []string{"cp", "-R", fixture + "/.", "{output}"}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("POST /datasets/tigge/requests", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"name":"r1","status":"complete","href":"` + srv.URL + `/requests/r1","location":"` + srv.URL + `/data/r1.grib"}`))
	})
	mux.HandleFunc("DELETE /requests/r1", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /data/r1.grib", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("GRIB")) })

	var (
		mu       sync.Mutex
		taskBody map[string]any
	)
	mux.HandleFunc("POST /projects/proj/locations/loc/queues/q/tasks", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&taskBody))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	cfg.ECMWF.URL = srv.URL
	cfg.Tasks.Endpoint = srv.URL

	require.NoError(t, InitStore(ctx, cfg))

	now := time.Date(2024, 3, 5, 7, 0, 0, 0, time.UTC)
	a, err := New(ctx, cfg, nil, observability.NewMetricsForTesting(), Options{
		Tokens: staticToken,
		Clock:  clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)
	defer a.Close()

	status, err := a.Runner.Run(ctx, a.Runner.Today(), "tigge")
	require.NoError(t, err)
	assert.Equal(t, "Ran day 2024-03-05", status)

	// archived raw file
	archived, err := os.ReadFile(filepath.Join(filepath.FromSlash(cfg.Store.ArchivePath[len("file:///"):]), "2024-03-02_2024-03-05.grib"))
	require.NoError(t, err)
	assert.Equal(t, "GRIB", string(archived))

	// ingested at global days 1 and 2 in (lon, lat, time, step) order
	arr, err := zarr.Open(ctx, cfg.Store.ZarrPath+"/t2m")
	require.NoError(t, err)
	defer arr.Close()
	got, err := arr.ReadRegion(ctx, []int{0, 0, 1, 0}, []int{3, 2, 2, 1})
	require.NoError(t, err)
	value := func(lon, lat, day int) float32 {
		i := ((lon*2+lat)*2 + day)
		return math.Float32frombits(binary.LittleEndian.Uint32(got[i*4:]))
	}
	// source (time, step, lat, lon) index = time*6 + lat*3 + lon
	assert.Equal(t, float32(0), value(0, 0, 0))
	assert.Equal(t, float32(1*6+1*3+2), value(2, 1, 1))
	assert.Equal(t, float32(0*6+0*3+1), value(1, 0, 0))

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, taskBody)
	task := taskBody["task"].(map[string]any)
	assert.Equal(t, "projects/proj/locations/loc/queues/q/tasks/2024-03-06-tigge", task["name"])
	assert.Equal(t, "2024-03-06T07:00:00Z", task["scheduleTime"])
}
