package ecmwf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TuSKan/zarr-forecast/internal/adapter/httpclient"
)

var (
	start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
)

func testClient(t *testing.T, url, dir string) *Client {
	t.Helper()
	hc := httpclient.DefaultConfig()
	hc.MaxRetries = 0
	hc.Timeout = 5 * time.Second
	return NewClient(Config{
		URL:          url,
		Email:        "ops@example.com",
		Key:          "secret",
		PollInterval: time.Millisecond,
		Dir:          dir,
	}, nil, WithHTTPClient(httpclient.New(hc)))
}

func TestRequest_MARS(t *testing.T) {
	req := Request{Start: start, End: end}
	mars := req.MARS()

	assert.Equal(t, "2024-03-01_2024-03-04.grib", req.FileName())
	assert.Equal(t, "2024-03-01/to/2024-03-04", mars["date"])
	assert.Equal(t, "ti", mars["class"])
	assert.Equal(t, "tigge", mars["dataset"])
	assert.Equal(t, "0.5/0.5", mars["grid"])
	assert.Equal(t, "167/228228", mars["param"])
	assert.Equal(t, "cf", mars["type"])
	assert.Equal(t, "2024-03-01_2024-03-04.grib", mars["target"])
	assert.Contains(t, mars["step"], "0/6/12/")
	assert.Contains(t, mars["step"], "/354/360")
}

func TestRetrieve(t *testing.T) {
	var (
		polls   atomic.Int32
		deleted atomic.Bool
		body    map[string]string
	)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /datasets/tigge/requests", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-ECMWF-KEY"))
		assert.Equal(t, "ops@example.com", r.Header.Get("From"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Location", srv.URL+"/requests/abc")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"name":"abc","status":"queued"}`))
	})
	mux.HandleFunc("GET /requests/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if polls.Add(1) < 3 {
			w.Write([]byte(`{"name":"abc","status":"active"}`))
			return
		}
		json.NewEncoder(w).Encode(status{Name: "abc", Status: "complete", Location: srv.URL + "/data/abc.grib", Size: 4})
	})
	mux.HandleFunc("DELETE /requests/abc", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /data/abc.grib", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("GRIB"))
	})

	dir := t.TempDir()
	path, err := testClient(t, srv.URL, dir).Retrieve(context.Background(), Request{Start: start, End: end})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "2024-03-01_2024-03-04.grib"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "GRIB", string(data))
	assert.Equal(t, int32(3), polls.Load())
	assert.True(t, deleted.Load())
	assert.Equal(t, "2024-03-01/to/2024-03-04", body["date"])
}

func TestRetrieve_Aborted(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("POST /datasets/tigge/requests", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(status{Name: "abc", Status: "queued", Href: srv.URL + "/requests/abc"})
	})
	mux.HandleFunc("GET /requests/abc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"abc","status":"aborted","reason":"no data for date"}`))
	})
	mux.HandleFunc("DELETE /requests/abc", func(w http.ResponseWriter, r *http.Request) {})

	_, err := testClient(t, srv.URL, t.TempDir()).Retrieve(context.Background(), Request{Start: start, End: end})
	require.ErrorIs(t, err, ErrDownload)
	assert.Contains(t, err.Error(), "no data for date")
}

func TestRetrieve_SubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := testClient(t, srv.URL, t.TempDir()).Retrieve(context.Background(), Request{Start: start, End: end})
	require.ErrorIs(t, err, ErrDownload)
	assert.Contains(t, err.Error(), "403")
}

func TestRetrieve_Cancelled(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	mux.HandleFunc("POST /datasets/tigge/requests", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(status{Name: "abc", Status: "queued", Href: srv.URL + "/requests/abc"})
		cancel()
	})
	mux.HandleFunc("DELETE /requests/abc", func(w http.ResponseWriter, r *http.Request) {})

	client := testClient(t, srv.URL, t.TempDir())
	client.cfg.PollInterval = time.Hour
	_, err := client.Retrieve(ctx, Request{Start: start, End: end})
	require.ErrorIs(t, err, ErrDownload)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrieve_InvalidRange(t *testing.T) {
	_, err := testClient(t, "http://127.0.0.1:1", t.TempDir()).Retrieve(context.Background(), Request{Start: end, End: start})
	assert.ErrorIs(t, err, ErrDownload)
}
