// Package store writes planned grid slices into the per-variable Zarr arrays
// of the remote forecast store.
//
// Store arrays are laid out (longitude, latitude, time, step). The time axis
// is an absolute day index counted from a fixed zero date.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	"golang.org/x/time/rate"

	"github.com/TuSKan/zarr-forecast"
	"github.com/TuSKan/zarr-forecast/internal/observability"
	"github.com/TuSKan/zarr-forecast/internal/plan"
)

var (
	// ErrStoreUnavailable marks transient store failures; the caller may retry.
	ErrStoreUnavailable = fmt.Errorf("store unavailable: %w", zarr.ErrUnavailable)
	// ErrOutOfRange marks a region that falls outside the store array. It
	// points at a configuration or offset bug and must not be retried.
	ErrOutOfRange = fmt.Errorf("store: %w", zarr.ErrOutOfRange)
)

// Source is a read-only array in store axis order.
type Source interface {
	Bytes() []byte
	Shape() []int
	DType() string
}

// Bytes is a Source over a plain byte slice.
type Bytes struct {
	Data []byte
	Dims []int
	Type string
}

func (b Bytes) Bytes() []byte { return b.Data }
func (b Bytes) Shape() []int  { return b.Dims }
func (b Bytes) DType() string { return b.Type }

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics records region writes.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// WithRateLimit caps region writes per second. A non-positive rps means
// no limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(w *Writer) {
		if rps <= 0 {
			w.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithChunkLocks shares chunk locks between writers of the same store.
func WithChunkLocks(l *zarr.ChunkLocks) Option {
	return func(w *Writer) {
		if l != nil {
			w.locks = l
		}
	}
}

// Writer writes regions into the arrays below one store root. A Writer is
// safe for concurrent use, but every worker is expected to open its own.
type Writer struct {
	bucket  *blob.Bucket
	owned   bool
	logger  *zap.Logger
	metrics *observability.Metrics
	limiter *rate.Limiter
	locks   *zarr.ChunkLocks

	mu     sync.Mutex
	arrays map[string]*zarr.Array
}

// Open opens a new connection to the store at root, e.g.
// "gs://forecasts/tigge.zarr" or "file:///data/tigge.zarr".
func Open(ctx context.Context, root string, opts ...Option) (*Writer, error) {
	bucket, err := blob.OpenBucket(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %w", ErrStoreUnavailable, root, err)
	}
	w := NewWriter(bucket, opts...)
	w.owned = true
	return w, nil
}

// NewWriter wraps an open bucket. The bucket stays owned by the caller.
func NewWriter(bucket *blob.Bucket, opts ...Option) *Writer {
	w := &Writer{
		bucket:  bucket,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(rate.Inf, 0),
		locks:   zarr.NewChunkLocks(),
		arrays:  make(map[string]*zarr.Array),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "store"))
	return w
}

// Array returns the store array of a variable, opening it on first use.
func (w *Writer) Array(ctx context.Context, variable string) (*zarr.Array, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if a, ok := w.arrays[variable]; ok {
		return a, nil
	}
	a, err := zarr.OpenArray(ctx, w.bucket, variable)
	if err != nil {
		return nil, classify(fmt.Errorf("variable %s: %w", variable, err))
	}
	if n := len(a.Metadata().Shape); n != 4 {
		return nil, fmt.Errorf("variable %s: store array has rank %d, expected 4", variable, n)
	}
	a.ShareLocks(w.locks)
	w.arrays[variable] = a
	return a, nil
}

// Region maps a planned slice to the store region and the matching offset
// inside the source. The source is in store order with local time indices.
func Region(s plan.Slice, offset int) (start, shape, srcStart []int) {
	lon, lat, t, step := s[plan.AxisLongitude], s[plan.AxisLatitude], s[plan.AxisTime], s[plan.AxisStep]
	start = []int{lon.Start, lat.Start, t.Start + offset, step.Start}
	shape = []int{lon.Len(), lat.Len(), t.Len(), step.Len()}
	srcStart = []int{lon.Start, lat.Start, t.Start, step.Start}
	return start, shape, srcStart
}

// WriteRegion writes the slice s of src into the array of variable, with
// the time axis shifted by offset days. Every axis is bounds-checked before
// anything is written. Repeating a call leaves the store unchanged.
func (w *Writer) WriteRegion(ctx context.Context, variable string, s plan.Slice, src Source, offset int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a, err := w.Array(ctx, variable)
	if err != nil {
		return err
	}
	if src.DType() != a.Metadata().DType {
		return fmt.Errorf("variable %s: source dtype %s does not match store dtype %s", variable, src.DType(), a.Metadata().DType)
	}

	start, shape, srcStart := Region(s, offset)
	if t := start[2]; t < 0 || t+shape[2] > a.Metadata().Shape[2] {
		return fmt.Errorf("%w: variable %s time [%d, %d) outside store capacity %d",
			ErrOutOfRange, variable, t, t+shape[2], a.Metadata().Shape[2])
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	began := time.Now()
	if err := a.WriteRegion(ctx, start, shape, src.Bytes(), src.Shape(), srcStart); err != nil {
		return classify(fmt.Errorf("variable %s slice %s: %w", variable, s, err))
	}

	if w.metrics != nil {
		w.metrics.RegionsWritten.Inc()
		w.metrics.BytesWritten.Add(float64(regionBytes(shape, a.ItemSize())))
		w.metrics.RegionWriteDuration.Observe(time.Since(began).Seconds())
	}
	w.logger.Debug("region written",
		zap.String("variable", variable),
		zap.Ints("start", start),
		zap.Ints("shape", shape),
	)
	return nil
}

func regionBytes(shape []int, itemSize int) int {
	n := itemSize
	for _, d := range shape {
		n *= d
	}
	return n
}

// RegionBytes returns the number of source bytes covered by a slice.
func RegionBytes(s plan.Slice, itemSize int) int {
	_, shape, _ := Region(s, 0)
	return regionBytes(shape, itemSize)
}

func classify(err error) error {
	switch {
	case errors.Is(err, zarr.ErrOutOfRange):
		return fmt.Errorf("%w: %w", ErrOutOfRange, err)
	case zarr.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	default:
		return err
	}
}

// Close releases the store connection if the writer opened it.
func (w *Writer) Close() error {
	if !w.owned {
		return nil
	}
	return w.bucket.Close()
}

// TimeOffset returns the number of whole days between zero and start.
func TimeOffset(start, zero time.Time) int {
	d := start.Sub(zero)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days--
	}
	return days
}
