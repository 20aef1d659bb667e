// Package ingest writes a decoded forecast grid into the remote store using
// a bounded pool of workers that share one read-only copy of each variable.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/TuSKan/zarr-forecast"
	"github.com/TuSKan/zarr-forecast/internal/grid"
	"github.com/TuSKan/zarr-forecast/internal/observability"
	"github.com/TuSKan/zarr-forecast/internal/plan"
	"github.com/TuSKan/zarr-forecast/internal/shm"
	"github.com/TuSKan/zarr-forecast/internal/store"
	"github.com/TuSKan/zarr-forecast/internal/workerpool"
)

// ErrInsufficientMemory is returned when the host cannot hold the shared
// copy of a variable.
var ErrInsufficientMemory = errors.New("insufficient memory for shared buffer")

// toStore reorders (time, step, latitude, longitude) into the store order
// (longitude, latitude, time, step).
var toStore = []int{3, 2, 0, 1}

// Request describes one ingest call.
type Request struct {
	Dataset   *grid.Dataset
	StorePath string
	Workers   int
	// ZeroDate is the date stored at global time index 0.
	ZeroDate time.Time
}

// Result summarises an ingest call.
type Result struct {
	Offset  int
	Slices  int
	Regions int64
	Bytes   int64
	// Written holds variableIndex*Slices+sliceIndex for every region written.
	Written *roaring.Bitmap
	State   State
	History []State
}

// Options tunes a Coordinator.
type Options struct {
	// Chunks in planner order: variable, time, step, latitude, longitude.
	Chunks []int
	Plan   plan.Options

	// WriteRPS limits region writes per second on each store connection.
	WriteRPS   float64
	WriteBurst int

	// MemoryHeadroom is the fraction of a variable's size that must be
	// available on top of it before a shared buffer is created. Negative
	// disables the check.
	MemoryHeadroom float64

	// ProgressEvery logs worker progress every N slices.
	ProgressEvery int
}

// DefaultOptions returns the chunking used by the production store.
func DefaultOptions() Options {
	return Options{
		Chunks:         []int{1, 1461, 61, 10, 10},
		Plan:           plan.DefaultOptions(),
		MemoryHeadroom: 0.1,
		ProgressEvery:  100,
	}
}

// Coordinator runs ingest calls. It is safe for concurrent use.
type Coordinator struct {
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	arena   *shm.Arena

	virtualMemory func() (*mem.VirtualMemoryStat, error)
}

// NewCoordinator returns a coordinator. metrics may be nil.
func NewCoordinator(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}
	return &Coordinator{
		opts:          opts,
		logger:        logger.With(zap.String("component", "ingest")),
		metrics:       metrics,
		tracer:        observability.Tracer(),
		arena:         shm.NewArena(),
		virtualMemory: mem.VirtualMemory,
	}
}

// Arena exposes the shared buffer arena, mainly for leak checks.
func (c *Coordinator) Arena() *shm.Arena { return c.arena }

type run struct {
	c       *Coordinator
	req     Request
	slices  []plan.Slice
	offset  int
	locks   *zarr.ChunkLocks
	logger  *zap.Logger
	result  *Result
	mu      sync.Mutex
	regions atomic.Int64
	bytes   atomic.Int64
}

func (r *run) transition(s State, fields ...zap.Field) {
	r.result.State = s
	r.result.History = append(r.result.History, s)
	r.logger.Info("ingest state", append(fields, zap.Stringer("state", s))...)
}

// Ingest writes every variable of the dataset into the store. It fails if
// any worker fails; regions already written stay in place and a re-run of
// the same request converges to the same store content.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := c.tracer.Start(ctx, "ingest.Ingest")
	defer span.End()

	r := &run{
		c:      c,
		req:    req,
		locks:  zarr.NewChunkLocks(),
		logger: c.logger,
		result: &Result{Written: roaring.New()},
	}
	defer func() {
		r.result.Regions = r.regions.Load()
		r.result.Bytes = r.bytes.Load()
		outcome := "success"
		if err != nil {
			outcome = "failure"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !r.result.State.Terminal() {
				r.transition(Failed, zap.Error(err))
			}
		}
		if c.metrics != nil {
			c.metrics.IngestRuns.WithLabelValues(outcome).Inc()
		}
		res = r.result
	}()

	r.transition(Planning)
	if err := validate(req); err != nil {
		return nil, err
	}
	ds := req.Dataset

	r.slices, err = plan.Plan(ds.Shape(), c.opts.Chunks, c.opts.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to plan %v: %w", ds.Shape(), err)
	}
	r.offset = store.TimeOffset(ds.Start, req.ZeroDate)
	r.result.Offset = r.offset
	r.result.Slices = len(r.slices)
	r.logger = c.logger.With(zap.Time("start", ds.Start), zap.Int("offset", r.offset))
	span.SetAttributes(
		attribute.Int("ingest.slices", len(r.slices)),
		attribute.Int("ingest.offset", r.offset),
		attribute.Int("ingest.workers", req.Workers),
	)
	r.logger.Info("planned ingest",
		zap.Strings("variables", ds.Variables),
		zap.Ints("shape", ds.Shape()),
		zap.Int("slices", len(r.slices)),
		zap.Int("workers", req.Workers),
	)

	for vi, variable := range ds.Variables {
		if err := r.variable(ctx, vi, variable); err != nil {
			return nil, fmt.Errorf("variable %s: %w", variable, err)
		}
	}
	r.transition(Done)
	return nil, nil
}

func validate(req Request) error {
	if req.Dataset == nil {
		return fmt.Errorf("no dataset")
	}
	if err := req.Dataset.Validate(); err != nil {
		return fmt.Errorf("invalid dataset: %w", err)
	}
	if req.StorePath == "" {
		return fmt.Errorf("no store path")
	}
	if req.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", req.Workers)
	}
	return nil
}

func (r *run) variable(ctx context.Context, vi int, variable string) error {
	ctx, span := r.c.tracer.Start(ctx, "ingest.variable", trace.WithAttributes(attribute.String("variable", variable)))
	defer span.End()

	ds := r.req.Dataset
	raw, err := ds.Array(variable)
	if err != nil {
		return err
	}
	itemSize, err := ds.ItemSize()
	if err != nil {
		return err
	}
	data, shape, err := zarr.Transpose(raw, ds.VariableShape(), toStore, itemSize)
	if err != nil {
		return err
	}

	if r.req.Workers == 1 {
		return r.sequential(ctx, vi, variable, store.Bytes{Data: data, Dims: shape, Type: ds.DType})
	}
	return r.parallel(ctx, vi, variable, data, shape)
}

func (r *run) openWriter(ctx context.Context) (*store.Writer, error) {
	return store.Open(ctx, r.req.StorePath,
		store.WithLogger(r.c.logger),
		store.WithMetrics(r.c.metrics),
		store.WithRateLimit(r.c.opts.WriteRPS, r.c.opts.WriteBurst),
		store.WithChunkLocks(r.locks),
	)
}

func (r *run) sequential(ctx context.Context, vi int, variable string, src store.Source) error {
	w, err := r.openWriter(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	indexes := make([]int, len(r.slices))
	for i := range indexes {
		indexes[i] = i
	}
	r.transition(Dispatched, zap.String("variable", variable), zap.Int("groups", 1))
	r.transition(AwaitingWorkers, zap.String("variable", variable))
	if err := r.writeGroup(ctx, w, 0, vi, variable, indexes, src); err != nil {
		r.transition(AnyFailed, zap.String("variable", variable), zap.Error(err))
		return err
	}
	r.transition(AllSucceeded, zap.String("variable", variable))
	return nil
}

func (r *run) parallel(ctx context.Context, vi int, variable string, data []byte, shape []int) error {
	ds := r.req.Dataset
	if err := r.c.checkMemory(uint64(len(data))); err != nil {
		return err
	}

	desc, err := r.c.arena.Create(data, shape, ds.DType)
	if err != nil {
		return fmt.Errorf("failed to create shared buffer: %w", err)
	}
	r.transition(BufferCreated, zap.String("variable", variable), zap.String("buffer", desc.Key))
	r.gauge()

	indexes := make([]int, len(r.slices))
	for i := range indexes {
		indexes[i] = i
	}
	groups := workerpool.Distribute(indexes, r.req.Workers)
	r.transition(Dispatched, zap.String("variable", variable), zap.Int("groups", len(groups)))

	pool := workerpool.New(r.req.Workers, r.c.logger)
	r.transition(AwaitingWorkers, zap.String("variable", variable))
	runErr := pool.Run(ctx, len(groups), func(ctx context.Context, worker int) error {
		if len(groups[worker]) == 0 {
			return nil
		}
		view, err := r.c.arena.Open(desc)
		if err != nil {
			return err
		}
		defer view.Close()

		w, err := r.openWriter(ctx)
		if err != nil {
			return err
		}
		defer w.Close()

		return r.writeGroup(ctx, w, worker, vi, variable, groups[worker], view)
	})

	if runErr != nil {
		if r.c.metrics != nil {
			failed := 1
			if joined, ok := runErr.(interface{ Unwrap() []error }); ok {
				failed = len(joined.Unwrap())
			}
			r.c.metrics.WorkerFailures.Add(float64(failed))
		}
		r.transition(AnyFailed, zap.String("variable", variable), zap.Error(runErr))
	} else {
		r.transition(AllSucceeded, zap.String("variable", variable))
	}

	// every view is closed once Run returns
	if err := r.c.arena.Release(desc); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("failed to release shared buffer: %w", err))
	}
	r.gauge()
	r.transition(BufferReleased, zap.String("variable", variable))
	return runErr
}

func (r *run) gauge() {
	if r.c.metrics != nil {
		r.c.metrics.SharedBufferBytes.Set(float64(r.c.arena.Bytes()))
	}
}

// writeGroup writes the given slices in order and stops at the first error.
func (r *run) writeGroup(ctx context.Context, w *store.Writer, worker, vi int, variable string, indexes []int, src store.Source) error {
	_, itemSize, err := zarr.ParseDType(src.DType())
	if err != nil {
		return err
	}
	every := r.c.opts.ProgressEvery

	for n, i := range indexes {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := r.slices[i]
		if err := w.WriteRegion(ctx, variable, s, src, r.offset); err != nil {
			return err
		}

		r.mu.Lock()
		r.result.Written.Add(uint32(vi*len(r.slices) + i))
		r.mu.Unlock()
		r.regions.Add(1)
		r.bytes.Add(int64(store.RegionBytes(s, itemSize)))

		if done := n + 1; done%every == 0 {
			r.logger.Info("worker progress",
				zap.Int("worker", worker),
				zap.String("variable", variable),
				zap.Int("done", done),
				zap.Int("total", len(indexes)),
			)
		}
	}
	return nil
}

func (c *Coordinator) checkMemory(need uint64) error {
	if c.opts.MemoryHeadroom < 0 {
		return nil
	}
	vm, err := c.virtualMemory()
	if err != nil {
		c.logger.Warn("failed to read memory stats", zap.Error(err))
		return nil
	}
	want := need + uint64(float64(need)*c.opts.MemoryHeadroom)
	if vm.Available < want {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientMemory, want, vm.Available)
	}
	return nil
}
