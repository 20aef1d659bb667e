package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Array is a Zarr V2 array stored under a key prefix of a blob bucket.
// It supports reading and writing arbitrary rectangular regions.
type Array struct {
	bucket   *blob.Bucket
	owned    bool
	prefix   string
	meta     *Metadata
	itemSize int
	codec    Codec
	fill     []byte
	locks    *ChunkLocks
}

// Open opens the array stored at the root of the bucket URL, e.g.
// "file:///data/t2m" or "gs://bucket/store.zarr/t2m". The returned Array
// owns the bucket and closes it in Close.
func Open(ctx context.Context, url string) (*Array, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	a, err := OpenArray(ctx, bucket, "")
	if err != nil {
		bucket.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// OpenArray opens the array stored under name inside an already open bucket.
// The bucket stays owned by the caller.
func OpenArray(ctx context.Context, bucket *blob.Bucket, name string) (*Array, error) {
	key := path.Join(name, MetadataKey)
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, bucketError("open", key, err)
	}

	meta, err := LoadMetadata(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return newArray(bucket, name, meta)
}

// CreateArray writes the array metadata (and attributes, when given) under
// name, replacing any existing metadata. Existing chunks are left untouched.
func CreateArray(ctx context.Context, bucket *blob.Bucket, name string, meta Metadata, attrs Attributes) (*Array, error) {
	if meta.ZarrFormat == 0 {
		meta.ZarrFormat = 2
	}
	if meta.Order == "" {
		meta.Order = "C"
	}
	a, err := newArray(bucket, name, &meta)
	if err != nil {
		return nil, err
	}

	if err := writeJSON(ctx, bucket, path.Join(name, MetadataKey), a.meta); err != nil {
		return nil, err
	}
	if attrs != nil {
		if err := writeJSON(ctx, bucket, path.Join(name, AttributesKey), attrs); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// CreateGroup marks name as a Zarr group.
func CreateGroup(ctx context.Context, bucket *blob.Bucket, name string) error {
	return writeJSON(ctx, bucket, path.Join(name, GroupKey), map[string]int{"zarr_format": 2})
}

// ReadAttributes loads the .zattrs document stored under name. A missing
// document yields empty attributes.
func ReadAttributes(ctx context.Context, bucket *blob.Bucket, name string) (Attributes, error) {
	key := path.Join(name, AttributesKey)
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return Attributes{}, nil
		}
		return nil, bucketError("read", key, err)
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return attrs, nil
}

func writeJSON(ctx context.Context, bucket *blob.Bucket, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := bucket.WriteAll(ctx, key, data, nil); err != nil {
		return bucketError("write", key, err)
	}
	return nil
}

func newArray(bucket *blob.Bucket, name string, meta *Metadata) (*Array, error) {
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata for %q: %w", name, err)
	}
	_, itemSize, err := ParseDType(meta.DType)
	if err != nil {
		return nil, fmt.Errorf("invalid dtype: %w", err)
	}
	codec, err := NewCodec(meta.Compressor)
	if err != nil {
		return nil, err
	}
	fill, err := fillBytes(meta.DType, meta.FillValue)
	if err != nil {
		return nil, err
	}
	return &Array{
		bucket:   bucket,
		prefix:   name,
		meta:     meta,
		itemSize: itemSize,
		codec:    codec,
		fill:     fill,
		locks:    NewChunkLocks(),
	}, nil
}

func (a *Array) chunkKey(coords []int) string {
	return path.Join(a.prefix, ChunkKey(coords, a.meta.separator()))
}

func (a *Array) chunkBytes() int {
	return numElements(a.meta.Chunks) * a.itemSize
}

// newChunk returns a chunk buffer holding only fill values.
func (a *Array) newChunk() []byte {
	buf := make([]byte, a.chunkBytes())
	if !allZero(a.fill) {
		for off := 0; off < len(buf); off += a.itemSize {
			copy(buf[off:], a.fill)
		}
	}
	return buf
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ReadChunk reads a single decoded chunk given its coordinates. A missing
// chunk is returned as a buffer of fill values.
func (a *Array) ReadChunk(ctx context.Context, coords []int) ([]byte, error) {
	key := a.chunkKey(coords)

	data, err := a.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return a.newChunk(), nil
		}
		return nil, bucketError("read chunk", key, err)
	}

	chunk, err := a.codec.Decode(data, a.chunkBytes())
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", key, err)
	}
	if len(chunk) != a.chunkBytes() {
		return nil, fmt.Errorf("chunk %s holds %d bytes, expected %d", key, len(chunk), a.chunkBytes())
	}
	return chunk, nil
}

// checkRegion validates that [start, start+shape) lies inside the array.
func (a *Array) checkRegion(start, shape []int) error {
	if len(start) != len(a.meta.Shape) || len(shape) != len(a.meta.Shape) {
		return fmt.Errorf("%w: start and shape must match array dimensionality", ErrOutOfRange)
	}
	for i := range a.meta.Shape {
		if start[i] < 0 || shape[i] <= 0 || start[i]+shape[i] > a.meta.Shape[i] {
			return fmt.Errorf("%w: region [%d, %d) at dimension %d exceeds [0, %d)",
				ErrOutOfRange, start[i], start[i]+shape[i], i, a.meta.Shape[i])
		}
	}
	return nil
}

// ReadFull reads the entire array into a flat C-order byte slice.
func (a *Array) ReadFull(ctx context.Context) ([]byte, error) {
	if len(a.meta.Shape) == 0 {
		return a.ReadChunk(ctx, []int{})
	}
	for _, d := range a.meta.Shape {
		if d == 0 {
			return []byte{}, nil
		}
	}
	start := make([]int, len(a.meta.Shape))
	return a.ReadRegion(ctx, start, a.meta.Shape)
}

// ReadRegion reads an N-dimensional region of the array.
func (a *Array) ReadRegion(ctx context.Context, start, shape []int) ([]byte, error) {
	if err := a.checkRegion(start, shape); err != nil {
		return nil, err
	}

	out := make([]byte, numElements(shape)*a.itemSize)
	first, last := chunkSpan(start, shape, a.meta.Chunks)
	end := make([]int, len(last))
	for i := range last {
		end[i] = last[i] + 1
	}

	dstStrides := strides(shape)
	chunkStrides := strides(a.meta.Chunks)

	err := iterateSubGrid(first, end, func(coords []int) error {
		chunkData, err := a.ReadChunk(ctx, coords)
		if err != nil {
			return err
		}

		lo, hi := intersect(coords, start, shape, a.meta.Shape, a.meta.Chunks)
		copyShape := make([]int, len(lo))
		srcOffset := make([]int, len(lo))
		dstOffset := make([]int, len(lo))
		for i := range lo {
			copyShape[i] = hi[i] - lo[i]
			srcOffset[i] = lo[i] - coords[i]*a.meta.Chunks[i]
			dstOffset[i] = lo[i] - start[i]
		}

		copyND(out, dstStrides, dstOffset, chunkData, chunkStrides, srcOffset, copyShape, a.itemSize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// intersect returns the global [lo, hi) overlap between a chunk and a region.
func intersect(coords, start, shape, arrayShape, chunks []int) (lo, hi []int) {
	cs, ce := chunkBounds(coords, arrayShape, chunks)
	lo = make([]int, len(coords))
	hi = make([]int, len(coords))
	for i := range coords {
		lo[i] = max(cs[i], start[i])
		hi[i] = min(ce[i], start[i]+shape[i])
	}
	return lo, hi
}

// WriteRegion writes the region [start, start+shape) of the array from src,
// a C-order buffer of srcShape elements, reading from srcStart onwards.
// Chunks only partially covered by the region are read, patched and
// rewritten; fully covered chunks are overwritten without a read. Both the
// destination and the source bounds are checked before anything is
// written. Writing the same region twice leaves the same stored bytes.
func (a *Array) WriteRegion(ctx context.Context, start, shape []int, src []byte, srcShape, srcStart []int) error {
	if err := a.checkRegion(start, shape); err != nil {
		return err
	}
	if len(srcShape) != len(shape) || len(srcStart) != len(shape) {
		return fmt.Errorf("%w: source rank must match array dimensionality", ErrOutOfRange)
	}
	for i := range srcShape {
		if srcStart[i] < 0 || srcStart[i]+shape[i] > srcShape[i] {
			return fmt.Errorf("%w: source region [%d, %d) at dimension %d exceeds [0, %d)",
				ErrOutOfRange, srcStart[i], srcStart[i]+shape[i], i, srcShape[i])
		}
	}
	if want := numElements(srcShape) * a.itemSize; len(src) != want {
		return fmt.Errorf("source buffer holds %d bytes, shape %v needs %d", len(src), srcShape, want)
	}

	first, last := chunkSpan(start, shape, a.meta.Chunks)
	end := make([]int, len(last))
	for i := range last {
		end[i] = last[i] + 1
	}
	srcStrides := strides(srcShape)

	return iterateSubGrid(first, end, func(coords []int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return a.writeChunk(ctx, coords, start, shape, src, srcStrides, srcStart)
	})
}

func (a *Array) writeChunk(ctx context.Context, coords, start, shape []int, src []byte, srcStrides, srcStart []int) error {
	key := a.chunkKey(coords)
	unlock := a.locks.lock(key)
	defer unlock()

	cs, ce := chunkBounds(coords, a.meta.Shape, a.meta.Chunks)
	lo, hi := intersect(coords, start, shape, a.meta.Shape, a.meta.Chunks)

	full := true
	copyShape := make([]int, len(lo))
	dstOffset := make([]int, len(lo))
	srcOffset := make([]int, len(lo))
	for i := range lo {
		copyShape[i] = hi[i] - lo[i]
		dstOffset[i] = lo[i] - cs[i]
		srcOffset[i] = srcStart[i] + lo[i] - start[i]
		if lo[i] != cs[i] || hi[i] != ce[i] {
			full = false
		}
	}

	var chunk []byte
	if full {
		chunk = a.newChunk()
	} else {
		var err error
		if chunk, err = a.ReadChunk(ctx, coords); err != nil {
			return err
		}
	}

	copyND(chunk, strides(a.meta.Chunks), dstOffset, src, srcStrides, srcOffset, copyShape, a.itemSize)

	encoded, err := a.codec.Encode(chunk)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", key, err)
	}
	if err := a.bucket.WriteAll(ctx, key, encoded, nil); err != nil {
		return bucketError("write chunk", key, err)
	}
	return nil
}

// Metadata returns the array metadata.
func (a *Array) Metadata() *Metadata {
	return a.meta
}

// ItemSize returns the element size in bytes.
func (a *Array) ItemSize() int {
	return a.itemSize
}

// Close closes the bucket if the array owns it.
func (a *Array) Close() error {
	if !a.owned {
		return nil
	}
	return a.bucket.Close()
}

// ChunkLocks serializes read-modify-write cycles on the chunk keys of one
// store. Regions that are disjoint in index space can still share a chunk
// object when they are not aligned to the chunk grid. Arrays that write to
// the same store from several goroutines must share one ChunkLocks.
type ChunkLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewChunkLocks returns an empty lock set.
func NewChunkLocks() *ChunkLocks {
	return &ChunkLocks{locks: make(map[string]*keyLock)}
}

// ShareLocks makes the array take its chunk locks from l. A nil l is ignored.
func (a *Array) ShareLocks(l *ChunkLocks) {
	if l != nil {
		a.locks = l
	}
}

func (k *ChunkLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
