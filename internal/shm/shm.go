// Package shm holds read-only byte regions that many workers borrow without
// copying. A region is filled once at Create, sealed, borrowed through Views
// and released exactly once.
package shm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/TuSKan/zarr-forecast"
)

var (
	// ErrBorrowed is returned by Release while views are still open.
	ErrBorrowed = errors.New("shm: region still borrowed")
	// ErrReleased is returned when a released or unknown region is used.
	ErrReleased = errors.New("shm: region released")
	// ErrViewClosed is returned when a view is closed twice.
	ErrViewClosed = errors.New("shm: view already closed")
)

// Descriptor identifies a region. It carries no data and can be handed to
// any worker.
type Descriptor struct {
	Key   string
	Shape []int
	DType string
}

// Size returns the byte length implied by the shape and dtype.
func (d Descriptor) Size() (int, error) {
	_, itemSize, err := zarr.ParseDType(d.DType)
	if err != nil {
		return 0, err
	}
	n := itemSize
	for _, s := range d.Shape {
		if s < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", d.Shape)
		}
		n *= s
	}
	return n, nil
}

type region struct {
	mem     mapping
	size    int
	borrows int
}

// Arena tracks the live regions of a process.
type Arena struct {
	mu      sync.Mutex
	regions map[string]*region
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{regions: make(map[string]*region)}
}

// Create copies data into a fresh region and seals it read-only.
func (a *Arena) Create(data []byte, shape []int, dtype string) (Descriptor, error) {
	desc := Descriptor{
		Key:   uuid.NewString(),
		Shape: append([]int(nil), shape...),
		DType: dtype,
	}
	size, err := desc.Size()
	if err != nil {
		return Descriptor{}, err
	}
	if size != len(data) {
		return Descriptor{}, fmt.Errorf("data holds %d bytes, shape %v of %s needs %d", len(data), shape, dtype, size)
	}

	mem, err := allocate(size)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to allocate %d bytes: %w", size, err)
	}
	copy(mem.bytes(), data)
	if err := mem.seal(); err != nil {
		mem.free()
		return Descriptor{}, fmt.Errorf("failed to seal region: %w", err)
	}

	a.mu.Lock()
	a.regions[desc.Key] = &region{mem: mem, size: size}
	a.mu.Unlock()
	return desc, nil
}

// Open borrows a region. The view must be closed before the region can be
// released.
func (a *Arena) Open(desc Descriptor) (*View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regions[desc.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReleased, desc.Key)
	}
	r.borrows++
	return &View{
		arena: a,
		key:   desc.Key,
		data:  r.mem.bytes()[:r.size],
		shape: desc.Shape,
		dtype: desc.DType,
	}, nil
}

// Release unmaps the region. It fails with ErrBorrowed while any view is
// open and with ErrReleased when called twice.
func (a *Arena) Release(desc Descriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.regions[desc.Key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReleased, desc.Key)
	}
	if r.borrows > 0 {
		return fmt.Errorf("%w: %d open views on %s", ErrBorrowed, r.borrows, desc.Key)
	}
	delete(a.regions, desc.Key)
	return r.mem.free()
}

// Live returns the number of regions not yet released.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Bytes returns the total size of the live regions.
func (a *Arena) Bytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.regions {
		n += r.size
	}
	return n
}

func (a *Arena) giveBack(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.regions[key]; ok {
		r.borrows--
	}
}

// View is a read-only borrow of a region.
type View struct {
	arena  *Arena
	key    string
	data   []byte
	shape  []int
	dtype  string
	mu     sync.Mutex
	closed bool
}

// Bytes returns the region contents. The slice must not be written to and
// must not be used after Close.
func (v *View) Bytes() []byte { return v.data }

// Shape returns the array shape of the region.
func (v *View) Shape() []int { return v.shape }

// DType returns the numpy typestr of the region.
func (v *View) DType() string { return v.dtype }

// Close returns the borrow.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	v.closed = true
	v.data = nil
	v.arena.giveBack(v.key)
	return nil
}
