// Package plan partitions a decoded forecast grid into chunk-aligned slices.
//
// Shapes and chunk sizes use the axis order variable, time, step, latitude,
// longitude.
package plan

import (
	"errors"
	"fmt"
)

// Axis indices of the planner shape.
const (
	AxisVariable = iota
	AxisTime
	AxisStep
	AxisLatitude
	AxisLongitude

	Rank
)

var axisNames = [Rank]string{"variable", "time", "step", "latitude", "longitude"}

// ErrInvalidShape is returned for rank mismatches, negative lengths or
// non-positive chunk sizes.
var ErrInvalidShape = errors.New("plan: invalid shape")

// Range is a half-open index range [Start, Stop).
type Range struct {
	Start int
	Stop  int
}

// Len returns Stop - Start.
func (r Range) Len() int { return r.Stop - r.Start }

// Slice is one rectangular block of the grid, one Range per axis.
type Slice [Rank]Range

// Shape returns the extent of the slice along every axis.
func (s Slice) Shape() []int {
	out := make([]int, Rank)
	for i, r := range s {
		out[i] = r.Len()
	}
	return out
}

// Start returns the first index along every axis.
func (s Slice) Start() []int {
	out := make([]int, Rank)
	for i, r := range s {
		out[i] = r.Start
	}
	return out
}

func (s Slice) String() string {
	return fmt.Sprintf("var[%d:%d] time[%d:%d] step[%d:%d] lat[%d:%d] lon[%d:%d]",
		s[0].Start, s[0].Stop, s[1].Start, s[1].Stop, s[2].Start, s[2].Stop,
		s[3].Start, s[3].Stop, s[4].Start, s[4].Stop)
}

// Options tunes the slice filters.
type Options struct {
	// BoundaryAxis is the axis whose trailing remainder is dropped.
	BoundaryAxis int
	// DegenerateWidth is the length of the dropped trailing remainder.
	DegenerateWidth int
	// KeepBoundary disables the boundary filter.
	KeepBoundary bool
}

// DefaultOptions drops the single trailing latitude row that a half degree
// global grid (361 rows) leaves after cutting into even chunks.
func DefaultOptions() Options {
	return Options{BoundaryAxis: AxisLatitude, DegenerateWidth: 1}
}

func validate(shape, chunks []int) error {
	if len(shape) != Rank || len(chunks) != Rank {
		return fmt.Errorf("%w: expected rank %d, got shape %v and chunks %v", ErrInvalidShape, Rank, shape, chunks)
	}
	for i := 0; i < Rank; i++ {
		if shape[i] < 0 {
			return fmt.Errorf("%w: negative %s length %d", ErrInvalidShape, axisNames[i], shape[i])
		}
		if chunks[i] <= 0 {
			return fmt.Errorf("%w: %s chunk size must be positive, got %d", ErrInvalidShape, axisNames[i], chunks[i])
		}
	}
	return nil
}

// axisRanges cuts [0, n) into consecutive ranges of size c, the last one
// truncated.
func axisRanges(n, c int) []Range {
	out := make([]Range, 0, (n+c-1)/c)
	for start := 0; start < n; start += c {
		out = append(out, Range{Start: start, Stop: min(start+c, n)})
	}
	return out
}

// Count returns the number of slices before filtering.
func Count(shape, chunks []int) (int, error) {
	if err := validate(shape, chunks); err != nil {
		return 0, err
	}
	n := 1
	for i := 0; i < Rank; i++ {
		n *= (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return n, nil
}

// Plan returns the slices covering shape in C order (variable slowest,
// longitude fastest) after the boundary and duplicate filters. The result
// is deterministic and slices are pairwise disjoint.
func Plan(shape, chunks []int, opts Options) ([]Slice, error) {
	if err := validate(shape, chunks); err != nil {
		return nil, err
	}
	if !opts.KeepBoundary && (opts.BoundaryAxis < 0 || opts.BoundaryAxis >= Rank) {
		return nil, fmt.Errorf("%w: boundary axis %d", ErrInvalidShape, opts.BoundaryAxis)
	}

	var axes [Rank][]Range
	for i := 0; i < Rank; i++ {
		axes[i] = axisRanges(shape[i], chunks[i])
		if len(axes[i]) == 0 {
			return []Slice{}, nil
		}
	}

	total, _ := Count(shape, chunks)
	out := make([]Slice, 0, total)

	var idx [Rank]int
	for {
		var s Slice
		for i := 0; i < Rank; i++ {
			s[i] = axes[i][idx[i]]
		}
		if keep(s, shape, chunks, opts) {
			out = append(out, s)
		}

		i := Rank - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return out, nil
}

func keep(s Slice, shape, chunks []int, opts Options) bool {
	if !opts.KeepBoundary {
		axis := opts.BoundaryAxis
		r := s[axis]
		if r.Start > 0 && r.Stop == shape[axis] && r.Len() < chunks[axis] && r.Len() == opts.DegenerateWidth {
			return false
		}
	}
	// the caller iterates variables; one block of slices serves them all
	return s[AxisVariable].Start == 0
}
