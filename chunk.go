package zarr

import (
	"strconv"
	"strings"
)

// GridShape calculates the number of chunks in each dimension.
// For each dimension i, the number of chunks is ceil(shape[i] / chunks[i]).
func GridShape(shape, chunks []int) []int {
	if len(shape) == 0 || len(chunks) == 0 {
		return []int{} // 0D scalar
	}
	grid := make([]int, len(shape))
	for i := range shape {
		grid[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return grid
}

// ChunkKey generates the key for a chunk given its indices and a separator.
// For Zarr V2, the separator is typically ".".
// Example: indices=[1, 4], separator="." -> "1.4"
// For 0D arrays (empty indices), it returns "0" per the Zarr spec.
func ChunkKey(indices []int, separator string) string {
	if len(indices) == 0 {
		return "0"
	}

	if len(indices) == 1 {
		return strconv.Itoa(indices[0])
	}

	var sb strings.Builder
	for i, idx := range indices {
		if i > 0 {
			sb.WriteString(separator)
		}
		sb.WriteString(strconv.Itoa(idx))
	}
	return sb.String()
}

// chunkBounds returns the global [start, end) extent of the chunk at coords,
// with end clipped to the array shape.
func chunkBounds(coords, shape, chunks []int) (start, end []int) {
	start = make([]int, len(coords))
	end = make([]int, len(coords))
	for i, c := range coords {
		start[i] = c * chunks[i]
		end[i] = min(start[i]+chunks[i], shape[i])
	}
	return start, end
}

// chunkSpan returns the first and last (inclusive) chunk index touched by the
// region [start, start+shape) in every dimension.
func chunkSpan(start, shape, chunks []int) (first, last []int) {
	first = make([]int, len(start))
	last = make([]int, len(start))
	for i := range start {
		first[i] = start[i] / chunks[i]
		last[i] = (start[i] + shape[i] - 1) / chunks[i]
	}
	return first, last
}

// iterateSubGrid iterates from start (inclusive) to end (exclusive) in each dimension.
func iterateSubGrid(start, end []int, fn func(indices []int) error) error {
	if len(start) == 0 {
		return fn([]int{})
	}
	indices := make([]int, len(start))
	copy(indices, start)

	for {
		if err := fn(indices); err != nil {
			return err
		}

		i := len(start) - 1
		for ; i >= 0; i-- {
			indices[i]++
			if indices[i] < end[i] {
				break
			}
			indices[i] = start[i] // Reset to start, not 0
		}
		if i < 0 {
			break
		}
	}
	return nil
}
