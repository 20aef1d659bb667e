package zarr

import (
	"reflect"
	"testing"
)

func TestChunkKey(t *testing.T) {
	tests := []struct {
		indices   []int
		separator string
		expected  string
	}{
		{[]int{1, 4}, ".", "1.4"},
		{[]int{0, 0, 0}, ".", "0.0.0"},
		{[]int{10}, ".", "10"},
		{[]int{1, 2}, "/", "1/2"},
		{[]int{}, ".", "0"},
	}

	for _, tt := range tests {
		got := ChunkKey(tt.indices, tt.separator)
		if got != tt.expected {
			t.Errorf("ChunkKey(%v, %q) = %q, want %q", tt.indices, tt.separator, got, tt.expected)
		}
	}
}

func TestGridShape(t *testing.T) {
	if got := GridShape([]int{720, 361, 1461, 61}, []int{10, 10, 1461, 61}); !reflect.DeepEqual(got, []int{72, 37, 1, 1}) {
		t.Errorf("unexpected grid %v", got)
	}
	if got := GridShape(nil, nil); len(got) != 0 {
		t.Errorf("expected empty grid for a scalar, got %v", got)
	}
}

func TestChunkBoundsClipsLastChunk(t *testing.T) {
	start, end := chunkBounds([]int{36, 1}, []int{361, 5}, []int{10, 3})
	if !reflect.DeepEqual(start, []int{360, 3}) || !reflect.DeepEqual(end, []int{361, 5}) {
		t.Errorf("got [%v, %v)", start, end)
	}
}

func TestChunkSpan(t *testing.T) {
	first, last := chunkSpan([]int{5, 0}, []int{10, 3}, []int{4, 3})
	if !reflect.DeepEqual(first, []int{1, 0}) || !reflect.DeepEqual(last, []int{3, 0}) {
		t.Errorf("got %v..%v", first, last)
	}
}

func TestIterateSubGrid(t *testing.T) {
	var visited [][]int
	err := iterateSubGrid([]int{1, 0}, []int{3, 2}, func(idx []int) error {
		visited = append(visited, append([]int(nil), idx...))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{1, 0}, {1, 1}, {2, 0}, {2, 1}}
	if !reflect.DeepEqual(visited, want) {
		t.Errorf("visited %v, want %v", visited, want)
	}
}
