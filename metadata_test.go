package zarr_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/TuSKan/zarr-forecast"
)

func TestParseDType(t *testing.T) {
	tests := []struct {
		input       string
		expectedStr string
		expectedSz  int
		expectErr   bool
	}{
		{"<f4", "float32", 4, false},
		{"<f8", "float64", 8, false},
		{"<i8", "int64", 8, false},
		{"<u2", "uint16", 2, false},
		{"|b1", "bool", 1, false},
		{">f4", "", 0, true}, // big-endian should fail
		{"x2", "", 0, true},  // invalid encoding
		{"<x4", "", 0, true}, // unknown kind
		{"<i", "", 0, true},  // incomplete size
		{"<f0", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			str, sz, err := zarr.ParseDType(tt.input)

			if tt.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, but got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for input %q: %v", tt.input, err)
			}
			if str != tt.expectedStr {
				t.Errorf("expected string %q, got %q", tt.expectedStr, str)
			}
			if sz != tt.expectedSz {
				t.Errorf("expected size %d, got %d", tt.expectedSz, sz)
			}
		})
	}
}

func TestLoadMetadata(t *testing.T) {
	tempDir := t.TempDir()

	mockJSON := `{
		"zarr_format": 2,
		"shape": [720, 361, 1461, 61],
		"chunks": [10, 10, 1461, 61],
		"dtype": "<f4",
		"compressor": {"id": "zstd", "level": 3},
		"fill_value": "NaN",
		"order": "C",
		"filters": null
	}`

	zarrayPath := filepath.Join(tempDir, ".zarray")
	if err := os.WriteFile(zarrayPath, []byte(mockJSON), 0644); err != nil {
		t.Fatalf("failed to write mock json: %v", err)
	}

	f, err := os.Open(zarrayPath)
	if err != nil {
		t.Fatalf("failed to open mock json: %v", err)
	}
	defer f.Close()

	meta, err := zarr.LoadMetadata(f)
	if err != nil {
		t.Fatalf("LoadMetadata failed: %v", err)
	}

	expectedShape := []int{720, 361, 1461, 61}
	if !reflect.DeepEqual(meta.Shape, expectedShape) {
		t.Errorf("expected shape %v, got %v", expectedShape, meta.Shape)
	}
	expectedChunks := []int{10, 10, 1461, 61}
	if !reflect.DeepEqual(meta.Chunks, expectedChunks) {
		t.Errorf("expected chunks %v, got %v", expectedChunks, meta.Chunks)
	}
	if meta.Compressor == nil || meta.Compressor.ID != "zstd" || meta.Compressor.Level == nil || *meta.Compressor.Level != 3 {
		t.Errorf("unexpected compressor %+v", meta.Compressor)
	}
	if err := meta.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadMetadata_RejectsFormat3(t *testing.T) {
	_, err := zarr.LoadMetadata(strings.NewReader(`{"zarr_format": 3}`))
	if err == nil {
		t.Fatal("expected an error for zarr_format 3")
	}
}

func TestMetadataValidate(t *testing.T) {
	base := func() zarr.Metadata {
		return zarr.Metadata{ZarrFormat: 2, Shape: []int{4, 4}, Chunks: []int{2, 2}, DType: "<f4", Order: "C"}
	}

	tests := []struct {
		name   string
		mutate func(m *zarr.Metadata)
	}{
		{"rank mismatch", func(m *zarr.Metadata) { m.Chunks = []int{2} }},
		{"zero chunk", func(m *zarr.Metadata) { m.Chunks = []int{0, 2} }},
		{"negative shape", func(m *zarr.Metadata) { m.Shape = []int{-1, 4} }},
		{"fortran order", func(m *zarr.Metadata) { m.Order = "F" }},
		{"filters", func(m *zarr.Metadata) { m.Filters = []interface{}{map[string]interface{}{"id": "delta"}} }},
		{"bad dtype", func(m *zarr.Metadata) { m.DType = ">f4" }},
	}

	valid := base()
	if err := valid.Validate(); err != nil {
		t.Fatalf("base metadata should be valid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Errorf("expected Validate to fail")
			}
		})
	}
}

func TestAttributesDimensions(t *testing.T) {
	attrs := zarr.Attributes{zarr.DimensionsAttribute: []interface{}{"time", "step", "latitude", "longitude"}}
	if got := attrs.Dimensions(); !reflect.DeepEqual(got, []string{"time", "step", "latitude", "longitude"}) {
		t.Errorf("unexpected dimensions %v", got)
	}
	if got := (zarr.Attributes{}).Dimensions(); got != nil {
		t.Errorf("expected nil dimensions, got %v", got)
	}
}
