package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	// MetadataKey is the array metadata document stored next to the chunks.
	MetadataKey = ".zarray"
	// AttributesKey holds user attributes such as xarray's _ARRAY_DIMENSIONS.
	AttributesKey = ".zattrs"
	// GroupKey marks a directory as a Zarr group.
	GroupKey = ".zgroup"

	// DimensionsAttribute is the attribute xarray uses to name array axes.
	DimensionsAttribute = "_ARRAY_DIMENSIONS"
)

// CompressorConfig represents the Zarr compressor metadata.
type CompressorConfig struct {
	ID      string `json:"id"`
	Cname   string `json:"cname,omitempty"`
	Clevel  int    `json:"clevel,omitempty"`
	Shuffle int    `json:"shuffle,omitempty"`
	Level   *int   `json:"level,omitempty"`
}

// Metadata represents the Zarr V2 .zarray metadata.
type Metadata struct {
	ZarrFormat         int               `json:"zarr_format"`
	Shape              []int             `json:"shape"`
	Chunks             []int             `json:"chunks"`
	DType              string            `json:"dtype"`
	Compressor         *CompressorConfig `json:"compressor"`
	FillValue          interface{}       `json:"fill_value"`
	Order              string            `json:"order"`
	Filters            []interface{}     `json:"filters"`
	DimensionSeparator string            `json:"dimension_separator,omitempty"`
}

// Attributes is the decoded content of a .zattrs document.
type Attributes map[string]interface{}

// Dimensions returns the xarray dimension names, if present.
func (a Attributes) Dimensions() []string {
	raw, ok := a[DimensionsAttribute].([]interface{})
	if !ok {
		return nil
	}
	dims := make([]string, 0, len(raw))
	for _, d := range raw {
		s, ok := d.(string)
		if !ok {
			return nil
		}
		dims = append(dims, s)
	}
	return dims
}

// LoadMetadata reads and parses a .zarray document.
func LoadMetadata(reader io.Reader) (*Metadata, error) {
	var meta Metadata
	if err := json.NewDecoder(reader).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	if meta.ZarrFormat != 2 {
		return nil, fmt.Errorf("unsupported zarr_format: %d, expected 2", meta.ZarrFormat)
	}

	return &meta, nil
}

// Validate checks the metadata is usable for reading and writing regions.
func (m *Metadata) Validate() error {
	if m.ZarrFormat != 2 {
		return fmt.Errorf("unsupported zarr_format: %d, expected 2", m.ZarrFormat)
	}
	if len(m.Shape) != len(m.Chunks) {
		return fmt.Errorf("shape rank %d does not match chunks rank %d", len(m.Shape), len(m.Chunks))
	}
	for i := range m.Shape {
		if m.Shape[i] < 0 {
			return fmt.Errorf("negative shape at dimension %d", i)
		}
		if m.Chunks[i] <= 0 {
			return fmt.Errorf("chunk size must be positive at dimension %d", i)
		}
	}
	if m.Order != "" && m.Order != "C" {
		return fmt.Errorf("unsupported order %q, only C order is supported", m.Order)
	}
	if len(m.Filters) > 0 {
		return fmt.Errorf("filters are not supported")
	}
	if _, _, err := ParseDType(m.DType); err != nil {
		return err
	}
	return nil
}

func (m *Metadata) separator() string {
	if m.DimensionSeparator == "" {
		return "."
	}
	return m.DimensionSeparator
}

// ParseDType takes a numpy-style string like "<f4", "|b1", "<i8",
// and returns a simplified string name (e.g., "float32", "bool", "int64"),
// the byte size (e.g., 4, 1, 8), and an error if unsupported.
// Reject big-endian (>) types for now.
func ParseDType(s string) (string, int, error) {
	if len(s) < 3 {
		return "", 0, fmt.Errorf("invalid dtype: %s", s)
	}

	endian := s[0]
	if endian == '>' {
		return "", 0, fmt.Errorf("big-endian types are unsupported: %s", s)
	}
	if endian != '<' && endian != '|' {
		return "", 0, fmt.Errorf("invalid byte order in dtype: %s", s)
	}

	kind := s[1]
	sizeStr := s[2:]

	size, err := strconv.Atoi(sizeStr)
	if err != nil || size <= 0 {
		return "", 0, fmt.Errorf("invalid size in dtype: %s", s)
	}

	switch kind {
	case 'b':
		return "bool", size, nil
	case 'i':
		return fmt.Sprintf("int%d", size*8), size, nil
	case 'u':
		return fmt.Sprintf("uint%d", size*8), size, nil
	case 'f':
		return fmt.Sprintf("float%d", size*8), size, nil
	case 'c':
		return fmt.Sprintf("complex%d", size*8), size, nil
	default:
		return "", 0, fmt.Errorf("unsupported dtype kind: %c in %s", kind, s)
	}
}

// fillBytes encodes a fill_value as one little-endian element of dtype.
// A nil fill value yields zero bytes.
func fillBytes(dtype string, v interface{}) ([]byte, error) {
	_, size, err := ParseDType(dtype)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if v == nil {
		return out, nil
	}

	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case string:
		switch x {
		case "NaN":
			f = math.NaN()
		case "Infinity":
			f = math.Inf(1)
		case "-Infinity":
			f = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", x)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type %T", v)
	}

	switch kind := dtype[1]; {
	case kind == 'f' && size == 4:
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(f)))
	case kind == 'f' && size == 8:
		binary.LittleEndian.PutUint64(out, math.Float64bits(f))
	case kind == 'i' || kind == 'u' || kind == 'b':
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("fill_value %v is not representable as %s", v, dtype)
		}
		var buf [8]byte
		if kind == 'u' {
			binary.LittleEndian.PutUint64(buf[:], uint64(f))
		} else {
			binary.LittleEndian.PutUint64(buf[:], uint64(int64(f)))
		}
		if size > 8 {
			return nil, fmt.Errorf("unsupported integer size in %s", dtype)
		}
		copy(out, buf[:size])
	default:
		return nil, fmt.Errorf("fill_value is not supported for dtype %s", dtype)
	}
	return out, nil
}
