package grid

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocloud.dev/blob"

	"github.com/TuSKan/zarr-forecast"
)

// ZarrDecoder reads a grid from a Zarr group written by xarray: one array
// per variable named by _ARRAY_DIMENSIONS plus a CF "time" coordinate.
type ZarrDecoder struct {
	Variables []string
	Logger    *zap.Logger
}

// Decode opens the group at url (any gocloud blob URL) and loads every
// configured variable transposed to (time, step, latitude, longitude).
func (d ZarrDecoder) Decode(ctx context.Context, url string) (*Dataset, error) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open decoded grid %s: %w", url, err)
	}
	defer bucket.Close()

	ds := &Dataset{Data: make(map[string][]byte, len(d.Variables))}
	for _, v := range d.Variables {
		data, shape, dtype, err := loadVariable(ctx, bucket, v)
		if err != nil {
			return nil, err
		}
		if len(ds.Variables) == 0 {
			ds.Time, ds.Step, ds.Latitude, ds.Longitude = shape[0], shape[1], shape[2], shape[3]
			ds.DType = dtype
		} else if !slices.Equal(shape, ds.VariableShape()) || dtype != ds.DType {
			return nil, fmt.Errorf("variable %s is %v %s, expected %v %s", v, shape, dtype, ds.VariableShape(), ds.DType)
		}
		ds.Variables = append(ds.Variables, v)
		ds.Data[v] = data
	}

	start, err := loadStart(ctx, bucket)
	if err != nil {
		return nil, err
	}
	ds.Start = start

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	logger.Info("grid decoded",
		zap.Strings("variables", ds.Variables),
		zap.Ints("shape", ds.VariableShape()),
		zap.Time("start", ds.Start),
	)
	return ds, nil
}

func loadVariable(ctx context.Context, bucket *blob.Bucket, name string) ([]byte, []int, string, error) {
	arr, err := zarr.OpenArray(ctx, bucket, name)
	if err != nil {
		return nil, nil, "", fmt.Errorf("variable %s: %w", name, err)
	}
	attrs, err := zarr.ReadAttributes(ctx, bucket, name)
	if err != nil {
		return nil, nil, "", err
	}
	dims := attrs.Dimensions()

	perm := make([]int, len(Axes))
	for i, axis := range Axes {
		perm[i] = slices.Index(dims, axis)
		if perm[i] < 0 || len(dims) != len(Axes) {
			return nil, nil, "", fmt.Errorf("variable %s has dimensions %v, expected a permutation of %v", name, dims, Axes)
		}
	}

	raw, err := arr.ReadFull(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("variable %s: %w", name, err)
	}
	meta := arr.Metadata()
	data, shape, err := zarr.Transpose(raw, meta.Shape, perm, arr.ItemSize())
	if err != nil {
		return nil, nil, "", fmt.Errorf("variable %s: %w", name, err)
	}
	return data, shape, meta.DType, nil
}

// loadStart reads the first value of the time coordinate and converts it
// using its CF units, e.g. "days since 2010-01-01".
func loadStart(ctx context.Context, bucket *blob.Bucket) (time.Time, error) {
	arr, err := zarr.OpenArray(ctx, bucket, "time")
	if err != nil {
		return time.Time{}, fmt.Errorf("time coordinate: %w", err)
	}
	attrs, err := zarr.ReadAttributes(ctx, bucket, "time")
	if err != nil {
		return time.Time{}, err
	}
	units, _ := attrs["units"].(string)
	unit, origin, err := ParseUnits(units)
	if err != nil {
		return time.Time{}, err
	}

	if shape := arr.Metadata().Shape; len(shape) != 1 || shape[0] == 0 {
		return time.Time{}, fmt.Errorf("time coordinate must be a non-empty vector, got shape %v", shape)
	}
	first, err := arr.ReadRegion(ctx, []int{0}, []int{1})
	if err != nil {
		return time.Time{}, fmt.Errorf("time coordinate: %w", err)
	}
	value, err := scalar(first, arr.Metadata().DType)
	if err != nil {
		return time.Time{}, fmt.Errorf("time coordinate: %w", err)
	}

	t := origin.Add(time.Duration(value * float64(unit)))
	return t.UTC().Truncate(24 * time.Hour), nil
}

// ParseUnits parses CF time units of the form "<unit> since <date>".
func ParseUnits(units string) (time.Duration, time.Time, error) {
	unitName, ref, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return 0, time.Time{}, fmt.Errorf("unsupported time units %q", units)
	}

	var unit time.Duration
	switch strings.ToLower(unitName) {
	case "days", "day", "d":
		unit = 24 * time.Hour
	case "hours", "hour", "h":
		unit = time.Hour
	case "minutes", "minute":
		unit = time.Minute
	case "seconds", "second", "s":
		unit = time.Second
	case "nanoseconds":
		unit = time.Nanosecond
	default:
		return 0, time.Time{}, fmt.Errorf("unsupported time unit %q", unitName)
	}

	ref = strings.TrimSpace(ref)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ref); err == nil {
			return unit, t.UTC(), nil
		}
	}
	return 0, time.Time{}, fmt.Errorf("unsupported reference date %q", ref)
}

func scalar(b []byte, dtype string) (float64, error) {
	switch dtype {
	case "<i8":
		return float64(int64(binary.LittleEndian.Uint64(b))), nil
	case "<i4":
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case "<u8":
		return float64(binary.LittleEndian.Uint64(b)), nil
	case "<f8":
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case "<f4":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}
