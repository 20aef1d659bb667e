package store

import (
	"context"
	"fmt"
	"slices"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/TuSKan/zarr-forecast"
)

// Dimensions are the xarray axis names of every store array.
var Dimensions = []string{"longitude", "latitude", "time", "step"}

// Layout is the global shape and chunking of the store arrays.
type Layout struct {
	Longitude int
	Latitude  int
	Time      int
	Step      int

	// Chunks in store order: longitude, latitude, time, step.
	Chunks     [4]int
	DType      string
	Compressor *zarr.CompressorConfig
	FillValue  interface{}
}

// Shape returns the array shape in store order.
func (l Layout) Shape() []int {
	return []int{l.Longitude, l.Latitude, l.Time, l.Step}
}

func (l Layout) metadata() zarr.Metadata {
	return zarr.Metadata{
		ZarrFormat: 2,
		Shape:      l.Shape(),
		Chunks:     l.Chunks[:],
		DType:      l.DType,
		Compressor: l.Compressor,
		FillValue:  l.FillValue,
		Order:      "C",
	}
}

// EnsureArrays creates the store group and one array per variable when they
// do not exist yet. Existing arrays must already have the layout shape.
func EnsureArrays(ctx context.Context, bucket *blob.Bucket, variables []string, layout Layout) error {
	exists, err := bucket.Exists(ctx, zarr.GroupKey)
	if err != nil {
		return classify(fmt.Errorf("failed to check store group: %w", err))
	}
	if !exists {
		if err := zarr.CreateGroup(ctx, bucket, ""); err != nil {
			return classify(err)
		}
	}

	for _, v := range variables {
		a, err := zarr.OpenArray(ctx, bucket, v)
		switch {
		case err == nil:
			if !slices.Equal(a.Metadata().Shape, layout.Shape()) {
				return fmt.Errorf("variable %s: existing shape %v differs from layout %v", v, a.Metadata().Shape, layout.Shape())
			}
			continue
		case gcerrors.Code(err) != gcerrors.NotFound:
			return classify(fmt.Errorf("variable %s: %w", v, err))
		}

		attrs := zarr.Attributes{zarr.DimensionsAttribute: Dimensions}
		if _, err := zarr.CreateArray(ctx, bucket, v, layout.metadata(), attrs); err != nil {
			return classify(fmt.Errorf("variable %s: %w", v, err))
		}
	}
	return nil
}
