// Package grid holds decoded forecast grids and the decoders that produce
// them.
package grid

import (
	"context"
	"fmt"
	"time"

	"github.com/TuSKan/zarr-forecast"
)

// Axis names of a decoded variable array, in storage order.
var Axes = [4]string{"time", "step", "latitude", "longitude"}

// Dataset is a decoded forecast. Every variable is a C-order array shaped
// (time, step, latitude, longitude) with the same dtype.
type Dataset struct {
	Variables []string
	Time      int
	Step      int
	Latitude  int
	Longitude int
	DType     string
	// Start is the issue date of the first forecast, at UTC midnight.
	Start time.Time
	Data  map[string][]byte
}

// Decoder turns a downloaded forecast file into a Dataset.
type Decoder interface {
	Decode(ctx context.Context, path string) (*Dataset, error)
}

// VariableShape returns the shape of one variable array.
func (d *Dataset) VariableShape() []int {
	return []int{d.Time, d.Step, d.Latitude, d.Longitude}
}

// Shape returns the planner shape (variable, time, step, latitude, longitude).
func (d *Dataset) Shape() []int {
	return []int{len(d.Variables), d.Time, d.Step, d.Latitude, d.Longitude}
}

// ItemSize returns the element size of the dataset dtype.
func (d *Dataset) ItemSize() (int, error) {
	_, n, err := zarr.ParseDType(d.DType)
	return n, err
}

// Array returns the raw bytes of a variable.
func (d *Dataset) Array(variable string) ([]byte, error) {
	data, ok := d.Data[variable]
	if !ok {
		return nil, fmt.Errorf("variable %q not in dataset", variable)
	}
	return data, nil
}

// Validate checks that every variable holds exactly one full array.
func (d *Dataset) Validate() error {
	if len(d.Variables) == 0 {
		return fmt.Errorf("dataset has no variables")
	}
	itemSize, err := d.ItemSize()
	if err != nil {
		return err
	}
	for i, n := range d.VariableShape() {
		if n <= 0 {
			return fmt.Errorf("dataset %s axis has length %d", Axes[i], n)
		}
	}
	want := itemSize * d.Time * d.Step * d.Latitude * d.Longitude
	seen := make(map[string]bool, len(d.Variables))
	for _, v := range d.Variables {
		if seen[v] {
			return fmt.Errorf("variable %q listed twice", v)
		}
		seen[v] = true
		data, err := d.Array(v)
		if err != nil {
			return err
		}
		if len(data) != want {
			return fmt.Errorf("variable %q holds %d bytes, expected %d", v, len(data), want)
		}
	}
	return nil
}
