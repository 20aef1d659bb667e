package zarr

import (
	"errors"
	"fmt"

	"gocloud.dev/gcerrors"
)

var (
	// ErrOutOfRange is returned when a region falls outside the array or
	// the source buffer. Nothing is written when it is returned.
	ErrOutOfRange = errors.New("zarr: region out of range")
	// ErrUnavailable marks bucket failures that are worth retrying.
	ErrUnavailable = errors.New("zarr: store unavailable")
)

// IsTransient reports whether a bucket error is a transient outage.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	// gocloud reports 503 and gRPC Unavailable as Internal or ResourceExhausted.
	switch gcerrors.Code(err) {
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal:
		return true
	}
	return false
}

func bucketError(action, key string, err error) error {
	if IsTransient(err) {
		return fmt.Errorf("failed to %s %s: %w: %w", action, key, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s %s: %w", action, key, err)
}
