// Package sizing provides safe size arithmetic and conversions for sizes
// reported by decoders.
package sizing

import (
	"io"
	"math"
)

// Clamp converts a uint64 to int64, saturating at math.MaxInt64.
// Entry lengths are informational, so an absurd size reported by a corrupt
// header must not turn into a negative (directory) length.
func Clamp(size uint64) int64 {
	if size > uint64(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(size)
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
