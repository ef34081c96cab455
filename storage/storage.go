// Package storage provides byte-range access to a COG held in a local file,
// behind an HTTP URL, or in a cloud bucket.
package storage

import (
	"context"
	"fmt"
)

// MaxRangeLength caps a single range read so a corrupt tile table cannot
// trigger an unbounded allocation.
const MaxRangeLength = 256 << 20

// Response is the raw answer of a backend to a range read. It is not
// verified here; see fetch.FetchRange.
type Response struct {
	// StatusCode is the HTTP status of remote backends and 0 for local ones.
	StatusCode int
	// ContentLength is the length announced by the backend, or -1 if unknown.
	ContentLength int64
	// ContentRange echoes the Content-Range header when there is one.
	ContentRange string
	// Body holds the bytes actually received.
	Body []byte
}

// Local reports whether the response came from a local backend.
func (r *Response) Local() bool { return r.StatusCode == 0 }

// Source abstracts ranged reads. start and end are inclusive.
type Source interface {
	ReadRange(ctx context.Context, start, end uint64) (*Response, error)
	// Name identifies the source in caches and logs.
	Name() string
}

// Sizer is implemented by sources that can report the object size without
// reading it. A change in size is how a replaced COG is noticed.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

func checkRange(start, end uint64) (uint64, error) {
	if end < start {
		return 0, fmt.Errorf("invalid range %d-%d", start, end)
	}
	n := end - start + 1
	if n > MaxRangeLength {
		return 0, fmt.Errorf("range %d-%d is %d bytes, above the %d limit", start, end, n, MaxRangeLength)
	}
	return n, nil
}
