package storage

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
)

// Mock is an in-memory Source for tests. Its knobs reproduce the ways a
// real backend misbehaves.
type Mock struct {
	mu   sync.RWMutex
	data []byte
	name string

	// Status overrides the reported status; 0 reports 206.
	Status int
	// Local makes the mock behave like a local file (no status at all).
	Local bool
	// Truncate, when positive, caps the number of body bytes returned.
	Truncate int
	// IgnoreRange answers with the whole object and status 200.
	IgnoreRange bool
	// Err is returned from every read when set.
	Err error

	reads atomic.Int64
}

// NewMock constructs a Mock serving data.
func NewMock(name string, data []byte) *Mock {
	return &Mock{name: name, data: append([]byte(nil), data...)}
}

// Name returns the name given to NewMock.
func (m *Mock) Name() string { return m.name }

// Reads returns the number of ReadRange calls served.
func (m *Mock) Reads() int64 { return m.reads.Load() }

// Size returns the length of the stored bytes.
func (m *Mock) Size(ctx context.Context) (int64, error) {
	if m.Err != nil {
		return 0, m.Err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)), nil
}

// Replace swaps the stored bytes, as when the object is overwritten.
func (m *Mock) Replace(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
}

// ReadRange returns the requested window of the stored bytes.
func (m *Mock) ReadRange(ctx context.Context, start, end uint64) (*Response, error) {
	m.reads.Add(1)
	if m.Err != nil {
		return nil, m.Err
	}
	if _, err := checkRange(start, end); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.IgnoreRange {
		return &Response{
			StatusCode:    http.StatusOK,
			ContentLength: int64(len(m.data)),
			Body:          append([]byte(nil), m.data...),
		}, nil
	}

	size := uint64(len(m.data))
	if start >= size {
		if m.Local {
			return &Response{ContentLength: -1}, nil
		}
		return &Response{StatusCode: http.StatusRequestedRangeNotSatisfiable, ContentLength: 0}, nil
	}
	last := min(end, size-1)
	body := append([]byte(nil), m.data[start:last+1]...)
	if m.Truncate > 0 && len(body) > m.Truncate {
		body = body[:m.Truncate]
	}

	resp := &Response{
		StatusCode:    http.StatusPartialContent,
		ContentLength: int64(len(body)),
		ContentRange:  fmt.Sprintf("bytes %d-%d/%d", start, start+uint64(len(body))-1, size),
		Body:          body,
	}
	if m.Status != 0 {
		resp.StatusCode = m.Status
	}
	if m.Local {
		resp.StatusCode = 0
		resp.ContentLength = -1
		resp.ContentRange = ""
	}
	return resp, nil
}
