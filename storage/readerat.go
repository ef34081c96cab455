package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ReaderAt adapts a Source to io.ReaderAt so the TIFF directory can be
// parsed from any backend. A COG keeps its IFDs at the front of the file,
// so the first prefetch bytes are read once and reused.
type ReaderAt struct {
	ctx      context.Context
	src      Source
	prefetch int

	mu   sync.Mutex
	head []byte
	done bool
}

// NewReaderAt returns an io.ReaderAt over src. ctx bounds every read made
// through it. A prefetch of 0 disables the header buffer.
func NewReaderAt(ctx context.Context, src Source, prefetch int) *ReaderAt {
	return &ReaderAt{ctx: ctx, src: src, prefetch: prefetch}
}

// ReadAt implements io.ReaderAt.
func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("storage.ReadAt: invalid offset %d", off)
	}

	head, err := r.header()
	if err != nil {
		return 0, err
	}
	if end := off + int64(len(p)); end <= int64(len(head)) {
		return copy(p, head[off:end]), nil
	}
	// A short header means the file ended inside it.
	if len(head) < r.prefetch && off+int64(len(p)) > int64(len(head)) {
		if off >= int64(len(head)) {
			return 0, io.EOF
		}
		return copy(p, head[off:]), io.EOF
	}

	resp, err := r.src.ReadRange(r.ctx, uint64(off), uint64(off)+uint64(len(p))-1)
	if err != nil {
		return 0, err
	}
	if err := readable(resp); err != nil {
		return 0, err
	}
	n := copy(p, resp.Body)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *ReaderAt) header() ([]byte, error) {
	if r.prefetch <= 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.head, nil
	}

	resp, err := r.src.ReadRange(r.ctx, 0, uint64(r.prefetch)-1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body = nil
	} else if err := readable(resp); err != nil {
		return nil, err
	}
	r.head = resp.Body
	if len(r.head) > r.prefetch {
		r.head = r.head[:r.prefetch]
	}
	r.done = true
	return r.head, nil
}

func readable(resp *Response) error {
	switch resp.StatusCode {
	case 0, http.StatusPartialContent:
		return nil
	case http.StatusRequestedRangeNotSatisfiable:
		return io.EOF
	default:
		return fmt.Errorf("expected status 206 Partial Content, got: %d", resp.StatusCode)
	}
}
