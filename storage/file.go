package storage

import (
	"context"
	"fmt"
	"io"
	"os"
)

// File reads ranges from a local random-access file.
type File struct {
	r    io.ReaderAt
	name string
	c    io.Closer
}

// OpenFile opens the file at path.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local COG file: %w", err)
	}
	return &File{r: f, name: path, c: f}, nil
}

// NewFile wraps an already open io.ReaderAt.
func NewFile(r io.ReaderAt, name string) *File {
	return &File{r: r, name: name}
}

// Name returns the path of the file.
func (f *File) Name() string { return f.name }

// Size returns the file size.
func (f *File) Size(ctx context.Context) (int64, error) {
	switch r := f.r.(type) {
	case interface{ Stat() (os.FileInfo, error) }:
		fi, err := r.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", f.name, err)
		}
		return fi.Size(), nil
	case interface{ Size() int64 }:
		return r.Size(), nil
	}
	return 0, fmt.Errorf("size of %s is unknown", f.name)
}

// ReadRange reads up to end-start+1 bytes at start. Hitting end of file is
// not an error here; the short body is returned for the caller to reject.
func (f *File) ReadRange(ctx context.Context, start, end uint64) (*Response, error) {
	n, err := checkRange(start, end)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	read, err := f.r.ReadAt(buf, int64(start))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to read %s at %d: %w", f.name, start, err)
	}
	return &Response{ContentLength: -1, Body: buf[:read]}, nil
}

// Close closes the underlying file when OpenFile opened it.
func (f *File) Close() error {
	if f.c == nil {
		return nil
	}
	return f.c.Close()
}
