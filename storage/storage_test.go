package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gocloud.dev/blob/memblob"

	"github.com/akhenakh/cogtile/internal/tifftest"
)

func TestFileReadRange(t *testing.T) {
	data := tifftest.Payload(4096)
	path := filepath.Join(t.TempDir(), "pyramid.tif")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() returned an unexpected error: %v", err)
	}
	defer f.Close()

	ctx := context.Background()

	resp, err := f.ReadRange(ctx, 1000, 1255)
	if err != nil {
		t.Fatalf("ReadRange() returned an unexpected error: %v", err)
	}
	if !resp.Local() {
		t.Errorf("Local() = false for a file response")
	}
	if !bytes.Equal(resp.Body, data[1000:1256]) {
		t.Errorf("ReadRange(1000, 1255) returned the wrong bytes")
	}

	resp, err = f.ReadRange(ctx, 4000, 4199)
	if err != nil {
		t.Fatalf("ReadRange() past the end returned an unexpected error: %v", err)
	}
	if len(resp.Body) != 96 {
		t.Errorf("ReadRange() past the end returned %d bytes, want 96", len(resp.Body))
	}

	if _, err := f.ReadRange(ctx, 10, 9); err == nil {
		t.Errorf("ReadRange(10, 9) returned no error")
	}
	if _, err := f.ReadRange(ctx, 0, MaxRangeLength); err == nil {
		t.Errorf("ReadRange() above MaxRangeLength returned no error")
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "missing.tif")); err == nil {
		t.Errorf("OpenFile() on a missing file returned no error")
	}
}

func TestHTTPReadRange(t *testing.T) {
	data := tifftest.Payload(8192)
	var lastRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastRange.Store(r.Header.Get("Range"))
		http.ServeContent(w, r, "pyramid.tif", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	ctx := context.Background()
	h := NewHTTP(srv.URL+"/pyramid.tif", srv.Client())

	resp, err := h.ReadRange(ctx, 1000, 1255)
	if err != nil {
		t.Fatalf("ReadRange() returned an unexpected error: %v", err)
	}
	if got := lastRange.Load().(string); got != "bytes=1000-1255" {
		t.Errorf("Range header = %q, want bytes=1000-1255", got)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want 206", resp.StatusCode)
	}
	if resp.ContentLength != 256 {
		t.Errorf("ContentLength = %d, want 256", resp.ContentLength)
	}
	if resp.ContentRange != "bytes 1000-1255/8192" {
		t.Errorf("ContentRange = %q", resp.ContentRange)
	}
	if !bytes.Equal(resp.Body, data[1000:1256]) {
		t.Errorf("ReadRange(1000, 1255) returned the wrong bytes")
	}

	size, err := h.Size(ctx)
	if err != nil {
		t.Fatalf("Size() returned an unexpected error: %v", err)
	}
	if size != 8192 {
		t.Errorf("Size() = %d, want 8192", size)
	}
}

func TestHTTPReadRangeServerIgnoresRange(t *testing.T) {
	data := tifftest.Payload(8192)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL, nil)
	resp, err := h.ReadRange(context.Background(), 0, 99)
	if err != nil {
		t.Fatalf("ReadRange() returned an unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	// The body is capped one byte past the request.
	if len(resp.Body) != 101 {
		t.Errorf("len(Body) = %d, want 101", len(resp.Body))
	}

	if _, err := h.Size(context.Background()); err == nil {
		t.Errorf("Size() without Accept-Ranges returned no error")
	}
}

func TestBlobReadRange(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	data := tifftest.Payload(4096)
	if err := bucket.WriteAll(ctx, "cogs/pyramid.tif", data, nil); err != nil {
		t.Fatalf("WriteAll() returned an unexpected error: %v", err)
	}

	b := NewBlob(bucket, "cogs/pyramid.tif")
	defer b.Close()

	resp, err := b.ReadRange(ctx, 1000, 1255)
	if err != nil {
		t.Fatalf("ReadRange() returned an unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("StatusCode = %d, want 206", resp.StatusCode)
	}
	if !bytes.Equal(resp.Body, data[1000:1256]) {
		t.Errorf("ReadRange(1000, 1255) returned the wrong bytes")
	}

	size, err := b.Size(ctx)
	if err != nil {
		t.Fatalf("Size() returned an unexpected error: %v", err)
	}
	if size != 4096 {
		t.Errorf("Size() = %d, want 4096", size)
	}

	missing := NewBlob(bucket, "cogs/missing.tif")
	if _, err := missing.ReadRange(ctx, 0, 10); err == nil {
		t.Errorf("ReadRange() on a missing key returned no error")
	}
}

func TestOpenBlobURL(t *testing.T) {
	testCases := []struct {
		url     string
		wantErr string
	}{
		{url: "s3://", wantErr: "needs both a bucket and a key"},
		{url: "s3://bucket", wantErr: "needs both a bucket and a key"},
		{url: "nope://bucket/key.tif", wantErr: "failed to open bucket"},
	}
	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			_, err := OpenBlob(context.Background(), tc.url)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("OpenBlob(%q) error = %v, want to contain %q", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestReaderAtPrefetch(t *testing.T) {
	data := tifftest.Payload(64 << 10)
	src := NewMock("mem", data)
	r := NewReaderAt(context.Background(), src, 16<<10)

	buf := make([]byte, 100)
	for _, off := range []int64{0, 8, 1000, 16<<10 - 100} {
		if _, err := r.ReadAt(buf, off); err != nil {
			t.Fatalf("ReadAt(%d) returned an unexpected error: %v", off, err)
		}
		if diff := cmp.Diff(data[off:off+100], buf); diff != "" {
			t.Fatalf("ReadAt(%d) mismatch (-want+got):\n%v", off, diff)
		}
	}
	if got := src.Reads(); got != 1 {
		t.Errorf("reads inside the header issued %d range reads, want 1", got)
	}

	if _, err := r.ReadAt(buf, 40000); err != nil {
		t.Fatalf("ReadAt(40000) returned an unexpected error: %v", err)
	}
	if diff := cmp.Diff(data[40000:40100], buf); diff != "" {
		t.Errorf("ReadAt(40000) mismatch (-want+got):\n%v", diff)
	}
	if got := src.Reads(); got != 2 {
		t.Errorf("read past the header issued %d range reads in total, want 2", got)
	}

	n, err := r.ReadAt(buf, int64(len(data))-10)
	if n != 10 || err != io.EOF {
		t.Errorf("ReadAt() at the end = %d, %v; want 10, io.EOF", n, err)
	}
}

func TestReaderAtSmallFile(t *testing.T) {
	data := tifftest.Payload(300)
	r := NewReaderAt(context.Background(), NewMock("mem", data), 1024)

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 250)
	if n != 50 || err != io.EOF {
		t.Errorf("ReadAt(250) = %d, %v; want 50, io.EOF", n, err)
	}
	if _, err := r.ReadAt(buf, 400); err != io.EOF {
		t.Errorf("ReadAt(400) error = %v, want io.EOF", err)
	}
}

func TestReaderAtRejectsFullResponses(t *testing.T) {
	src := NewMock("mem", tifftest.Payload(1000))
	src.IgnoreRange = true

	r := NewReaderAt(context.Background(), src, 0)
	if _, err := r.ReadAt(make([]byte, 10), 0); err == nil {
		t.Errorf("ReadAt() over a range-ignoring source returned no error")
	}

	failing := NewMock("mem", nil)
	failing.Err = errors.New("boom")
	r = NewReaderAt(context.Background(), failing, 512)
	if _, err := r.ReadAt(make([]byte, 10), 0); err == nil {
		t.Errorf("ReadAt() over a failing source returned no error")
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cog.tif")
	if err := os.WriteFile(path, tifftest.Payload(64), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	testCases := []struct {
		location string
		want     string
	}{
		{location: "https://example.com/cog.tif", want: "*storage.HTTP"},
		{location: "http://example.com/cog.tif", want: "*storage.HTTP"},
		{location: "mem://bucket/cog.tif", want: "*storage.Blob"},
		{location: path, want: "*storage.File"},
	}
	for _, tc := range testCases {
		t.Run(tc.location, func(t *testing.T) {
			src, closeFn, err := Open(context.Background(), tc.location, nil)
			if err != nil {
				t.Fatalf("Open(%q) returned an unexpected error: %v", tc.location, err)
			}
			defer closeFn()
			if got := fmt.Sprintf("%T", src); got != tc.want {
				t.Errorf("Open(%q) = %s, want %s", tc.location, got, tc.want)
			}
			if src.Name() != tc.location {
				t.Errorf("Name() = %q, want %q", src.Name(), tc.location)
			}
		})
	}

	if _, _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.tif"), nil); err == nil {
		t.Errorf("Open() of a missing file returned no error")
	}
}

var (
	_ Sizer = (*HTTP)(nil)
	_ Sizer = (*Blob)(nil)
	_ Sizer = (*File)(nil)
	_ Sizer = (*Mock)(nil)
)

func TestFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cog.tif")
	if err := os.WriteFile(path, tifftest.Payload(300), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	f, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() returned an unexpected error: %v", err)
	}
	defer f.Close()

	for _, src := range []*File{f, NewFile(bytes.NewReader(tifftest.Payload(300)), "mem")} {
		size, err := src.Size(context.Background())
		if err != nil {
			t.Fatalf("Size() of %s returned an unexpected error: %v", src.Name(), err)
		}
		if size != 300 {
			t.Errorf("Size() of %s = %d, want 300", src.Name(), size)
		}
	}
}
