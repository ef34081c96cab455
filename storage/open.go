package storage

import (
	"context"
	"net/http"
	"strings"
)

// Open picks a backend from the shape of location: an http(s) URL, a bucket
// URL such as s3://bucket/key (the driver must be linked in by the caller)
// or a local path. The returned func releases the backend.
func Open(ctx context.Context, location string, client *http.Client) (Source, func() error, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTP(location, client), func() error { return nil }, nil
	case strings.Contains(location, "://"):
		b, err := OpenBlob(ctx, location)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		f, err := OpenFile(location)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
