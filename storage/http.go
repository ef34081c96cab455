package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/akhenakh/cogtile/tilemath"
)

// HTTP reads ranges of a remote file with Range requests.
type HTTP struct {
	url    string
	client *http.Client
}

// NewHTTP creates a range reader for a remote file URL. No request is made
// until the first read.
func NewHTTP(url string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{url: url, client: client}
}

// Name returns the URL.
func (h *HTTP) Name() string { return h.url }

// Size issues a HEAD request and returns the remote file size. It fails when
// the server does not advertise byte range support.
func (h *HTTP) Size(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http head request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bad status for http head request: %s", resp.Status)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return 0, errors.New("server does not accept byte range requests")
	}
	if resp.ContentLength <= 0 {
		return 0, errors.New("could not determine content length or file is empty")
	}
	return resp.ContentLength, nil
}

// ReadRange sends "Range: bytes=start-end" and returns whatever came back.
// At most one byte more than requested is read from the body, enough to
// tell an oversized answer apart without draining a whole object.
func (h *HTTP) ReadRange(ctx context.Context, start, end uint64) (*Response, error) {
	n, err := checkRange(start, end)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", tilemath.ByteRange{Start: start, End: end}.Header())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http range request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(n)+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read range body: %w", err)
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		ContentRange:  resp.Header.Get("Content-Range"),
		Body:          body,
	}, nil
}
