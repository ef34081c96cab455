// Package fetch retrieves one byte range from a storage backend and refuses
// anything but exactly the bytes asked for.
package fetch

import (
	"context"
	"net/http"

	cogerrors "github.com/akhenakh/cogtile/errors"
	"github.com/akhenakh/cogtile/storage"
	"github.com/akhenakh/cogtile/tilemath"
)

// Result is a verified range payload.
type Result struct {
	Range   tilemath.ByteRange
	Payload []byte
	// ContentRange echoes the backend's Content-Range header, if any.
	ContentRange string
}

// FetchRange reads r from src and verifies the answer. Remote backends must
// reply 206 with exactly r.Len() bytes; local backends must not stop short.
// A payload that fails either check is never returned.
func FetchRange(ctx context.Context, src storage.Source, r tilemath.ByteRange) (*Result, error) {
	if r.End < r.Start {
		return nil, cogerrors.ErrRangeLengthMismatch.
			WithDetail("range", r.String()).
			WithMessage("range ends before it starts")
	}

	resp, err := src.ReadRange(ctx, r.Start, r.End)
	if err != nil {
		return nil, err
	}
	if err := Verify(r, resp); err != nil {
		return nil, err
	}
	return &Result{Range: r, Payload: resp.Body, ContentRange: resp.ContentRange}, nil
}

// Verify checks a backend response against the range it was asked for.
func Verify(r tilemath.ByteRange, resp *storage.Response) error {
	want := r.Len()
	got := uint64(len(resp.Body))

	if resp.Local() {
		if got < want {
			return cogerrors.ErrShortRead.
				WithDetail("range", r.String()).
				WithDetail("want", want).
				WithDetail("got", got)
		}
		if got > want {
			return cogerrors.ErrRangeLengthMismatch.
				WithDetail("range", r.String()).
				WithDetail("want", want).
				WithDetail("got", got)
		}
		return nil
	}

	if resp.StatusCode != http.StatusPartialContent {
		return cogerrors.ErrUnexpectedStatus.
			WithDetail("range", r.String()).
			WithDetail("status", resp.StatusCode)
	}
	if resp.ContentLength >= 0 && uint64(resp.ContentLength) != want {
		return cogerrors.ErrRangeLengthMismatch.
			WithDetail("range", r.String()).
			WithDetail("want", want).
			WithDetail("contentLength", resp.ContentLength)
	}
	if got != want {
		return cogerrors.ErrRangeLengthMismatch.
			WithDetail("range", r.String()).
			WithDetail("want", want).
			WithDetail("got", got)
	}
	return nil
}
