// Package errors defines the structured error kinds surfaced while locating
// and fetching a tile. Every kind is terminal for the request in progress.
package errors

import "fmt"

// Error kinds.
var (
	// ErrInvalidCoordinate is returned when a latitude or zoom is outside the projectable domain
	ErrInvalidCoordinate = &Error{Code: "INVALID_COORDINATE", Message: "invalid coordinate"}

	// ErrNotTiled is returned when a directory level is strip-organized
	ErrNotTiled = &Error{Code: "NOT_TILED", Message: "level is not tiled"}

	// ErrLevelNotFound is returned when no directory level matches an index or scale
	ErrLevelNotFound = &Error{Code: "LEVEL_NOT_FOUND", Message: "level not found"}

	// ErrDegenerateLevel is returned when a level cannot hold a single full tile
	ErrDegenerateLevel = &Error{Code: "DEGENERATE_LEVEL", Message: "level too small for a full tile"}

	// ErrTileIndexOutOfRange is returned when the computed tile index is past the offset table
	ErrTileIndexOutOfRange = &Error{Code: "TILE_INDEX_OUT_OF_RANGE", Message: "tile index out of range"}

	// ErrSparseTile is returned when the offset table records no bytes for a tile
	ErrSparseTile = &Error{Code: "SPARSE_TILE", Message: "tile has no data"}

	// ErrShortRead is returned when a local read hits end of file early
	ErrShortRead = &Error{Code: "SHORT_READ", Message: "short read"}

	// ErrUnexpectedStatus is returned when a remote backend did not answer with partial content
	ErrUnexpectedStatus = &Error{Code: "UNEXPECTED_STATUS", Message: "unexpected status"}

	// ErrRangeLengthMismatch is returned when a remote backend returned a different byte count than requested
	ErrRangeLengthMismatch = &Error{Code: "RANGE_LENGTH_MISMATCH", Message: "range length mismatch"}

	// ErrInvalidDirectory is returned when the TIFF header or IFD chain is malformed
	ErrInvalidDirectory = &Error{Code: "INVALID_DIRECTORY", Message: "invalid tiff directory"}
)

// Error is a structured error carrying a stable code and diagnostic details.
type Error struct {
	Code    string         // Error code for programmatic handling
	Message string         // Human-readable error message
	Cause   error          // Underlying error, if any
	Details map[string]any // Additional context (range, level, tile index)
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if len(e.Details) > 0 {
			return fmt.Sprintf("[%s] %s (details: %v): %v", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	if len(e.Details) > 0 {
		return fmt.Sprintf("[%s] %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, ErrNotTiled) matches any NOT_TILED error regardless of details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause adds a cause to the error
func (e *Error) WithCause(cause error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   cause,
		Details: e.Details,
	}
}

// WithDetail adds a detail key-value pair to the error
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// WithMessage overrides the error message
func (e *Error) WithMessage(message string) *Error {
	return &Error{
		Code:    e.Code,
		Message: message,
		Cause:   e.Cause,
		Details: e.Details,
	}
}

// Code extracts the error code from err, or returns "" when err is not an *Error.
func Code(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
