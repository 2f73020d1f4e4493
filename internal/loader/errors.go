package loader

import "errors"

// Sentinel errors for loader failures.
var (
	// ErrFetch is returned when a remote collection cannot be retrieved.
	ErrFetch = errors.New("loader: fetch failed")

	// ErrParse is returned when a collection file is not valid for its format.
	ErrParse = errors.New("loader: parse failed")

	// ErrTooLarge is returned for remote collections over the size limit.
	ErrTooLarge = errors.New("loader: collection too large")

	// ErrFormat is returned for unknown file formats.
	ErrFormat = errors.New("loader: unknown format")
)
