package types

import "errors"

// Error kinds surfaced by the core. Wrap with fmt.Errorf("%w: ...") and test
// with errors.Is.
var (
	// ErrDataUnavailable means no bars exist for the requested symbol or range
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrInvalidConfiguration covers bad strategies, missing parameters,
	// non-positive capital and inverted date ranges
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrHistorySinkUnavailable means an alert could not be persisted
	ErrHistorySinkUnavailable = errors.New("history sink unavailable")
)
