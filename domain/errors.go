package domain

import "errors"

// Pipeline failure classes that must reach the user verbatim via
// Result.Message. Anything not listed here is reported as a generic failure.
var (
	// ErrUnsupportedProduct rejects combined-platform products before any
	// chunk is dispatched.
	ErrUnsupportedProduct = errors.New("combined products are not supported for anomaly calculations")

	// ErrInsufficientBaseline means month filtering left no baseline
	// acquisitions to composite against.
	ErrInsufficientBaseline = errors.New("insufficient scene count for baseline length")

	// ErrNoOverlap means no geographic chunk produced data for a time window:
	// the requested region does not intersect available imagery.
	ErrNoOverlap = errors.New("there is no overlap between the selected scene and your area")
)
