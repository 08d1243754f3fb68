package domain

import "errors"

var (
	// ErrNotFound is returned by stores when no record exists for the requested key.
	ErrNotFound = errors.New("not found")
	// ErrInconsistentData means stored or incoming data disagrees with the
	// configured thresholds or tiling.
	ErrInconsistentData = errors.New("inconsistent data")
)

// ErrMalformedTrigger marks a trigger message that could not be decoded. The
// message has already been acknowledged and is skipped.
var ErrMalformedTrigger = errors.New("malformed trigger")
