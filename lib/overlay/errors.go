package overlay

import "errors"

var (
	// ErrDestinationMount is returned when the writable area for the new root
	// cannot be created. Boot cannot continue without it.
	ErrDestinationMount = errors.New("cannot mount overlay destination")

	// ErrSourceRoot is returned when the original root cannot be listed.
	ErrSourceRoot = errors.New("cannot read original root")

	// ErrNotMounted is returned when payload staging runs before Mount.
	ErrNotMounted = errors.New("overlay not mounted")
)
