package devices

import "errors"

var (
	// ErrNotFound is returned when no candidate name matches a discovered partition
	ErrNotFound = errors.New("partition not found")
)
