package magiskinit

import "errors"

var (
	// ErrRootNotFound is returned when no system partition can be found
	ErrRootNotFound = errors.New("system partition not found")

	// ErrRootMount is returned when the system partition cannot be mounted
	ErrRootMount = errors.New("cannot mount system partition")

	// ErrInvalidTransition is returned when a boot step runs out of order
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrHandoff is returned when control cannot be passed to the real init
	ErrHandoff = errors.New("handoff to init failed")
)
