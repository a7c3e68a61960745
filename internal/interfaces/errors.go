package interfaces

import "errors"

var (
	// ErrKeyNotFound is returned by ephemeral stores when a key is absent or expired
	ErrKeyNotFound = errors.New("key not found")

	// ErrSessionNotFound is returned when neither store knows the session.
	// A known session with zero progress is not an error.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSubmissionFailed aborts a whole stage batch before any unit runs
	ErrSubmissionFailed = errors.New("unit submission failed")

	// ErrUnitTimeout marks a unit still outstanding when the batch deadline expired
	ErrUnitTimeout = errors.New("unit timed out")

	// ErrUnitCancelled marks a unit abandoned because its batch was cancelled
	ErrUnitCancelled = errors.New("unit cancelled")

	// ErrInvalidUnitResult marks a processor result rejected at the aggregator boundary
	ErrInvalidUnitResult = errors.New("invalid unit result")
)
