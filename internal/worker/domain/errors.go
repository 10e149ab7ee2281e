package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database.
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a dedupe key already has a queued or
	// running job.
	ErrDuplicateJob = errors.New("duplicate job for dedupe key")

	// ErrUnknownKind is returned when no handler is registered for a job's
	// kind. The wrapped message is persisted to last_error, so it is phrased
	// for operators reading the dead-letter queue.
	ErrUnknownKind = errors.New("Unknown job kind")

	// ErrNotDeadLetter is returned when a requeue targets a job that is not
	// parked in dead_letter.
	ErrNotDeadLetter = errors.New("job is not in dead_letter state")
)
