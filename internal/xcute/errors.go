package xcute

import "errors"

var (
	// ErrNotFound is returned for job ids absent from the backend.
	ErrNotFound = errors.New("job not found")
	// ErrConflict is returned when creating a job whose id already exists.
	ErrConflict = errors.New("job already exists")
	// ErrBadState is returned for transitions the lifecycle does not allow.
	ErrBadState = errors.New("bad job state")
	// ErrUnknownType is returned when no module is registered for a job type.
	ErrUnknownType = errors.New("unknown job type")
	// ErrBadOptions is returned when a module rejects its options.
	ErrBadOptions = errors.New("bad job options")
)
