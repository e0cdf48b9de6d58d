package shadercache

import "errors"

var (
	// ErrNilDriver is returned by New when no host driver is configured.
	ErrNilDriver = errors.New("shadercache: driver is required")

	// ErrNilGenerator is returned by New when no generator is configured.
	ErrNilGenerator = errors.New("shadercache: generator is required")

	// ErrBinaryRejected indicates the host driver refused a persisted
	// program binary it accepted in an earlier run.
	ErrBinaryRejected = errors.New("shadercache: program binary rejected by driver")

	// ErrCacheCorrupt indicates a persisted record failed validation
	// against its own content.
	ErrCacheCorrupt = errors.New("shadercache: shader cache corrupt")
)
