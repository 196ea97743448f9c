package stage

import "errors"

// Error taxonomy for staging and boot preparation. Failures are wrapped with
// context; callers classify them with errors.Is.
var (
	// ErrBadArgument covers caller mistakes: a missing filename, a module
	// staged before the hypervisor, an unknown category.
	ErrBadArgument = errors.New("bad argument")

	// ErrOutOfMemory is returned when the page allocator cannot satisfy a
	// request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrCorruptImage is returned for short reads and failed image format
	// checks.
	ErrCorruptImage = errors.New("corrupt image")

	// ErrIO covers parameter blob creation, node and property writes, and
	// install failures.
	ErrIO = errors.New("i/o error")
)
