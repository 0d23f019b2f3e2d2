package malloc

import "errors"

// Sentinel error kinds, matching the error-handling design: every
// failure is surfaced synchronously to the immediate caller, nothing is
// retried internally, and OutOfMemory is deliberately not among these --
// it is reported as a nil pointer from Allocate or a false from
// GrowPool/ResizePools, never as an error value.
var (
	// ErrInvalidArgument covers an unknown pool id, class id, a pointer
	// that does not belong to this allocator, a size exceeding the
	// largest class, or misuse of a release context.
	ErrInvalidArgument = errors.New("malloc: invalid argument")

	// ErrLogicError covers too many pools, a duplicate pool name, or
	// impossible size-class generator parameters.
	ErrLogicError = errors.New("malloc: logic error")

	// ErrReleaseAborted is returned when StartSlabRelease's abort
	// predicate returns true.
	ErrReleaseAborted = errors.New("malloc: slab release aborted")

	// ErrRuntimeError covers an inconsistency detected between a slab
	// header and a release context.
	ErrRuntimeError = errors.New("malloc: runtime error")
)
