package optiheap

import "errors"

// Sentinel errors returned by the public API. spec.md §7 treats a size-zero
// request as "not an error" (callers get a nil pointer, no error), and
// treats every other failure mode as a local, non-fatal condition the
// allocator reports and the caller decides how to handle; OptiHeap never
// panics or calls os.Exit on a bad pointer or an out-of-memory condition.
var (
	// ErrAllocFailed is returned when an engine could not satisfy a
	// request (out of memory, or growth/mapping syscall failure).
	ErrAllocFailed = errors.New("optiheap: allocation failed")

	// ErrDeallocFailed is returned when Free/Release is given an address
	// that is not live, not owned by the engine it was routed to, or
	// whose header magic is corrupted. With Config.Debugger off, a pointer
	// routed to the mapping engine is not checked against its chain before
	// its header is read, so a double free of a mapping block (whose pages
	// are already unmapped) or an address with no mapped header faults
	// instead of returning this error.
	ErrDeallocFailed = errors.New("optiheap: deallocation failed")

	// ErrNotInitialized wraps a failure from the one-time engine setup
	// ensureInit runs on first use (currently: the mapping engine's
	// page-size/capability probe). Every public method that calls
	// ensureInit surfaces this wrapped error instead of a raw one, so
	// callers can errors.Is(err, ErrNotInitialized) regardless of which
	// engine's setup failed.
	ErrNotInitialized = errors.New("optiheap: allocator not initialized")

	// ErrReferenceCountingDisabled is returned by the reference-counting
	// API when the allocator was built with ReferenceCounting off.
	ErrReferenceCountingDisabled = errors.New("optiheap: reference counting is not enabled")

	// ErrInvalidPointer is returned by retain/release/reference-count
	// when given a pointer that does not belong to either engine.
	ErrInvalidPointer = errors.New("optiheap: invalid pointer")

	// ErrRefCountOverflow is returned by Retain when a block's reference
	// count would overflow. Detected only when Config.Debugger is set.
	ErrRefCountOverflow = errors.New("optiheap: reference count overflow")

	// ErrIncompatibleABI is returned by Init when Config.ABIConstraint
	// does not admit Version.
	ErrIncompatibleABI = errors.New("optiheap: version does not satisfy ABI constraint")
)
