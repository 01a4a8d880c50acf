package optiheap

// Config carries OptiHeap's feature flags. spec.md §6 enumerates these as
// compile-time flags (THREAD_SAFE, DEBUGGER, REFERENCE_COUNTING) selected
// with C preprocessor defines; Go has no preprocessor, so they become
// fields on a runtime Config built with the functional-options pattern
// already used by the teacher package's own Allocator configuration.
type Config struct {
	// ThreadSafe enables the heap and mapping engines' mutexes. Disabling
	// it elides locking entirely for single-goroutine embedders; spec.md
	// §5 never requires more than two coarse, non-reentrant locks, so
	// there is nothing finer to fall back to.
	ThreadSafe bool

	// Debugger enables the slower, validating free path on the mapping
	// engine (a full chain scan confirming membership and magic before
	// unmapping, rather than trusting the caller's pointer). The
	// debug-print routines DumpHeap and DumpMapping do not consult it:
	// they write their dump whether or not it is set.
	Debugger bool

	// ReferenceCounting enables the retain/release layer in refcount.go.
	// When false, ReferenceAllocate/Retain/Release/ReferenceCount all
	// return ErrReferenceCountingDisabled.
	ReferenceCounting bool

	// HeapReservation bounds how large the contiguous heap region may
	// grow. Go has no brk(2) wrapper, so the heap engine emulates a
	// monotone, non-relocating sbrk-style region with a single
	// capacity-reserved byte slice (see heap.go); HeapReservation is
	// that slice's capacity, the heap engine's hard OOM ceiling.
	HeapReservation uintptr

	// MappingPageSize overrides the OS page size used by the mapping
	// engine's alignment math. Zero means "ask the OS" (the default,
	// via unix.Getpagesize at Init). Tests pin this to a small power of
	// two to keep fixtures cheap.
	MappingPageSize uintptr

	// ABIConstraint, if non-empty, is a semver constraint (as parsed by
	// github.com/Masterminds/semver/v3) that Version must satisfy for
	// Init to succeed. Embedders that link OptiHeap into more than one
	// binary of a toolchain (the allocator's own origin project does
	// exactly this) can use it to refuse to initialize against an
	// incompatible build.
	ABIConstraint string
}

// Option mutates a Config during construction.
type Option func(*Config)

const defaultHeapReservation = 64 * 1024 * 1024 // 64MiB, mirrors the teacher's default arena size

func defaultConfig() *Config {
	return &Config{
		ThreadSafe:        true,
		Debugger:          false,
		ReferenceCounting: false,
		HeapReservation:   defaultHeapReservation,
	}
}

// WithThreadSafe toggles the heap and mapping engines' mutexes.
func WithThreadSafe(enabled bool) Option {
	return func(c *Config) { c.ThreadSafe = enabled }
}

// WithDebugger toggles the validating mapping free path.
func WithDebugger(enabled bool) Option {
	return func(c *Config) { c.Debugger = enabled }
}

// WithReferenceCounting toggles the retain/release layer.
func WithReferenceCounting(enabled bool) Option {
	return func(c *Config) { c.ReferenceCounting = enabled }
}

// WithHeapReservation sets the heap engine's maximum region size.
func WithHeapReservation(size uintptr) Option {
	return func(c *Config) { c.HeapReservation = size }
}

// WithMappingPageSize pins the mapping engine's page size, bypassing the OS
// query. Intended for tests.
func WithMappingPageSize(size uintptr) Option {
	return func(c *Config) { c.MappingPageSize = size }
}

// WithABIConstraint sets a semver constraint Version must satisfy at Init.
func WithABIConstraint(constraint string) Option {
	return func(c *Config) { c.ABIConstraint = constraint }
}
