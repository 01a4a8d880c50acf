package optiheap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/Masterminds/semver/v3"
)

// Version is OptiHeap's own ABI version, checked against Config.ABIConstraint
// at New/Init. Embedders that link OptiHeap into more than one binary of a
// toolchain can use an ABIConstraint to refuse to start against a build that
// doesn't match what they expect.
const Version = "1.0.0"

// Allocator is the size-threshold router in front of the heap and mapping
// engines: requests at or below MaxHeapAlloc go to the contiguous heap,
// larger ones to independent page mappings. Free recovers which engine owns
// a pointer with the heap engine's range test alone — anything outside the
// heap's committed region is assumed to be a mapping, exactly as the
// original router's within_heap_range-only dispatch does.
type Allocator struct {
	cfg *Config

	heap    *heapEngine
	mapping *mappingEngine
	refs    *refCounter

	initOnce sync.Once
	initErr  error
}

// New builds an Allocator from the given options. The heap and mapping
// engines are not touched yet — both are initialized lazily, on first use,
// the same implicit-setup behavior as the original router's setup_done
// guard.
func New(opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.ABIConstraint != "" {
		constraint, err := semver.NewConstraint(cfg.ABIConstraint)
		if err != nil {
			return nil, fmt.Errorf("optiheap: parse ABI constraint %q: %w", cfg.ABIConstraint, err)
		}

		v, err := semver.NewVersion(Version)
		if err != nil {
			return nil, fmt.Errorf("optiheap: parse own version %q: %w", Version, err)
		}

		if !constraint.Check(v) {
			return nil, fmt.Errorf("optiheap: version %s does not satisfy %q: %w", Version, cfg.ABIConstraint, ErrIncompatibleABI)
		}
	}

	a := &Allocator{cfg: cfg}
	a.heap = newHeapEngine(cfg)
	a.mapping = newMappingEngine(cfg)
	a.refs = newRefCounter(cfg, a.heap, a.mapping)

	return a, nil
}

func (a *Allocator) ensureInit() error {
	a.initOnce.Do(func() {
		a.heap.init()

		if err := a.mapping.init(); err != nil {
			a.initErr = fmt.Errorf("%w: %v", ErrNotInitialized, err)
		}
	})

	return a.initErr
}

// Allocate routes a request to the heap engine (size <= MaxHeapAlloc) or the
// mapping engine (size > MaxHeapAlloc). A size of zero returns a nil
// pointer and no error.
func (a *Allocator) Allocate(size uintptr) (unsafe.Pointer, error) {
	if err := a.ensureInit(); err != nil {
		return nil, err
	}

	if size == 0 {
		return nil, nil
	}

	if size > MaxHeapAlloc {
		return a.mapping.allocate(size)
	}

	return a.heap.allocate(size)
}

// Free routes ptr to whichever engine owns it, determined by the heap
// engine's address-range test. A nil pointer is a no-op.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	if err := a.ensureInit(); err != nil {
		return err
	}

	if a.heap.inHeapRange(ptr) {
		return a.heap.free(ptr)
	}

	return a.mapping.free(ptr)
}

// InHeapRange reports whether ptr was served by the heap engine rather than
// the mapping engine. Exposed mainly for tests and diagnostics.
func (a *Allocator) InHeapRange(ptr unsafe.Pointer) bool {
	return a.heap.inHeapRange(ptr)
}

// ReferenceAllocate allocates like Allocate, then brings the block under
// reference-counting with an initial count of one and an optional
// destructor invoked on final Release. It requires Config.ReferenceCounting.
func (a *Allocator) ReferenceAllocate(size uintptr, destructor func(unsafe.Pointer)) (unsafe.Pointer, error) {
	if err := a.ensureInit(); err != nil {
		return nil, err
	}

	return a.refs.referenceAllocate(size, destructor)
}

// Retain increments ptr's reference count.
func (a *Allocator) Retain(ptr unsafe.Pointer) error {
	if err := a.ensureInit(); err != nil {
		return err
	}

	return a.refs.retain(ptr)
}

// Release decrements ptr's reference count, freeing the block and invoking
// its destructor (if any) when the count reaches zero.
func (a *Allocator) Release(ptr unsafe.Pointer) error {
	if err := a.ensureInit(); err != nil {
		return err
	}

	return a.refs.release(ptr)
}

// ReferenceCount reports ptr's current reference count.
func (a *Allocator) ReferenceCount(ptr unsafe.Pointer) (uint64, error) {
	if err := a.ensureInit(); err != nil {
		return 0, err
	}

	return a.refs.referenceCount(ptr)
}

// SetDestructor replaces the destructor invoked on ptr's final Release.
func (a *Allocator) SetDestructor(ptr unsafe.Pointer, destructor func(unsafe.Pointer)) error {
	if err := a.ensureInit(); err != nil {
		return err
	}

	return a.refs.setDestructor(ptr, destructor)
}

// VerifyReferenceCounting walks every live block in both engines and
// returns the count of blocks whose reference count is nonzero.
func (a *Allocator) VerifyReferenceCounting() int {
	if err := a.ensureInit(); err != nil {
		return 0
	}

	return a.refs.verify()
}

var (
	globalMu   sync.RWMutex
	global     *Allocator
	defaultMu  sync.Mutex
	defaultAlc *Allocator
)

// Init builds an Allocator from opts and installs it as the package-level
// default used by the package-scope Allocate/Free functions below. It mirrors
// the original router's single process-wide allocator, for callers who want
// one OptiHeap instance per process rather than threading an *Allocator
// through their own code.
func Init(opts ...Option) error {
	a, err := New(opts...)
	if err != nil {
		return err
	}

	globalMu.Lock()
	global = a
	globalMu.Unlock()

	return nil
}

func current() (*Allocator, error) {
	globalMu.RLock()
	a := global
	globalMu.RUnlock()

	if a != nil {
		return a, nil
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultAlc != nil {
		return defaultAlc, nil
	}

	a, err := New()
	if err != nil {
		return nil, err
	}

	defaultAlc = a

	return a, nil
}

// Allocate delegates to the process-wide default Allocator, constructing
// one with default options on first use if Init was never called.
func Allocate(size uintptr) (unsafe.Pointer, error) {
	a, err := current()
	if err != nil {
		return nil, err
	}

	return a.Allocate(size)
}

// Free delegates to the process-wide default Allocator.
func Free(ptr unsafe.Pointer) error {
	a, err := current()
	if err != nil {
		return err
	}

	return a.Free(ptr)
}
