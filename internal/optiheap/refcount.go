package optiheap

import (
	"sync"
	"unsafe"
)

// refCounter layers retain/release reference counting over both engines.
// It borrows whichever engine's mutex owns a given block rather than
// keeping a lock of its own, so a release that drops a count to zero can
// free the block under the same critical section that decremented it.
//
// Destructors are kept here, not in rawHeader: a Go func value carries a
// closure pointer the garbage collector must trace, and headers are
// overlaid onto []byte arenas the GC does not scan. destructorsMu is
// always acquired after an engine lock, never before, so lock order never
// inverts.
type refCounter struct {
	cfg     *Config
	heap    *heapEngine
	mapping *mappingEngine

	destructorsMu sync.Mutex
	destructors   map[uintptr]func(unsafe.Pointer)
}

func newRefCounter(cfg *Config, heap *heapEngine, mapping *mappingEngine) *refCounter {
	return &refCounter{
		cfg:         cfg,
		heap:        heap,
		mapping:     mapping,
		destructors: make(map[uintptr]func(unsafe.Pointer)),
	}
}

// withEngineLocked locates ptr's owning engine, locks it, validates the
// block is actually allocated, and runs fn under that lock. The lock is
// always released via defer, however fn returns — the release path's
// final-free branch relies on this to avoid leaving the engine locked.
func (r *refCounter) withEngineLocked(ptr unsafe.Pointer, fn func(hdr *rawHeader, isHeap bool) error) error {
	if r.heap.inHeapRange(ptr) {
		r.heap.mu.Lock()
		defer r.heap.mu.Unlock()

		off, ok := r.heap.offsetOf(ptr)
		if !ok {
			return ErrInvalidPointer
		}

		hdr := r.heap.headerAt(off)
		if hdr.magic != magicHeapAllocated {
			return ErrInvalidPointer
		}

		return fn(hdr, true)
	}

	r.mapping.mu.Lock()
	defer r.mapping.mu.Unlock()

	addr := uint64(uintptr(ptr) - HeaderSize)
	hdr := r.mapping.headerAt(addr)

	if hdr.magic != magicMappingAllocated {
		return ErrInvalidPointer
	}

	return fn(hdr, false)
}

func (r *refCounter) referenceAllocate(size uintptr, destructor func(unsafe.Pointer)) (unsafe.Pointer, error) {
	if !r.cfg.ReferenceCounting {
		return nil, ErrReferenceCountingDisabled
	}

	if size == 0 {
		return nil, nil
	}

	var (
		ptr unsafe.Pointer
		err error
	)

	if size > MaxHeapAlloc {
		r.mapping.mu.Lock()
		ptr, err = r.mapping.allocateLocked(size)
		if err == nil && ptr != nil {
			addr := uint64(uintptr(ptr) - HeaderSize)
			r.mapping.headerAt(addr).refCount = 1
		}
		r.mapping.mu.Unlock()
	} else {
		r.heap.mu.Lock()
		ptr, err = r.heap.allocateLocked(size)
		if err == nil && ptr != nil {
			if off, ok := r.heap.offsetOf(ptr); ok {
				r.heap.headerAt(off).refCount = 1
			}
		}
		r.heap.mu.Unlock()
	}

	if err != nil {
		return nil, err
	}

	if ptr != nil && destructor != nil {
		r.storeDestructor(ptr, destructor)
	}

	return ptr, nil
}

func (r *refCounter) retain(ptr unsafe.Pointer) error {
	if !r.cfg.ReferenceCounting {
		return ErrReferenceCountingDisabled
	}

	if ptr == nil {
		return ErrInvalidPointer
	}

	return r.withEngineLocked(ptr, func(hdr *rawHeader, _ bool) error {
		if r.cfg.Debugger && hdr.refCount == ^uint64(0) {
			return ErrRefCountOverflow
		}

		hdr.refCount++

		return nil
	})
}

func (r *refCounter) release(ptr unsafe.Pointer) error {
	if !r.cfg.ReferenceCounting {
		return ErrReferenceCountingDisabled
	}

	if ptr == nil {
		return ErrInvalidPointer
	}

	return r.withEngineLocked(ptr, func(hdr *rawHeader, isHeap bool) error {
		if hdr.refCount == 0 {
			return ErrInvalidPointer
		}

		hdr.refCount--
		if hdr.refCount != 0 {
			return nil
		}

		// The finalizer runs under the engine lock, immediately before the
		// block is handed back to its engine — it must see a still-live
		// block, never a freed (and for the mapping engine, unmapped) one.
		if destructor := r.takeDestructor(ptr); destructor != nil {
			destructor(ptr)
		}

		if isHeap {
			return r.heap.freeLocked(ptr)
		}

		return r.mapping.freeLocked(ptr)
	})
}

func (r *refCounter) referenceCount(ptr unsafe.Pointer) (uint64, error) {
	if !r.cfg.ReferenceCounting {
		return 0, ErrReferenceCountingDisabled
	}

	if ptr == nil {
		return 0, ErrInvalidPointer
	}

	var count uint64

	err := r.withEngineLocked(ptr, func(hdr *rawHeader, _ bool) error {
		count = hdr.refCount
		return nil
	})

	return count, err
}

func (r *refCounter) setDestructor(ptr unsafe.Pointer, destructor func(unsafe.Pointer)) error {
	if !r.cfg.ReferenceCounting {
		return ErrReferenceCountingDisabled
	}

	if ptr == nil {
		return ErrInvalidPointer
	}

	err := r.withEngineLocked(ptr, func(*rawHeader, bool) error { return nil })
	if err != nil {
		return err
	}

	r.storeDestructor(ptr, destructor)

	return nil
}

func (r *refCounter) storeDestructor(ptr unsafe.Pointer, destructor func(unsafe.Pointer)) {
	r.destructorsMu.Lock()
	defer r.destructorsMu.Unlock()

	key := uintptr(ptr)

	if destructor == nil {
		delete(r.destructors, key)
		return
	}

	r.destructors[key] = destructor
}

func (r *refCounter) takeDestructor(ptr unsafe.Pointer) func(unsafe.Pointer) {
	r.destructorsMu.Lock()
	defer r.destructorsMu.Unlock()

	key := uintptr(ptr)

	destructor, ok := r.destructors[key]
	if !ok {
		return nil
	}

	delete(r.destructors, key)

	return destructor
}

// verify walks every live block in both engines and returns how many carry
// a nonzero reference count. Both chain walks must advance their cursor on
// every iteration — a mapping block with a live reference and a next
// pointer that never gets read back would spin this loop forever.
func (r *refCounter) verify() int {
	count := 0

	r.heap.mu.Lock()

	for off := r.heap.head; off != noOffset; {
		hdr := r.heap.headerAt(off)
		if hdr.magic == magicHeapAllocated && hdr.refCount != 0 {
			count++
		}

		off = hdr.next
	}

	r.heap.mu.Unlock()

	r.mapping.mu.Lock()

	for cur := r.mapping.head; cur != 0; {
		hdr := r.mapping.headerAt(cur)
		if hdr.magic == magicMappingAllocated && hdr.refCount != 0 {
			count++
		}

		cur = hdr.next
	}

	r.mapping.mu.Unlock()

	return count
}
