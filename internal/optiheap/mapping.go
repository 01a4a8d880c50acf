package optiheap

import (
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mappingEngine serves large requests with independent, page-aligned
// anonymous mappings — one unix.Mmap call per allocation, one unix.Munmap
// per free. Unlike the heap engine, there is no shared arena to reserve
// up front: each block is its own OS mapping, so growth never runs out
// short of the OS itself refusing the mapping.
//
// Each block's header lives at the start of its own mapping; next/prev
// hold the raw addresses of neighboring mappings (not arena offsets —
// there is no shared arena here), chaining every live mapping into one
// list for the debug-mode free path and for leak reporting.
type mappingEngine struct {
	cfg *Config

	mu mutex

	pageSize uintptr

	head, tail uint64 // addresses of the first/last mapping header, or 0

	initialized bool
}

func newMappingEngine(cfg *Config) *mappingEngine {
	return &mappingEngine{cfg: cfg}
}

func (m *mappingEngine) init() error {
	m.mu = newMutex(m.cfg.ThreadSafe)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	m.pageSize = m.cfg.MappingPageSize
	if m.pageSize == 0 {
		m.pageSize = uintptr(unix.Getpagesize())
	}

	m.head, m.tail = 0, 0
	m.initialized = true

	return nil
}

func pageAlign(n, pageSize uintptr) uintptr {
	return (n + pageSize - 1) / pageSize * pageSize
}

func (m *mappingEngine) headerAt(addr uint64) *rawHeader {
	return (*rawHeader)(unsafe.Pointer(uintptr(addr)))
}

func (m *mappingEngine) allocate(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.allocateLocked(size)
}

// allocateLocked is allocate's body, callable by refcount.go while it
// already holds m.mu.
func (m *mappingEngine) allocateLocked(size uintptr) (unsafe.Pointer, error) {
	total := pageAlign(HeaderSize+size, m.pageSize)

	data, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("optiheap: mmap %d bytes: %v: %w", total, err, ErrAllocFailed)
	}

	addr := uint64(uintptr(unsafe.Pointer(&data[0])))

	hdr := m.headerAt(addr)
	hdr.size = uint64(total)
	hdr.magic = magicMappingAllocated
	hdr.next = 0
	hdr.prev = m.tail
	hdr.nextFree, hdr.prevFree = noOffset, noOffset
	hdr.refCount = 0

	if m.tail != 0 {
		m.headerAt(m.tail).next = addr
	} else {
		m.head = addr
	}

	m.tail = addr

	return unsafe.Pointer(uintptr(addr) + HeaderSize), nil
}

// free unmaps a block. When Config.Debugger is set it first walks the
// live-mapping chain to confirm the pointer is actually one OptiHeap
// handed out, matching the original allocator's debug-mode free path;
// otherwise (the production path) it trusts the header in place, one
// pointer dereference and an unmap, same as upstream.
func (m *mappingEngine) free(ptr unsafe.Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.freeLocked(ptr)
}

// freeLocked is free's body, callable while m.mu is already held.
func (m *mappingEngine) freeLocked(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	addr := uint64(uintptr(ptr) - HeaderSize)

	hdr := m.headerAt(addr)

	if m.cfg.Debugger {
		found := false

		for cur := m.head; cur != 0; cur = m.headerAt(cur).next {
			if cur == addr {
				found = true
				break
			}
		}

		if !found {
			return ErrDeallocFailed
		}
	}

	if hdr.magic != magicMappingAllocated {
		return ErrDeallocFailed
	}

	if hdr.prev != 0 {
		m.headerAt(hdr.prev).next = hdr.next
	} else {
		m.head = hdr.next
	}

	if hdr.next != 0 {
		m.headerAt(hdr.next).prev = hdr.prev
	} else {
		m.tail = hdr.prev
	}

	size := hdr.size
	data := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)

	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("optiheap: munmap: %v: %w", err, ErrDeallocFailed)
	}

	return nil
}

func (m *mappingEngine) dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(w, "mapping: pageSize=%d\n", m.pageSize)

	for cur := m.head; cur != 0; {
		hdr := m.headerAt(cur)
		fmt.Fprintf(w, "  mapping addr=%#x size=%d refCount=%d\n", cur, hdr.size, hdr.refCount)
		cur = hdr.next
	}
}
