package optiheap

import (
	"testing"
	"unsafe"
)

func newTestMapping(t *testing.T, debugger bool) *mappingEngine {
	t.Helper()

	m := newMappingEngine(&Config{ThreadSafe: true, Debugger: debugger, MappingPageSize: 4096})
	if err := m.init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	return m
}

func TestMappingEngine(t *testing.T) {
	t.Run("BasicAllocation", func(t *testing.T) {
		m := newTestMapping(t, false)

		ptr, err := m.allocate(MaxHeapAlloc + 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}

		if ptr == nil {
			t.Fatal("allocate returned nil for nonzero size")
		}

		data := unsafe.Slice((*byte)(ptr), MaxHeapAlloc+1)
		data[0] = 0xAB
		data[len(data)-1] = 0xCD

		if data[0] != 0xAB || data[len(data)-1] != 0xCD {
			t.Fatal("written mapping bytes did not read back correctly")
		}

		if err := m.free(ptr); err != nil {
			t.Fatalf("free: %v", err)
		}
	})

	t.Run("ZeroAllocation", func(t *testing.T) {
		m := newTestMapping(t, false)

		ptr, err := m.allocate(0)
		if err != nil {
			t.Fatalf("allocate(0): %v", err)
		}

		if ptr != nil {
			t.Fatal("allocate(0) should return a nil pointer")
		}
	})

	t.Run("PageAligned", func(t *testing.T) {
		m := newTestMapping(t, false)

		ptr, err := m.allocate(1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}

		addr := uintptr(ptr) - HeaderSize
		if addr%m.pageSize != 0 {
			t.Fatalf("mapping base %#x is not page-aligned to %d", addr, m.pageSize)
		}

		if err := m.free(ptr); err != nil {
			t.Fatalf("free: %v", err)
		}
	})

	t.Run("DoubleFreeFails", func(t *testing.T) {
		// Only the validating (Debugger) free path checks chain membership
		// before reading the header; the production path would read the
		// header of the already-unmapped block in place.
		m := newTestMapping(t, true)

		ptr, err := m.allocate(4096)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}

		if err := m.free(ptr); err != nil {
			t.Fatalf("first free: %v", err)
		}

		if err := m.free(ptr); err == nil {
			t.Fatal("second free of an already-unmapped pointer should fail")
		}
	})

	t.Run("DebugModeRejectsUnknownPointer", func(t *testing.T) {
		m := newTestMapping(t, true)

		var local [HeaderSize + 8]byte

		bogus := unsafe.Pointer(&local[HeaderSize])
		if err := m.free(bogus); err == nil {
			t.Fatal("debug-mode free should reject a pointer never returned by allocate")
		}
	})

	t.Run("MultipleMappingsChain", func(t *testing.T) {
		m := newTestMapping(t, false)

		a, err := m.allocate(4096)
		if err != nil {
			t.Fatalf("allocate a: %v", err)
		}

		b, err := m.allocate(8192)
		if err != nil {
			t.Fatalf("allocate b: %v", err)
		}

		if m.head == 0 || m.tail == 0 {
			t.Fatal("chain head/tail should be populated after two allocations")
		}

		if err := m.free(a); err != nil {
			t.Fatalf("free a: %v", err)
		}

		if err := m.free(b); err != nil {
			t.Fatalf("free b: %v", err)
		}

		if m.head != 0 || m.tail != 0 {
			t.Fatal("chain should be empty once every mapping is freed")
		}
	})
}
