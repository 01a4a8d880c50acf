package optiheap

import (
	"testing"
	"unsafe"
)

func newTestAllocator(t *testing.T, opts ...Option) *Allocator {
	t.Helper()

	base := []Option{
		WithHeapReservation(1 << 20),
		WithMappingPageSize(4096),
	}

	a, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return a
}

func TestAllocatorRouting(t *testing.T) {
	t.Run("SmallRequestUsesHeap", func(t *testing.T) {
		a := newTestAllocator(t)

		ptr, err := a.Allocate(256)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}

		if !a.InHeapRange(ptr) {
			t.Fatal("a request under the threshold should be served by the heap engine")
		}

		if err := a.Free(ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
	})

	t.Run("LargeRequestUsesMapping", func(t *testing.T) {
		a := newTestAllocator(t)

		ptr, err := a.Allocate(MaxHeapAlloc + 1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}

		if a.InHeapRange(ptr) {
			t.Fatal("a request over the threshold should be served by the mapping engine")
		}

		if err := a.Free(ptr); err != nil {
			t.Fatalf("Free: %v", err)
		}
	})

	t.Run("ThresholdBoundary", func(t *testing.T) {
		a := newTestAllocator(t)

		atThreshold, err := a.Allocate(MaxHeapAlloc)
		if err != nil {
			t.Fatalf("Allocate(MaxHeapAlloc): %v", err)
		}

		if !a.InHeapRange(atThreshold) {
			t.Fatal("a request exactly at the threshold belongs to the heap engine")
		}

		_ = a.Free(atThreshold)

		overThreshold, err := a.Allocate(MaxHeapAlloc + 1)
		if err != nil {
			t.Fatalf("Allocate(MaxHeapAlloc+1): %v", err)
		}

		if a.InHeapRange(overThreshold) {
			t.Fatal("one byte over the threshold must route to the mapping engine")
		}

		_ = a.Free(overThreshold)
	})

	t.Run("ZeroSizeReturnsNil", func(t *testing.T) {
		a := newTestAllocator(t)

		ptr, err := a.Allocate(0)
		if err != nil {
			t.Fatalf("Allocate(0): %v", err)
		}

		if ptr != nil {
			t.Fatal("Allocate(0) should return a nil pointer")
		}
	})

	t.Run("FreeNilIsNoOp", func(t *testing.T) {
		a := newTestAllocator(t)

		if err := a.Free(nil); err != nil {
			t.Fatalf("Free(nil) should never fail: %v", err)
		}
	})

	t.Run("FreeingStackPointerFails", func(t *testing.T) {
		a := newTestAllocator(t)

		var local int

		if err := a.Free(unsafe.Pointer(&local)); err == nil {
			t.Fatal("freeing a pointer OptiHeap never handed out should fail")
		}
	})

	t.Run("FreeingInteriorPointerFails", func(t *testing.T) {
		a := newTestAllocator(t)

		ptr, err := a.Allocate(256)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}

		interior := unsafe.Pointer(uintptr(ptr) + 16)
		if err := a.Free(interior); err == nil {
			t.Fatal("freeing an address in the middle of a live block should fail")
		}

		_ = a.Free(ptr)
	})
}

func TestABIConstraint(t *testing.T) {
	t.Run("SatisfiedConstraint", func(t *testing.T) {
		if _, err := New(WithABIConstraint("^1.0.0")); err != nil {
			t.Fatalf("New with a satisfied constraint should succeed: %v", err)
		}
	})

	t.Run("UnsatisfiedConstraint", func(t *testing.T) {
		_, err := New(WithABIConstraint("^2.0.0"))
		if err == nil {
			t.Fatal("New with an unsatisfiable constraint should fail")
		}
	})

	t.Run("MalformedConstraint", func(t *testing.T) {
		if _, err := New(WithABIConstraint("not a constraint")); err == nil {
			t.Fatal("New with a malformed constraint should fail")
		}
	})
}

func TestPackageLevelConvenience(t *testing.T) {
	if err := Init(WithHeapReservation(1 << 20), WithMappingPageSize(4096)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	ptr, err := Allocate(128)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if ptr == nil {
		t.Fatal("Allocate should return a usable pointer")
	}

	if err := Free(ptr); err != nil {
		t.Fatalf("Free: %v", err)
	}
}
