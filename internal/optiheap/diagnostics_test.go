package optiheap

import (
	"bytes"
	"strings"
	"testing"
)

func TestLeaks(t *testing.T) {
	a := newTestAllocator(t)

	small, err := a.Allocate(128)
	if err != nil {
		t.Fatalf("Allocate small: %v", err)
	}

	large, err := a.Allocate(MaxHeapAlloc + 1)
	if err != nil {
		t.Fatalf("Allocate large: %v", err)
	}

	leaks, err := a.Leaks()
	if err != nil {
		t.Fatalf("Leaks: %v", err)
	}

	if len(leaks) != 2 {
		t.Fatalf("expected 2 live allocations, got %d", len(leaks))
	}

	if err := a.Free(small); err != nil {
		t.Fatalf("Free small: %v", err)
	}

	leaks, err = a.Leaks()
	if err != nil {
		t.Fatalf("Leaks after free: %v", err)
	}

	if len(leaks) != 1 {
		t.Fatalf("expected 1 live allocation after freeing one, got %d", len(leaks))
	}

	if leaks[0].Engine != "mapping" {
		t.Fatalf("remaining leak should be reported as mapping-resident, got %q", leaks[0].Engine)
	}

	if err := a.Free(large); err != nil {
		t.Fatalf("Free large: %v", err)
	}

	leaks, err = a.Leaks()
	if err != nil {
		t.Fatalf("Leaks after freeing everything: %v", err)
	}

	if len(leaks) != 0 {
		t.Fatalf("expected no live allocations, got %d", len(leaks))
	}
}

func TestFormatLeaks(t *testing.T) {
	if got := FormatLeaks(nil); !strings.Contains(got, "no live allocations") {
		t.Fatalf("FormatLeaks(nil) = %q", got)
	}

	a := newTestAllocator(t)

	ptr, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	leaks, err := a.Leaks()
	if err != nil {
		t.Fatalf("Leaks: %v", err)
	}

	formatted := FormatLeaks(leaks)
	if !strings.Contains(formatted, "1 live allocations") {
		t.Fatalf("FormatLeaks output missing count: %q", formatted)
	}

	_ = a.Free(ptr)
}

func TestDumpHeapAndMapping(t *testing.T) {
	a := newTestAllocator(t)

	ptr, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	var heapBuf bytes.Buffer
	if err := a.DumpHeap(&heapBuf); err != nil {
		t.Fatalf("DumpHeap: %v", err)
	}

	if !strings.Contains(heapBuf.String(), "ALLOCATED") {
		t.Fatalf("heap dump should mention the live block: %q", heapBuf.String())
	}

	var mappingBuf bytes.Buffer
	if err := a.DumpMapping(&mappingBuf); err != nil {
		t.Fatalf("DumpMapping: %v", err)
	}

	if !strings.Contains(mappingBuf.String(), "pageSize") {
		t.Fatalf("mapping dump should mention the page size: %q", mappingBuf.String())
	}

	_ = a.Free(ptr)
}
