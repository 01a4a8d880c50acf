// Command optiheap-cli exercises the OptiHeap allocator from the command
// line: allocate a handful of blocks, optionally under reference counting
// (releasing them with Release instead of Free), print a heap/mapping dump,
// and report any blocks still live on exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/optiheap/optiheap/internal/optiheap"
)

func main() {
	var (
		allocations       int
		blockSize         int
		largeBlockSize    int
		referenceCounting bool
		debugger          bool
		abiConstraint     string
	)

	flag.IntVar(&allocations, "allocations", 8, "number of small blocks to allocate")
	flag.IntVar(&blockSize, "block-size", 256, "size in bytes of each small block")
	flag.IntVar(&largeBlockSize, "large-block-size", 0, "size in bytes of one mapping-engine block, 0 to skip")
	flag.BoolVar(&referenceCounting, "refcount", false, "allocate under reference counting instead of plain Allocate/Free")
	flag.BoolVar(&debugger, "debug", false, "enable debug dumps and the validating mapping free path")
	flag.StringVar(&abiConstraint, "abi", "", "semver constraint Version must satisfy, e.g. ^1.0.0")

	flag.Parse()

	opts := []optiheap.Option{
		optiheap.WithDebugger(debugger),
		optiheap.WithReferenceCounting(referenceCounting),
	}

	if abiConstraint != "" {
		opts = append(opts, optiheap.WithABIConstraint(abiConstraint))
	}

	alloc, err := optiheap.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "optiheap-cli: %v\n", err)
		os.Exit(1)
	}

	var ptrs []unsafe.Pointer

	for i := 0; i < allocations; i++ {
		ptr, err := newBlock(alloc, uintptr(blockSize), referenceCounting)
		if err != nil {
			fmt.Fprintf(os.Stderr, "optiheap-cli: allocate block %d: %v\n", i, err)
			os.Exit(1)
		}

		ptrs = append(ptrs, ptr)
	}

	if largeBlockSize > 0 {
		ptr, err := newBlock(alloc, uintptr(largeBlockSize), referenceCounting)
		if err != nil {
			fmt.Fprintf(os.Stderr, "optiheap-cli: allocate large block: %v\n", err)
			os.Exit(1)
		}

		ptrs = append(ptrs, ptr)
	}

	if debugger {
		fmt.Println("--- heap ---")
		_ = alloc.DumpHeap(os.Stdout)
		fmt.Println("--- mapping ---")
		_ = alloc.DumpMapping(os.Stdout)
	}

	// Release every other block to exercise both the live and the freed
	// path before reporting.
	for i, ptr := range ptrs {
		if i%2 != 0 {
			continue
		}

		if err := releaseOne(alloc, ptr, referenceCounting); err != nil {
			fmt.Fprintf(os.Stderr, "optiheap-cli: release block %d: %v\n", i, err)
		}
	}

	leaks, err := alloc.Leaks()
	if err != nil {
		fmt.Fprintf(os.Stderr, "optiheap-cli: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(optiheap.FormatLeaks(leaks))

	if referenceCounting {
		fmt.Printf("reference-counted blocks still live: %d\n", alloc.VerifyReferenceCounting())
	}
}

func newBlock(alloc *optiheap.Allocator, size uintptr, referenceCounting bool) (unsafe.Pointer, error) {
	if referenceCounting {
		return alloc.ReferenceAllocate(size, nil)
	}

	return alloc.Allocate(size)
}

func releaseOne(alloc *optiheap.Allocator, ptr unsafe.Pointer, referenceCounting bool) error {
	if referenceCounting {
		return alloc.Release(ptr)
	}

	return alloc.Free(ptr)
}
