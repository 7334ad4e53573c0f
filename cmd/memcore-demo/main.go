package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/orizon-lang/memcore/internal/memory"
)

func main() {
	fmt.Println("memcore Memory Core Demo")
	fmt.Println("========================")
	fmt.Printf("Host reports %d logical CPUs\n", runtime.NumCPU())

	const capacity = 16 << 20

	if !memory.Startup(capacity) {
		fmt.Fprintln(os.Stderr, "failed to start the memory subsystem")
		os.Exit(1)
	}
	defer memory.Shutdown()

	fmt.Printf("Started the memory core over a %d byte region\n", capacity)

	ptr := memory.Allocate(256, memory.TagApplication)
	if ptr == nil {
		fmt.Fprintln(os.Stderr, "allocation failed")
		os.Exit(1)
	}

	fmt.Println("Allocated 256 bytes tagged 'application'")

	memory.Set(ptr, 0x42, 256)
	fmt.Println("Filled the block with a test byte pattern")

	memory.Free(ptr, 256, memory.TagApplication)
	fmt.Println("Freed the block")

	fmt.Println()
	fmt.Print(memory.Stat())
	fmt.Printf("Cumulative allocations: %d, cumulative frees: %d\n", memory.AllocationCount(), memory.FreeCount())
}
