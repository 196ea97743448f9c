// Package mem provides page-granular placement arithmetic and the physical
// page allocator interface used when staging boot images.
package mem

import "fmt"

// PageSize is the allocation granularity for staged images.
const PageSize = 4096

// AlignUp rounds addr up to the next multiple of align. An align of zero
// leaves addr unchanged.
func AlignUp(addr, align uint64) uint64 {
	if align == 0 {
		return addr
	}
	mask := align - 1
	return (addr + mask) &^ mask
}

// AlignDown rounds addr down to a multiple of align. An align of zero leaves
// addr unchanged.
func AlignDown(addr, align uint64) uint64 {
	if align == 0 {
		return addr
	}
	return addr &^ (align - 1)
}

// PagesFor returns the number of pages to request for an image of size bytes
// that must start on an align boundary. The allocation is padded by align
// bytes so an aligned usable region of size bytes fits no matter where the
// allocator places the raw region.
func PagesFor(size, align uint64) int {
	total := size + align
	if total < size {
		panic(fmt.Sprintf("mem: page count overflow (size %#x align %#x)", size, align))
	}
	return int((total + PageSize - 1) / PageSize)
}

// PageAllocator hands out runs of physical pages and exposes a byte window
// into them so image bytes can be written at a physical address.
//
// Implementations are not required to be goroutine-safe; the boot session is
// single threaded.
type PageAllocator interface {
	// AllocatePages returns the physical address of a run of n pages.
	AllocatePages(n int) (uint64, error)

	// FreePages releases a run previously returned by AllocatePages. The
	// (addr, n) pair must match the original allocation.
	FreePages(addr uint64, n int) error

	// Slice returns a mutable window of size bytes starting at the physical
	// address addr.
	Slice(addr, size uint64) ([]byte, error)
}
