//go:build unix

package mem

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Arena is a PageAllocator backed by an anonymous memory mapping. Addresses
// handed out are guest-physical: they start at the configured base and map
// one-to-one onto the mapping.
type Arena struct {
	base      uint64
	mem       []byte
	nextPage  int
	allocated map[uint64]int // addr -> pages
	freeRuns  []pageRun
}

type pageRun struct {
	page  int
	count int
}

// NewArena maps size bytes (rounded up to whole pages) of anonymous memory
// and serves page allocations out of it starting at guest-physical base.
// Base must itself be page aligned.
func NewArena(base uint64, size int) (*Arena, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("arena base %#x is not page aligned", base)
	}
	if size <= 0 {
		return nil, fmt.Errorf("arena size must be positive (got %d)", size)
	}
	size = int(AlignUp(uint64(size), PageSize))

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("map arena of %d bytes: %w", size, err)
	}

	return &Arena{
		base:      base,
		mem:       mem,
		allocated: make(map[uint64]int),
	}, nil
}

// Base returns the guest-physical address of the first arena page.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// Close unmaps the arena. Outstanding allocations become invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	a.allocated = nil
	a.freeRuns = nil
	return unix.Munmap(mem)
}

// AllocatePages implements PageAllocator.
func (a *Arena) AllocatePages(n int) (uint64, error) {
	if a.mem == nil {
		return 0, fmt.Errorf("arena is closed")
	}
	if n <= 0 {
		return 0, fmt.Errorf("page count must be positive (got %d)", n)
	}

	page, ok := a.takeFreeRun(n)
	if !ok {
		if (a.nextPage+n)*PageSize > len(a.mem) {
			return 0, fmt.Errorf("arena exhausted: %d pages requested, %d available",
				n, len(a.mem)/PageSize-a.nextPage)
		}
		page = a.nextPage
		a.nextPage += n
	}

	addr := a.base + uint64(page)*PageSize
	a.allocated[addr] = n
	return addr, nil
}

// FreePages implements PageAllocator.
func (a *Arena) FreePages(addr uint64, n int) error {
	if a.mem == nil {
		return fmt.Errorf("arena is closed")
	}
	got, ok := a.allocated[addr]
	if !ok {
		return fmt.Errorf("free of unallocated address %#x", addr)
	}
	if got != n {
		return fmt.Errorf("free of %d pages at %#x, allocation was %d pages", n, addr, got)
	}
	delete(a.allocated, addr)

	page := int((addr - a.base) / PageSize)
	a.freeRuns = append(a.freeRuns, pageRun{page: page, count: n})
	a.coalesce()
	return nil
}

// Slice implements PageAllocator.
func (a *Arena) Slice(addr, size uint64) ([]byte, error) {
	if a.mem == nil {
		return nil, fmt.Errorf("arena is closed")
	}
	if addr < a.base {
		return nil, fmt.Errorf("address %#x below arena base %#x", addr, a.base)
	}
	off := addr - a.base
	if off+size > uint64(len(a.mem)) || off+size < off {
		return nil, fmt.Errorf("range [%#x, %#x) outside arena [%#x, %#x)",
			addr, addr+size, a.base, a.base+uint64(len(a.mem)))
	}
	return a.mem[off : off+size : off+size], nil
}

func (a *Arena) takeFreeRun(n int) (int, bool) {
	for i, run := range a.freeRuns {
		if run.count < n {
			continue
		}
		page := run.page
		if run.count == n {
			a.freeRuns = append(a.freeRuns[:i], a.freeRuns[i+1:]...)
		} else {
			a.freeRuns[i] = pageRun{page: run.page + n, count: run.count - n}
		}
		return page, true
	}
	return 0, false
}

func (a *Arena) coalesce() {
	if len(a.freeRuns) < 2 {
		return
	}
	sort.Slice(a.freeRuns, func(i, j int) bool {
		return a.freeRuns[i].page < a.freeRuns[j].page
	})
	out := a.freeRuns[:1]
	for _, run := range a.freeRuns[1:] {
		last := &out[len(out)-1]
		if last.page+last.count == run.page {
			last.count += run.count
		} else {
			out = append(out, run)
		}
	}
	a.freeRuns = out
}

var _ PageAllocator = (*Arena)(nil)
