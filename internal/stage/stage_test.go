package stage

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/arkver/hvstage/internal/mem"
)

// fakeAllocator is a deterministic PageAllocator for tests. It hands out
// consecutive page runs from a fixed base and records every free.
type fakeAllocator struct {
	next     uint64
	backing  map[uint64][]byte
	frees    int
	failNext bool
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 0x40000000, backing: make(map[uint64][]byte)}
}

func (f *fakeAllocator) AllocatePages(n int) (uint64, error) {
	if f.failNext {
		f.failNext = false
		return 0, errors.New("injected allocation failure")
	}
	addr := f.next
	f.next += uint64(n) * mem.PageSize
	f.backing[addr] = make([]byte, n*mem.PageSize)
	return addr, nil
}

func (f *fakeAllocator) FreePages(addr uint64, n int) error {
	buf, ok := f.backing[addr]
	if !ok {
		return fmt.Errorf("free of unallocated address %#x", addr)
	}
	if len(buf) != n*mem.PageSize {
		return fmt.Errorf("free of %d pages at %#x, allocation was %d", n, addr, len(buf)/mem.PageSize)
	}
	delete(f.backing, addr)
	f.frees++
	return nil
}

func (f *fakeAllocator) Slice(addr, size uint64) ([]byte, error) {
	for base, buf := range f.backing {
		if addr >= base && addr+size <= base+uint64(len(buf)) {
			off := addr - base
			return buf[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("no allocation covers [%#x, %#x)", addr, addr+size)
}

func (f *fakeAllocator) outstanding() int { return len(f.backing) }

func TestStageCommitsRecord(t *testing.T) {
	alloc := newFakeAllocator()
	bin, err := NewModule(CategoryImage, "")
	if err != nil {
		t.Fatalf("NewModule returned error: %v", err)
	}

	img := bytes.Repeat([]byte{0xab}, 3*mem.PageSize+17)
	if err := Stage(alloc, bin, bytes.NewReader(img), int64(len(img)), []string{"root=/dev/xvda1"}); err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}

	if !bin.Staged() {
		t.Fatalf("record not staged after successful Stage")
	}
	if bin.Size != uint64(len(img)) {
		t.Fatalf("Size = %d, want %d", bin.Size, len(img))
	}
	if want := []byte("root=/dev/xvda1\x00"); !bytes.Equal(bin.BootArgs, want) {
		t.Fatalf("BootArgs = %q, want %q", bin.BootArgs, want)
	}

	buf, err := alloc.Slice(bin.AlignedAddr(), bin.Size)
	if err != nil {
		t.Fatalf("Slice returned error: %v", err)
	}
	if !bytes.Equal(buf, img) {
		t.Fatalf("staged bytes differ from source image")
	}
}

func TestStageWithoutArgsLeavesBootArgsAbsent(t *testing.T) {
	alloc := newFakeAllocator()
	bin, _ := NewModule(CategoryInitrd, "")
	img := make([]byte, 100)
	if err := Stage(alloc, bin, bytes.NewReader(img), int64(len(img)), nil); err != nil {
		t.Fatalf("Stage returned error: %v", err)
	}
	if bin.BootArgs != nil {
		t.Fatalf("BootArgs = %q, want nil", bin.BootArgs)
	}
}

func TestStageRejectsEmptyImage(t *testing.T) {
	alloc := newFakeAllocator()
	bin, _ := NewModule(CategoryImage, "")
	err := Stage(alloc, bin, bytes.NewReader(nil), 0, nil)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Stage on empty image = %v, want ErrIO", err)
	}
	if alloc.outstanding() != 0 {
		t.Fatalf("allocation leaked on empty image")
	}
}

func TestStageAllocationFailureLeavesRecordUntouched(t *testing.T) {
	alloc := newFakeAllocator()
	alloc.failNext = true
	bin, _ := NewModule(CategoryImage, "")
	err := Stage(alloc, bin, bytes.NewReader(make([]byte, 64)), 64, nil)
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("Stage = %v, want ErrOutOfMemory", err)
	}
	if bin.Staged() || bin.BootArgs != nil {
		t.Fatalf("record mutated on allocation failure: %+v", bin)
	}
}

func TestStageShortReadRollsBack(t *testing.T) {
	alloc := newFakeAllocator()
	bin, _ := NewModule(CategoryImage, "")

	// Claim more bytes than the source holds.
	err := Stage(alloc, bin, bytes.NewReader(make([]byte, 64)), 4096, []string{"x"})
	if !errors.Is(err, ErrCorruptImage) {
		t.Fatalf("Stage = %v, want ErrCorruptImage", err)
	}
	if bin.Staged() {
		t.Fatalf("record staged after short read")
	}
	if bin.BootArgs != nil {
		t.Fatalf("BootArgs set after failed stage")
	}
	if alloc.outstanding() != 0 {
		t.Fatalf("allocation leaked after short read (%d outstanding)", alloc.outstanding())
	}
	if alloc.frees != 1 {
		t.Fatalf("frees = %d, want 1", alloc.frees)
	}
}

func TestNewModuleCategories(t *testing.T) {
	tests := []struct {
		cat    Category
		compat string
		first  string
		owned  bool
	}{
		{CategoryImage, "", "multiboot,kernel", false},
		{CategoryInitrd, "", "multiboot,ramdisk", false},
		{CategorySecurityPolicy, "", "xen,xsm-policy", false},
		{CategoryCustom, "", "multiboot,module", false},
		{CategoryCustom, "acme,blob", "acme,blob", true},
	}
	for _, tt := range tests {
		bin, err := NewModule(tt.cat, tt.compat)
		if err != nil {
			t.Fatalf("NewModule(%v, %q) returned error: %v", tt.cat, tt.compat, err)
		}
		if bin.Compat.First() != tt.first {
			t.Fatalf("NewModule(%v) compat = %q, want %q", tt.cat, bin.Compat.First(), tt.first)
		}
		if bin.Compat.Owned() != tt.owned {
			t.Fatalf("NewModule(%v) owned = %v, want %v", tt.cat, bin.Compat.Owned(), tt.owned)
		}
		if bin.Name != tt.first {
			t.Fatalf("NewModule(%v) name = %q, want %q", tt.cat, bin.Name, tt.first)
		}
	}
}

func TestNewModuleRejectsCompatOnSharedCategories(t *testing.T) {
	if _, err := NewModule(CategoryImage, "acme,blob"); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("NewModule(kernel, compat) = %v, want ErrBadArgument", err)
	}
	if _, err := NewModule(Category(42), ""); !errors.Is(err, ErrBadArgument) {
		t.Fatalf("NewModule(bogus) = %v, want ErrBadArgument", err)
	}
}

func TestOwnedCompatAddsTerminator(t *testing.T) {
	c := OwnedCompat("acme,blob")
	if got := c.Bytes(); !bytes.Equal(got, []byte("acme,blob\x00")) {
		t.Fatalf("OwnedCompat bytes = %q", got)
	}
	if c.Len() != len("acme,blob")+1 {
		t.Fatalf("OwnedCompat len = %d", c.Len())
	}
	// Already terminated strings are not double terminated.
	c = OwnedCompat("acme,blob\x00")
	if c.Len() != len("acme,blob")+1 {
		t.Fatalf("OwnedCompat len = %d after explicit terminator", c.Len())
	}
}

func TestRegistryForEachOrderAndReleaseAll(t *testing.T) {
	alloc := newFakeAllocator()
	reg := &Registry{}

	hv := NewHypervisor(0x200000)
	if err := Stage(alloc, hv, bytes.NewReader(make([]byte, 128)), 128, []string{"console=dtuart"}); err != nil {
		t.Fatalf("Stage hypervisor returned error: %v", err)
	}
	reg.SetHypervisor(hv)

	var names []string
	for i, cat := range []Category{CategoryImage, CategoryInitrd, CategorySecurityPolicy} {
		m, _ := NewModule(cat, "")
		if err := Stage(alloc, m, bytes.NewReader(make([]byte, 64)), 64, nil); err != nil {
			t.Fatalf("Stage module %d returned error: %v", i, err)
		}
		reg.PushModule(m)
		names = append(names, m.Name)
	}

	var visited []string
	if err := reg.ForEach(func(b *Binary) error {
		visited = append(visited, b.Name)
		return nil
	}); err != nil {
		t.Fatalf("ForEach returned error: %v", err)
	}
	want := append([]string{HypervisorName}, names...)
	if len(visited) != len(want) {
		t.Fatalf("visited %d records, want %d", len(visited), len(want))
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("visit order %v, want %v", visited, want)
		}
	}

	if reg.Len() != 4 {
		t.Fatalf("Len = %d, want 4", reg.Len())
	}

	reg.ReleaseAll(alloc)
	if alloc.outstanding() != 0 {
		t.Fatalf("%d allocations leaked after ReleaseAll", alloc.outstanding())
	}
	if alloc.frees != 4 {
		t.Fatalf("frees = %d, want 4", alloc.frees)
	}
	if reg.Len() != 0 || reg.Hypervisor() != nil {
		t.Fatalf("registry not empty after ReleaseAll")
	}

	// Idempotent on an empty registry.
	reg.ReleaseAll(alloc)
	if alloc.frees != 4 {
		t.Fatalf("ReleaseAll on empty registry freed again (frees = %d)", alloc.frees)
	}
}
