package mem

import "testing"

func TestAlignUpZeroAlignIsIdentity(t *testing.T) {
	for _, addr := range []uint64{0, 1, 0xfff, 0x1000, 0xdeadbeef} {
		if got := AlignUp(addr, 0); got != addr {
			t.Fatalf("AlignUp(%#x, 0) = %#x, want %#x", addr, got, addr)
		}
	}
}

func TestAlignUpProperties(t *testing.T) {
	aligns := []uint64{1, 2, 8, 0x1000, 0x200000}
	addrs := []uint64{0, 1, 0x7ff, 0x1000, 0x1001, 0x1fffff, 0x40000000}

	for _, align := range aligns {
		for _, addr := range addrs {
			got := AlignUp(addr, align)
			if got%align != 0 {
				t.Fatalf("AlignUp(%#x, %#x) = %#x, not a multiple of align", addr, align, got)
			}
			if got < addr {
				t.Fatalf("AlignUp(%#x, %#x) = %#x, below input", addr, align, got)
			}
			if got-addr >= align {
				t.Fatalf("AlignUp(%#x, %#x) = %#x, overshoots by %#x", addr, align, got, got-addr)
			}
		}
	}
}

func TestAlignDown(t *testing.T) {
	if got := AlignDown(0x1fff, 0x1000); got != 0x1000 {
		t.Fatalf("AlignDown(0x1fff, 0x1000) = %#x, want 0x1000", got)
	}
	if got := AlignDown(0x1234, 0); got != 0x1234 {
		t.Fatalf("AlignDown(0x1234, 0) = %#x, want 0x1234", got)
	}
}

func TestPagesForCoversAlignedRegion(t *testing.T) {
	sizes := []uint64{1, PageSize - 1, PageSize, PageSize + 1, 0x100000}
	aligns := []uint64{0, 8, 0x1000, 0x200000}

	for _, size := range sizes {
		for _, align := range aligns {
			pages := PagesFor(size, align)
			bytes := uint64(pages) * PageSize

			// Worst case: the raw allocation starts one byte past an
			// aligned boundary.
			for _, base := range []uint64{0, 1, PageSize, 0x200000 - PageSize} {
				usable := AlignUp(base, align)
				if usable+size > base+bytes {
					t.Fatalf("PagesFor(%#x, %#x) = %d pages: aligned region [%#x, %#x) escapes allocation [%#x, %#x)",
						size, align, pages, usable, usable+size, base, base+bytes)
				}
			}
		}
	}
}
