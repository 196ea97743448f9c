// Package stage holds the registry of staged boot binaries: the hypervisor
// singleton and its ordered auxiliary modules, together with the stager that
// places image bytes into allocated physical pages.
package stage

import (
	"fmt"
	"strings"

	"github.com/arkver/hvstage/internal/mem"
)

// Category classifies a staged module and selects its default alignment and
// compatibility string.
type Category int

const (
	// CategoryImage is the dom0 kernel image.
	CategoryImage Category = iota
	// CategoryInitrd is the dom0 ramdisk.
	CategoryInitrd
	// CategorySecurityPolicy is a security policy blob.
	CategorySecurityPolicy
	// CategoryCustom is a caller-defined blob with its own compatibility
	// string.
	CategoryCustom
)

// Compatibility strings are NUL-separated lists, stored with every
// terminator included so their length matches what goes into the
// compatible property.
const (
	compatImage          = "multiboot,kernel\x00multiboot,module\x00"
	compatInitrd         = "multiboot,ramdisk\x00multiboot,module\x00"
	compatSecurityPolicy = "xen,xsm-policy\x00multiboot,module\x00"
	compatCustom         = "multiboot,module\x00"
)

func (c Category) String() string {
	switch c {
	case CategoryImage:
		return "kernel"
	case CategoryInitrd:
		return "ramdisk"
	case CategorySecurityPolicy:
		return "security-policy"
	case CategoryCustom:
		return "custom"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// DefaultAlign returns the start alignment required for modules of this
// category. Module categories accept any placement; the hypervisor derives
// its alignment from its image header instead.
func (c Category) DefaultAlign() uint64 { return 0 }

func (c Category) defaultCompat() string {
	switch c {
	case CategoryImage:
		return compatImage
	case CategoryInitrd:
		return compatInitrd
	case CategorySecurityPolicy:
		return compatSecurityPolicy
	default:
		return compatCustom
	}
}

// Compat is a compatibility string for a device-tree node: either one of the
// shared per-category defaults or a caller-owned string for custom modules.
type Compat struct {
	value string
	owned bool
}

// SharedCompat returns the default compatibility string of a category.
func SharedCompat(c Category) Compat {
	return Compat{value: c.defaultCompat()}
}

// OwnedCompat wraps a caller-supplied compatibility string, adding the
// trailing NUL when missing.
func OwnedCompat(s string) Compat {
	if !strings.HasSuffix(s, "\x00") {
		s += "\x00"
	}
	return Compat{value: s, owned: true}
}

// Bytes returns the property value, NUL separators and terminator included.
func (c Compat) Bytes() []byte { return []byte(c.value) }

// Len returns the property length in bytes.
func (c Compat) Len() int { return len(c.value) }

// Owned reports whether the string was supplied by the caller rather than
// shared from the category defaults.
func (c Compat) Owned() bool { return c.owned }

// First returns the first NUL-separated entry, used as a display name.
func (c Compat) First() string {
	if i := strings.IndexByte(c.value, 0); i >= 0 {
		return c.value[:i]
	}
	return c.value
}

// Binary describes one staged image: the hypervisor or a module. Addr is
// zero until the stager commits an allocation.
type Binary struct {
	Name     string
	Category Category
	Compat   Compat

	Addr  uint64
	Size  uint64
	Align uint64

	// BootArgs is the concatenated boot argument string. nil means no boot
	// arguments; an empty non-nil slice is a present, empty string.
	BootArgs []byte
}

// HypervisorName is the record name of the staged hypervisor.
const HypervisorName = "hypervisor"

// NewHypervisor returns an unstaged hypervisor record. The alignment comes
// from the image's own header.
func NewHypervisor(align uint64) *Binary {
	return &Binary{Name: HypervisorName, Category: CategoryImage, Align: align}
}

// NewModule returns an unstaged module record of the given category. A
// non-empty compat forces a custom record owning that compatibility string.
func NewModule(cat Category, compat string) (*Binary, error) {
	switch cat {
	case CategoryImage, CategoryInitrd, CategorySecurityPolicy:
		if compat != "" {
			return nil, fmt.Errorf("%w: compatibility override requires the custom category", ErrBadArgument)
		}
		c := SharedCompat(cat)
		return &Binary{Name: c.First(), Category: cat, Compat: c, Align: cat.DefaultAlign()}, nil
	case CategoryCustom:
		c := SharedCompat(CategoryCustom)
		if compat != "" {
			c = OwnedCompat(compat)
		}
		return &Binary{Name: c.First(), Category: cat, Compat: c, Align: cat.DefaultAlign()}, nil
	default:
		return nil, fmt.Errorf("%w: unknown module category %d", ErrBadArgument, int(cat))
	}
}

// Staged reports whether the record holds a committed allocation.
func (b *Binary) Staged() bool { return b.Addr != 0 && b.Size > 0 }

// AlignedAddr returns the usable start address inside the record's raw
// allocation.
func (b *Binary) AlignedAddr() uint64 { return mem.AlignUp(b.Addr, b.Align) }
