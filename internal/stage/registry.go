package stage

import (
	"log/slog"

	"github.com/arkver/hvstage/internal/mem"
)

// Registry owns the staged binaries of one boot session: at most one
// hypervisor and an ordered list of modules. It is not goroutine-safe; the
// boot session is single threaded.
type Registry struct {
	hypervisor *Binary
	modules    []*Binary
}

// SetHypervisor stores the hypervisor record. Replacing an occupied slot is
// the caller's job: the loader releases the previous session before staging
// a new hypervisor.
func (r *Registry) SetHypervisor(b *Binary) {
	r.hypervisor = b
}

// Hypervisor returns the staged hypervisor record, or nil.
func (r *Registry) Hypervisor() *Binary { return r.hypervisor }

// PushModule appends a module record, preserving insertion order.
func (r *Registry) PushModule(b *Binary) {
	r.modules = append(r.modules, b)
}

// Modules returns the module records in insertion order.
func (r *Registry) Modules() []*Binary { return r.modules }

// Len returns the total number of staged records.
func (r *Registry) Len() int {
	n := len(r.modules)
	if r.hypervisor != nil {
		n++
	}
	return n
}

// ForEach visits the hypervisor (when present) and then every module in
// insertion order, exactly once each. The visitor may release the record it
// is handed as its last action on it.
func (r *Registry) ForEach(fn func(*Binary) error) error {
	if r.hypervisor != nil {
		if err := fn(r.hypervisor); err != nil {
			return err
		}
	}
	for _, m := range r.modules {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll releases every staged record's pages and boot arguments and
// empties the registry. Calling it on an empty registry is a no-op. Free
// failures are logged, not propagated; teardown always completes.
func (r *Registry) ReleaseAll(alloc mem.PageAllocator) {
	if r.hypervisor != nil {
		Release(alloc, r.hypervisor)
	}
	for _, m := range r.modules {
		Release(alloc, m)
	}
	r.hypervisor = nil
	r.modules = nil
}

// Release returns a record's pages to the allocator and clears its staged
// state. Safe to call on a record that was never staged.
func Release(alloc mem.PageAllocator, b *Binary) {
	if b == nil {
		return
	}
	if b.Staged() {
		pages := mem.PagesFor(b.Size, b.Align)
		if err := alloc.FreePages(b.Addr, pages); err != nil {
			slog.Warn("free staged binary", "name", b.Name, "addr", b.Addr, "pages", pages, "err", err)
		}
		slog.Debug("released staged binary", "name", b.Name, "addr", b.Addr, "pages", pages)
	}
	b.Addr = 0
	b.Size = 0
	b.BootArgs = nil
}
