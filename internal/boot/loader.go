// Package boot orchestrates a staged hypervisor boot session: hypervisor
// load, module loads, boot parameter assembly, and the final control
// transfer, with full teardown on failure or unload.
package boot

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/arkver/hvstage/internal/fdt"
	"github.com/arkver/hvstage/internal/hvimg"
	"github.com/arkver/hvstage/internal/mem"
	"github.com/arkver/hvstage/internal/stage"
)

// ParamInstaller supplies, installs, and discards the boot parameter blob on
// behalf of the next-stage image.
type ParamInstaller interface {
	// Create returns a parameter blob with at least estimate bytes of room
	// for edits.
	Create(estimate int) (*fdt.Blob, error)

	// Install hands the finished blob to the next-stage image.
	Install(blob *fdt.Blob) error

	// Discard drops any created or installed blob. Safe to call when none
	// exists.
	Discard()
}

// Booter transfers control to the staged hypervisor. BootImage does not
// return on success; a return value is always a failure.
type Booter interface {
	BootImage(addr, size uint64, args []byte) error
}

// BooterFunc adapts a function to the Booter interface.
type BooterFunc func(addr, size uint64, args []byte) error

// BootImage implements Booter.
func (f BooterFunc) BootImage(addr, size uint64, args []byte) error {
	return f(addr, size, args)
}

// Validator checks a hypervisor image's format and reports the placement
// constraints its header declares.
type Validator func(src io.ReaderAt) (*hvimg.Header, error)

// Loader is one boot session. It owns the staging registry and drives the
// load -> finalize -> boot -> unload lifecycle. Not goroutine-safe.
type Loader struct {
	alloc    mem.PageAllocator
	params   ParamInstaller
	booter   Booter
	validate Validator

	reg    stage.Registry
	loaded bool
}

// New returns an idle Loader using hvimg.ReadHeader as its image validator.
func New(alloc mem.PageAllocator, params ParamInstaller, booter Booter) *Loader {
	return &Loader{
		alloc:    alloc,
		params:   params,
		booter:   booter,
		validate: hvimg.ReadHeader,
	}
}

// SetValidator replaces the hypervisor image validator.
func (l *Loader) SetValidator(v Validator) { l.validate = v }

// Loaded reports whether a hypervisor is staged.
func (l *Loader) Loaded() bool { return l.loaded }

// Registry exposes the staged records, hypervisor first.
func (l *Loader) Registry() *stage.Registry { return &l.reg }

// LoadHypervisor validates and stages a hypervisor image. Any previously
// staged session is released first; on failure the loader is left idle with
// nothing staged.
func (l *Loader) LoadHypervisor(src io.ReaderAt, size int64, args []string) error {
	hdr, err := l.validate(src)
	if err != nil {
		l.teardown()
		return fmt.Errorf("validate hypervisor image: %w", err)
	}

	// The previous session, if any, is torn down before the new hypervisor
	// takes its place.
	l.teardown()

	hv := stage.NewHypervisor(hdr.SectionAlignment)
	if err := stage.Stage(l.alloc, hv, src, size, args); err != nil {
		l.teardown()
		return fmt.Errorf("stage hypervisor: %w", err)
	}

	l.reg.SetHypervisor(hv)
	l.loaded = true
	slog.Debug("hypervisor staged",
		"addr", fmt.Sprintf("%#x", hv.AlignedAddr()),
		"size", hv.Size,
		"align", fmt.Sprintf("%#x", hv.Align))
	return nil
}

// LoadModule stages one auxiliary module. The hypervisor must already be
// staged. Failure unwinds only this module; earlier records are preserved.
func (l *Loader) LoadModule(cat stage.Category, compat string, src io.ReaderAt, size int64, args []string) error {
	if !l.loaded {
		return fmt.Errorf("%w: hypervisor must be loaded first", stage.ErrBadArgument)
	}

	mod, err := stage.NewModule(cat, compat)
	if err != nil {
		return err
	}
	if err := stage.Stage(l.alloc, mod, src, size, args); err != nil {
		return fmt.Errorf("stage %s module: %w", cat, err)
	}

	l.reg.PushModule(mod)
	slog.Debug("module staged",
		"name", mod.Name,
		"category", cat.String(),
		"addr", fmt.Sprintf("%#x", mod.AlignedAddr()),
		"size", mod.Size)
	return nil
}

// Boot assembles the boot parameters and transfers control to the staged
// hypervisor. It only returns on failure.
func (l *Loader) Boot() error {
	if !l.loaded {
		return fmt.Errorf("%w: hypervisor must be loaded first", stage.ErrBadArgument)
	}

	if err := l.finalizeParams(); err != nil {
		return err
	}

	hv := l.reg.Hypervisor()
	err := l.booter.BootImage(hv.AlignedAddr(), hv.Size, hv.BootArgs)
	if err == nil {
		err = fmt.Errorf("%w: control transfer returned", stage.ErrIO)
	}
	return err
}

// Unload releases every staged binary and any installed parameter blob and
// returns the loader to idle. It always succeeds and may be called in any
// state.
func (l *Loader) Unload() {
	l.teardown()
}

func (l *Loader) teardown() {
	l.reg.ReleaseAll(l.alloc)
	l.params.Discard()
	l.loaded = false
}
