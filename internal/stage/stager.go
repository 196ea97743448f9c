package stage

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/arkver/hvstage/internal/cmdline"
	"github.com/arkver/hvstage/internal/mem"
)

// Stage reads size bytes from src into freshly allocated pages, placing them
// at the record's aligned usable address, and attaches the concatenated boot
// arguments. On any failure the allocation is rolled back and the record is
// left unstaged; on success Addr, Size and BootArgs are committed together.
func Stage(alloc mem.PageAllocator, bin *Binary, src io.ReaderAt, size int64, args []string) error {
	if size <= 0 {
		return fmt.Errorf("%w: image %s has no size", ErrIO, bin.Name)
	}

	pages := mem.PagesFor(uint64(size), bin.Align)
	addr, err := alloc.AllocatePages(pages)
	if err != nil {
		return fmt.Errorf("%w: allocate %d pages for %s: %v", ErrOutOfMemory, pages, bin.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			if ferr := alloc.FreePages(addr, pages); ferr != nil {
				slog.Warn("rollback staged pages", "name", bin.Name, "addr", addr, "err", ferr)
			}
		}
	}()

	usable := mem.AlignUp(addr, bin.Align)
	buf, err := alloc.Slice(usable, uint64(size))
	if err != nil {
		return fmt.Errorf("%w: map staging window for %s: %v", ErrOutOfMemory, bin.Name, err)
	}

	n, err := src.ReadAt(buf, 0)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			return fmt.Errorf("%w: premature end of file for %s: read %d of %d bytes",
				ErrCorruptImage, bin.Name, n, size)
		}
		return fmt.Errorf("%w: read %s: %v", ErrCorruptImage, bin.Name, err)
	}

	var bootArgs []byte
	if len(args) > 0 {
		bootArgs = cmdline.Build(args)
	}

	bin.Addr = addr
	bin.Size = uint64(size)
	bin.BootArgs = bootArgs
	committed = true

	slog.Debug("staged binary",
		"name", bin.Name,
		"addr", fmt.Sprintf("%#x", addr),
		"usable", fmt.Sprintf("%#x", usable),
		"size", size,
		"pages", pages,
		"bootargs", len(bootArgs))
	return nil
}
