// Package hvimg validates hypervisor boot images.
//
// An arm64 hypervisor image starts with the 64-byte arm64 kernel header,
// immediately followed by a PE signature, the COFF file header, and a PE32+
// optional header. The optional header's SectionAlignment field dictates the
// alignment the image must be loaded at.
package hvimg

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/arkver/hvstage/internal/stage"
)

const (
	kernelHeaderSize = 64
	arm64ImageMagic  = 0x644d5241 // "ARM\x64"

	coffHeaderSize = 20
	pe32PlusMagic  = 0x20b

	// PE32+ optional header without the data directories.
	optionalHeaderSize = 112

	// headerSize covers everything through the optional header.
	headerSize = kernelHeaderSize + 4 + coffHeaderSize + optionalHeaderSize
)

// Header carries the fields of a validated hypervisor image header that
// matter for placement.
type Header struct {
	// TextOffset is the image's requested offset from its aligned base.
	TextOffset uint64
	// ImageSize is the effective image size declared by the kernel header.
	ImageSize uint64
	// SectionAlignment is the load alignment demanded by the PE32+ optional
	// header.
	SectionAlignment uint64
}

// ReadHeader reads and validates the combined arm64/PE header at the start
// of src. A failed check reports stage.ErrCorruptImage.
func ReadHeader(src io.ReaderAt) (*Header, error) {
	buf := make([]byte, headerSize)
	if n, err := src.ReadAt(buf, 0); n < len(buf) {
		if err == nil || err == io.EOF {
			return nil, fmt.Errorf("%w: image shorter than its header (%d of %d bytes)",
				stage.ErrCorruptImage, n, headerSize)
		}
		return nil, fmt.Errorf("%w: read image header: %v", stage.ErrCorruptImage, err)
	}

	if magic := binary.LittleEndian.Uint32(buf[56:60]); magic != arm64ImageMagic {
		return nil, fmt.Errorf("%w: bad arm64 image magic %#x", stage.ErrCorruptImage, magic)
	}

	peOff := kernelHeaderSize
	if string(buf[peOff:peOff+4]) != "PE\x00\x00" {
		return nil, fmt.Errorf("%w: missing PE signature", stage.ErrCorruptImage)
	}

	optOff := peOff + 4 + coffHeaderSize
	if magic := binary.LittleEndian.Uint16(buf[optOff : optOff+2]); magic != pe32PlusMagic {
		return nil, fmt.Errorf("%w: optional header magic %#x is not PE32+", stage.ErrCorruptImage, magic)
	}

	return &Header{
		TextOffset:       binary.LittleEndian.Uint64(buf[8:16]),
		ImageSize:        binary.LittleEndian.Uint64(buf[16:24]),
		SectionAlignment: uint64(binary.LittleEndian.Uint32(buf[optOff+32 : optOff+36])),
	}, nil
}
