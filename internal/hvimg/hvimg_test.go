package hvimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/arkver/hvstage/internal/stage"
)

func buildTestImage(t *testing.T, sectionAlignment uint32) []byte {
	t.Helper()

	buf := make([]byte, headerSize+64)
	binary.LittleEndian.PutUint64(buf[8:16], 0x80000)   // text_offset
	binary.LittleEndian.PutUint64(buf[16:24], 0x200000) // image_size
	binary.LittleEndian.PutUint32(buf[56:60], arm64ImageMagic)

	copy(buf[kernelHeaderSize:], "PE\x00\x00")
	optOff := kernelHeaderSize + 4 + coffHeaderSize
	binary.LittleEndian.PutUint16(buf[optOff:optOff+2], pe32PlusMagic)
	binary.LittleEndian.PutUint32(buf[optOff+32:optOff+36], sectionAlignment)
	return buf
}

func TestReadHeaderParsesAlignment(t *testing.T) {
	img := buildTestImage(t, 0x200000)
	hdr, err := ReadHeader(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("ReadHeader returned error: %v", err)
	}
	if hdr.SectionAlignment != 0x200000 {
		t.Fatalf("SectionAlignment = %#x, want 0x200000", hdr.SectionAlignment)
	}
	if hdr.TextOffset != 0x80000 {
		t.Fatalf("TextOffset = %#x, want 0x80000", hdr.TextOffset)
	}
	if hdr.ImageSize != 0x200000 {
		t.Fatalf("ImageSize = %#x, want 0x200000", hdr.ImageSize)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	img := buildTestImage(t, 0x1000)
	binary.LittleEndian.PutUint32(img[56:60], 0x12345678)
	if _, err := ReadHeader(bytes.NewReader(img)); !errors.Is(err, stage.ErrCorruptImage) {
		t.Fatalf("ReadHeader = %v, want ErrCorruptImage", err)
	}
}

func TestReadHeaderRejectsMissingPESignature(t *testing.T) {
	img := buildTestImage(t, 0x1000)
	copy(img[kernelHeaderSize:], "XX\x00\x00")
	if _, err := ReadHeader(bytes.NewReader(img)); !errors.Is(err, stage.ErrCorruptImage) {
		t.Fatalf("ReadHeader = %v, want ErrCorruptImage", err)
	}
}

func TestReadHeaderRejectsPE32OptionalHeader(t *testing.T) {
	img := buildTestImage(t, 0x1000)
	optOff := kernelHeaderSize + 4 + coffHeaderSize
	binary.LittleEndian.PutUint16(img[optOff:optOff+2], 0x10b) // PE32, not PE32+
	if _, err := ReadHeader(bytes.NewReader(img)); !errors.Is(err, stage.ErrCorruptImage) {
		t.Fatalf("ReadHeader = %v, want ErrCorruptImage", err)
	}
}

func TestReadHeaderRejectsTruncatedImage(t *testing.T) {
	img := buildTestImage(t, 0x1000)
	if _, err := ReadHeader(bytes.NewReader(img[:80])); !errors.Is(err, stage.ErrCorruptImage) {
		t.Fatalf("ReadHeader = %v, want ErrCorruptImage", err)
	}
}
