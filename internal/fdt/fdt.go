// Package fdt edits Flattened Device Tree (FDT) blobs in place.
//
// Unlike an append-only builder, a Blob lives inside a fixed-capacity buffer
// sized before assembly begins. Nodes and properties are inserted by shifting
// the structure and strings blocks inside that buffer, so a caller that
// estimated the final size up front never pays for a reallocation mid-edit.
// Every mutation checks the remaining capacity and fails without side effects
// when the estimate was too small.
package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the value of the first header word of every FDT blob.
	Magic = 0xd00dfeed

	version         = 17
	lastCompVersion = 16
	headerSize      = 40

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// RootNode is the offset of the root node within the structure block.
const RootNode = 0

// Reservation is one entry of the memory reservation block.
type Reservation struct {
	Addr uint64
	Size uint64
}

// Blob is an FDT held in a fixed-capacity buffer, laid out as
// header | memory reservations | structure block | strings block.
//
// Node offsets returned by FindNode and AddSubnode are positions within the
// structure block. An edit invalidates offsets located after the edit point;
// offsets of enclosing or preceding nodes stay valid.
type Blob struct {
	buf         []byte
	offStruct   int
	sizeStruct  int
	offStrings  int
	sizeStrings int
}

// NewBlob returns an empty tree (a root node with no properties) inside a
// buffer of capacity bytes.
func NewBlob(capacity int) (*Blob, error) {
	return assemble(capacity, nil, emptyRoot())
}

// LoadBlob parses an existing FDT and re-houses it with extra bytes of spare
// capacity for further edits. Memory reservations are preserved.
func LoadBlob(dtb []byte, extra int) (*Blob, error) {
	if extra < 0 {
		return nil, fmt.Errorf("fdt: negative extra capacity %d", extra)
	}
	root, rsv, err := parseTree(dtb)
	if err != nil {
		return nil, err
	}
	var w treeWriter
	w.writeNode(root)
	blob, err := assemble(headerSize+16*(len(rsv)+1)+len(w.structure)+4+len(w.strings)+extra, rsv, w)
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func emptyRoot() treeWriter {
	var w treeWriter
	w.beginNode("")
	w.endNode()
	return w
}

func assemble(capacity int, rsv []Reservation, w treeWriter) (*Blob, error) {
	memRsvSize := 16 * (len(rsv) + 1) // terminating zero entry included
	sizeStruct := len(w.structure) + 4
	sizeStrings := len(w.strings)
	need := headerSize + memRsvSize + sizeStruct + sizeStrings
	if capacity < need {
		return nil, fmt.Errorf("fdt: capacity %d below minimum %d", capacity, need)
	}

	b := &Blob{
		buf:         make([]byte, capacity),
		offStruct:   headerSize + memRsvSize,
		sizeStruct:  sizeStruct,
		offStrings:  headerSize + memRsvSize + sizeStruct,
		sizeStrings: sizeStrings,
	}

	for i, r := range rsv {
		binary.BigEndian.PutUint64(b.buf[headerSize+16*i:], r.Addr)
		binary.BigEndian.PutUint64(b.buf[headerSize+16*i+8:], r.Size)
	}
	copy(b.buf[b.offStruct:], w.structure)
	binary.BigEndian.PutUint32(b.buf[b.offStruct+len(w.structure):], tokenEnd)
	copy(b.buf[b.offStrings:], w.strings)

	binary.BigEndian.PutUint32(b.buf[0:], Magic)
	binary.BigEndian.PutUint32(b.buf[16:], headerSize) // off_mem_rsvmap
	binary.BigEndian.PutUint32(b.buf[20:], version)
	binary.BigEndian.PutUint32(b.buf[24:], lastCompVersion)
	binary.BigEndian.PutUint32(b.buf[28:], 0) // boot_cpuid_phys
	b.updateHeader()

	return b, nil
}

// Bytes returns the finished blob, trimmed to its total size.
func (b *Blob) Bytes() []byte {
	return b.buf[:b.offStrings+b.sizeStrings]
}

// Capacity returns the size of the backing buffer.
func (b *Blob) Capacity() int { return len(b.buf) }

// Free returns the capacity still available for edits.
func (b *Blob) Free() int { return len(b.buf) - b.offStrings - b.sizeStrings }

func (b *Blob) updateHeader() {
	binary.BigEndian.PutUint32(b.buf[4:], uint32(b.offStrings+b.sizeStrings))
	binary.BigEndian.PutUint32(b.buf[8:], uint32(b.offStruct))
	binary.BigEndian.PutUint32(b.buf[12:], uint32(b.offStrings))
	binary.BigEndian.PutUint32(b.buf[32:], uint32(b.sizeStrings))
	binary.BigEndian.PutUint32(b.buf[36:], uint32(b.sizeStruct))
}

func align4(n int) int { return (n + 3) &^ 3 }

// treeWriter accumulates structure and strings blocks, in the same shape the
// blocks have inside a blob.
type treeWriter struct {
	structure []byte
	strings   []byte
}

func (w *treeWriter) beginNode(name string) {
	w.appendU32(tokenBeginNode)
	w.structure = append(w.structure, name...)
	w.structure = append(w.structure, 0)
	w.pad()
}

func (w *treeWriter) endNode() {
	w.appendU32(tokenEndNode)
}

func (w *treeWriter) property(name string, value []byte) {
	w.appendU32(tokenProp)
	w.appendU32(uint32(len(value)))
	w.appendU32(w.internString(name))
	w.structure = append(w.structure, value...)
	w.pad()
}

func (w *treeWriter) writeNode(n *Node) {
	w.beginNode(n.Name)
	for _, name := range n.propOrder {
		w.property(name, n.Properties[name])
	}
	for _, child := range n.Children {
		w.writeNode(child)
	}
	w.endNode()
}

func (w *treeWriter) appendU32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.structure = append(w.structure, tmp[:]...)
}

func (w *treeWriter) pad() {
	for len(w.structure)%4 != 0 {
		w.structure = append(w.structure, 0)
	}
}

func (w *treeWriter) internString(name string) uint32 {
	for off := 0; off < len(w.strings); {
		end := off
		for w.strings[end] != 0 {
			end++
		}
		if string(w.strings[off:end]) == name {
			return uint32(off)
		}
		off = end + 1
	}
	off := uint32(len(w.strings))
	w.strings = append(w.strings, name...)
	w.strings = append(w.strings, 0)
	return off
}
