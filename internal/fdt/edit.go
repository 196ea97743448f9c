package fdt

import (
	"encoding/binary"
	"fmt"
)

// FindNode looks for a direct subnode of parent with the given name and
// returns its offset.
func (b *Blob) FindNode(parent int, name string) (int, bool) {
	off, err := b.afterName(parent)
	if err != nil {
		return 0, false
	}
	depth := 0
	for off < b.sizeStruct {
		switch b.token(off) {
		case tokenProp:
			off = b.skipProp(off)
		case tokenNop:
			off += 4
		case tokenBeginNode:
			if depth == 0 {
				if n, _ := b.nodeName(off); n == name {
					return off, true
				}
			}
			depth++
			next, err := b.afterName(off)
			if err != nil {
				return 0, false
			}
			off = next
		case tokenEndNode:
			if depth == 0 {
				return 0, false
			}
			depth--
			off += 4
		default:
			return 0, false
		}
	}
	return 0, false
}

// AddSubnode appends a new empty subnode to parent and returns its offset.
// It does not check for an existing node of the same name; use EnsureNode
// for find-or-add semantics.
func (b *Blob) AddSubnode(parent int, name string) (int, error) {
	if name == "" {
		return 0, fmt.Errorf("fdt: empty node name")
	}
	end, err := b.nodeEnd(parent)
	if err != nil {
		return 0, err
	}

	need := 4 + align4(len(name)+1) + 4 // BEGIN_NODE + name + END_NODE
	if err := b.ensure(need, 0); err != nil {
		return 0, fmt.Errorf("fdt: add node %q: %w", name, err)
	}
	b.insertStruct(end, need)

	abs := b.offStruct + end
	binary.BigEndian.PutUint32(b.buf[abs:], tokenBeginNode)
	copy(b.buf[abs+4:], name)
	binary.BigEndian.PutUint32(b.buf[abs+4+align4(len(name)+1):], tokenEndNode)
	return end, nil
}

// EnsureNode returns the offset of the named subnode of parent, creating it
// when absent.
func (b *Blob) EnsureNode(parent int, name string) (int, error) {
	if off, ok := b.FindNode(parent, name); ok {
		return off, nil
	}
	return b.AddSubnode(parent, name)
}

// SetProperty sets a property on the node at the given offset, replacing any
// existing value. On a capacity failure the blob is left unchanged.
func (b *Blob) SetProperty(node int, name string, value []byte) error {
	if at, oldLen, ok := b.findProp(node, name); ok {
		delta := align4(len(value)) - align4(oldLen)
		if delta > 0 {
			if err := b.ensure(delta, 0); err != nil {
				return fmt.Errorf("fdt: set property %q: %w", name, err)
			}
			b.insertStruct(at+12+align4(oldLen), delta)
		} else if delta < 0 {
			b.deleteStruct(at+12+align4(len(value)), -delta)
		}
		abs := b.offStruct + at
		binary.BigEndian.PutUint32(b.buf[abs+4:], uint32(len(value)))
		n := copy(b.buf[abs+12:], value)
		for i := n; i < align4(len(value)); i++ {
			b.buf[abs+12+i] = 0
		}
		return nil
	}

	nameOff, interned := b.lookupString(name)
	extraStrings := 0
	if !interned {
		extraStrings = len(name) + 1
	}
	need := 12 + align4(len(value))
	if err := b.ensure(need, extraStrings); err != nil {
		return fmt.Errorf("fdt: set property %q: %w", name, err)
	}
	if !interned {
		nameOff = b.appendString(name)
	}

	at, err := b.firstChildOrEnd(node)
	if err != nil {
		return err
	}
	b.insertStruct(at, need)

	abs := b.offStruct + at
	binary.BigEndian.PutUint32(b.buf[abs:], tokenProp)
	binary.BigEndian.PutUint32(b.buf[abs+4:], uint32(len(value)))
	binary.BigEndian.PutUint32(b.buf[abs+8:], uint32(nameOff))
	copy(b.buf[abs+12:], value)
	return nil
}

// SetPropertyString sets a NUL-terminated string property.
func (b *Blob) SetPropertyString(node int, name, value string) error {
	data := make([]byte, len(value)+1)
	copy(data, value)
	return b.SetProperty(node, name, data)
}

// SetPropertyU64 sets a big-endian 64-bit property.
func (b *Blob) SetPropertyU64(node int, name string, value uint64) error {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], value)
	return b.SetProperty(node, name, data[:])
}

// SetReg64 sets a reg property holding one 64-bit address/size pair.
func (b *Blob) SetReg64(node int, addr, size uint64) error {
	var data [16]byte
	binary.BigEndian.PutUint64(data[:8], addr)
	binary.BigEndian.PutUint64(data[8:], size)
	return b.SetProperty(node, "reg", data[:])
}

func (b *Blob) token(off int) uint32 {
	return binary.BigEndian.Uint32(b.buf[b.offStruct+off:])
}

func (b *Blob) nodeName(off int) (string, error) {
	if b.token(off) != tokenBeginNode {
		return "", fmt.Errorf("fdt: offset %d is not a node", off)
	}
	start := b.offStruct + off + 4
	end := start
	limit := b.offStruct + b.sizeStruct
	for end < limit && b.buf[end] != 0 {
		end++
	}
	if end == limit {
		return "", fmt.Errorf("fdt: unterminated node name at offset %d", off)
	}
	return string(b.buf[start:end]), nil
}

// afterName returns the offset just past the node's name padding, where its
// properties begin.
func (b *Blob) afterName(off int) (int, error) {
	name, err := b.nodeName(off)
	if err != nil {
		return 0, err
	}
	return off + 4 + align4(len(name)+1), nil
}

func (b *Blob) skipProp(off int) int {
	propLen := int(binary.BigEndian.Uint32(b.buf[b.offStruct+off+4:]))
	return off + 12 + align4(propLen)
}

// nodeEnd returns the offset of the node's END_NODE token.
func (b *Blob) nodeEnd(node int) (int, error) {
	off, err := b.afterName(node)
	if err != nil {
		return 0, err
	}
	depth := 0
	for off < b.sizeStruct {
		switch b.token(off) {
		case tokenProp:
			off = b.skipProp(off)
		case tokenNop:
			off += 4
		case tokenBeginNode:
			depth++
			next, err := b.afterName(off)
			if err != nil {
				return 0, err
			}
			off = next
		case tokenEndNode:
			if depth == 0 {
				return off, nil
			}
			depth--
			off += 4
		default:
			return 0, fmt.Errorf("fdt: unexpected token %#x at offset %d", b.token(off), off)
		}
	}
	return 0, fmt.Errorf("fdt: node at offset %d is not terminated", node)
}

// firstChildOrEnd returns the offset of the node's first subnode, or of its
// END_NODE token when it has none. New properties are inserted here so they
// stay ahead of any subnodes.
func (b *Blob) firstChildOrEnd(node int) (int, error) {
	off, err := b.afterName(node)
	if err != nil {
		return 0, err
	}
	for off < b.sizeStruct {
		switch b.token(off) {
		case tokenProp:
			off = b.skipProp(off)
		case tokenNop:
			off += 4
		case tokenBeginNode, tokenEndNode:
			return off, nil
		default:
			return 0, fmt.Errorf("fdt: unexpected token %#x at offset %d", b.token(off), off)
		}
	}
	return 0, fmt.Errorf("fdt: node at offset %d is not terminated", node)
}

// findProp locates a property of the node, returning its offset and current
// value length.
func (b *Blob) findProp(node int, name string) (int, int, bool) {
	off, err := b.afterName(node)
	if err != nil {
		return 0, 0, false
	}
	for off < b.sizeStruct {
		switch b.token(off) {
		case tokenProp:
			propLen := int(binary.BigEndian.Uint32(b.buf[b.offStruct+off+4:]))
			nameOff := int(binary.BigEndian.Uint32(b.buf[b.offStruct+off+8:]))
			if b.stringAt(nameOff) == name {
				return off, propLen, true
			}
			off += 12 + align4(propLen)
		case tokenNop:
			off += 4
		default:
			return 0, 0, false
		}
	}
	return 0, 0, false
}

func (b *Blob) stringAt(off int) string {
	if off < 0 || off >= b.sizeStrings {
		return ""
	}
	start := b.offStrings + off
	end := start
	limit := b.offStrings + b.sizeStrings
	for end < limit && b.buf[end] != 0 {
		end++
	}
	return string(b.buf[start:end])
}

// lookupString searches the strings block for name, reporting whether it is
// already interned.
func (b *Blob) lookupString(name string) (int, bool) {
	for off := 0; off < b.sizeStrings; {
		s := b.stringAt(off)
		if s == name {
			return off, true
		}
		off += len(s) + 1
	}
	return 0, false
}

func (b *Blob) appendString(name string) int {
	off := b.sizeStrings
	abs := b.offStrings + b.sizeStrings
	copy(b.buf[abs:], name)
	b.buf[abs+len(name)] = 0
	b.sizeStrings += len(name) + 1
	b.updateHeader()
	return off
}

// ensure reports whether extraStruct bytes of structure and extraStrings
// bytes of strings still fit in the buffer.
func (b *Blob) ensure(extraStruct, extraStrings int) error {
	used := b.offStrings + b.sizeStrings
	if used+extraStruct+extraStrings > len(b.buf) {
		return fmt.Errorf("capacity exhausted (%d used of %d, %d more needed)",
			used, len(b.buf), extraStruct+extraStrings)
	}
	return nil
}

// insertStruct opens a zeroed gap of n bytes at structure offset at, moving
// the tail of the structure block and the whole strings block.
func (b *Blob) insertStruct(at, n int) {
	from := b.offStruct + at
	end := b.offStrings + b.sizeStrings
	copy(b.buf[from+n:end+n], b.buf[from:end])
	for i := from; i < from+n; i++ {
		b.buf[i] = 0
	}
	b.sizeStruct += n
	b.offStrings += n
	b.updateHeader()
}

// deleteStruct removes n bytes at structure offset at.
func (b *Blob) deleteStruct(at, n int) {
	from := b.offStruct + at
	end := b.offStrings + b.sizeStrings
	copy(b.buf[from:], b.buf[from+n:end])
	for i := end - n; i < end; i++ {
		b.buf[i] = 0
	}
	b.sizeStruct -= n
	b.offStrings -= n
	b.updateHeader()
}
