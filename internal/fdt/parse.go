package fdt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Node is a decoded device-tree node.
type Node struct {
	Name       string
	Properties map[string][]byte
	Children   []*Node

	propOrder []string
}

// Child returns the direct subnode with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Property returns the raw value of a property.
func (n *Node) Property(name string) ([]byte, bool) {
	v, ok := n.Properties[name]
	return v, ok
}

// PropertyString returns a property value as a string with any trailing NUL
// removed.
func (n *Node) PropertyString(name string) (string, bool) {
	v, ok := n.Properties[name]
	if !ok {
		return "", false
	}
	return strings.TrimSuffix(string(v), "\x00"), true
}

// PropertyU64Pair decodes a property holding two big-endian 64-bit values,
// such as a reg address/size pair.
func (n *Node) PropertyU64Pair(name string) (uint64, uint64, bool) {
	v, ok := n.Properties[name]
	if !ok || len(v) != 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(v[:8]), binary.BigEndian.Uint64(v[8:]), true
}

// Parse decodes an FDT blob into its node tree.
func Parse(dtb []byte) (*Node, error) {
	root, _, err := parseTree(dtb)
	return root, err
}

func parseTree(dtb []byte) (*Node, []Reservation, error) {
	if len(dtb) < headerSize {
		return nil, nil, fmt.Errorf("fdt: blob of %d bytes is shorter than the header", len(dtb))
	}
	if magic := binary.BigEndian.Uint32(dtb[0:]); magic != Magic {
		return nil, nil, fmt.Errorf("fdt: bad magic %#x", magic)
	}
	totalSize := int(binary.BigEndian.Uint32(dtb[4:]))
	offStruct := int(binary.BigEndian.Uint32(dtb[8:]))
	offStrings := int(binary.BigEndian.Uint32(dtb[12:]))
	offMemRsv := int(binary.BigEndian.Uint32(dtb[16:]))
	sizeStrings := int(binary.BigEndian.Uint32(dtb[32:]))
	sizeStruct := int(binary.BigEndian.Uint32(dtb[36:]))

	if totalSize > len(dtb) {
		return nil, nil, fmt.Errorf("fdt: declared size %d exceeds blob size %d", totalSize, len(dtb))
	}
	if offStruct+sizeStruct > totalSize || offStrings+sizeStrings > totalSize ||
		offMemRsv >= totalSize {
		return nil, nil, fmt.Errorf("fdt: block offsets outside blob")
	}

	var rsv []Reservation
	for off := offMemRsv; off+16 <= totalSize; off += 16 {
		addr := binary.BigEndian.Uint64(dtb[off:])
		size := binary.BigEndian.Uint64(dtb[off+8:])
		if addr == 0 && size == 0 {
			break
		}
		rsv = append(rsv, Reservation{Addr: addr, Size: size})
	}

	p := &treeParser{
		structure: dtb[offStruct : offStruct+sizeStruct],
		strings:   dtb[offStrings : offStrings+sizeStrings],
	}
	root, err := p.parse()
	if err != nil {
		return nil, nil, err
	}
	return root, rsv, nil
}

type treeParser struct {
	structure []byte
	strings   []byte
	off       int
}

func (p *treeParser) parse() (*Node, error) {
	tok, err := p.nextToken()
	if err != nil {
		return nil, err
	}
	if tok != tokenBeginNode {
		return nil, fmt.Errorf("fdt: structure block does not start with a node")
	}
	root, err := p.parseNode()
	if err != nil {
		return nil, err
	}
	if root.Name != "" {
		return nil, fmt.Errorf("fdt: root node has name %q", root.Name)
	}
	return root, nil
}

// parseNode is entered just after a BEGIN_NODE token.
func (p *treeParser) parseNode() (*Node, error) {
	name, err := p.readName()
	if err != nil {
		return nil, err
	}
	node := &Node{Name: name, Properties: make(map[string][]byte)}

	for {
		tok, err := p.nextToken()
		if err != nil {
			return nil, err
		}
		switch tok {
		case tokenProp:
			propName, value, err := p.readProp()
			if err != nil {
				return nil, err
			}
			if _, dup := node.Properties[propName]; !dup {
				node.propOrder = append(node.propOrder, propName)
			}
			node.Properties[propName] = value
		case tokenNop:
		case tokenBeginNode:
			child, err := p.parseNode()
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		case tokenEndNode:
			return node, nil
		default:
			return nil, fmt.Errorf("fdt: unexpected token %#x inside node %q", tok, name)
		}
	}
}

func (p *treeParser) nextToken() (uint32, error) {
	if p.off+4 > len(p.structure) {
		return 0, fmt.Errorf("fdt: truncated structure block")
	}
	tok := binary.BigEndian.Uint32(p.structure[p.off:])
	p.off += 4
	return tok, nil
}

func (p *treeParser) readName() (string, error) {
	start := p.off
	for p.off < len(p.structure) && p.structure[p.off] != 0 {
		p.off++
	}
	if p.off == len(p.structure) {
		return "", fmt.Errorf("fdt: unterminated node name")
	}
	name := string(p.structure[start:p.off])
	p.off++ // NUL
	p.off = align4(p.off)
	return name, nil
}

func (p *treeParser) readProp() (string, []byte, error) {
	if p.off+8 > len(p.structure) {
		return "", nil, fmt.Errorf("fdt: truncated property header")
	}
	propLen := int(binary.BigEndian.Uint32(p.structure[p.off:]))
	nameOff := int(binary.BigEndian.Uint32(p.structure[p.off+4:]))
	p.off += 8
	if p.off+propLen > len(p.structure) {
		return "", nil, fmt.Errorf("fdt: truncated property value")
	}
	value := make([]byte, propLen)
	copy(value, p.structure[p.off:])
	p.off += align4(propLen)

	if nameOff >= len(p.strings) {
		return "", nil, fmt.Errorf("fdt: property name offset %d outside strings block", nameOff)
	}
	end := nameOff
	for end < len(p.strings) && p.strings[end] != 0 {
		end++
	}
	return string(p.strings[nameOff:end]), value, nil
}
