// Package layout implements the compact binary form of a persisted split
// layout: a versioned (version, length) header, a leading tag byte per
// node, and a recursion depth cap of 3.
package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Version is the only version this codec currently understands.
const Version uint32 = 1

// MaxDepth is the maximum nesting depth a tree may have; Decode rejects
// anything deeper.
const MaxDepth = 3

// Tag identifies a node's shape on the wire.
type Tag byte

const (
	TagEmpty Tag = iota
	TagLocal
	TagRemote
	TagHResize2
	TagHResize3
	TagHResize4
	TagVResize2
	TagVResize3
	TagVResize4
	TagHFixed2
	TagHFixed3
	TagHFixed4
	TagVFixed2
	TagVFixed3
	TagVFixed4
)

func (t Tag) arity() (int, bool) {
	switch t {
	case TagHResize2, TagVResize2, TagHFixed2, TagVFixed2:
		return 2, true
	case TagHResize3, TagVResize3, TagHFixed3, TagVFixed3:
		return 3, true
	case TagHResize4, TagVResize4, TagHFixed4, TagVFixed4:
		return 4, true
	default:
		return 0, false
	}
}

// Scrollport is one saved view position within a LOCAL/REMOTE terminal
// pane.
type Scrollport struct {
	ID         wire.ID
	Offset     uint64
	ModTimeRow uint64
	ModTime    uint32
	ActiveJob  uint32
}

// Node is a layout tree node: either a leaf (EMPTY/LOCAL/REMOTE) or a
// split with N fixed-size or resizable children.
type Node struct {
	Tag Tag

	// Leaf fields (LOCAL/REMOTE only).
	TermID      wire.ID
	ServerID    wire.ID
	Profile     string
	Scrollports []Scrollport

	// Split fields.
	Sizes    []uint32
	Children []*Node
}

// Encode serializes root into the versioned binary form.
func Encode(root *Node) ([]byte, error) {
	var buf []byte
	buf = append(buf, 0, 0, 0, 0) // version, patched below
	binary.LittleEndian.PutUint32(buf, Version)
	buf = append(buf, 0, 0, 0, 0) // length placeholder

	payload, err := encodeNode(root, 1)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	buf = append(buf, payload...)
	return buf, nil
}

func encodeNode(n *Node, depth int) ([]byte, error) {
	if depth > MaxDepth {
		return nil, fmt.Errorf("layout: tree exceeds max depth %d", MaxDepth)
	}
	if n == nil {
		return []byte{byte(TagEmpty)}, nil
	}

	switch n.Tag {
	case TagEmpty:
		return []byte{byte(TagEmpty)}, nil

	case TagLocal, TagRemote:
		out := []byte{byte(n.Tag)}
		out = append(out, n.TermID[:]...)
		out = append(out, n.ServerID[:]...)
		out = appendPaddedString(out, n.Profile)
		var count [4]byte
		binary.LittleEndian.PutUint32(count[:], uint32(len(n.Scrollports)))
		out = append(out, count[:]...)
		for _, sp := range n.Scrollports {
			out = append(out, sp.ID[:]...)
			out = appendU64(out, sp.Offset)
			out = appendU64(out, sp.ModTimeRow)
			out = appendU32(out, sp.ModTime)
			out = appendU32(out, sp.ActiveJob)
		}
		return out, nil

	default:
		arity, ok := n.Tag.arity()
		if !ok {
			return nil, fmt.Errorf("layout: unknown tag %d", n.Tag)
		}
		if len(n.Sizes) != arity || len(n.Children) != arity {
			return nil, fmt.Errorf("layout: tag %d expects %d sizes/children, got %d/%d", n.Tag, arity, len(n.Sizes), len(n.Children))
		}
		out := []byte{byte(n.Tag)}
		for _, s := range n.Sizes {
			out = appendU32(out, s)
		}
		for _, child := range n.Children {
			childBytes, err := encodeNode(child, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, childBytes...)
		}
		return out, nil
	}
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendPaddedString(b []byte, s string) []byte {
	b = append(b, s...)
	b = append(b, 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// Decode parses the versioned binary form back into a tree, rejecting
// anything deeper than MaxDepth.
func Decode(buf []byte) (*Node, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("layout: truncated header")
	}
	version := binary.LittleEndian.Uint32(buf[0:4])
	if version != Version {
		return nil, fmt.Errorf("layout: unsupported version %d", version)
	}
	length := binary.LittleEndian.Uint32(buf[4:8])
	if int(length) > len(buf)-8 {
		return nil, fmt.Errorf("layout: declared length %d exceeds available %d", length, len(buf)-8)
	}
	payload := buf[8 : 8+int(length)]

	node, rest, err := decodeNode(payload, 1)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("layout: %d trailing bytes after root node", len(rest))
	}
	return node, nil
}

func decodeNode(buf []byte, depth int) (*Node, []byte, error) {
	if depth > MaxDepth {
		return nil, nil, fmt.Errorf("layout: tree exceeds max depth %d", MaxDepth)
	}
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("layout: truncated tag")
	}
	tag := Tag(buf[0])
	buf = buf[1:]

	switch tag {
	case TagEmpty:
		return &Node{Tag: TagEmpty}, buf, nil

	case TagLocal, TagRemote:
		if len(buf) < 32 {
			return nil, nil, fmt.Errorf("layout: truncated leaf ids")
		}
		n := &Node{Tag: tag}
		n.TermID = wire.FromBytes(buf[0:16])
		n.ServerID = wire.FromBytes(buf[16:32])
		buf = buf[32:]

		profile, rest, err := readPaddedString(buf)
		if err != nil {
			return nil, nil, err
		}
		n.Profile = profile
		buf = rest

		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("layout: truncated scrollport count")
		}
		count := binary.LittleEndian.Uint32(buf[0:4])
		buf = buf[4:]
		n.Scrollports = make([]Scrollport, 0, count)
		for i := uint32(0); i < count; i++ {
			if len(buf) < 16+8+8+4+4 {
				return nil, nil, fmt.Errorf("layout: truncated scrollport")
			}
			sp := Scrollport{
				ID:         wire.FromBytes(buf[0:16]),
				Offset:     binary.LittleEndian.Uint64(buf[16:24]),
				ModTimeRow: binary.LittleEndian.Uint64(buf[24:32]),
				ModTime:    binary.LittleEndian.Uint32(buf[32:36]),
				ActiveJob:  binary.LittleEndian.Uint32(buf[36:40]),
			}
			buf = buf[40:]
			n.Scrollports = append(n.Scrollports, sp)
		}
		return n, buf, nil

	default:
		arity, ok := tag.arity()
		if !ok {
			return nil, nil, fmt.Errorf("layout: unknown tag %d", tag)
		}
		n := &Node{Tag: tag, Sizes: make([]uint32, arity), Children: make([]*Node, arity)}
		for i := 0; i < arity; i++ {
			if len(buf) < 4 {
				return nil, nil, fmt.Errorf("layout: truncated split size")
			}
			n.Sizes[i] = binary.LittleEndian.Uint32(buf[0:4])
			buf = buf[4:]
		}
		for i := 0; i < arity; i++ {
			child, rest, err := decodeNode(buf, depth+1)
			if err != nil {
				return nil, nil, err
			}
			n.Children[i] = child
			buf = rest
		}
		return n, buf, nil
	}
}

func readPaddedString(buf []byte) (string, []byte, error) {
	i := 0
	for i < len(buf) && buf[i] != 0 {
		i++
	}
	if i >= len(buf) {
		return "", nil, fmt.Errorf("layout: missing NUL terminator in profile string")
	}
	s := string(buf[:i])
	i++ // past NUL
	for i%4 != 0 {
		if i >= len(buf) {
			return "", nil, fmt.Errorf("layout: truncated string padding")
		}
		if buf[i] != 0 {
			return "", nil, fmt.Errorf("layout: non-zero string padding byte")
		}
		i++
	}
	return s, buf[i:], nil
}
