// Package dtb parses concatenated flattened device-tree blobs and patches
// the verity/avb mount flags inside their fstab nodes. Property values are
// rewritten strictly in place: the blob's offset tables are never
// recomputed, so every edit must preserve the encoded byte length.
package dtb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/deploymenttheory/go-boot-forge/internal/logger"
)

const (
	fdtMagic = 0xd00dfeed

	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtNop       = 0x4
	fdtEnd       = 0x9

	fdtHeaderSize = 40
)

// ErrNotDTB is returned when no flattened device-tree blob is found.
var ErrNotDTB = errors.New("no device tree blob found")

type fdtHeader struct {
	Magic           uint32
	TotalSize       uint32
	OffDTStruct     uint32
	OffDTStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUIDPhys   uint32
	SizeDTStrings   uint32
	SizeDTStruct    uint32
}

// Prop is a raw property. valOff is the absolute offset of the value inside
// the file buffer, which in-place patching writes through.
type Prop struct {
	Name   string
	Value  []byte
	valOff int
}

// Node lives in the tree's arena. Children are owned by index list; Parent
// is a non-owning back-reference for traversal only.
type Node struct {
	Name     string
	Parent   int
	Children []int
	Props    []Prop
}

// Tree is one parsed blob. Nodes[0] is the root.
type Tree struct {
	Nodes  []Node
	Offset int // blob offset within the containing file
	Size   int
}

// Prop returns the named property of node n, or nil.
func (t *Tree) Prop(n int, name string) *Prop {
	for i := range t.Nodes[n].Props {
		if t.Nodes[n].Props[i].Name == name {
			return &t.Nodes[n].Props[i]
		}
	}
	return nil
}

// Path renders the slash path of node n for diagnostics.
func (t *Tree) Path(n int) string {
	if n == 0 {
		return "/"
	}
	var parts []string
	for i := n; i != 0; i = t.Nodes[i].Parent {
		parts = append(parts, t.Nodes[i].Name)
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// parseOne parses the blob starting at off inside data.
func parseOne(data []byte, off int) (*Tree, error) {
	if len(data)-off < fdtHeaderSize {
		return nil, errors.New("dtb: short header")
	}
	var h fdtHeader
	if err := binary.Read(bytes.NewReader(data[off:off+fdtHeaderSize]), binary.BigEndian, &h); err != nil {
		return nil, err
	}
	if h.Magic != fdtMagic {
		return nil, errors.New("dtb: bad magic")
	}
	if int(h.TotalSize) > len(data)-off ||
		int(h.OffDTStruct)+int(h.SizeDTStruct) > int(h.TotalSize) ||
		int(h.OffDTStrings)+int(h.SizeDTStrings) > int(h.TotalSize) {
		return nil, errors.New("dtb: bad offsets")
	}
	structBase := off + int(h.OffDTStruct)
	structBlk := data[structBase : structBase+int(h.SizeDTStruct)]
	strBlk := data[off+int(h.OffDTStrings) : off+int(h.OffDTStrings)+int(h.SizeDTStrings)]

	t := &Tree{Offset: off, Size: int(h.TotalSize)}
	cur := -1
	pos := 0
	for pos+4 <= len(structBlk) {
		token := binary.BigEndian.Uint32(structBlk[pos:])
		pos += 4
		switch token {
		case fdtBeginNode:
			end := bytes.IndexByte(structBlk[pos:], 0)
			if end < 0 {
				return nil, errors.New("dtb: unterminated node name")
			}
			name := string(structBlk[pos : pos+end])
			pos = align4(pos + end + 1)
			t.Nodes = append(t.Nodes, Node{Name: name, Parent: cur})
			idx := len(t.Nodes) - 1
			if cur >= 0 {
				t.Nodes[cur].Children = append(t.Nodes[cur].Children, idx)
			}
			cur = idx
		case fdtEndNode:
			if cur < 0 {
				return nil, errors.New("dtb: unbalanced node end")
			}
			cur = t.Nodes[cur].Parent
		case fdtProp:
			if pos+8 > len(structBlk) || cur < 0 {
				return nil, errors.New("dtb: truncated property")
			}
			sz := binary.BigEndian.Uint32(structBlk[pos:])
			nameOff := binary.BigEndian.Uint32(structBlk[pos+4:])
			pos += 8
			if pos+int(sz) > len(structBlk) {
				return nil, errors.New("dtb: truncated property value")
			}
			t.Nodes[cur].Props = append(t.Nodes[cur].Props, Prop{
				Name:   cString(strBlk, nameOff),
				Value:  structBlk[pos : pos+int(sz)],
				valOff: structBase + pos,
			})
			pos = align4(pos + int(sz))
		case fdtNop:
		case fdtEnd:
			return t, nil
		default:
			return nil, fmt.Errorf("dtb: bad token %#x", token)
		}
	}
	return nil, errors.New("dtb: missing end token")
}

// ParseAll locates and parses every blob in data. Vendor images commonly
// concatenate several blobs into one partition dump.
func ParseAll(data []byte) ([]*Tree, error) {
	var trees []*Tree
	magic := []byte{0xd0, 0x0d, 0xfe, 0xed}
	pos := 0
	for {
		rel := bytes.Index(data[pos:], magic)
		if rel < 0 {
			break
		}
		off := pos + rel
		t, err := parseOne(data, off)
		if err != nil {
			// A stray magic inside property data; keep scanning.
			logger.LogDebug("Skipping false dtb magic", map[string]interface{}{
				"offset": off,
			})
			pos = off + 4
			continue
		}
		trees = append(trees, t)
		pos = off + t.Size
	}
	if len(trees) == 0 {
		return nil, ErrNotDTB
	}
	return trees, nil
}

// Render writes a textual dump of the tree, dtc style, for debugging.
func (t *Tree) Render(sb *strings.Builder, n, depth int) {
	indent := strings.Repeat("\t", depth)
	name := t.Nodes[n].Name
	if name == "" {
		name = "/"
	}
	fmt.Fprintf(sb, "%s%s {\n", indent, name)
	for _, p := range t.Nodes[n].Props {
		if len(p.Value) == 0 {
			fmt.Fprintf(sb, "%s\t%s;\n", indent, p.Name)
		} else if printable(p.Value) {
			fmt.Fprintf(sb, "%s\t%s = %q;\n", indent, p.Name, string(bytes.TrimRight(p.Value, "\x00")))
		} else {
			fmt.Fprintf(sb, "%s\t%s = <%d bytes>;\n", indent, p.Name, len(p.Value))
		}
	}
	for _, c := range t.Nodes[n].Children {
		t.Render(sb, c, depth+1)
	}
	fmt.Fprintf(sb, "%s};\n", indent)
}

func printable(v []byte) bool {
	trimmed := bytes.TrimRight(v, "\x00")
	if len(trimmed) == 0 {
		return false
	}
	for _, b := range trimmed {
		if b != 0 && (b > unicode.MaxASCII || (b < ' ' && b != '\n' && b != '\t')) {
			return false
		}
	}
	return true
}

func cString(b []byte, off uint32) string {
	if int(off) >= len(b) {
		return ""
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return string(b[off:])
	}
	return string(b[off : int(off)+end])
}

func align4(n int) int { return (n + 3) &^ 3 }
