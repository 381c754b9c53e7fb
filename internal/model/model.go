// Package model defines the per-terminal data shapes that flow from an
// upstream terminal through a proxy's dirty-bit mirror to a watch's
// accumulator: rows, regions, and the dirty-bit set that ties them
// together. It deliberately does not parse cells or SGR attributes — it
// carries whatever the (out-of-scope) terminal emulator already produced.
package model

import "github.com/ehrlich-b/wireterm/internal/wire"

// BufferID distinguishes the primary and alternate screen buffers.
type BufferID uint8

const (
	BufferPrimary BufferID = iota
	BufferAlternate
)

// MaxRowIndex is the wire's u64::MAX sentinel, reused in Go as the
// "unbounded" row index and as a region's open-ended EndRow.
const MaxRowIndex uint64 = ^uint64(0)

// CellAttr is one attribute run: either a single cell (start==end-1, or a
// degenerate point) or a range, depending on which slice it's stored in.
type CellAttr struct {
	Flags       uint32
	FG          uint32
	BG          uint32
	LinkRegion  wire.ID
	StartByte   uint32
	EndByte     uint32
	Column      uint32
	ColumnWidth uint32
}

// RangeAttr is a CellAttr's tuple plus an explicit [StartCol, EndCol) span.
type RangeAttr struct {
	CellAttr
	StartCol uint32
	EndCol   uint32
}

// LineFlags carries the double-width/bold line-level bits.
type LineFlags uint8

const (
	LineDoubleWidth LineFlags = 1 << iota
	LineBold
)

// Row is one line of terminal output, addressed by an unbounded row index
// within a buffer.
type Row struct {
	Index       uint64
	Buffer      BufferID
	Text        string
	Cells       []CellAttr
	Ranges      []RangeAttr
	LineFlags   LineFlags
	Columns     uint32
	ModTime     uint32
	RegionState uint32
}

// RegionKind distinguishes region types (selection, hyperlink, command
// block, etc.) for sort purposes; the concrete meaning is opaque to this
// package.
type RegionKind uint32

// Region is one region owned by a terminal, ordered per spec.md §3 by
// (StartRow, Kind, StartCol, ID) and symmetrically by its end fields.
// EndRow == MaxRowIndex means "open: to the current end of buffer."
type Region struct {
	Kind       RegionKind
	ID         wire.ID
	StartRow   uint64
	EndRow     uint64
	StartCol   uint32
	EndCol     uint32
	Attributes map[string]string
}

// Open reports whether the region's end is still unbounded.
func (r Region) Open() bool {
	return r.EndRow == MaxRowIndex
}

// LessStart implements the start-sort order: (StartRow, Kind, StartCol, ID).
func LessStart(a, b Region) bool {
	if a.StartRow != b.StartRow {
		return a.StartRow < b.StartRow
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.StartCol != b.StartCol {
		return a.StartCol < b.StartCol
	}
	return a.ID.Less(b.ID)
}

// LessEnd implements the symmetric end-sort order.
func LessEnd(a, b Region) bool {
	if a.EndRow != b.EndRow {
		return a.EndRow < b.EndRow
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.EndCol != b.EndCol {
		return a.EndCol < b.EndCol
	}
	return a.ID.Less(b.ID)
}

// FileEntry describes one file in a terminal's current directory listing.
type FileEntry struct {
	Name       string
	MTime      uint32
	Size       uint64
	Mode       uint32
	UID        uint32
	GID        uint32
	Extra      map[string]string // computed user/group names, VCS status, ...
}

// DirtyBit names one piece of terminal state that changed since the last
// flush.
type DirtyBit uint32

const (
	DirtyRows DirtyBit = 1 << iota
	DirtyRegions
	DirtyFiles
	DirtyCursor
	DirtyMouse
	DirtyFlags
	DirtySize
	DirtyBell
	DirtyBufferSwitch
	DirtyAttributes
)

// DirtySet is a bitset of DirtyBit values.
type DirtySet uint32

func (d DirtySet) Has(bit DirtyBit) bool { return d&DirtySet(bit) != 0 }
func (d *DirtySet) Set(bit DirtyBit)     { *d |= DirtySet(bit) }
func (d *DirtySet) Clear()               { *d = 0 }
func (d DirtySet) Empty() bool           { return d == 0 }

// Cursor is the terminal's cursor position and visibility.
type Cursor struct {
	Row     uint64
	Col     uint32
	Visible bool
}

// Size is a terminal's dimensions in character cells.
type Size struct {
	Cols uint32
	Rows uint32
}

// Flags carries terminal-wide boolean state bits (e.g. application
// keypad/cursor mode) opaque to this package.
type Flags uint32

// Mouse is the terminal's last-reported mouse position.
type Mouse struct {
	Row, Col uint32
	Active   bool
}

// Snapshot is the scalar (non-collection) half of a terminal's mirrored
// state: whatever isn't keyed by row/region/file id. A term proxy hands
// one to its watches on every flush that touched any of these fields, so
// watches never need a back-reference to the proxy to re-encode them.
type Snapshot struct {
	Flags        Flags
	Size         Size
	Cursor       Cursor
	Mouse        Mouse
	ActiveBuffer BufferID
	BufLength    [2]uint64
	BufCapacity  [2]uint64
}
