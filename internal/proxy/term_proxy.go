// Package proxy implements the local mirror of an upstream server or
// terminal: the server proxy (identity + attribute map) and the term proxy
// (identity, attribute map, and the full terminal-state mirror that feeds
// attached watches).
package proxy

import (
	"sync"

	"github.com/ehrlich-b/wireterm/internal/attr"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// DefaultMaxQueuedRegions bounds the live region map absent an explicit
// configuration value.
const DefaultMaxQueuedRegions = 512

// RowKey addresses one row's most recent encoding within a term proxy's
// row map.
type RowKey struct {
	Buffer model.BufferID
	Index  uint64
}

// WatchSink receives a term proxy's dirty-bit flush at END_OUTPUT. It is
// defined here, rather than in package watch, so that proxy never imports
// watch: watch.Watch implements this interface structurally, and a
// TermProxy holds only WatchSink references.
type WatchSink interface {
	// Accumulate merges one flush's worth of changed state into the sink's
	// own per-watch accumulator: the current encoding of every row/region
	// touched since the last flush, the current file-directory snapshot
	// for touched names, and the set of names removed outright.
	Accumulate(dirty model.DirtySet, snap model.Snapshot, rows []model.Row, regions []model.Region, files map[string]model.FileEntry, removedFiles []string)
	// NotifyReady schedules the sink's writer to drain the accumulator it
	// was just handed.
	NotifyReady()
}

// TermProxy mirrors one upstream terminal's full state: the fields named in
// spec.md §3, a row-encoding map, an LRU-bounded region map, a file
// directory, and the dirty-bit set tracking what has changed since the last
// END_OUTPUT flush. The row map is not bounded: every row stored by
// UpdateRow stays in it, whatever the buffer capacity.
type TermProxy struct {
	ID       wire.ID
	ServerID wire.ID

	Attrs *attr.Base

	maxQueuedRegions int

	mu sync.RWMutex

	flags  model.Flags
	size   model.Size
	cursor model.Cursor

	mouseRow, mouseCol uint32
	mouseActive        bool

	bufLength   [2]uint64
	bufCapacity [2]uint64
	activeBuf   model.BufferID

	rows       map[RowKey]model.Row
	dirtyRows  map[RowKey]struct{}
	regions    *regionLRU
	dirtyRegns map[wire.ID]struct{}

	files        map[string]model.FileEntry
	dirtyFiles   map[string]struct{}
	removedFiles map[string]struct{}

	dirty model.DirtySet

	sinksMu sync.Mutex
	sinks   map[WatchSink]struct{}
}

// NewTermProxy constructs a term proxy for id, owned by serverID. A zero or
// negative maxQueuedRegions falls back to DefaultMaxQueuedRegions.
func NewTermProxy(id, serverID wire.ID, maxQueuedRegions int) *TermProxy {
	if maxQueuedRegions <= 0 {
		maxQueuedRegions = DefaultMaxQueuedRegions
	}
	return &TermProxy{
		ID:               id,
		ServerID:         serverID,
		Attrs:            attr.New(nil),
		maxQueuedRegions: maxQueuedRegions,
		rows:             make(map[RowKey]model.Row),
		dirtyRows:        make(map[RowKey]struct{}),
		regions:          newRegionLRU(maxQueuedRegions),
		dirtyRegns:       make(map[wire.ID]struct{}),
		files:            make(map[string]model.FileEntry),
		dirtyFiles:       make(map[string]struct{}),
		removedFiles:     make(map[string]struct{}),
		sinks:            make(map[WatchSink]struct{}),
	}
}

// AttachSink registers a watch sink to receive this term's flushes.
func (t *TermProxy) AttachSink(s WatchSink) {
	t.sinksMu.Lock()
	t.sinks[s] = struct{}{}
	t.sinksMu.Unlock()
}

// DetachSink unregisters a watch sink.
func (t *TermProxy) DetachSink(s WatchSink) {
	t.sinksMu.Lock()
	delete(t.sinks, s)
	t.sinksMu.Unlock()
}

// SetFlags updates the terminal-wide flags and sets the corresponding dirty
// bit.
func (t *TermProxy) SetFlags(f model.Flags) {
	t.mu.Lock()
	t.flags = f
	t.dirty.Set(model.DirtyFlags)
	t.mu.Unlock()
}

// SetSize updates the terminal's dimensions and sets the corresponding
// dirty bit.
func (t *TermProxy) SetSize(sz model.Size) {
	t.mu.Lock()
	t.size = sz
	t.dirty.Set(model.DirtySize)
	t.mu.Unlock()
}

// MoveCursor updates the cursor position/visibility and sets the
// corresponding dirty bit.
func (t *TermProxy) MoveCursor(c model.Cursor) {
	t.mu.Lock()
	t.cursor = c
	t.dirty.Set(model.DirtyCursor)
	t.mu.Unlock()
}

// MoveMouse updates the last-reported mouse position and sets the
// corresponding dirty bit.
func (t *TermProxy) MoveMouse(row, col uint32, active bool) {
	t.mu.Lock()
	t.mouseRow, t.mouseCol, t.mouseActive = row, col, active
	t.dirty.Set(model.DirtyMouse)
	t.mu.Unlock()
}

// Bell sets the bell dirty bit; it carries no state of its own.
func (t *TermProxy) Bell() {
	t.mu.Lock()
	t.dirty.Set(model.DirtyBell)
	t.mu.Unlock()
}

// SwitchBuffer updates the active buffer and sets the buffer-switch dirty
// bit.
func (t *TermProxy) SwitchBuffer(buf model.BufferID) {
	t.mu.Lock()
	t.activeBuf = buf
	t.dirty.Set(model.DirtyBufferSwitch)
	t.mu.Unlock()
}

// SetBufferExtent records a buffer's length/capacity and sets the
// buffer-switch dirty bit, which also covers length/capacity changes per
// spec.md §4.7.
func (t *TermProxy) SetBufferExtent(buf model.BufferID, length, capacity uint64) {
	t.mu.Lock()
	t.bufLength[buf] = length
	t.bufCapacity[buf] = capacity
	t.dirty.Set(model.DirtyBufferSwitch)
	t.mu.Unlock()
}

// UpdateRow stores row's latest encoding and marks it dirty.
func (t *TermProxy) UpdateRow(row model.Row) {
	key := RowKey{Buffer: row.Buffer, Index: row.Index}
	t.mu.Lock()
	t.rows[key] = row
	t.dirtyRows[key] = struct{}{}
	t.dirty.Set(model.DirtyRows)
	t.mu.Unlock()
}

// UpdateRegion stores region's latest encoding, touches the LRU, and marks
// it dirty. If the LRU evicts an older region to stay within
// maxQueuedRegions, the evicted region's encoding is dropped but no
// explicit removal is surfaced to watches — the region is simply absent
// from the next full resync.
func (t *TermProxy) UpdateRegion(region model.Region) {
	t.mu.Lock()
	t.regions.Touch(region)
	t.dirtyRegns[region.ID] = struct{}{}
	t.dirty.Set(model.DirtyRegions)
	t.mu.Unlock()
}

// UpdateFile stores name's latest directory entry and marks it dirty.
func (t *TermProxy) UpdateFile(name string, entry model.FileEntry) {
	t.mu.Lock()
	t.files[name] = entry
	t.dirtyFiles[name] = struct{}{}
	delete(t.removedFiles, name)
	t.dirty.Set(model.DirtyFiles)
	t.mu.Unlock()
}

// RemoveFile drops name from the directory and marks the removal dirty.
func (t *TermProxy) RemoveFile(name string) {
	t.mu.Lock()
	delete(t.files, name)
	delete(t.dirtyFiles, name)
	t.removedFiles[name] = struct{}{}
	t.dirty.Set(model.DirtyFiles)
	t.mu.Unlock()
}

// Snapshot returns a copy of the proxy's current scalar terminal state,
// used when a new watch starts and needs a full ANNOUNCE rather than a
// delta, and as the scalar half of every dirty-flush.
func (t *TermProxy) Snapshot() model.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *TermProxy) snapshotLocked() model.Snapshot {
	return model.Snapshot{
		Flags:        t.flags,
		Size:         t.size,
		Cursor:       t.cursor,
		Mouse:        model.Mouse{Row: t.mouseRow, Col: t.mouseCol, Active: t.mouseActive},
		ActiveBuffer: t.activeBuf,
		BufLength:    t.bufLength,
		BufCapacity:  t.bufCapacity,
	}
}

// FlushOutput is called on END_OUTPUT: it copies the current dirty state
// out under the state lock, clears the proxy's own dirty bits and
// file-change map (row and region encodings are retained per spec.md §4.7),
// then hands the snapshot to every attached sink outside the lock.
func (t *TermProxy) FlushOutput() {
	t.mu.Lock()
	if t.dirty.Empty() {
		t.mu.Unlock()
		return
	}

	dirty := t.dirty
	snap := t.snapshotLocked()
	rows := make([]model.Row, 0, len(t.dirtyRows))
	for k := range t.dirtyRows {
		if row, ok := t.rows[k]; ok {
			rows = append(rows, row)
		}
	}
	regions := make([]model.Region, 0, len(t.dirtyRegns))
	for id := range t.dirtyRegns {
		if region, ok := t.regions.Get(id); ok {
			regions = append(regions, region)
		}
	}
	files := make(map[string]model.FileEntry, len(t.dirtyFiles))
	for name := range t.dirtyFiles {
		if entry, ok := t.files[name]; ok {
			files[name] = entry
		}
	}
	removedFiles := make([]string, 0, len(t.removedFiles))
	for name := range t.removedFiles {
		removedFiles = append(removedFiles, name)
	}

	t.dirty.Clear()
	t.dirtyRows = make(map[RowKey]struct{})
	t.dirtyRegns = make(map[wire.ID]struct{})
	t.dirtyFiles = make(map[string]struct{})
	t.removedFiles = make(map[string]struct{})
	t.mu.Unlock()

	t.sinksMu.Lock()
	targets := make([]WatchSink, 0, len(t.sinks))
	for s := range t.sinks {
		targets = append(targets, s)
	}
	t.sinksMu.Unlock()

	for _, s := range targets {
		s.Accumulate(dirty, snap, rows, regions, files, removedFiles)
		s.NotifyReady()
	}
}

const ownerPrefix = "owner."
const senderPrefix = "sender."

// TestOwner auto-claims an unowned terminal for id, copying in
// owner-attributes. It returns true if id is (now) the owner.
func (t *TermProxy) TestOwner(id wire.ID, ownerAttrs map[string]string) bool {
	current, ok := t.Attrs.Get(ownerPrefix + "id")
	if !ok || current == "" {
		t.ChangeOwner(wire.Nil, id, ownerAttrs)
		return true
	}
	return current == id.Format()
}

// TestSender permits an input sender different from the owner only if the
// terminal's pref.input attribute is "1".
func (t *TermProxy) TestSender(owner, sender wire.ID) bool {
	if owner.Equal(sender) {
		return true
	}
	return t.Attrs.Test("pref.input")
}

// ChangeOwner atomically replaces the owner.* subtree. old is informational
// only; the replacement is unconditional.
func (t *TermProxy) ChangeOwner(old, newOwner wire.ID, attrs map[string]string) {
	values := map[string]string{ownerPrefix + "id": newOwner.Format()}
	for k, v := range attrs {
		values[ownerPrefix+k] = v
	}
	t.Attrs.ReplaceSubtree(ownerPrefix, values)
}

// ClearOwner nulls out ownership by replacing owner.* with nothing.
func (t *TermProxy) ClearOwner() {
	t.Attrs.ReplaceSubtree(ownerPrefix, map[string]string{})
}

// ChangeSender atomically replaces the sender.* subtree, mirroring
// ChangeOwner for the distinct sender-attribute set.
func (t *TermProxy) ChangeSender(sender wire.ID, attrs map[string]string) {
	values := map[string]string{senderPrefix + "id": sender.Format()}
	for k, v := range attrs {
		values[senderPrefix+k] = v
	}
	t.Attrs.ReplaceSubtree(senderPrefix, values)
}
