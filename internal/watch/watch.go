// Package watch implements the one-to-one binding between a subscriber
// (reader/writer pair) and a subject (listener, server proxy, term proxy,
// or direct terminal/connection): the watch itself, its strict total sort
// order, and the coalescing writer drain loop that flushes accumulated
// subject state to the wire.
package watch

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/wireterm/internal/attr"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// SubjectKind is the watch's type tag, used as the secondary sort key.
// Order matters: it is spec.md §3's TermProxy < ConnProxy < Server < Term <
// Conn < Listener.
type SubjectKind uint8

const (
	SubjectTermProxy SubjectKind = iota
	SubjectConnProxy
	SubjectServer
	SubjectTerm
	SubjectConn
	SubjectListener
)

// CloseReason reuses the connection disconnect code space (spec.md §7) for
// a watch's close announcement; the two closing paths (request_release and
// release) are the only producers of a CloseReason.
type CloseReason = wire.DisconnectCode

var serialCounter uint64

func nextSerial() uint64 {
	return atomic.AddUint64(&serialCounter, 1)
}

// Watch binds one reader/writer pair to a subject. Exactly one Watch exists
// per (reader, subject) relationship; it is reference-counted by its two
// halves (reader, writer) and destroyed once both have released it.
type Watch struct {
	SubjectID wire.ID
	Kind      SubjectKind
	Hops      uint32
	Serial    uint64
	identity  uint64

	owner   *Writer // the writer this watch drains into
	subject Subject // announced once, on Start; nil skips the announce

	mu       sync.Mutex
	active   bool
	closing  bool
	started  bool
	closeRsn CloseReason
	refCount int32

	pendingAttrs map[string]string

	accMu        sync.Mutex
	dirty        model.DirtySet
	snap         model.Snapshot
	rows         map[proxy.RowKey]model.Row
	regions      map[wire.ID]model.Region
	files        map[string]model.FileEntry
	removedFiles map[string]struct{}
}

// New creates a watch for subjectID/kind at the given proxy hop depth,
// owned by writer w. subject supplies the one-time ANNOUNCE frame Start
// sends on activation; pass nil for kinds with nothing to announce (e.g.
// SubjectListener). The watch starts inactive.
func New(w *Writer, subjectID wire.ID, kind SubjectKind, hops uint32, subject Subject) *Watch {
	watch := &Watch{
		SubjectID:    subjectID,
		Kind:         kind,
		Hops:         hops,
		Serial:       nextSerial(),
		identity:     nextSerial(),
		owner:        w,
		subject:      subject,
		refCount:     2, // reader half + writer half
		pendingAttrs: make(map[string]string),
		rows:         make(map[proxy.RowKey]model.Row),
		regions:      make(map[wire.ID]model.Region),
		files:        make(map[string]model.FileEntry),
		removedFiles: make(map[string]struct{}),
	}
	return watch
}

// Start marks the watch active, queues its one-time ANNOUNCE frame (if it
// has a Subject), and registers it with its writer. The announce is queued
// ahead of the writer picking the watch up as active, so the first thing a
// subscriber ever sees for this watch is its ANNOUNCE, per spec.md §4.8.
func (w *Watch) Start() {
	w.mu.Lock()
	w.active = true
	w.started = true
	w.mu.Unlock()
	if w.subject != nil {
		if frame := w.subject.Announce(); len(frame) > 0 {
			w.owner.SubmitResponse(frame)
		}
	}
	w.owner.addActive(w)
}

// IsActive reports whether the watch is still accepting updates.
func (w *Watch) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// RequestRelease is called by the subject on teardown: it marks the watch
// closing with reason, and asks the writer to flush remaining state and
// emit a closing announcement before the reader drops its own reference.
func (w *Watch) RequestRelease(reason CloseReason) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return
	}
	w.active = false
	w.closing = true
	w.closeRsn = reason
	w.mu.Unlock()
	w.owner.moveToClosing(w)
}

// Release is called when the reader side exits on its own (not subject
// teardown): it marks the watch closing and asks the writer to unregister
// it the same way RequestRelease does.
func (w *Watch) Release(reason CloseReason) {
	w.RequestRelease(reason)
}

// PutReaderReference and PutWriterReference decrement the watch's
// reference count; the caller is told when it reaches zero so the subject
// can destroy the watch.
func (w *Watch) PutReaderReference() (destroyed bool) {
	return w.putReference()
}

func (w *Watch) PutWriterReference() (destroyed bool) {
	return w.putReference()
}

func (w *Watch) putReference() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refCount--
	return w.refCount <= 0
}

// SetPendingAttr records an attribute change to be included in the next
// drain cycle's update for this watch.
func (w *Watch) SetPendingAttr(key, value string) {
	w.accMu.Lock()
	w.pendingAttrs[key] = value
	w.dirty.Set(model.DirtyAttributes)
	w.accMu.Unlock()
	w.NotifyReady()
}

// OnAttributeChange implements attr.Watcher: a watch registers itself
// directly on its subject's attr.Base (server or term) so live attribute
// edits reach the subscriber the same way row/cursor updates do, batched
// into the next drain cycle rather than sent individually.
func (w *Watch) OnAttributeChange(changes []attr.Change) {
	w.accMu.Lock()
	for _, c := range changes {
		switch c.Kind {
		case attr.ChangeSet:
			w.pendingAttrs[c.Key] = c.Value
		case attr.ChangeRemove:
			w.pendingAttrs[c.Key] = ""
		}
	}
	if len(changes) > 0 {
		w.dirty.Set(model.DirtyAttributes)
	}
	w.accMu.Unlock()
	w.NotifyReady()
}

// Accumulate implements proxy.WatchSink: it merges a term proxy's flushed
// state into this watch's own per-watch accumulator, keeping only the
// latest encoding per row/region key.
func (w *Watch) Accumulate(dirty model.DirtySet, snap model.Snapshot, rows []model.Row, regions []model.Region, files map[string]model.FileEntry, removedFiles []string) {
	w.accMu.Lock()
	w.dirty |= dirty
	w.snap = snap
	for _, r := range rows {
		w.rows[proxy.RowKey{Buffer: r.Buffer, Index: r.Index}] = r
	}
	for _, r := range regions {
		w.regions[r.ID] = r
	}
	for name, entry := range files {
		w.files[name] = entry
		delete(w.removedFiles, name)
	}
	for _, name := range removedFiles {
		w.removedFiles[name] = struct{}{}
		delete(w.files, name)
	}
	w.accMu.Unlock()
}

// NotifyReady wakes the owning writer's drain loop.
func (w *Watch) NotifyReady() {
	w.owner.wake()
}

// takeAccumulated copies out and clears the watch's accumulator, for the
// writer drain loop to encode outside any lock.
func (w *Watch) takeAccumulated() (model.DirtySet, model.Snapshot, []model.Row, []model.Region, map[string]model.FileEntry, []string, map[string]string) {
	w.accMu.Lock()
	defer w.accMu.Unlock()

	dirty := w.dirty
	snap := w.snap
	rows := make([]model.Row, 0, len(w.rows))
	for _, r := range w.rows {
		rows = append(rows, r)
	}
	regions := make([]model.Region, 0, len(w.regions))
	for _, r := range w.regions {
		regions = append(regions, r)
	}
	files := make(map[string]model.FileEntry, len(w.files))
	for k, v := range w.files {
		files[k] = v
	}
	removed := make([]string, 0, len(w.removedFiles))
	for name := range w.removedFiles {
		removed = append(removed, name)
	}
	attrs := w.pendingAttrs
	w.pendingAttrs = make(map[string]string)

	w.dirty.Clear()
	w.rows = make(map[proxy.RowKey]model.Row)
	w.regions = make(map[wire.ID]model.Region)
	w.files = make(map[string]model.FileEntry)
	w.removedFiles = make(map[string]struct{})

	return dirty, snap, rows, regions, files, removed, attrs
}

func (w *Watch) closeReason() CloseReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeRsn
}

// Less implements the watch sort order: descending hops, ascending type,
// ascending serial, ascending identity (the last a pure tie-break that
// serial alone — strictly monotonic — should never need).
func Less(a, b *Watch) bool {
	if a.Hops != b.Hops {
		return a.Hops > b.Hops
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Serial != b.Serial {
		return a.Serial < b.Serial
	}
	return a.identity < b.identity
}
