package watch

import (
	"context"
	"sort"
	"sync"

	"github.com/ehrlich-b/wireterm/internal/actor"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// DefaultThrottleWarnBytes is the buffered-amount threshold past which the
// writer flags itself throttled absent an explicit configuration value.
const DefaultThrottleWarnBytes = 1 << 20

// Writer drains every active/closing watch bound to one connection into a
// shared protocol.Machine, on its own actor.Loop. It never calls
// machine.ReadFrom — only Send/Flush, per spec.md §4.9.
type Writer struct {
	connID    wire.ID
	machine   *protocol.Machine
	loop      *actor.Loop
	throttleAt int

	mu        sync.Mutex
	active    map[*Watch]struct{}
	closing   map[*Watch]struct{}
	responses [][]byte
	buffered  int
	throttled bool
}

// NewWriter constructs a Writer for the connection identified by connID,
// draining into machine. throttleWarnBytes <= 0 selects
// DefaultThrottleWarnBytes.
func NewWriter(connID wire.ID, machine *protocol.Machine, throttleWarnBytes int) *Writer {
	if throttleWarnBytes <= 0 {
		throttleWarnBytes = DefaultThrottleWarnBytes
	}
	return &Writer{
		connID:     connID,
		machine:    machine,
		loop:       actor.New(0),
		throttleAt: throttleWarnBytes,
		active:     make(map[*Watch]struct{}),
		closing:    make(map[*Watch]struct{}),
	}
}

// Run drives the writer's coalescing loop until ctx is cancelled.
func (w *Writer) Run(ctx context.Context, onPanic func(recovered any)) {
	w.loop.Run(ctx, w, onPanic)
}

func (w *Writer) wake() {
	w.loop.CommitWork()
}

func (w *Writer) addActive(watch *Watch) {
	w.mu.Lock()
	w.active[watch] = struct{}{}
	w.mu.Unlock()
	w.wake()
}

func (w *Writer) moveToClosing(watch *Watch) {
	w.mu.Lock()
	delete(w.active, watch)
	w.closing[watch] = struct{}{}
	w.mu.Unlock()
	w.wake()
}

// SubmitResponse accumulates buffered bytes for direct forwarding (bypassing
// a watch's own accumulator — e.g. a routed client response). It returns
// true if the writer is now throttled, signaling the caller to itself back
// off (e.g. by pausing an upstream task).
func (w *Writer) SubmitResponse(buf []byte) (throttled bool) {
	w.mu.Lock()
	w.responses = append(w.responses, buf)
	w.buffered += len(buf)
	if w.buffered > w.throttleAt {
		w.throttled = true
	}
	throttled = w.throttled
	w.mu.Unlock()
	w.wake()
	return throttled
}

// HandleWork implements actor.Handler; every work item is just a wakeup —
// the actual state lives in the writer's own sets, guarded by w.mu.
func (w *Writer) HandleWork(item actor.WorkItem) bool {
	w.drainOnce()
	return true
}

// HandleIdle implements actor.Handler; the writer has no keepalive duties
// of its own (the reader owns the idle-timeout clock).
func (w *Writer) HandleIdle(idleCount int) bool {
	return true
}

func (w *Writer) drainOnce() {
	w.mu.Lock()
	activeList := make([]*Watch, 0, len(w.active))
	for watch := range w.active {
		activeList = append(activeList, watch)
	}
	closingList := make([]*Watch, 0, len(w.closing))
	for watch := range w.closing {
		closingList = append(closingList, watch)
	}
	w.closing = make(map[*Watch]struct{})
	responses := w.responses
	w.responses = nil
	w.buffered = 0
	wasThrottled := w.throttled
	w.throttled = false
	w.mu.Unlock()

	sort.Slice(activeList, func(i, j int) bool { return Less(activeList[i], activeList[j]) })
	sort.Slice(closingList, func(i, j int) bool { return Less(closingList[i], closingList[j]) })

	if wasThrottled {
		frame := wire.NewMarshaler(wire.CmdThrottleResume).PutID(w.connID).Bytes()
		_ = w.machine.Send(frame)
	}

	for _, resp := range responses {
		_ = w.machine.Send(resp)
	}

	for _, watch := range activeList {
		frames := encodeUpdate(watch)
		if len(frames) == 0 {
			continue
		}
		// Every drain cycle encloses a watch's updates in a single
		// BEGIN_OUTPUT/END_OUTPUT pair, so a subscriber never sees fields
		// from two different source END_OUTPUT cycles interleaved in the
		// same pair (spec.md §5).
		_ = w.machine.Send(wire.NewMarshaler(wire.CmdBeginOutput).PutID(watch.SubjectID).Bytes())
		for _, frame := range frames {
			_ = w.machine.Send(frame)
		}
		_ = w.machine.Send(wire.NewMarshaler(wire.CmdEndOutput).PutID(watch.SubjectID).Bytes())
	}

	for _, watch := range closingList {
		_ = w.machine.Send(encodeClose(watch))
		if watch.PutWriterReference() {
			// Subject-side destruction is driven by whichever registry
			// (proxy, listener) owns the watch's lifecycle; this writer's
			// half of the handshake is done.
		}
	}

	_ = w.machine.Flush(nil)
}

// encodeUpdate renders a watch's accumulated state as zero or more frames.
func encodeUpdate(watch *Watch) [][]byte {
	dirty, snap, rows, regions, files, removed, attrs := watch.takeAccumulated()
	if dirty.Empty() && len(attrs) == 0 {
		return nil
	}

	var frames [][]byte
	id := watch.SubjectID

	if dirty.Has(model.DirtyRows) {
		for _, row := range rows {
			m := wire.NewMarshaler(wire.CmdRowUpdate).
				PutID(id).
				PutU32(uint32(row.Buffer)).
				PutU64(row.Index).
				PutU32(uint32(row.LineFlags)).
				PutU32(row.Columns).
				PutU32(row.ModTime).
				PutCString(row.Text)
			frames = append(frames, m.Bytes())
		}
	}
	if dirty.Has(model.DirtyRegions) {
		for _, region := range regions {
			m := wire.NewMarshaler(wire.CmdRegionUpdate).
				PutID(id).
				PutID(region.ID).
				PutU32(uint32(region.Kind)).
				PutU64(region.StartRow).
				PutU64(region.EndRow).
				PutU32(region.StartCol).
				PutU32(region.EndCol)
			for k, v := range region.Attributes {
				m.PutKV(k, v)
			}
			frames = append(frames, m.Bytes())
		}
	}
	if dirty.Has(model.DirtyFiles) {
		for name, entry := range files {
			m := wire.NewMarshaler(wire.CmdFileUpdate).
				PutID(id).
				PutU32(entry.MTime).
				PutU64(entry.Size).
				PutU32(entry.Mode).
				PutU32(entry.UID).
				PutU32(entry.GID).
				PutCString(name)
			for k, v := range entry.Extra {
				m.PutKV(k, v)
			}
			frames = append(frames, m.Bytes())
		}
		for _, name := range removed {
			m := wire.NewMarshaler(wire.CmdFileRemove).PutID(id).PutCString(name)
			frames = append(frames, m.Bytes())
		}
	}
	if dirty.Has(model.DirtyCursor) {
		visible := uint32(0)
		if snap.Cursor.Visible {
			visible = 1
		}
		frames = append(frames, wire.NewMarshaler(wire.CmdCursorMove).
			PutID(id).PutU64(snap.Cursor.Row).PutU32(snap.Cursor.Col).PutU32(visible).Bytes())
	}
	if dirty.Has(model.DirtyMouse) {
		active := uint32(0)
		if snap.Mouse.Active {
			active = 1
		}
		frames = append(frames, wire.NewMarshaler(wire.CmdMouseMove).
			PutID(id).PutU32(snap.Mouse.Row).PutU32(snap.Mouse.Col).PutU32(active).Bytes())
	}
	if dirty.Has(model.DirtyBell) {
		frames = append(frames, wire.NewMarshaler(wire.CmdBell).PutID(id).Bytes())
	}
	if dirty.Has(model.DirtyBufferSwitch) {
		frames = append(frames, wire.NewMarshaler(wire.CmdBufferSwitch).
			PutID(id).PutU32(uint32(snap.ActiveBuffer)).
			PutU64(snap.BufLength[snap.ActiveBuffer]).PutU64(snap.BufCapacity[snap.ActiveBuffer]).Bytes())
	}
	if dirty.Has(model.DirtySize) {
		frames = append(frames, wire.NewMarshaler(wire.CmdSizeChange).
			PutID(id).PutU32(snap.Size.Cols).PutU32(snap.Size.Rows).Bytes())
	}
	if dirty.Has(model.DirtyFlags) {
		frames = append(frames, wire.NewMarshaler(wire.CmdFlagsChange).PutID(id).PutU32(uint32(snap.Flags)).Bytes())
	}
	if len(attrs) > 0 {
		m := wire.NewMarshaler(wire.CmdAttrSet).PutID(id)
		for k, v := range attrs {
			m.PutKV(k, v)
		}
		frames = append(frames, m.Bytes())
	}
	return frames
}

// encodeClose renders a watch's teardown announcement, reusing the
// subject-appropriate remove command with the close reason packed the same
// way a connection disconnect code is.
func encodeClose(watch *Watch) []byte {
	var cmd uint32
	switch watch.Kind {
	case SubjectServer, SubjectConnProxy:
		cmd = wire.CmdRemoveServer
	case SubjectConn:
		cmd = wire.CmdRemoveConn
	default:
		cmd = wire.CmdRemoveTerm
	}
	return wire.NewMarshaler(cmd).
		PutID(watch.SubjectID).
		PutU32(wire.EncodeDisconnect(watch.closeReason(), false)).
		Bytes()
}
