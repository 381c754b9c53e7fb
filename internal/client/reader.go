// Package client implements the client-facing connection half: the reader
// actor that parses inbound client frames, tracks the idle-timeout clock,
// and indexes the client's active watches. The writer half is
// watch.Writer, reused unchanged — a client connection drains through the
// same coalescing loop a hop connection's mirrored terms do.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/wireterm/internal/actor"
	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/watch"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// watchEntry pairs a live watch with whatever teardown its kind needs
// beyond the watch's own Release: detaching from a term proxy's sink list
// and/or its attr.Base watcher set.
type watchEntry struct {
	w       *watch.Watch
	cleanup func()
}

// TaskSink is the task engine's inbound surface, as seen by a client
// reader: the handful of client->server commands that create, cancel, or
// answer a task.
type TaskSink interface {
	StartTask(clientID, taskID, targetID wire.ID, kind uint32, payload []byte)
	CancelTask(taskID wire.ID)
	AnswerTask(taskID wire.ID, code uint32, payload []byte)
	ResumeTask(taskID wire.ID)
}

// maxIdleMisses is the number of consecutive keepalive ticks with no
// inbound traffic before a client is disconnected for idling, per
// spec.md §4.9.
const maxIdleMisses = 2

// idleCheckInterval is the reader's keepalive/idle-check period.
const idleCheckInterval = 15 * time.Second

// Reader is the client-facing reader actor: one per connected client
// socket, owning the protocol machine, the idle-timeout clock, and the
// client's set of active watches.
type Reader struct {
	ID wire.ID

	l       *listener.Listener
	machine *protocol.Machine
	writer  *watch.Writer
	tasks   TaskSink
	loop    *actor.Loop

	mu         sync.Mutex
	watches    map[wire.ID]*watchEntry
	idleMisses int
	sawTraffic bool
	closing    bool
}

// New constructs a client Reader. writer is the coalescing drain loop this
// client's mirrored state flushes through; tasks receives the client's
// task-control frames. Bind must be called with the protocol.Machine
// driving this connection before any frame is fed to it — the same
// two-step construction conn.Instance uses, since the Machine itself needs
// the Reader as its Callbacks value before the Reader's own machine field
// can be populated.
func New(id wire.ID, l *listener.Listener, writer *watch.Writer, tasks TaskSink) *Reader {
	return &Reader{
		ID:      id,
		l:       l,
		writer:  writer,
		tasks:   tasks,
		loop:    actor.New(idleCheckInterval),
		watches: make(map[wire.ID]*watchEntry),
	}
}

// Bind attaches the protocol machine driving this connection.
func (r *Reader) Bind(machine *protocol.Machine) {
	r.machine = machine
}

// SetWriter attaches the coalescing writer this client's watches drain
// through, once constructed (it needs the same Machine Bind supplies).
func (r *Reader) SetWriter(writer *watch.Writer) {
	r.writer = writer
}

// Run drives the reader's idle-timeout clock until ctx is cancelled. Frame
// dispatch itself happens synchronously on whatever goroutine calls Feed
// (typically the connection's own transport-read loop), matching
// protocol.Machine's non-reentrant contract.
func (r *Reader) Run(ctx context.Context, onPanic func(recovered any)) {
	r.loop.Run(ctx, r, onPanic)
}

// HandleWork implements actor.Handler; the reader has no queued work of its
// own beyond the idle clock.
func (r *Reader) HandleWork(item actor.WorkItem) bool { return true }

// HandleIdle implements the two-strikes idle-timeout clock: a tick with no
// inbound traffic since the previous tick increments the miss counter; two
// consecutive misses disconnect with IDLE_TIMEOUT.
func (r *Reader) HandleIdle(idleCount int) bool {
	r.mu.Lock()
	if r.sawTraffic {
		r.sawTraffic = false
		r.idleMisses = 0
		r.mu.Unlock()
		return true
	}
	r.idleMisses++
	misses := r.idleMisses
	r.mu.Unlock()
	if misses >= maxIdleMisses {
		r.disconnect(wire.DisconnectIdleTimeout)
		return false
	}
	return true
}

// Feed hands freshly read transport bytes to the protocol machine, clearing
// the idle-miss clock on any inbound traffic.
func (r *Reader) Feed(b []byte) bool {
	r.mu.Lock()
	r.sawTraffic = true
	r.mu.Unlock()
	return r.machine.Feed(b)
}

// OnFrame implements protocol.Callbacks.
func (r *Reader) OnFrame(cmd uint32, body []byte) bool {
	switch wire.ClassOf(cmd) {
	case wire.ClassPlain:
		return r.handlePlain(cmd, body)
	case wire.ClassClient:
		return r.handleClient(cmd, body)
	default:
		logger.Warn("client: unexpected command class from client", "cmd", cmd)
		return true
	}
}

// OnEOF implements protocol.Callbacks.
func (r *Reader) OnEOF(err error) {
	r.disconnect(wire.DisconnectLostConn)
}

func (r *Reader) handlePlain(cmd uint32, body []byte) bool {
	switch cmd {
	case wire.CmdKeepalive:
		_ = r.Send(wire.NewMarshaler(wire.CmdKeepalive).Bytes())
	case wire.CmdDisconnect:
		r.disconnect(wire.DisconnectNormal)
		return false
	default:
		logger.Warn("client: unknown plain command", "cmd", cmd)
	}
	return true
}

func (r *Reader) handleClient(cmd uint32, body []byte) bool {
	u := wire.NewUnmarshaler(body)
	switch cmd {
	case wire.CmdStartTask:
		taskID, err := u.ID()
		if err != nil {
			return false
		}
		targetID, err := u.ID()
		if err != nil {
			return false
		}
		kind, err := u.U32()
		if err != nil {
			return false
		}
		r.tasks.StartTask(r.ID, taskID, targetID, kind, u.TrailingBytes())
	case wire.CmdCancelTask:
		taskID, err := u.ID()
		if err != nil {
			return false
		}
		r.tasks.CancelTask(taskID)
	case wire.CmdTaskAnswer:
		taskID, err := u.ID()
		if err != nil {
			return false
		}
		code, err := u.U32()
		if err != nil {
			return false
		}
		r.tasks.AnswerTask(taskID, code, u.TrailingBytes())
	case wire.CmdTaskResume:
		taskID, err := u.ID()
		if err != nil {
			return false
		}
		r.tasks.ResumeTask(taskID)
	case wire.CmdOpenWatch:
		subjectID, err := u.ID()
		if err != nil {
			return false
		}
		kind, err := u.U32()
		if err != nil {
			return false
		}
		r.openWatch(subjectID, watch.SubjectKind(kind))
	case wire.CmdCloseWatch:
		subjectID, err := u.ID()
		if err != nil {
			return false
		}
		r.closeWatch(subjectID, wire.DisconnectNormal)
	default:
		logger.Warn("client: unexpected client->server command", "cmd", cmd)
	}
	return true
}

// Send writes frame directly on the reader's own machine, bypassing the
// coalescing writer — used for the handful of replies the reader itself is
// responsible for (keepalive echo, its own DISCONNECT).
func (r *Reader) Send(frame []byte) error {
	if err := r.machine.Send(frame); err != nil {
		return err
	}
	return r.machine.Flush(nil)
}

// AddWatch registers a freshly started watch under subject id, so a later
// teardown can route its release correctly. cleanup (may be nil) detaches
// whatever live-update hooks openWatch attached beyond the watch itself.
func (r *Reader) AddWatch(id wire.ID, w *watch.Watch, cleanup func()) {
	r.mu.Lock()
	r.watches[id] = &watchEntry{w: w, cleanup: cleanup}
	r.mu.Unlock()
}

// RemoveWatch drops a watch once both halves have released it.
func (r *Reader) RemoveWatch(id wire.ID) {
	r.mu.Lock()
	delete(r.watches, id)
	r.mu.Unlock()
}

// openWatch resolves subjectID/kind against the listener's registry,
// constructs the matching watch.Subject, starts the watch, and attaches any
// live-update hooks (a term's sink, a server/term's attribute watcher) the
// subject needs beyond its one-time ANNOUNCE. An unresolvable subject is
// silently ignored — a client racing a subject's teardown is not an error.
func (r *Reader) openWatch(subjectID wire.ID, kind watch.SubjectKind) {
	r.mu.Lock()
	if _, exists := r.watches[subjectID]; exists {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var subject watch.Subject
	var hops uint32
	var cleanup func()

	switch kind {
	case watch.SubjectServer:
		sp, ok := r.l.LookupServerProxy(subjectID)
		if !ok {
			return
		}
		hops = sp.HopCount
		subject = watch.ServerSubject{HopID: r.ID, SP: sp}
	case watch.SubjectTerm, watch.SubjectTermProxy:
		tp, ok := r.l.LookupTermProxy(subjectID)
		if !ok {
			return
		}
		if sp, ok := r.l.LookupServerProxy(tp.ServerID); ok {
			hops = sp.HopCount
		}
		subject = watch.TermSubject{TP: tp}
	case watch.SubjectConn, watch.SubjectConnProxy:
		info, ok := r.l.LookupClient(subjectID)
		if !ok {
			return
		}
		subject = watch.ConnSubject{Frame: info.AnnounceBytes}
	case watch.SubjectListener:
		// No per-subject state to announce; the watch just rides the
		// writer's coalescing loop for whatever gets SubmitResponse'd to it.
	default:
		logger.Warn("client: unknown watch kind", "kind", uint32(kind))
		return
	}

	w := watch.New(r.writer, subjectID, kind, hops, subject)

	switch kind {
	case watch.SubjectTerm, watch.SubjectTermProxy:
		tp, ok := r.l.LookupTermProxy(subjectID)
		if ok {
			tp.AttachSink(w)
			tp.Attrs.AddWatcher(w)
			cleanup = func() {
				tp.DetachSink(w)
				tp.Attrs.RemoveWatcher(w)
			}
		}
	case watch.SubjectServer:
		sp, ok := r.l.LookupServerProxy(subjectID)
		if ok {
			sp.Attrs.AddWatcher(w)
			cleanup = func() { sp.Attrs.RemoveWatcher(w) }
		}
	}

	r.AddWatch(subjectID, w, cleanup)
	w.Start()
}

// closeWatch releases a client-initiated watch, running its cleanup and
// removing it from the reader's index.
func (r *Reader) closeWatch(subjectID wire.ID, reason wire.DisconnectCode) {
	r.mu.Lock()
	entry, ok := r.watches[subjectID]
	delete(r.watches, subjectID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if entry.cleanup != nil {
		entry.cleanup()
	}
	entry.w.Release(reason)
}

// disconnect is idempotent: it sends a DISCONNECT frame, releases every
// active watch, and unregisters the client from the listener.
func (r *Reader) disconnect(reason wire.DisconnectCode) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	entries := make([]*watchEntry, 0, len(r.watches))
	for _, e := range r.watches {
		entries = append(entries, e)
	}
	r.watches = make(map[wire.ID]*watchEntry)
	r.mu.Unlock()

	_ = r.Send(wire.NewMarshaler(wire.CmdDisconnect).PutU32(wire.EncodeDisconnect(reason, false)).Bytes())
	for _, e := range entries {
		if e.cleanup != nil {
			e.cleanup()
		}
		e.w.Release(reason)
	}
	r.l.UnregisterClient(r.ID)
}
