// Package listener implements the process-singleton registry and routing
// core: every local terminal, reader, server/term proxy, client, and task
// is registered here, and every cross-connection forward passes through
// one of its routing helpers.
package listener

import (
	"sync"

	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Target is whatever can accept a raw outbound frame for a registered
// subject: a conn.Instance for a remote peer, or a local in-process sink
// for a directly-hosted terminal.
type Target interface {
	Send(frame []byte) error
}

// ClientWriter is the subset of watch.Writer the listener needs without
// importing package watch (which already imports proxy; listener importing
// watch would be fine, but this keeps the registry decoupled from the
// writer's drain-loop internals).
type ClientWriter interface {
	SubmitResponse(buf []byte) (throttled bool)
}

// ClientInfo mirrors spec.md §4.10's client-info tuple.
type ClientInfo struct {
	ID            wire.ID
	Writer        ClientWriter
	AnnounceBytes []byte
	Attrs         map[string]string
	Hops          uint32
	Flags         uint32
}

// TaskHandle is the listener's view of a running task, sufficient for
// registry bookkeeping and target-based dedupe (spec.md §4.10's
// "add_task/remove_task with target-set dedupe so at most one exclusive
// task per target").
type TaskHandle interface {
	ID() wire.ID
	TargetID() wire.ID
	Exclusive() bool
	Cancel()
}

// Listener is the process-singleton registry. The zero value is not usable;
// use New.
type Listener struct {
	mu sync.RWMutex

	localTerms map[wire.ID]*proxy.TermProxy
	readers    map[wire.ID]Target

	proxyConns   map[wire.ID]wire.ID          // term id -> owning connection id
	proxyTerms   map[wire.ID]*proxy.TermProxy // term id -> proxy
	proxyServers map[wire.ID]*proxy.ServerProxy
	serverConns  map[wire.ID]wire.ID // server id -> owning connection id

	clientOrder []wire.ID
	clients     map[wire.ID]*ClientInfo

	tasks         map[wire.ID]TaskHandle
	tasksByTarget map[wire.ID]wire.ID // target id -> task id, enforcing one exclusive task per target
}

// New creates an empty Listener.
func New() *Listener {
	return &Listener{
		localTerms:    make(map[wire.ID]*proxy.TermProxy),
		readers:       make(map[wire.ID]Target),
		proxyConns:    make(map[wire.ID]wire.ID),
		proxyTerms:    make(map[wire.ID]*proxy.TermProxy),
		proxyServers:  make(map[wire.ID]*proxy.ServerProxy),
		serverConns:   make(map[wire.ID]wire.ID),
		clients:       make(map[wire.ID]*ClientInfo),
		tasks:         make(map[wire.ID]TaskHandle),
		tasksByTarget: make(map[wire.ID]wire.ID),
	}
}

// RegisterReader adds a reader's connection-wide target under connID.
func (l *Listener) RegisterReader(connID wire.ID, target Target) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.readers[connID]; exists {
		return false
	}
	l.readers[connID] = target
	return true
}

// UnregisterReader removes a reader and every proxy/term/server entry that
// routed through it.
func (l *Listener) UnregisterReader(connID wire.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.readers, connID)
	for termID, owner := range l.proxyConns {
		if owner == connID {
			delete(l.proxyConns, termID)
			delete(l.proxyTerms, termID)
		}
	}
	for serverID, owner := range l.serverConns {
		if owner == connID {
			delete(l.serverConns, serverID)
			delete(l.proxyServers, serverID)
		}
	}
}

// RegisterLocalTerm adds a directly-hosted terminal (spawned by this
// process's own ptyhost, not proxied through a remote connection).
func (l *Listener) RegisterLocalTerm(id wire.ID, tp *proxy.TermProxy) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.localTerms[id]; exists {
		return false
	}
	l.localTerms[id] = tp
	return true
}

// UnregisterLocalTerm removes a directly-hosted terminal.
func (l *Listener) UnregisterLocalTerm(id wire.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.localTerms, id)
}

// RegisterServer registers a server proxy behind connID. Returns false on
// duplicate id, matching spec.md §4.10's register_server contract.
func (l *Listener) RegisterServer(id wire.ID, sp *proxy.ServerProxy, connID wire.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.proxyServers[id]; exists {
		return false
	}
	l.proxyServers[id] = sp
	l.serverConns[id] = connID
	return true
}

// UnregisterServer removes a server proxy. reason is not used: nothing is
// recorded, and no watch on the server is released from here.
func (l *Listener) UnregisterServer(id wire.ID, reason wire.DisconnectCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.proxyServers, id)
	delete(l.serverConns, id)
}

// RegisterTerm registers a proxied (non-local) terminal behind connID.
func (l *Listener) RegisterTerm(id wire.ID, tp *proxy.TermProxy, connID wire.ID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.proxyTerms[id]; exists {
		return false
	}
	l.proxyTerms[id] = tp
	l.proxyConns[id] = connID
	return true
}

// UnregisterTerm removes a proxied terminal.
func (l *Listener) UnregisterTerm(id wire.ID, reason wire.DisconnectCode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.proxyTerms, id)
	delete(l.proxyConns, id)
}

// RegisterClient adds a client to the ordered client-info list.
func (l *Listener) RegisterClient(info *ClientInfo) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.clients[info.ID]; exists {
		return false
	}
	l.clients[info.ID] = info
	l.clientOrder = append(l.clientOrder, info.ID)
	return true
}

// UnregisterClient removes a client from the client registry. Tasks the
// client started are not cancelled here; they stay registered.
func (l *Listener) UnregisterClient(id wire.ID) {
	l.mu.Lock()
	delete(l.clients, id)
	for i, cid := range l.clientOrder {
		if cid == id {
			l.clientOrder = append(l.clientOrder[:i], l.clientOrder[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// Clients returns every registered client, in registration order.
func (l *Listener) Clients() []*ClientInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ClientInfo, 0, len(l.clientOrder))
	for _, id := range l.clientOrder {
		out = append(out, l.clients[id])
	}
	return out
}

// ForwardResult is the tri-state result of a forward_to_* call.
type ForwardResult int

const (
	ForwardThrottled ForwardResult = 0 // queued, but the target asks the caller to back off
	ForwardMissing   ForwardResult = -1
	ForwardQueued    ForwardResult = 1
)

// ForwardToServer routes bytes to the connection currently hosting server
// id. hopOut is presently unused by the in-process transport (a single hop
// never needs header rewriting) but is kept to match the spec's signature
// for when a multi-hop chain is wired in.
func (l *Listener) ForwardToServer(id wire.ID, frame []byte, hopOut bool) ForwardResult {
	l.mu.RLock()
	connID, ok := l.serverConns[id]
	if !ok {
		l.mu.RUnlock()
		return ForwardMissing
	}
	target, ok := l.readers[connID]
	l.mu.RUnlock()
	if !ok {
		return ForwardMissing
	}
	if err := target.Send(frame); err != nil {
		return ForwardMissing
	}
	return ForwardQueued
}

// ForwardToTerm routes bytes to the connection currently hosting term id,
// whether a local ptyhost sink or a proxied remote connection.
func (l *Listener) ForwardToTerm(id wire.ID, frame []byte, hopOut bool) ForwardResult {
	l.mu.RLock()
	if target, ok := l.readers[id]; ok {
		// A local term's "connection" is registered directly under its own
		// id by the ptyhost (see ptyhost.Host.bind), sidestepping an
		// otherwise-empty proxyConns hop.
		l.mu.RUnlock()
		if err := target.Send(frame); err != nil {
			return ForwardMissing
		}
		return ForwardQueued
	}
	connID, ok := l.proxyConns[id]
	if !ok {
		l.mu.RUnlock()
		return ForwardMissing
	}
	target, ok := l.readers[connID]
	l.mu.RUnlock()
	if !ok {
		return ForwardMissing
	}
	if err := target.Send(frame); err != nil {
		return ForwardMissing
	}
	return ForwardQueued
}

// ForwardToClient routes bytes to a registered client's writer. It returns
// ForwardThrottled (0) if the client's writer is now throttled — the
// caller's signal to push TASK_PAUSE upstream — ForwardMissing (-1) if no
// such client is registered, or ForwardQueued (1) otherwise.
func (l *Listener) ForwardToClient(id wire.ID, frame []byte) ForwardResult {
	l.mu.RLock()
	info, ok := l.clients[id]
	l.mu.RUnlock()
	if !ok {
		return ForwardMissing
	}
	if info.Writer.SubmitResponse(frame) {
		return ForwardThrottled
	}
	return ForwardQueued
}

// GetOwnerAttributes copies the named client's visible attributes into a
// fresh map, for use as the owner.* subtree on a freshly claimed terminal.
func (l *Listener) GetOwnerAttributes(id wire.ID) map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.clients[id]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(info.Attrs))
	for k, v := range info.Attrs {
		out[k] = v
	}
	return out
}

// GetSenderAttributes does the same for the sender subset — currently
// identical to GetOwnerAttributes since a client's attribute set is not
// itself split into owner/sender namespaces; kept distinct so callers read
// as intent, not indirection.
func (l *Listener) GetSenderAttributes(id wire.ID) map[string]string {
	return l.GetOwnerAttributes(id)
}

// AddTask registers a task, refusing a second exclusive task against a
// target that already has one.
func (l *Listener) AddTask(t TaskHandle) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.Exclusive() {
		if _, busy := l.tasksByTarget[t.TargetID()]; busy {
			return false
		}
		l.tasksByTarget[t.TargetID()] = t.ID()
	}
	l.tasks[t.ID()] = t
	return true
}

// RemoveTask unregisters a task by id.
func (l *Listener) RemoveTask(id wire.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tasks[id]
	if !ok {
		return
	}
	delete(l.tasks, id)
	if t.Exclusive() && l.tasksByTarget[t.TargetID()] == id {
		delete(l.tasksByTarget, t.TargetID())
	}
}

// TaskCount reports the number of live tasks, used by close-condition
// checks (spec.md §4.10: "all readers gone, all terms gone, no tasks
// remaining").
func (l *Listener) TaskCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tasks)
}

// Idle reports whether the listener has nothing left registered: no
// readers, no local or proxied terms, and no tasks. The process may exit
// once this holds and stays true past a grace period.
func (l *Listener) Idle() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.readers) == 0 && len(l.localTerms) == 0 && len(l.proxyTerms) == 0 && len(l.tasks) == 0
}

// LookupTermProxy returns the term proxy for id, whether local or proxied.
func (l *Listener) LookupTermProxy(id wire.ID) (*proxy.TermProxy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if tp, ok := l.localTerms[id]; ok {
		return tp, true
	}
	tp, ok := l.proxyTerms[id]
	return tp, ok
}

// LookupServerProxy returns the server proxy for id.
func (l *Listener) LookupServerProxy(id wire.ID) (*proxy.ServerProxy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sp, ok := l.proxyServers[id]
	return sp, ok
}

// LookupClient returns the registered client info for id, used to resolve a
// conn-kind watch's subject.
func (l *Listener) LookupClient(id wire.ID) (*ClientInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	info, ok := l.clients[id]
	return info, ok
}
