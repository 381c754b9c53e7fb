package task

import (
	"sync"

	"github.com/ehrlich-b/wireterm/internal/config"
	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Task kinds a client may request via START_TASK's kind field.
const (
	KindPipe        uint32 = 0 // run a command against a term/server target, streaming its output back
	KindUpload      uint32 = 1
	KindDownload    uint32 = 2
	KindPortForward uint32 = 3
)

// Controller is the uniform surface Manager drives every task kind through.
// *Task satisfies it as-is — that's all a pipe needs — and
// UploadTask/DownloadTask/PortForwardTask each embed *Task and override
// Cancel to release what they own; UploadTask and PortForwardTask also
// override HandleAnswer to give their kind-specific payloads meaning.
type Controller interface {
	ID() wire.ID
	TargetID() wire.ID
	ClientID() wire.ID
	Exclusive() bool
	Cancel()
	HandleAnswer(code uint32, payload []byte)
	Resume(hopID wire.ID)
}

// Manager dispatches a client's task-control frames to concrete Task
// instances, implementing client.TaskSink.
type Manager struct {
	l    *listener.Listener
	cfg  Config
	host *config.HostConfig

	mu    sync.Mutex
	tasks map[wire.ID]Controller
}

// NewManager constructs a Manager applying cfg's flow-control parameters
// uniformly to every task it starts. host resolves the filesystem paths an
// upload/download may touch for a given client; it may be nil, in which
// case file transfer tasks always reject for want of any configured path.
func NewManager(l *listener.Listener, cfg Config, host *config.HostConfig) *Manager {
	return &Manager{l: l, cfg: cfg, host: host, tasks: make(map[wire.ID]Controller)}
}

// StartTask implements client.TaskSink.
func (m *Manager) StartTask(clientID, taskID, targetID wire.ID, kind uint32, payload []byte) {
	base := New(taskID, clientID, targetID, kind, true, m.l, m.cfg)
	if base == nil {
		frame := wire.NewMarshaler(wire.CmdTaskOutput).
			PutID(taskID).PutID(clientID).
			PutU32(uint32(StatusError)).PutU32(uint32(ErrLocalRejection)).PutCString("target busy").Bytes()
		_ = m.l.ForwardToClient(clientID, frame)
		return
	}

	var ctrl Controller = base
	u := wire.NewUnmarshaler(payload)

	switch kind {
	case KindPipe:
		base.Start()
		// The pipe's initial payload is the command line; subsequent output
		// arrives as ordinary client-class frames routed by conn.Instance
		// (the term/server hop forwards them verbatim), so the manager has
		// no further byte-pumping to do for this kind.
		if result := m.l.ForwardToTerm(targetID, wire.NewMarshaler(wire.CmdTermInput).PutID(targetID).PutBytes(payload).Bytes(), false); result == listener.ForwardMissing {
			base.Fail(ErrLocalConnectFailed, "target not found")
			return
		}
	case KindUpload:
		filename, err := u.CString()
		if err != nil {
			base.Fail(ErrLocalBadProtocol, "missing filename")
			return
		}
		total, err := u.U64()
		if err != nil {
			base.Fail(ErrLocalBadProtocol, "missing size")
			return
		}
		ut := newUploadTask(base, m.host, filename, total)
		if ut == nil {
			return // base already Fail()ed
		}
		ctrl = ut
		ut.begin()
	case KindDownload:
		filename, err := u.CString()
		if err != nil {
			base.Fail(ErrLocalBadProtocol, "missing filename")
			return
		}
		dt := newDownloadTask(base, m.host, filename)
		if dt == nil {
			return
		}
		ctrl = dt
		dt.begin()
	case KindPortForward:
		host, err := u.CString()
		if err != nil {
			base.Fail(ErrLocalBadProtocol, "missing host")
			return
		}
		port, err := u.U32()
		if err != nil {
			base.Fail(ErrLocalBadProtocol, "missing port")
			return
		}
		pf := newPortForwardTask(base, host, port)
		if pf == nil {
			return
		}
		ctrl = pf
		pf.begin()
	default:
		base.Fail(ErrLocalBadProtocol, "unknown task kind")
		return
	}

	m.mu.Lock()
	m.tasks[taskID] = ctrl
	m.mu.Unlock()
}

// CancelTask implements client.TaskSink.
func (m *Manager) CancelTask(taskID wire.ID) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if ok {
		delete(m.tasks, taskID)
	}
	m.mu.Unlock()
	if ok {
		t.Cancel()
	}
}

// AnswerTask implements client.TaskSink.
func (m *Manager) AnswerTask(taskID wire.ID, code uint32, payload []byte) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if ok {
		t.HandleAnswer(code, payload)
	}
}

// ResumeTask implements client.TaskSink: an inbound TASK_RESUME clears the
// client-connection hop specifically, leaving any target-window throttle
// from the same task untouched until its own ack catches up.
func (m *Manager) ResumeTask(taskID wire.ID) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if ok {
		t.Resume(t.ClientID())
	}
}
