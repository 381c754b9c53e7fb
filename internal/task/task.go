// Package task implements the client-directed task engine: a windowed,
// ack-driven byte stream between a client and a terminal or server target,
// grounded on the teacher's per-user BandwidthMeter (internal/relay/bandwidth.go)
// for the optional pacing limiter, generalized here to a chunk/window ack
// protocol instead of a pure token bucket.
package task

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/wire"
	"golang.org/x/time/rate"
)

// Status mirrors the wire status codes carried on every TASK_OUTPUT frame.
type Status uint32

const (
	StatusStarting Status = iota
	StatusRunning
	StatusAcking
	StatusFinished
	StatusError
)

// ErrorCode enumerates the terminal failure reasons a task can report, per
// spec.md §6.
type ErrorCode uint32

const (
	ErrWriteFailed ErrorCode = iota + 1
	ErrRemoteReadFailed
	ErrRemoteConnectFailed
	ErrRemoteHandshakeFailed
	ErrRemoteLimitExceeded
	ErrLocalReadFailed
	ErrLocalConnectFailed
	ErrLocalHandshakeFailed
	ErrLocalTransferFailed
	ErrLocalRejection
	ErrLocalBadProtocol
	ErrLocalBadResponse
	ErrReadIdFailed
)

// Config bundles the flow-control parameters a Manager applies uniformly to
// every task it starts.
type Config struct {
	ChunkSize      int
	Window         int
	BytesPerSecond int // 0 disables pacing
	Burst          int
}

// Task is the abstract unit of client-directed work: upload, download,
// pipe, and port-forward variants differ only in how they source/sink
// bytes; the flow-control and status-machine core lives here.
type Task struct {
	id        wire.ID
	clientID  wire.ID
	targetID  wire.ID
	kind      uint32
	exclusive bool

	l       *listener.Listener
	limiter *rate.Limiter

	chunkSize int
	window    int

	mu          sync.Mutex
	sent        uint64
	acked       uint64
	status      Status
	throttledBy map[wire.ID]struct{}
	throttled   bool
	wake        chan struct{}
}

// New constructs a Task bound to clientID/targetID and registers it with l.
// Returns nil if l already has an exclusive task bound to targetID.
func New(id, clientID, targetID wire.ID, kind uint32, exclusive bool, l *listener.Listener, cfg Config) *Task {
	t := &Task{
		id:        id,
		clientID:  clientID,
		targetID:  targetID,
		kind:      kind,
		exclusive: exclusive,
		l:         l,
		chunkSize: cfg.ChunkSize,
		window:    cfg.Window,
		status:    StatusStarting,
	}
	if cfg.BytesPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.ChunkSize
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.BytesPerSecond), burst)
	}
	if !l.AddTask(t) {
		return nil
	}
	return t
}

// ID implements listener.TaskHandle.
func (t *Task) ID() wire.ID { return t.id }

// TargetID implements listener.TaskHandle.
func (t *Task) TargetID() wire.ID { return t.targetID }

// ClientID returns the client this task reports to.
func (t *Task) ClientID() wire.ID { return t.clientID }

// Exclusive implements listener.TaskHandle.
func (t *Task) Exclusive() bool { return t.exclusive }

func (t *Task) windowBytes() uint64 {
	if t.window <= 0 || t.chunkSize <= 0 {
		return ^uint64(0)
	}
	return uint64(t.window) * uint64(t.chunkSize)
}

// Start transitions the task to Running and announces it to the client.
func (t *Task) Start() {
	t.StartWithPayload(nil)
}

// StartWithPayload is Start with kind-specific bytes appended to the
// STARTING announcement (upload/download's chunk size and window, a
// port-forward listener's bound address) — extra is nil for a plain pipe.
func (t *Task) StartWithPayload(extra []byte) {
	t.mu.Lock()
	t.status = StatusRunning
	t.mu.Unlock()
	frame := wire.NewMarshaler(wire.CmdTaskOutput).
		PutID(t.id).PutID(t.clientID).
		PutU32(uint32(StatusStarting)).PutBytes(extra).Bytes()
	_ = t.l.ForwardToClient(t.clientID, frame)
}

// Cancel implements listener.TaskHandle: it marks the task finished and
// unregisters it without sending a final output frame (the client already
// knows it asked to cancel).
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.status == StatusFinished || t.status == StatusError {
		t.mu.Unlock()
		return
	}
	t.status = StatusFinished
	sent := t.sent
	t.mu.Unlock()
	logger.Debug("task: finished", "task", t.id.Format(), "sent", humanize.Bytes(sent))
	t.l.RemoveTask(t.id)
}

// Fail transitions the task to Error, reports it to the client, and
// unregisters it.
func (t *Task) Fail(code ErrorCode, message string) {
	t.mu.Lock()
	if t.status == StatusFinished || t.status == StatusError {
		t.mu.Unlock()
		return
	}
	t.status = StatusError
	t.mu.Unlock()

	frame := wire.NewMarshaler(wire.CmdTaskOutput).
		PutID(t.id).PutID(t.clientID).
		PutU32(uint32(StatusError)).PutU32(uint32(code)).PutCString(message).Bytes()
	_ = t.l.ForwardToClient(t.clientID, frame)
	t.l.RemoveTask(t.id)
}

// CanSend reports whether the task may push another chunk without pausing:
// no hop currently has it throttled, and sent-acked is still within the
// configured window.
func (t *Task) CanSend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.throttled && t.sent-t.acked < t.windowBytes()
}

// Emit pushes one chunk of task output to the client as a TASK_OUTPUT
// frame, applying the optional pacing limiter first. An empty payload
// signals EOF and finishes the task. Returns whether the caller should
// keep producing more chunks (false once paused or finished).
func (t *Task) Emit(payload []byte) bool {
	if t.limiter != nil && len(payload) > 0 {
		n := len(payload)
		burst := t.limiter.Burst()
		for n > 0 {
			chunk := n
			if burst > 0 && chunk > burst {
				chunk = burst
			}
			_ = t.limiter.WaitN(context.Background(), chunk)
			n -= chunk
		}
	}

	t.mu.Lock()
	t.sent += uint64(len(payload))
	overWindow := t.sent-t.acked >= t.windowBytes()
	t.mu.Unlock()

	frame := wire.NewMarshaler(wire.CmdTaskOutput).
		PutID(t.id).PutID(t.clientID).
		PutU32(uint32(StatusRunning)).PutBytes(payload).Bytes()
	result := t.l.ForwardToClient(t.clientID, frame)

	if len(payload) == 0 {
		t.Cancel()
		return false
	}

	// Two independent hops can throttle a task: the client's own connection
	// (the listener reports its writer is backed up) and the target's ack
	// window (the client hasn't caught up reading yet). Each is tracked as
	// its own hop id in the throttle set so a resume on one doesn't
	// erroneously clear the other, per spec.md §4.11.
	paused := false
	if result == listener.ForwardThrottled {
		t.Pause(t.clientID)
		paused = true
	}
	if overWindow {
		t.Pause(t.targetID)
		paused = true
	}
	return !paused
}

// wakeChan lazily creates the channel a source-side task (download,
// port-forward) blocks on between CanSend checks, so a Resume doesn't leave
// it sleeping through a poll interval.
func (t *Task) wakeChan() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wake == nil {
		t.wake = make(chan struct{}, 1)
	}
	return t.wake
}

func (t *Task) notifyWake() {
	t.mu.Lock()
	ch := t.wake
	t.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// WaitSendable blocks until CanSend is true or ctx is done, returning false
// in the latter case. A source-side task's producer loop calls this between
// reads instead of polling CanSend on a timer.
func (t *Task) WaitSendable(ctx context.Context) bool {
	for {
		if t.CanSend() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-t.wakeChan():
		}
	}
}

// AskQuestion pushes an interactive TASK_QUESTION prompt to the client.
func (t *Task) AskQuestion(code uint32, prompt string) {
	frame := wire.NewMarshaler(wire.CmdTaskQuestion).
		PutID(t.id).PutID(t.clientID).PutU32(code).PutCString(prompt).Bytes()
	_ = t.l.ForwardToClient(t.clientID, frame)
}

// HandleAnswer processes a client's TASK_ANSWER frame. A StatusAcking code
// carries the client's cumulative received-byte count (spec.md §4.11's
// ack protocol); any other code is an interactive question's answer, left
// to the concrete task kind to interpret.
func (t *Task) HandleAnswer(code uint32, payload []byte) {
	if Status(code) != StatusAcking {
		logger.Warn("task: unhandled answer code", "code", code, "task", t.id.Format())
		return
	}
	u := wire.NewUnmarshaler(payload)
	received, err := u.U64()
	if err != nil {
		return
	}
	t.HandleAck(received)
}

// HandleAck applies a cumulative received-byte count from the client,
// clearing the target hop's throttle and notifying the client to resume if
// every other hop has also cleared.
func (t *Task) HandleAck(received uint64) {
	t.mu.Lock()
	if received > t.acked {
		t.acked = received
	}
	stillOverWindow := t.sent-t.acked >= t.windowBytes()
	t.mu.Unlock()
	if !stillOverWindow {
		t.Resume(t.targetID)
	}
}

// Pause adds hopID to the set of hops currently throttling this task. The
// first hop to pause (the set crossing empty -> non-empty) sends a single
// TASK_PAUSE to the client; a hop that is already throttling is a no-op, so
// K distinct hops pausing and later K distinct resumes transition through
// throttled=true exactly once each way (spec.md §8).
func (t *Task) Pause(hopID wire.ID) {
	t.mu.Lock()
	if t.throttledBy == nil {
		t.throttledBy = make(map[wire.ID]struct{})
	}
	if _, already := t.throttledBy[hopID]; already {
		t.mu.Unlock()
		return
	}
	wasEmpty := len(t.throttledBy) == 0
	t.throttledBy[hopID] = struct{}{}
	becameThrottled := wasEmpty
	if becameThrottled {
		t.throttled = true
	}
	t.mu.Unlock()
	if becameThrottled {
		frame := wire.NewMarshaler(wire.CmdTaskPause).PutID(t.id).PutID(t.clientID).Bytes()
		_ = t.l.ForwardToClient(t.clientID, frame)
	}
}

// Resume removes hopID from the throttle set. Only once the set empties out
// (every hop that paused has now resumed) does the task send a TASK_RESUME
// to the client.
func (t *Task) Resume(hopID wire.ID) {
	t.mu.Lock()
	if _, ok := t.throttledBy[hopID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.throttledBy, hopID)
	becameClear := len(t.throttledBy) == 0
	if becameClear {
		t.throttled = false
	}
	t.mu.Unlock()
	if becameClear {
		frame := wire.NewMarshaler(wire.CmdTaskResume).PutID(t.id).PutID(t.clientID).Bytes()
		_ = t.l.ForwardToClient(t.clientID, frame)
		t.notifyWake()
	}
}
