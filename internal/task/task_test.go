package task

import (
	"sync"
	"testing"

	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// fakeWriter captures every frame forwarded to a client, standing in for
// watch.Writer's SubmitResponse so task tests don't need a real connection.
type fakeWriter struct {
	mu        sync.Mutex
	frames    [][]byte
	throttled bool
}

func (w *fakeWriter) SubmitResponse(buf []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, append([]byte(nil), buf...))
	return w.throttled
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *fakeWriter) last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.frames) == 0 {
		return nil
	}
	return w.frames[len(w.frames)-1]
}

func newTestListenerWithClient(t *testing.T) (*listener.Listener, wire.ID, *fakeWriter) {
	t.Helper()
	l := listener.New()
	clientID := wire.Generate()
	w := &fakeWriter{}
	if !l.RegisterClient(&listener.ClientInfo{ID: clientID, Writer: w}) {
		t.Fatal("register client failed")
	}
	return l, clientID, w
}

func TestTaskStartAnnouncesStarting(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})
	if tsk == nil {
		t.Fatal("New returned nil")
	}
	tsk.Start()
	if w.count() != 1 {
		t.Fatalf("frames = %d, want 1", w.count())
	}
}

func TestTaskExclusiveRejectsSecond(t *testing.T) {
	l, clientID, _ := newTestListenerWithClient(t)
	targetID := wire.Generate()
	first := New(wire.Generate(), clientID, targetID, KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})
	if first == nil {
		t.Fatal("first task rejected unexpectedly")
	}
	second := New(wire.Generate(), clientID, targetID, KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})
	if second != nil {
		t.Fatal("second exclusive task against the same target should be rejected")
	}
}

func TestEmitWithinWindowKeepsGoing(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})

	more := tsk.Emit([]byte("hello"))
	if !more {
		t.Fatal("expected Emit to report more output wanted while under the window")
	}
	if w.count() != 1 {
		t.Fatalf("frames = %d, want 1", w.count())
	}
}

func TestEmitPausesOverWindow(t *testing.T) {
	l, clientID, _ := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 4, Window: 1})

	more := tsk.Emit(make([]byte, 8))
	if more {
		t.Fatal("expected Emit to pause once sent-acked exceeds the window")
	}
	if tsk.CanSend() {
		t.Fatal("expected CanSend to be false while paused")
	}
}

func TestEmitEmptyPayloadFinishesTask(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})

	more := tsk.Emit(nil)
	if more {
		t.Fatal("expected Emit(nil) to signal EOF and stop")
	}
	if w.count() != 1 {
		t.Fatalf("frames = %d, want 1 (the EOF frame itself)", w.count())
	}

	// A second exclusive task against the same target should now succeed,
	// since Cancel() unregisters the finished one.
	if New(wire.Generate(), clientID, tsk.TargetID(), KindPipe, true, l, Config{ChunkSize: 1024, Window: 4}) == nil {
		t.Fatal("expected target to be free after the task finished")
	}
}

func TestHandleAckResumesPausedTask(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 4, Window: 1})

	tsk.Emit(make([]byte, 8))
	if !tsk.isPausedForTest() {
		t.Fatal("expected task to be paused after exceeding the window")
	}
	framesBeforeAck := w.count()

	tsk.HandleAck(8)
	if tsk.isPausedForTest() {
		t.Fatal("expected HandleAck to clear paused once the window freed up")
	}
	if w.count() != framesBeforeAck+1 {
		t.Fatalf("frames = %d, want %d (a TASK_RESUME frame)", w.count(), framesBeforeAck+1)
	}
}

func TestHandleAnswerRoutesAckingCode(t *testing.T) {
	l, clientID, _ := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 4, Window: 1})

	tsk.Emit(make([]byte, 8))
	payload := wire.NewMarshaler(0).PutU64(8).Bytes()[8:]
	tsk.HandleAnswer(uint32(StatusAcking), payload)
	if tsk.isPausedForTest() {
		t.Fatal("expected HandleAnswer(StatusAcking) to resume the task")
	}
}

func TestFailReportsErrorFrame(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	tsk := New(wire.Generate(), clientID, wire.Generate(), KindPipe, true, l, Config{ChunkSize: 1024, Window: 4})

	tsk.Fail(ErrRemoteReadFailed, "boom")
	if w.count() != 1 {
		t.Fatalf("frames = %d, want 1", w.count())
	}

	// Calling Fail again after the task is terminal must not send a second
	// frame.
	tsk.Fail(ErrRemoteReadFailed, "boom again")
	if w.count() != 1 {
		t.Fatalf("frames = %d after second Fail, want 1 (idempotent)", w.count())
	}
}

// isPausedForTest exposes the otherwise-private throttled flag for assertions.
func (t *Task) isPausedForTest() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throttled
}
