package listener

import (
	"errors"
	"testing"

	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

type recordingTarget struct {
	sent    [][]byte
	failing bool
}

func (t *recordingTarget) Send(frame []byte) error {
	if t.failing {
		return errors.New("send failed")
	}
	t.sent = append(t.sent, frame)
	return nil
}

type stubWriter struct{ throttled bool }

func (w *stubWriter) SubmitResponse(buf []byte) bool { return w.throttled }

type stubTask struct {
	id        wire.ID
	target    wire.ID
	exclusive bool
}

func (s *stubTask) ID() wire.ID       { return s.id }
func (s *stubTask) TargetID() wire.ID { return s.target }
func (s *stubTask) Exclusive() bool   { return s.exclusive }
func (s *stubTask) Cancel()           {}

func TestForwardToServerRoutesThroughRegisteredConn(t *testing.T) {
	l := New()
	connID := wire.Generate()
	serverID := wire.Generate()
	target := &recordingTarget{}

	l.RegisterReader(connID, target)
	sp := proxy.NewServerProxy(serverID, connID, 1, 0)
	if !l.RegisterServer(serverID, sp, connID) {
		t.Fatal("expected first registration to succeed")
	}
	if l.RegisterServer(serverID, sp, connID) {
		t.Fatal("expected duplicate registration to fail")
	}

	if res := l.ForwardToServer(serverID, []byte("frame"), false); res != ForwardQueued {
		t.Fatalf("expected ForwardQueued, got %v", res)
	}
	if len(target.sent) != 1 {
		t.Fatalf("expected 1 frame delivered, got %d", len(target.sent))
	}

	if res := l.ForwardToServer(wire.Generate(), []byte("frame"), false); res != ForwardMissing {
		t.Fatalf("expected ForwardMissing for unknown server, got %v", res)
	}
}

func TestUnregisterReaderCascades(t *testing.T) {
	l := New()
	connID := wire.Generate()
	serverID := wire.Generate()
	termID := wire.Generate()
	target := &recordingTarget{}

	l.RegisterReader(connID, target)
	l.RegisterServer(serverID, proxy.NewServerProxy(serverID, connID, 1, 0), connID)
	l.RegisterTerm(termID, proxy.NewTermProxy(termID, serverID, 0), connID)

	l.UnregisterReader(connID)

	if res := l.ForwardToServer(serverID, []byte("x"), false); res != ForwardMissing {
		t.Fatalf("expected server to be gone after reader unregister, got %v", res)
	}
	if res := l.ForwardToTerm(termID, []byte("x"), false); res != ForwardMissing {
		t.Fatalf("expected term to be gone after reader unregister, got %v", res)
	}
}

func TestForwardToClientThrottleSignal(t *testing.T) {
	l := New()
	clientID := wire.Generate()
	l.RegisterClient(&ClientInfo{ID: clientID, Writer: &stubWriter{throttled: true}})

	if res := l.ForwardToClient(clientID, []byte("x")); res != ForwardThrottled {
		t.Fatalf("expected ForwardThrottled, got %v", res)
	}
	if res := l.ForwardToClient(wire.Generate(), []byte("x")); res != ForwardMissing {
		t.Fatalf("expected ForwardMissing for unknown client, got %v", res)
	}
}

func TestAddTaskExclusiveDedupe(t *testing.T) {
	l := New()
	target := wire.Generate()
	first := &stubTask{id: wire.Generate(), target: target, exclusive: true}
	second := &stubTask{id: wire.Generate(), target: target, exclusive: true}

	if !l.AddTask(first) {
		t.Fatal("expected first exclusive task to register")
	}
	if l.AddTask(second) {
		t.Fatal("expected second exclusive task against the same target to be refused")
	}
	l.RemoveTask(first.ID())
	if !l.AddTask(second) {
		t.Fatal("expected second task to register once the first is removed")
	}
}

func TestListenerIdle(t *testing.T) {
	l := New()
	if !l.Idle() {
		t.Fatal("expected a fresh listener to be idle")
	}
	connID := wire.Generate()
	l.RegisterReader(connID, &recordingTarget{})
	if l.Idle() {
		t.Fatal("expected listener to be non-idle with a registered reader")
	}
	l.UnregisterReader(connID)
	if !l.Idle() {
		t.Fatal("expected listener to be idle again after unregister")
	}
}
