package task

import (
	"net"
	"testing"
	"time"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

func TestPortForwardMultiplexesConnection(t *testing.T) {
	l, clientID, w := newTestListenerWithClient(t)
	base := New(wire.Generate(), clientID, wire.Generate(), KindPortForward, true, l, Config{ChunkSize: 4096, Window: 4})
	if base == nil {
		t.Fatal("New returned nil")
	}

	pf := newPortForwardTask(base, "127.0.0.1", 0)
	if pf == nil {
		t.Fatal("newPortForwardTask returned nil")
	}
	pf.begin()
	defer pf.Cancel()

	conn, err := net.Dial("tcp", pf.ln.Addr().String())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	waitForFrames(t, w, 1) // Starting(id, host, serv)
	u := lastOutputBody(t, w)
	status, _ := u.U32()
	if Status(status) != StatusStarting {
		t.Fatalf("status = %d, want StatusStarting", status)
	}
	id, err := u.U32()
	if err != nil {
		t.Fatal(err)
	}
	if id == InvalidPortForwardID {
		t.Fatal("allocated the reserved invalid id")
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write to inbound conn: %v", err)
	}
	waitForFrames(t, w, 2)
	u = lastOutputBody(t, w)
	status, _ = u.U32()
	if Status(status) != StatusRunning {
		t.Fatalf("status = %d, want StatusRunning", status)
	}
	gotID, _ := u.U32()
	if gotID != id {
		t.Fatalf("sub-stream id = %d, want %d", gotID, id)
	}
	if string(u.TrailingBytes()) != "ping" {
		t.Fatalf("payload = %q, want %q", u.TrailingBytes(), "ping")
	}

	// Answering back on the same id writes to the dialed connection.
	answer := wire.NewMarshaler(0).PutU32(id).PutBytes([]byte("pong")).Bytes()[wire.FrameHeaderSize:]
	pf.HandleAnswer(uint32(StatusRunning), answer)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echoed bytes: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("echoed bytes = %q, want %q", buf, "pong")
	}
}

func TestPortForwardAllocIDSkipsInvalidSentinel(t *testing.T) {
	l, clientID, _ := newTestListenerWithClient(t)
	base := New(wire.Generate(), clientID, wire.Generate(), KindPortForward, true, l, Config{ChunkSize: 4096, Window: 4})
	pf := newPortForwardTask(base, "127.0.0.1", 0)
	if pf == nil {
		t.Fatal("newPortForwardTask returned nil")
	}
	defer pf.Cancel()

	pf.nextID = InvalidPortForwardID
	id := pf.allocID()
	if id == InvalidPortForwardID {
		t.Fatal("allocID handed out the reserved invalid id")
	}
}
