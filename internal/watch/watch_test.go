package watch

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

type countingCallbacks struct{}

func (countingCallbacks) OnFrame(cmd uint32, body []byte) bool { return true }
func (countingCallbacks) OnEOF(err error)                      {}

func newTestWriter(t *testing.T) (*Writer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	machine := protocol.New(countingCallbacks{}, &buf, nil)
	w := NewWriter(wire.Generate(), machine, 0)
	return w, &buf
}

func TestWatchSortOrder(t *testing.T) {
	w, _ := newTestWriter(t)
	a := New(w, wire.Generate(), SubjectTerm, 2, nil)
	b := New(w, wire.Generate(), SubjectTerm, 5, nil)
	c := New(w, wire.Generate(), SubjectServer, 5, nil)

	watches := []*Watch{a, b, c}
	// Expect c, b, a: higher hops first, then lower SubjectKind (Server <
	// Term) among equal hops.
	if !Less(b, a) {
		t.Fatal("higher hops must sort first")
	}
	if !Less(c, b) {
		t.Fatal("same hops: lower SubjectKind (Server) must sort before Term")
	}
	_ = watches
}

// frameCommands walks a buffer of length-prefixed frames and returns each
// one's command code, in order.
func frameCommands(t *testing.T, buf []byte) []uint32 {
	t.Helper()
	var cmds []uint32
	for len(buf) > 0 {
		if len(buf) < wire.FrameHeaderSize {
			t.Fatalf("truncated frame header, %d bytes left", len(buf))
		}
		cmd := binary.LittleEndian.Uint32(buf[0:4])
		length := binary.LittleEndian.Uint32(buf[4:8])
		cmds = append(cmds, cmd)
		buf = buf[wire.FrameHeaderSize+int(length):]
	}
	return cmds
}

func TestWriterDrainEmitsRowUpdate(t *testing.T) {
	w, buf := newTestWriter(t)
	watch := New(w, wire.Generate(), SubjectTerm, 0, nil)
	watch.Start()

	watch.Accumulate(
		model.DirtySet(model.DirtyRows),
		model.Snapshot{},
		[]model.Row{{Index: 3, Buffer: model.BufferPrimary, Text: "hi"}},
		nil, nil, nil,
	)
	watch.NotifyReady()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go w.Run(ctx, nil)

	deadline := time.Now().Add(100 * time.Millisecond)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if buf.Len() < 4 {
		t.Fatal("expected the writer to flush a ROW_UPDATE frame")
	}
	// The row update must arrive inside its own BEGIN_OUTPUT/END_OUTPUT
	// boundary pair, per spec.md §5.
	cmds := frameCommands(t, buf.Bytes())
	want := []uint32{wire.CmdBeginOutput, wire.CmdRowUpdate, wire.CmdEndOutput}
	if len(cmds) != len(want) {
		t.Fatalf("commands = %v, want %v", cmds, want)
	}
	for i, c := range want {
		if cmds[i] != c {
			t.Fatalf("commands = %v, want %v", cmds, want)
		}
	}
}

func TestWriterThrottleSignalsBackOff(t *testing.T) {
	w, _ := newTestWriter(t)
	w.throttleAt = 4
	if w.SubmitResponse([]byte("12345")) != true {
		t.Fatal("expected SubmitResponse to report throttled once over the threshold")
	}
}

func TestWatchCloseIdempotent(t *testing.T) {
	w, _ := newTestWriter(t)
	watch := New(w, wire.Generate(), SubjectTerm, 0, nil)
	watch.Start()
	watch.RequestRelease(wire.DisconnectClosed)
	watch.RequestRelease(wire.DisconnectServerError) // must be a no-op
	if watch.closeReason() != wire.DisconnectClosed {
		t.Fatalf("expected first close reason to stick, got %v", watch.closeReason())
	}
}
