package protocol

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

type collectingCallbacks struct {
	frames [][]byte
	cmds   []uint32
	eof    error
	eofHit bool
}

func (c *collectingCallbacks) OnFrame(cmd uint32, body []byte) bool {
	c.cmds = append(c.cmds, cmd)
	c.frames = append(c.frames, append([]byte(nil), body...))
	return true
}

func (c *collectingCallbacks) OnEOF(err error) {
	c.eofHit = true
	c.eof = err
}

func TestMachineFeedDispatchesCompleteFrames(t *testing.T) {
	var out bytes.Buffer
	cb := &collectingCallbacks{}
	m := New(cb, &out, nil)

	f1 := wire.NewMarshaler(wire.CmdKeepalive).Bytes()
	f2 := wire.NewMarshaler(wire.CmdRowUpdate).PutU32(7).Bytes()

	// Feed in two chunks, the first cutting the first frame's header short.
	all := append(append([]byte{}, f1...), f2...)
	if !m.Feed(all[:3]) {
		t.Fatal("unexpected false from partial feed")
	}
	if !m.Feed(all[3:]) {
		t.Fatal("unexpected false from remaining feed")
	}

	if len(cb.cmds) != 2 {
		t.Fatalf("expected 2 frames dispatched, got %d", len(cb.cmds))
	}
	if cb.cmds[0] != wire.CmdKeepalive || cb.cmds[1] != wire.CmdRowUpdate {
		t.Fatalf("unexpected command sequence: %v", cb.cmds)
	}
}

func TestMachineRejectsOversizedFrame(t *testing.T) {
	var out bytes.Buffer
	cb := &collectingCallbacks{}
	m := New(cb, &out, nil)
	m.SetMaxFrameBody(4)

	f := wire.NewMarshaler(wire.CmdRowUpdate).PutU32(1).PutU32(2).Bytes() // 8-byte body > limit
	if m.Feed(f) {
		t.Fatal("expected Feed to reject an oversized frame")
	}
}

func TestMachineSendFlushRoundTrip(t *testing.T) {
	var out bytes.Buffer
	m := New(&collectingCallbacks{}, &out, nil)

	f := wire.NewMarshaler(wire.CmdKeepalive).Bytes()
	if err := m.Flush(f); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !bytes.Equal(out.Bytes(), f) {
		t.Fatalf("output mismatch")
	}
}

func TestHandshakeEstablishes(t *testing.T) {
	h := NewHandshake()
	req := EncodeRequest(wire.ProtocolVersion, wire.ProtocolRaw)

	result := h.Exchange(req, wire.ProtocolVersion, func(p ProtocolType) bool {
		return p == wire.ProtocolRaw
	}, 0)

	if result != HandshakeEstablished {
		t.Fatalf("expected Established, got %v", result)
	}
	if h.AcceptedType() != wire.ProtocolRaw {
		t.Fatalf("expected ProtocolRaw, got %v", h.AcceptedType())
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	h := NewHandshake()
	req := EncodeRequest(999, wire.ProtocolRaw)
	result := h.Exchange(req, wire.ProtocolVersion, nil, 0)
	if result != HandshakeVersionMismatch {
		t.Fatalf("expected VersionMismatch, got %v", result)
	}
}

func TestHandshakeNeedsMoreOnShortInput(t *testing.T) {
	h := NewHandshake()
	result := h.Exchange([]byte{1, 2}, wire.ProtocolVersion, nil, 0)
	if result != HandshakeNeedMore {
		t.Fatalf("expected NeedMore, got %v", result)
	}
}

func TestMachineEOFPropagates(t *testing.T) {
	var out bytes.Buffer
	cb := &collectingCallbacks{}
	m := New(cb, &out, nil)
	wantErr := errors.New("boom")
	if m.ReadFrom(iotest.ErrReader(wantErr)) {
		t.Fatal("expected ReadFrom to report a read error as a disconnect")
	}
	if !cb.eofHit || cb.eof != wantErr {
		t.Fatal("OnEOF plumbing broken")
	}
}
