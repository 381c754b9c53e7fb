package wire

import (
	"bytes"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	id1 := Generate()
	id2 := Generate()

	m := NewMarshaler(CmdRowUpdate)
	m.PutU32(42)
	m.PutU32Pair(1, 2)
	m.PutU64(0xDEADBEEFCAFEBABE)
	m.PutID(id1)
	m.PutIDPair(id1, id2)
	m.PutKV("key", "value")
	m.PutCString("hello")
	m.PutTrailingBlob([]byte("trailing"))

	frame := m.Bytes()
	if len(frame) < FrameHeaderSize {
		t.Fatalf("frame too short: %d", len(frame))
	}

	body := frame[FrameHeaderSize:]
	u := NewUnmarshaler(body)

	if v, err := u.U32(); err != nil || v != 42 {
		t.Fatalf("U32: got %d, %v", v, err)
	}
	a, b, err := u.U32Pair()
	if err != nil || a != 1 || b != 2 {
		t.Fatalf("U32Pair: got %d,%d,%v", a, b, err)
	}
	v64, err := u.U64()
	if err != nil || v64 != 0xDEADBEEFCAFEBABE {
		t.Fatalf("U64: got %x, %v", v64, err)
	}
	gotID1, err := u.ID()
	if err != nil || gotID1 != id1 {
		t.Fatalf("ID: got %v, %v", gotID1, err)
	}
	gotA, err := u.ID()
	if err != nil || gotA != id1 {
		t.Fatalf("IDPair.a: got %v, %v", gotA, err)
	}
	gotB, err := u.ID()
	if err != nil || gotB != id2 {
		t.Fatalf("IDPair.b: got %v, %v", gotB, err)
	}
	key, err := u.CString()
	if err != nil || key != "key" {
		t.Fatalf("CString key: got %q, %v", key, err)
	}
	val, err := u.CString()
	if err != nil || val != "value" {
		t.Fatalf("CString value: got %q, %v", val, err)
	}
	hello, err := u.CString()
	if err != nil || hello != "hello" {
		t.Fatalf("CString hello: got %q, %v", hello, err)
	}
	trailing := u.TrailingBytes()
	if string(trailing) != "trailing" {
		t.Fatalf("TrailingBytes: got %q", trailing)
	}
	if u.Remaining() != 0 {
		t.Fatalf("expected 0 remaining, got %d", u.Remaining())
	}
}

func TestUnmarshalTruncatedYieldsProtocolError(t *testing.T) {
	u := NewUnmarshaler([]byte{1, 2, 3})
	if _, err := u.U32(); err == nil {
		t.Fatal("expected ProtocolError on truncated U32")
	} else if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestOptionalU32Default(t *testing.T) {
	u := NewUnmarshaler([]byte{1, 2})
	v, ok := u.OptionalU32()
	if ok || v != 0 {
		t.Fatalf("expected zero/false on short buffer, got %d/%v", v, ok)
	}
}

func TestPaddedCStringRequiresZeroPadding(t *testing.T) {
	m := NewMarshaler(CmdRowUpdate)
	m.PutCString("ab")
	m.Pad4()
	body := m.Bytes()[FrameHeaderSize:]

	u := NewUnmarshaler(body)
	s, err := u.PaddedCString()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != "ab" {
		t.Fatalf("got %q", s)
	}

	// Corrupt the padding and verify it's rejected.
	corrupt := append([]byte(nil), body...)
	corrupt[len(corrupt)-1] = 1
	u2 := NewUnmarshaler(corrupt)
	if _, err := u2.PaddedCString(); err == nil {
		t.Fatal("expected error for non-zero padding byte")
	}
}

func TestValidateUTF8(t *testing.T) {
	u := NewUnmarshaler([]byte{0xff, 0xfe})
	if err := u.ValidateUTF8(); err == nil {
		t.Fatal("expected invalid UTF-8 error")
	}
	u2 := NewUnmarshaler([]byte("hello"))
	if err := u2.ValidateUTF8(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassAndOpExtraction(t *testing.T) {
	if ClassOf(CmdRowUpdate) != ClassTerm {
		t.Fatalf("expected ClassTerm, got %v", ClassOf(CmdRowUpdate))
	}
	if ClassOf(CmdTaskOutput) != ClassClient {
		t.Fatalf("expected ClassClient, got %v", ClassOf(CmdTaskOutput))
	}
}

func TestDisconnectEncodeDecode(t *testing.T) {
	v := EncodeDisconnect(DisconnectIdleTimeout, true)
	code, proxyClosed := DecodeDisconnect(v)
	if code != DisconnectIdleTimeout || !proxyClosed {
		t.Fatalf("got code=%v proxyClosed=%v", code, proxyClosed)
	}
	v2 := EncodeDisconnect(DisconnectNormal, false)
	code2, proxyClosed2 := DecodeDisconnect(v2)
	if code2 != DisconnectNormal || proxyClosed2 {
		t.Fatalf("got code=%v proxyClosed=%v", code2, proxyClosed2)
	}
}

func TestFrameBytesHeaderMatchesBodyLength(t *testing.T) {
	m := NewMarshaler(CmdKeepalive)
	m.PutBytes(bytes.Repeat([]byte{7}, 100))
	frame := m.Bytes()
	gotLen := uint32(frame[4]) | uint32(frame[5])<<8 | uint32(frame[6])<<16 | uint32(frame[7])<<24
	if int(gotLen) != len(frame)-FrameHeaderSize {
		t.Fatalf("header length %d != body length %d", gotLen, len(frame)-FrameHeaderSize)
	}
}
