package protocol

import (
	"encoding/binary"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

// HandshakeResult is the outcome of one Exchange call.
type HandshakeResult int

const (
	HandshakeNeedMore HandshakeResult = iota
	HandshakeEstablished
	HandshakeVersionMismatch
	HandshakeLimitExceeded
	HandshakeRejection
	HandshakeBadProtocol
)

// handshakeWireSize is version(u32) + protocol-type(1 byte).
const handshakeWireSize = 5

// Handshake negotiates the protocol version and transport-framing type
// before either side trusts the stream enough to hand off to a real
// Machine. Both the client and server side use the same type; the only
// asymmetry is who sends first (EncodeRequest vs EncodeResponse).
type Handshake struct {
	buf []byte

	acceptedType ProtocolType
	rejectCode   uint32
}

// NewHandshake creates an empty handshake accumulator.
func NewHandshake() *Handshake {
	return &Handshake{}
}

// ProtocolType is an alias of wire.ProtocolType for convenience within this
// package.
type ProtocolType = wire.ProtocolType

// EncodeRequest is sent by the connecting side: version + desired protocol
// type.
func EncodeRequest(version uint32, ptype ProtocolType) []byte {
	buf := make([]byte, handshakeWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], version)
	buf[4] = byte(ptype)
	return buf
}

// EncodeResponse is sent by the accepting side after validating the
// request: it uses the same version + protocol-type layout as the request,
// echoing the negotiated protocol type. It carries no separate rejection
// marker.
func EncodeResponse(version uint32, ptype ProtocolType) []byte {
	return EncodeRequest(version, ptype)
}

// Exchange consumes bytes from the peer. On HandshakeEstablished, the
// caller replaces its Machine with the real one and calls Start() on it,
// per spec.md §4.3.
func (h *Handshake) Exchange(b []byte, expectedVersion uint32, acceptTypes func(ProtocolType) bool, maxBuffered int) HandshakeResult {
	h.buf = append(h.buf, b...)
	if maxBuffered > 0 && len(h.buf) > maxBuffered {
		return HandshakeLimitExceeded
	}
	if len(h.buf) < handshakeWireSize {
		return HandshakeNeedMore
	}
	version := binary.LittleEndian.Uint32(h.buf[0:4])
	ptype := ProtocolType(h.buf[4])
	h.buf = h.buf[handshakeWireSize:]

	if version != expectedVersion {
		return HandshakeVersionMismatch
	}
	if acceptTypes != nil && !acceptTypes(ptype) {
		return HandshakeBadProtocol
	}
	h.acceptedType = ptype
	return HandshakeEstablished
}

// AcceptedType returns the negotiated protocol type after Established.
func (h *Handshake) AcceptedType() ProtocolType {
	return h.acceptedType
}

// Leftover returns any bytes consumed past the handshake's own fixed size
// (a peer that pipelines its first real frame right after the handshake
// bytes) so the caller can feed them into the real Machine.
func (h *Handshake) Leftover() []byte {
	return h.buf
}
