// Package protocol turns a raw byte stream into dispatched frames (and
// back): the inbound buffer, frame boundary detection, and the pluggable
// encode/decode hook that lets a transport add checksums or encryption
// without the dispatch logic knowing about it.
package protocol

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Callbacks is the parent-supplied surface a Machine drives.
type Callbacks interface {
	// OnFrame handles one complete frame. Returning false means the peer
	// must be disconnected (the handler hit a framing/protocol error).
	OnFrame(cmd uint32, body []byte) bool
	// OnEOF is called when the underlying stream ends or errors. A nil err
	// means a clean EOF; any non-nil err must be treated as fatal.
	OnEOF(err error)
}

// Codec is the pluggable encode/decode transform `encode()` in spec.md
// §4.3 describes: identity for the plain wire format, or an AEAD wrapper
// for the encrypted variant (see crypto_machine.go).
type Codec interface {
	// Encode wraps a fully-formed frame for transport.
	Encode(frame []byte) ([]byte, error)
	// Decode reverses Encode on bytes read from the transport before they
	// reach frame boundary detection.
	Decode(b []byte) ([]byte, error)
}

// IdentityCodec is the no-op Codec used by the plain (unencrypted) wire
// format.
type IdentityCodec struct{}

func (IdentityCodec) Encode(frame []byte) ([]byte, error) { return frame, nil }
func (IdentityCodec) Decode(b []byte) ([]byte, error)     { return b, nil }

// DefaultMaxFrameBody caps a single frame's body to bound memory under a
// malicious or corrupt peer; 0 disables the check.
const DefaultMaxFrameBody = 64 << 20

// Machine owns the inbound buffer and dispatches complete frames to cb. It
// is not goroutine-safe on its own — callers (conn.Instance, client.Reader)
// serialize access the same way every other actor serializes its own
// state, by owning it on a single goroutine.
type Machine struct {
	cb    Callbacks
	codec Codec
	out   *bufio.Writer

	maxFrameBody int
	inbuf        []byte
	decodeBuf    []byte
}

// New creates a Machine writing encoded frames to w and dispatching
// decoded frames to cb. codec may be nil for IdentityCodec.
func New(cb Callbacks, w io.Writer, codec Codec) *Machine {
	if codec == nil {
		codec = IdentityCodec{}
	}
	return &Machine{
		cb:           cb,
		codec:        codec,
		out:          bufio.NewWriter(w),
		maxFrameBody: DefaultMaxFrameBody,
	}
}

// SetMaxFrameBody overrides the frame body size limit (0 disables it).
func (m *Machine) SetMaxFrameBody(n int) { m.maxFrameBody = n }

// Start is called before the first Feed/ReadFrom call.
func (m *Machine) Start() {}

// Reset clears buffered partial-frame state, used on protocol restart
// (e.g. right after a handshake hands off to the real machine).
func (m *Machine) Reset() {
	m.inbuf = m.inbuf[:0]
	m.decodeBuf = m.decodeBuf[:0]
}

// Feed appends raw bytes and dispatches zero or more complete frames.
// Returns false if the peer must be disconnected.
func (m *Machine) Feed(b []byte) bool {
	decoded, err := m.codec.Decode(b)
	if err != nil {
		return false
	}
	m.inbuf = append(m.inbuf, decoded...)

	for {
		if len(m.inbuf) < wire.FrameHeaderSize {
			return true
		}
		length := binary.LittleEndian.Uint32(m.inbuf[4:8])
		if m.maxFrameBody > 0 && int(length) > m.maxFrameBody {
			return false
		}
		total := wire.FrameHeaderSize + int(length)
		if len(m.inbuf) < total {
			return true
		}
		cmd := binary.LittleEndian.Uint32(m.inbuf[0:4])
		body := m.inbuf[wire.FrameHeaderSize:total]
		ok := m.cb.OnFrame(cmd, body)
		m.inbuf = append(m.inbuf[:0], m.inbuf[total:]...)
		if !ok {
			return false
		}
	}
}

// ReadFrom reads once from r and dispatches any complete frames, mirroring
// the spec's read(fd) contract. Returns false if the peer must be
// disconnected (read error, EOF, or a framing/protocol error).
func (m *Machine) ReadFrom(r io.Reader) bool {
	buf := make([]byte, 64*1024)
	n, err := r.Read(buf)
	if n > 0 {
		if !m.Feed(buf[:n]) {
			return false
		}
	}
	if err != nil {
		if err == io.EOF {
			err = nil
		}
		m.cb.OnEOF(err)
		return false
	}
	return true
}

// Send encodes frame and writes it to the buffered output without forcing
// a flush — callers that want bytes on the wire immediately call Flush.
func (m *Machine) Send(frame []byte) error {
	encoded, err := m.codec.Encode(frame)
	if err != nil {
		return err
	}
	_, err = m.out.Write(encoded)
	return err
}

// Flush is Send followed by an explicit transport boundary: frame may be
// nil to just force out buffered bytes (the writer's end-of-drain-cycle
// call in spec.md §4.8 step 7).
func (m *Machine) Flush(frame []byte) error {
	if len(frame) > 0 {
		if err := m.Send(frame); err != nil {
			return err
		}
	}
	return m.out.Flush()
}
