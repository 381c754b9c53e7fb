package watch

import (
	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Subject supplies the frame a watch sends exactly once, on activation,
// encoding the bound subject's current state to the subscriber. A nil
// Subject (e.g. a listener-kind watch, which has nothing of its own to
// announce) skips the announce step entirely. Per spec.md §4.8.
type Subject interface {
	Announce() []byte
}

// ServerSubject announces a server proxy: hop-id, id, version, hops,
// nTerms, attrs — the fields of end-to-end scenario 1's
// ANNOUNCE_SERVER(sid, C, serverVersion, 0, nTerms, {}) tuple, with HopID
// standing in for C (the connection this watch was opened over). HopID is
// written ahead of the server id, the order conn.Instance's
// handleAnnounceServer reads them in.
type ServerSubject struct {
	HopID wire.ID
	SP    *proxy.ServerProxy
}

// Announce implements Subject.
func (s ServerSubject) Announce() []byte {
	m := wire.NewMarshaler(wire.CmdAnnounceServer).
		PutID(s.HopID).
		PutID(s.SP.PeerID).
		PutU32(s.SP.Version).
		PutU32(s.SP.HopCount).
		PutU32(uint32(s.SP.TermCount()))
	for k, v := range s.SP.Attrs.GetAll() {
		m.PutKV(k, v)
	}
	return m.Bytes()
}

// TermSubject announces a term proxy: the owning server's id, the term's
// own id, its current size, and its attrs, reusing the same ANNOUNCE_TERM
// layout conn.Instance already parses for hop-mirrored terms.
type TermSubject struct {
	TP *proxy.TermProxy
}

// Announce implements Subject.
func (t TermSubject) Announce() []byte {
	size := t.TP.Snapshot().Size
	m := wire.NewMarshaler(wire.CmdAnnounceTerm).
		PutID(t.TP.ServerID).
		PutID(t.TP.ID).
		PutU32(size.Cols).
		PutU32(size.Rows)
	for k, v := range t.TP.Attrs.GetAll() {
		m.PutKV(k, v)
	}
	return m.Bytes()
}

// ConnSubject announces a client connection by replaying its precomputed
// ANNOUNCE_CONN frame (listener.ClientInfo.AnnounceBytes), built once at
// registration time from the connection's attrs.
type ConnSubject struct {
	Frame []byte
}

// Announce implements Subject.
func (c ConnSubject) Announce() []byte { return c.Frame }
