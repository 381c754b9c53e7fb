// Package conn implements one peer connection: the protocol machine bound
// to a transport stream, command-class dispatch, and the known/ignored/
// active server and terminal proxy bookkeeping a hop connection needs to
// mirror upstream announcements locally.
package conn

import (
	"sync"

	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/protocol"
	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// Instance represents one peer stream carrying server/term announcements
// and routed client traffic, per spec.md §4.6.
type Instance struct {
	ID wire.ID

	l       *listener.Listener
	machine *protocol.Machine

	sendMu sync.Mutex

	mu              sync.Mutex
	knownServers    map[wire.ID]struct{}
	ignoredServers  map[wire.ID]struct{}
	activeServers   map[wire.ID]*proxy.ServerProxy
	removingServers map[wire.ID]struct{}

	knownTerms    map[wire.ID]struct{}
	ignoredTerms  map[wire.ID]struct{}
	activeTerms   map[wire.ID]*proxy.TermProxy
	removingTerms map[wire.ID]struct{}

	closing   bool
	connected bool

	OnConnected func()
}

// New constructs an Instance identified by id, registered against l.
func New(id wire.ID, l *listener.Listener) *Instance {
	return &Instance{
		ID:              id,
		l:               l,
		knownServers:    make(map[wire.ID]struct{}),
		ignoredServers:  make(map[wire.ID]struct{}),
		activeServers:   make(map[wire.ID]*proxy.ServerProxy),
		removingServers: make(map[wire.ID]struct{}),
		knownTerms:      make(map[wire.ID]struct{}),
		ignoredTerms:    make(map[wire.ID]struct{}),
		activeTerms:     make(map[wire.ID]*proxy.TermProxy),
		removingTerms:   make(map[wire.ID]struct{}),
	}
}

// Bind attaches the protocol machine this instance reads from and writes
// to. Called once the handshake has settled on a machine.
func (c *Instance) Bind(m *protocol.Machine) { c.machine = m }

// Send implements listener.Target: it serializes concurrent forwards from
// other actors against this connection's own read-loop goroutine and
// forces the bytes onto the wire immediately (this instance has no
// separate writer thread of its own — its single reader goroutine already
// serializes dispatch, so an immediate flush under a send mutex is
// sufficient instead of a second actor).
func (c *Instance) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.machine.Send(frame); err != nil {
		return err
	}
	return c.machine.Flush(nil)
}

// OnFrame implements protocol.Callbacks, dispatching by command class.
func (c *Instance) OnFrame(cmd uint32, body []byte) bool {
	switch wire.ClassOf(cmd) {
	case wire.ClassPlain:
		return c.handlePlain(cmd, body)
	case wire.ClassServer:
		return c.handleServer(cmd, body)
	case wire.ClassTerm:
		return c.handleTerm(cmd, body)
	case wire.ClassClient:
		return c.handleClient(cmd, body)
	default:
		return true
	}
}

// OnEOF implements protocol.Callbacks.
func (c *Instance) OnEOF(err error) {
	c.Disconnect(false, wire.DisconnectLostConn)
}

func (c *Instance) handlePlain(cmd uint32, body []byte) bool {
	switch cmd {
	case wire.CmdHandshakeComplete:
		c.connected = true
		if c.OnConnected != nil {
			c.OnConnected()
		}
	case wire.CmdAnnounceServer:
		return c.handleAnnounceServer(body)
	case wire.CmdAnnounceTerm:
		return c.handleAnnounceTerm(body)
	case wire.CmdAnnounceConn:
		// No proxy state beyond the announcement itself.
	case wire.CmdDisconnect:
		u := wire.NewUnmarshaler(body)
		v, err := u.U32()
		if err != nil {
			return false
		}
		code, _ := wire.DecodeDisconnect(v)
		c.Disconnect(false, code)
		return false
	case wire.CmdKeepalive:
		_ = c.Send(wire.NewMarshaler(wire.CmdKeepalive).Bytes())
	default:
		logger.Warn("conn: unknown plain command", "cmd", cmd)
	}
	return true
}

func (c *Instance) handleAnnounceServer(body []byte) bool {
	u := wire.NewUnmarshaler(body)
	senderID, err := u.ID()
	if err != nil {
		return false
	}
	serverID, err := u.ID()
	if err != nil {
		return false
	}
	version, err := u.U32()
	if err != nil {
		return false
	}
	// hops and nTerms are carried on the wire (spec.md §4.8's server
	// announce fields) but this hop always recomputes both locally: hops
	// from its own proxy chain, nTerms from AddTerm/RemoveTerm as terms are
	// mirrored in. They are consumed here only to keep the unmarshaler
	// aligned ahead of the trailing attribute map.
	if _, err := u.U32(); err != nil {
		return false
	}
	if _, err := u.U32(); err != nil {
		return false
	}

	c.mu.Lock()
	_, isKnownTerm := c.activeTerms[senderID]
	c.mu.Unlock()
	if !senderID.Equal(c.ID) && !isKnownTerm {
		logger.Warn("conn: rejected ANNOUNCE_SERVER from unauthorized sender", "sender", senderID.Format())
		return true
	}

	hopCount := uint32(0)
	if !senderID.Equal(c.ID) {
		if sp, ok := c.l.LookupServerProxy(senderID); ok {
			hopCount = sp.HopCount + 1
		}
	}

	sp := proxy.NewServerProxy(serverID, c.ID, version, hopCount)
	sp.Attrs.SetAll(decodeKV(u))

	c.mu.Lock()
	c.knownServers[serverID] = struct{}{}
	c.mu.Unlock()

	if !c.l.RegisterServer(serverID, sp, c.ID) {
		c.mu.Lock()
		c.ignoredServers[serverID] = struct{}{}
		c.mu.Unlock()
		return true
	}
	c.mu.Lock()
	c.activeServers[serverID] = sp
	c.mu.Unlock()
	return true
}

func (c *Instance) handleAnnounceTerm(body []byte) bool {
	u := wire.NewUnmarshaler(body)
	senderID, err := u.ID()
	if err != nil {
		return false
	}
	termID, err := u.ID()
	if err != nil {
		return false
	}
	cols, err := u.U32()
	if err != nil {
		return false
	}
	rows, err := u.U32()
	if err != nil {
		return false
	}

	c.mu.Lock()
	_, isKnownServer := c.activeServers[senderID]
	c.mu.Unlock()
	if !isKnownServer {
		logger.Warn("conn: rejected ANNOUNCE_TERM from unauthorized sender", "sender", senderID.Format())
		return true
	}

	tp := proxy.NewTermProxy(termID, senderID, 0)
	tp.SetSize(model.Size{Cols: cols, Rows: rows})
	tp.Attrs.SetAll(decodeKV(u))

	c.mu.Lock()
	c.knownTerms[termID] = struct{}{}
	c.mu.Unlock()

	if !c.l.RegisterTerm(termID, tp, c.ID) {
		c.mu.Lock()
		c.ignoredTerms[termID] = struct{}{}
		c.mu.Unlock()
		return true
	}
	c.mu.Lock()
	c.activeTerms[termID] = tp
	c.mu.Unlock()
	if sp, ok := c.l.LookupServerProxy(senderID); ok {
		sp.AddTerm()
	}
	return true
}

func (c *Instance) handleServer(cmd uint32, body []byte) bool {
	u := wire.NewUnmarshaler(body)
	id, err := u.ID()
	if err != nil {
		return false
	}

	if cmd == wire.CmdRemoveServer {
		c.teardownServer(id, wire.DisconnectNormal)
		return true
	}

	c.mu.Lock()
	_, ignored := c.ignoredServers[id]
	sp, known := c.activeServers[id]
	c.mu.Unlock()
	if ignored || !known {
		return true
	}

	switch cmd {
	case wire.CmdServerAttrSet:
		sp.Attrs.SetAll(decodeKV(u))
	case wire.CmdAddTerm:
		sp.AddTerm()
	default:
		logger.Warn("conn: unknown server command", "cmd", cmd)
	}
	return true
}

func (c *Instance) handleTerm(cmd uint32, body []byte) bool {
	u := wire.NewUnmarshaler(body)
	id, err := u.ID()
	if err != nil {
		return false
	}

	if cmd == wire.CmdRemoveTerm || cmd == wire.CmdRemoveConn {
		c.teardownTerm(id, wire.DisconnectNormal)
		return true
	}

	c.mu.Lock()
	_, ignored := c.ignoredTerms[id]
	tp, known := c.activeTerms[id]
	c.mu.Unlock()
	if ignored || !known {
		return true
	}

	switch cmd {
	case wire.CmdThrottleResume:
		// The watch/writer pipeline owns back-pressure state directly;
		// nothing further to apply to the proxy itself.
	case wire.CmdBeginOutput:
		// Marker only; END_OUTPUT drives the actual flush.
	case wire.CmdEndOutput:
		tp.FlushOutput()
	case wire.CmdRowUpdate:
		row, err := decodeRow(u)
		if err != nil {
			return false
		}
		tp.UpdateRow(row)
	case wire.CmdRegionUpdate:
		region, err := decodeRegion(u)
		if err != nil {
			return false
		}
		tp.UpdateRegion(region)
	case wire.CmdFileUpdate:
		name, entry, err := decodeFileEntry(u)
		if err != nil {
			return false
		}
		tp.UpdateFile(name, entry)
	case wire.CmdFileRemove:
		name, err := u.CString()
		if err != nil {
			return false
		}
		tp.RemoveFile(name)
	case wire.CmdCursorMove:
		row, err := u.U64()
		if err != nil {
			return false
		}
		col, _ := u.U32()
		visible, _ := u.U32()
		tp.MoveCursor(model.Cursor{Row: row, Col: col, Visible: visible != 0})
	case wire.CmdMouseMove:
		row, err := u.U32()
		if err != nil {
			return false
		}
		col, _ := u.U32()
		active, _ := u.U32()
		tp.MoveMouse(row, col, active != 0)
	case wire.CmdBell:
		tp.Bell()
	case wire.CmdBufferSwitch:
		buf, err := u.U32()
		if err != nil {
			return false
		}
		length, _ := u.U64()
		capacity, _ := u.U64()
		tp.SwitchBuffer(model.BufferID(buf))
		tp.SetBufferExtent(model.BufferID(buf), length, capacity)
	case wire.CmdSizeChange:
		cols, err := u.U32()
		if err != nil {
			return false
		}
		rows, _ := u.U32()
		tp.SetSize(model.Size{Cols: cols, Rows: rows})
	case wire.CmdFlagsChange:
		f, err := u.U32()
		if err != nil {
			return false
		}
		tp.SetFlags(model.Flags(f))
	case wire.CmdAttrSet:
		tp.Attrs.SetAll(decodeKV(u))
	case wire.CmdOwnerChange:
		newOwner, err := u.ID()
		if err != nil {
			return false
		}
		tp.ChangeOwner(wire.Nil, newOwner, decodeKV(u))
	case wire.CmdSenderChange:
		sender, err := u.ID()
		if err != nil {
			return false
		}
		tp.ChangeSender(sender, decodeKV(u))
	case wire.CmdTermInput, wire.CmdTermResize:
		c.l.ForwardToTerm(id, wire.NewMarshaler(cmd).PutID(id).PutBytes(u.TrailingBytes()).Bytes(), false)
	default:
		logger.Warn("conn: unknown term command", "cmd", cmd)
	}
	return true
}

func (c *Instance) handleClient(cmd uint32, body []byte) bool {
	u := wire.NewUnmarshaler(body)
	subjectID, err := u.ID()
	if err != nil {
		return false
	}
	recipientID, err := u.ID()
	if err != nil {
		return false
	}
	payload := u.TrailingBytes()

	c.mu.Lock()
	_, ignoredTerm := c.ignoredTerms[subjectID]
	c.mu.Unlock()
	if ignoredTerm {
		return true
	}

	frame := wire.NewMarshaler(cmd).PutID(subjectID).PutID(recipientID).PutBytes(payload).Bytes()
	result := c.l.ForwardToClient(recipientID, frame)
	if result == listener.ForwardThrottled && cmd == wire.CmdTaskOutput {
		pause := wire.NewMarshaler(wire.CmdTaskPause).PutID(subjectID).PutID(recipientID).Bytes()
		_ = c.Send(pause)
	}
	return true
}

func (c *Instance) teardownServer(id wire.ID, reason wire.DisconnectCode) {
	c.mu.Lock()
	delete(c.activeServers, id)
	c.removingServers[id] = struct{}{}
	c.mu.Unlock()

	c.l.UnregisterServer(id, reason)

	c.mu.Lock()
	delete(c.removingServers, id)
	c.mu.Unlock()
}

func (c *Instance) teardownTerm(id wire.ID, reason wire.DisconnectCode) {
	c.mu.Lock()
	delete(c.activeTerms, id)
	c.removingTerms[id] = struct{}{}
	c.mu.Unlock()

	c.l.UnregisterTerm(id, reason)

	c.mu.Lock()
	delete(c.removingTerms, id)
	c.mu.Unlock()
}

// Disconnect is idempotent: it optionally sends an active DISCONNECT frame,
// unregisters every active server and term through the listener, and
// resets the protocol machine, per spec.md §4.6.
func (c *Instance) Disconnect(active bool, reason wire.DisconnectCode) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	servers := make([]wire.ID, 0, len(c.activeServers))
	for id := range c.activeServers {
		servers = append(servers, id)
	}
	terms := make([]wire.ID, 0, len(c.activeTerms))
	for id := range c.activeTerms {
		terms = append(terms, id)
	}
	c.mu.Unlock()

	if active {
		_ = c.Send(wire.NewMarshaler(wire.CmdDisconnect).PutU32(wire.EncodeDisconnect(reason, false)).Bytes())
	}
	for _, id := range servers {
		c.teardownServer(id, reason)
	}
	for _, id := range terms {
		c.teardownTerm(id, reason)
	}
	if c.machine != nil {
		c.machine.Reset()
	}
}

// Idle mirrors spec.md §4.6's close condition: closing was requested and no
// proxies remain outstanding (watch release is tracked one layer up, by the
// reader/writer pair that owns this instance's lifecycle).
func (c *Instance) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing && len(c.activeServers) == 0 && len(c.activeTerms) == 0 &&
		len(c.removingServers) == 0 && len(c.removingTerms) == 0
}

func decodeKV(u *wire.Unmarshaler) map[string]string {
	out := make(map[string]string)
	for u.Remaining() > 0 {
		k, err := u.CString()
		if err != nil {
			break
		}
		v, err := u.CString()
		if err != nil {
			break
		}
		out[k] = v
	}
	return out
}

func decodeRow(u *wire.Unmarshaler) (model.Row, error) {
	buf, err := u.U32()
	if err != nil {
		return model.Row{}, err
	}
	index, err := u.U64()
	if err != nil {
		return model.Row{}, err
	}
	lineFlags, err := u.U32()
	if err != nil {
		return model.Row{}, err
	}
	columns, err := u.U32()
	if err != nil {
		return model.Row{}, err
	}
	modTime, err := u.U32()
	if err != nil {
		return model.Row{}, err
	}
	text, err := u.CString()
	if err != nil {
		return model.Row{}, err
	}
	return model.Row{
		Index:     index,
		Buffer:    model.BufferID(buf),
		Text:      text,
		LineFlags: model.LineFlags(lineFlags),
		Columns:   columns,
		ModTime:   modTime,
	}, nil
}

func decodeRegion(u *wire.Unmarshaler) (model.Region, error) {
	regionID, err := u.ID()
	if err != nil {
		return model.Region{}, err
	}
	kind, err := u.U32()
	if err != nil {
		return model.Region{}, err
	}
	startRow, err := u.U64()
	if err != nil {
		return model.Region{}, err
	}
	endRow, err := u.U64()
	if err != nil {
		return model.Region{}, err
	}
	startCol, err := u.U32()
	if err != nil {
		return model.Region{}, err
	}
	endCol, err := u.U32()
	if err != nil {
		return model.Region{}, err
	}
	return model.Region{
		ID:         regionID,
		Kind:       model.RegionKind(kind),
		StartRow:   startRow,
		EndRow:     endRow,
		StartCol:   startCol,
		EndCol:     endCol,
		Attributes: decodeKV(u),
	}, nil
}

func decodeFileEntry(u *wire.Unmarshaler) (string, model.FileEntry, error) {
	mtime, err := u.U32()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	size, err := u.U64()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	mode, err := u.U32()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	uid, err := u.U32()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	gid, err := u.U32()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	name, err := u.CString()
	if err != nil {
		return "", model.FileEntry{}, err
	}
	return name, model.FileEntry{
		Name:  name,
		MTime: mtime,
		Size:  size,
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		Extra: decodeKV(u),
	}, nil
}
