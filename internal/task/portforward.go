package task

import (
	"net"
	"strconv"
	"sync"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

// InvalidPortForwardID is the sub-stream id value a port-forward task never
// hands out, reserved as the wire's "no connection" sentinel.
const InvalidPortForwardID uint32 = 0xFFFFFFFF

// PortForwardTask listens on a local address and multiplexes every inbound
// connection over the task's single TASK_OUTPUT/TASK_ANSWER channel: each
// connection gets its own sub-stream id, announced once via a Starting(id,
// host, serv) frame and then carried as u32-id-prefixed Running frames in
// both directions. An empty-payload Running(id) closes that id.
type PortForwardTask struct {
	*Task
	ln   net.Listener
	host string
	port uint32

	mu     sync.Mutex
	nextID uint32
	conns  map[uint32]net.Conn
}

func newPortForwardTask(base *Task, host string, port uint32) *PortForwardTask {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		base.Fail(ErrLocalConnectFailed, err.Error())
		return nil
	}
	return &PortForwardTask{
		Task:   base,
		ln:     ln,
		host:   host,
		port:   port,
		nextID: 1,
		conns:  make(map[uint32]net.Conn),
	}
}

func (pf *PortForwardTask) begin() {
	pf.StartWithPayload([]byte(pf.ln.Addr().String()))
	go pf.acceptLoop()
}

func (pf *PortForwardTask) acceptLoop() {
	for {
		c, err := pf.ln.Accept()
		if err != nil {
			return // listener closed by Cancel/Fail
		}
		id := pf.allocID()
		pf.mu.Lock()
		pf.conns[id] = c
		pf.mu.Unlock()

		serv := strconv.Itoa(int(pf.port))
		frame := wire.NewMarshaler(wire.CmdTaskOutput).
			PutID(pf.ID()).PutID(pf.ClientID()).
			PutU32(uint32(StatusStarting)).PutU32(id).PutKV(pf.host, serv).Bytes()
		_ = pf.l.ForwardToClient(pf.ClientID(), frame)

		go pf.pump(id, c)
	}
}

// allocID hands out sequential sub-stream ids, skipping the sentinel
// InvalidPortForwardID on wraparound.
func (pf *PortForwardTask) allocID() uint32 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	id := pf.nextID
	if id == InvalidPortForwardID {
		id++
	}
	pf.nextID = id + 1
	return id
}

func (pf *PortForwardTask) chunkSizeOrDefault() int {
	if pf.chunkSize > 0 {
		return pf.chunkSize
	}
	return 4096
}

func (pf *PortForwardTask) pump(id uint32, c net.Conn) {
	buf := make([]byte, pf.chunkSizeOrDefault())
	for {
		n, err := c.Read(buf)
		if n > 0 {
			frame := wire.NewMarshaler(wire.CmdTaskOutput).
				PutID(pf.ID()).PutID(pf.ClientID()).
				PutU32(uint32(StatusRunning)).PutU32(id).PutBytes(buf[:n]).Bytes()
			_ = pf.l.ForwardToClient(pf.ClientID(), frame)
		}
		if err != nil {
			pf.closeConn(id, true)
			return
		}
	}
}

func (pf *PortForwardTask) closeConn(id uint32, notify bool) {
	pf.mu.Lock()
	c, ok := pf.conns[id]
	delete(pf.conns, id)
	pf.mu.Unlock()
	if !ok {
		return
	}
	_ = c.Close()
	if notify {
		frame := wire.NewMarshaler(wire.CmdTaskOutput).
			PutID(pf.ID()).PutID(pf.ClientID()).
			PutU32(uint32(StatusRunning)).PutU32(id).Bytes()
		_ = pf.l.ForwardToClient(pf.ClientID(), frame)
	}
}

// HandleAnswer overrides Task.HandleAnswer: TASK_ANSWER(StatusRunning, u32
// id + bytes) carries inbound bytes for sub-stream id, with an empty
// trailing blob closing it. No port-forward sub-stream asks an interactive
// question, so every other code falls through to the base task.
func (pf *PortForwardTask) HandleAnswer(code uint32, payload []byte) {
	if Status(code) != StatusRunning {
		pf.Task.HandleAnswer(code, payload)
		return
	}
	u := wire.NewUnmarshaler(payload)
	id, err := u.U32()
	if err != nil {
		return
	}
	rest := u.TrailingBytes()

	pf.mu.Lock()
	c, ok := pf.conns[id]
	pf.mu.Unlock()
	if !ok {
		return
	}
	if len(rest) == 0 {
		pf.closeConn(id, false)
		return
	}
	if _, err := c.Write(rest); err != nil {
		pf.closeConn(id, true)
	}
}

// Cancel overrides Task.Cancel: it closes the listener and every live
// sub-connection before tearing down the underlying task.
func (pf *PortForwardTask) Cancel() {
	_ = pf.ln.Close()
	pf.mu.Lock()
	conns := make([]net.Conn, 0, len(pf.conns))
	for _, c := range pf.conns {
		conns = append(conns, c)
	}
	pf.conns = make(map[uint32]net.Conn)
	pf.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	pf.Task.Cancel()
}
