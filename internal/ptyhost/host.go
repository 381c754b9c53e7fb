// Package ptyhost spawns a local child process attached to a pty and
// chunks its raw byte stream into Row updates against a bound TermProxy.
// It is deliberately not a cell-grid/SGR emulator: it is the local
// transport that stands in for "a terminal session" at the bottom of the
// hop chain, producing the same Row shape the wire protocol carries
// upstream. Grounded on github.com/creack/pty's Start/Setsize API.
package ptyhost

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/wireterm/internal/listener"
	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/proxy"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// readBufSize bounds a single read from the pty master before it is fed to
// the chunker.
const readBufSize = 32 * 1024

// Host owns one spawned child process and its pty master, chunking its
// output into rows against a bound TermProxy.
type Host struct {
	id wire.ID
	tp *proxy.TermProxy
	l  *listener.Listener

	cmd    *exec.Cmd
	master *os.File

	mu        sync.Mutex
	buf       []byte
	nextIndex uint64

	done chan struct{}
	err  error
}

// Spawn starts name with args attached to a new pty, sized to sz, registers
// the resulting terminal as a local term under id (both as the term proxy
// itself and as the reader target CmdTermInput/CmdTermResize frames for id
// route to — see listener.Listener.ForwardToTerm), and begins streaming its
// output into tp as Row updates under buffer 0.
func Spawn(id wire.ID, tp *proxy.TermProxy, l *listener.Listener, name string, args []string, env []string, sz model.Size) (*Host, error) {
	cmd := exec.Command(name, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(sz.Rows),
		Cols: uint16(sz.Cols),
	})
	if err != nil {
		return nil, err
	}

	h := &Host{
		id:     id,
		tp:     tp,
		l:      l,
		cmd:    cmd,
		master: master,
		done:   make(chan struct{}),
	}
	tp.SetSize(sz)
	h.bind()
	go h.pump()
	go h.wait()
	return h, nil
}

// bind registers the host as both the local term proxy and its own reader
// target, so a task or another connection can address id directly without
// an intervening proxy hop.
func (h *Host) bind() {
	h.l.RegisterLocalTerm(h.id, h.tp)
	h.l.RegisterReader(h.id, h)
}

// Send implements listener.Target: it decodes the handful of term-class
// commands a local pty actually accepts (input bytes, resize) and ignores
// anything else, since a local term has no further hop to forward through.
func (h *Host) Send(frame []byte) error {
	if len(frame) < 8 {
		return nil
	}
	cmd := binary.LittleEndian.Uint32(frame[0:4])
	body := frame[8:]
	u := wire.NewUnmarshaler(body)
	if _, err := u.ID(); err != nil {
		return nil
	}
	switch cmd {
	case wire.CmdTermInput:
		_, err := h.Write(u.TrailingBytes())
		return err
	case wire.CmdTermResize:
		cols, err := u.U32()
		if err != nil {
			return nil
		}
		rows, err := u.U32()
		if err != nil {
			return nil
		}
		return h.Resize(model.Size{Cols: cols, Rows: rows})
	}
	return nil
}

// Resize propagates a new size to the pty and records it on the TermProxy.
func (h *Host) Resize(sz model.Size) error {
	h.tp.SetSize(sz)
	if err := pty.Setsize(h.master, &pty.Winsize{Rows: uint16(sz.Rows), Cols: uint16(sz.Cols)}); err != nil {
		// Fall back to the raw ioctl if the creack/pty helper's Windows-aware
		// path rejects an otherwise-valid fd (it shouldn't on unix, but the
		// syscall-level TIOCSWINSZ path named for this host is this one).
		ws := &unix.Winsize{Row: uint16(sz.Rows), Col: uint16(sz.Cols)}
		return unix.IoctlSetWinsize(int(h.master.Fd()), unix.TIOCSWINSZ, ws)
	}
	return nil
}

// Write sends input bytes to the child's stdin (the pty master).
func (h *Host) Write(p []byte) (int, error) {
	return h.master.Write(p)
}

// Close terminates the child process, releases the pty master, and
// unregisters the host from the listener.
func (h *Host) Close() error {
	h.l.UnregisterReader(h.id)
	h.l.UnregisterLocalTerm(h.id)
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
	return h.master.Close()
}

// Wait blocks until the child process exits and returns its error, if any.
func (h *Host) Wait() error {
	<-h.done
	return h.err
}

func (h *Host) wait() {
	err := h.cmd.Wait()
	h.master.Close()
	h.l.UnregisterReader(h.id)
	h.l.UnregisterLocalTerm(h.id)
	h.err = err
	close(h.done)
}

// pump reads raw bytes from the pty master and splits them into rows on
// '\n', matching model.Row's one-logical-line-per-index shape. A partial
// trailing line is held until either a newline arrives or the child exits,
// at which point it is flushed as a final row.
func (h *Host) pump() {
	buf := make([]byte, readBufSize)
	for {
		n, err := h.master.Read(buf)
		if n > 0 {
			h.feed(buf[:n])
		}
		if err != nil {
			h.flushPartial()
			if err != io.EOF {
				logger.Warn("ptyhost: read failed", "id", h.id.ShortFormat(), "err", err)
			}
			return
		}
	}
}

func (h *Host) feed(chunk []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = append(h.buf, chunk...)
	for {
		i := bytes.IndexByte(h.buf, '\n')
		if i < 0 {
			break
		}
		line := string(h.buf[:i])
		h.buf = h.buf[i+1:]
		h.emitRowLocked(line)
	}
}

func (h *Host) flushPartial() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return
	}
	h.emitRowLocked(string(h.buf))
	h.buf = nil
}

func (h *Host) emitRowLocked(text string) {
	row := model.Row{
		Index:   h.nextIndex,
		Buffer:  0,
		Text:    text,
		Columns: uint32(len(text)),
		ModTime: uint32(time.Now().Unix()),
	}
	h.nextIndex++
	h.tp.UpdateRow(row)
}
