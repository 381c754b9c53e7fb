package task

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ehrlich-b/wireterm/internal/config"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// packU32s little-endian-encodes a handful of u32 fields for the STARTING
// announcement's kind-specific tail, matching the wire's own u32 lane
// convention (wire.Marshaler.PutU32/PutU64) without needing a throwaway
// frame just to borrow its body.
func packU32s(vals ...uint32) []byte {
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	return buf
}

// QuestionOverwriteRename is the TASK_QUESTION code an upload asks when its
// destination path already exists: the client answers with a CString of
// "overwrite" or "rename". Its value lies outside the Status codes, which
// share TASK_ANSWER's code field with it.
const QuestionOverwriteRename uint32 = 0x100

// resolvePath maps a client-requested filename onto one of the host's
// configured upload/download roots, rejecting any path component that
// escapes it. ownerID drives the same ACL HostConfig.Paths already applies
// to file-monitor watches.
func resolvePath(host *config.HostConfig, ownerID, filename string) (string, bool) {
	if host == nil || filename == "" || strings.Contains(filename, "..") {
		return "", false
	}
	base := filepath.Base(filename)
	if base == "." || base == string(filepath.Separator) {
		return "", false
	}
	roots := host.Paths.PathsForOwner(ownerID, host.IsAdmin(ownerID))
	if len(roots) == 0 {
		return "", false
	}
	return filepath.Join(roots[0], base), true
}

// uniquePath appends " (n)" ahead of path's extension until it finds a name
// that doesn't exist, for the rename branch of an overwrite conflict.
func uniquePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 1000; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}

// UploadTask sinks client-pushed bytes into a file under one of the host's
// configured paths. The bytes themselves ride the existing TASK_ANSWER
// conduit (code StatusRunning, payload the raw chunk, empty payload EOF)
// rather than a dedicated wire command — the client already has that path
// open for the ack protocol's StatusAcking replies.
type UploadTask struct {
	*Task
	host *config.HostConfig

	mu       sync.Mutex
	path     string
	file     *os.File
	total    uint64
	received uint64
	ackedAt  uint64
}

func newUploadTask(base *Task, host *config.HostConfig, filename string, total uint64) *UploadTask {
	path, ok := resolvePath(host, base.ClientID().Format(), filename)
	if !ok {
		base.Fail(ErrLocalRejection, "no accessible upload path")
		return nil
	}
	return &UploadTask{Task: base, host: host, path: path, total: total}
}

func (ut *UploadTask) begin() {
	ut.StartWithPayload(packU32s(uint32(ut.chunkSize), uint32(ut.window)))
	if _, err := os.Stat(ut.path); err == nil {
		ut.AskQuestion(QuestionOverwriteRename, ut.path)
		return
	}
	ut.openSink(ut.path)
}

func (ut *UploadTask) openSink(path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		ut.Fail(ErrWriteFailed, err.Error())
		return
	}
	ut.mu.Lock()
	ut.path = path
	ut.file = f
	ut.mu.Unlock()
}

// HandleAnswer overrides Task.HandleAnswer: an upload has no ack-window
// traffic flowing the client->server direction, so StatusRunning (a file
// chunk) and QuestionOverwriteRename (the conflict answer) are the only
// codes it expects.
func (ut *UploadTask) HandleAnswer(code uint32, payload []byte) {
	switch code {
	case uint32(StatusRunning):
		ut.handleChunk(payload)
	case QuestionOverwriteRename:
		ut.handleOverwriteAnswer(payload)
	default:
		ut.Task.HandleAnswer(code, payload)
	}
}

func (ut *UploadTask) handleOverwriteAnswer(payload []byte) {
	u := wire.NewUnmarshaler(payload)
	choice, err := u.CString()
	if err != nil {
		ut.Fail(ErrLocalBadResponse, "malformed overwrite answer")
		return
	}
	path := ut.path
	if choice == "rename" {
		renamed, err := uniquePath(path)
		if err != nil {
			ut.Fail(ErrLocalTransferFailed, err.Error())
			return
		}
		path = renamed
		frame := wire.NewMarshaler(wire.CmdTaskOutput).
			PutID(ut.ID()).PutID(ut.ClientID()).
			PutU32(uint32(StatusStarting)).PutCString(path).Bytes()
		_ = ut.l.ForwardToClient(ut.ClientID(), frame)
	}
	ut.openSink(path)
}

func (ut *UploadTask) handleChunk(payload []byte) {
	ut.mu.Lock()
	file := ut.file
	ut.mu.Unlock()
	if file == nil {
		// Still waiting on an overwrite/rename decision; a chunk arriving
		// before that answer is a misbehaving client, not our error.
		return
	}
	if len(payload) == 0 {
		ut.finish()
		return
	}
	if _, err := file.Write(payload); err != nil {
		ut.Fail(ErrWriteFailed, err.Error())
		return
	}

	ut.mu.Lock()
	ut.received += uint64(len(payload))
	received := ut.received
	crossed := received-ut.ackedAt >= uint64(ut.chunkSize)
	if crossed {
		ut.ackedAt = received
	}
	ut.mu.Unlock()

	if crossed {
		frame := wire.NewMarshaler(wire.CmdTaskOutput).
			PutID(ut.ID()).PutID(ut.ClientID()).
			PutU32(uint32(StatusAcking)).PutU64(received).Bytes()
		_ = ut.l.ForwardToClient(ut.ClientID(), frame)
	}
}

// Cancel overrides Task.Cancel so a mid-transfer cancellation closes the
// sink file instead of leaking the descriptor.
func (ut *UploadTask) Cancel() {
	ut.mu.Lock()
	f := ut.file
	ut.file = nil
	ut.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	ut.Task.Cancel()
}

func (ut *UploadTask) finish() {
	ut.mu.Lock()
	f := ut.file
	ut.file = nil
	ut.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	frame := wire.NewMarshaler(wire.CmdTaskOutput).
		PutID(ut.ID()).PutID(ut.ClientID()).
		PutU32(uint32(StatusFinished)).Bytes()
	_ = ut.l.ForwardToClient(ut.ClientID(), frame)
	ut.Task.Cancel()
}

// DownloadTask sources a file's bytes through the ordinary windowed Emit
// path: a background pump reads chunkSize bytes at a time and blocks on the
// task's own ack window exactly like a pipe's output would.
type DownloadTask struct {
	*Task
	file *os.File

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newDownloadTask(base *Task, host *config.HostConfig, filename string) *DownloadTask {
	path, ok := resolvePath(host, base.ClientID().Format(), filename)
	if !ok {
		base.Fail(ErrLocalRejection, "no accessible download path")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		base.Fail(ErrLocalReadFailed, err.Error())
		return nil
	}
	return &DownloadTask{Task: base, file: f, stopCh: make(chan struct{})}
}

func (dt *DownloadTask) begin() {
	size := int64(0)
	if info, err := dt.file.Stat(); err == nil {
		size = info.Size()
	}
	dt.StartWithPayload(packU32s(uint32(dt.chunkSize), uint32(dt.window), uint32(size), uint32(size>>32)))
	go dt.pump()
}

func (dt *DownloadTask) pump() {
	defer dt.file.Close()
	size := dt.chunkSize
	if size <= 0 {
		size = 4096
	}
	buf := make([]byte, size)
	for {
		if !dt.waitSendableOrStopped() {
			return
		}
		n, err := dt.file.Read(buf)
		if n > 0 {
			dt.Emit(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF {
			dt.Emit(nil)
			return
		}
		if err != nil {
			dt.Fail(ErrLocalReadFailed, err.Error())
			return
		}
	}
}

// waitSendableOrStopped blocks until the task's ack window has room or
// Cancel has closed stopCh, whichever comes first.
func (dt *DownloadTask) waitSendableOrStopped() bool {
	for {
		if dt.CanSend() {
			return true
		}
		select {
		case <-dt.stopCh:
			return false
		case <-dt.wakeChan():
		}
	}
}

// Cancel overrides Task.Cancel to stop the pump goroutine before tearing
// down the underlying task.
func (dt *DownloadTask) Cancel() {
	dt.stopOnce.Do(func() { close(dt.stopCh) })
	dt.Task.Cancel()
}
