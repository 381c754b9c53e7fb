// Package filemon implements the per-terminal directory monitor: an
// fsnotify watch over a terminal's current directory, debounced by name,
// that mirrors entries into a proxy.TermProxy's file directory and flags
// an over-limit condition instead of enumerating past a configured cap.
// Grounded on the teacher's fsnotify-based reload watchers; no pack repo
// carries a directory-listing library, so entry metadata (mtime, size,
// mode, owner) is read via the standard library.
package filemon

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/wireterm/internal/logger"
	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/proxy"
)

// DefaultLimit bounds directory enumeration absent an explicit configured
// value.
const DefaultLimit = 4096

const debounceInterval = 150 * time.Millisecond

// Monitor watches one directory and mirrors its entries into a TermProxy's
// file directory, per spec.md §4.12.
type Monitor struct {
	tp *proxy.TermProxy

	mu      sync.Mutex
	limit   int
	dir     string
	watcher *fsnotify.Watcher
	stop    chan struct{}
	pending map[string]struct{}
	timer   *time.Timer
}

// New constructs a Monitor bound to tp. A zero or negative limit falls
// back to DefaultLimit.
func New(tp *proxy.TermProxy, limit int) *Monitor {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Monitor{tp: tp, limit: limit}
}

// SetDirectory switches the monitored directory: the prior fsnotify watch
// (if any) is closed, the new directory is opened and enumerated, and a
// fresh coalescing loop starts. A directory with more entries than the
// limit is not enumerated; it sets dir.overlimit and dir.count instead.
func (m *Monitor) SetDirectory(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == dir && m.watcher != nil {
		return nil
	}
	m.closeLocked()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.dir = dir
	m.watcher = watcher
	m.stop = make(chan struct{})
	m.pending = make(map[string]struct{})

	m.scanLocked()
	go m.loop(watcher, m.stop)
	return nil
}

// Close stops monitoring and releases the underlying fsnotify watch.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

func (m *Monitor) closeLocked() {
	if m.watcher != nil {
		close(m.stop)
		m.watcher.Close()
		m.watcher = nil
	}
}

func (m *Monitor) loop(watcher *fsnotify.Watcher, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			m.debounce(filepath.Base(ev.Name))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("filemon: watch error", "err", err)
		}
	}
}

// debounce coalesces repeated fsnotify events for the same name into a
// single re-check after debounceInterval, per spec.md §4.12.
func (m *Monitor) debounce(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return
	}
	m.pending[name] = struct{}{}
	if m.timer == nil {
		m.timer = time.AfterFunc(debounceInterval, m.flushPending)
	}
}

func (m *Monitor) flushPending() {
	m.mu.Lock()
	names := m.pending
	m.pending = make(map[string]struct{})
	m.timer = nil
	dir := m.dir
	m.mu.Unlock()

	for name := range names {
		m.refreshEntry(dir, name)
	}
}

// Relimit re-scans the directory against a freshly configured cap.
func (m *Monitor) Relimit(limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.limit = limit
	m.scanLocked()
}

func (m *Monitor) scanLocked() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		logger.Warn("filemon: readdir failed", "dir", m.dir, "err", err)
		return
	}
	if len(entries) > m.limit {
		m.tp.Attrs.Set("dir.overlimit", "1")
		m.tp.Attrs.Set("dir.count", strconv.Itoa(len(entries)))
		return
	}
	m.tp.Attrs.Set("dir.overlimit", "0")
	for _, e := range entries {
		m.emitEntryLocked(e.Name())
	}
}

func (m *Monitor) refreshEntry(dir, name string) {
	info, err := os.Lstat(filepath.Join(dir, name))
	if os.IsNotExist(err) {
		m.tp.RemoveFile(name)
		return
	}
	if err != nil {
		logger.Warn("filemon: lstat failed", "name", name, "err", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir != dir {
		return // directory changed again while we were stat-ing
	}
	m.emitInfoLocked(name, info)
}

func (m *Monitor) emitEntryLocked(name string) {
	info, err := os.Lstat(filepath.Join(m.dir, name))
	if err != nil {
		return
	}
	m.emitInfoLocked(name, info)
}

func (m *Monitor) emitInfoLocked(name string, info os.FileInfo) {
	entry := model.FileEntry{
		Name:  name,
		MTime: uint32(info.ModTime().Unix()),
		Size:  uint64(info.Size()),
		Mode:  uint32(info.Mode()),
		Extra: make(map[string]string),
	}
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		entry.UID = sys.Uid
		entry.GID = sys.Gid
		if u, err := user.LookupId(strconv.Itoa(int(sys.Uid))); err == nil {
			entry.Extra["user"] = u.Username
		}
		if g, err := user.LookupGroupId(strconv.Itoa(int(sys.Gid))); err == nil {
			entry.Extra["group"] = g.Name
		}
	}
	m.tp.UpdateFile(name, entry)
}
