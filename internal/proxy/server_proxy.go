package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/wireterm/internal/attr"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// ServerProxy mirrors one upstream server connection: its identity, the
// transport hop it was seen over, and the attribute map the listener and
// watches read from. It does not itself own a socket — conn.Instance does
// that and drives the proxy via the listener's routing helpers.
type ServerProxy struct {
	PeerID       wire.ID
	TransportHop wire.ID
	Version      uint32
	HopCount     uint32

	Attrs *attr.Base

	mu        sync.Mutex
	termCount int64
}

// NewServerProxy constructs a proxy for a freshly announced server. hopCount
// is the upstream's own hop count plus one, per spec.md §4.7.
func NewServerProxy(peerID, transportHop wire.ID, version, hopCount uint32) *ServerProxy {
	return &ServerProxy{
		PeerID:       peerID,
		TransportHop: transportHop,
		Version:      version,
		HopCount:     hopCount,
		Attrs:        attr.New(nil),
	}
}

// AddTerm increments the bounded term-count counter used for UI fan-out.
func (s *ServerProxy) AddTerm() {
	atomic.AddInt64(&s.termCount, 1)
}

// RemoveTerm decrements the term-count counter, floored at zero.
func (s *ServerProxy) RemoveTerm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if atomic.LoadInt64(&s.termCount) > 0 {
		atomic.AddInt64(&s.termCount, -1)
	}
}

// TermCount returns the current term-count counter value.
func (s *ServerProxy) TermCount() int64 {
	return atomic.LoadInt64(&s.termCount)
}
