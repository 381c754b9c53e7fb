package proxy

import (
	"sync"
	"testing"

	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

type recordingSink struct {
	mu    sync.Mutex
	calls int
	dirty model.DirtySet
}

func (r *recordingSink) Accumulate(dirty model.DirtySet, snap model.Snapshot, rows []model.Row, regions []model.Region, files map[string]model.FileEntry, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.dirty |= dirty
}

func (r *recordingSink) NotifyReady() {}

func TestTermProxyFlushOutputDeliversAndClearsDirty(t *testing.T) {
	tp := NewTermProxy(wire.Generate(), wire.Generate(), 4)
	sink := &recordingSink{}
	tp.AttachSink(sink)

	tp.SetSize(model.Size{Cols: 80, Rows: 24})
	tp.UpdateRow(model.Row{Index: 0, Buffer: model.BufferPrimary, Text: "hello"})
	tp.Bell()

	tp.FlushOutput()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.calls != 1 {
		t.Fatalf("expected exactly one Accumulate call, got %d", sink.calls)
	}
	if !sink.dirty.Has(model.DirtySize) || !sink.dirty.Has(model.DirtyRows) || !sink.dirty.Has(model.DirtyBell) {
		t.Fatalf("expected size/rows/bell dirty bits, got %v", sink.dirty)
	}

	// A second flush with no intervening changes must be a no-op.
	tp.FlushOutput()
	sink.mu.Lock()
	calls := sink.calls
	sink.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected flush with no dirty state to skip sinks, got %d calls", calls)
	}
}

func TestTermProxyOwnershipMechanics(t *testing.T) {
	tp := NewTermProxy(wire.Generate(), wire.Generate(), 4)
	alice := wire.Generate()
	bob := wire.Generate()

	if !tp.TestOwner(alice, map[string]string{"name": "alice"}) {
		t.Fatal("expected alice to auto-claim the unowned terminal")
	}
	if v, _ := tp.Attrs.Get("owner.name"); v != "alice" {
		t.Fatalf("expected owner.name=alice, got %q", v)
	}

	// A second, different id does not usurp ownership merely by testing.
	if tp.TestOwner(bob, map[string]string{"name": "bob"}) {
		t.Fatal("bob should not become owner while alice already owns")
	}

	if tp.TestSender(alice, bob) {
		t.Fatal("bob should not be permitted as sender without pref.input=1")
	}
	tp.Attrs.Set("pref.input", "1")
	if !tp.TestSender(alice, bob) {
		t.Fatal("bob should be permitted as sender once pref.input=1")
	}

	tp.ChangeOwner(alice, bob, map[string]string{"name": "bob"})
	if v, _ := tp.Attrs.Get("owner.id"); v != bob.Format() {
		t.Fatalf("expected owner.id=%s, got %q", bob.Format(), v)
	}
	if v, _ := tp.Attrs.Get("owner.name"); v != "bob" {
		t.Fatalf("expected owner.name=bob after replace, got %q", v)
	}

	tp.ClearOwner()
	if _, ok := tp.Attrs.Get("owner.id"); ok {
		t.Fatal("expected owner.id to be gone after ClearOwner")
	}
}

func TestServerProxyTermCount(t *testing.T) {
	sp := NewServerProxy(wire.Generate(), wire.Generate(), 1, 0)
	sp.AddTerm()
	sp.AddTerm()
	sp.RemoveTerm()
	if got := sp.TermCount(); got != 1 {
		t.Fatalf("expected term count 1, got %d", got)
	}
	sp.RemoveTerm()
	sp.RemoveTerm() // must not go negative
	if got := sp.TermCount(); got != 0 {
		t.Fatalf("expected term count floored at 0, got %d", got)
	}
}
