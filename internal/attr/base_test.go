package attr

import "testing"

type recordingWatcher struct {
	changes [][]Change
}

func (r *recordingWatcher) OnAttributeChange(changes []Change) {
	r.changes = append(r.changes, changes)
}

func TestSetTwiceProducesOneChange(t *testing.T) {
	b := New(nil)
	w := &recordingWatcher{}
	b.AddWatcher(w)

	b.Set("k", "v")
	b.Set("k", "v")

	if len(w.changes) != 1 {
		t.Fatalf("expected exactly one change batch, got %d", len(w.changes))
	}
}

func TestSetThenRemoveProducesTwoChangesInOrder(t *testing.T) {
	b := New(nil)
	w := &recordingWatcher{}
	b.AddWatcher(w)

	b.Set("k", "v")
	b.Remove("k")

	if len(w.changes) != 2 {
		t.Fatalf("expected two change batches, got %d", len(w.changes))
	}
	if w.changes[0][0].Kind != ChangeSet {
		t.Fatalf("first change should be a set")
	}
	if w.changes[1][0].Kind != ChangeRemove {
		t.Fatalf("second change should be a removal")
	}
}

func TestGetAllExcludesPrivateKeys(t *testing.T) {
	b := New(nil)
	b.Set("visible", "1")
	b.Set("_hidden", "2")

	all := b.GetAll()
	if _, ok := all["_hidden"]; ok {
		t.Fatal("GetAll must exclude private keys")
	}
	if v, ok := all["visible"]; !ok || v != "1" {
		t.Fatal("GetAll must include public keys")
	}

	if v, ok := b.Get("_hidden"); !ok || v != "2" {
		t.Fatal("targeted Get must still return private keys")
	}
}

func TestTest(t *testing.T) {
	b := New(nil)
	b.Set("flag", "1")
	b.Set("other", "0")
	if !b.Test("flag") {
		t.Fatal("Test should be true for value \"1\"")
	}
	if b.Test("other") {
		t.Fatal("Test should be false for any other value")
	}
	if b.Test("missing") {
		t.Fatal("Test should be false for a missing key")
	}
}

func TestReplaceSubtreeAtomicSwap(t *testing.T) {
	b := New(nil)
	b.Set("owner.id", "old-id")
	b.Set("owner.name", "old-name")
	b.Set("sender.id", "untouched")

	b.ReplaceSubtree("owner.", map[string]string{"owner.id": "new-id"})

	all := b.GetAll()
	if all["owner.id"] != "new-id" {
		t.Fatalf("owner.id should be replaced, got %q", all["owner.id"])
	}
	if _, ok := all["owner.name"]; ok {
		t.Fatal("owner.name should have been dropped by the subtree replace")
	}
	if all["sender.id"] != "untouched" {
		t.Fatal("sender.* must not be touched by an owner.* replace")
	}
}

func TestWatcherPanicDoesNotBreakFanOut(t *testing.T) {
	b := New(nil)
	b.AddWatcher(panicWatcher{})
	good := &recordingWatcher{}
	b.AddWatcher(good)

	b.Set("k", "v")

	if len(good.changes) != 1 {
		t.Fatalf("expected the well-behaved watcher to still be notified, got %d", len(good.changes))
	}
}

type panicWatcher struct{}

func (panicWatcher) OnAttributeChange(changes []Change) {
	panic("boom")
}

type hookRecorder struct {
	calls []string
}

func (h *hookRecorder) OnAttributeChange(key, value string) {
	h.calls = append(h.calls, key+"="+value)
}

func TestHookFiresUnderStateLockBeforeFanOut(t *testing.T) {
	h := &hookRecorder{}
	b := New(h)
	b.Set("a", "1")
	if len(h.calls) != 1 || h.calls[0] != "a=1" {
		t.Fatalf("expected hook call a=1, got %v", h.calls)
	}
}
