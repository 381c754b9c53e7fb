package proxy

import (
	"testing"

	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

func TestRegionLRUEvictsLeastRecentlyTouched(t *testing.T) {
	lru := newRegionLRU(2)
	a := wire.Generate()
	b := wire.Generate()
	c := wire.Generate()

	lru.Touch(model.Region{ID: a})
	lru.Touch(model.Region{ID: b})

	// Touch a again so it is no longer the least recently touched.
	lru.Touch(model.Region{ID: a})

	evicted, did := lru.Touch(model.Region{ID: c})
	if !did {
		t.Fatal("expected an eviction once the bound is exceeded")
	}
	if evicted != b {
		t.Fatalf("expected b to be evicted (least recently touched), got %v", evicted)
	}
	if lru.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", lru.Len())
	}
	if _, ok := lru.Get(a); !ok {
		t.Fatal("a should still be present")
	}
	if _, ok := lru.Get(c); !ok {
		t.Fatal("c should be present")
	}
}

func TestRegionLRURemove(t *testing.T) {
	lru := newRegionLRU(10)
	id := wire.Generate()
	lru.Touch(model.Region{ID: id})
	lru.Remove(id)
	if _, ok := lru.Get(id); ok {
		t.Fatal("region should be gone after Remove")
	}
	if lru.Len() != 0 {
		t.Fatalf("expected 0 entries, got %d", lru.Len())
	}
}

func TestRegionLRUUnboundedWhenLimitZero(t *testing.T) {
	lru := newRegionLRU(0)
	for i := 0; i < 100; i++ {
		lru.Touch(model.Region{ID: wire.Generate()})
	}
	if lru.Len() != 100 {
		t.Fatalf("expected all 100 entries retained, got %d", lru.Len())
	}
}
