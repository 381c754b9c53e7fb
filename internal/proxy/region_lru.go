package proxy

import (
	"container/list"

	"github.com/ehrlich-b/wireterm/internal/model"
	"github.com/ehrlich-b/wireterm/internal/wire"
)

// regionLRU bounds the live region-encoding map to MAX_QUEUED_REGIONS
// entries, evicting the least-recently-touched region first.
//
// spec.md §9 flags the source's eviction policy (smallest region id via a
// composite-keyed map's begin()) as possibly accidental, and recommends
// LRU-on-touch as the safer default — that is what this type implements;
// see DESIGN.md's "Open Question resolution".
type regionLRU struct {
	limit   int
	entries map[wire.ID]*list.Element
	order   *list.List // front = least recently touched, back = most recent
}

type regionLRUEntry struct {
	id     wire.ID
	region model.Region
}

func newRegionLRU(limit int) *regionLRU {
	return &regionLRU{
		limit:   limit,
		entries: make(map[wire.ID]*list.Element),
		order:   list.New(),
	}
}

// Touch inserts or updates a region and marks it most-recently-touched,
// evicting the least-recently-touched entry if the bound is exceeded.
// Returns the evicted region id, if any.
func (r *regionLRU) Touch(region model.Region) (evicted wire.ID, didEvict bool) {
	if el, ok := r.entries[region.ID]; ok {
		el.Value.(*regionLRUEntry).region = region
		r.order.MoveToBack(el)
		return wire.Nil, false
	}

	el := r.order.PushBack(&regionLRUEntry{id: region.ID, region: region})
	r.entries[region.ID] = el

	if r.limit > 0 && len(r.entries) > r.limit {
		front := r.order.Front()
		ev := front.Value.(*regionLRUEntry)
		r.order.Remove(front)
		delete(r.entries, ev.id)
		return ev.id, true
	}
	return wire.Nil, false
}

// Remove deletes a region by id, if present.
func (r *regionLRU) Remove(id wire.ID) {
	if el, ok := r.entries[id]; ok {
		r.order.Remove(el)
		delete(r.entries, id)
	}
}

// Get returns the region for id, if present.
func (r *regionLRU) Get(id wire.ID) (model.Region, bool) {
	el, ok := r.entries[id]
	if !ok {
		return model.Region{}, false
	}
	return el.Value.(*regionLRUEntry).region, true
}

// Len returns the number of live regions.
func (r *regionLRU) Len() int {
	return len(r.entries)
}

// All returns every live region, oldest-touched first.
func (r *regionLRU) All() []model.Region {
	out := make([]model.Region, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*regionLRUEntry).region)
	}
	return out
}
