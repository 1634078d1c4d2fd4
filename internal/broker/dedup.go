package broker

import "sync"

// dedupCapacity bounds the recently-seen-ids window (spec.md §9: "a
// small recently-seen-ids window per agent and per coordinator").
const dedupCapacity = 4096

// dedupWindow is an in-process, unbounded-lifetime set of recently
// handled envelope ids, used to make message handling idempotent under
// at-least-once delivery: a reader that crashes between reading a file
// and unlinking it redelivers the message next tick.
type dedupWindow struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{seen: make(map[string]struct{}, dedupCapacity)}
}

// seenOrMark reports whether id has already been processed. If not, it
// marks id as processed and returns false.
func (d *dedupWindow) seenOrMark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > dedupCapacity {
		drop := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, drop)
	}
	return false
}
