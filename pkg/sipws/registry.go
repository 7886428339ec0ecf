package sipws

import (
	"slices"
	"sync"
)

// registry подписчики на события. Обработчики вызываются на снимке списка
// вне блокировки, поэтому могут отписываться прямо из обработчика.
type registry[E any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(E)
}

func (r *registry[E]) add(fn func(E)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[uint64]func(E))
	}
	r.next++
	id := r.next
	r.fns[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.fns, id)
		r.mu.Unlock()
	}
}

func (r *registry[E]) emit(ev E) {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.fns))
	for id := range r.fns {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	// порядок подписки
	slices.Sort(ids)
	for _, id := range ids {
		r.mu.Lock()
		fn, ok := r.fns[id]
		r.mu.Unlock()
		if ok {
			fn(ev)
		}
	}
}

func (r *registry[E]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}
