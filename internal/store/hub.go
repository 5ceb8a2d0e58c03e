package store

import "sync"

// hub fans out change signals to subscription loops. Signals coalesce: a
// listener that has not consumed the previous signal misses nothing by
// skipping the next one.
type hub struct {
	mu        sync.Mutex
	next      int
	listeners map[int]chan struct{}
}

func newHub() *hub {
	return &hub{listeners: make(map[int]chan struct{})}
}

func (h *hub) listen() (int, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	ch := make(chan struct{}, 1)
	h.listeners[h.next] = ch
	return h.next, ch
}

func (h *hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

func (h *hub) publish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}
