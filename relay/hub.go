package relay

import "sync"

// Hub tracks subscribers per topic and wakes them when the topic changes.
// A wakeup carries no payload; subscribers re-read the store, so a missed
// intermediate change is never lost.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	topics map[string]map[uint64]chan struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]map[uint64]chan struct{})}
}

// Subscribe registers a listener on topic. The returned channel holds at most
// one pending wakeup. cancel unregisters it and is safe to call more than once.
func (h *Hub) Subscribe(topic string) (<-chan struct{}, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan struct{}, 1)
	listeners, ok := h.topics[topic]
	if !ok {
		listeners = make(map[uint64]chan struct{})
		h.topics[topic] = listeners
	}
	listeners[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.topics[topic], id)
			if len(h.topics[topic]) == 0 {
				delete(h.topics, topic)
			}
		})
	}
	return ch, cancel
}

// Notify wakes every listener on topic without blocking.
func (h *Hub) Notify(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.topics[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
