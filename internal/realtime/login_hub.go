package realtime

import "sync"

// LoginHub будит ожидающие SSE-потоки, когда токен подтверждён в этом же процессе.
// Если бот работает в другом процессе, потоки всё равно периодически опрашивают хранилище.
type LoginHub struct {
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

func NewLoginHub() *LoginHub {
	return &LoginHub{waiters: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe возвращает канал, который закроется при Publish(token), и функцию отписки.
func (h *LoginHub) Subscribe(token string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	if h == nil {
		return ch, func() {}
	}
	h.mu.Lock()
	if h.waiters[token] == nil {
		h.waiters[token] = make(map[chan struct{}]struct{})
	}
	h.waiters[token][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.waiters[token]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.waiters, token)
			}
		}
	}
}

func (h *LoginHub) Publish(token string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.waiters[token] {
		close(ch)
	}
	delete(h.waiters, token)
}

// waiting: число подписчиков на токен.
func (h *LoginHub) waiting(token string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[token])
}
