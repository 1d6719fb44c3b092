package subscription

import "sync"

// mailbox is an unbounded FIFO of transport callbacks. Pushes never block, so
// a transport that reports status synchronously from Subscribe cannot stall
// the goroutine that drains it.
type mailbox struct {
	mu    sync.Mutex
	items []queueItem
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (m *mailbox) push(item queueItem) {
	m.mu.Lock()
	m.items = append(m.items, item)
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far, in arrival order.
func (m *mailbox) take() []queueItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// reset discards queued items, typically those of a released channel.
func (m *mailbox) reset() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}
