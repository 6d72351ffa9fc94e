// Package connectivity tracks whether the remote is reachable and notifies
// subscribers on transitions.
package connectivity

import (
	"sync"

	"github.com/dogtale/companion-core/internal/logging"
)

// Listener is notified with the new state after a transition.
type Listener func(online bool)

// Monitor holds the current online state. Listeners only fire when the state
// actually changes.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	nextID    int
	listeners map[int]Listener
}

// NewMonitor creates a Monitor in the given initial state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{
		online:    initial,
		listeners: make(map[int]Listener),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a platform signal. Repeating the current state is a
// no-op. Listeners run synchronously, outside the lock, in the caller's
// goroutine.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})

	for _, l := range listeners {
		l(online)
	}
}

// OnChange registers l and returns a function that removes it.
func (m *Monitor) OnChange(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
