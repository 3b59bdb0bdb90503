// Package netmon provides the network-status capability consumed by the
// fieldsync queue and cache. Implementations report the current online state
// and notify subscribers on transitions; platform shells (browser bridge,
// mobile runtime, probe loop) sit behind the same interface so the core never
// touches global connectivity APIs directly.
package netmon

import "sync"

// Monitor exposes the current online/offline state and a subscription
// mechanism for transitions.
type Monitor interface {
	Online() bool
	// Subscribe registers fn to be called on every online/offline transition.
	// The returned function removes the subscription; it is safe to call more
	// than once.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Manual is a Monitor driven entirely by explicit SetOnline calls. It is the
// adapter for platforms that push connectivity events into the process, and
// the scripting double used by tests.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

var _ Monitor = (*Manual)(nil)

// NewManual creates a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline updates the state and notifies subscribers when it changed.
// Notifications run synchronously in the caller's goroutine; subscribers that
// do real work should hand it off themselves.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
