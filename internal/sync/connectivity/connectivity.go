// Package connectivity tracks whether the remote store is reachable.
//
// A Switch holds the current state and fans out changes to subscribers.
// Sources of truth (the TCP prober, the platform reporting network changes
// over the API or FFI) call Set; the sync engine subscribes and drains the
// outbox on the offline-to-online edge.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// Monitor reports reachability and notifies on changes.
type Monitor interface {
	// Online returns the current state.
	Online() bool
	// Subscribe returns a channel receiving the new state after each change
	// and a function that cancels the subscription.
	Subscribe() (<-chan bool, func())
}

// Switch is a Monitor whose state is set explicitly.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

var _ Monitor = (*Switch)(nil)

// NewSwitch creates a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]chan bool),
	}
}

// Online returns the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records the state and notifies subscribers when it changed. It
// reports whether a change happened.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return false
	}
	s.online = online

	logging.Info("Connectivity changed", map[string]interface{}{
		"online":      online,
		"subscribers": len(s.subs),
	})

	for _, ch := range s.subs {
		// Subscribers only need the latest state; replace a stale value.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
	return true
}

// Subscribe returns a channel that receives the state after each change.
func (s *Switch) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}
