package state

import (
	"sync"
	"time"

	"github.com/fisaks/fieldnode/internal/node"
)

// PumpStateStore remembers the last pump state published per node so the
// session only republishes on change or when the heartbeat is due.
type PumpStateStore interface {
	GetLast(deviceUID string) (node.PumpStateMessage, time.Time, bool)
	Update(deviceUID string, state node.PumpStateMessage)
	HasChanged(deviceUID string, state node.PumpStateMessage) bool
	NeedsPublish(deviceUID string, state node.PumpStateMessage, heartbeat time.Duration) bool
	Clear()
}

type pumpStateStore struct {
	store     map[string]node.PumpStateMessage
	heartbeat map[string]time.Time
	mu        sync.RWMutex
	now       func() time.Time
}

func NewPumpStateStore() PumpStateStore {
	return &pumpStateStore{
		store:     make(map[string]node.PumpStateMessage),
		heartbeat: make(map[string]time.Time),
		now:       time.Now,
	}
}

func (s *pumpStateStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = make(map[string]node.PumpStateMessage)
	s.heartbeat = make(map[string]time.Time)
}

func (s *pumpStateStore) GetLast(deviceUID string) (node.PumpStateMessage, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.store[deviceUID]
	heartbeat, ok2 := s.heartbeat[deviceUID]
	return state, heartbeat, ok && ok2
}

func (s *pumpStateStore) Update(deviceUID string, state node.PumpStateMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[deviceUID] = state
	s.heartbeat[deviceUID] = s.now()
}

func (s *pumpStateStore) HasChanged(deviceUID string, state node.PumpStateMessage) bool {
	lastState, _, ok := s.GetLast(deviceUID)
	if !ok {
		return true
	}
	return !lastState.SameAs(state)
}

// NeedsPublish is true on change, or when heartbeat > 0 and the last
// publish is older than heartbeat.
func (s *pumpStateStore) NeedsPublish(deviceUID string, state node.PumpStateMessage, heartbeat time.Duration) bool {
	if s.HasChanged(deviceUID, state) {
		return true
	}
	if heartbeat <= 0 {
		return false
	}
	_, lastSent, _ := s.GetLast(deviceUID)
	return s.now().Sub(lastSent) > heartbeat
}
