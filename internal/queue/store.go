package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/audara/audarad/internal/kv"
	"github.com/audara/audarad/internal/types"
)

// PersistentState represents the queue state that gets persisted
type PersistentState struct {
	Items  []types.Track  `json:"items"`
	Index  int            `json:"index"`
	Loop   types.LoopMode `json:"loop"`
	Volume float64        `json:"volume"`
}

// Store handles queue persistence in the key-value store
type Store struct {
	mu      sync.Mutex
	kv      kv.Store
	manager *Manager
	last    string
}

// NewStore creates a new queue store
func NewStore(store kv.Store, manager *Manager) *Store {
	return &Store{
		kv:      store,
		manager: manager,
	}
}

// Load reads the saved queue. A missing entry is not an error.
func (s *Store) Load() (*PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.kv.Get(kv.KeyQueueState)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue state: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var state PersistentState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to parse queue state: %w", err)
	}

	if state.Index < -1 || state.Index >= len(state.Items) {
		state.Index = -1
	}
	s.last = data
	return &state, nil
}

// Save writes the manager's queue with volume. Unchanged state is not rewritten.
func (s *Store) Save(volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := PersistentState{
		Items:  s.manager.GetItems(),
		Index:  s.manager.Index(),
		Loop:   s.manager.GetLoop(),
		Volume: volume,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal queue state: %w", err)
	}
	if string(data) == s.last {
		return nil
	}
	if err := s.kv.Set(kv.KeyQueueState, string(data)); err != nil {
		return fmt.Errorf("failed to write queue state: %w", err)
	}
	s.last = string(data)
	return nil
}
