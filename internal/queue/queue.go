// Package queue manages the ordered track queue and its cursor.
package queue

import (
	"sync"

	"github.com/audara/audarad/internal/types"
)

// ChangeCallback is called when the queue state changes
type ChangeCallback func()

// Manager manages the playback queue. Track identity is the (title, artist)
// pair; a track appears at most once.
type Manager struct {
	mu       sync.RWMutex
	items    []types.Track
	index    int // -1 when nothing is active
	loop     types.LoopMode
	onChange ChangeCallback
}

// NewManager creates a new queue manager
func NewManager() *Manager {
	return &Manager{
		items: make([]types.Track, 0),
		index: -1,
		loop:  types.LoopNone,
	}
}

// SetOnChange sets a callback to be called when the queue state changes
func (m *Manager) SetOnChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = callback
}

// notifyChange calls the onChange callback if set (must be called without lock held)
func (m *Manager) notifyChange() {
	m.mu.RLock()
	callback := m.onChange
	m.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

// Enqueue appends track, or moves an existing entry with the same identity
// to the tail. If the track is already last, nothing changes.
// It returns the track's index and whether the queue changed.
func (m *Manager) Enqueue(track types.Track) (int, bool) {
	m.mu.Lock()

	key := track.Key()
	pos := m.indexOfLocked(key)
	last := len(m.items) - 1
	if pos >= 0 && pos == last {
		m.mu.Unlock()
		return pos, false
	}

	if pos >= 0 {
		m.items = append(m.items[:pos], m.items[pos+1:]...)
		switch {
		case pos == m.index:
			// cursor follows the moved track
			m.index = len(m.items)
		case pos < m.index:
			m.index--
		}
	}
	m.items = append(m.items, track)
	idx := len(m.items) - 1

	m.mu.Unlock()
	m.notifyChange()
	return idx, true
}

// Update replaces the stored fields of the entry with the same identity.
func (m *Manager) Update(track types.Track) bool {
	m.mu.Lock()
	pos := m.indexOfLocked(track.Key())
	if pos < 0 {
		m.mu.Unlock()
		return false
	}
	m.items[pos] = track
	m.mu.Unlock()
	m.notifyChange()
	return true
}

// Remove removes the item at index, keeping the cursor on the same track
// where possible.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()

	if index < 0 || index >= len(m.items) {
		m.mu.Unlock()
		return false
	}

	m.items = append(m.items[:index], m.items[index+1:]...)

	switch {
	case len(m.items) == 0:
		m.index = -1
	case index < m.index:
		m.index--
	case index == m.index:
		m.index = -1
	}

	m.mu.Unlock()
	m.notifyChange()
	return true
}

// Clear clears the queue and resets the cursor
func (m *Manager) Clear() {
	m.mu.Lock()
	m.items = make([]types.Track, 0)
	m.index = -1
	m.mu.Unlock()
	m.notifyChange()
}

// Replace sets the whole queue. The cursor is reset to -1 unless index is valid.
func (m *Manager) Replace(items []types.Track, index int) {
	m.mu.Lock()
	m.items = make([]types.Track, 0, len(items))
	seen := make(map[types.TrackKey]bool, len(items))
	for _, t := range items {
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		m.items = append(m.items, t)
	}
	if index < 0 || index >= len(m.items) {
		index = -1
	}
	m.index = index
	m.mu.Unlock()
	m.notifyChange()
}

// At returns the track at index
func (m *Manager) At(index int) (types.Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.items) {
		return types.Track{}, false
	}
	return m.items[index], true
}

// IndexOf returns the position of the track with the given identity, or -1
func (m *Manager) IndexOf(key types.TrackKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexOfLocked(key)
}

func (m *Manager) indexOfLocked(key types.TrackKey) int {
	for i, t := range m.items {
		if t.Key() == key {
			return i
		}
	}
	return -1
}

// Current returns the track under the cursor
func (m *Manager) Current() (types.Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.index < 0 || m.index >= len(m.items) {
		return types.Track{}, false
	}
	return m.items[m.index], true
}

// Index returns the cursor
func (m *Manager) Index() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index
}

// SetIndex sets the cursor. -1 is always accepted.
func (m *Manager) SetIndex(index int) bool {
	m.mu.Lock()
	if index != -1 && (index < 0 || index >= len(m.items)) {
		m.mu.Unlock()
		return false
	}
	changed := m.index != index
	m.index = index
	m.mu.Unlock()
	if changed {
		m.notifyChange()
	}
	return true
}

// Position returns the current index and queue size
func (m *Manager) Position() (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index, len(m.items)
}

// Len returns the number of queued tracks
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// GetItems returns a copy of all items in the queue
func (m *Manager) GetItems() []types.Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]types.Track, len(m.items))
	copy(result, m.items)
	return result
}

// SetLoop sets the loop mode
func (m *Manager) SetLoop(mode types.LoopMode) {
	m.mu.Lock()
	m.loop = mode
	m.mu.Unlock()
	m.notifyChange()
}

// GetLoop returns the loop mode
func (m *Manager) GetLoop() types.LoopMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loop
}

// NextIndex returns the index that follows the cursor, wrapping only in
// LoopAll mode. It returns -1 when there is no next track.
func (m *Manager) NextIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.items) == 0 {
		return -1
	}
	next := m.index + 1
	if next < len(m.items) {
		return next
	}
	if m.loop == types.LoopAll {
		return 0
	}
	return -1
}

// PrevIndex returns the index before the cursor, wrapping only in LoopAll mode.
func (m *Manager) PrevIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.items) == 0 {
		return -1
	}
	if m.index > 0 {
		return m.index - 1
	}
	if m.loop == types.LoopAll {
		return len(m.items) - 1
	}
	return -1
}
