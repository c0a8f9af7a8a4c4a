package session

import (
	"sync"

	"github.com/audara/audarad/internal/protocol"
)

// ListenerID identifies a registered message listener
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func(protocol.Message)
}

// registry maps actions to ordered listener lists.
type registry struct {
	mu        sync.RWMutex
	listeners map[protocol.Action][]listener
	nextID    ListenerID
}

func newRegistry() *registry {
	return &registry{listeners: make(map[protocol.Action][]listener)}
}

func (r *registry) add(action protocol.Action, fn func(protocol.Message)) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.listeners[action] = append(r.listeners[action], listener{id: id, fn: fn})
	return id
}

func (r *registry) remove(action protocol.Action, id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[action]
	for i, l := range list {
		if l.id == id {
			next := make([]listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.listeners, action)
			} else {
				r.listeners[action] = next
			}
			return
		}
	}
}

func (r *registry) count(action protocol.Action) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[action])
}

// dispatch invokes every listener registered for msg.Action at the time of
// the call, in registration order.
func (r *registry) dispatch(msg protocol.Message) {
	r.mu.RLock()
	list := r.listeners[msg.Action]
	r.mu.RUnlock()

	if len(list) == 0 {
		log.Warnf("no listeners for action %q", msg.Name)
		return
	}

	switch msg.Action {
	case protocol.ActionUnknown:
		log.Debugf("dispatching unknown action %q to %d listeners", msg.Name, len(list))
	case protocol.ActionDefault:
		log.Debugf("dispatching message without action to %d listeners", len(list))
	default:
		log.Debugf("dispatching %s to %d listeners", msg.Action, len(list))
	}

	for _, l := range list {
		l.fn(msg)
	}
}
