package basp

import (
	"sync"
)

type ActorRegistry struct {
	actors map[ActorID]*Actor
	mu     sync.RWMutex
}

func NewActorRegistry() *ActorRegistry {
	return &ActorRegistry{
		actors: make(map[ActorID]*Actor),
	}
}

func (ar *ActorRegistry) Register(a *Actor) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	ar.actors[a.addr.ID] = a
}

func (ar *ActorRegistry) Lookup(id ActorID) *Actor {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	return ar.actors[id]
}

func (ar *ActorRegistry) Remove(id ActorID) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	delete(ar.actors, id)
}

func (ar *ActorRegistry) Len() int {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	return len(ar.actors)
}

// All returns a snapshot of the registered actors.
func (ar *ActorRegistry) All() []*Actor {
	ar.mu.RLock()
	defer ar.mu.RUnlock()

	out := make([]*Actor, 0, len(ar.actors))
	for _, a := range ar.actors {
		out = append(out, a)
	}
	return out
}
