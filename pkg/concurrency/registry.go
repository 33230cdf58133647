package concurrency

import (
	"sync"

	"github.com/brown-csci1270/glock/pkg/list"
)

// registry assigns each live client a small slot id. Freed slots are reused
// oldest first. Slot ids index the bitsets used by deadlock detection.
type registry struct {
	mu    sync.RWMutex
	slots []*Client
	free  *list.List[int]
	live  int
}

func newRegistry() *registry {
	return &registry{free: list.NewList[int]()}
}

func (r *registry) register(c *Client) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live++
	if id, ok := r.free.PopHead(); ok {
		r.slots[id] = c
		return id
	}
	r.slots = append(r.slots, c)
	return len(r.slots) - 1
}

func (r *registry) unregister(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.id < 0 || c.id >= len(r.slots) || r.slots[c.id] != c {
		return false
	}
	r.slots[c.id] = nil
	r.free.PushTail(c.id)
	r.live--
	return true
}

func (r *registry) get(id int) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || id >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// snapshot returns the live clients.
func (r *registry) snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, r.live)
	for _, c := range r.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}
