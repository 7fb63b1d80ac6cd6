package relay

import "sync"

// Arena stores non-transferable operation results on the owner side and
// hands out integer handles in their place. Handle allocation is its own
// counter, never reused from request ids, so two requesters can never
// collide on a handle.
type Arena struct {
	mu      sync.RWMutex
	next    uint64
	objects map[uint64]any
}

func NewArena() *Arena {
	return &Arena{objects: make(map[uint64]any)}
}

// Put stores one object and returns its fresh handle id.
func (a *Arena) Put(obj any) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	a.objects[a.next] = obj
	return a.next
}

// Resolve returns the object a handle stands for.
func (a *Arena) Resolve(id uint64) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[id]
	return obj, ok
}

// Release drops one handle. Reports whether it existed. Without release
// the arena grows for the life of the owner process.
func (a *Arena) Release(id uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects[id]; !ok {
		return false
	}
	delete(a.objects, id)
	return true
}

// Len returns the live handle count.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.objects)
}
