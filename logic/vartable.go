package logic

import (
	"sync"
	"sync/atomic"
)

// varTable is the id → Variable map. Readers take the immutable snapshot
// without locking; writers clone-and-swap under the write mutex.
type varTable struct {
	mu       sync.Mutex
	snapshot atomic.Value // map[string]*Variable
}

func newVarTable() *varTable {
	t := &varTable{}
	t.snapshot.Store(map[string]*Variable{})
	return t
}

func (t *varTable) load() map[string]*Variable {
	return t.snapshot.Load().(map[string]*Variable)
}

func (t *varTable) get(id string) (*Variable, bool) {
	v, ok := t.load()[id]
	return v, ok
}

func (t *varTable) all() []*Variable {
	snap := t.load()
	out := make([]*Variable, 0, len(snap))
	for _, v := range snap {
		out = append(out, v)
	}
	return out
}

func (t *varTable) forConnection(connectionID string) []*Variable {
	var out []*Variable
	for _, v := range t.load() {
		if v.ConnectionID == connectionID {
			out = append(out, v)
		}
	}
	return out
}

func (t *varTable) topicInUse(topic, excludeID string) bool {
	for _, v := range t.load() {
		if v.Topic == topic && v.ID != excludeID {
			return true
		}
	}
	return false
}

func (t *varTable) insert(v *Variable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swap(func(next map[string]*Variable) {
		next[v.ID] = v
	})
}

// update clones the variable, applies fn to the clone and swaps it in.
// Returns the new state, or nil when the id is unknown.
func (t *varTable) update(id string, fn func(*Variable)) *Variable {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.load()[id]
	if !ok {
		return nil
	}
	next := current.clone()
	fn(next)
	t.swap(func(m map[string]*Variable) {
		m[id] = next
	})
	return next
}

func (t *varTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swap(func(next map[string]*Variable) {
		delete(next, id)
	})
}

// swap assumes the write mutex is held.
func (t *varTable) swap(mutate func(map[string]*Variable)) {
	old := t.load()
	next := make(map[string]*Variable, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	mutate(next)
	t.snapshot.Store(next)
}
