package mocker

import (
	"maps"
	"slices"
	"sync"

	"go.trai.ch/zerr"
)

// Namespace is a loaded module's exports. The set of names is fixed when the
// namespace is created; individual bindings can be replaced with spies.
type Namespace struct {
	key     string
	exports Exports

	mu    sync.RWMutex
	spies map[string]any
}

func newNamespace(key string, exports Exports) *Namespace {
	return &Namespace{
		key:     key,
		exports: maps.Clone(exports),
		spies:   map[string]any{},
	}
}

// Key returns the canonical key the namespace was first loaded for. Modules
// that export the same Exports map share one namespace, and with it their
// spies, so Key names only the first of them.
func (n *Namespace) Key() string { return n.key }

// Get returns the current value of an export, which is the spy if one is set.
func (n *Namespace) Get(name string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if v, ok := n.spies[name]; ok {
		return v, true
	}
	v, ok := n.exports[name]
	return v, ok
}

// Names returns the exported names in sorted order.
func (n *Namespace) Names() []string {
	return slices.Sorted(maps.Keys(n.exports))
}

// Spy replaces the binding of an existing export.
func (n *Namespace) Spy(name string, v any) error {
	if _, ok := n.exports[name]; !ok {
		return zerr.With(zerr.With(ErrNoSuchExport, "export", name), "key", n.key)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spies[name] = v
	return nil
}

// Spied reports whether name is currently replaced by a spy.
func (n *Namespace) Spied(name string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.spies[name]
	return ok
}

// Restore removes the spy on name, if any.
func (n *Namespace) Restore(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.spies, name)
}

// RestoreAll removes every spy.
func (n *Namespace) RestoreAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.spies)
}

// Exports returns a snapshot of the current bindings.
func (n *Namespace) Exports() Exports {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := maps.Clone(n.exports)
	if out == nil {
		out = Exports{}
	}
	maps.Copy(out, n.spies)
	return out
}
