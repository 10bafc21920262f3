package mocker

import (
	"context"
	"fmt"
	"sync"

	"go.trai.ch/zerr"
)

type mockKind int

const (
	kindRegister mockKind = iota
	kindUnregister
)

func (k mockKind) String() string {
	if k == kindRegister {
		return "register"
	}
	return "unregister"
}

// pendingMock is a declared mock that has not yet been resolved to a key.
type pendingMock struct {
	specifier string
	importer  string
	kind      mockKind
	factory   Factory
}

// registration is a reconciled mock. Its factory runs at most once.
type registration struct {
	factory Factory

	once    sync.Once
	exports Exports
	err     error
}

func (r *registration) load(key string) (Exports, error) {
	r.once.Do(func() {
		defer func() {
			if p := recover(); p != nil {
				r.err = zerr.With(zerr.With(ErrFactoryPanicked, "key", key), "panic", fmt.Sprint(p))
			}
		}()
		exports, err := r.factory()
		if err != nil {
			r.err = zerr.With(zerr.Wrap(err, ErrFactoryFailed.Error()), "key", key)
			return
		}
		r.exports = exports
	})
	return r.exports, r.err
}

// QueueRegister declares a mock for specifier as imported from importer. The
// declaration takes effect at the next reconciliation, which replaces any
// cached module for the same key.
func (m *Mocker) QueueRegister(specifier, importer string, factory Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDeclare(specifier); err != nil {
		return err
	}
	if factory == nil {
		return zerr.With(ErrFactoryRequired, "specifier", specifier)
	}
	m.pending = append(m.pending, pendingMock{
		specifier: specifier,
		importer:  importer,
		kind:      kindRegister,
		factory:   factory,
	})
	return nil
}

// QueueUnregister declares that specifier should no longer be mocked.
func (m *Mocker) QueueUnregister(specifier, importer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDeclare(specifier); err != nil {
		return err
	}
	m.pending = append(m.pending, pendingMock{
		specifier: specifier,
		importer:  importer,
		kind:      kindUnregister,
	})
	return nil
}

func (m *Mocker) checkDeclare(specifier string) error {
	if !m.enabled || !m.isolate {
		err := zerr.With(ErrIsolationRequired, "specifier", specifier)
		err = zerr.With(err, "enabled", m.enabled)
		return zerr.With(err, "isolate", m.isolate)
	}
	if !m.active {
		return zerr.With(ErrNotActive, "specifier", specifier)
	}
	return nil
}

// Reconcile applies every queued declaration to the registry in the order it
// was declared. Concurrent callers share a single pass. Reconcile returns once
// the queue has been observed empty, or when ctx is done; an abandoned pass
// still runs to completion.
func (m *Mocker) Reconcile(ctx context.Context) error {
	for m.hasPending() {
		ch := m.reconciler.DoChan("reconcile", func() (any, error) {
			m.drain(context.WithoutCancel(ctx))
			return nil, nil
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return nil
}

func (m *Mocker) hasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0 || m.applying > 0
}

func (m *Mocker) drain(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		entry := m.pending[0]
		m.pending = m.pending[1:]
		m.applying++
		epoch := m.fileEpoch
		m.mu.Unlock()

		key := m.resolveKey(ctx, entry.specifier, entry.importer)

		m.mu.Lock()
		if m.fileEpoch == epoch {
			m.apply(entry, key)
		}
		m.applying--
		m.mu.Unlock()
	}
}

// apply must be called with mu held.
func (m *Mocker) apply(entry pendingMock, key string) {
	switch entry.kind {
	case kindRegister:
		m.registry[key] = &registration{factory: entry.factory}
	case kindUnregister:
		delete(m.registry, key)
	}
	delete(m.cache, key)
	m.logger.Debug().
		Str("session", m.session.String()).
		Stringer("kind", entry.kind).
		Str("specifier", entry.specifier).
		Str("key", key).
		Msg("mock reconciled")
}

// Mocked reports whether a mock is registered for the canonical key.
func (m *Mocker) Mocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registry[key]
	return ok
}
