package mocker

import (
	"context"
	"fmt"
	"reflect"

	"go.trai.ch/zerr"
)

// Handle is the single, shared settlement of one module load.
type Handle struct {
	key  string
	done chan struct{}
	ns   *Namespace
	err  error
}

func newHandle(key string) *Handle {
	return &Handle{key: key, done: make(chan struct{})}
}

// Key returns the canonical key of the module.
func (h *Handle) Key() string { return h.key }

// Done is closed once the load has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the load settles or ctx is done. Giving up on a wait does
// not cancel the load.
func (h *Handle) Wait(ctx context.Context) (*Namespace, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.ns, h.err
	}
}

func (h *Handle) settle(ns *Namespace, err error) {
	h.ns, h.err = ns, err
	close(h.done)
}

// Import is the entry point of every rewritten import(). It reconciles queued
// mock declarations, resolves the canonical key and returns the cached handle
// for it, starting a load when there is none. The handle is cached before the
// load starts, so concurrent imports of the same key share one load.
//
// raw performs the real load and is only called when no mock is registered.
func (m *Mocker) Import(ctx context.Context, raw Loader, specifier, importer string) (*Handle, error) {
	if !m.enabled {
		return nil, zerr.With(ErrMockingDisabled, "specifier", specifier)
	}
	if err := m.Reconcile(ctx); err != nil {
		return nil, err
	}
	key := m.resolveKey(ctx, specifier, importer)

	m.mu.Lock()
	if h, ok := m.cache[key]; ok {
		m.mu.Unlock()
		return h, nil
	}
	h := newHandle(key)
	m.cache[key] = h
	reg := m.registry[key]
	epoch := m.cacheEpoch
	session := m.session.String()
	m.mu.Unlock()

	m.logger.Debug().
		Str("session", session).
		Str("specifier", specifier).
		Str("key", key).
		Bool("mocked", reg != nil).
		Msg("import")

	go m.settle(context.WithoutCancel(ctx), h, reg, raw, epoch)
	return h, nil
}

// Load imports a module and waits for its namespace.
func (m *Mocker) Load(ctx context.Context, raw Loader, specifier, importer string) (*Namespace, error) {
	h, err := m.Import(ctx, raw, specifier, importer)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

func (m *Mocker) settle(ctx context.Context, h *Handle, reg *registration, raw Loader, epoch uint64) {
	var (
		exports Exports
		err     error
	)
	switch {
	case reg != nil:
		exports, err = reg.load(h.key)
	case raw == nil:
		err = zerr.With(ErrNoLoader, "key", h.key)
	default:
		exports, err = loadRaw(ctx, raw, h.key)
	}
	if err != nil {
		h.settle(nil, err)
		return
	}
	h.settle(m.wrap(h.key, exports, epoch), nil)
}

// loadRaw runs the real load. A panicking loader rejects the load instead of
// taking down the goroutine it runs on.
func loadRaw(ctx context.Context, raw Loader, key string) (exports Exports, err error) {
	defer func() {
		if p := recover(); p != nil {
			exports = nil
			err = zerr.With(zerr.With(ErrLoadFailed, "key", key), "panic", fmt.Sprint(p))
		}
	}()
	exports, err = raw(ctx)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrLoadFailed.Error()), "key", key)
	}
	return exports, nil
}

// wrap returns the namespace for exports, reusing the one created earlier for
// the same exports map while the module cache is unchanged. The reuse crosses
// keys: a spy set through one key is visible through every key sharing the map.
func (m *Mocker) wrap(key string, exports Exports, epoch uint64) *Namespace {
	ptr := reflect.ValueOf(exports).Pointer()
	m.mu.Lock()
	defer m.mu.Unlock()
	if ptr == 0 || m.cacheEpoch != epoch {
		return newNamespace(key, exports)
	}
	if ns, ok := m.wrapped[ptr]; ok {
		return ns
	}
	ns := newNamespace(key, exports)
	m.wrapped[ptr] = ns
	return ns
}

// ImportActual loads the real module for specifier, bypassing registered
// mocks and the module cache.
func (m *Mocker) ImportActual(ctx context.Context, specifier, importer string) (*Namespace, error) {
	if m.importer == nil {
		return nil, zerr.With(ErrNoImporter, "specifier", specifier)
	}
	imp := m.canon.NormalizeImporter(importer)

	id := m.canon.Resolve(specifier, imp)
	if m.resolver != nil {
		resolved, ok, err := m.resolver.ResolveID(ctx, specifier, imp)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, ErrUnresolvable.Error()), "specifier", specifier)
		}
		if !ok {
			return nil, zerr.With(zerr.With(ErrUnresolvable, "specifier", specifier), "importer", imp)
		}
		id = resolved
	}

	exports, err := m.importer.Import(ctx, id)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrLoadFailed.Error()), "id", id)
	}
	return newNamespace(m.canon.Key(id), exports), nil
}

// ActualLoader returns a Loader that performs ImportActual and exposes the
// resulting exports. It is the raw loader for imports that do not come from
// rewritten source.
func (m *Mocker) ActualLoader(specifier, importer string) Loader {
	return func(ctx context.Context) (Exports, error) {
		ns, err := m.ImportActual(ctx, specifier, importer)
		if err != nil {
			return nil, err
		}
		return ns.exports, nil
	}
}
