// Package mocker mediates dynamic module loads for one test file.
//
// Every rewritten import() calls through a Mocker. The mocker canonicalizes the
// specifier, applies mock declarations queued so far, and then serves either
// the registered mock factory's output or the real module, memoized per
// canonical key until the file ends.
package mocker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/js-rules/tools/please_js/canonical"
)

// Exports maps exported names to values.
type Exports map[string]any

// Factory produces the replacement namespace of a mocked module.
type Factory func() (Exports, error)

// Loader performs the real load of a module.
type Loader func(ctx context.Context) (Exports, error)

// Option configures a Mocker.
type Option func(*Mocker) *Mocker

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Mocker) *Mocker {
		m.logger = logger
		return m
	}
}

// WithResolver sets the host resolver consulted before canonicalization.
func WithResolver(r Resolver) Option {
	return func(m *Mocker) *Mocker {
		m.resolver = r
		return m
	}
}

// WithImporter sets the importer used for actual imports.
func WithImporter(i Importer) Option {
	return func(m *Mocker) *Mocker {
		m.importer = i
		return m
	}
}

// WithCanonical sets the canonical resolver.
func WithCanonical(c *canonical.Resolver) Option {
	return func(m *Mocker) *Mocker {
		m.canon = c
		return m
	}
}

// WithIsolation records whether mocking is enabled for the environment and
// whether test files run isolated from each other. Mocks can only be declared
// when both hold.
func WithIsolation(enabled, isolate bool) Option {
	return func(m *Mocker) *Mocker {
		m.enabled = enabled
		m.isolate = isolate
		return m
	}
}

var defaultOptions = []Option{
	WithLogger(zerolog.Nop()),
	WithCanonical(canonical.New("", "")),
	WithIsolation(true, true),
}

// Mocker owns the mock registry and module cache of the current test file.
type Mocker struct {
	logger   zerolog.Logger
	canon    *canonical.Resolver
	resolver Resolver
	importer Importer
	enabled  bool
	isolate  bool

	reconciler singleflight.Group

	mu      sync.Mutex
	file    string
	session uuid.UUID
	active  bool
	// fileEpoch changes whenever the file's registry is discarded; cacheEpoch
	// whenever its module cache is.
	fileEpoch  uint64
	cacheEpoch uint64
	pending    []pendingMock
	applying   int
	registry   map[string]*registration
	cache      map[string]*Handle
	wrapped    map[uintptr]*Namespace
}

// New returns a mocker that is not yet bound to a test file.
func New(options ...Option) *Mocker {
	m := &Mocker{}
	for _, opt := range append(defaultOptions, options...) {
		m = opt(m)
	}
	m.clear()
	return m
}

// ForFile returns a mocker that is active for the given test file.
func ForFile(file string, options ...Option) *Mocker {
	m := New(options...)
	m.StartFile(file)
	return m
}

// Canonical returns the canonical resolver used for module keys.
func (m *Mocker) Canonical() *canonical.Resolver {
	return m.canon
}

// File returns the test file the mocker is active for, if any.
func (m *Mocker) File() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file
}

// Active reports whether mocks may currently be declared.
func (m *Mocker) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartFile discards all state and activates mocking for a new test file.
func (m *Mocker) StartFile(file string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clear()
	m.file = file
	m.active = true
	m.session = uuid.New()
	m.logger.Debug().Str("file", file).Str("session", m.session.String()).Msg("mocker started")
}

// ResetForFile discards the registry, the module cache and any unreconciled
// mock declarations. The harness calls it between test files.
func (m *Mocker) ResetForFile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != "" {
		m.logger.Debug().
			Str("file", m.file).
			Str("session", m.session.String()).
			Int("mocks", len(m.registry)).
			Int("modules", len(m.cache)).
			Msg("mocker reset")
	}
	m.clear()
}

// ResetModules discards the module cache but keeps registered mocks, so the
// next import of every module loads it again.
func (m *Mocker) ResetModules() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = map[string]*Handle{}
	m.wrapped = map[uintptr]*Namespace{}
	m.cacheEpoch++
}

// clear must be called with mu held.
func (m *Mocker) clear() {
	m.file = ""
	m.active = false
	m.session = uuid.Nil
	m.pending = nil
	m.registry = map[string]*registration{}
	m.cache = map[string]*Handle{}
	m.wrapped = map[uintptr]*Namespace{}
	m.fileEpoch++
	m.cacheEpoch++
}

// resolveKey returns the canonical key for a specifier. The host resolver is
// preferred; the canonical resolver alone serves specifiers it cannot resolve.
func (m *Mocker) resolveKey(ctx context.Context, specifier, importer string) string {
	imp := m.canon.NormalizeImporter(importer)
	if m.resolver != nil {
		id, ok, err := m.resolver.ResolveID(ctx, specifier, imp)
		switch {
		case err != nil:
			m.logger.Debug().Err(err).Str("specifier", specifier).Str("importer", imp).Msg("host resolve failed")
		case ok:
			return m.canon.Resolve(id, imp)
		default:
			m.logger.Debug().Str("specifier", specifier).Str("importer", imp).Msg("host could not resolve")
		}
	}
	return m.canon.Resolve(specifier, imp)
}
