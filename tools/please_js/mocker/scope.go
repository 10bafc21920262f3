package mocker

import (
	"context"

	"go.trai.ch/zerr"
)

// Scope is the declaration API of one module, typically a test file. Every
// specifier is interpreted relative to the scope's importer.
type Scope struct {
	m        *Mocker
	importer string
}

// Scope returns the declaration API for code in importer.
func (m *Mocker) Scope(importer string) *Scope {
	return &Scope{m: m, importer: importer}
}

// Importer returns the address specifiers are resolved against.
func (s *Scope) Importer() string { return s.importer }

// Mock replaces specifier with the namespace produced by factory.
func (s *Scope) Mock(specifier string, factory Factory) error {
	return s.m.QueueRegister(specifier, s.importer, factory)
}

// DoMock is Mock for declarations that are not hoisted. Declarations are
// always queued, so both behave the same here.
func (s *Scope) DoMock(specifier string, factory Factory) error {
	return s.Mock(specifier, factory)
}

// Unmock removes the mock for specifier.
func (s *Scope) Unmock(specifier string) error {
	return s.m.QueueUnregister(specifier, s.importer)
}

// DoUnmock is Unmock for declarations that are not hoisted.
func (s *Scope) DoUnmock(specifier string) error {
	return s.Unmock(specifier)
}

// ResetModules clears the module cache.
func (s *Scope) ResetModules() {
	s.m.ResetModules()
}

// Import loads specifier the way a rewritten import() would, falling back to
// the actual module when no mock is registered.
func (s *Scope) Import(ctx context.Context, specifier string) (*Namespace, error) {
	return s.m.Load(ctx, s.m.ActualLoader(specifier, s.importer), specifier, s.importer)
}

// ImportActual loads the real module even when it is mocked.
func (s *Scope) ImportActual(ctx context.Context, specifier string) (*Namespace, error) {
	return s.m.ImportActual(ctx, specifier, s.importer)
}

// ImportMock is not supported.
func (s *Scope) ImportMock(ctx context.Context, specifier string) (*Namespace, error) {
	return nil, zerr.With(ErrNotSupported, "specifier", specifier)
}
