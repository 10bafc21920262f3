package mocker

import "go.trai.ch/zerr"

var (
	// ErrMockingDisabled is returned when a rewritten import reaches a mocker
	// that has been configured with mocking turned off.
	ErrMockingDisabled = zerr.New("module mocking is disabled but the mocker was invoked")

	// ErrIsolationRequired is returned when mocks are declared in an environment
	// that does not run each test file in isolation.
	ErrIsolationRequired = zerr.New("module mocking requires isolated test files")

	// ErrNotActive is returned when mocks are declared outside a test file.
	ErrNotActive = zerr.New("mocking is not active for the current file")

	// ErrFactoryRequired is returned when a mock is registered without a factory.
	ErrFactoryRequired = zerr.New("mock factory is required")

	// ErrFactoryFailed is returned when a mock factory returns an error.
	ErrFactoryFailed = zerr.New("mock factory failed")

	// ErrFactoryPanicked is returned when a mock factory panics.
	ErrFactoryPanicked = zerr.New("mock factory panicked")

	// ErrLoadFailed is returned when the real module could not be loaded.
	ErrLoadFailed = zerr.New("module load failed")

	// ErrNoLoader is returned when neither a mock nor a raw loader can serve a module.
	ErrNoLoader = zerr.New("no loader for module")

	// ErrNoImporter is returned by ImportActual when the mocker has no importer.
	ErrNoImporter = zerr.New("no importer configured for actual imports")

	// ErrUnresolvable is returned by ImportActual when the specifier cannot be resolved.
	ErrUnresolvable = zerr.New("could not resolve for importActual")

	// ErrNoSuchExport is returned when spying on a name the module does not export.
	ErrNoSuchExport = zerr.New("module has no such export")

	// ErrNotSupported is returned by ImportMock.
	ErrNotSupported = zerr.New("importMock is not supported")
)
