package mocker

import "context"

//go:generate mockgen -source=resolver.go -destination=mocks/mock_resolver.go -package=mocks

// Resolver resolves a specifier to a module address the way the host build
// pipeline would. ok is false when the pipeline does not know the module.
type Resolver interface {
	ResolveID(ctx context.Context, specifier, importer string) (id string, ok bool, err error)
}

// Importer performs a genuine load of a resolved module address.
type Importer interface {
	Import(ctx context.Context, id string) (Exports, error)
}
