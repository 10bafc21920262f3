// Package resolve resolves module specifiers to files the way the build does,
// using esbuild's resolver and the moduleconfig of the current target.
package resolve

import (
	"context"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/js-rules/tools/please_js/common"
)

// ErrBuildFailed is returned when esbuild fails for a reason other than an
// unresolvable specifier.
var ErrBuildFailed = zerr.New("resolve build failed")

// guard marks nested resolutions so the capture plugin does not recurse.
type guard struct{}

// Option configures a Resolver.
type Option func(*Resolver) *Resolver

// WithModuleConfig sets the moduleconfig used for bare specifiers.
func WithModuleConfig(modules map[string]string) Option {
	return func(r *Resolver) *Resolver {
		r.modules = modules
		return r
	}
}

// WithPlatform sets the esbuild platform ("browser" or "node").
func WithPlatform(platform string) Option {
	return func(r *Resolver) *Resolver {
		r.platform = platform
		return r
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) *Resolver {
		r.logger = logger
		return r
	}
}

var defaultOptions = []Option{
	WithModuleConfig(map[string]string{}),
	WithPlatform("browser"),
	WithLogger(zerolog.Nop()),
}

type result struct {
	id string
	ok bool
}

// Resolver resolves specifiers relative to importers under Root. Results are
// memoized until Invalidate is called.
type Resolver struct {
	root     string
	modules  map[string]string
	platform string
	logger   zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	memo  map[string]result
}

// New returns a resolver for the project rooted at root.
func New(root string, options ...Option) *Resolver {
	r := &Resolver{root: filepath.Clean(root), memo: map[string]result{}}
	for _, opt := range append(defaultOptions, options...) {
		r = opt(r)
	}
	return r
}

// Root returns the project root.
func (r *Resolver) Root() string {
	return r.root
}

// Invalidate forgets all memoized resolutions.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo = map[string]result{}
}

// ResolveID resolves specifier as imported from importer, which is either a
// root-relative module path or an absolute file path. It returns the absolute
// file path of the module, or ok=false when esbuild cannot find it.
func (r *Resolver) ResolveID(ctx context.Context, specifier, importer string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if specifier == "" || common.IsNonPackageSpecifier(specifier) {
		return "", false, nil
	}
	dir := r.importerDir(importer)
	spec := r.fileSpecifier(specifier)
	key := spec + "\x00" + dir

	r.mu.Lock()
	res, hit := r.memo[key]
	r.mu.Unlock()
	if hit {
		return res.id, res.ok, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		res, err := r.build(spec, dir)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.memo[key] = res
		r.mu.Unlock()
		return res, nil
	})
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case out := <-ch:
		if out.Err != nil {
			return "", false, out.Err
		}
		res := out.Val.(result)
		return res.id, res.ok, nil
	}
}

// importerDir returns the filesystem directory imports of importer are
// resolved from.
func (r *Resolver) importerDir(importer string) string {
	if i := strings.IndexAny(importer, "?#"); i >= 0 {
		importer = importer[:i]
	}
	if importer == "" {
		return r.root
	}
	path := filepath.FromSlash(importer)
	if !r.underRoot(path) {
		path = filepath.Join(r.root, filepath.FromSlash(unescape(importer)))
	}
	return filepath.Dir(path)
}

// fileSpecifier maps rooted module paths onto the filesystem. Rooted and
// relative specifiers are URL paths and may carry percent-escapes.
func (r *Resolver) fileSpecifier(specifier string) string {
	switch {
	case strings.HasPrefix(specifier, "/@fs/"):
		return unescape(strings.TrimPrefix(specifier, "/@fs"))
	case strings.HasPrefix(specifier, "/") && !r.underRoot(specifier):
		return filepath.Join(r.root, filepath.FromSlash(unescape(specifier)))
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"):
		return unescape(specifier)
	}
	return specifier
}

func unescape(p string) string {
	if d, err := url.PathUnescape(p); err == nil {
		return d
	}
	return p
}

func (r *Resolver) underRoot(path string) bool {
	return path == r.root || strings.HasPrefix(path, r.root+string(filepath.Separator))
}

// build runs esbuild over a one-line entry importing spec from dir and
// captures the path its resolver settles on.
func (r *Resolver) build(spec, dir string) (result, error) {
	var (
		res      result
		resolved bool
	)
	capture := api.Plugin{
		Name: "mocker-capture",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if _, nested := args.PluginData.(guard); nested {
						return api.OnResolveResult{}, nil
					}
					out := build.Resolve(args.Path, api.ResolveOptions{
						ResolveDir: args.ResolveDir,
						Kind:       args.Kind,
						PluginData: guard{},
					})
					resolved = true
					if len(out.Errors) > 0 {
						evt := r.logger.Debug().Str("specifier", args.Path).Str("dir", dir).Str("error", out.Errors[0].Text)
						if !common.IsNonPackageSpecifier(args.Path) {
							name, _ := common.PackageName(args.Path)
							evt = evt.Str("package", name).Bool("known", r.modules[name] != "")
						}
						evt.Msg("unresolved")
						return api.OnResolveResult{Path: args.Path, External: true}, nil
					}
					res = result{id: out.Path + out.Suffix, ok: out.Namespace == "" || out.Namespace == "file"}
					return api.OnResolveResult{Path: out.Path, External: true}, nil
				},
			)
		},
	}

	out := api.Build(api.BuildOptions{
		Stdin: &api.StdinOptions{
			Contents:   "import " + strconv.Quote(spec) + "\n",
			ResolveDir: dir,
			Loader:     api.LoaderJS,
		},
		Bundle:   true,
		Write:    false,
		LogLevel: api.LogLevelSilent,
		Format:   api.FormatESModule,
		Platform: common.ParsePlatform(r.platform),
		Loader:   common.Loaders,
		Plugins: []api.Plugin{
			capture,
			common.RawImportPlugin(),
			common.ModuleResolvePlugin(r.modules, r.platform),
		},
	})
	if !resolved && len(out.Errors) > 0 {
		return result{}, zerr.With(zerr.With(ErrBuildFailed, "specifier", spec), "error", out.Errors[0].Text)
	}
	if res.ok {
		r.logger.Debug().Str("specifier", spec).Str("dir", dir).Str("id", res.id).Msg("resolved")
	}
	return res, nil
}
