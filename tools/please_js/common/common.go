package common

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"go.trai.ch/zerr"
)

// Loaders maps file extensions to esbuild loaders.
var Loaders = map[string]api.Loader{
	".js":    api.LoaderJS,
	".jsx":   api.LoaderJSX,
	".ts":    api.LoaderTS,
	".tsx":   api.LoaderTSX,
	".mts":   api.LoaderTS,
	".cts":   api.LoaderTS,
	".json":  api.LoaderJSON,
	".css":   api.LoaderCSS,
	".mjs":   api.LoaderJS,
	".cjs":   api.LoaderJS,
	".md":    api.LoaderText,
	".txt":   api.LoaderText,
	".woff":  api.LoaderFile,
	".woff2": api.LoaderFile,
	".ttf":   api.LoaderFile,
	".eot":   api.LoaderFile,
	".svg":   api.LoaderFile,
	".png":   api.LoaderFile,
	".jpg":   api.LoaderFile,
	".gif":   api.LoaderFile,
}

// IsScript reports whether the loader compiles JavaScript or a dialect of it.
func IsScript(loader api.Loader) bool {
	switch loader {
	case api.LoaderJS, api.LoaderJSX, api.LoaderTS, api.LoaderTSX:
		return true
	}
	return false
}

// ParseModuleConfig reads a moduleconfig file mapping module names to paths.
// Each line has the format "module_name=path_to_output_dir".
func ParseModuleConfig(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		// Empty moduleconfig is valid (no dependencies)
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, zerr.With(zerr.Wrap(err, "failed to open moduleconfig"), "path", path)
	}
	defer f.Close()

	modules := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			modules[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to read moduleconfig"), "path", path)
	}
	return modules, nil
}

// MatchModule returns the moduleconfig entry with the longest name that is
// spec itself or a path prefix of it, and the subpath within that module
// ("." for the module root).
func MatchModule(moduleMap map[string]string, spec string) (dir, subpath string, ok bool) {
	best := ""
	for name, path := range moduleMap {
		if (spec == name || strings.HasPrefix(spec, name+"/")) && len(name) > len(best) {
			best, dir = name, path
		}
	}
	if best == "" {
		return "", "", false
	}
	if spec == best {
		return dir, ".", true
	}
	return dir, "./" + strings.TrimPrefix(spec, best+"/"), true
}

// ModuleResolvePlugin returns an esbuild plugin that resolves bare import
// specifiers using the moduleconfig map. Unlike esbuild's Alias option,
// this uses build.Resolve() to properly handle package.json "exports",
// "main", "module" fields, and subpath imports.
func ModuleResolvePlugin(moduleMap map[string]string, platform string) api.Plugin {
	return api.Plugin{
		Name: "module-resolve",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					if len(args.Path) == 0 || args.Path[0] == '.' || args.Path[0] == '/' || IsNonPackageSpecifier(args.Path) {
						return api.OnResolveResult{}, nil
					}
					dir, subpath, ok := MatchModule(moduleMap, args.Path)
					if !ok {
						return api.OnResolveResult{}, nil
					}
					if entry := ResolvePackageEntry(dir, subpath, platform); entry != "" {
						return api.OnResolveResult{Path: entry}, nil
					}

					// Re-resolve using esbuild's resolver from the package dir.
					result := build.Resolve(subpath, api.ResolveOptions{
						ResolveDir: dir,
						Kind:       args.Kind,
					})
					if len(result.Errors) == 0 {
						return api.OnResolveResult{Path: result.Path}, nil
					}
					return api.OnResolveResult{}, nil
				},
			)
		},
	}
}

// IsNonPackageSpecifier reports whether a non-relative specifier names
// something other than an npm package: a package.json subpath import,
// a URL or a virtual module.
func IsNonPackageSpecifier(path string) bool {
	if strings.HasPrefix(path, "#") || strings.HasPrefix(path, "\x00") {
		return true
	}
	if i := strings.Index(path, ":"); i > 0 {
		scheme := path[:i]
		for _, c := range scheme {
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
				return false
			}
		}
		return true
	}
	return false
}

// ParsePlatform converts a platform string to an esbuild Platform constant.
func ParsePlatform(p string) api.Platform {
	switch p {
	case "node":
		return api.PlatformNode
	default:
		return api.PlatformBrowser
	}
}

// RawImportPlugin returns an esbuild plugin that strips ?raw suffixes from
// import paths. Files loaded this way use the text loader, returning contents
// as a string, equivalent to Vite's ?raw imports.
func RawImportPlugin() api.Plugin {
	return api.Plugin{
		Name: "raw-import",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: `\?raw$`},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					cleanPath := strings.TrimSuffix(args.Path, "?raw")
					resolved := cleanPath
					if !filepath.IsAbs(cleanPath) {
						resolved = filepath.Join(args.ResolveDir, cleanPath)
					}
					return api.OnResolveResult{
						Path:      resolved,
						Namespace: "file",
						Suffix:    "?raw",
					}, nil
				},
			)
		},
	}
}
