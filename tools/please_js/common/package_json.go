package common

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// exportValue represents a node in the package.json exports tree.
// Each node is a string path (leaf), a map of condition/subpath keys to
// child nodes (branch) or an array of fallbacks tried in order.
type exportValue struct {
	Path  string
	Map   map[string]*exportValue
	Array []*exportValue
}

func (v *exportValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.Path = s
		return nil
	}
	var arr []*exportValue
	if err := json.Unmarshal(data, &arr); err == nil {
		v.Array = arr
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	v.Map = make(map[string]*exportValue, len(m))
	for k, raw := range m {
		child := &exportValue{}
		if err := json.Unmarshal(raw, child); err != nil {
			return err
		}
		v.Map[k] = child
	}
	return nil
}

// packageJSON holds the fields we need for module resolution.
type packageJSON struct {
	Exports *exportValue `json:"exports"`
	Module  string       `json:"module"`
	Main    string       `json:"main"`
}

// entryExtensions are tried in order when a main or module field omits the
// file extension.
var entryExtensions = []string{"", ".js", ".mjs", ".cjs", "/index.js"}

// ResolvePackageEntry reads a package's package.json and resolves the entry
// point for the given subpath (e.g. "." or "./react"). It tries the exports
// field first, then falls back to module/main fields for the root subpath.
// It returns "" when the package does not export the subpath.
func ResolvePackageEntry(pkgDir, subpath, platform string) string {
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return ""
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return ""
	}

	if pkg.Exports != nil {
		if result := matchExports(pkg.Exports, subpath, platform); result != "" {
			resolved := filepath.Join(pkgDir, result)
			if _, err := os.Stat(resolved); err == nil {
				return resolved
			}
		}
		// A package with an exports field exposes nothing else.
		return ""
	}

	if subpath == "." {
		for _, val := range []string{pkg.Module, pkg.Main} {
			if val == "" {
				continue
			}
			for _, ext := range entryExtensions {
				resolved := filepath.Join(pkgDir, val) + ext
				if fi, err := os.Stat(resolved); err == nil && !fi.IsDir() {
					return resolved
				}
			}
		}
	}
	return ""
}

// matchExports resolves a subpath against a package.json exports field.
// The exports field can be:
//   - A string: "exports": "./index.js"
//   - A conditions object (no "." keys): "exports": {"import": "...", "default": "..."}
//   - A subpath map ("." keys): "exports": {".": {...}, "./react": {...}}
//
// Subpath keys may contain a single "*" wildcard.
func matchExports(exports *exportValue, subpath, platform string) string {
	if exports.Path != "" || exports.Array != nil {
		if subpath == "." {
			return resolveCondition(exports, platform)
		}
		return ""
	}
	if exports.Map == nil {
		return ""
	}

	isSubpathMap := false
	for key := range exports.Map {
		if strings.HasPrefix(key, ".") {
			isSubpathMap = true
			break
		}
	}
	if !isSubpathMap {
		if subpath == "." {
			return resolveCondition(exports, platform)
		}
		return ""
	}

	if entry, ok := exports.Map[subpath]; ok {
		return resolveCondition(entry, platform)
	}

	// Longest wildcard prefix wins.
	bestKey, bestMatch := "", ""
	for key := range exports.Map {
		star := strings.IndexByte(key, '*')
		if star < 0 {
			continue
		}
		prefix, suffix := key[:star], key[star+1:]
		if !strings.HasPrefix(subpath, prefix) || !strings.HasSuffix(subpath, suffix) || len(subpath) < len(prefix)+len(suffix) {
			continue
		}
		if len(prefix) > len(strings.SplitN(bestKey, "*", 2)[0]) || bestKey == "" {
			bestKey = key
			bestMatch = subpath[len(prefix) : len(subpath)-len(suffix)]
		}
	}
	if bestKey == "" {
		return ""
	}
	target := resolveCondition(exports.Map[bestKey], platform)
	return strings.ReplaceAll(target, "*", bestMatch)
}

// resolveCondition recursively resolves a condition value from an exports entry.
// It handles strings (direct paths), fallback arrays and condition objects with
// platform-specific priority ordering.
func resolveCondition(value *exportValue, platform string) string {
	if value.Path != "" {
		return value.Path
	}
	for _, alt := range value.Array {
		if result := resolveCondition(alt, platform); result != "" {
			return result
		}
	}
	if value.Map == nil {
		return ""
	}

	var keys []string
	if platform == "node" {
		keys = []string{"node", "module", "import", "require", "default"}
	} else {
		keys = []string{"browser", "module", "import", "default"}
	}

	for _, key := range keys {
		if entry, ok := value.Map[key]; ok {
			if result := resolveCondition(entry, platform); result != "" {
				return result
			}
		}
	}
	return ""
}

// PackageName splits a bare specifier into its package name and the subpath
// within the package.
// "react" → "react", "."
// "@types/react/index" → "@types/react", "./index"
func PackageName(spec string) (name, subpath string) {
	parts := strings.SplitN(spec, "/", 3)
	n := 1
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		n = 2
	}
	name = strings.Join(parts[:min(n, len(parts))], "/")
	if rest := strings.TrimPrefix(spec, name); rest != "" {
		return name, "." + rest
	}
	return name, "."
}
