// Package loader builds module namespaces for data modules that can be
// evaluated without a JavaScript runtime.
package loader

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"

	"github.com/becomeliminal/js-rules/tools/please_js/mocker"
)

var (
	// ErrUnsupportedModule is returned for modules that need a JavaScript runtime.
	ErrUnsupportedModule = zerr.New("module cannot be loaded without a runtime")
	// ErrReadFailed is returned when the module file cannot be read.
	ErrReadFailed = zerr.New("failed to read module")
	// ErrDecodeFailed is returned when a data module is malformed.
	ErrDecodeFailed = zerr.New("failed to decode module")
)

// FS loads data modules from the filesystem. Module ids are absolute paths or
// paths relative to Root.
type FS struct {
	Root string
}

var _ mocker.Importer = (*FS)(nil)

// Import loads the module with the given id.
//
// JSON and YAML modules export their document as default and each top-level
// key of an object document as a named export. Text modules (.md, .txt and any
// ?raw import) export their contents as default.
func (f *FS) Import(ctx context.Context, id string) (mocker.Exports, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, query := splitQuery(id)
	raw := slices.Contains(strings.Split(query, "&"), "raw")

	ext := strings.ToLower(filepath.Ext(path))
	if !raw {
		switch ext {
		case ".json", ".yaml", ".yml", ".md", ".txt":
		default:
			return nil, zerr.With(ErrUnsupportedModule, "id", id)
		}
	}

	data, err := os.ReadFile(f.path(path))
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrReadFailed.Error()), "id", id)
	}
	if raw {
		return mocker.Exports{"default": string(data)}, nil
	}

	var doc any
	switch ext {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		return mocker.Exports{"default": string(data)}, nil
	}
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, ErrDecodeFailed.Error()), "id", id)
	}
	return namespace(doc), nil
}

func (f *FS) path(p string) string {
	fp := filepath.FromSlash(p)
	if filepath.IsAbs(fp) {
		if _, err := os.Stat(fp); err == nil || f.Root == "" {
			return fp
		}
	}
	// Root-relative ids are canonical keys, which are escaped URL paths.
	if d, err := url.PathUnescape(p); err == nil {
		fp = filepath.FromSlash(d)
	}
	return filepath.Join(f.Root, fp)
}

func namespace(doc any) mocker.Exports {
	exports := mocker.Exports{"default": doc}
	if obj, ok := doc.(map[string]any); ok {
		for k, v := range obj {
			if k != "default" {
				exports[k] = v
			}
		}
	}
	return exports
}

func splitQuery(id string) (string, string) {
	if i := strings.IndexByte(id, '#'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, '?'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}
