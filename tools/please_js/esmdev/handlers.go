package esmdev

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/becomeliminal/js-rules/tools/please_js/rewrite"
)

// resolveResponse answers /@mocker/resolve.
type resolveResponse struct {
	ID    string `json:"id,omitempty"`
	Key   string `json:"key,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *esmServer) handleResolve(w http.ResponseWriter, r *http.Request, start time.Time) {
	q := r.URL.Query()
	id, importer := q.Get("id"), q.Get("importer")
	if id == "" {
		s.writeJSON(w, http.StatusBadRequest, resolveResponse{Error: "missing id"})
		s.logRequest("resolve", r, http.StatusBadRequest, start)
		return
	}

	imp := s.canon.NormalizeImporter(importer)
	resolved, ok, err := s.resolver.ResolveID(r.Context(), id, imp)
	switch {
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, resolveResponse{Error: err.Error()})
		s.logRequest("resolve", r, http.StatusInternalServerError, start)
		return
	case !ok:
		s.writeJSON(w, http.StatusNotFound, resolveResponse{Error: "could not resolve " + id})
		s.logRequest("resolve", r, http.StatusNotFound, start)
		return
	}

	key := s.canon.Resolve(resolved, imp)
	s.writeJSON(w, http.StatusOK, resolveResponse{
		ID:  resolved,
		Key: key,
		URL: strings.TrimSuffix(s.canon.Origin, "/") + key,
	})
	s.logRequest("resolve", r, http.StatusOK, start)
}

func (s *esmServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *esmServer) handleSource(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	resolved := resolveSourceFile(s.packageRoot, urlPath)
	if resolved == "" {
		http.NotFound(w, r)
		s.logRequest("req", r, http.StatusNotFound, start)
		return
	}
	info, err := os.Stat(resolved)
	if err != nil {
		http.NotFound(w, r)
		s.logRequest("req", r, http.StatusNotFound, start)
		return
	}

	if cached, ok := s.transCache.Load(resolved); ok {
		entry := cached.(*transformEntry)
		if entry.modTime.Equal(info.ModTime()) {
			s.writeModule(w, r, entry)
			s.logRequest("cached", r, 0, start)
			return
		}
	}

	src, err := os.ReadFile(resolved)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.logRequest("error", r, http.StatusInternalServerError, start)
		return
	}

	code, rewrites := s.rewriteSource(r, resolved, urlPath, src)

	transformOpts := api.TransformOptions{
		Loader:         loaderForFile(resolved),
		Format:         api.FormatESModule,
		Target:         api.ESNext,
		JSX:            api.JSXAutomatic,
		Sourcemap:      api.SourceMapInline,
		SourcesContent: api.SourcesContentInclude,
		Sourcefile:     urlPath,
		Define:         s.define,
		TsconfigRaw:    s.tsconfigRaw,
		LogLevel:       api.LogLevelSilent,
	}
	result := api.Transform(code, transformOpts)
	if len(result.Errors) > 0 {
		// Return the error as a JS module that logs it; the browser needs a
		// 200 to execute the reporter.
		errMsg := result.Errors[0].Text
		msg, _ := json.Marshal("[esm-dev] Transform error in " + urlPath + ":\n" + errMsg)
		w.Header().Set("Content-Type", "application/javascript")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "console.error(%s);\n", msg)
		s.logger.Error().Str("kind", "error").Str("path", urlPath).Str("error", errMsg).Msg("transform failed")
		return
	}

	entry := newTransformEntry(result.Code, info.ModTime())
	s.transCache.Store(resolved, entry)
	s.writeModule(w, r, entry)
	s.logger.Debug().
		Str("kind", "transform").
		Str("method", r.Method).
		Str("path", urlPath).
		Int("rewrites", rewrites).
		Int64("ms", time.Since(start).Milliseconds()).
		Msg("request")
}

// rewriteSource routes the module's dynamic imports through the mocker and
// imports the mocker client, which installs the global they call. The source
// is returned unchanged when mocking is disabled or it does not parse.
func (s *esmServer) rewriteSource(r *http.Request, path, urlPath string, src []byte) (string, int) {
	if s.rewriter == nil {
		return string(src), 0
	}
	parse, ok := rewrite.ParserFor(path)
	if !ok {
		return string(src), 0
	}
	res, err := s.rewriter.Rewrite(r.Context(), src, urlPath, parse)
	if err != nil {
		var perr *rewrite.ParseError
		if !errors.As(err, &perr) {
			s.logger.Warn().Err(err).Str("path", urlPath).Msg("rewrite failed")
		}
		return string(src), 0
	}
	if res.Rewrites == 0 {
		return string(src), 0
	}
	// Import declarations are hoisted, so appending keeps the source map intact.
	code := res.Code + "\nimport " + strconv.Quote(clientPath) + ";\n" + res.Map.Comment() + "\n"
	return code, res.Rewrites
}

// writeModule writes a transformed module, answering conditional requests
// with 304.
func (s *esmServer) writeModule(w http.ResponseWriter, r *http.Request, entry *transformEntry) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", entry.etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == entry.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(entry.code)
}

func (s *esmServer) handleTextModule(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	data, err := os.ReadFile(filepath.Join(s.packageRoot, filepath.FromSlash(urlPath)))
	if err != nil {
		http.NotFound(w, r)
		s.logRequest("text", r, http.StatusNotFound, start)
		return
	}
	text, err := json.Marshal(string(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, "export default %s;\n", text)
	s.logRequest("text", r, http.StatusOK, start)
}

func (s *esmServer) handleCSSModule(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	data, err := os.ReadFile(filepath.Join(s.packageRoot, filepath.FromSlash(urlPath)))
	if err != nil {
		http.NotFound(w, r)
		s.logRequest("css-module", r, http.StatusNotFound, start)
		return
	}
	// JSON-encode the CSS content for safe embedding in JS
	cssJSON, err := json.Marshal(string(data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, cssModuleTemplate, urlPath, string(cssJSON))
	s.logRequest("css-module", r, http.StatusOK, start)
}

func (s *esmServer) handleAssetModule(w http.ResponseWriter, r *http.Request, urlPath string, start time.Time) {
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprintf(w, assetModuleTemplate, urlPath)
	s.logRequest("asset-module", r, http.StatusOK, start)
}
