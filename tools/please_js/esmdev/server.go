// Package esmdev serves test modules to a browser test runner. Source modules
// are rewritten so their dynamic imports go through the mocker, transformed
// with esbuild and served individually as ES modules.
package esmdev

import (
	"context"
	"net/http"
	"net/http/httputil"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.trai.ch/zerr"

	"github.com/becomeliminal/js-rules/tools/please_js/canonical"
	"github.com/becomeliminal/js-rules/tools/please_js/common"
	"github.com/becomeliminal/js-rules/tools/please_js/config"
	"github.com/becomeliminal/js-rules/tools/please_js/resolve"
	"github.com/becomeliminal/js-rules/tools/please_js/rewrite"
)

const (
	ssePath     = "/__esm_dev_sse"
	resolvePath = "/@mocker/resolve"
	clientPath  = "/@mocker/client.js"
)

// Args holds the arguments for the serve subcommand.
type Args struct {
	Config   *config.Config
	Proxy    []string
	Tsconfig string
	// Debounce is how long file changes are coalesced before clients are told.
	Debounce time.Duration
	Logger   zerolog.Logger
}

// esmServer serves individual ES modules with on-demand transformation.
type esmServer struct {
	packageRoot   string
	logger        zerolog.Logger
	canon         *canonical.Resolver
	resolver      *resolve.Resolver
	rewriter      *rewrite.Rewriter // nil when mocking is disabled
	identifier    string
	transCache    sync.Map          // abs path → *transformEntry
	clients       map[chan sseEvent]struct{}
	sseMu         sync.Mutex
	proxies       map[string]*httputil.ReverseProxy
	proxyPrefixes []string
	define        map[string]string
	tsconfigRaw   string
	debounce      time.Duration
}

func newServer(args Args) (*esmServer, error) {
	cfg := args.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to resolve root"), "root", cfg.Root)
	}

	moduleMap := map[string]string{}
	if cfg.ModuleConfig != "" {
		if moduleMap, err = common.ParseModuleConfig(cfg.ModuleConfig); err != nil {
			return nil, err
		}
	}

	// Explicit defines win over .env files, which win over the mode defaults.
	define := common.ModeDefines(cfg.Mode)
	if cfg.EnvFile != "" {
		envDefines, err := common.LoadEnvFiles(filepath.Join(root, cfg.EnvFile), cfg.Mode, cfg.EnvPrefix)
		if err != nil {
			return nil, err
		}
		for k, v := range envDefines {
			define[k] = v
		}
	}
	for k, v := range cfg.Define {
		define[k] = v
	}

	var tsconfigRaw string
	if args.Tsconfig != "" {
		data, err := os.ReadFile(args.Tsconfig)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "failed to read tsconfig"), "path", args.Tsconfig)
		}
		tsconfigRaw = string(data)
	}

	proxies, prefixes, err := parseProxies(args.Proxy)
	if err != nil {
		return nil, err
	}

	s := &esmServer{
		packageRoot:   root,
		logger:        args.Logger,
		canon:         canonical.New(cfg.ServerOrigin(), root),
		resolver:      resolve.New(root, resolve.WithModuleConfig(moduleMap), resolve.WithPlatform(cfg.Platform), resolve.WithLogger(args.Logger)),
		clients:       make(map[chan sseEvent]struct{}),
		proxies:       proxies,
		proxyPrefixes: prefixes,
		define:        define,
		tsconfigRaw:   tsconfigRaw,
		identifier:    cfg.Identifier,
		debounce:      args.Debounce,
	}
	if s.debounce == 0 {
		s.debounce = 100 * time.Millisecond
	}
	if cfg.MockingEnabled() {
		s.rewriter = &rewrite.Rewriter{
			Identifier: cfg.Identifier,
			Exclude:    cfg.Exclude,
			Logger:     args.Logger,
		}
	}
	return s, nil
}

func (s *esmServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	urlPath := r.URL.Path

	// 1. SSE endpoint
	if urlPath == ssePath {
		s.handleSSE(w, r)
		return
	}

	// 2. Mocker endpoints
	switch urlPath {
	case resolvePath:
		s.handleResolve(w, r, start)
		return
	case clientPath:
		s.handleClient(w, r, start)
		return
	}

	// 3. Proxy matching
	for _, prefix := range s.proxyPrefixes {
		if strings.HasPrefix(urlPath, prefix) {
			s.logRequest("proxy", r, 0, start)
			s.proxies[prefix].ServeHTTP(w, r)
			return
		}
	}

	ext := filepath.Ext(urlPath)
	_, raw := r.URL.Query()["raw"]

	// 4. Text modules
	if raw || isTextExt(ext) {
		s.handleTextModule(w, r, urlPath, start)
		return
	}

	// 5. JS/TS/JSX/TSX source files, transformed on demand
	if isSourceFileExt(ext) || ext == "" {
		s.handleSource(w, r, urlPath, start)
		return
	}

	// 6. CSS and assets imported from modules. Browsers send
	// Sec-Fetch-Dest: script for `import "./style.css"`; ?module is the
	// fallback for non-browser clients.
	if fetchDest := r.Header.Get("Sec-Fetch-Dest"); fetchDest == "script" || r.URL.Query().Get("module") != "" {
		switch {
		case ext == ".css":
			s.handleCSSModule(w, r, urlPath, start)
			return
		case isAssetExt(ext):
			s.handleAssetModule(w, r, urlPath, start)
			return
		}
	}

	// 7. Static files
	filePath := filepath.Join(s.packageRoot, filepath.FromSlash(urlPath))
	if info, err := os.Stat(filePath); err == nil && !info.IsDir() {
		http.ServeFile(w, r, filePath)
		s.logRequest("static", r, http.StatusOK, start)
		return
	}
	http.NotFound(w, r)
	s.logRequest("req", r, http.StatusNotFound, start)
}

// logRequest logs one request. A zero status means the handler owns the
// response.
func (s *esmServer) logRequest(kind string, r *http.Request, status int, start time.Time) {
	evt := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		evt = s.logger.Error()
	}
	if status != 0 {
		evt = evt.Int("status", status)
	}
	evt.Str("kind", kind).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int64("ms", time.Since(start).Milliseconds()).
		Msg("request")
}

// Run starts the test-module server and blocks until it is interrupted.
func Run(args Args) error {
	s, err := newServer(args)
	if err != nil {
		return err
	}
	cfg := args.Config
	if cfg == nil {
		cfg = config.Default()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.watchFiles(ctx); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: s,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info().
		Str("local", cfg.ServerOrigin()).
		Strs("network", getLocalIPs()).
		Str("root", s.packageRoot).
		Bool("mocking", s.rewriter != nil).
		Msg("test module server ready")

	select {
	case err := <-errCh:
		return zerr.With(zerr.Wrap(err, "http server failed"), "port", cfg.Port)
	case <-ctx.Done():
	}
	s.logger.Info().Msg("shutting down")
	return httpServer.Close()
}
