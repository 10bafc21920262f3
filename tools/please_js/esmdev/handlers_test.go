package esmdev

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/js-rules/tools/please_js/config"
)

func newTestServer(t *testing.T, files map[string]string, opts ...func(*Args)) *esmServer {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	cfg := config.Default()
	cfg.Root = root
	args := Args{Config: cfg}
	for _, opt := range opts {
		opt(&args)
	}
	s, err := newServer(args)
	require.NoError(t, err)
	return s
}

func get(s *esmServer, target string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", target, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

var testFiles = map[string]string{
	"src/actions.ts":   "export const plus = (a: number, b: number): number => a + b\n",
	"src/lazy.ts":      "export async function load(): Promise<unknown> {\n  return import('./actions')\n}\n",
	"src/mock.test.ts": "import { plus } from './actions'\nexport const run = () => plus(1, 2)\n",
	"src/mode.js":      "export const mode = import.meta.env.MODE\n",
	"src/broken.ts":    "export const = import(\n",
	"docs/post.md":     "# Hello World\n\nThis is a test.\n",
	"styles/app.css":   "body { color: red }\n",
	"public/logo.png":  "png",
}

func TestHandleSource(t *testing.T) {
	s := newTestServer(t, testFiles)

	rec := get(s, "/src/lazy.ts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "__please_mocker__.import(() => import(")
	assert.Contains(t, body, "import.meta.url")
	assert.NotContains(t, body, "Promise<unknown>")
	assert.Contains(t, body, `import "/@mocker/client.js"`, "rewritten modules install the mocker global")
	assert.Contains(t, body, "//# sourceMappingURL=data:application/json;base64,")
}

func TestHandleSource_ExtensionResolution(t *testing.T) {
	s := newTestServer(t, testFiles)
	for _, target := range []string{"/src/actions", "/src/actions.js"} {
		rec := get(s, target)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Contains(t, rec.Body.String(), "export const plus", target)
	}
	assert.Equal(t, http.StatusNotFound, get(s, "/src/missing.ts").Code)
}

func TestHandleSource_CacheAndETag(t *testing.T) {
	s := newTestServer(t, testFiles)

	first := get(s, "/src/lazy.ts")
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	second := get(s, "/src/lazy.ts")
	assert.Equal(t, etag, second.Header().Get("ETag"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	notModified := get(s, "/src/lazy.ts", "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, notModified.Code)
	assert.Empty(t, notModified.Body.String())

	stale := get(s, "/src/lazy.ts", "If-None-Match", `"0"`)
	assert.Equal(t, http.StatusOK, stale.Code)
}

func TestHandleSource_MockingDisabled(t *testing.T) {
	s := newTestServer(t, testFiles, func(a *Args) {
		a.Config.Enabled = config.Bool(false)
	})
	rec := get(s, "/src/lazy.ts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "__please_mocker__")
	assert.NotContains(t, rec.Body.String(), clientPath)
	assert.Contains(t, rec.Body.String(), "import(")
}

func TestHandleSource_StaticImportsUntouched(t *testing.T) {
	s := newTestServer(t, testFiles)
	rec := get(s, "/src/mock.test.ts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "__please_mocker__")
	assert.NotContains(t, rec.Body.String(), clientPath)
	assert.Contains(t, rec.Body.String(), "./actions")
}

func TestHandleSource_TransformError(t *testing.T) {
	s := newTestServer(t, testFiles)
	rec := get(s, "/src/broken.ts")
	assert.Equal(t, http.StatusOK, rec.Code, "the browser needs a 200 to execute the reporter")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "console.error("), rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/src/broken.ts")
}

func TestHandleSource_Defines(t *testing.T) {
	s := newTestServer(t, testFiles, func(a *Args) {
		a.Config.Define = map[string]string{"import.meta.env.PLZ_API": `"http://api"`}
	})
	rec := get(s, "/src/mode.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"test"`)
}

func TestHandleTextModule(t *testing.T) {
	s := newTestServer(t, testFiles)

	rec := get(s, "/docs/post.md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "export default "))
	assert.Contains(t, body, "# Hello World")

	raw := get(s, "/src/actions.ts?raw")
	require.Equal(t, http.StatusOK, raw.Code)
	assert.Contains(t, raw.Body.String(), `export default "export const plus`)
}

func TestHandleTextModule_NotFound(t *testing.T) {
	s := newTestServer(t, testFiles)
	assert.Equal(t, http.StatusNotFound, get(s, "/missing.md").Code)
}

func TestHandleCSSAndAssetModules(t *testing.T) {
	s := newTestServer(t, testFiles)

	css := get(s, "/styles/app.css", "Sec-Fetch-Dest", "script")
	require.Equal(t, http.StatusOK, css.Code)
	assert.Contains(t, css.Body.String(), `"body { color: red }\n"`)

	stylesheet := get(s, "/styles/app.css")
	assert.Equal(t, "body { color: red }\n", stylesheet.Body.String())

	asset := get(s, "/public/logo.png?module=1")
	assert.Equal(t, "export default \"/public/logo.png\";\n", asset.Body.String())
}

func TestHandleResolve(t *testing.T) {
	s := newTestServer(t, testFiles)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantKey    string
	}{
		{"relative", "id=./actions&importer=/src/mock.test.ts", http.StatusOK, "/src/actions.ts"},
		{"importer url", "id=./actions.ts&importer=http://localhost:8080/src/mock.test.ts", http.StatusOK, "/src/actions.ts"},
		{"rooted", "id=/src/actions&importer=/src/lazy.ts", http.StatusOK, "/src/actions.ts"},
		{"unresolvable", "id=fake-module&importer=/src/mock.test.ts", http.StatusNotFound, ""},
		{"missing id", "importer=/src/mock.test.ts", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(s, resolvePath+"?"+tt.query)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var resp resolveResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKey, resp.Key)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, filepath.Join(s.packageRoot, "src", "actions.ts"), resp.ID)
				assert.Equal(t, "http://localhost:8080/src/actions.ts", resp.URL)
			} else {
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}

func TestSSE(t *testing.T) {
	s := newTestServer(t, testFiles)
	srv := httptest.NewServer(s)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+ssePath, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		s.sseMu.Lock()
		defer s.sseMu.Unlock()
		return len(s.clients) == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.broadcast(sseEvent{Type: "change", Files: []string{"/src/lazy.ts"}})

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: change\n", event)
	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `data: {"type":"change","files":["/src/lazy.ts"]}`+"\n", data)
}

func TestNewServerErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Platform = "deno"
	_, err := newServer(Args{Config: cfg})
	require.ErrorContains(t, err, config.ErrInvalid.Error())

	_, err = newServer(Args{Config: config.Default(), Proxy: []string{"broken"}})
	require.ErrorContains(t, err, ErrInvalidProxy.Error())
}
