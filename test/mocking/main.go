package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/js-rules/tools/please_js/canonical"
	"github.com/becomeliminal/js-rules/tools/please_js/loader"
	"github.com/becomeliminal/js-rules/tools/please_js/mocker"
	"github.com/becomeliminal/js-rules/tools/please_js/resolve"
	"github.com/becomeliminal/js-rules/tools/please_js/rewrite"
)

const origin = "http://localhost:3000"

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	ctx := context.Background()
	tmpDir, err := os.MkdirTemp("", "mocking-test")
	if err != nil {
		fail("%v", err)
	}
	defer os.RemoveAll(tmpDir)
	root, _ := filepath.EvalSymlinks(tmpDir)

	files := map[string]string{
		"src/actions.ts":          "export const plus = (a: number, b: number) => a + b\n",
		"src/mock.test.ts":        "export const load = () => import('./actions')\nexport const fake = () => import('fake-module')\n",
		"src/config.json":         `{"port": 3000}`,
		"src/mock-module.test.ts": "const name = './config.json'\nexport const load = () => import(name)\n",
		"src/broken.test.ts":      "export const = import(\n",
		"src/excluded.test.ts":    "export const m = () => import('/@mocker/browser.js')\n",
		"src/template.test.ts":    "export const l = (n: string) => import(`./locale/${n}.js`)\n",
	}
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fail("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			fail("write %s: %v", name, err)
		}
	}

	// --- Test 1: rewriting ---

	out := filepath.Join(root, "out")
	var srcs []string
	for name := range files {
		srcs = append(srcs, filepath.Join(root, name))
	}
	if err := rewrite.Run(ctx, rewrite.Args{OutDir: out, Srcs: srcs, Logger: zerolog.Nop()}); err != nil {
		fail("test 1 — rewrite: %v", err)
	}
	expect := map[string]string{
		"mock.test.ts":        "__please_mocker__.import(() => import('./actions'), './actions', import.meta.url)",
		"mock-module.test.ts": "__please_mocker__.import(() => import(name), name, import.meta.url)",
		"template.test.ts":    "__please_mocker__.import(() => import(`./locale/${n}.js`), `./locale/${n}.js`, import.meta.url)",
		"excluded.test.ts":    "import('/@mocker/browser.js')\n",
		"broken.test.ts":      "export const = import(\n",
	}
	for name, want := range expect {
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			fail("test 1 — read %s: %v", name, err)
		}
		if !strings.Contains(string(data), want) {
			fail("test 1 — %s: expected %q in:\n%s", name, want, data)
		}
	}
	if strings.Contains(mustRead(filepath.Join(out, "excluded.test.ts")), "__please_mocker__") {
		fail("test 1 — mocker modules must not be rewritten")
	}
	fmt.Println("  PASS: test 1 — dynamic imports rewritten, exclusions and parse failures left alone")

	// --- Test 2: mocking a module reached through every spelling ---

	m := mocker.ForFile("/src/mock.test.ts",
		mocker.WithResolver(resolve.New(root)),
		mocker.WithCanonical(canonical.New(origin, root)),
		mocker.WithImporter(&loader.FS{Root: root}),
	)
	scope := m.Scope(origin + "/src/mock.test.ts")
	err = scope.Mock("./actions", func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	})
	if err != nil {
		fail("test 2 — mock: %v", err)
	}
	for _, spec := range []string{"./actions", "./actions.ts", "/src/actions.ts", origin + "/src/actions.ts"} {
		ns, err := m.Load(ctx, nil, spec, origin+"/src/mock.test.ts")
		if err != nil {
			fail("test 2 — load %s: %v", spec, err)
		}
		v, _ := ns.Get("plus")
		plus, ok := v.(func(a, b int) int)
		if !ok || plus(2, 4) != 8 {
			fail("test 2 — %s: expected mocked plus(2, 4) == 8", spec)
		}
	}
	fmt.Println("  PASS: test 2 — every spelling of a mocked module gets the mock")

	// --- Test 3: a module that does not exist can be mocked ---

	if _, err := m.Load(ctx, failingLoader, "fake-module", "/src/mock.test.ts"); err == nil {
		fail("test 3 — unmocked fake-module should fail to load")
	}
	m.ResetForFile()
	m.StartFile("/src/mock.test.ts")
	err = scope.Mock("fake-module", func() (mocker.Exports, error) {
		return mocker.Exports{"hello": "world"}, nil
	})
	if err != nil {
		fail("test 3 — mock: %v", err)
	}
	ns, err := m.Load(ctx, failingLoader, "fake-module", "/src/mock.test.ts")
	if err != nil {
		fail("test 3 — load: %v", err)
	}
	if v, _ := ns.Get("hello"); v != "world" {
		fail("test 3 — expected hello == world, got %v", v)
	}
	fmt.Println("  PASS: test 3 — fake-module rejects until mocked")

	// --- Test 4: importActual bypasses the mock ---

	m.ResetForFile()
	m.StartFile("/src/mock-module.test.ts")
	scope = m.Scope("/src/mock-module.test.ts")
	if err := scope.Mock("./config.json", func() (mocker.Exports, error) {
		return mocker.Exports{"port": 1}, nil
	}); err != nil {
		fail("test 4 — mock: %v", err)
	}
	mocked, err := scope.Import(ctx, "./config.json")
	if err != nil {
		fail("test 4 — import: %v", err)
	}
	actual, err := scope.ImportActual(ctx, "./config.json")
	if err != nil {
		fail("test 4 — importActual: %v", err)
	}
	mp, _ := mocked.Get("port")
	ap, _ := actual.Get("port")
	if mp != 1 || ap != float64(3000) {
		fail("test 4 — expected mocked port 1 and actual port 3000, got %v and %v", mp, ap)
	}
	fmt.Println("  PASS: test 4 — importActual loads the real module")

	// --- Test 5: state does not leak between files ---

	m.ResetForFile()
	m.StartFile("/src/other.test.ts")
	if m.Mocked("/src/config.json") {
		fail("test 5 — mocks leaked into the next file")
	}
	fmt.Println("  PASS: test 5 — reset between files")

	fmt.Println("mocking: all tests passed")
}

func failingLoader(context.Context) (mocker.Exports, error) {
	return nil, errors.New(`failed to resolve import "fake-module"`)
}

func mustRead(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		fail("read %s: %v", path, err)
	}
	return string(data)
}
