package mocker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/becomeliminal/js-rules/tools/please_js/canonical"
	"github.com/becomeliminal/js-rules/tools/please_js/mocker"
	"github.com/becomeliminal/js-rules/tools/please_js/mocker/mocks"
)

const (
	origin   = "http://localhost:3000"
	root     = "/home/dev/project"
	testFile = "http://localhost:3000/src/mock.test.ts"
)

func newMocker(t *testing.T, opts ...mocker.Option) *mocker.Mocker {
	t.Helper()
	opts = append([]mocker.Option{mocker.WithCanonical(canonical.New(origin, root))}, opts...)
	return mocker.ForFile(testFile, opts...)
}

func realActions(calls *atomic.Int32) mocker.Loader {
	return func(context.Context) (mocker.Exports, error) {
		if calls != nil {
			calls.Add(1)
		}
		return mocker.Exports{"plus": func(a, b int) int { return a + b }}, nil
	}
}

func plus(t *testing.T, ns *mocker.Namespace) func(int, int) int {
	t.Helper()
	v, ok := ns.Get("plus")
	require.True(t, ok, "namespace has no plus export")
	fn, ok := v.(func(int, int) int)
	require.True(t, ok, "plus is %T", v)
	return fn
}

func TestMockReplacesModule(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	scope := m.Scope(testFile)

	require.NoError(t, scope.Mock("./actions.ts", func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))

	var calls atomic.Int32
	ns, err := m.Load(ctx, realActions(&calls), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))
	assert.Equal(t, "/src/actions.ts", ns.Key())
	assert.Zero(t, calls.Load(), "real module must not load when mocked")
}

func TestMockAppliesToEverySpelling(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	require.NoError(t, m.QueueRegister("/src/actions.ts", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))

	for _, spec := range []string{
		"./actions.ts",
		"/src/actions.ts",
		"http://localhost:3000/src/actions.ts?t=123",
		"/@fs/home/dev/project/src/actions.ts",
	} {
		ns, err := m.Load(ctx, realActions(nil), spec, "src/mock.test.ts")
		require.NoError(t, err, spec)
		assert.Equal(t, 8, plus(t, ns)(2, 4), spec)
	}
}

func TestFakeModule(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	name := "fake-does-not-exist-" + uuid.NewString()
	missing := func(context.Context) (mocker.Exports, error) {
		return nil, errors.New("failed to resolve import " + name)
	}

	_, err := m.Load(ctx, missing, name, testFile)
	require.ErrorContains(t, err, mocker.ErrLoadFailed.Error())
	require.ErrorContains(t, err, "failed to resolve import")

	require.NoError(t, m.QueueRegister(name, testFile, func() (mocker.Exports, error) {
		return mocker.Exports{".hello": "there"}, nil
	}))
	ns, err := m.Load(ctx, missing, name, testFile)
	require.NoError(t, err)
	v, ok := ns.Get(".hello")
	require.True(t, ok)
	assert.Equal(t, "there", v)
}

func TestResetBetweenFiles(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))
	ns, err := m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))

	m.ResetForFile()
	assert.False(t, m.Active())

	second := "http://localhost:3000/src/other.test.ts"
	m.StartFile(second)
	ns, err = m.Load(ctx, realActions(nil), "./actions.ts", second)
	require.NoError(t, err)
	assert.Equal(t, 6, plus(t, ns)(2, 4), "first file's mock leaked")

	m.ResetForFile()
	m.StartFile(second)
	require.NoError(t, m.QueueRegister("./actions.ts", second, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a - b }}, nil
	}))
	ns, err = m.Load(ctx, realActions(nil), "./actions.ts", second)
	require.NoError(t, err)
	assert.Equal(t, -2, plus(t, ns)(2, 4))
}

func TestResetDiscardsPendingDeclarations(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))

	m.ResetForFile()
	m.StartFile(testFile)

	ns, err := m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 6, plus(t, ns)(2, 4))
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	release := make(chan struct{})
	var calls atomic.Int32
	raw := func(context.Context) (mocker.Exports, error) {
		calls.Add(1)
		<-release
		return mocker.Exports{"value": 1}, nil
	}

	h1, err := m.Import(ctx, raw, "./dep.ts", testFile)
	require.NoError(t, err)
	h2, err := m.Import(ctx, raw, "/src/dep.ts", testFile)
	require.NoError(t, err)
	require.Same(t, h1, h2)

	select {
	case <-h1.Done():
		t.Fatal("load settled before the loader returned")
	default:
	}
	close(release)

	ns1, err := h1.Wait(ctx)
	require.NoError(t, err)
	ns2, err := h2.Wait(ctx)
	require.NoError(t, err)
	assert.Same(t, ns1, ns2)

	h3, err := m.Import(ctx, raw, "./dep.ts", testFile)
	require.NoError(t, err)
	assert.Same(t, h1, h3)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentImportsShareOneLoad(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	var calls atomic.Int32
	raw := func(context.Context) (mocker.Exports, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return mocker.Exports{"value": 1}, nil
	}

	const n = 16
	handles := make([]*mocker.Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Import(ctx, raw, "./dep.ts", testFile)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles[1:] {
		assert.Same(t, handles[0], h)
	}
	_, err := handles[0].Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRegisterAfterImportDoesNotAffectExistingEntry(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	release := make(chan struct{})
	raw := func(context.Context) (mocker.Exports, error) {
		<-release
		return mocker.Exports{"plus": func(a, b int) int { return a + b }}, nil
	}
	h1, err := m.Import(ctx, raw, "./actions.ts", testFile)
	require.NoError(t, err)

	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))
	close(release)

	ns, err := h1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, plus(t, ns)(2, 4))

	h2, err := m.Import(ctx, raw, "./actions.ts", testFile)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	ns, err = h2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))
}

func TestUnregisterRestoresRealModule(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	scope := m.Scope(testFile)

	require.NoError(t, scope.Mock("./actions.ts", func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))
	ns, err := m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))
	assert.True(t, m.Mocked("/src/actions.ts"))

	require.NoError(t, scope.Unmock("./actions.ts"))
	ns, err = m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 6, plus(t, ns)(2, 4))
	assert.False(t, m.Mocked("/src/actions.ts"))
}

func TestDeclarationsApplyInOrder(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	scope := m.Scope(testFile)

	for _, v := range []int{1, 2, 3} {
		require.NoError(t, scope.Mock("./value.ts", func() (mocker.Exports, error) {
			return mocker.Exports{"value": v}, nil
		}))
	}
	ns, err := m.Load(ctx, nil, "./value.ts", testFile)
	require.NoError(t, err)
	v, _ := ns.Get("value")
	assert.Equal(t, 3, v)

	require.NoError(t, scope.Mock("./other.ts", func() (mocker.Exports, error) {
		return mocker.Exports{"value": "mocked"}, nil
	}))
	require.NoError(t, scope.Unmock("./other.ts"))
	_, err = m.Load(ctx, nil, "./other.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrNoLoader.Error())
}

func TestConcurrentLoadsObserveQueuedMocks(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	specs := []string{"./a.ts", "./b.ts", "./c.ts", "./d.ts", "./e.ts", "./f.ts"}
	for _, spec := range specs {
		require.NoError(t, m.QueueRegister(spec, testFile, func() (mocker.Exports, error) {
			return mocker.Exports{"spec": spec}, nil
		}))
	}

	var wg sync.WaitGroup
	for _, spec := range specs {
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ns, err := m.Load(ctx, nil, spec, testFile)
				if !assert.NoError(t, err, spec) {
					return
				}
				v, _ := ns.Get("spec")
				assert.Equal(t, spec, v)
			}()
		}
	}
	wg.Wait()
}

func TestDeclarationErrors(t *testing.T) {
	factory := func() (mocker.Exports, error) { return mocker.Exports{}, nil }

	tests := []struct {
		name    string
		mocker  func() *mocker.Mocker
		factory mocker.Factory
		wantErr error
	}{
		{
			name:    "not active",
			mocker:  func() *mocker.Mocker { return mocker.New() },
			factory: factory,
			wantErr: mocker.ErrNotActive,
		},
		{
			name:    "not isolated",
			mocker:  func() *mocker.Mocker { return mocker.ForFile(testFile, mocker.WithIsolation(true, false)) },
			factory: factory,
			wantErr: mocker.ErrIsolationRequired,
		},
		{
			name:    "disabled",
			mocker:  func() *mocker.Mocker { return mocker.ForFile(testFile, mocker.WithIsolation(false, true)) },
			factory: factory,
			wantErr: mocker.ErrIsolationRequired,
		},
		{
			name:    "no factory",
			mocker:  func() *mocker.Mocker { return mocker.ForFile(testFile) },
			factory: nil,
			wantErr: mocker.ErrFactoryRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mocker().QueueRegister("./actions.ts", testFile, tt.factory)
			require.ErrorContains(t, err, tt.wantErr.Error())
		})
	}

	t.Run("unregister not active", func(t *testing.T) {
		err := mocker.New().QueueUnregister("./actions.ts", testFile)
		require.ErrorContains(t, err, mocker.ErrNotActive.Error())
	})

	t.Run("after reset", func(t *testing.T) {
		m := mocker.ForFile(testFile)
		m.ResetForFile()
		err := m.QueueRegister("./actions.ts", testFile, factory)
		require.ErrorContains(t, err, mocker.ErrNotActive.Error())
	})
}

func TestImportWhenDisabled(t *testing.T) {
	m := newMocker(t, mocker.WithIsolation(false, false))
	_, err := m.Import(context.Background(), realActions(nil), "./actions.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrMockingDisabled.Error())
}

func TestFactoryFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	var calls atomic.Int32
	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}))

	_, err := m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrFactoryFailed.Error())
	require.ErrorContains(t, err, "boom")

	_, err = m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.ErrorContains(t, err, "boom")

	m.ResetModules()
	_, err = m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.ErrorContains(t, err, "boom")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFactoryPanic(t *testing.T) {
	m := newMocker(t)
	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		panic("factory exploded")
	}))
	_, err := m.Load(context.Background(), nil, "./actions.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrFactoryPanicked.Error())
}

func TestLoaderPanic(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)
	var calls atomic.Int32
	raw := func(context.Context) (mocker.Exports, error) {
		calls.Add(1)
		panic("loader exploded")
	}

	_, err := m.Load(ctx, raw, "./actions.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrLoadFailed.Error())

	_, err = m.Load(ctx, raw, "./actions.ts", testFile)
	require.ErrorContains(t, err, mocker.ErrLoadFailed.Error())
	assert.Equal(t, int32(1), calls.Load(), "a rejected load is shared, not retried")
}

func TestResetModulesReusesMockExports(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	var calls atomic.Int32
	require.NoError(t, m.QueueRegister("./actions.ts", testFile, func() (mocker.Exports, error) {
		calls.Add(1)
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))

	h1, err := m.Import(ctx, nil, "./actions.ts", testFile)
	require.NoError(t, err)
	_, err = h1.Wait(ctx)
	require.NoError(t, err)

	m.ResetModules()
	assert.True(t, m.Mocked("/src/actions.ts"), "ResetModules must keep mocks")

	h2, err := m.Import(ctx, nil, "./actions.ts", testFile)
	require.NoError(t, err)
	assert.NotSame(t, h1, h2)
	ns, err := h2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))
	assert.Equal(t, int32(1), calls.Load())
}

func TestResetModulesReloadsRealModules(t *testing.T) {
	ctx := context.Background()
	m := newMocker(t)

	var calls atomic.Int32
	_, err := m.Load(ctx, realActions(&calls), "./actions.ts", testFile)
	require.NoError(t, err)
	_, err = m.Load(ctx, realActions(&calls), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	m.Scope(testFile).ResetModules()
	_, err = m.Load(ctx, realActions(&calls), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWaitRespectsContext(t *testing.T) {
	m := newMocker(t)
	release := make(chan struct{})
	raw := func(context.Context) (mocker.Exports, error) {
		<-release
		return mocker.Exports{"value": 1}, nil
	}
	h, err := m.Import(context.Background(), raw, "./slow.ts", testFile)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	ns, err := h.Wait(context.Background())
	require.NoError(t, err, "an abandoned wait must not cancel the load")
	v, _ := ns.Get("value")
	assert.Equal(t, 1, v)
}

func TestHostResolver(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)

	// The host resolver completes extensionless specifiers; the canonical
	// resolver alone would key "./actions" and "./actions.ts" differently.
	resolver.EXPECT().
		ResolveID(gomock.Any(), gomock.Any(), "/src/mock.test.ts").
		DoAndReturn(func(_ context.Context, spec, _ string) (string, bool, error) {
			switch spec {
			case "./actions", "./actions.ts":
				return root + "/src/actions.ts", true, nil
			}
			return "", false, nil
		}).
		AnyTimes()

	m := newMocker(t, mocker.WithResolver(resolver))
	require.NoError(t, m.QueueRegister("./actions", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))
	ns, err := m.Load(ctx, realActions(nil), "./actions.ts", testFile)
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, ns)(2, 4))
	assert.Equal(t, "/src/actions.ts", ns.Key())
}

func TestHostResolverFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)
	resolver.EXPECT().
		ResolveID(gomock.Any(), "fake-module", "/src/mock.test.ts").
		Return("", false, errors.New("resolver unavailable")).
		Times(2)

	m := newMocker(t, mocker.WithResolver(resolver))
	require.NoError(t, m.QueueRegister("fake-module", testFile, func() (mocker.Exports, error) {
		return mocker.Exports{"default": "fake"}, nil
	}))
	ns, err := m.Load(ctx, nil, "fake-module", testFile)
	require.NoError(t, err)
	assert.Equal(t, "fake-module", ns.Key())
}

func TestImportActual(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	resolver := mocks.NewMockResolver(ctrl)
	importer := mocks.NewMockImporter(ctrl)

	resolver.EXPECT().
		ResolveID(gomock.Any(), "./actions.ts", "/src/mock.test.ts").
		Return(root+"/src/actions.ts", true, nil).
		AnyTimes()
	resolver.EXPECT().
		ResolveID(gomock.Any(), "fake-module", "/src/mock.test.ts").
		Return("", false, nil).
		AnyTimes()
	importer.EXPECT().
		Import(gomock.Any(), root+"/src/actions.ts").
		Return(mocker.Exports{"plus": func(a, b int) int { return a + b }}, nil).
		Times(2)

	m := newMocker(t, mocker.WithResolver(resolver), mocker.WithImporter(importer))
	scope := m.Scope(testFile)
	require.NoError(t, scope.Mock("./actions.ts", func() (mocker.Exports, error) {
		return mocker.Exports{"plus": func(a, b int) int { return a * b }}, nil
	}))

	mocked, err := scope.Import(ctx, "./actions.ts")
	require.NoError(t, err)
	assert.Equal(t, 8, plus(t, mocked)(2, 4))

	actual, err := scope.ImportActual(ctx, "./actions.ts")
	require.NoError(t, err)
	assert.Equal(t, 6, plus(t, actual)(2, 4))
	assert.Equal(t, "/src/actions.ts", actual.Key())

	// Not cached.
	_, err = scope.ImportActual(ctx, "./actions.ts")
	require.NoError(t, err)

	_, err = scope.ImportActual(ctx, "fake-module")
	require.ErrorContains(t, err, mocker.ErrUnresolvable.Error())
}

func TestImportActualWithoutHostResolver(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	importer := mocks.NewMockImporter(ctrl)
	importer.EXPECT().
		Import(gomock.Any(), "/src/data.json").
		Return(mocker.Exports{"default": map[string]any{"a": 1}}, nil)
	importer.EXPECT().
		Import(gomock.Any(), "/src/broken.json").
		Return(nil, errors.New("unexpected end of JSON input"))

	m := newMocker(t, mocker.WithImporter(importer))
	ns, err := m.ImportActual(ctx, "./data.json", testFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, ns.Names())

	_, err = m.ImportActual(ctx, "./broken.json", testFile)
	require.ErrorContains(t, err, mocker.ErrLoadFailed.Error())

	_, err = newMocker(t).ImportActual(ctx, "./data.json", testFile)
	require.ErrorContains(t, err, mocker.ErrNoImporter.Error())
}

func TestImportMockNotSupported(t *testing.T) {
	_, err := newMocker(t).Scope(testFile).ImportMock(context.Background(), "./actions.ts")
	require.ErrorContains(t, err, mocker.ErrNotSupported.Error())
}
