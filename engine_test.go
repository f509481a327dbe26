package live_test

import (
	"bufio"
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	. "github.com/ZenLiuCN/live"
	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/toolchain"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCC stands in for gcc: a source file lists its exports one per line as
// "export <name>", compiling copies it to the object, linking concatenates objects.
// A LIVE_SCRIPT_ID define prefixes exports the way the header macro does.
type fakeCC struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]toolchain.Stage
}

func (f *fakeCC) run(_ context.Context, _ string, name string, args ...string) (platform.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(append([]string{name}, args...), " "))
	out := args[slices.Index(args, "-o")+1]
	link := slices.Contains(args, "-shared")
	var id string
	var inputs []string
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "-D"+toolchain.ScriptDefine+"="):
			id = strings.TrimPrefix(a, "-D"+toolchain.ScriptDefine+"=")
		case link && strings.HasSuffix(a, ".obj"):
			inputs = append(inputs, a)
		case !link && i == len(args)-1:
			inputs = append(inputs, a)
		}
	}
	for _, in := range inputs {
		if st, ok := f.fail[filepath.Base(in)]; ok && (st == toolchain.StageLink) == link {
			return platform.Result{Code: 1, Stderr: in + ": error: broken"}, nil
		}
	}
	var b strings.Builder
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return platform.Result{Code: 1, Stderr: err.Error()}, nil
		}
		for _, l := range strings.Split(string(data), "\n") {
			if sym, ok := strings.CutPrefix(l, "export "); ok && id != "" {
				l = "export " + id + string(toolchain.Separator) + sym
			}
			b.WriteString(l + "\n")
		}
	}
	if err := os.WriteFile(out, []byte(b.String()), 0o644); err != nil {
		return platform.Result{Code: 1, Stderr: err.Error()}, nil
	}
	return platform.Result{Stderr: "note: fake"}, nil
}

func (f *fakeCC) count(substr string) (n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return
}

type fakeLib struct {
	path string
	syms map[string]uintptr
	mu   sync.Mutex
	shut bool
}

func (l *fakeLib) Path() string { return l.path }
func (l *fakeLib) Lookup(name string) (uintptr, error) {
	if a, ok := l.syms[name]; ok {
		return a, nil
	}
	return 0, platform.ErrMissingSymbol
}
func (l *fakeLib) Close() error {
	l.mu.Lock()
	l.shut = true
	l.mu.Unlock()
	return nil
}
func (l *fakeLib) closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shut
}

type fakeLoader struct {
	mu   sync.Mutex
	base uintptr
	libs []*fakeLib
}

func (f *fakeLoader) Load(objs ...platform.Object) (platform.Library, error) {
	file, err := os.Open(objs[0].Path)
	if err != nil {
		return nil, err
	}
	defer fn.IgnoreClose(file)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.base += 0x1000
	lib := &fakeLib{path: objs[0].Path, syms: map[string]uintptr{}}
	sc := bufio.NewScanner(file)
	for i := uintptr(0); sc.Scan(); {
		if sym, ok := strings.CutPrefix(sc.Text(), "export "); ok {
			lib.syms[sym] = f.base + i*8
			i++
		}
	}
	f.libs = append(f.libs, lib)
	return lib, nil
}

func (f *fakeLoader) lib(i int) *fakeLib {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.libs[i]
}

func (f *fakeLoader) loaded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.libs)
}

type messages struct {
	mu  sync.Mutex
	got []string
}

func (m *messages) cb(s Severity, msg string) {
	m.mu.Lock()
	m.got = append(m.got, s.String()+": "+msg)
	m.mu.Unlock()
}

func (m *messages) contains(prefix, substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.got {
		if strings.HasPrefix(g, prefix) && strings.Contains(g, substr) {
			return true
		}
	}
	return false
}

func (m *messages) count(prefix, substr string) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.got {
		if strings.HasPrefix(g, prefix) && strings.Contains(g, substr) {
			n++
		}
	}
	return
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func write(t *testing.T, root, rel, content string, age time.Duration) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	stamp := epoch.Add(age)
	require.NoError(t, os.Chtimes(p, stamp, stamp))
	return p
}

type fixture struct {
	root   string
	cc     *fakeCC
	loader *fakeLoader
	msgs   *messages
	engine *Engine
}

func setup(t *testing.T, mode Mode, opts ...Option) *fixture {
	f := &fixture{
		root:   t.TempDir(),
		cc:     &fakeCC{fail: map[string]toolchain.Stage{}},
		loader: new(fakeLoader),
		msgs:   new(messages),
	}
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.Interval = time.Millisecond
	cfg.Toolchain = &toolchain.Config{Kind: toolchain.GCC, Arch: toolchain.X64}
	opts = append(opts, WithRunner(f.cc.run), WithLoader(f.loader))
	f.engine = fn.Panic1(New(f.root, cfg, opts...))
	f.engine.Callback(SeverityAll, f.msgs.cb)
	t.Cleanup(func() {
		_ = f.engine.Close()
	})
	return f
}

func TestAddBeforeRun(t *testing.T) {
	f := setup(t, Live)
	assert.ErrorIs(t, f.engine.Add("math/trig", "my_sin", NewHandle()), ErrNotRunning)
	require.NoError(t, f.engine.Run(context.Background()))
	assert.ErrorIs(t, f.engine.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, f.engine.Close())
	require.NoError(t, f.engine.Close())
	assert.ErrorIs(t, f.engine.Add("math/trig", "my_sin", NewHandle()), ErrClosed)
	assert.ErrorIs(t, f.engine.Run(context.Background()), ErrClosed)
}

func TestUnknownToolchain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Toolchain = &toolchain.Config{Kind: toolchain.Kind(9)}
	_, err := New(t.TempDir(), cfg)
	assert.ErrorIs(t, err, toolchain.ErrUnknownToolchain)
	cfg.Toolchain = &toolchain.Config{Kind: toolchain.GCC, Arch: toolchain.Arch(9)}
	_, err = New(t.TempDir(), cfg)
	assert.ErrorIs(t, err, toolchain.ErrUnknownArch)
}

func TestLiveReload(t *testing.T) {
	f := setup(t, Live)
	src := write(t, f.root, "math/trig.c", "export my_sin\nexport my_cos\n", 0)
	require.NoError(t, f.engine.Run(context.Background()))
	sin, cos := NewHandle(), NewHandle()
	require.NoError(t, f.engine.Add("math/trig", "my_sin", sin))
	require.NoError(t, f.engine.Add("math/trig.c", "my_cos", cos))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := fn.Panic1(sin.Wait(ctx))
	require.NotZero(t, fn.Panic1(cos.Wait(ctx)))
	assert.True(t, f.msgs.contains("Warning", "note: fake"))
	require.Eventually(t, func() bool { return f.msgs.contains("Info", "Loaded math$trig") }, 5*time.Second, time.Millisecond)

	changed := sin.Changed()
	require.NoError(t, os.WriteFile(src, []byte("export my_sin\nexport my_cos\nexport my_tan\n"), 0o644))
	require.NoError(t, os.Chtimes(src, epoch.Add(time.Hour), epoch.Add(time.Hour)))
	select {
	case <-changed:
	case <-ctx.Done():
		t.Fatal("no reload")
	}
	assert.NotEqual(t, first, sin.Load())
	require.Eventually(t, func() bool { return f.loader.lib(0).closed() }, 5*time.Second, time.Millisecond)
	assert.Equal(t, f.loader.lib(1).syms["my_sin"], sin.Load())
	assert.Equal(t, f.loader.lib(1).syms["my_cos"], cos.Load())
}

func TestScanIsLazy(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "math/trig.c", "export my_sin\n", 0)
	write(t, f.root, "other.c", "export other\n", 0)
	write(t, f.root, "notes.txt", "export nothing\n", 0)
	require.NoError(t, f.engine.Prepare())
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	assert.Zero(t, f.loader.loaded())

	h := NewHandle()
	require.NoError(t, f.engine.Add("math/trig", "my_sin", h))
	require.NoError(t, f.engine.Scan(ctx))
	assert.Equal(t, 1, f.loader.loaded())
	assert.NotZero(t, h.Load())
	assert.Zero(t, f.cc.count("other.c"))
	assert.Zero(t, f.cc.count("notes.txt"))
}

func TestScanIsIdempotent(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	h := NewHandle()
	require.NoError(t, f.engine.Add("trig", "my_sin", h))
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	addr, calls := h.Load(), len(f.cc.calls)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Scan(ctx))
	}
	assert.Equal(t, addr, h.Load())
	assert.Equal(t, calls, len(f.cc.calls))
	assert.EqualValues(t, 1, f.engine.Builds("ok"))
}

func TestFailedBuildKeepsPreviousModule(t *testing.T) {
	f := setup(t, Live)
	src := write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	h := NewHandle()
	require.NoError(t, f.engine.Add("trig", "my_sin", h))
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	addr := h.Load()
	require.NotZero(t, addr)

	f.cc.fail["trig.c"] = toolchain.StageCompile
	write(t, f.root, "trig.c", "export my_sin\n", time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	require.NoError(t, f.engine.Scan(ctx))
	assert.Equal(t, addr, h.Load())
	assert.Equal(t, 2, f.cc.count(src), "a failed timestamp is built once")
	assert.True(t, f.msgs.contains("Error", "broken"))
	assert.EqualValues(t, 1, f.engine.Builds("compile"))

	delete(f.cc.fail, "trig.c")
	write(t, f.root, "trig.c", "export my_sin\n", 2*time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	assert.NotEqual(t, addr, h.Load())
	assert.NotZero(t, h.Load())
}

func TestMissingRoutineIsUnresolved(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "trig.c", "export my_sin\nexport my_cos\n", 0)
	require.NoError(t, f.engine.Prepare())
	sin, cos := NewHandle(), NewHandle()
	require.NoError(t, f.engine.Add("trig", "my_sin", sin))
	require.NoError(t, f.engine.Add("trig", "my_cos", cos))
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	require.NotZero(t, cos.Load())

	write(t, f.root, "trig.c", "export my_sin\n", time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	assert.NotZero(t, sin.Load())
	assert.Zero(t, cos.Load())
	assert.True(t, f.msgs.contains("Warning", "my_cos not found"))
}

func TestMissingRoutineWarnsOnce(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	require.NoError(t, f.engine.Add("trig", "my_sin", NewHandle()))
	require.NoError(t, f.engine.Add("trig", "my_cos", NewHandle()))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.engine.Scan(ctx))
	}
	assert.EqualValues(t, 1, f.engine.Builds("ok"))
	assert.Equal(t, 1, f.msgs.count("Warning", "my_cos not found"))

	require.NoError(t, f.engine.Add("trig", "my_tan", NewHandle()))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Scan(ctx))
	}
	assert.Equal(t, 1, f.msgs.count("Warning", "my_tan not found"))

	write(t, f.root, "trig.c", "export my_sin\n", time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	require.NoError(t, f.engine.Scan(ctx))
	assert.Equal(t, 2, f.msgs.count("Warning", "my_cos not found"))
}

func TestConcurrentAddRemoveWhileReloading(t *testing.T) {
	f := setup(t, Live)
	src := write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Run(context.Background()))

	const workers, rounds = 16, 200
	kept := make([][]*Handle, workers)
	fresh := make([]int, workers)
	stop := make(chan struct{})
	touched := make(chan struct{})
	go func() {
		defer close(touched)
		for n := 1; ; n++ {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			stamp := epoch.Add(time.Duration(n) * time.Minute)
			_ = os.Chtimes(src, stamp, stamp)
		}
	}()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			own := fmt.Sprintf("fresh/%d", w)
			var mine, other []*Handle
			for i := 0; i < rounds; i++ {
				switch rand.IntN(4) {
				case 0, 1:
					h := NewHandle()
					assert.NoError(t, f.engine.Add("trig", "my_sin", h))
					mine = append(mine, h)
				case 2:
					if len(mine) > 0 {
						x := rand.IntN(len(mine))
						f.engine.Remove("trig", "my_sin", mine[x])
						mine = slices.Delete(mine, x, x+1)
					}
				default:
					h := NewHandle()
					assert.NoError(t, f.engine.Add(own, "f", h))
					other = append(other, h)
					if rand.IntN(2) == 0 {
						f.engine.Remove(own, "f", other[0])
						other = other[1:]
					}
				}
			}
			kept[w] = mine
			fresh[w] = len(other)
		}()
	}
	wg.Wait()
	close(stop)
	<-touched

	s, ok := f.engine.Script("trig")
	require.True(t, ok)
	rt, ok := s.Routine("my_sin")
	require.True(t, ok)
	total := 0
	for _, hs := range kept {
		total += len(hs)
	}
	assert.Equal(t, total, rt.Listeners())
	for w, n := range fresh {
		fs, ok := f.engine.Script(fmt.Sprintf("fresh$%d", w))
		require.True(t, ok)
		frt, ok := fs.Routine("f")
		require.True(t, ok)
		assert.Equal(t, n, frt.Listeners())
	}
	require.Eventually(t, func() bool {
		addr := rt.Addr()
		if addr == 0 {
			return false
		}
		for _, hs := range kept {
			for _, h := range hs {
				if h.Load() != addr {
					return false
				}
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)
}

func TestRemoveStopsUpdates(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	kept, removed := NewHandle(), NewHandle()
	require.NoError(t, f.engine.Add("trig", "my_sin", kept))
	require.NoError(t, f.engine.Add("trig", "my_sin", removed))
	f.engine.Remove("trig", "my_sin", removed)
	require.NoError(t, f.engine.Scan(context.Background()))
	assert.NotZero(t, kept.Load())
	assert.Zero(t, removed.Load())
	s, ok := f.engine.Script("trig")
	require.True(t, ok)
	rt, _ := s.Routine("my_sin")
	assert.Equal(t, 1, rt.Listeners())
}

func TestRefPinsRetiredModule(t *testing.T) {
	f := setup(t, Live)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	h := NewHandle()
	require.NoError(t, f.engine.Add("trig", "my_sin", h))
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	ref := fn.Panic1(h.Acquire())

	write(t, f.root, "trig.c", "export my_sin\n", time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	assert.True(t, ref.Stale())
	assert.False(t, f.loader.lib(0).closed())
	_, draining := f.engine.PoolStats()
	assert.Equal(t, 1, draining)
	ref.Release()
	assert.True(t, f.loader.lib(0).closed())
}

func TestPublishHooks(t *testing.T) {
	var events []Event
	f := setup(t, Live, WithPublishHook(func(e Event) {
		events = append(events, e)
	}))
	write(t, f.root, "a.c", "export f\n", 0)
	write(t, f.root, "b.c", "export f\n", 0)
	require.NoError(t, f.engine.Prepare())
	require.NoError(t, f.engine.Add("a", "f", NewHandle()))
	require.NoError(t, f.engine.Add("b", "f", NewHandle()))
	ctx := context.Background()
	require.NoError(t, f.engine.Scan(ctx))
	require.Len(t, events, 2, spew.Sdump(events))
	assert.True(t, events[0].First)
	assert.False(t, events[0].Last)
	assert.True(t, events[1].Last)
	assert.Len(t, events[0].Module, DefaultNameLength)

	write(t, f.root, "b.c", "export f\n", time.Minute)
	require.NoError(t, f.engine.Scan(ctx))
	require.Len(t, events, 3)
	assert.Equal(t, Event{Script: "b", Module: events[2].Module, Last: true}, events[2])
}

func TestEviction(t *testing.T) {
	root := t.TempDir()
	src := write(t, root, "trig.c", "export my_sin\n", 0)
	c := DefaultConfig()
	c.EvictAfter = time.Nanosecond
	c.Toolchain = &toolchain.Config{Kind: toolchain.GCC, Arch: toolchain.X64}
	cc := &fakeCC{}
	e := fn.Panic1(New(root, c, WithRunner(cc.run), WithLoader(new(fakeLoader))))
	defer fn.IgnoreClose(e)
	require.NoError(t, e.Prepare())
	h := NewHandle()
	require.NoError(t, e.Add("trig", "my_sin", h))
	ctx := context.Background()
	require.NoError(t, e.Scan(ctx))
	require.NotZero(t, h.Load())

	require.NoError(t, os.Remove(src))
	time.Sleep(time.Millisecond)
	require.NoError(t, e.Scan(ctx))
	assert.Zero(t, h.Load())
	s, _ := e.Script("trig")
	assert.Zero(t, s.Stamp)

	write(t, root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, e.Scan(ctx))
	assert.NotZero(t, h.Load())
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	f := setup(t, Live, WithRegisterer(reg))
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Prepare())
	require.NoError(t, f.engine.Add("trig", "my_sin", NewHandle()))
	require.NoError(t, f.engine.Scan(context.Background()))
	n, err := testutil.GatherAndCount(reg, "live_engine_publishes_total", "live_pool_modules_current", "live_registry_scripts")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP live_pool_modules_current Loaded modules currently published.
# TYPE live_pool_modules_current gauge
live_pool_modules_current 1
`), "live_pool_modules_current"))
	require.NoError(t, f.engine.Close())
	n, err = testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBatch(t *testing.T) {
	f := setup(t, Batch)
	write(t, f.root, "a.c", "export f\n", 0)
	write(t, f.root, "math/trig.c", "export my_sin\nexport my_cos\n", 0)
	write(t, f.root, "readme.md", "export none\n", 0)
	require.NoError(t, f.engine.Run(context.Background()))
	assert.Equal(t, 1, f.cc.count("-shared"))
	assert.Equal(t, 1, f.cc.count("-DLIVE_SCRIPT_ID=math$trig"))
	assert.Zero(t, f.cc.count("readme.md"))

	sin, a := NewHandle(), NewHandle()
	require.NoError(t, f.engine.Add("math/trig", "my_sin", sin))
	require.NoError(t, f.engine.Add("a", "f", a))
	lib := f.loader.lib(0)
	assert.Equal(t, lib.syms["math$trig$my_sin"], sin.Load())
	assert.Equal(t, lib.syms["a$f"], a.Load())
	assert.ErrorIs(t, f.engine.Add("math/trig", "my_tan", NewHandle()), platform.ErrMissingSymbol)

	f.engine.Remove("math/trig", "my_sin", sin)
	assert.NotZero(t, sin.Load())
	require.NoError(t, f.engine.Close())
	assert.True(t, lib.closed())
	assert.Zero(t, sin.Load())
}

func TestBatchDuplicateScript(t *testing.T) {
	f := setup(t, Batch)
	write(t, f.root, "trig", "export my_sin\n", 0)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	require.NoError(t, f.engine.Run(context.Background()))
	assert.True(t, f.msgs.contains("Warning", "skipped"))
	assert.ErrorIs(t, f.engine.Add("trig", "my_sin", NewHandle()), ErrDuplicateScript)
}

func TestBatchFailures(t *testing.T) {
	f := setup(t, Batch)
	assert.ErrorIs(t, f.engine.Run(context.Background()), ErrNoScripts)

	f = setup(t, Batch)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	f.cc.fail["trig.c"] = toolchain.StageCompile
	assert.ErrorIs(t, f.engine.Run(context.Background()), toolchain.ErrCompile)

	f = setup(t, Batch)
	write(t, f.root, "trig.c", "export my_sin\n", 0)
	f.cc.fail["0.obj"] = toolchain.StageLink
	assert.ErrorIs(t, f.engine.Run(context.Background()), toolchain.ErrLink)
	assert.True(t, f.msgs.contains("Error", "broken"))
}
