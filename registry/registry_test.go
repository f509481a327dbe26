package registry

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/live/container"
	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/pool"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLib exports every symbol of syms at base+index.
type fakeLib struct {
	path   string
	base   uintptr
	syms   []string
	closed bool
}

func (f *fakeLib) Path() string { return f.path }
func (f *fakeLib) Lookup(name string) (uintptr, error) {
	for i, s := range f.syms {
		if s == name {
			return f.base + uintptr(i)*8, nil
		}
	}
	return 0, platform.ErrMissingSymbol
}
func (f *fakeLib) Close() error {
	f.closed = true
	return nil
}

type fakeLoader struct {
	next uintptr
	syms []string
	libs []*fakeLib
}

func (l *fakeLoader) Load(objs ...platform.Object) (platform.Library, error) {
	l.next += 0x1000
	lib := &fakeLib{path: objs[0].Path, base: l.next, syms: l.syms}
	l.libs = append(l.libs, lib)
	return lib, nil
}

func identity(fn string) string { return fn }

func setup(syms ...string) (*Registry, *pool.Pool, *fakeLoader) {
	l := &fakeLoader{syms: syms}
	p := pool.NewPool(l, nil)
	return New(0, p, nil), p, l
}

func TestListenerCountTracksAddsAndRemoves(t *testing.T) {
	r, _, _ := setup()
	handles := make([]*Handle, 8)
	for i := range handles {
		handles[i] = NewHandle()
	}
	registered := map[*Handle]int{}
	total := 0
	for n := 0; n < 500; n++ {
		h := handles[rand.IntN(len(handles))]
		if rand.IntN(2) == 0 {
			r.Register("math$trig", "my_sin", h)
			registered[h]++
			total++
		} else if r.Unregister("math$trig", "my_sin", h) {
			require.Positive(t, registered[h])
			registered[h]--
			total--
		} else {
			require.Zero(t, registered[h])
		}
	}
	s, ok := r.Lookup("math$trig")
	require.True(t, ok)
	rt, ok := s.Routine("my_sin")
	require.True(t, ok)
	assert.Equal(t, total, rt.Listeners())
}

func TestUnregisterUnknown(t *testing.T) {
	r, _, _ := setup()
	assert.False(t, r.Unregister("none", "f", NewHandle()))
	r.Register("s", "f", NewHandle())
	assert.False(t, r.Unregister("s", "g", NewHandle()))
	assert.False(t, r.Unregister("s", "f", NewHandle()))
}

func TestPublishUpdatesEveryRoutine(t *testing.T) {
	r, p, _ := setup("f", "g")
	f, g := NewHandle(), NewHandle()
	r.Register("s", "f", f)
	r.Register("s", "g", g)
	s, _ := r.Lookup("s")

	m1 := fn.Panic1(p.Load("s", platform.Object{Path: "one.so"}))
	o := r.Publish(s, m1, identity)
	assert.Equal(t, Outcome{Changed: 2, Swapped: true, First: true}, o)
	assert.Equal(t, uintptr(0x1000), f.Load())
	assert.Equal(t, uintptr(0x1008), g.Load())
	assert.Equal(t, m1.Generation(), f.Generation())

	m2 := fn.Panic1(p.Load("s", platform.Object{Path: "two.so"}))
	o = r.Publish(s, m2, identity)
	assert.Equal(t, Outcome{Changed: 2, Swapped: true}, o)
	assert.Equal(t, uintptr(0x2000), f.Load())
	assert.Equal(t, uintptr(0x2008), g.Load())
	assert.Equal(t, m2.Generation(), g.Generation())
	assert.True(t, m1.Unloaded())
	assert.Same(t, m2, s.Module())
	assert.EqualValues(t, 2, s.Published())
}

func TestRepublishSameModuleIsIdempotent(t *testing.T) {
	r, p, _ := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	m := fn.Panic1(p.Load("s", platform.Object{Path: "one.so"}))
	r.Publish(s, m, identity)
	changed := h.Changed()
	o := r.Publish(s, m, identity)
	assert.Equal(t, Outcome{}, o)
	select {
	case <-changed:
		t.Fatal("handle rewritten")
	default:
	}
	assert.False(t, m.Retired())
}

func TestRegisterAfterPublishWritesImmediately(t *testing.T) {
	r, p, _ := setup("f")
	r.Register("s", "f", NewHandle())
	s, _ := r.Lookup("s")
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	h := NewHandle()
	r.Register("s", "f", h)
	assert.Equal(t, uintptr(0x1000), h.Load())
}

func TestMissingSymbolNullsListeners(t *testing.T) {
	r, p, l := setup("f", "g")
	f, g := NewHandle(), NewHandle()
	r.Register("s", "f", f)
	r.Register("s", "g", g)
	s, _ := r.Lookup("s")
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	require.NotZero(t, g.Load())

	l.syms = []string{"f"}
	o := r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "two.so"})), identity)
	assert.Equal(t, 1, o.Missing)
	assert.NotZero(t, f.Load())
	assert.Zero(t, g.Load())
	assert.Zero(t, g.Generation())
	_, err := g.Acquire()
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestMissingSymbolReportedOncePerModule(t *testing.T) {
	r, p, l := setup("f")
	r.Register("s", "f", NewHandle())
	r.Register("s", "g", NewHandle())
	s, _ := r.Lookup("s")
	m1 := fn.Panic1(p.Load("s", platform.Object{Path: "one.so"}))
	assert.Equal(t, 1, r.Publish(s, m1, identity).Missing)
	for i := 0; i < 5; i++ {
		assert.Zero(t, r.Publish(s, m1, identity).Missing)
	}
	r.Register("s", "h", NewHandle())
	assert.Equal(t, 1, r.Publish(s, m1, identity).Missing, "a routine added later is reported once")
	assert.Zero(t, r.Publish(s, m1, identity).Missing)

	l.syms = []string{"f"}
	m2 := fn.Panic1(p.Load("s", platform.Object{Path: "two.so"}))
	assert.Equal(t, 2, r.Publish(s, m2, identity).Missing)
	assert.Zero(t, r.Publish(s, m2, identity).Missing)
}

func TestCollidingIdsKeepSeparateListeners(t *testing.T) {
	require.Equal(t, container.Hash32("sulrvdfg"), container.Hash32("sfdfoqfv"))
	r, p, _ := setup("f")
	a, b := NewHandle(), NewHandle()
	r.Register("sulrvdfg", "f", a)
	r.Register("sfdfoqfv", "f", b)
	assert.Equal(t, 2, r.Len())
	s, _ := r.Lookup("sulrvdfg")
	r.Publish(s, fn.Panic1(p.Load("sulrvdfg", platform.Object{Path: "one.so"})), identity)
	assert.NotZero(t, a.Load())
	assert.Zero(t, b.Load())
}

func TestWaitResolvesOnPublish(t *testing.T) {
	r, p, _ := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	done := make(chan uintptr)
	go func() {
		addr, err := h.Wait(context.Background())
		if err != nil {
			addr = 0
		}
		done <- addr
	}()
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	select {
	case addr := <-done:
		assert.Equal(t, uintptr(0x1000), addr)
	case <-time.After(time.Second):
		t.Fatal("wait not released")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewHandle().Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChangedBroadcasts(t *testing.T) {
	r, p, _ := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	var w sync.WaitGroup
	ch := h.Changed()
	for i := 0; i < 4; i++ {
		w.Add(1)
		go func() {
			defer w.Done()
			<-ch
		}()
	}
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	w.Wait()
	assert.NotEqual(t, ch, h.Changed())
}

func TestAcquireDefersUnload(t *testing.T) {
	r, p, l := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)

	ref := fn.Panic1(h.Acquire())
	assert.False(t, ref.Stale())
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "two.so"})), identity)
	assert.True(t, ref.Stale())
	assert.False(t, l.libs[0].closed, spew.Sdump(l.libs[0]))
	assert.Equal(t, uintptr(0x1000), ref.Addr)
	ref.Release()
	assert.True(t, l.libs[0].closed)

	ref = fn.Panic1(h.Acquire())
	assert.Equal(t, uintptr(0x2000), ref.Addr)
	ref.Release()
	assert.False(t, l.libs[1].closed)
}

func TestEvict(t *testing.T) {
	r, p, l := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	s.Stamp = 42
	s.ModuleName = container.NewStr("abcdefghij")
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	r.Evict(s)
	assert.Zero(t, h.Load())
	assert.Zero(t, s.Stamp)
	assert.True(t, s.ModuleName.IsNull())
	assert.Nil(t, s.Module())
	assert.True(t, l.libs[0].closed)

	o := r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "two.so"})), identity)
	assert.True(t, o.Swapped)
	assert.False(t, o.First)
	assert.NotZero(t, h.Load())
}

func TestCloseReleasesModules(t *testing.T) {
	r, p, l := setup("f")
	h := NewHandle()
	r.Register("s", "f", h)
	s, _ := r.Lookup("s")
	r.Publish(s, fn.Panic1(p.Load("s", platform.Object{Path: "one.so"})), identity)
	r.Close()
	assert.Zero(t, r.Len())
	assert.Zero(t, h.Load())
	assert.True(t, l.libs[0].closed)
}
