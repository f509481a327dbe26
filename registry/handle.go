package registry

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ZenLiuCN/live/pool"
)

// ErrUnresolved occurs when a handle has no address yet, or its routine was missing from
// the last loaded module.
var ErrUnresolved = errors.New("routine unresolved")

type binding struct {
	addr    uintptr
	gen     uint64
	mod     *pool.Module
	changed chan struct{}
}

// Handle is a listener slot: a caller owned reference that always reflects the current
// address of one routine.
//
// Every write replaces the whole binding, so a reader sees the address together with the
// generation and module it came from. Changed channels are closed on every write, which
// lets any number of waiters observe each reload.
type Handle struct {
	cur atomic.Pointer[binding]
}

// NewHandle create an unresolved Handle.
func NewHandle() *Handle {
	h := new(Handle)
	h.cur.Store(&binding{changed: make(chan struct{})})
	return h
}

func (h *Handle) load() *binding {
	if b := h.cur.Load(); b != nil {
		return b
	}
	b := &binding{changed: make(chan struct{})}
	if h.cur.CompareAndSwap(nil, b) {
		return b
	}
	return h.cur.Load()
}

// Load is the current address, zero when unresolved.
func (h *Handle) Load() uintptr {
	return h.load().addr
}

// Generation of the module the current address belongs to, zero when unresolved.
func (h *Handle) Generation() uint64 {
	return h.load().gen
}

// Changed returns a channel closed at the next write to h.
func (h *Handle) Changed() <-chan struct{} {
	return h.load().changed
}

// Wait blocks until h is resolved or ctx is done.
func (h *Handle) Wait(ctx context.Context) (uintptr, error) {
	for {
		b := h.load()
		if b.addr != 0 {
			return b.addr, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-b.changed:
		}
	}
}

// Acquire pins the module behind the current address until [Ref.Release].
// The module will not be unloaded while the Ref is held, even if a newer one is published.
func (h *Handle) Acquire() (Ref, error) {
	for {
		b := h.load()
		if b.addr == 0 {
			return Ref{}, ErrUnresolved
		}
		if b.mod != nil {
			if err := b.mod.Acquire(); err != nil {
				if h.cur.Load() == b {
					return Ref{}, err
				}
				continue
			}
		}
		return Ref{h: h, Addr: b.addr, gen: b.gen, mod: b.mod}, nil
	}
}

func (h *Handle) set(addr uintptr, mod *pool.Module) {
	var gen uint64
	if addr != 0 && mod != nil {
		gen = mod.Generation()
	}
	if addr == 0 {
		mod = nil
	}
	n := &binding{addr: addr, gen: gen, mod: mod, changed: make(chan struct{})}
	h.load()
	close(h.cur.Swap(n).changed)
}

// Ref is a pinned address obtained from [Handle.Acquire].
type Ref struct {
	Addr uintptr
	h    *Handle
	gen  uint64
	mod  *pool.Module
}

// Generation of the module Addr belongs to.
func (r Ref) Generation() uint64 {
	return r.gen
}

// Stale reports whether the handle was re-pointed since r was acquired.
func (r Ref) Stale() bool {
	return r.h == nil || r.h.Generation() != r.gen
}

// Release unpins the module. Addr must not be called afterwards.
func (r Ref) Release() {
	if r.mod != nil {
		r.mod.Release()
	}
}
