// Package pool tracks loaded module generations.
//
// A module is current until it is retired. A retired module stays mapped while callers
// still hold references acquired before the retirement, and is unloaded when the last one
// is released.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	. "github.com/ZenLiuCN/live/platform"
)

var (
	// ErrRetired occurs when a retired module is asked for a new reference.
	ErrRetired = errors.New("module retired")
	// ErrUnloaded occurs when an unloaded module is used.
	ErrUnloaded = errors.New("module unloaded")
	// ErrClosed occurs when a closed pool loads a module.
	ErrClosed = errors.New("pool closed")
)

// Module is one loaded generation of a script.
type Module struct {
	Owner string
	lib   Library
	gen   uint64
	pool  *Pool

	mu       sync.Mutex
	refs     int
	retired  bool
	unloaded bool
}

// Generation increases with every module loaded by the same pool.
func (m *Module) Generation() uint64 {
	return m.gen
}

// Path is the file the module was loaded from.
func (m *Module) Path() string {
	return m.lib.Path()
}

// Lookup resolves an exported function.
func (m *Module) Lookup(name string) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return 0, fmt.Errorf("%s: %w", name, ErrUnloaded)
	}
	return m.lib.Lookup(name)
}

// Acquire pins the module in memory. It fails once the module is retired.
func (m *Module) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired || m.unloaded {
		return ErrRetired
	}
	m.refs++
	return nil
}

// Release drops a reference taken by Acquire.
func (m *Module) Release() {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	last := m.retired && m.refs == 0 && !m.unloaded
	if last {
		m.unloaded = true
	}
	m.mu.Unlock()
	if last {
		m.pool.unload(m)
	}
}

// Retired reports whether the module was retired.
func (m *Module) Retired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired
}

// Unloaded reports whether the module was unmapped.
func (m *Module) Unloaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloaded
}

// Refs is the number of outstanding references.
func (m *Module) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func (m *Module) String() string {
	return fmt.Sprintf("%s#%d", m.Owner, m.gen)
}

// Pool of loaded modules, in load order.
type Pool struct {
	Loader Loader
	Loaded []*Module
	sync.RWMutex
	gen    uint64
	closed bool
	log    *slog.Logger
}

// NewPool create a pool loading through loader.
func NewPool(loader Loader, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pool{Loader: loader, log: log}
}

// Load maps objs as a new generation owned by owner.
func (p *Pool) Load(owner string, objs ...Object) (*Module, error) {
	p.RLock()
	closed := p.closed
	p.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	lib, err := p.Loader.Load(objs...)
	if err != nil {
		return nil, err
	}
	p.Lock()
	defer p.Unlock()
	if p.closed {
		_ = lib.Close()
		return nil, ErrClosed
	}
	p.gen++
	m := &Module{Owner: owner, lib: lib, gen: p.gen, pool: p}
	p.Loaded = append(p.Loaded, m)
	p.log.Debug("module loaded", "module", m.String(), "path", lib.Path())
	return m, nil
}

// Retire stops new references to m and unloads it as soon as no reference is held.
func (p *Pool) Retire(m *Module) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.retired {
		m.mu.Unlock()
		return
	}
	m.retired = true
	now := m.refs == 0 && !m.unloaded
	if now {
		m.unloaded = true
	}
	refs := m.refs
	m.mu.Unlock()
	if now {
		p.unload(m)
		return
	}
	p.log.Debug("module draining", "module", m.String(), "refs", refs)
}

func (p *Pool) unload(m *Module) {
	if err := m.lib.Close(); err != nil {
		p.log.Warn(fmt.Sprintf("unload %s: %v", m.Path(), err))
	}
	p.Lock()
	if i := slices.Index(p.Loaded, m); i >= 0 {
		p.Loaded = slices.Delete(p.Loaded, i, i+1)
	}
	p.Unlock()
	p.log.Debug("module unloaded", "module", m.String())
}

// Stats counts mapped modules: current ones and retired ones still referenced.
func (p *Pool) Stats() (current, draining int) {
	p.RLock()
	loaded := slices.Clone(p.Loaded)
	p.RUnlock()
	for _, m := range loaded {
		if m.Retired() {
			draining++
		} else {
			current++
		}
	}
	return
}

// Close unloads every module, referenced or not. Modules can not be loaded afterwards.
func (p *Pool) Close() error {
	p.Lock()
	p.closed = true
	loaded := p.Loaded
	p.Loaded = nil
	p.Unlock()
	var errs []error
	for i := len(loaded) - 1; i >= 0; i-- {
		m := loaded[i]
		m.mu.Lock()
		skip := m.unloaded
		m.retired = true
		m.unloaded = true
		m.mu.Unlock()
		if skip {
			continue
		}
		if err := m.lib.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
