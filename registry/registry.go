// Package registry catalogs scripts, the routines registered against them, and the
// listener handles kept pointed at each routine's current address.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZenLiuCN/live/container"
	"github.com/ZenLiuCN/live/pool"
)

// Routine is one named function of a script.
type Routine struct {
	Name      string
	mu        sync.Mutex
	addr      uintptr
	mod       *pool.Module
	missed    *pool.Module // last module the routine was found missing from
	listeners *container.Buffer[*Handle]
}

// Addr is the last resolved address.
func (r *Routine) Addr() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Listeners counts the registered handles.
func (r *Routine) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners.Len()
}

// bind writes addr into the routine and all its listeners. It reports false when
// nothing changed.
func (r *Routine) bind(addr uintptr, mod *pool.Module) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addr == addr && (addr == 0 || r.mod == mod) {
		return false
	}
	r.addr, r.mod = addr, mod
	for _, h := range r.listeners.Slice() {
		h.set(addr, mod)
	}
	return true
}

// miss records that the routine is absent from mod. It reports false when that was
// already recorded for the same module.
func (r *Routine) miss(mod *pool.Module) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missed == mod {
		return false
	}
	r.missed = mod
	return true
}

// Script is the record of one source file.
//
// Stamp, Failed, ModuleName, Path and LastSeen are owned by the goroutine driving builds.
type Script struct {
	ID         string
	Path       string
	Stamp      uint64 // source timestamp of the loaded module
	Failed     uint64 // source timestamp of the last failed build
	LastSeen   time.Time
	ModuleName container.Str

	mu        sync.Mutex
	routines  []*Routine
	module    *pool.Module
	published uint64
}

// Routine finds a routine by name.
func (s *Script) Routine(name string) (*Routine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routines {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Routines returns the routines in registration order.
func (s *Script) Routines() []*Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Routine(nil), s.routines...)
}

// Module is the currently loaded module, nil before the first publish.
func (s *Script) Module() *pool.Module {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.module
}

// Published counts publishes that changed the script's module.
func (s *Script) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

func (s *Script) routine(name string) *Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.routines {
		if r.Name == name {
			return r
		}
	}
	r := &Routine{Name: name, listeners: container.NewBuffer[*Handle](0)}
	s.routines = append(s.routines, r)
	return r
}

// Outcome of one publish.
type Outcome struct {
	Changed int  // routines whose address changed
	Missing int  // routines absent from the module
	Swapped bool // the script's module was replaced
	First   bool // first module ever published for the script
}

// Registry of scripts keyed by canonical id.
type Registry struct {
	mu      sync.RWMutex
	scripts *container.Map[*Script]
	pool    *pool.Pool
	log     *slog.Logger
}

// New create a Registry sized for maxScripts. Replaced modules are retired into p.
func New(maxScripts int, p *pool.Pool, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		scripts: container.NewMap[*Script](maxScripts, container.Hash32),
		pool:    p,
		log:     log,
	}
}

// Lookup finds a script by canonical id.
func (r *Registry) Lookup(id string) (*Script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scripts.Find(id)
}

// Script finds or creates the script record for id.
func (r *Registry) Script(id string) *Script {
	if s, ok := r.Lookup(id); ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.scripts.Find(id); ok {
		return s
	}
	s := &Script{ID: id}
	r.scripts.Insert(id, s)
	return s
}

// Len counts scripts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scripts.Len()
}

// Range visits every script until fn returns false.
func (r *Registry) Range(fn func(*Script) bool) {
	r.mu.RLock()
	var all []*Script
	r.scripts.Range(func(_ string, s *Script) bool {
		all = append(all, s)
		return true
	})
	r.mu.RUnlock()
	for _, s := range all {
		if !fn(s) {
			return
		}
	}
}

// Register adds h as a listener of fn in script id, creating both records when absent.
// When the routine is already resolved h is written before Register returns.
func (r *Registry) Register(id, fn string, h *Handle) *Routine {
	rt := r.Script(id).routine(fn)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.listeners.Push(h)
	if rt.addr != 0 {
		h.set(rt.addr, rt.mod)
	}
	return rt
}

// Unregister removes h from the listeners of fn in script id. It reports whether h was
// registered.
func (r *Registry) Unregister(id, fn string, h *Handle) bool {
	s, ok := r.Lookup(id)
	if !ok {
		return false
	}
	rt, ok := s.Routine(fn)
	if !ok {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.listeners.Remove(h)
}

// Publish resolves every routine of s in mod through symbol and writes the results into
// the listeners. Routines missing from mod are written as unresolved and reported once per
// module. Once every routine is updated mod becomes the script's module and the previous
// one is retired.
func (r *Registry) Publish(s *Script, mod *pool.Module, symbol func(fn string) string) (o Outcome) {
	for _, rt := range s.Routines() {
		var addr uintptr
		if mod != nil {
			var err error
			if addr, err = mod.Lookup(symbol(rt.Name)); err != nil {
				addr = 0
				if rt.miss(mod) {
					r.log.Warn(fmt.Sprintf("%s: %s not found in %s", s.ID, rt.Name, mod.Path()))
					o.Missing++
				}
			}
		}
		if rt.bind(addr, mod) {
			o.Changed++
		}
	}
	s.mu.Lock()
	prev := s.module
	if prev != mod {
		s.module = mod
		s.published++
		o.Swapped = true
		o.First = s.published == 1
	}
	s.mu.Unlock()
	if o.Swapped && prev != nil && r.pool != nil {
		r.pool.Retire(prev)
	}
	return
}

// Evict writes every listener of s as unresolved, retires its module and forgets its
// build state, so the script rebuilds when seen again.
func (r *Registry) Evict(s *Script) {
	for _, rt := range s.Routines() {
		rt.bind(0, nil)
	}
	s.mu.Lock()
	prev := s.module
	s.module = nil
	s.mu.Unlock()
	s.Stamp, s.Failed = 0, 0
	s.ModuleName = container.NullStr
	if prev != nil && r.pool != nil {
		r.pool.Retire(prev)
	}
}

// Close evicts every script and drops all records.
func (r *Registry) Close() {
	r.Range(func(s *Script) bool {
		r.Evict(s)
		return true
	})
	r.mu.Lock()
	r.scripts = container.NewMap[*Script](r.scripts.Len(), container.Hash32)
	r.mu.Unlock()
}
