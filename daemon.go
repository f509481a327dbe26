package live

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ZenLiuCN/live/container"
	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/registry"
	"github.com/ZenLiuCN/live/toolchain"
	"github.com/dustin/go-humanize"
)

func (e *Engine) daemon(ctx context.Context) {
	defer close(e.done)
	var walkErr string
	for {
		if err := e.scan(ctx); err != nil && err.Error() != walkErr {
			walkErr = err.Error()
			e.log.Error(fmt.Sprintf("scan %s: %v", e.root, err))
		} else if err == nil {
			walkErr = ""
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.Interval):
		}
	}
}

// scan walks the root once, rebuilding changed scripts that have routines registered.
func (e *Engine) scan(ctx context.Context) error {
	now := time.Now()
	var events []Event
	seen := make(map[string]string)
	err := platform.Walk(e.root, e.cfg.OutputDir, func(dir, name string) {
		if ctx.Err() != nil {
			return
		}
		stem, ok := matchExt(name, e.cfg.Extensions)
		if !ok || stem == "" {
			return
		}
		rel, err := filepath.Rel(e.root, filepath.Join(dir, stem))
		if err != nil {
			return
		}
		id := CanonicalID(rel)
		s, ok := e.reg.Lookup(id)
		if !ok || len(s.Routines()) == 0 {
			return
		}
		path := filepath.Join(dir, name)
		if first, dup := seen[id]; dup {
			e.log.Debug("duplicate script ignored", "script", id, "path", path, "using", first)
			return
		}
		seen[id] = path
		s.LastSeen = now
		s.Path = path
		if o, ok := e.visit(ctx, s); ok && o.Swapped {
			events = append(events, Event{Script: s.ID, Module: s.ModuleName.String(), First: o.First})
		}
	})
	if e.cfg.EvictAfter > 0 {
		e.evict(now)
	}
	if len(events) > 0 {
		events[len(events)-1].Last = true
		for _, ev := range events {
			for _, h := range e.hooks {
				h(ev)
			}
		}
	}
	return err
}

// visit rebuilds s when its source is newer than the loaded module, then re-resolves its
// routines against the loaded module. It reports whether a new module was published.
func (e *Engine) visit(ctx context.Context, s *registry.Script) (o registry.Outcome, rebuilt bool) {
	ts, ok := platform.Timestamp(s.Path)
	if !ok {
		return
	}
	if ts > s.Stamp && ts != s.Failed {
		o, rebuilt = e.rebuild(ctx, s, ts)
	}
	if rebuilt {
		return
	}
	if m := s.Module(); m != nil {
		if r := e.reg.Publish(s, m, e.symbol(s.ID)); r.Changed > 0 {
			e.log.Debug("addresses refreshed", "script", s.ID, "routines", r.Changed)
		}
	}
	return
}

func (e *Engine) symbol(id string) func(string) string {
	return func(fn string) string {
		return e.tc.Symbol(id, fn, false)
	}
}

// moduleName draws random names until one is free in the output directory.
func (e *Engine) moduleName() (container.Str, string) {
	for {
		n := container.RandomStr(e.cfg.NameLength)
		p := filepath.Join(e.out, n.String()+"."+e.tc.ModuleExt())
		if !platform.Exists(p) {
			return n, p
		}
	}
}

// rebuild compiles, links and loads s into a fresh module and publishes it. Failures
// leave the loaded module and addresses untouched; the same source timestamp is not
// retried.
func (e *Engine) rebuild(ctx context.Context, s *registry.Script, ts uint64) (o registry.Outcome, ok bool) {
	start := time.Now()
	name, out := e.moduleName()
	j := e.tc.Job(s.ID, []string{s.Path}, out, toolchain.StageBoth)
	if err := e.tc.Build(ctx, j); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.Failed = ts
		if errors.Is(err, toolchain.ErrLink) {
			e.metrics.builds.WithLabelValues(resultLink).Inc()
		} else {
			e.metrics.builds.WithLabelValues(resultCompile).Inc()
		}
		e.log.Error(fmt.Sprintf("%s: %v", s.ID, err))
		return
	}
	mod, err := e.pool.Load(s.ID, e.tc.Artifacts([]platform.Object{{Path: out, Package: j.Package}}, out)...)
	if err != nil {
		s.Failed = ts
		e.metrics.builds.WithLabelValues(resultLoad).Inc()
		e.log.Error(fmt.Sprintf("%s: load %s: %v", s.ID, out, err))
		return
	}
	e.metrics.builds.WithLabelValues(resultOK).Inc()
	e.metrics.duration.Observe(time.Since(start).Seconds())
	o = e.reg.Publish(s, mod, e.symbol(s.ID))
	e.metrics.publishes.Inc()
	e.metrics.misses.Add(float64(o.Missing))
	s.Stamp, s.Failed = ts, 0
	s.ModuleName = name
	e.log.Info(fmt.Sprintf("Loaded %s as %s (%s)", s.ID, filepath.Base(out), fileSize(out)))
	return o, true
}

func fileSize(path string) string {
	st, err := os.Stat(path)
	if err != nil {
		return "unknown size"
	}
	return humanize.Bytes(uint64(st.Size()))
}

// evict forgets scripts whose file was not seen for EvictAfter.
func (e *Engine) evict(now time.Time) {
	e.reg.Range(func(s *registry.Script) bool {
		if s.Module() != nil && now.Sub(s.LastSeen) > e.cfg.EvictAfter {
			e.reg.Evict(s)
			e.metrics.evictions.Inc()
			e.log.Info(fmt.Sprintf("Evicted %s", s.ID))
		}
		return true
	})
}
