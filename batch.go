package live

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/toolchain"
)

type unit struct {
	id   string
	path string
}

// discover lists every script below the root once. Files sharing a canonical id after
// the first one are recorded as duplicates.
func (e *Engine) discover() ([]unit, error) {
	var units []unit
	seen := make(map[string]string)
	e.duplicates = make(map[string][]string)
	err := platform.Walk(e.root, e.cfg.OutputDir, func(dir, name string) {
		stem, ok := matchExt(name, e.cfg.Extensions)
		if !ok || stem == "" {
			return
		}
		rel, err := filepath.Rel(e.root, filepath.Join(dir, stem))
		if err != nil {
			return
		}
		id := CanonicalID(rel)
		path := filepath.Join(dir, name)
		if first, dup := seen[id]; dup {
			e.duplicates[id] = append(e.duplicates[id], path)
			e.log.Warn(fmt.Sprintf("%s: %s skipped, already provided by %s", id, path, first))
			return
		}
		seen[id] = path
		units = append(units, unit{id: id, path: path})
	})
	return units, err
}

// runBatch compiles every script into its own object, with the script id defined for
// symbol mangling, and links all objects into a single module.
func (e *Engine) runBatch(ctx context.Context) error {
	start := time.Now()
	units, err := e.discover()
	if err != nil {
		return err
	}
	if len(units) == 0 {
		return fmt.Errorf("%s: %w", e.root, ErrNoScripts)
	}
	kind := e.cfg.Toolchain.Kind
	ext := "obj"
	if kind == toolchain.Go {
		ext = "o"
	}
	objs := make([]platform.Object, 0, len(units))
	for i, u := range units {
		out := filepath.Join(e.out, fmt.Sprintf("%d.%s", i, ext))
		j := e.tc.Job(u.id, []string{u.path}, out, toolchain.StageCompile)
		if err = e.tc.Build(ctx, j); err != nil {
			e.metrics.builds.WithLabelValues(resultCompile).Inc()
			return err
		}
		objs = append(objs, platform.Object{Path: out, Package: j.Package})
	}
	output := filepath.Join(e.out, "live."+platform.LibExt())
	if kind != toolchain.Go {
		inputs := make([]string, len(objs))
		for i, o := range objs {
			inputs[i] = o.Path
		}
		if err = e.tc.Build(ctx, toolchain.Job{Inputs: inputs, Output: output, Stages: toolchain.StageLink}); err != nil {
			e.metrics.builds.WithLabelValues(resultLink).Inc()
			return err
		}
	}
	mod, err := e.pool.Load("", e.tc.Artifacts(objs, output)...)
	if err != nil {
		e.metrics.builds.WithLabelValues(resultLoad).Inc()
		return fmt.Errorf("load %s: %w", output, err)
	}
	e.batch = mod
	e.metrics.builds.WithLabelValues(resultOK).Inc()
	e.metrics.duration.Observe(time.Since(start).Seconds())
	e.log.Info(fmt.Sprintf("Linked %d scripts into %s", len(units), mod.Path()))
	return nil
}

// addBatch resolves fn of script id in the batch module before registering h.
func (e *Engine) addBatch(id, fn string, h *Handle) error {
	if paths, dup := e.duplicates[id]; dup {
		return fmt.Errorf("%s (%s): %w", id, strings.Join(paths, ", "), ErrDuplicateScript)
	}
	if _, err := e.batch.Lookup(e.tc.Symbol(id, fn, true)); err != nil {
		e.log.Error(fmt.Sprintf("%s: %s: %v", id, fn, err))
		return fmt.Errorf("%s: %s: %w", id, fn, err)
	}
	e.reg.Register(id, fn, h)
	s, _ := e.reg.Lookup(id)
	if o := e.reg.Publish(s, e.batch, func(fn string) string {
		return e.tc.Symbol(id, fn, true)
	}); o.Missing > 0 {
		e.metrics.misses.Add(float64(o.Missing))
	}
	return nil
}
