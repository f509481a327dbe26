package live

import (
	"context"

	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/registry"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Prepare marks e running without starting the daemon, so tests drive scans themselves.
func (e *Engine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateRunning
	return platform.NewDir(e.out)
}

func (e *Engine) Scan(ctx context.Context) error {
	return e.scan(ctx)
}

func (e *Engine) Builds(result string) float64 {
	return testutil.ToFloat64(e.metrics.builds.WithLabelValues(result))
}

func (e *Engine) Script(id string) (*registry.Script, bool) {
	return e.reg.Lookup(id)
}

func (e *Engine) PoolStats() (current, draining int) {
	return e.pool.Stats()
}
