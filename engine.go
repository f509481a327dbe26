package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/pool"
	"github.com/ZenLiuCN/live/registry"
	"github.com/ZenLiuCN/live/toolchain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrNotRunning occurs when scripts are added before Run.
	ErrNotRunning = errors.New("engine not running")
	// ErrAlreadyRunning occurs when Run is called twice.
	ErrAlreadyRunning = errors.New("engine already running")
	// ErrClosed occurs when a closed engine is used.
	ErrClosed = errors.New("engine closed")
	// ErrDuplicateScript occurs in batch mode when two files share one canonical id.
	ErrDuplicateScript = errors.New("duplicate script")
	// ErrNoScripts occurs when a batch build finds nothing to compile.
	ErrNoScripts = errors.New("no scripts found")
)

type (
	// Handle is a listener slot kept pointed at the current address of one routine.
	Handle = registry.Handle
	// Ref pins the module behind a Handle address.
	Ref = registry.Ref
	// Option customizes an Engine.
	Option func(*Engine)
	// Event describes one publish, see WithPublishHook.
	Event struct {
		Script string
		Module string // file name of the published module
		First  bool   // first module published for the script
		Last   bool   // last publish of a scan
	}
	// PublishHook observes publishes. Hooks run on the daemon goroutine.
	PublishHook func(Event)
)

// NewHandle create an unresolved Handle.
func NewHandle() *Handle {
	return registry.NewHandle()
}

// WithLogHandler sends every record, debug included, to h as well as to the callback.
func WithLogHandler(h slog.Handler) Option {
	return func(e *Engine) {
		e.extra = h
	}
}

// WithRegisterer registers the engine metrics into reg. They are unregistered on Close.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = reg
	}
}

// WithPublishHook calls fn after every publish that replaced a script module.
func WithPublishHook(fn PublishHook) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// WithLoader replaces the module loader, by default [platform.NativeLoader] for native
// toolchains and [platform.ObjectLoader] for Go.
func WithLoader(l platform.Loader) Option {
	return func(e *Engine) {
		e.loader = l
	}
}

// WithRunner replaces the process runner of the toolchain.
func WithRunner(r toolchain.Runner) Option {
	return func(e *Engine) {
		e.runner = r
	}
}

const (
	stateIdle = iota
	stateRunning
	stateClosed
)

// Engine keeps caller handles pointed at functions of source files below a root,
// rebuilding the files as they change.
//
// Use steps:
//
//  1. [New] binds the root and configuration.
//  2. [Engine.Run] starts the daemon, or builds everything in batch mode.
//  3. [Engine.Add] registers handles, [Engine.Remove] drops them.
//  4. [Engine.Close] stops the daemon and unloads every module.
type Engine struct {
	root   string
	out    string
	cfg    Config
	tc     *toolchain.Toolchain
	loader platform.Loader
	runner toolchain.Runner
	pool   *pool.Pool
	reg    *registry.Registry
	log    *slog.Logger
	sink   *sink
	extra  slog.Handler
	hooks  []PublishHook

	metrics    *metrics
	registerer prometheus.Registerer

	mu     sync.Mutex
	state  int
	cancel context.CancelFunc
	done   chan struct{}

	batch      *pool.Module
	duplicates map[string][]string
}

// New create an Engine watching root. A nil cfg uses [DefaultConfig]. Configuration
// errors are reported here, before anything is built.
func New(root string, cfg *Config, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	e := &Engine{root: abs, cfg: cfg.normalize(), sink: new(sink)}
	for _, opt := range opts {
		opt(e)
	}
	var h slog.Handler = &sinkHandler{sink: e.sink}
	if e.extra != nil {
		h = fanout{h, e.extra}
	}
	e.log = slog.New(h)
	e.out = filepath.Join(e.root, e.cfg.OutputDir)
	if e.tc, err = toolchain.New(context.Background(), *e.cfg.Toolchain, e.log, e.runner); err != nil {
		return nil, err
	}
	if e.loader == nil {
		if e.cfg.Toolchain.Kind == toolchain.Go {
			e.loader = &platform.ObjectLoader{Logger: e.log}
		} else {
			e.loader = platform.NativeLoader{}
		}
	}
	e.pool = pool.NewPool(e.loader, e.log)
	e.reg = registry.New(e.cfg.MaxScripts, e.pool, e.log)
	e.metrics = newMetrics(e.pool, e.reg)
	if e.registerer != nil {
		if err = e.metrics.register(e.registerer); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Root is the watched directory.
func (e *Engine) Root() string {
	return e.root
}

// Config is the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Logger is the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.log
}

// Callback installs cb for the severities in mask. A nil cb drops diagnostics.
func (e *Engine) Callback(mask Severity, cb Callback) {
	e.sink.set(mask, cb)
}

// Run starts the engine. In live mode it clears the output directory and starts the
// daemon, then returns. In batch mode it compiles and links every script before
// returning. Run must be called once, before any Add.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateRunning:
		return ErrAlreadyRunning
	case stateClosed:
		return ErrClosed
	}
	if err := platform.NewDir(e.out); err != nil {
		return fmt.Errorf("output directory: %w", err)
	}
	if e.cfg.Mode == Batch {
		if err := e.runBatch(ctx); err != nil {
			return err
		}
		e.state = stateRunning
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.state = stateRunning
	e.log.Info(fmt.Sprintf("Watching %s", e.root))
	go e.daemon(ctx)
	return nil
}

func (e *Engine) running() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateIdle:
		return ErrNotRunning
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// Add registers h as a listener of function fn of script. The script is named by its
// path relative to the root, with or without a recognized extension.
//
// In live mode h stays unresolved until the daemon has built the script, use
// [Handle.Wait] to block for it. In batch mode h is resolved before Add returns and a
// missing function is an error.
func (e *Engine) Add(script, fn string, h *Handle) error {
	if err := e.running(); err != nil {
		return err
	}
	id := CanonicalID(script, e.cfg.Extensions...)
	if e.cfg.Mode == Batch {
		return e.addBatch(id, fn, h)
	}
	e.reg.Register(id, fn, h)
	e.log.Debug("listener added", "script", id, "routine", fn)
	return nil
}

// Remove unregisters h. It does nothing in batch mode, where addresses never change.
func (e *Engine) Remove(script, fn string, h *Handle) {
	if e.cfg.Mode == Batch || e.running() != nil {
		return
	}
	id := CanonicalID(script, e.cfg.Extensions...)
	if e.reg.Unregister(id, fn, h) {
		e.log.Debug("listener removed", "script", id, "routine", fn)
	}
}

// Close stops the daemon, waits for its current scan to finish, then unloads every
// module. Handles are left unresolved.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return nil
	}
	wasRunning := e.state == stateRunning
	e.state = stateClosed
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.reg.Close()
	if e.batch != nil {
		e.pool.Retire(e.batch)
		e.batch = nil
	}
	err := e.pool.Close()
	if e.registerer != nil {
		e.metrics.unregister(e.registerer)
	}
	if wasRunning {
		e.log.Info("Engine closed")
	}
	return err
}
