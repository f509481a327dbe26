package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/pkujhd/goloader"
)

// ErrUnresolved occurs when a Go object references symbols neither the host nor the other
// objects provide.
var ErrUnresolved = errors.New("unresolved symbols")

var (
	hostOnce sync.Once
	host     map[string]uintptr
	hostErr  error
)

// hostSymbols are the symbols of the running executable, registered once and cloned for
// every load so modules never see each other.
func hostSymbols() (map[string]uintptr, error) {
	hostOnce.Do(func() {
		host = make(map[string]uintptr)
		hostErr = goloader.RegSymbol(host)
	})
	return host, hostErr
}

// ObjectLoader links Go objects into the running process.
//
// Note:
//
//  1. Only exported functions are linkable.
//  2. Types shared between the host and the objects must be listed in Types, otherwise
//     the module gets its own copy of their type descriptors.
type ObjectLoader struct {
	Types  []any
	Logger *slog.Logger
}

type objectLibrary struct {
	path   string
	mu     sync.Mutex
	linker *goloader.Linker
	module *goloader.CodeModule
}

// Load reads and links every object into one code module.
func (o *ObjectLoader) Load(objs ...Object) (Library, error) {
	if len(objs) == 0 {
		return nil, ErrNoObjects
	}
	base, err := hostSymbols()
	if err != nil {
		return nil, fmt.Errorf("register host symbols: %w", err)
	}
	symbols := maps.Clone(base)
	if len(o.Types) > 0 {
		goloader.RegTypes(symbols, o.Types...)
	}
	files := make([]string, len(objs))
	pkgs := make([]string, len(objs))
	for i, x := range objs {
		files[i] = x.Path
		pkgs[i] = x.Package
		if pkgs[i] == "" {
			pkgs[i] = "main"
		}
	}
	linker, err := goloader.ReadObjs(files, pkgs)
	if err != nil {
		return nil, fmt.Errorf("read %v: %w", files, err)
	}
	if missing := goloader.UnresolvedSymbols(linker, symbols); len(missing) > 0 {
		return nil, fmt.Errorf("%s: %w: %s", files[0], ErrUnresolved, strings.Join(missing, ", "))
	}
	module, err := goloader.Load(linker, symbols)
	if err != nil {
		return nil, fmt.Errorf("link %v: %w", files, err)
	}
	if o.Logger != nil {
		o.Logger.Debug("linked go objects", "files", files, "symbols", len(module.Syms))
	}
	return &objectLibrary{path: files[0], linker: linker, module: module}, nil
}

func checkPackage(sym string) string {
	if strings.IndexByte(sym, '.') < 0 {
		return "main." + sym
	}
	return sym
}

func (l *objectLibrary) Path() string {
	return l.path
}

func (l *objectLibrary) Lookup(name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.module == nil {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrMissingSymbol)
	}
	p, ok := l.module.Syms[checkPackage(name)]
	if !ok || p == 0 {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrMissingSymbol)
	}
	return p, nil
}

func (l *objectLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.module != nil {
		_ = os.Stdout.Sync()
		l.module.Unload()
		l.module = nil
	}
	l.linker = nil
	return nil
}
