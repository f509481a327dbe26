//go:build darwin || freebsd || linux

package platform

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

type nativeLibrary struct {
	path string
	mu   sync.Mutex
	h    uintptr
}

// NativeLoader opens linked shared libraries.
type NativeLoader struct{}

// Load opens the single shared library in objs.
func (NativeLoader) Load(objs ...Object) (Library, error) {
	if len(objs) == 0 {
		return nil, ErrNoObjects
	}
	p := objs[0].Path
	h, err := purego.Dlopen(p, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", p, err)
	}
	return &nativeLibrary{path: p, h: h}, nil
}

func (l *nativeLibrary) Path() string {
	return l.path
}

func (l *nativeLibrary) Lookup(name string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == 0 {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrMissingSymbol)
	}
	addr, err := purego.Dlsym(l.h, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("%s in %s: %w", name, l.path, ErrMissingSymbol)
	}
	return addr, nil
}

func (l *nativeLibrary) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.h == 0 {
		return nil
	}
	err := purego.Dlclose(l.h)
	l.h = 0
	return err
}
