//go:build windows

package platform

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

type nativeLibrary struct {
	path string
	mu   sync.Mutex
	h    windows.Handle
}

// NativeLoader opens linked shared libraries.
type NativeLoader struct{}

// Load opens the single shared library in objs.
func (NativeLoader) Load(objs ...Object) (Library, error) {
	if len(objs) == 0 {
		return nil, ErrNoObjects
	}
	p := objs[0].Path
	h, err := windows.LoadLibrary(p)
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
	addr, err := windows.GetProcAddress(l.h, name)
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
	err := windows.FreeLibrary(l.h)
	l.h = 0
	return err
}
