// Package platform wraps the operating system services the engine needs behind contracts
// that are identical on every host: directory walking, file timestamps, process execution
// and loadable module handling.
//
// Native shared libraries are opened with [purego] on unix hosts and with the Win32 loader
// on Windows. Go objects are linked in process with [goloader].
//
// [purego]: https://github.com/ebitengine/purego
// [goloader]: https://github.com/pkujhd/goloader
package platform

import (
	"errors"
	"runtime"
)

var (
	// ErrMissingSymbol occurs when a symbol is absent from a loaded module.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrUnsupported occurs when the host can not load native modules.
	ErrUnsupported = errors.New("native modules unsupported on this platform")
	// ErrNoObjects occurs when a load is requested without input.
	ErrNoObjects = errors.New("no objects to load")
)

type (
	// Object is one loadable input: a linked shared library, or a Go object together with
	// the package path it was compiled under.
	Object struct {
		Path    string
		Package string
	}
	// Library is a module mapped into the process.
	Library interface {
		Path() string                          //file the module was loaded from
		Lookup(name string) (uintptr, error)   //code address of an exported function, throws ErrMissingSymbol
		Close() error                          //unmap the module, addresses from Lookup become invalid
	}
	// Loader maps objects into the process as one Library.
	Loader interface {
		Load(objs ...Object) (Library, error)
	}
)

// LibExt is the shared library extension of the host, without dot.
func LibExt() string {
	switch runtime.GOOS {
	case "windows":
		return "dll"
	case "darwin", "ios":
		return "dylib"
	default:
		return "so"
	}
}
