//go:build !(darwin || freebsd || linux || windows)

package platform

// Bind panics on this host.
func Bind(any, uintptr) {
	panic(ErrUnsupported)
}
