//go:build !(darwin || freebsd || linux || windows)

package platform

// NativeLoader opens linked shared libraries.
type NativeLoader struct{}

// Load always fails on this host.
func (NativeLoader) Load(...Object) (Library, error) {
	return nil, ErrUnsupported
}
