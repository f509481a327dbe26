//go:build darwin || freebsd || linux || windows

package platform

import (
	"github.com/ebitengine/purego"
)

// Bind makes the function pointed to by fptr call the native code at addr using the C
// calling convention. fptr must be a pointer to a func variable, e.g. *func(float32) float32.
func Bind(fptr any, addr uintptr) {
	purego.RegisterFunc(fptr, addr)
}
