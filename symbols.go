package live

import (
	"fmt"
	"unsafe"

	"github.com/ZenLiuCN/live/platform"
	"github.com/ZenLiuCN/live/toolchain"
)

// Sym is a code address resolved from a loaded module.
type Sym uintptr

// As converts the address of a Go function loaded from an object into a function value
// of type T, which must be a func type matching the function signature.
func As[T any](addr Sym) (x T) {
	code := new(uintptr)
	*code = uintptr(addr)
	*(*unsafe.Pointer)(unsafe.Pointer(&x)) = unsafe.Pointer(code)
	return
}

// Native converts the address of a C function into a function value of type T, which
// must be a func type matching the C signature.
func Native[T any](addr Sym) (x T) {
	platform.Bind(&x, uintptr(addr))
	return
}

// Call pins the module behind h and hands f the function h points at, converted to T.
// The module stays loaded until f returns. A panic inside f is returned as an error.
func Call[T any](e *Engine, h *Handle, f func(T)) (err error) {
	ref, err := h.Acquire()
	if err != nil {
		return err
	}
	defer ref.Release()
	defer func() {
		switch y := recover().(type) {
		case nil:
		case error:
			err = y
		default:
			err = fmt.Errorf("%v", y)
		}
	}()
	if e.cfg.Toolchain.Kind == toolchain.Go {
		f(As[T](Sym(ref.Addr)))
	} else {
		f(Native[T](Sym(ref.Addr)))
	}
	return
}
