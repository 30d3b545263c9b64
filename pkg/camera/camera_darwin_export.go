//go:build darwin

package camera

// The delegate callback lives in its own file because a cgo preamble next to
// an //export may only hold declarations.

/*
#include <stdint.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"
)

//export kameraOnSample
func kameraOnSample(handle C.uintptr_t, sample unsafe.Pointer) {
	s, ok := cgo.Handle(handle).Value().(*avfSession)
	if !ok {
		return
	}
	s.deliver(sample)
}
