//go:build linux

package arm64

/*
#include "signal_handler.h"
*/
import "C"
import (
	"sync"

	"dynarec/pkg/errors"
)

// FastmemFaultCallback maps a faulting host pc to its recovery
// descriptor. A false return means the fault is not a known patch
// site; the handler then chains to the previous signal disposition.
type FastmemFaultCallback func(hostPC uintptr) (FakeCall, bool)

// ExceptionHandler owns the process-wide fault handler registration
// over one arena. Host signal dispositions are global, so at most one
// arena may be registered at a time.
type ExceptionHandler struct {
	arena *Arena
}

var (
	handlerMu        sync.Mutex
	activeHandler    *ExceptionHandler
	activeCallback   FastmemFaultCallback
	handlerInstalled bool
)

// RegisterExceptionHandler installs the host fault handler over the
// arena and routes in-arena faults to callback.
func RegisterExceptionHandler(arena *Arena, callback FastmemFaultCallback) (*ExceptionHandler, error) {
	handlerMu.Lock()
	defer handlerMu.Unlock()

	if activeHandler != nil {
		return nil, errors.New(errors.KindHandler, "an exception handler is already registered")
	}

	if !handlerInstalled {
		if C.dynarec_install_handler() != 0 {
			return nil, errors.New(errors.KindHandler, "failed to install the host signal handler")
		}
		handlerInstalled = true
	}

	h := &ExceptionHandler{arena: arena}
	activeHandler = h
	activeCallback = callback
	C.dynarec_set_region(C.uint64_t(arena.Ptr()), C.uint64_t(arena.Ptr())+C.uint64_t(arena.Size()))
	return h, nil
}

// Close stops claiming faults for the arena. The process-wide signal
// handler stays installed and chains everything onward.
func (h *ExceptionHandler) Close() error {
	handlerMu.Lock()
	defer handlerMu.Unlock()

	if activeHandler != h {
		return nil
	}
	C.dynarec_set_region(0, 0)
	activeHandler = nil
	activeCallback = nil
	return nil
}

//export dynarecFastmemTrampoline
func dynarecFastmemTrampoline(hostPC C.uint64_t, fc *C.dynarec_fake_call) C.int {
	// Runs on the faulting thread inside the signal frame. The
	// callback must only touch the address space tables and the
	// fastmem marker set.
	cb := activeCallback
	if cb == nil {
		return 0
	}
	fakeCall, ok := cb(uintptr(hostPC))
	if !ok {
		return 0
	}
	fc.call_pc = C.uint64_t(fakeCall.CallPC)
	fc.ret_pc = C.uint64_t(fakeCall.ReturnPC)
	return 1
}

// flushInstructionCache makes [p, p+n) coherent between the data and
// instruction streams.
func flushInstructionCache(p uintptr, n int) {
	C.dynarec_flush_icache(C.uint64_t(p), C.uint64_t(n))
}
