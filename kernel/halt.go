package kernel

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// HaltInfo describes why a core stopped.
type HaltInfo struct {
	Core   CoreID
	Reason string
	// Task is set if the halt was raised by OS task code.
	Task    TaskID
	HasTask bool
	Value   any
	Stack   []byte
}

type haltState struct {
	halted   atomic.Bool
	haltOnce sync.Once
	info     atomic.Pointer[HaltInfo]

	haltHandler atomic.Value // func(HaltInfo)
}

// Halted reports whether the core is halted. A halted core never dispatches
// again.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// HaltInfo returns the cause of the halt, if the core is halted.
func (k *Kernel) HaltInfo() (HaltInfo, bool) {
	p := k.info.Load()
	if p == nil {
		return HaltInfo{}, false
	}
	return *p, true
}

// SetHaltHandler installs the function called on the first halt of the core.
//
// The handler runs on the goroutine that caused the halt. It must not panic
// and must not call Tick or Poll of this kernel.
func (k *Kernel) SetHaltHandler(fn func(HaltInfo)) {
	k.haltHandler.Store(fn)
}

// Halt stops the core. It is safe to call from any goroutine; only the first
// call has an effect.
func (k *Kernel) Halt(reason string) {
	k.triggerHalt(HaltInfo{Reason: reason})
}

func (k *Kernel) triggerHalt(info HaltInfo) {
	k.haltOnce.Do(func() {
		info.Core = k.id
		if info.Stack == nil {
			info.Stack = debug.Stack()
		}
		k.info.Store(&info)
		k.halted.Store(true)
		k.log.Error("core halted",
			zap.String("reason", info.Reason),
			zap.Any("value", info.Value),
		)
		if v := k.haltHandler.Load(); v != nil {
			if fn, ok := v.(func(HaltInfo)); ok && fn != nil {
				fn(info)
			}
		}
	})
}
