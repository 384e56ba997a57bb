// Package workload provides the named task bodies and notification callbacks
// a build configuration refers to.
package workload

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"safertos/icn"
	"safertos/kernel"
)

// ErrUnknown is returned for workload names not in the registry.
var ErrUnknown = errors.New("unknown workload")

// ErrUserAbort is returned by the "fail" workload.
var ErrUserAbort = errors.New("task gave up")

// Env is what a workload can reach beyond its own context. It is filled in
// per core by the system.
type Env struct {
	Log *zap.Logger
	// Event resolves an event name on the workload's core.
	Event func(name string) (kernel.EventID, bool)
	// Notify sends the named notification.
	Notify func(name string, param uintptr) bool
}

// Args parameterize a workload instance.
type Args struct {
	Name   string
	Arg    uint32
	Target string
	Env    Env
}

// TaskFactory builds a task body.
type TaskFactory func(a Args) (kernel.TaskFunc, error)

// CallbackFactory builds a notification callback.
type CallbackFactory func(a Args) (icn.Callback, error)

// Registry maps workload names to factories.
type Registry struct {
	Tasks     map[string]TaskFactory
	Callbacks map[string]CallbackFactory
}

// Task builds the task body registered as name.
func (r Registry) Task(name string, a Args) (kernel.TaskFunc, error) {
	f, ok := r.Tasks[name]
	if !ok {
		return nil, fmt.Errorf("task %q: %w: %q", a.Name, ErrUnknown, name)
	}
	return f(a)
}

// Callback builds the notification callback registered as name.
func (r Registry) Callback(name string, a Args) (icn.Callback, error) {
	f, ok := r.Callbacks[name]
	if !ok {
		return nil, fmt.Errorf("notification %q: %w: %q", a.Name, ErrUnknown, name)
	}
	return f(a)
}

// Names returns the registered task workloads, sorted.
func (r Registry) Names() []string {
	out := make([]string, 0, len(r.Tasks))
	for n := range r.Tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Builtin returns the registry of the built-in workloads:
//
//	idle      return immediately
//	busy      consume Arg ticks
//	spin      spin until aborted
//	notify    consume Arg ticks, then send notification Target with param+1
//	trigger   consume Arg ticks, then trigger event Target with param
//	ceiling   raise to priority Arg, consume one tick, lower again
//	assert    fail an assertion every Arg-th activation (every one if 0)
//	panic     panic
//	fail      return an error
//	runtask   run a one-tick function in process Arg
//
// and the callbacks "log", "nop" and "runtask", the latter running a one-tick
// function in process Arg on the receiving core.
func Builtin() Registry {
	return Registry{
		Tasks: map[string]TaskFactory{
			"idle":    idle,
			"busy":    busy,
			"spin":    spin,
			"notify":  notify,
			"trigger": trigger,
			"ceiling": ceiling,
			"assert":  assertEvery,
			"panic":   panicking,
			"fail":    failing,
			"runtask": runTask,
		},
		Callbacks: map[string]CallbackFactory{
			"log": logCallback,
			"nop": func(Args) (icn.Callback, error) {
				return func(*kernel.Kernel, uintptr) {}, nil
			},
			"runtask": runTaskCallback,
		},
	}
}

func idle(Args) (kernel.TaskFunc, error) {
	return func(*kernel.Context, uintptr) error { return nil }, nil
}

func busy(a Args) (kernel.TaskFunc, error) {
	return func(ctx *kernel.Context, _ uintptr) error {
		ctx.Consume(a.Arg)
		return nil
	}, nil
}

func spin(Args) (kernel.TaskFunc, error) {
	return func(ctx *kernel.Context, _ uintptr) error {
		ctx.Spin()
		return nil
	}, nil
}

func notify(a Args) (kernel.TaskFunc, error) {
	if a.Target == "" || a.Env.Notify == nil {
		return nil, fmt.Errorf("task %q: notify needs a target notification", a.Name)
	}
	return func(ctx *kernel.Context, param uintptr) error {
		ctx.Consume(a.Arg)
		// A full latch is counted by the driver.
		a.Env.Notify(a.Target, param+1)
		return nil
	}, nil
}

func trigger(a Args) (kernel.TaskFunc, error) {
	if a.Env.Event == nil {
		return nil, fmt.Errorf("task %q: trigger needs an event table", a.Name)
	}
	id, ok := a.Env.Event(a.Target)
	if !ok {
		return nil, fmt.Errorf("task %q: event %q: %w", a.Name, a.Target, kernel.ErrBadEventID)
	}
	return func(ctx *kernel.Context, param uintptr) error {
		ctx.Consume(a.Arg)
		ctx.TriggerEvent(id, param, kernel.Ordinary)
		return nil
	}, nil
}

func ceiling(a Args) (kernel.TaskFunc, error) {
	return func(ctx *kernel.Context, _ uintptr) error {
		prev := ctx.SuspendAllTasksByPriority(uint(a.Arg))
		ctx.Consume(1)
		ctx.ResumeAllTasksByPriority(prev)
		return nil
	}, nil
}

func assertEvery(a Args) (kernel.TaskFunc, error) {
	var n uint32
	return func(ctx *kernel.Context, _ uintptr) error {
		n++
		ctx.Assert(a.Arg != 0 && n%a.Arg != 0, "activation count not a multiple of arg")
		return nil
	}, nil
}

func panicking(a Args) (kernel.TaskFunc, error) {
	return func(*kernel.Context, uintptr) error {
		panic(fmt.Sprintf("workload %q panicked", a.Name))
	}, nil
}

func failing(Args) (kernel.TaskFunc, error) {
	return func(*kernel.Context, uintptr) error { return ErrUserAbort }, nil
}

func logCallback(a Args) (icn.Callback, error) {
	log := a.Env.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(k *kernel.Kernel, param uintptr) {
		log.Debug("notification received",
			zap.String("notification", a.Name),
			zap.Uint8("core", uint8(k.ID())),
			zap.Uint64("param", uint64(param)),
		)
	}, nil
}

// delegated is the body run in another process by the runtask workloads.
func delegated(ctx *kernel.Context, _ uintptr) error {
	ctx.Consume(1)
	return nil
}

const delegatedBudgetMs = 2

func runTask(a Args) (kernel.TaskFunc, error) {
	log := a.Env.Log
	if log == nil {
		log = zap.NewNop()
	}
	pid := kernel.PID(a.Arg)
	return func(ctx *kernel.Context, param uintptr) error {
		if err := ctx.RunTask(pid, delegated, param, delegatedBudgetMs); err != nil {
			log.Warn("delegated function failed", zap.String("task", a.Name), zap.Error(err))
		}
		return nil
	}, nil
}

func runTaskCallback(a Args) (icn.Callback, error) {
	log := a.Env.Log
	if log == nil {
		log = zap.NewNop()
	}
	pid := kernel.PID(a.Arg)
	return func(k *kernel.Kernel, param uintptr) {
		if err := k.RunTask(pid, delegated, param, delegatedBudgetMs); err != nil {
			log.Warn("delegated function failed", zap.String("notification", a.Name), zap.Error(err))
		}
	}, nil
}
