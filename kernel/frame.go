package kernel

import (
	"math"
	"runtime/debug"

	"go.uber.org/zap"
)

// spinForever is the remaining time of a task waiting for the deadline
// monitor.
const spinForever = math.MaxUint32

type yieldKind uint8

const (
	// The task asked for CPU time (Consume) or spins.
	yieldWait yieldKind = iota
	// A trigger or priority change made a higher priority task ready.
	yieldPreempt
	// The task function returned.
	yieldDone
	// The task was unwound by an abort.
	yieldAborted
	// The task panicked.
	yieldPanic
	// The task halted the core.
	yieldHalt
	// The task waits for a function it runs in another process.
	yieldRunTask
)

type yieldMsg struct {
	kind  yieldKind
	err   error
	value any
	stack []byte
	// A second fault was raised while unwinding an abort.
	doubleFault bool
	run         *runRequest
}

// abortSignal unwinds a task goroutine at its next cancellation point.
type abortSignal struct{ kind FaultKind }

// haltSignal unwinds OS code after it halted the core.
type haltSignal struct{}

// frame is one in-flight activation of a task. It runs on its own goroutine
// but only while the kernel has handed it the CPU.
type frame struct {
	t     *task
	ctx   *Context
	param uintptr
	start uint32
	// Effective priority, raised by the priority ceiling protocol.
	prio      uint
	prioStack []uint
	// Logical ticks of CPU time the frame still waits for.
	remaining uint32

	resume chan struct{}
	// Set by the kernel before resuming a frame to unwind it.
	abort    *abortSignal
	finished bool
	// How the activation ended, nil on success.
	result error

	// sync frames run to completion outside the dispatcher (init tasks and
	// Kernel.RunTask).
	sync bool
	// Nesting of Context.RunTask: the caller waits while its child runs.
	parent, child *frame
	savedMinPrio  uint
	childResult   error
}

func (k *Kernel) newFrame(t *task, param uintptr) *frame {
	f := &frame{
		t:      t,
		param:  param,
		start:  k.now.Load(),
		prio:   t.prio,
		resume: make(chan struct{}),
	}
	f.ctx = &Context{k: k, f: f}
	go f.run(k.back)
	return f
}

func (f *frame) run(back chan<- yieldMsg) {
	var msg yieldMsg
	defer func() {
		r := recover()
		switch v := r.(type) {
		case nil:
			if f.abort != nil {
				// A deferred function recovered the abort itself.
				msg = yieldMsg{kind: yieldAborted}
			}
		case abortSignal:
			msg = yieldMsg{kind: yieldAborted}
		case haltSignal:
			msg = yieldMsg{kind: yieldHalt}
		default:
			if f.abort != nil {
				msg = yieldMsg{kind: yieldAborted, doubleFault: true, value: v}
			} else {
				msg = yieldMsg{kind: yieldPanic, value: v, stack: debug.Stack()}
			}
		}
		back <- msg
	}()

	<-f.resume
	if f.abort != nil {
		panic(*f.abort)
	}
	err := f.t.fn(f.ctx, f.param)
	msg = yieldMsg{kind: yieldDone, err: err}
}

// yield hands the CPU back to the kernel and blocks until resumed. It is a
// cancellation point.
func (f *frame) yield(back chan<- yieldMsg, msg yieldMsg) {
	if f.abort != nil {
		panic(*f.abort)
	}
	back <- msg
	<-f.resume
	if f.abort != nil {
		panic(*f.abort)
	}
}

// switchTo runs f until it yields.
func (k *Kernel) switchTo(f *frame) yieldMsg {
	f.resume <- struct{}{}
	return <-k.back
}

// unwind aborts f and waits until its goroutine is gone.
func (k *Kernel) unwind(f *frame, kind FaultKind) {
	if f.finished {
		return
	}
	f.abort = &abortSignal{kind: kind}
	msg := k.switchTo(f)
	f.finished = true
	if msg.doubleFault {
		k.doubleFaults[kind].inc()
		k.log.Warn("fault while aborting task",
			zap.String("task", f.t.name),
			zap.Stringer("kind", kind),
			zap.Any("value", msg.value),
		)
	}
}
