package kernel

import (
	"fmt"

	"go.uber.org/zap"
)

// TaskError reports the fault that ended a function run with RunTask. It
// matches ErrTaskAborted.
type TaskError struct {
	PID  PID
	Kind FaultKind
	// Err is the error returned by the function or the panic value.
	Err error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("process %d: %s: %v", e.PID, e.Kind, e.Err)
	}
	return fmt.Sprintf("process %d: %s", e.PID, e.Kind)
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *TaskError) Is(target error) bool { return target == ErrTaskAborted }

type runRequest struct {
	pid    PID
	fn     TaskFunc
	param  uintptr
	budget uint32
}

// RunTask runs fn once in process pid on behalf of the calling task and
// returns when fn has ended. The caller waits; fn runs at the caller's
// priority and is deadline monitored with budgetMs (zero: the caller's
// deadline only). A fault of fn is charged to pid and returned as
// *TaskError, the caller continues.
//
// User tasks need a permission granted with
// ProcessTable.GrantPermissionRunTask. A function run this way may only use
// RunTask again after raising its priority above the caller's. A violation
// aborts the caller with FaultSysCallBadArg.
func (c *Context) RunTask(pid PID, fn TaskFunc, param uintptr, budgetMs uint32) error {
	k := c.k
	switch {
	case fn == nil, budgetMs >= MaxTiming, !k.procs.validUser(pid), c.f.sync:
		c.fail(FaultSysCallBadArg)
	case c.PID() != OSPID && !k.procs.mayRunTask(c.PID(), pid):
		c.fail(FaultSysCallBadArg)
	case c.f.prio < k.runTaskMinPrio:
		c.fail(FaultSysCallBadArg)
	}
	c.f.remaining = 0
	c.f.childResult = nil
	c.f.yield(k.back, yieldMsg{kind: yieldRunTask, run: &runRequest{
		pid: pid, fn: fn, param: param, budget: budgetMs,
	}})
	return c.f.childResult
}

// pushChild starts the function requested by f on top of it. The dispatcher
// resumes it next.
func (k *Kernel) pushChild(f *frame, req *runRequest) {
	t := &task{
		id:      f.t.id,
		name:    fmt.Sprintf("%s/run%d", f.t.name, req.pid),
		prio:    f.prio,
		pid:     req.pid,
		budget:  req.budget,
		fn:      req.fn,
		pending: 1,
	}
	k.transition(t, TaskPending)
	k.transition(f.t, TaskPending)
	child := k.newFrame(t, req.param)
	child.parent = f
	child.savedMinPrio = k.runTaskMinPrio
	f.child = child
	t.frame = child
	k.runTaskMinPrio = f.prio + 1
	k.stack = append(k.stack, child)
	k.log.Debug("run task", zap.String("caller", f.t.name), zap.Uint8("pid", uint8(req.pid)))
}

// dropChild unwinds the functions f is waiting for. Their processes are not
// charged.
func (k *Kernel) dropChild(f *frame, kind FaultKind) {
	c := f.child
	if c == nil || c.finished {
		return
	}
	k.dropChild(c, kind)
	c.t.aborted.inc()
	c.result = &TaskError{PID: c.t.pid, Kind: kind}
	k.unwind(c, kind)
	k.finish(c)
}

// RunTask runs fn once in user process pid from OS code on the kernel
// goroutine, such as an ISR or a notification callback, and before Start.
// fn runs to completion before RunTask returns; no task and no other
// interrupt runs meanwhile. The time fn consumes is charged against
// budgetMs (zero: unlimited, a spinning fn is aborted at once). A fault of fn
// is charged to pid and returned as *TaskError.
func (k *Kernel) RunTask(pid PID, fn TaskFunc, param uintptr, budgetMs uint32) error {
	if !k.procs.validUser(pid) {
		return fmt.Errorf("run task in process %d: %w", pid, ErrBadProcessID)
	}
	if fn == nil {
		return fmt.Errorf("run task in process %d: %w", pid, ErrBadTaskFunction)
	}
	if budgetMs >= MaxTiming {
		return fmt.Errorf("run task in process %d: %w", pid, ErrTaskBudgetTooBig)
	}
	if k.Halted() {
		return ErrHalted
	}
	return k.runSync(&task{
		id:     TaskID(0xff),
		name:   fmt.Sprintf("run%d", pid),
		prio:   k.shape.MaxTaskPriority,
		pid:    pid,
		budget: budgetMs,
		fn:     fn,
	}, param)
}

// runSync runs one activation of t to completion on the calling goroutine.
// Consumed time is added up against the budget instead of waiting for
// ticks.
func (k *Kernel) runSync(t *task, param uintptr) error {
	t.pending = 1
	k.transition(t, TaskPending)
	f := k.newFrame(t, param)
	f.sync = true
	t.frame = f
	k.stack = append(k.stack, f)
	k.transition(t, TaskRunning)

	fail := func(kind FaultKind, cause error) error {
		if t.pid != OSPID {
			k.procs.report(t.pid, kind)
		}
		if !f.finished {
			k.unwind(f, kind)
		}
		k.finish(f)
		return &TaskError{PID: t.pid, Kind: kind, Err: cause}
	}

	var used uint64
	for {
		msg := k.switchTo(f)
		switch msg.kind {
		case yieldWait:
			if f.remaining == spinForever && t.budget == 0 {
				return fail(FaultDeadline, nil)
			}
			used += uint64(f.remaining)
			f.remaining = 0
			if t.budget > 0 && used > uint64(t.budget) {
				return fail(FaultDeadline, nil)
			}
		case yieldPreempt:
		case yieldDone:
			f.finished = true
			if msg.err != nil {
				return fail(FaultUserAbort, msg.err)
			}
			k.finish(f)
			return nil
		case yieldAborted:
			f.finished = true
			k.finish(f)
			kind := FaultProcessAbort
			if f.abort != nil {
				kind = f.abort.kind
			}
			return &TaskError{PID: t.pid, Kind: kind}
		case yieldPanic:
			f.finished = true
			return fail(FaultPanic, fmt.Errorf("panic: %v", msg.value))
		case yieldHalt:
			f.finished = true
			k.finish(f)
			return ErrHalted
		default:
			return fail(FaultSysCallBadArg, nil)
		}
	}
}
