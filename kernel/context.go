package kernel

import (
	"fmt"

	"safertos/assertion"
)

// Context provides task-local access to kernel operations. It is only valid
// inside the task function it was passed to.
//
// Consume, Spin, Checkpoint, TriggerEvent, ResumeAllTasksByPriority,
// SuspendProcess and RunTask are cancellation points: a higher priority task may run
// there, and an aborted task is unwound there.
type Context struct {
	k *Kernel
	f *frame
}

// TaskID returns the current task ID.
func (c *Context) TaskID() TaskID { return c.f.t.id }

// TaskName returns the name the task was registered with.
func (c *Context) TaskName() string { return c.f.t.name }

// PID returns the process the task belongs to.
func (c *Context) PID() PID { return c.f.t.pid }

// Core returns the core the task runs on.
func (c *Context) Core() CoreID { return c.k.id }

// Now returns the logical clock.
func (c *Context) Now() uint32 { return c.k.now.Load() }

// Priority returns the current effective priority of the task.
func (c *Context) Priority() uint { return c.f.prio }

// Consume occupies the CPU for ms logical ticks. A task that is not preempted
// returns ms ticks after the call. Zero is a plain cancellation point.
func (c *Context) Consume(ms uint32) {
	if ms == 0 {
		c.Checkpoint()
		return
	}
	if ms >= spinForever {
		ms = spinForever - 1
	}
	c.f.remaining = ms
	c.f.yield(c.k.back, yieldMsg{kind: yieldWait})
}

// Spin waits forever. Only the deadline monitor or a process suspension ends
// it; a task without budget spins until the kernel is closed.
func (c *Context) Spin() {
	c.f.remaining = spinForever
	c.f.yield(c.k.back, yieldMsg{kind: yieldWait})
}

// Checkpoint lets pending interrupts and higher priority tasks run.
func (c *Context) Checkpoint() {
	if c.k.mustYield(c.f) {
		c.f.yield(c.k.back, yieldMsg{kind: yieldPreempt})
		return
	}
	if c.f.abort != nil {
		panic(*c.f.abort)
	}
}

// TriggerEvent activates the tasks of an event. User tasks may only trigger
// events whose MinPIDToTrigger does not exceed their PID; a violation aborts
// the caller with FaultSysCallBadArg. It reports false if at least one
// activation was lost.
func (c *Context) TriggerEvent(id EventID, param uintptr, act Activation) bool {
	k := c.k
	if int(id) >= len(k.events) || (act != Ordinary && act != Countable) {
		c.fail(FaultSysCallBadArg)
	}
	ev := k.events[id]
	if pid := c.PID(); pid != OSPID && pid < ev.minPID {
		c.fail(FaultSysCallBadArg)
	}
	ev.param = param
	ok := k.trigger(ev, param, act)
	c.Checkpoint()
	return ok
}

// SuspendAllTasksByPriority raises the task's priority to upTo, so that no
// task of priority upTo or below can preempt it. User tasks must not go
// beyond Shape.MaxLockablePriority. The previous priority is returned for use
// with ResumeAllTasksByPriority.
func (c *Context) SuspendAllTasksByPriority(upTo uint) uint {
	if c.PID() != OSPID && upTo > c.k.shape.MaxLockablePriority {
		c.fail(FaultSysCallBadArg)
	}
	prev := c.f.prio
	if upTo > c.f.prio {
		c.f.prio = upTo
	}
	return prev
}

// ResumeAllTasksByPriority lowers the task's priority to to, which must not
// be below the task's static priority. Tasks that became ready meanwhile are
// dispatched immediately.
func (c *Context) ResumeAllTasksByPriority(to uint) {
	if to < c.f.t.prio {
		c.fail(FaultSysCallBadArg)
	}
	if to < c.f.prio {
		c.f.prio = to
	}
	c.Checkpoint()
}

// SuspendProcess suspends process pid. User tasks need a permission granted
// with ProcessTable.GrantPermissionSuspendProcess.
func (c *Context) SuspendProcess(pid PID) {
	procs := c.k.procs
	if !procs.validUser(pid) || !procs.maySuspend(c.PID(), pid) {
		c.fail(FaultSysCallBadArg)
	}
	_ = procs.Suspend(pid)
	c.Checkpoint()
}

// Assert checks cond. A failure is recorded with the assertion handler of
// the kernel and never returns: it halts the system (halt mode or OS code)
// or spins the task until the deadline monitor aborts it.
func (c *Context) Assert(cond bool, expr string) {
	if cond {
		return
	}
	switch c.k.asserts.Fail(uint(c.PID()), 1, expr) {
	case assertion.OutcomeSpin:
		c.Spin()
	default:
		t := c.f.t
		c.k.triggerHalt(HaltInfo{
			Reason:  fmt.Sprintf("assertion failed in task %q: %s", t.name, expr),
			Task:    t.id,
			HasTask: true,
		})
		panic(haltSignal{})
	}
}

// fail aborts the calling task and reports kind to its process. OS tasks
// halt the core instead.
func (c *Context) fail(kind FaultKind) {
	t := c.f.t
	if t.pid == OSPID {
		c.k.triggerHalt(HaltInfo{
			Reason:  fmt.Sprintf("os task %q: %s", t.name, kind),
			Task:    t.id,
			HasTask: true,
		})
		panic(haltSignal{})
	}
	c.k.procs.report(t.pid, kind)
	c.f.abort = &abortSignal{kind: kind}
	panic(*c.f.abort)
}

// Assert checks a condition in OS code running on the kernel goroutine, such
// as an ISR or a notification callback. A failure halts the core.
func (k *Kernel) Assert(cond bool, expr string) {
	if cond {
		return
	}
	k.asserts.Fail(uint(OSPID), 1, expr)
	k.triggerHalt(HaltInfo{Reason: "assertion failed: " + expr})
	panic(haltSignal{})
}
