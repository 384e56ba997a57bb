package kernel

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Tick is the timer interrupt of the core: it advances the logical clock by
// the truncated tick period, enforces deadlines, activates the due events and
// dispatches.
func (k *Kernel) Tick() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ready(); err != nil {
		return err
	}
	now := k.now.Add(k.step)
	k.chargeTop()
	k.checkDeadlines(now)
	if k.Halted() {
		return ErrHalted
	}
	k.evaluateDueEvents(now)
	k.dispatch()
	if k.Halted() {
		return ErrHalted
	}
	return nil
}

// Poll services pending interrupts and dispatches without advancing the
// clock.
func (k *Kernel) Poll() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.ready(); err != nil {
		return err
	}
	k.dispatch()
	if k.Halted() {
		return ErrHalted
	}
	return nil
}

func (k *Kernel) ready() error {
	if k.Halted() {
		return ErrHalted
	}
	if !k.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// TriggerEvent activates the tasks of an event from OS context: an ISR, a
// notification callback, or code running before Start. It reports false if
// at least one activation was lost.
func (k *Kernel) TriggerEvent(id EventID, param uintptr, act Activation) (bool, error) {
	if int(id) >= len(k.events) {
		return false, fmt.Errorf("trigger event %d: %w", id, ErrBadEventID)
	}
	ev := k.events[id]
	ev.param = param
	return k.trigger(ev, param, act), nil
}

func (k *Kernel) evaluateDueEvents(now uint32) {
	for _, ev := range k.events {
		if ev.period == 0 {
			continue
		}
		if int32(ev.due-now) <= 0 {
			k.trigger(ev, ev.param, ev.activation)
			ev.due += ev.period
		}
	}
}

func (k *Kernel) trigger(ev *event, param uintptr, act Activation) bool {
	ok := true
	for _, t := range ev.tasks {
		if !k.activate(t, param, act) {
			ok = false
		}
	}
	if !ok {
		ev.lost.inc()
		k.log.Debug("activation lost",
			zap.String("event", ev.name),
			zap.Uint32("lost", ev.lost.load()),
		)
		return false
	}
	ev.fired.inc()
	return true
}

func (k *Kernel) activate(t *task, param uintptr, act Activation) bool {
	if act == Countable {
		if t.pending >= k.shape.MaxPendingActivations {
			t.lost.inc()
			return false
		}
	} else if t.pending > 0 {
		t.lost.inc()
		return false
	}
	t.pending++
	t.params = append(t.params, param)
	if t.frame == nil {
		k.transition(t, TaskPending)
	}
	return true
}

func (k *Kernel) top() *frame {
	if len(k.stack) == 0 {
		return nil
	}
	return k.stack[len(k.stack)-1]
}

// currentPrio is the effective priority of the CPU owner, zero when idle.
func (k *Kernel) currentPrio() uint {
	if f := k.top(); f != nil {
		return f.prio
	}
	return 0
}

// highestPending returns the ready task of highest priority that is not in
// flight. Ties go to the lowest TaskID.
func (k *Kernel) highestPending() *task {
	var best *task
	for _, t := range k.tasks {
		if t.pending == 0 || t.frame != nil {
			continue
		}
		if best == nil || t.prio > best.prio {
			best = t
		}
	}
	return best
}

// mustYield reports whether the running frame has to give up the CPU at its
// next cancellation point.
func (k *Kernel) mustYield(f *frame) bool {
	if k.irqs.pending.Load() != 0 || k.procs.IsSuspended(f.t.pid) {
		return true
	}
	t := k.highestPending()
	return t != nil && t.prio > f.prio
}

func (k *Kernel) dispatch() {
	for !k.Halted() {
		k.serviceIRQs()
		if k.Halted() {
			return
		}
		k.reapSuspended()

		if t := k.highestPending(); t != nil && t.prio > k.currentPrio() {
			k.launch(t)
			continue
		}
		f := k.top()
		if f == nil || f.remaining > 0 {
			return
		}
		k.resumeFrame(f)
	}
}

func (k *Kernel) launch(t *task) {
	param := t.params[0]
	t.params = t.params[1:]

	if k.procs.IsSuspended(t.pid) {
		t.pending--
		if t.pending == 0 {
			k.transition(t, TaskIdle)
		}
		k.procs.report(t.pid, FaultProcessAbort)
		return
	}

	if prev := k.top(); prev != nil {
		k.transition(prev.t, TaskPending)
	}
	f := k.newFrame(t, param)
	t.frame = f
	k.stack = append(k.stack, f)
	k.resumeFrame(f)
}

func (k *Kernel) resumeFrame(f *frame) {
	k.transition(f.t, TaskRunning)
	msg := k.switchTo(f)
	k.handle(f, msg)
}

func (k *Kernel) handle(f *frame, msg yieldMsg) {
	t := f.t
	switch msg.kind {
	case yieldWait, yieldPreempt:
		return
	case yieldRunTask:
		k.pushChild(f, msg.run)
		return
	case yieldDone:
		t.completed.inc()
		if msg.err != nil {
			k.log.Warn("task failed", zap.String("task", t.name), zap.Error(msg.err))
			k.procs.report(t.pid, FaultUserAbort)
			f.result = &TaskError{PID: t.pid, Kind: FaultUserAbort, Err: msg.err}
		}
	case yieldAborted:
		// Self-inflicted abort; the fault was reported by the context.
		t.aborted.inc()
		kind := FaultProcessAbort
		if f.abort != nil {
			kind = f.abort.kind
			if msg.doubleFault {
				k.doubleFaults[kind].inc()
			}
		}
		f.result = &TaskError{PID: t.pid, Kind: kind}
	case yieldPanic:
		t.aborted.inc()
		if t.pid == OSPID {
			k.triggerHalt(HaltInfo{
				Reason:  fmt.Sprintf("panic in os task %q", t.name),
				Task:    t.id,
				HasTask: true,
				Value:   msg.value,
				Stack:   msg.stack,
			})
		} else {
			k.log.Warn("task panicked", zap.String("task", t.name), zap.Any("value", msg.value))
			k.procs.report(t.pid, FaultPanic)
		}
		f.result = &TaskError{PID: t.pid, Kind: FaultPanic, Err: fmt.Errorf("panic: %v", msg.value)}
	case yieldHalt:
		f.result = ErrHalted
	}
	f.finished = true
	k.finish(f)
}

// finish removes a completed or unwound frame and settles its task's
// activation accounting.
func (k *Kernel) finish(f *frame) {
	for i, g := range k.stack {
		if g == f {
			k.stack = append(k.stack[:i], k.stack[i+1:]...)
			break
		}
	}
	t := f.t
	t.frame = nil
	if t.pending > 0 {
		t.pending--
	}
	if t.pending > 0 {
		k.transition(t, TaskPending)
	} else {
		k.transition(t, TaskIdle)
	}
	if p := f.parent; p != nil {
		p.child = nil
		p.childResult = f.result
		k.runTaskMinPrio = f.savedMinPrio
	}
	if top := k.top(); top != nil {
		k.transition(top.t, TaskRunning)
	}
}

// abortFrame terminates an activation at the process boundary. Faults of OS
// tasks halt the core.
func (k *Kernel) abortFrame(f *frame, kind FaultKind) {
	t := f.t
	if t.pid == OSPID {
		k.triggerHalt(HaltInfo{
			Reason:  fmt.Sprintf("os task %q: %s", t.name, kind),
			Task:    t.id,
			HasTask: true,
		})
		return
	}
	if f.finished {
		return
	}
	k.dropChild(f, kind)
	t.aborted.inc()
	k.procs.report(t.pid, kind)
	f.result = &TaskError{PID: t.pid, Kind: kind}
	k.unwind(f, kind)
	k.finish(f)
}

func (k *Kernel) reapSuspended() {
	for i := len(k.stack) - 1; i >= 0; i-- {
		if i >= len(k.stack) {
			continue
		}
		f := k.stack[i]
		if k.procs.IsSuspended(f.t.pid) {
			k.abortFrame(f, FaultProcessAbort)
		}
	}
}

func (k *Kernel) runInitTask(pid PID) error {
	t := k.initTasks[pid]
	if t == nil {
		return nil
	}
	err := k.runSync(t, 0)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrHalted):
		return ErrHalted
	default:
		return fmt.Errorf("init task of process %d: %w: %w", pid, ErrInitTaskFailed, err)
	}
}
