package kernel

import (
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// FaultKind classifies a process error.
type FaultKind uint8

const (
	// FaultProcessAbort: the activation was skipped or unwound because its
	// process is suspended.
	FaultProcessAbort FaultKind = iota
	// FaultDeadline: the activation exceeded its budget.
	FaultDeadline
	// FaultSysCallBadArg: a kernel service was called with a bad argument or
	// without permission.
	FaultSysCallBadArg
	// FaultPanic: the task function panicked.
	FaultPanic
	// FaultUserAbort: the task function returned an error.
	FaultUserAbort

	// NumFaultKinds is the number of fault kinds.
	NumFaultKinds
)

func (f FaultKind) String() string {
	switch f {
	case FaultProcessAbort:
		return "process abort"
	case FaultDeadline:
		return "deadline"
	case FaultSysCallBadArg:
		return "bad system call argument"
	case FaultPanic:
		return "panic"
	case FaultUserAbort:
		return "user abort"
	default:
		return "unknown"
	}
}

// counter is a saturating event counter. It clamps at MaxUint32, it never wraps.
type counter struct {
	v atomic.Uint32
}

func (c *counter) inc() {
	for {
		v := c.v.Load()
		if v == math.MaxUint32 {
			return
		}
		if c.v.CompareAndSwap(v, v+1) {
			return
		}
	}
}

func (c *counter) load() uint32 { return c.v.Load() }

const noFault = -1

type process struct {
	lastFault atomic.Int32
	faults    [NumFaultKinds]counter
	total     counter
	suspended atomic.Bool
	// Bit n set: this process may suspend process n.
	suspendGrants atomic.Uint32
	// Bit n set: this process may run functions in process n.
	runGrants atomic.Uint32
}

// ProcessTable holds the error state of all processes. It is shared by the
// kernels of all cores and safe for concurrent use.
type ProcessTable struct {
	procs []process
	log   *zap.Logger
}

// NewProcessTable creates the table for the OS process and noProcesses user
// processes.
func NewProcessTable(noProcesses int, log *zap.Logger) *ProcessTable {
	if log == nil {
		log = zap.NewNop()
	}
	if noProcesses < 0 {
		noProcesses = 0
	}
	t := &ProcessTable{
		procs: make([]process, noProcesses+1),
		log:   log,
	}
	for i := range t.procs {
		t.procs[i].lastFault.Store(noFault)
	}
	return t
}

// Len returns the number of user processes.
func (t *ProcessTable) Len() int { return len(t.procs) - 1 }

func (t *ProcessTable) valid(pid PID) bool { return int(pid) < len(t.procs) }

func (t *ProcessTable) validUser(pid PID) bool { return pid != OSPID && t.valid(pid) }

// report records a process error.
func (t *ProcessTable) report(pid PID, kind FaultKind) {
	if !t.valid(pid) || kind >= NumFaultKinds {
		return
	}
	p := &t.procs[pid]
	p.lastFault.Store(int32(kind))
	p.faults[kind].inc()
	p.total.inc()
	t.log.Warn("process error",
		zap.Uint8("pid", uint8(pid)),
		zap.Stringer("kind", kind),
		zap.Uint32("count", p.faults[kind].load()),
	)
}

// ErrorCount returns how often the process failed with the given kind.
func (t *ProcessTable) ErrorCount(pid PID, kind FaultKind) uint32 {
	if !t.valid(pid) || kind >= NumFaultKinds {
		return 0
	}
	return t.procs[pid].faults[kind].load()
}

// TotalErrors returns the number of errors of all kinds of the process.
func (t *ProcessTable) TotalErrors(pid PID) uint32 {
	if !t.valid(pid) {
		return 0
	}
	return t.procs[pid].total.load()
}

// LastFault returns the current error state of the process. ok is false while
// the process has no error recorded since start or the last ResetError.
func (t *ProcessTable) LastFault(pid PID) (kind FaultKind, ok bool) {
	if !t.valid(pid) {
		return 0, false
	}
	v := t.procs[pid].lastFault.Load()
	if v == noFault {
		return 0, false
	}
	return FaultKind(v), true
}

// ResetError clears the current error state and lifts a suspension. The
// accumulated counters are kept.
func (t *ProcessTable) ResetError(pid PID) error {
	if !t.valid(pid) {
		return fmt.Errorf("reset process %d: %w", pid, ErrBadProcessID)
	}
	p := &t.procs[pid]
	p.lastFault.Store(noFault)
	p.suspended.Store(false)
	return nil
}

// Suspend stops a user process: its running tasks are aborted at their next
// kernel entry and its later activations are skipped.
func (t *ProcessTable) Suspend(pid PID) error {
	if !t.validUser(pid) {
		return fmt.Errorf("suspend process %d: %w", pid, ErrBadProcessID)
	}
	if !t.procs[pid].suspended.Swap(true) {
		t.log.Info("process suspended", zap.Uint8("pid", uint8(pid)))
	}
	return nil
}

// IsSuspended reports whether the process is suspended.
func (t *ProcessTable) IsSuspended(pid PID) bool {
	if !t.valid(pid) {
		return false
	}
	return t.procs[pid].suspended.Load()
}

// GrantPermissionSuspendProcess allows the tasks of process caller to
// suspend process target.
func (t *ProcessTable) GrantPermissionSuspendProcess(caller, target PID) error {
	if !t.validUser(caller) || !t.validUser(target) {
		return fmt.Errorf("grant suspend %d -> %d: %w", caller, target, ErrBadProcessID)
	}
	p := &t.procs[caller]
	for {
		old := p.suspendGrants.Load()
		if p.suspendGrants.CompareAndSwap(old, old|1<<target) {
			return nil
		}
	}
}

func (t *ProcessTable) maySuspend(caller, target PID) bool {
	if caller == OSPID {
		return true
	}
	if !t.valid(caller) || target >= 32 {
		return false
	}
	return t.procs[caller].suspendGrants.Load()&(1<<target) != 0
}

func (t *ProcessTable) suspendableBySomeone(target PID) bool {
	for i := range t.procs {
		if t.procs[i].suspendGrants.Load()&(1<<target) != 0 {
			return true
		}
	}
	return false
}

// GrantPermissionRunTask allows the tasks of process caller to run functions
// in process target with Context.RunTask. A process cannot be granted itself,
// and the highest process is never a target.
func (t *ProcessTable) GrantPermissionRunTask(caller, target PID) error {
	if !t.validUser(caller) || !t.validUser(target) {
		return fmt.Errorf("grant run task %d -> %d: %w", caller, target, ErrBadProcessID)
	}
	if caller == target || int(target) == t.Len() {
		return fmt.Errorf("grant run task %d -> %d: %w", caller, target, ErrRunTaskBadPermission)
	}
	p := &t.procs[caller]
	for {
		old := p.runGrants.Load()
		if p.runGrants.CompareAndSwap(old, old|1<<target) {
			return nil
		}
	}
}

func (t *ProcessTable) mayRunTask(caller, target PID) bool {
	if !t.validUser(caller) || target >= 32 {
		return false
	}
	return t.procs[caller].runGrants.Load()&(1<<target) != 0
}
