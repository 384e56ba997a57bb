package kernel

import "errors"

// Configuration errors. They are returned by the registration functions and
// by Start; a kernel that reported one never reaches the running state.
var (
	ErrTooManyEvents                = errors.New("too many events created")
	ErrInvalidPriority              = errors.New("invalid task priority")
	ErrBadEventTiming               = errors.New("bad event timing")
	ErrEventNotTriggerable          = errors.New("event not triggerable")
	ErrKernelRunning                = errors.New("configuration of running kernel")
	ErrBadEventID                   = errors.New("bad event id")
	ErrBadProcessID                 = errors.New("bad process id")
	ErrTooManyTasks                 = errors.New("too many tasks registered")
	ErrNoEventOrTask                = errors.New("no event or task registered")
	ErrEventWithoutTask             = errors.New("event without task")
	ErrBadTaskFunction              = errors.New("bad task function")
	ErrTaskBudgetTooBig             = errors.New("task budget too big")
	ErrInitTaskRedefined            = errors.New("init task redefined")
	ErrInitTaskFailed               = errors.New("init task failed")
	ErrHighPrioTaskInLowPrivProcess = errors.New("high priority task in low privileged process")
	ErrSuspendProcessBadPermission  = errors.New("permission to suspend the most privileged process")
	ErrBadShape                     = errors.New("bad kernel shape")
	ErrBadTickPeriod                = errors.New("bad tick period")
	ErrBadIRQVector                 = errors.New("bad irq vector")
	ErrBadIRQPriority               = errors.New("bad irq priority")
	ErrIRQVectorInUse               = errors.New("irq vector in use")
	ErrRunTaskBadPermission         = errors.New("bad run task permission")
)

// Runtime errors.
var (
	ErrNotStarted = errors.New("kernel not started")
	ErrHalted     = errors.New("kernel halted")
	// ErrTaskAborted is matched by every *TaskError.
	ErrTaskAborted = errors.New("task aborted")
)
