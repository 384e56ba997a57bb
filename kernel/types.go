package kernel

import (
	"fmt"
	"math"
)

// CoreID identifies a core (one kernel instance per core).
type CoreID uint8

// EventID is the zero-based index of an event on one kernel.
type EventID uint8

// TaskID is the zero-based registration index of a task on one kernel.
type TaskID uint8

// PID identifies a process. PID 0 is the operating system itself.
type PID uint8

// OSPID is the process ID of kernel/OS code.
const OSPID PID = 0

// MaxIRQPriority is the highest interrupt priority a core supports.
const MaxIRQPriority = 15

// MaxTiming bounds event periods, first activation times and task budgets.
const MaxTiming = 1 << 30

// Activation selects what happens when a trigger reaches a busy task.
type Activation uint8

const (
	// Ordinary activations are lost (and counted) while the task has an
	// outstanding activation.
	Ordinary Activation = iota
	// Countable activations accumulate up to Shape.MaxPendingActivations.
	Countable
)

func (a Activation) String() string {
	switch a {
	case Ordinary:
		return "ordinary"
	case Countable:
		return "countable"
	default:
		return "unknown"
	}
}

// ParseActivation converts the name of an activation, as printed by String.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "", "ordinary":
		return Ordinary, nil
	case "countable":
		return Countable, nil
	}
	return Ordinary, fmt.Errorf("unknown activation %q", s)
}

// Shape is the table layout of a kernel build. All cores of a system must
// share the same shape.
type Shape struct {
	MaxEvents             int    `yaml:"max_events" mapstructure:"max_events"`
	MaxTasks              int    `yaml:"max_tasks" mapstructure:"max_tasks"`
	MaxTaskPriority       uint   `yaml:"max_task_priority" mapstructure:"max_task_priority"`
	MaxLockablePriority   uint   `yaml:"max_lockable_priority" mapstructure:"max_lockable_priority"`
	MaxPendingActivations uint32 `yaml:"max_pending_activations" mapstructure:"max_pending_activations"`
	NoProcesses           int    `yaml:"no_processes" mapstructure:"no_processes"`
}

// DefaultShape returns the reference build shape.
func DefaultShape() Shape {
	return Shape{
		MaxEvents:             8,
		MaxTasks:              20,
		MaxTaskPriority:       11,
		MaxLockablePriority:   10,
		MaxPendingActivations: math.MaxUint8,
		NoProcesses:           4,
	}
}

// Validate checks the shape limits.
func (s Shape) Validate() error {
	switch {
	case s.MaxEvents < 1 || s.MaxEvents > math.MaxUint8:
		return fmt.Errorf("%w: max events %d", ErrBadShape, s.MaxEvents)
	case s.MaxTasks < 1 || s.MaxTasks > math.MaxUint8:
		return fmt.Errorf("%w: max tasks %d", ErrBadShape, s.MaxTasks)
	case s.MaxTaskPriority < 1 || s.MaxTaskPriority > math.MaxUint8:
		return fmt.Errorf("%w: max task priority %d", ErrBadShape, s.MaxTaskPriority)
	case s.MaxLockablePriority < 1 || s.MaxLockablePriority >= s.MaxTaskPriority:
		return fmt.Errorf("%w: max lockable priority %d must be in [1, %d)",
			ErrBadShape, s.MaxLockablePriority, s.MaxTaskPriority)
	case s.MaxPendingActivations < 1:
		return fmt.Errorf("%w: max pending activations must be positive", ErrBadShape)
	case s.NoProcesses < 1 || s.NoProcesses > 31:
		return fmt.Errorf("%w: number of processes %d", ErrBadShape, s.NoProcesses)
	}
	return nil
}

// EventNotUserTriggerable is the MinPIDToTrigger value that forbids triggers
// from every user process.
func (s Shape) EventNotUserTriggerable() PID {
	return PID(s.NoProcesses + 1)
}

// CoreConfig is the per-core timing of a kernel build.
type CoreConfig struct {
	// TickPeriodMs is the period of the core's timer interrupt. It may be
	// fractional; the logical clock advances by its truncated value.
	TickPeriodMs float64 `yaml:"tick_period_ms" mapstructure:"tick_period_ms"`
	// KernelIRQPriority is the priority of the scheduler interrupt. Every
	// other interrupt serviced by this core must stay below it.
	KernelIRQPriority uint `yaml:"kernel_irq_priority" mapstructure:"kernel_irq_priority"`
}

// TickStep returns the whole logical ticks the clock advances per timer
// interrupt. Fractional periods are truncated, never rounded.
func (c CoreConfig) TickStep() (uint32, error) {
	if math.IsNaN(c.TickPeriodMs) || c.TickPeriodMs < 1 || c.TickPeriodMs >= MaxTiming {
		return 0, fmt.Errorf("%w: %v ms", ErrBadTickPeriod, c.TickPeriodMs)
	}
	return uint32(math.Trunc(c.TickPeriodMs)), nil
}

// Validate checks the core timing.
func (c CoreConfig) Validate() error {
	if _, err := c.TickStep(); err != nil {
		return err
	}
	if c.KernelIRQPriority < 2 || c.KernelIRQPriority > MaxIRQPriority {
		return fmt.Errorf("%w: kernel irq priority %d not in [2, %d]",
			ErrBadIRQPriority, c.KernelIRQPriority, MaxIRQPriority)
	}
	return nil
}
