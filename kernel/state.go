package kernel

import "fmt"

// TaskState is the scheduling state of a task.
type TaskState uint8

const (
	// TaskIdle: no outstanding activation.
	TaskIdle TaskState = iota
	// TaskPending: activated and waiting for the CPU, either not yet started
	// or preempted by a higher priority task.
	TaskPending
	// TaskRunning: owns the CPU of its core.
	TaskRunning
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	default:
		return "unknown"
	}
}

func isAllowedTransition(from, to TaskState) bool {
	switch from {
	case TaskIdle:
		return to == TaskPending
	case TaskPending:
		return to == TaskRunning || to == TaskIdle
	case TaskRunning:
		return to == TaskPending || to == TaskIdle
	default:
		return false
	}
}

// transition moves t from its current state to to. A disallowed transition is
// a kernel invariant violation and halts the core.
func (k *Kernel) transition(t *task, to TaskState) {
	from := TaskState(t.state.Load())
	if from == to {
		return
	}
	if !isAllowedTransition(from, to) {
		k.Halt(fmt.Sprintf("invalid transition for task %q: %s -> %s", t.name, from, to))
		return
	}
	t.state.Store(uint32(to))
}
