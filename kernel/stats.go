package kernel

// TaskStats is a snapshot of the counters of one task.
type TaskStats struct {
	ID        TaskID
	Name      string
	Event     EventID
	PID       PID
	Priority  uint
	State     TaskState
	Lost      uint32
	Completed uint32
	Aborted   uint32
}

// EventStats is a snapshot of the counters of one event.
type EventStats struct {
	ID    EventID
	Name  string
	Fired uint32
	Lost  uint32
}

// Stats is a snapshot of a kernel. Taking it is safe while the kernel runs;
// the counters are read one by one, not atomically as a whole.
type Stats struct {
	Core         CoreID
	Now          uint32
	Halted       bool
	Tasks        []TaskStats
	Events       []EventStats
	DoubleFaults [NumFaultKinds]uint32
}

// Stats returns a snapshot of the kernel counters. The tables must not be
// modified concurrently, so call it after Start or from the driving goroutine.
func (k *Kernel) Stats() Stats {
	s := Stats{
		Core:   k.id,
		Now:    k.now.Load(),
		Halted: k.Halted(),
		Tasks:  make([]TaskStats, 0, len(k.tasks)),
		Events: make([]EventStats, 0, len(k.events)),
	}
	for _, t := range k.tasks {
		s.Tasks = append(s.Tasks, TaskStats{
			ID:        t.id,
			Name:      t.name,
			Event:     t.ev.id,
			PID:       t.pid,
			Priority:  t.prio,
			State:     TaskState(t.state.Load()),
			Lost:      t.lost.load(),
			Completed: t.completed.load(),
			Aborted:   t.aborted.load(),
		})
	}
	for _, ev := range k.events {
		s.Events = append(s.Events, EventStats{
			ID:    ev.id,
			Name:  ev.name,
			Fired: ev.fired.load(),
			Lost:  ev.lost.load(),
		})
	}
	for i := range k.doubleFaults {
		s.DoubleFaults[i] = k.doubleFaults[i].load()
	}
	return s
}

// ActivationLoss returns the number of triggers of an event that lost at
// least one task activation.
func (k *Kernel) ActivationLoss(id EventID) uint32 {
	if int(id) >= len(k.events) {
		return 0
	}
	return k.events[id].lost.load()
}

// TaskActivationLoss returns the number of activations lost by a task.
func (k *Kernel) TaskActivationLoss(id TaskID) uint32 {
	if int(id) >= len(k.tasks) {
		return 0
	}
	return k.tasks[id].lost.load()
}

// TaskState returns the scheduling state of a task.
func (k *Kernel) TaskState(id TaskID) TaskState {
	if int(id) >= len(k.tasks) {
		return TaskIdle
	}
	return TaskState(k.tasks[id].state.Load())
}

// DoubleFaults returns how many faults were raised while unwinding a task
// that was aborted for kind.
func (k *Kernel) DoubleFaults(kind FaultKind) uint32 {
	if kind >= NumFaultKinds {
		return 0
	}
	return k.doubleFaults[kind].load()
}

// EventID looks an event up by name.
func (k *Kernel) EventID(name string) (EventID, bool) {
	for _, ev := range k.events {
		if ev.name == name {
			return ev.id, true
		}
	}
	return 0, false
}

// NumEvents returns the number of registered events.
func (k *Kernel) NumEvents() int { return len(k.events) }

// Running returns the task owning the CPU, if any.
func (k *Kernel) Running() (TaskID, bool) {
	for _, t := range k.tasks {
		if TaskState(t.state.Load()) == TaskRunning {
			return t.id, true
		}
	}
	return 0, false
}
