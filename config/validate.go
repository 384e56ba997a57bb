package config

import (
	"errors"
	"fmt"

	"safertos/icn"
	"safertos/kernel"
)

// Validate checks the build before any kernel is constructed. All violations
// are reported; the kernels repeat the checks that depend on registration
// order at Start.
func (b Build) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if err := b.Shape.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(b.Cores) == 0 {
		errs = append(errs, ErrNoCores)
	}
	for i, c := range b.Cores {
		if err := c.Validate(); err != nil {
			add("core %d: %w", i, err)
		}
	}
	if _, err := b.AssertionMode(); err != nil {
		errs = append(errs, err)
	}

	validCore := func(c kernel.CoreID) bool { return int(c) < len(b.Cores) }
	validPID := func(p kernel.PID) bool { return int(p) <= b.Shape.NoProcesses }

	events := make(map[kernel.CoreID]map[string]bool)
	for _, e := range b.Events {
		if !validCore(e.Core) {
			add("event %q: core %d: %w", e.Name, e.Core, ErrBadCore)
			continue
		}
		if events[e.Core] == nil {
			events[e.Core] = make(map[string]bool)
		}
		if events[e.Core][e.Name] {
			add("event %q on core %d: %w", e.Name, e.Core, ErrDuplicateName)
		}
		events[e.Core][e.Name] = true
		if _, err := kernel.ParseActivation(e.Activation); err != nil {
			add("event %q: %w: %w", e.Name, ErrBadActivation, err)
		}
	}

	tasks := make(map[kernel.CoreID]map[string]bool)
	for _, t := range b.Tasks {
		if !validCore(t.Core) {
			add("task %q: core %d: %w", t.Name, t.Core, ErrBadCore)
			continue
		}
		if !events[t.Core][t.Event] {
			add("task %q: event %q on core %d: %w", t.Name, t.Event, t.Core, ErrUnknownEvent)
		}
		if tasks[t.Core] == nil {
			tasks[t.Core] = make(map[string]bool)
		}
		if tasks[t.Core][t.Name] {
			add("task %q on core %d: %w", t.Name, t.Core, ErrDuplicateName)
		}
		tasks[t.Core][t.Name] = true
		if t.Workload == "" {
			add("task %q: %w", t.Name, ErrNoWorkload)
		}
	}
	for _, it := range b.InitTasks {
		if !validCore(it.Core) {
			add("init task of process %d: core %d: %w", it.PID, it.Core, ErrBadCore)
		}
		if !validPID(it.PID) {
			add("init task: pid %d: %w", it.PID, kernel.ErrBadProcessID)
		}
		if it.Workload == "" {
			add("init task of process %d: %w", it.PID, ErrNoWorkload)
		}
	}

	for _, p := range b.Permissions {
		if p.Caller == kernel.OSPID || !validPID(p.Caller) || p.Target == kernel.OSPID || !validPID(p.Target) {
			add("permission %d -> %d: %w", p.Caller, p.Target, ErrBadPermission)
		}
	}

	for _, p := range b.RunTask {
		if p.Caller == kernel.OSPID || !validPID(p.Caller) || p.Target == kernel.OSPID ||
			!validPID(p.Target) || p.Caller == p.Target || int(p.Target) == b.Shape.NoProcesses {
			add("run task permission %d -> %d: %w", p.Caller, p.Target, ErrBadPermission)
		}
	}

	names := make(map[string]bool)
	for i, n := range b.Notifications {
		if names[n.Name] {
			add("notification %q: %w", n.Name, ErrDuplicateName)
		}
		names[n.Name] = true
		if err := b.validateNotification(n, events); err != nil {
			add("notification %d (%s): %w", i, n.Name, err)
		}
	}
	if len(b.Notifications) > kernel.MaxIRQVectors {
		add("%d notifications: %w", len(b.Notifications), icn.ErrTooManyNotifications)
	}

	return errors.Join(errs...)
}

func (b Build) validateNotification(n Notification, events map[kernel.CoreID]map[string]bool) error {
	if n.Callback == "" && len(n.Events) == 0 {
		return icn.ErrNoActionSpecified
	}
	if int(n.TargetCore) >= len(b.Cores) {
		return fmt.Errorf("core %d: %w", n.TargetCore, icn.ErrBadCore)
	}
	if n.IRQPriority < 1 || n.IRQPriority > kernel.MaxIRQPriority {
		return fmt.Errorf("priority %d: %w", n.IRQPriority, icn.ErrBadIRQPriority)
	}
	if kp := b.Cores[n.TargetCore].KernelIRQPriority; n.IRQPriority >= kp {
		return fmt.Errorf("priority %d, kernel %d: %w", n.IRQPriority, kp, icn.ErrIRQPriorityNotBelowKernel)
	}
	if len(n.Events) > icn.MaxSentEvents {
		return fmt.Errorf("%d events: %w", len(n.Events), icn.ErrTooManyEvents)
	}
	if len(n.Events) > 0 && len(events[n.TargetCore]) == 0 {
		return fmt.Errorf("core %d: %w", n.TargetCore, icn.ErrActionRequiresScheduler)
	}
	for _, tg := range n.Events {
		if !events[n.TargetCore][tg.Event] {
			return fmt.Errorf("event %q on core %d: %w", tg.Event, n.TargetCore, icn.ErrBadEventID)
		}
		if _, err := kernel.ParseActivation(tg.Activation); err != nil {
			return fmt.Errorf("%w: %w", ErrBadActivation, err)
		}
	}
	if n.QueueDepth < 0 || n.QueueDepth > icn.MaxQueueDepth {
		return fmt.Errorf("depth %d: %w", n.QueueDepth, icn.ErrBadQueueDepth)
	}
	return nil
}
