// Package system assembles a multi-core build: one kernel per core sharing a
// process table and an assertion handler, the inter-core notification driver,
// and the timers that drive the cores.
package system

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"safertos/assertion"
	"safertos/config"
	"safertos/icn"
	"safertos/internal/workload"
	"safertos/kernel"
)

// ErrNotStarted is returned by the run functions before Start.
var ErrNotStarted = errors.New("system not started")

// Option configures a System.
type Option func(*System)

// WithLogger sets the logger of the system and all its kernels.
func WithLogger(log *zap.Logger) Option {
	return func(s *System) {
		if log != nil {
			s.log = log
		}
	}
}

// WithWorkloads replaces the built-in workload registry.
func WithWorkloads(r workload.Registry) Option {
	return func(s *System) { s.workloads = r }
}

// WithHaltHandler installs a function called once, on the first halt of any
// core, after all cores were halted.
func WithHaltHandler(fn func(kernel.HaltInfo)) Option {
	return func(s *System) { s.onHalt = fn }
}

// System is a set of kernels built from one configuration.
type System struct {
	build     config.Build
	log       *zap.Logger
	workloads workload.Registry
	onHalt    func(kernel.HaltInfo)

	procs   *kernel.ProcessTable
	asserts *assertion.Handler
	kernels []*kernel.Kernel
	// Cores without events are never started; their interrupts are still
	// serviced if notifications target them.
	active []bool
	icn    *icn.Driver

	started atomic.Bool
	halted  atomic.Bool
	first   atomic.Pointer[kernel.HaltInfo]
}

// New validates b and constructs all kernels, registers the configured
// events, tasks and init tasks, and installs the notification driver. The
// kernels are not started.
func New(b config.Build, opts ...Option) (*System, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build: %w", err)
	}
	s := &System{
		build:     b,
		log:       zap.NewNop(),
		workloads: workload.Builtin(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mode, _ := b.AssertionMode()
	s.asserts = assertion.New(mode)
	s.procs = kernel.NewProcessTable(b.Shape.NoProcesses, s.log)
	for _, p := range b.Permissions {
		if err := s.procs.GrantPermissionSuspendProcess(p.Caller, p.Target); err != nil {
			return nil, err
		}
	}
	for _, p := range b.RunTask {
		if err := s.procs.GrantPermissionRunTask(p.Caller, p.Target); err != nil {
			return nil, err
		}
	}

	for i, cfg := range b.Cores {
		k, err := kernel.New(kernel.CoreID(i), cfg, b.Shape, s.procs,
			kernel.WithLogger(s.log),
			kernel.WithAssertions(s.asserts),
			kernel.WithHaltHandler(s.haltAll),
		)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.kernels = append(s.kernels, k)
		s.active = append(s.active, len(b.EventsOf(kernel.CoreID(i))) > 0)
	}

	if err := s.register(); err != nil {
		s.Close()
		return nil, err
	}

	notes, err := s.notifications()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.icn, err = icn.New(notes, s.kernels, icn.WithLogger(s.log))
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *System) env(k *kernel.Kernel) workload.Env {
	return workload.Env{
		Log:   s.log.With(zap.Uint8("core", uint8(k.ID()))),
		Event: k.EventID,
		Notify: func(name string, param uintptr) bool {
			id, ok := s.icn.Lookup(name)
			return ok && s.icn.Send(id, param)
		},
	}
}

func (s *System) register() error {
	for _, e := range s.build.Events {
		k := s.kernels[e.Core]
		act, _ := kernel.ParseActivation(e.Activation)
		if _, err := k.CreateEvent(kernel.EventConfig{
			Name:              e.Name,
			PeriodMs:          e.PeriodMs,
			FirstActivationMs: e.FirstActivationMs,
			Activation:        act,
			MinPIDToTrigger:   e.MinPIDToTrigger,
			Param:             uintptr(e.Param),
		}); err != nil {
			return fmt.Errorf("event %q: %w", e.Name, err)
		}
	}
	for _, t := range s.build.Tasks {
		k := s.kernels[t.Core]
		fn, err := s.workloads.Task(t.Workload, workload.Args{
			Name: t.Name, Arg: t.Arg, Target: t.Target, Env: s.env(k),
		})
		if err != nil {
			return err
		}
		ev, _ := k.EventID(t.Event)
		if _, err := k.RegisterTask(kernel.TaskConfig{
			Name:     t.Name,
			Event:    ev,
			Priority: t.Priority,
			PID:      t.PID,
			BudgetMs: t.BudgetMs,
			Fn:       fn,
		}); err != nil {
			return fmt.Errorf("task %q: %w", t.Name, err)
		}
	}
	for _, it := range s.build.InitTasks {
		k := s.kernels[it.Core]
		name := fmt.Sprintf("init%d", it.PID)
		fn, err := s.workloads.Task(it.Workload, workload.Args{Name: name, Arg: it.Arg, Env: s.env(k)})
		if err != nil {
			return err
		}
		if err := k.RegisterInitTask(it.PID, fn, it.BudgetMs); err != nil {
			return fmt.Errorf("core %d: %w", it.Core, err)
		}
	}
	return nil
}

func (s *System) notifications() ([]icn.Notification, error) {
	notes := make([]icn.Notification, 0, len(s.build.Notifications))
	for _, n := range s.build.Notifications {
		k := s.kernels[n.TargetCore]
		cfg := icn.Notification{
			Name:        n.Name,
			TargetCore:  n.TargetCore,
			IRQPriority: n.IRQPriority,
			QueueDepth:  n.QueueDepth,
		}
		if n.Callback != "" {
			cb, err := s.workloads.Callback(n.Callback, workload.Args{Name: n.Name, Arg: n.Arg, Env: s.env(k)})
			if err != nil {
				return nil, err
			}
			cfg.Callback = cb
		}
		for _, tg := range n.Events {
			id, _ := k.EventID(tg.Event)
			act, _ := kernel.ParseActivation(tg.Activation)
			cfg.Events = append(cfg.Events, icn.Target{Event: id, Activation: act})
		}
		notes = append(notes, cfg)
	}
	return notes, nil
}

// Start starts every core that has events. Configuration errors of all
// cores are reported together; the system stays stopped if any core fails.
func (s *System) Start() error {
	var errs []error
	for i, k := range s.kernels {
		if !s.active[i] {
			continue
		}
		if err := k.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.started.Store(true)
	s.log.Info("system started", zap.Int("cores", len(s.kernels)))
	return nil
}

// haltAll is the halt handler of every kernel: the first halt stops all
// cores.
func (s *System) haltAll(info kernel.HaltInfo) {
	if !s.halted.CompareAndSwap(false, true) {
		return
	}
	s.first.Store(&info)
	for _, k := range s.kernels {
		if k.ID() != info.Core {
			k.Halt(fmt.Sprintf("halted by core %d", info.Core))
		}
	}
	if s.onHalt != nil {
		s.onHalt(info)
	}
}

// Halted reports whether the system is halted.
func (s *System) Halted() bool { return s.halted.Load() }

// HaltInfo returns the cause of the first halt.
func (s *System) HaltInfo() (kernel.HaltInfo, bool) {
	p := s.first.Load()
	if p == nil {
		return kernel.HaltInfo{}, false
	}
	return *p, true
}

// Close releases all task goroutines.
func (s *System) Close() {
	for _, k := range s.kernels {
		k.Close()
	}
}

// Build returns the configuration the system was built from.
func (s *System) Build() config.Build { return s.build }

// NumCores returns the number of cores, active or not.
func (s *System) NumCores() int { return len(s.kernels) }

// Core returns the kernel of core i.
func (s *System) Core(i kernel.CoreID) *kernel.Kernel { return s.kernels[i] }

// Active reports whether core i runs the scheduler.
func (s *System) Active(i kernel.CoreID) bool { return s.active[i] }

// Serviced reports whether core i only services notification interrupts.
func (s *System) Serviced(i kernel.CoreID) bool {
	return !s.active[i] && s.kernels[i].HasInterruptHandlers()
}

// Processes returns the process table shared by all cores.
func (s *System) Processes() *kernel.ProcessTable { return s.procs }

// Notifications returns the inter-core notification driver.
func (s *System) Notifications() *icn.Driver { return s.icn }

// Asserts returns the assertion handler shared by all cores.
func (s *System) Asserts() *assertion.Handler { return s.asserts }

// CoreStats returns a snapshot of every core.
func (s *System) CoreStats() []kernel.Stats {
	out := make([]kernel.Stats, len(s.kernels))
	for i, k := range s.kernels {
		out[i] = k.Stats()
	}
	return out
}
