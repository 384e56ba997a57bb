package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"safertos/assertion"
)

// EventConfig describes an event at registration time.
type EventConfig struct {
	Name string
	// PeriodMs is the cycle time in logical ticks. Zero makes the event
	// software-triggered only.
	PeriodMs uint32
	// FirstActivationMs is the clock value of the first activation of a
	// periodic event. It must be zero for software-triggered events.
	FirstActivationMs uint32
	// Activation applies to timer driven activations.
	Activation Activation
	// MinPIDToTrigger is the lowest user PID allowed to trigger the event
	// explicitly. Shape.EventNotUserTriggerable forbids all user triggers.
	MinPIDToTrigger PID
	// Param is passed to the tasks on timer driven activations.
	Param uintptr
}

// TaskFunc is the entry point of a task. The parameter is the one passed by
// the activating trigger. A non-nil error is reported as a user abort of the
// owning process.
type TaskFunc func(ctx *Context, param uintptr) error

// TaskConfig describes a task at registration time.
type TaskConfig struct {
	Name     string
	Event    EventID
	Priority uint
	PID      PID
	// BudgetMs is the execution time budget in logical ticks. Zero disables
	// deadline monitoring.
	BudgetMs uint32
	Fn       TaskFunc
}

type event struct {
	id         EventID
	name       string
	period     uint32
	due        uint32
	activation Activation
	minPID     PID
	param      uintptr
	tasks      []*task

	fired counter
	lost  counter
}

type task struct {
	id     TaskID
	name   string
	ev     *event
	prio   uint
	pid    PID
	budget uint32
	fn     TaskFunc

	// Outstanding activations, including the one in flight.
	pending uint32
	params  []uintptr
	frame   *frame

	state     atomic.Uint32
	lost      counter
	completed counter
	aborted   counter
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the logger. The default discards all output.
func WithLogger(log *zap.Logger) Option {
	return func(k *Kernel) {
		if log != nil {
			k.log = log
		}
	}
}

// WithAssertions sets the assertion handler used by Context.Assert.
func WithAssertions(h *assertion.Handler) Option {
	return func(k *Kernel) {
		if h != nil {
			k.asserts = h
		}
	}
}

// WithHaltHandler installs the function called once when the core halts.
func WithHaltHandler(fn func(HaltInfo)) Option {
	return func(k *Kernel) { k.SetHaltHandler(fn) }
}

// Kernel is the event processor of one core: logical clock, event and task
// tables, and the dispatcher. Tick and Poll must be called from a single
// goroutine; the query methods and RaiseIRQ are safe for concurrent use.
type Kernel struct {
	id    CoreID
	cfg   CoreConfig
	shape Shape
	step  uint32

	procs   *ProcessTable
	asserts *assertion.Handler
	log     *zap.Logger

	now     atomic.Uint32
	started atomic.Bool

	events    []*event
	tasks     []*task
	initTasks []*task

	// In-flight activations. The last frame owns the CPU.
	stack []*frame
	back  chan yieldMsg

	irqs         irqController
	doubleFaults [NumFaultKinds]counter
	// Context.RunTask is refused below this priority while a child runs.
	runTaskMinPrio uint
	haltState

	mu sync.Mutex // serializes Tick, Poll and Close
}

// New creates the kernel of core id. procs is shared by all cores of a
// system; a nil table creates a private one.
func New(id CoreID, cfg CoreConfig, shape Shape, procs *ProcessTable, opts ...Option) (*Kernel, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("core %d: %w", id, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("core %d: %w", id, err)
	}
	step, _ := cfg.TickStep()

	k := &Kernel{
		id:        id,
		cfg:       cfg,
		shape:     shape,
		step:      step,
		procs:     procs,
		log:       zap.NewNop(),
		initTasks: make([]*task, shape.NoProcesses+1),
		back:      make(chan yieldMsg),
	}
	k.irqs.init()
	for _, opt := range opts {
		opt(k)
	}
	if k.asserts == nil {
		k.asserts = assertion.New(assertion.ModeHalt)
	}
	if k.procs == nil {
		k.procs = NewProcessTable(shape.NoProcesses, k.log)
	}
	if k.procs.Len() != shape.NoProcesses {
		return nil, fmt.Errorf("core %d: process table has %d processes, shape wants %d: %w",
			id, k.procs.Len(), shape.NoProcesses, ErrBadShape)
	}
	k.log = k.log.With(zap.Uint8("core", uint8(id)))
	// The first tick brings the clock to zero.
	k.now.Store(-step)
	return k, nil
}

// ID returns the core the kernel runs on.
func (k *Kernel) ID() CoreID { return k.id }

// Config returns the core timing.
func (k *Kernel) Config() CoreConfig { return k.cfg }

// Shape returns the table layout.
func (k *Kernel) Shape() Shape { return k.shape }

// Processes returns the process table.
func (k *Kernel) Processes() *ProcessTable { return k.procs }

// Now returns the logical clock in ms. It wraps around; compare times by
// their signed difference.
func (k *Kernel) Now() uint32 { return k.now.Load() }

// Started reports whether Start succeeded.
func (k *Kernel) Started() bool { return k.started.Load() }

// CreateEvent registers an event. Events are evaluated in creation order.
func (k *Kernel) CreateEvent(cfg EventConfig) (EventID, error) {
	if k.started.Load() {
		return 0, fmt.Errorf("create event %q: %w", cfg.Name, ErrKernelRunning)
	}
	if len(k.events) >= k.shape.MaxEvents {
		return 0, fmt.Errorf("create event %q: %w", cfg.Name, ErrTooManyEvents)
	}
	if cfg.PeriodMs == 0 && cfg.FirstActivationMs != 0 {
		return 0, fmt.Errorf("create event %q: first activation without period: %w", cfg.Name, ErrBadEventTiming)
	}
	if cfg.PeriodMs >= MaxTiming || cfg.FirstActivationMs >= MaxTiming {
		return 0, fmt.Errorf("create event %q: %w", cfg.Name, ErrBadEventTiming)
	}
	if cfg.MinPIDToTrigger > k.shape.EventNotUserTriggerable() {
		return 0, fmt.Errorf("create event %q: min pid %d: %w", cfg.Name, cfg.MinPIDToTrigger, ErrEventNotTriggerable)
	}
	if cfg.Activation != Ordinary && cfg.Activation != Countable {
		return 0, fmt.Errorf("create event %q: activation %d: %w", cfg.Name, cfg.Activation, ErrBadEventTiming)
	}

	id := EventID(len(k.events))
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("event%d", id)
	}
	k.events = append(k.events, &event{
		id:         id,
		name:       cfg.Name,
		period:     cfg.PeriodMs,
		due:        cfg.FirstActivationMs,
		activation: cfg.Activation,
		minPID:     cfg.MinPIDToTrigger,
		param:      cfg.Param,
	})
	return id, nil
}

// RegisterTask associates a task with an event. Tasks of one event are
// activated in registration order.
func (k *Kernel) RegisterTask(cfg TaskConfig) (TaskID, error) {
	if k.started.Load() {
		return 0, fmt.Errorf("register task %q: %w", cfg.Name, ErrKernelRunning)
	}
	if int(cfg.Event) >= len(k.events) {
		return 0, fmt.Errorf("register task %q: event %d: %w", cfg.Name, cfg.Event, ErrBadEventID)
	}
	if !k.procs.valid(cfg.PID) {
		return 0, fmt.Errorf("register task %q: pid %d: %w", cfg.Name, cfg.PID, ErrBadProcessID)
	}
	if len(k.tasks) >= k.shape.MaxTasks {
		return 0, fmt.Errorf("register task %q: %w", cfg.Name, ErrTooManyTasks)
	}
	if cfg.Fn == nil {
		return 0, fmt.Errorf("register task %q: %w", cfg.Name, ErrBadTaskFunction)
	}
	if cfg.Priority < 1 || cfg.Priority > k.shape.MaxTaskPriority {
		return 0, fmt.Errorf("register task %q: priority %d not in [1, %d]: %w",
			cfg.Name, cfg.Priority, k.shape.MaxTaskPriority, ErrInvalidPriority)
	}
	if cfg.BudgetMs >= MaxTiming {
		return 0, fmt.Errorf("register task %q: %w", cfg.Name, ErrTaskBudgetTooBig)
	}

	id := TaskID(len(k.tasks))
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("task%d", id)
	}
	t := &task{
		id:     id,
		name:   cfg.Name,
		ev:     k.events[cfg.Event],
		prio:   cfg.Priority,
		pid:    cfg.PID,
		budget: cfg.BudgetMs,
		fn:     cfg.Fn,
	}
	k.tasks = append(k.tasks, t)
	t.ev.tasks = append(t.ev.tasks, t)
	return id, nil
}

// RegisterInitTask registers the initialization task of a process. Init
// tasks run once in Start, user processes in PID order first and the OS last.
func (k *Kernel) RegisterInitTask(pid PID, fn TaskFunc, budgetMs uint32) error {
	if k.started.Load() {
		return fmt.Errorf("register init task of process %d: %w", pid, ErrKernelRunning)
	}
	if !k.procs.valid(pid) {
		return fmt.Errorf("register init task: pid %d: %w", pid, ErrBadProcessID)
	}
	if fn == nil {
		return fmt.Errorf("register init task of process %d: %w", pid, ErrBadTaskFunction)
	}
	if budgetMs >= MaxTiming {
		return fmt.Errorf("register init task of process %d: %w", pid, ErrTaskBudgetTooBig)
	}
	if k.initTasks[pid] != nil {
		return fmt.Errorf("register init task of process %d: %w", pid, ErrInitTaskRedefined)
	}
	k.initTasks[pid] = &task{
		id:     TaskID(0xff),
		name:   fmt.Sprintf("init%d", pid),
		prio:   k.shape.MaxTaskPriority,
		pid:    pid,
		budget: budgetMs,
		fn:     fn,
	}
	return nil
}

// Start checks the configuration, runs the init tasks and releases the
// scheduler. The kernel stays stopped if an error is returned.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.started.Load() {
		return ErrKernelRunning
	}
	if err := k.checkConfig(); err != nil {
		return fmt.Errorf("core %d: %w", k.id, err)
	}
	for i := 1; i <= k.shape.NoProcesses; i++ {
		if err := k.runInitTask(PID(i)); err != nil {
			return err
		}
	}
	if err := k.runInitTask(OSPID); err != nil {
		return err
	}
	if k.Halted() {
		return ErrHalted
	}

	k.started.Store(true)
	k.log.Info("kernel started",
		zap.Int("events", len(k.events)),
		zap.Int("tasks", len(k.tasks)),
		zap.Uint32("tick_ms", k.step),
	)
	return nil
}

func (k *Kernel) checkConfig() error {
	if len(k.events) == 0 || len(k.tasks) == 0 {
		return ErrNoEventOrTask
	}
	for _, ev := range k.events {
		if len(ev.tasks) == 0 {
			return fmt.Errorf("event %q: %w", ev.name, ErrEventWithoutTask)
		}
	}

	// Tasks above the lockable ceiling must not be blockable by a process of
	// higher privileges, so they belong to the OS or to the highest PID in use.
	var maxPID PID
	for _, t := range k.tasks {
		if t.pid > maxPID {
			maxPID = t.pid
		}
	}
	for _, t := range k.tasks {
		if t.prio > k.shape.MaxLockablePriority && t.pid != OSPID && t.pid != maxPID {
			return fmt.Errorf("task %q (pid %d, priority %d): %w", t.name, t.pid, t.prio, ErrHighPrioTaskInLowPrivProcess)
		}
	}
	// The supervising process must not be suspendable.
	if maxPID != OSPID && k.procs.suspendableBySomeone(maxPID) {
		return fmt.Errorf("process %d: %w", maxPID, ErrSuspendProcessBadPermission)
	}
	return nil
}

// Close aborts all in-flight activations and releases their goroutines. The
// kernel cannot be used afterwards.
func (k *Kernel) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()

	for len(k.stack) > 0 {
		f := k.stack[len(k.stack)-1]
		k.unwind(f, FaultProcessAbort)
		k.finish(f)
	}
	k.started.Store(false)
}
