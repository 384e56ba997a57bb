package kernel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"safertos/assertion"
)

func testCore() CoreConfig {
	return CoreConfig{TickPeriodMs: 1, KernelIRQPriority: 12}
}

func newTestKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	k, err := New(0, testCore(), DefaultShape(), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

func mustEvent(t *testing.T, k *Kernel, cfg EventConfig) EventID {
	t.Helper()
	id, err := k.CreateEvent(cfg)
	require.NoError(t, err)
	return id
}

func mustTask(t *testing.T, k *Kernel, cfg TaskConfig) TaskID {
	t.Helper()
	id, err := k.RegisterTask(cfg)
	require.NoError(t, err)
	return id
}

func ticks(t *testing.T, k *Kernel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, k.Tick())
	}
}

func nop(*Context, uintptr) error { return nil }

func TestRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "E", PeriodMs: 1})
	tid := mustTask(t, k, TaskConfig{
		Name: "T", Event: ev, Priority: 5, PID: 1, BudgetMs: 3,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.Consume(100)
			return nil
		},
	})
	require.NoError(t, k.Start())

	ticks(t, k, 1)
	assert.Equal(t, TaskRunning, k.TaskState(tid))
	running, ok := k.Running()
	require.True(t, ok)
	assert.Equal(t, tid, running)

	ticks(t, k, 3)
	assert.Equal(t, uint32(3), k.ActivationLoss(ev))
	assert.Equal(t, uint32(3), k.TaskActivationLoss(tid))
	assert.Zero(t, k.Processes().ErrorCount(1, FaultDeadline))

	ticks(t, k, 1)
	procs := k.Processes()
	assert.Equal(t, uint32(1), procs.ErrorCount(1, FaultDeadline))
	kind, ok := procs.LastFault(1)
	require.True(t, ok)
	assert.Equal(t, FaultDeadline, kind)
	for pid := PID(0); pid <= 4; pid++ {
		if pid != 1 {
			assert.Zero(t, procs.TotalErrors(pid), "pid %d", pid)
		}
	}
	// The next activation started right after the abort.
	assert.Equal(t, uint32(3), k.ActivationLoss(ev))
	assert.Equal(t, TaskRunning, k.TaskState(tid))
}

func TestDispatchPriorityAndRegistrationOrder(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "sw"})

	var order []string
	record := func(name string) TaskFunc {
		return func(*Context, uintptr) error {
			order = append(order, name)
			return nil
		}
	}
	mustTask(t, k, TaskConfig{Name: "A", Event: ev, Priority: 3, PID: 1, Fn: record("A")})
	mustTask(t, k, TaskConfig{Name: "B", Event: ev, Priority: 5, PID: 1, Fn: record("B")})
	mustTask(t, k, TaskConfig{Name: "C", Event: ev, Priority: 5, PID: 1, Fn: record("C")})
	mustTask(t, k, TaskConfig{Name: "D", Event: ev, Priority: 1, PID: 1, Fn: record("D")})

	ok, err := k.TriggerEvent(ev, 0, Ordinary)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Start())
	ticks(t, k, 1)

	assert.Equal(t, []string{"B", "C", "A", "D"}, order)
}

func TestPreemptionResumesWhereLeft(t *testing.T) {
	k := newTestKernel(t)
	evLow := mustEvent(t, k, EventConfig{Name: "low", PeriodMs: 10})
	evHigh := mustEvent(t, k, EventConfig{Name: "high", PeriodMs: 10, FirstActivationMs: 2})

	var lowDone uint32
	var lowStateSeen TaskState
	var highAt uint32
	low := mustTask(t, k, TaskConfig{Name: "low", Event: evLow, Priority: 2, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.Consume(5)
			lowDone = ctx.Now()
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "high", Event: evHigh, Priority: 8, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			highAt = ctx.Now()
			lowStateSeen = k.TaskState(low)
			return nil
		}})
	require.NoError(t, k.Start())

	ticks(t, k, 7)
	assert.Equal(t, uint32(2), highAt)
	assert.Equal(t, TaskPending, lowStateSeen)
	assert.Equal(t, uint32(5), lowDone)
	assert.Equal(t, TaskIdle, k.TaskState(low))
}

func TestOrdinaryActivationLoss(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "sw"})
	var params []uintptr
	tid := mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 3, PID: 1,
		Fn: func(_ *Context, p uintptr) error {
			params = append(params, p)
			return nil
		}})

	ok, err := k.TriggerEvent(ev, 1, Ordinary)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = k.TriggerEvent(ev, 2, Ordinary)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, uint32(1), k.TaskActivationLoss(tid))
	assert.Equal(t, uint32(1), k.ActivationLoss(ev))

	require.NoError(t, k.Start())
	ticks(t, k, 2)
	assert.Equal(t, []uintptr{1}, params)
}

func TestCountableActivationSaturates(t *testing.T) {
	shape := DefaultShape()
	shape.MaxPendingActivations = 3
	k, err := New(0, testCore(), shape, nil, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(k.Close)

	ev := mustEvent(t, k, EventConfig{Name: "sw"})
	var params []uintptr
	tid := mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 3, PID: 1,
		Fn: func(ctx *Context, p uintptr) error {
			params = append(params, p)
			ctx.Consume(1)
			return nil
		}})

	for p := uintptr(1); p <= 3; p++ {
		ok, err := k.TriggerEvent(ev, p, Countable)
		require.NoError(t, err)
		assert.True(t, ok, "activation %d", p)
	}
	ok, err := k.TriggerEvent(ev, 4, Countable)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint32(1), k.TaskActivationLoss(tid))

	require.NoError(t, k.Start())
	ticks(t, k, 4)
	assert.Equal(t, []uintptr{1, 2, 3}, params)
	assert.Equal(t, uint32(3), k.Stats().Tasks[tid].Completed)
	assert.Equal(t, TaskIdle, k.TaskState(tid))
}

func TestEventDueTimes(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "p", PeriodMs: 3, FirstActivationMs: 1})
	var at []uint32
	mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 1, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			at = append(at, ctx.Now())
			return nil
		}})
	require.NoError(t, k.Start())

	ticks(t, k, 10)
	assert.Equal(t, []uint32{1, 4, 7}, at)
	assert.Equal(t, uint32(9), k.Now())
}

func TestTickStepTruncates(t *testing.T) {
	tests := []struct {
		period float64
		want   uint32
		err    bool
	}{
		{1, 1, false},
		{1.0002375, 1, false},
		{1.0003375, 1, false},
		{2.9, 2, false},
		{0.5, 0, true},
		{0, 0, true},
	}
	for _, tt := range tests {
		got, err := CoreConfig{TickPeriodMs: tt.period, KernelIRQPriority: 12}.TickStep()
		if tt.err {
			assert.ErrorIs(t, err, ErrBadTickPeriod, "period %v", tt.period)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "period %v", tt.period)
	}
}

func TestFractionalPeriodAdvancesByTruncatedStep(t *testing.T) {
	k, err := New(1, CoreConfig{TickPeriodMs: 2.75, KernelIRQPriority: 2}, DefaultShape(), nil)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	ev := mustEvent(t, k, EventConfig{Name: "p", PeriodMs: 4})
	mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 1, PID: 1, Fn: nop})
	require.NoError(t, k.Start())

	ticks(t, k, 3)
	assert.Equal(t, uint32(4), k.Now())
	assert.Equal(t, uint32(2), k.Stats().Events[ev].Fired)
}

func TestInitTasksRunInProcessOrder(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "sw"})
	mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 1, PID: 1, Fn: nop})

	var order []PID
	for _, pid := range []PID{0, 3, 1} {
		require.NoError(t, k.RegisterInitTask(pid, func(ctx *Context, _ uintptr) error {
			order = append(order, ctx.PID())
			return nil
		}, 0))
	}
	err := k.RegisterInitTask(1, nop, 0)
	assert.ErrorIs(t, err, ErrInitTaskRedefined)

	require.NoError(t, k.Start())
	assert.Equal(t, []PID{1, 3, 0}, order)
}

func TestInitTaskFailure(t *testing.T) {
	tests := []struct {
		name string
		fn   TaskFunc
		kind FaultKind
	}{
		{"error", func(*Context, uintptr) error { return errors.New("no sensor") }, FaultUserAbort},
		{"panic", func(*Context, uintptr) error { panic("boom") }, FaultPanic},
		{"overrun", func(ctx *Context, _ uintptr) error { ctx.Consume(20); return nil }, FaultDeadline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t)
			ev := mustEvent(t, k, EventConfig{Name: "sw"})
			mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 1, PID: 1, Fn: nop})
			require.NoError(t, k.RegisterInitTask(2, tt.fn, 10))

			err := k.Start()
			require.ErrorIs(t, err, ErrInitTaskFailed)
			assert.False(t, k.Started())
			assert.Equal(t, uint32(1), k.Processes().ErrorCount(2, tt.kind))
			assert.ErrorIs(t, k.Tick(), ErrNotStarted)
		})
	}
}

func TestConfigurationErrors(t *testing.T) {
	t.Run("too many events", func(t *testing.T) {
		k := newTestKernel(t)
		for i := 0; i < DefaultShape().MaxEvents; i++ {
			mustEvent(t, k, EventConfig{})
		}
		_, err := k.CreateEvent(EventConfig{})
		assert.ErrorIs(t, err, ErrTooManyEvents)
	})
	t.Run("first activation without period", func(t *testing.T) {
		k := newTestKernel(t)
		_, err := k.CreateEvent(EventConfig{FirstActivationMs: 5})
		assert.ErrorIs(t, err, ErrBadEventTiming)
	})
	t.Run("period too large", func(t *testing.T) {
		k := newTestKernel(t)
		_, err := k.CreateEvent(EventConfig{PeriodMs: MaxTiming})
		assert.ErrorIs(t, err, ErrBadEventTiming)
	})
	t.Run("not triggerable", func(t *testing.T) {
		k := newTestKernel(t)
		_, err := k.CreateEvent(EventConfig{MinPIDToTrigger: 6})
		assert.ErrorIs(t, err, ErrEventNotTriggerable)
	})
	t.Run("bad task", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		_, err := k.RegisterTask(TaskConfig{Event: ev + 1, Priority: 1, Fn: nop})
		assert.ErrorIs(t, err, ErrBadEventID)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 1, PID: 5, Fn: nop})
		assert.ErrorIs(t, err, ErrBadProcessID)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 1, PID: 1})
		assert.ErrorIs(t, err, ErrBadTaskFunction)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 12, PID: 1, Fn: nop})
		assert.ErrorIs(t, err, ErrInvalidPriority)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 0, PID: 1, Fn: nop})
		assert.ErrorIs(t, err, ErrInvalidPriority)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 1, PID: 1, BudgetMs: MaxTiming, Fn: nop})
		assert.ErrorIs(t, err, ErrTaskBudgetTooBig)
	})
	t.Run("too many tasks", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		for i := 0; i < DefaultShape().MaxTasks; i++ {
			mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		}
		_, err := k.RegisterTask(TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		assert.ErrorIs(t, err, ErrTooManyTasks)
	})
	t.Run("nothing registered", func(t *testing.T) {
		k := newTestKernel(t)
		assert.ErrorIs(t, k.Start(), ErrNoEventOrTask)
	})
	t.Run("event without task", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		mustEvent(t, k, EventConfig{Name: "orphan"})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		assert.ErrorIs(t, k.Start(), ErrEventWithoutTask)
	})
	t.Run("high priority task in low privileged process", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 11, PID: 1, Fn: nop})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 2, Fn: nop})
		assert.ErrorIs(t, k.Start(), ErrHighPrioTaskInLowPrivProcess)
	})
	t.Run("supervisor suspendable", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 2, Fn: nop})
		require.NoError(t, k.Processes().GrantPermissionSuspendProcess(1, 2))
		assert.ErrorIs(t, k.Start(), ErrSuspendProcessBadPermission)
	})
	t.Run("registration after start", func(t *testing.T) {
		k := newTestKernel(t)
		ev := mustEvent(t, k, EventConfig{})
		mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		require.NoError(t, k.Start())
		_, err := k.CreateEvent(EventConfig{})
		assert.ErrorIs(t, err, ErrKernelRunning)
		_, err = k.RegisterTask(TaskConfig{Event: ev, Priority: 1, PID: 1, Fn: nop})
		assert.ErrorIs(t, err, ErrKernelRunning)
		assert.ErrorIs(t, k.RegisterInitTask(1, nop, 0), ErrKernelRunning)
		assert.ErrorIs(t, k.RegisterInterruptHandler(1, 1, func(*Kernel) {}), ErrKernelRunning)
		assert.ErrorIs(t, k.Start(), ErrKernelRunning)
	})
}

func TestBadShapeAndCore(t *testing.T) {
	shape := DefaultShape()
	shape.MaxLockablePriority = shape.MaxTaskPriority
	_, err := New(0, testCore(), shape, nil)
	assert.ErrorIs(t, err, ErrBadShape)

	_, err = New(0, CoreConfig{TickPeriodMs: 1, KernelIRQPriority: 16}, DefaultShape(), nil)
	assert.ErrorIs(t, err, ErrBadIRQPriority)

	_, err = New(0, testCore(), DefaultShape(), NewProcessTable(2, nil))
	assert.ErrorIs(t, err, ErrBadShape)
}

func TestTaskErrorIsUserAbort(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{PeriodMs: 5})
	mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 3,
		Fn: func(*Context, uintptr) error { return errors.New("checksum") }})
	require.NoError(t, k.Start())

	ticks(t, k, 6)
	assert.Equal(t, uint32(2), k.Processes().ErrorCount(3, FaultUserAbort))
	assert.False(t, k.Halted())
}

func TestUserPanicIsProcessError(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{PeriodMs: 1})
	tid := mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 2,
		Fn: func(*Context, uintptr) error { panic("nil pointer") }})
	require.NoError(t, k.Start())

	ticks(t, k, 3)
	assert.Equal(t, uint32(3), k.Processes().ErrorCount(2, FaultPanic))
	assert.Equal(t, uint32(3), k.Stats().Tasks[tid].Aborted)
	assert.False(t, k.Halted())
}

func TestOSTaskFaultsHalt(t *testing.T) {
	tests := []struct {
		name string
		cfg  TaskConfig
	}{
		{"overrun", TaskConfig{Name: "os", Priority: 1, PID: OSPID, BudgetMs: 2,
			Fn: func(ctx *Context, _ uintptr) error { ctx.Consume(5); return nil }}},
		{"panic", TaskConfig{Name: "os", Priority: 1, PID: OSPID,
			Fn: func(*Context, uintptr) error { panic("kernel bug") }}},
		{"bad syscall", TaskConfig{Name: "os", Priority: 1, PID: OSPID,
			Fn: func(ctx *Context, _ uintptr) error { ctx.TriggerEvent(7, 0, Ordinary); return nil }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []HaltInfo
			k := newTestKernel(t, WithHaltHandler(func(info HaltInfo) { got = append(got, info) }))
			ev := mustEvent(t, k, EventConfig{PeriodMs: 1})
			tt.cfg.Event = ev
			mustTask(t, k, tt.cfg)
			require.NoError(t, k.Start())

			var err error
			for i := 0; i < 5 && err == nil; i++ {
				err = k.Tick()
			}
			require.ErrorIs(t, err, ErrHalted)
			assert.True(t, k.Halted())
			require.Len(t, got, 1)
			assert.True(t, got[0].HasTask)
			assert.Contains(t, got[0].Reason, `"os"`)
			assert.ErrorIs(t, k.Tick(), ErrHalted)
			assert.Zero(t, k.Processes().TotalErrors(OSPID))
		})
	}
}

func TestMinPIDToTrigger(t *testing.T) {
	k := newTestKernel(t)
	guarded := mustEvent(t, k, EventConfig{Name: "guarded", MinPIDToTrigger: 3})
	caller := mustEvent(t, k, EventConfig{Name: "caller", PeriodMs: 10})

	var guardedRuns, after int
	mustTask(t, k, TaskConfig{Event: guarded, Priority: 1, PID: 3,
		Fn: func(*Context, uintptr) error { guardedRuns++; return nil }})
	mustTask(t, k, TaskConfig{Name: "low", Event: caller, Priority: 2, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.TriggerEvent(guarded, 0, Ordinary)
			after++
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "high", Event: caller, Priority: 3, PID: 4,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.TriggerEvent(guarded, 9, Ordinary)
			return nil
		}})
	require.NoError(t, k.Start())

	ticks(t, k, 1)
	assert.Equal(t, 1, guardedRuns)
	assert.Zero(t, after)
	assert.Equal(t, uint32(1), k.Processes().ErrorCount(1, FaultSysCallBadArg))
	assert.Zero(t, k.Processes().TotalErrors(4))
}

func TestTriggerFromTaskPreemptsImmediately(t *testing.T) {
	k := newTestKernel(t)
	sw := mustEvent(t, k, EventConfig{Name: "sw"})
	cyc := mustEvent(t, k, EventConfig{Name: "cyc", PeriodMs: 10})

	var order []string
	var got uintptr
	mustTask(t, k, TaskConfig{Name: "high", Event: sw, Priority: 6, PID: 1,
		Fn: func(_ *Context, p uintptr) error {
			order = append(order, "high")
			got = p
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "low", Event: cyc, Priority: 2, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			order = append(order, "low:before")
			assert.True(t, ctx.TriggerEvent(sw, 77, Ordinary))
			order = append(order, "low:after")
			return nil
		}})
	require.NoError(t, k.Start())

	ticks(t, k, 1)
	assert.Equal(t, []string{"low:before", "high", "low:after"}, order)
	assert.Equal(t, uintptr(77), got)
}

func TestPriorityCeiling(t *testing.T) {
	k := newTestKernel(t)
	evL := mustEvent(t, k, EventConfig{Name: "L", PeriodMs: 20})
	evM := mustEvent(t, k, EventConfig{Name: "M", PeriodMs: 20, FirstActivationMs: 1})
	evH := mustEvent(t, k, EventConfig{Name: "H", PeriodMs: 20, FirstActivationMs: 2})

	var mAt, hAt uint32
	var inCeiling uint
	mustTask(t, k, TaskConfig{Name: "L", Event: evL, Priority: 2, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			prev := ctx.SuspendAllTasksByPriority(10)
			inCeiling = ctx.Priority()
			ctx.Consume(5)
			ctx.ResumeAllTasksByPriority(prev)
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "M", Event: evM, Priority: 5, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error { mAt = ctx.Now(); return nil }})
	mustTask(t, k, TaskConfig{Name: "H", Event: evH, Priority: 11, PID: 2,
		Fn: func(ctx *Context, _ uintptr) error { hAt = ctx.Now(); return nil }})
	require.NoError(t, k.Start())

	ticks(t, k, 8)
	assert.Equal(t, uint(10), inCeiling)
	assert.Equal(t, uint32(2), hAt)
	assert.Equal(t, uint32(5), mAt)
}

func TestPriorityCeilingBadArguments(t *testing.T) {
	tests := []struct {
		name string
		fn   TaskFunc
	}{
		{"above lockable", func(ctx *Context, _ uintptr) error {
			ctx.SuspendAllTasksByPriority(11)
			return nil
		}},
		{"below static priority", func(ctx *Context, _ uintptr) error {
			ctx.ResumeAllTasksByPriority(1)
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t)
			ev := mustEvent(t, k, EventConfig{PeriodMs: 10})
			mustTask(t, k, TaskConfig{Event: ev, Priority: 3, PID: 2, Fn: tt.fn})
			require.NoError(t, k.Start())
			ticks(t, k, 1)
			assert.Equal(t, uint32(1), k.Processes().ErrorCount(2, FaultSysCallBadArg))
		})
	}
}

func TestDeadlineBudget(t *testing.T) {
	tests := []struct {
		name    string
		consume uint32
		want    uint32
	}{
		{"exactly budget", 3, 0},
		{"budget plus one", 4, 1},
		{"far beyond", 50, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t)
			ev := mustEvent(t, k, EventConfig{PeriodMs: 100})
			other := mustEvent(t, k, EventConfig{PeriodMs: 1})
			var done bool
			mustTask(t, k, TaskConfig{Event: ev, Priority: 2, PID: 1, BudgetMs: 3,
				Fn: func(ctx *Context, _ uintptr) error {
					ctx.Consume(tt.consume)
					done = true
					return nil
				}})
			mustTask(t, k, TaskConfig{Event: other, Priority: 1, PID: 2, Fn: nop})
			require.NoError(t, k.Start())

			ticks(t, k, 60)
			assert.Equal(t, tt.want, k.Processes().ErrorCount(1, FaultDeadline))
			assert.Equal(t, tt.want == 0, done)
			assert.Zero(t, k.Processes().TotalErrors(2))
		})
	}
}

func TestDeadlineCountsPreemptedTime(t *testing.T) {
	k := newTestKernel(t)
	evLow := mustEvent(t, k, EventConfig{PeriodMs: 100})
	evHigh := mustEvent(t, k, EventConfig{PeriodMs: 100, FirstActivationMs: 1})
	mustTask(t, k, TaskConfig{Name: "low", Event: evLow, Priority: 1, PID: 1, BudgetMs: 3,
		Fn: func(ctx *Context, _ uintptr) error { ctx.Consume(2); return nil }})
	mustTask(t, k, TaskConfig{Name: "high", Event: evHigh, Priority: 5, PID: 2,
		Fn: func(ctx *Context, _ uintptr) error { ctx.Consume(5); return nil }})
	require.NoError(t, k.Start())

	ticks(t, k, 10)
	assert.Equal(t, uint32(1), k.Processes().ErrorCount(1, FaultDeadline))
	assert.Zero(t, k.Processes().TotalErrors(2))
}

func TestDoubleFaultWhileAborting(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{PeriodMs: 100})
	mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1, BudgetMs: 2,
		Fn: func(ctx *Context, _ uintptr) error {
			defer func() { panic("cleanup failed") }()
			ctx.Consume(10)
			return nil
		}})
	require.NoError(t, k.Start())

	ticks(t, k, 5)
	assert.Equal(t, uint32(1), k.DoubleFaults(FaultDeadline))
	assert.Equal(t, uint32(1), k.Processes().ErrorCount(1, FaultDeadline))
	assert.Zero(t, k.Processes().ErrorCount(1, FaultPanic))
	assert.False(t, k.Halted())
}

func TestProcessSuspension(t *testing.T) {
	k := newTestKernel(t)
	evVictim := mustEvent(t, k, EventConfig{Name: "victim", PeriodMs: 100})
	evSup := mustEvent(t, k, EventConfig{Name: "supervisor", PeriodMs: 100, FirstActivationMs: 3})
	evTop := mustEvent(t, k, EventConfig{Name: "top", PeriodMs: 100})

	var victimDone bool
	victim := mustTask(t, k, TaskConfig{Name: "victim", Event: evVictim, Priority: 1, PID: 2,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.Consume(50)
			victimDone = true
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "supervisor", Event: evSup, Priority: 4, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.SuspendProcess(2)
			return nil
		}})
	mustTask(t, k, TaskConfig{Name: "top", Event: evTop, Priority: 1, PID: 3, Fn: nop})
	procs := k.Processes()
	require.NoError(t, procs.GrantPermissionSuspendProcess(1, 2))
	require.NoError(t, k.Start())

	ticks(t, k, 4)
	assert.True(t, procs.IsSuspended(2))
	assert.False(t, victimDone)
	assert.Equal(t, TaskIdle, k.TaskState(victim))
	assert.Equal(t, uint32(1), procs.ErrorCount(2, FaultProcessAbort))
	assert.Zero(t, procs.TotalErrors(1))

	// Activations of a suspended process are skipped.
	ok, err := k.TriggerEvent(evVictim, 0, Ordinary)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Poll())
	assert.Equal(t, uint32(2), procs.ErrorCount(2, FaultProcessAbort))

	require.NoError(t, procs.ResetError(2))
	assert.False(t, procs.IsSuspended(2))
	_, faulted := procs.LastFault(2)
	assert.False(t, faulted)
	assert.Equal(t, uint32(2), procs.TotalErrors(2))
}

func TestSuspendProcessWithoutPermission(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{PeriodMs: 10})
	mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 1,
		Fn: func(ctx *Context, _ uintptr) error { ctx.SuspendProcess(2); return nil }})
	mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 3, Fn: nop})
	require.NoError(t, k.Start())

	ticks(t, k, 1)
	assert.Equal(t, uint32(1), k.Processes().ErrorCount(1, FaultSysCallBadArg))
	assert.False(t, k.Processes().IsSuspended(2))
}

func TestAssertContinueStoreFirst(t *testing.T) {
	h := assertion.New(assertion.ModeContinueStoreFirst)
	k := newTestKernel(t, WithAssertions(h))
	ev := mustEvent(t, k, EventConfig{PeriodMs: 10})
	evOther := mustEvent(t, k, EventConfig{PeriodMs: 1})

	var reached bool
	mustTask(t, k, TaskConfig{Name: "faulty", Event: ev, Priority: 1, PID: 1, BudgetMs: 5,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.Assert(ctx.Now() > 1000, "now > 1000")
			reached = true
			return nil
		}})
	var otherRuns int
	mustTask(t, k, TaskConfig{Name: "other", Event: evOther, Priority: 3, PID: 2,
		Fn: func(*Context, uintptr) error { otherRuns++; return nil }})
	require.NoError(t, k.Start())

	ticks(t, k, 1)
	first, ok := h.Record()
	require.True(t, ok)
	assert.Equal(t, uint32(1), h.Count())

	ticks(t, k, 19)
	assert.False(t, reached)
	assert.Equal(t, uint32(2), h.Count())
	rec, ok := h.Record()
	require.True(t, ok)
	assert.Equal(t, first, rec)
	assert.Equal(t, "now > 1000", rec.Expr)
	assert.Contains(t, rec.File, "kernel_test.go")
	assert.Equal(t, uint(1), h.MaxPID())
	assert.Equal(t, uint32(2), k.Processes().ErrorCount(1, FaultDeadline))
	assert.Equal(t, 20, otherRuns)
	assert.False(t, k.Halted())
}

func TestAssertHaltMode(t *testing.T) {
	h := assertion.New(assertion.ModeHalt)
	k := newTestKernel(t, WithAssertions(h))
	ev := mustEvent(t, k, EventConfig{PeriodMs: 1})
	mustTask(t, k, TaskConfig{Event: ev, Priority: 1, PID: 2,
		Fn: func(ctx *Context, _ uintptr) error {
			ctx.Assert(false, "unreachable")
			return nil
		}})
	require.NoError(t, k.Start())

	require.ErrorIs(t, k.Tick(), ErrHalted)
	info, ok := k.HaltInfo()
	require.True(t, ok)
	assert.Contains(t, info.Reason, "unreachable")
	assert.Equal(t, uint32(1), h.Count())
}

func TestStatsSnapshot(t *testing.T) {
	k := newTestKernel(t)
	ev := mustEvent(t, k, EventConfig{Name: "cyc", PeriodMs: 2})
	mustTask(t, k, TaskConfig{Name: "t", Event: ev, Priority: 1, PID: 1, Fn: nop})
	require.NoError(t, k.Start())
	ticks(t, k, 5)

	s := k.Stats()
	assert.Equal(t, CoreID(0), s.Core)
	assert.Equal(t, uint32(4), s.Now)
	require.Len(t, s.Events, 1)
	assert.Equal(t, "cyc", s.Events[0].Name)
	assert.Equal(t, uint32(3), s.Events[0].Fired)
	require.Len(t, s.Tasks, 1)
	assert.Equal(t, uint32(3), s.Tasks[0].Completed)

	id, ok := k.EventID("cyc")
	require.True(t, ok)
	assert.Equal(t, ev, id)
}

func TestAllowedTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskIdle, TaskPending, true},
		{TaskIdle, TaskRunning, false},
		{TaskPending, TaskRunning, true},
		{TaskPending, TaskIdle, true},
		{TaskRunning, TaskPending, true},
		{TaskRunning, TaskIdle, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isAllowedTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
