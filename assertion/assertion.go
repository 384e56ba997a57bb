// Package assertion implements the kernel's assert facility: a failing
// assertion never returns normally. Depending on the mode it halts the system
// or parks the failing user task until its deadline monitor aborts it, while
// the failure is counted and its location stored for inspection.
package assertion

import (
	"math"
	"runtime"
	"sync"
)

// Mode selects the reaction to a failing assertion.
type Mode uint8

const (
	// ModeHalt halts all execution on the first failure.
	ModeHalt Mode = iota
	// ModeContinueStoreFirst keeps the first failure location.
	ModeContinueStoreFirst
	// ModeContinueStoreLast keeps the most recent failure location.
	ModeContinueStoreLast
)

func (m Mode) String() string {
	switch m {
	case ModeHalt:
		return "halt"
	case ModeContinueStoreFirst:
		return "continue-store-first"
	case ModeContinueStoreLast:
		return "continue-store-last"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeHalt, ModeContinueStoreFirst, ModeContinueStoreLast} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeHalt, false
}

// Outcome is what the caller of Fail has to do next.
type Outcome uint8

const (
	// OutcomeHalt: stop the system.
	OutcomeHalt Outcome = iota
	// OutcomeSpin: park the failing task in a wait bounded by its deadline.
	OutcomeSpin
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHalt:
		return "halt"
	case OutcomeSpin:
		return "spin"
	default:
		return "unknown"
	}
}

// Failure is the stored location and condition of a failed assertion.
type Failure struct {
	PID  uint
	File string
	Line int
	Func string
	Expr string
}

// Handler records assertion failures. It is shared by all cores and safe for
// concurrent use.
type Handler struct {
	mode Mode

	mu     sync.Mutex
	count  uint32
	maxPID uint
	record Failure
	stored bool
}

// New returns a handler for mode.
func New(mode Mode) *Handler {
	return &Handler{mode: mode}
}

// Mode returns the configured mode.
func (h *Handler) Mode() Mode { return h.mode }

// Fail records a failed assertion raised by process pid (0 is OS code). skip
// is the number of stack frames between the caller of Fail and the code that
// asserted.
func (h *Handler) Fail(pid uint, skip int, expr string) Outcome {
	f := Failure{PID: pid, Expr: expr}
	if pc, file, line, ok := runtime.Caller(skip + 1); ok {
		f.File = file
		f.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			f.Func = fn.Name()
		}
	}

	h.mu.Lock()
	if h.count < math.MaxUint32 {
		h.count++
	}
	if pid > h.maxPID {
		h.maxPID = pid
	}
	if !h.stored || h.mode != ModeContinueStoreFirst {
		h.record = f
		h.stored = true
	}
	h.mu.Unlock()

	if h.mode == ModeHalt || pid == 0 {
		return OutcomeHalt
	}
	return OutcomeSpin
}

// Count returns the number of failed assertions. It saturates.
func (h *Handler) Count() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Record returns the stored failure, if any.
func (h *Handler) Record() (Failure, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record, h.stored
}

// MaxPID returns the highest process ID that failed an assertion.
func (h *Handler) MaxPID() uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxPID
}

// Reset clears all records.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count = 0
	h.maxPID = 0
	h.record = Failure{}
	h.stored = false
}
