package kernel

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// MaxIRQVectors is the number of software-settable interrupts per core.
const MaxIRQVectors = 32

// ISR is an interrupt service routine. It runs on the kernel goroutine of the
// target core with OS privileges.
type ISR func(k *Kernel)

type isrEntry struct {
	vector uint
	prio   uint
	fn     ISR
	count  counter
}

type irqController struct {
	pending atomic.Uint32
	entries [MaxIRQVectors]*isrEntry
	// Registered vectors by descending priority, ties by vector number.
	order []*isrEntry
	wake  chan struct{}
}

func (c *irqController) init() {
	c.wake = make(chan struct{}, 1)
}

// RegisterInterruptHandler installs isr on a software-settable vector. The
// priority must be below the kernel's own IRQ priority.
func (k *Kernel) RegisterInterruptHandler(vector, prio uint, isr ISR) error {
	if k.started.Load() {
		return fmt.Errorf("register isr %d: %w", vector, ErrKernelRunning)
	}
	if vector >= MaxIRQVectors {
		return fmt.Errorf("register isr %d: %w", vector, ErrBadIRQVector)
	}
	if isr == nil {
		return fmt.Errorf("register isr %d: %w", vector, ErrBadTaskFunction)
	}
	if prio < 1 || prio >= k.cfg.KernelIRQPriority {
		return fmt.Errorf("register isr %d: priority %d not in [1, %d): %w",
			vector, prio, k.cfg.KernelIRQPriority, ErrBadIRQPriority)
	}
	c := &k.irqs
	if c.entries[vector] != nil {
		return fmt.Errorf("register isr %d: %w", vector, ErrIRQVectorInUse)
	}
	e := &isrEntry{vector: vector, prio: prio, fn: isr}
	c.entries[vector] = e
	c.order = append(c.order, e)
	sort.SliceStable(c.order, func(i, j int) bool {
		if c.order[i].prio != c.order[j].prio {
			return c.order[i].prio > c.order[j].prio
		}
		return c.order[i].vector < c.order[j].vector
	})
	return nil
}

// RaiseIRQ requests the interrupt on vector. It never blocks and may be
// called from any goroutine; the ISR runs at the next kernel entry of this
// core. Raising an already pending interrupt has no additional effect.
// Vectors without handler are rejected.
func (k *Kernel) RaiseIRQ(vector uint) bool {
	if vector >= MaxIRQVectors || k.irqs.entries[vector] == nil {
		return false
	}
	c := &k.irqs
	bit := uint32(1) << vector
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|bit) {
			break
		}
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

// IRQPending reports whether vector is raised but not serviced yet.
func (k *Kernel) IRQPending(vector uint) bool {
	if vector >= MaxIRQVectors {
		return false
	}
	return k.irqs.pending.Load()&(1<<vector) != 0
}

// Wake returns a channel signalled whenever an interrupt is raised. Drivers
// waiting for the next timer tick use it to call Poll early.
func (k *Kernel) Wake() <-chan struct{} { return k.irqs.wake }

func (c *irqController) take(vector uint) bool {
	bit := uint32(1) << vector
	for {
		old := c.pending.Load()
		if old&bit == 0 {
			return false
		}
		if c.pending.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// serviceIRQs runs all pending ISRs in priority order. An ISR raising another
// interrupt gets it serviced in the same pass.
func (k *Kernel) serviceIRQs() {
	c := &k.irqs
	for c.pending.Load() != 0 && !k.Halted() {
		for _, e := range c.order {
			if !c.take(e.vector) {
				continue
			}
			e.count.inc()
			k.runISR(e)
			break
		}
	}
}

func (k *Kernel) runISR(e *isrEntry) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(haltSignal); ok {
				return
			}
			k.triggerHalt(HaltInfo{
				Reason: fmt.Sprintf("panic in isr %d", e.vector),
				Value:  r,
			})
		}
	}()
	e.fn(k)
}

// IRQCount returns how often the ISR of vector ran.
func (k *Kernel) IRQCount(vector uint) uint32 {
	if vector >= MaxIRQVectors || k.irqs.entries[vector] == nil {
		return 0
	}
	return k.irqs.entries[vector].count.load()
}

// ServiceInterrupts runs the pending ISRs of a core that does not run the
// scheduler, such as a core that only receives notification callbacks. On a
// started kernel it is Poll.
func (k *Kernel) ServiceInterrupts() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.Halted() {
		return ErrHalted
	}
	if k.started.Load() {
		k.dispatch()
	} else {
		k.serviceIRQs()
	}
	if k.Halted() {
		return ErrHalted
	}
	return nil
}

// HasInterruptHandlers reports whether any ISR is registered.
func (k *Kernel) HasInterruptHandlers() bool { return len(k.irqs.order) > 0 }
