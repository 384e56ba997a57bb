package icn

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"safertos/kernel"
)

type counter struct{ v atomic.Uint32 }

func (c *counter) inc() {
	for {
		v := c.v.Load()
		if v == math.MaxUint32 || c.v.CompareAndSwap(v, v+1) {
			return
		}
	}
}

func (c *counter) load() uint32 { return c.v.Load() }

type notification struct {
	id     ID
	cfg    Notification
	k      *kernel.Kernel
	vector uint
	q      *latch

	sent           counter
	lost           counter
	delivered      counter
	activationLoss counter
}

// Stats holds the counters of one notification.
type Stats struct {
	Name string
	// Sent counts all Send calls.
	Sent uint32
	// Lost counts sends rejected because the latch was full.
	Lost uint32
	// Delivered counts parameters processed by the handler.
	Delivered uint32
	// ActivationLoss counts deliveries that lost at least one event
	// activation on the target core.
	ActivationLoss uint32
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger. The default discards all output.
func WithLogger(log *zap.Logger) Option {
	return func(d *Driver) {
		if log != nil {
			d.log = log
		}
	}
}

// Driver delivers notifications between the kernels of a system. Send is
// safe for concurrent use.
type Driver struct {
	notes []*notification
	log   *zap.Logger
}

// New validates the notifications and installs their interrupt handlers on
// the target kernels. It must be called after the events were created and
// before the kernels are started. Notifications get the software interrupt
// vectors of their target core in configuration order.
//
// A notification with events needs a target core that runs the scheduler. A
// callback-only notification may target any core; cores that are not started
// must have their interrupts serviced with Kernel.ServiceInterrupts.
func New(notes []Notification, kernels []*kernel.Kernel, opts ...Option) (*Driver, error) {
	d := &Driver{log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}

	cores := make([]kernel.CoreConfig, len(kernels))
	for i, k := range kernels {
		cores[i] = k.Config()
	}
	if err := Validate(notes, cores); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	var errs []error
	next := make(map[kernel.CoreID]uint)
	for i, cfg := range notes {
		k := kernels[cfg.TargetCore]
		if len(cfg.Events) > 0 && k.NumEvents() == 0 {
			errs = append(errs, fmt.Errorf("notification %d (%s): core %d: %w",
				i, cfg.Name, cfg.TargetCore, ErrActionRequiresScheduler))
		}
		for _, tg := range cfg.Events {
			if int(tg.Event) >= k.NumEvents() {
				errs = append(errs, fmt.Errorf("notification %d (%s): event %d on core %d: %w",
					i, cfg.Name, tg.Event, cfg.TargetCore, ErrBadEventID))
			}
		}
		n := &notification{
			id:     ID(i),
			cfg:    cfg,
			k:      k,
			vector: next[cfg.TargetCore],
			q:      newLatch(cfg.depth()),
		}
		next[cfg.TargetCore]++
		if err := k.RegisterInterruptHandler(n.vector, cfg.IRQPriority, n.handle); err != nil {
			errs = append(errs, fmt.Errorf("notification %d (%s): %w", i, cfg.Name, err))
		}
		d.notes = append(d.notes, n)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// handle runs on the target core as interrupt service routine. Every latched
// parameter is delivered: callback first, then the events in configured
// order.
func (n *notification) handle(k *kernel.Kernel) {
	for {
		param, ok := n.q.TryRecv()
		if !ok {
			return
		}
		if n.cfg.Callback != nil {
			n.cfg.Callback(k, param)
		}
		allActivated := true
		for _, tg := range n.cfg.Events {
			// Event IDs were checked in New.
			activated, _ := k.TriggerEvent(tg.Event, param, tg.Activation)
			if !activated {
				allActivated = false
			}
		}
		if !allActivated {
			n.activationLoss.inc()
		}
		n.delivered.inc()
	}
}

func (d *Driver) lookup(id ID) *notification {
	if int(id) >= len(d.notes) {
		return nil
	}
	return d.notes[id]
}

// Send signals notification id with param. It never blocks: the parameter is
// latched and the interrupt raised on the target core, or, with a full latch,
// the send is counted as lost and false is returned.
func (d *Driver) Send(id ID, param uintptr) bool {
	n := d.lookup(id)
	if n == nil {
		return false
	}
	n.sent.inc()
	if !n.q.TrySend(param) {
		n.lost.inc()
		d.log.Debug("notification lost",
			zap.String("notification", n.cfg.Name),
			zap.Uint32("lost", n.lost.load()),
		)
		return false
	}
	n.k.RaiseIRQ(n.vector)
	return true
}

// IsPending reports whether notification id was sent but not yet handled.
func (d *Driver) IsPending(id ID) bool {
	n := d.lookup(id)
	return n != nil && n.q.Len() > 0
}

// Lookup returns the notification with the given name.
func (d *Driver) Lookup(name string) (ID, bool) {
	for _, n := range d.notes {
		if n.cfg.Name == name {
			return n.id, true
		}
	}
	return 0, false
}

// Len returns the number of notifications.
func (d *Driver) Len() int { return len(d.notes) }

// Stats returns the counters of notification id.
func (d *Driver) Stats(id ID) Stats {
	n := d.lookup(id)
	if n == nil {
		return Stats{}
	}
	return Stats{
		Name:           n.cfg.Name,
		Sent:           n.sent.load(),
		Lost:           n.lost.load(),
		Delivered:      n.delivered.load(),
		ActivationLoss: n.activationLoss.load(),
	}
}
