// Package icn is the inter-core notification driver. A notification raises a
// software interrupt on its target core; the handler there invokes an
// optional callback and triggers a configured list of events, passing the
// parameter given by the sender to every activated task.
package icn

import (
	"errors"
	"fmt"

	"safertos/kernel"
)

// MaxSentEvents is the maximum number of events triggered by one notification.
const MaxSentEvents = 4

// Configuration errors.
var (
	ErrNoActionSpecified         = errors.New("notification has neither callback nor events")
	ErrBadCore                   = errors.New("bad target core")
	ErrBadIRQPriority            = errors.New("bad irq priority")
	ErrIRQPriorityNotBelowKernel = errors.New("irq priority not below kernel irq priority")
	ErrTooManyEvents             = errors.New("too many events per notification")
	ErrBadEventID                = errors.New("bad event id")
	ErrBadActivation             = errors.New("bad activation")
	ErrActionRequiresScheduler   = errors.New("events sent to a core without scheduler")
	ErrBadQueueDepth             = errors.New("bad queue depth")
	ErrTooManyNotifications      = errors.New("too many notifications")
)

// ID identifies a notification. It is its index in the configuration.
type ID uint8

// Target is one event triggered by a notification.
type Target struct {
	Event      kernel.EventID    `yaml:"event" mapstructure:"event"`
	Activation kernel.Activation `yaml:"activation" mapstructure:"activation"`
}

// Callback is invoked on the target core before the events are triggered.
// It is OS code: a panic or failed assertion halts the core.
type Callback func(k *kernel.Kernel, param uintptr)

// Notification configures one inter-core notification.
type Notification struct {
	Name        string
	TargetCore  kernel.CoreID
	IRQPriority uint
	Callback    Callback
	Events      []Target
	// QueueDepth is the number of parameters latched until the handler runs.
	// Zero means one (single slot).
	QueueDepth int
}

func (n Notification) depth() int {
	if n.QueueDepth == 0 {
		return 1
	}
	return n.QueueDepth
}

// Validate checks the static configuration against the core table. All
// violations are reported.
func Validate(notes []Notification, cores []kernel.CoreConfig) error {
	var errs []error
	if len(notes) > kernel.MaxIRQVectors {
		errs = append(errs, fmt.Errorf("%d notifications: %w", len(notes), ErrTooManyNotifications))
	}
	for i, n := range notes {
		if err := n.validate(cores); err != nil {
			errs = append(errs, fmt.Errorf("notification %d (%s): %w", i, n.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (n Notification) validate(cores []kernel.CoreConfig) error {
	if n.Callback == nil && len(n.Events) == 0 {
		return ErrNoActionSpecified
	}
	if int(n.TargetCore) >= len(cores) {
		return fmt.Errorf("core %d: %w", n.TargetCore, ErrBadCore)
	}
	if n.IRQPriority < 1 || n.IRQPriority > kernel.MaxIRQPriority {
		return fmt.Errorf("priority %d: %w", n.IRQPriority, ErrBadIRQPriority)
	}
	// A notification at or above the scheduler interrupt would void the
	// deadline monitoring of the target core.
	if kp := cores[n.TargetCore].KernelIRQPriority; n.IRQPriority >= kp {
		return fmt.Errorf("priority %d, kernel %d: %w", n.IRQPriority, kp, ErrIRQPriorityNotBelowKernel)
	}
	if len(n.Events) > MaxSentEvents {
		return fmt.Errorf("%d events: %w", len(n.Events), ErrTooManyEvents)
	}
	for _, tg := range n.Events {
		if tg.Activation != kernel.Ordinary && tg.Activation != kernel.Countable {
			return fmt.Errorf("event %d activation %d: %w", tg.Event, tg.Activation, ErrBadActivation)
		}
	}
	if d := n.depth(); d < 1 || d > MaxQueueDepth {
		return fmt.Errorf("depth %d: %w", n.QueueDepth, ErrBadQueueDepth)
	}
	return nil
}
