// Package metrics exports the kernel counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"safertos/assertion"
	"safertos/icn"
	"safertos/kernel"
)

const namespace = "safertos"

// Source provides the counters of a running system.
type Source interface {
	CoreStats() []kernel.Stats
	Processes() *kernel.ProcessTable
	Notifications() *icn.Driver
	Asserts() *assertion.Handler
}

// Collector implements prometheus.Collector over a Source. All values are
// read at scrape time.
type Collector struct {
	src Source

	now            *prometheus.Desc
	halted         *prometheus.Desc
	eventFired     *prometheus.Desc
	eventLost      *prometheus.Desc
	taskCompleted  *prometheus.Desc
	taskAborted    *prometheus.Desc
	taskLost       *prometheus.Desc
	doubleFaults   *prometheus.Desc
	processErrors  *prometheus.Desc
	suspended      *prometheus.Desc
	notifySent     *prometheus.Desc
	notifyLost     *prometheus.Desc
	notifyDeliver  *prometheus.Desc
	notifyActLoss  *prometheus.Desc
	assertFailures *prometheus.Desc
}

// NewCollector returns a collector for src.
func NewCollector(src Source) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:            src,
		now:            desc("clock_ms", "Logical clock of the core.", "core"),
		halted:         desc("core_halted", "1 if the core is halted.", "core"),
		eventFired:     desc("event_activations_total", "Event triggers that activated every task.", "core", "event"),
		eventLost:      desc("event_activation_loss_total", "Event triggers that lost at least one task activation.", "core", "event"),
		taskCompleted:  desc("task_completed_total", "Task activations that ran to completion.", "core", "task", "pid"),
		taskAborted:    desc("task_aborted_total", "Task activations aborted by a fault.", "core", "task", "pid"),
		taskLost:       desc("task_activation_loss_total", "Lost activations of the task.", "core", "task", "pid"),
		doubleFaults:   desc("double_faults_total", "Faults raised while aborting a task.", "core", "kind"),
		processErrors:  desc("process_errors_total", "Errors recorded for the process.", "pid", "kind"),
		suspended:      desc("process_suspended", "1 if the process is suspended.", "pid"),
		notifySent:     desc("notification_sent_total", "Send calls of the notification.", "notification"),
		notifyLost:     desc("notification_lost_total", "Sends rejected by a full latch.", "notification"),
		notifyDeliver:  desc("notification_delivered_total", "Parameters delivered on the target core.", "notification"),
		notifyActLoss:  desc("notification_activation_loss_total", "Deliveries that lost an event activation.", "notification"),
		assertFailures: desc("assertion_failures_total", "Failed assertions."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.now, c.halted, c.eventFired, c.eventLost, c.taskCompleted, c.taskAborted, c.taskLost,
		c.doubleFaults, c.processErrors, c.suspended, c.notifySent, c.notifyLost, c.notifyDeliver,
		c.notifyActLoss, c.assertFailures,
	} {
		ch <- d
	}
}

func counter(d *prometheus.Desc, v uint32, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
}

func gauge(d *prometheus.Desc, v float64, labels ...string) prometheus.Metric {
	return prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.CoreStats() {
		core := strconv.Itoa(int(s.Core))
		ch <- gauge(c.now, float64(s.Now), core)
		ch <- gauge(c.halted, boolValue(s.Halted), core)
		for _, ev := range s.Events {
			ch <- counter(c.eventFired, ev.Fired, core, ev.Name)
			ch <- counter(c.eventLost, ev.Lost, core, ev.Name)
		}
		for _, t := range s.Tasks {
			pid := strconv.Itoa(int(t.PID))
			ch <- counter(c.taskCompleted, t.Completed, core, t.Name, pid)
			ch <- counter(c.taskAborted, t.Aborted, core, t.Name, pid)
			ch <- counter(c.taskLost, t.Lost, core, t.Name, pid)
		}
		for kind, n := range s.DoubleFaults {
			ch <- counter(c.doubleFaults, n, core, kernel.FaultKind(kind).String())
		}
	}

	procs := c.src.Processes()
	for pid := kernel.PID(1); int(pid) <= procs.Len(); pid++ {
		p := strconv.Itoa(int(pid))
		for kind := kernel.FaultKind(0); kind < kernel.NumFaultKinds; kind++ {
			ch <- counter(c.processErrors, procs.ErrorCount(pid, kind), p, kind.String())
		}
		ch <- gauge(c.suspended, boolValue(procs.IsSuspended(pid)), p)
	}

	if d := c.src.Notifications(); d != nil {
		for id := 0; id < d.Len(); id++ {
			st := d.Stats(icn.ID(id))
			ch <- counter(c.notifySent, st.Sent, st.Name)
			ch <- counter(c.notifyLost, st.Lost, st.Name)
			ch <- counter(c.notifyDeliver, st.Delivered, st.Name)
			ch <- counter(c.notifyActLoss, st.ActivationLoss, st.Name)
		}
	}

	if a := c.src.Asserts(); a != nil {
		ch <- counter(c.assertFailures, a.Count())
	}
}
