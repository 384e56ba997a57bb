package kernel

import "go.uber.org/zap"

// chargeTop accounts the elapsed tick period to the frame that owned the CPU
// during it.
func (k *Kernel) chargeTop() {
	f := k.top()
	if f == nil || f.remaining == 0 || f.remaining == spinForever {
		return
	}
	if f.remaining <= k.step {
		f.remaining = 0
		return
	}
	f.remaining -= k.step
}

// overrun reports whether f exceeded its budget at time now. The budget is
// measured in world time from the start of the activation, so time spent
// preempted counts.
func (f *frame) overrun(now uint32) bool {
	b := f.t.budget
	return b > 0 && now-f.start > b
}

// checkDeadlines aborts every in-flight activation that exceeded its budget
// and reports a deadline fault to its process. Frames are visited from the
// top, so a function run with RunTask is charged before its caller.
func (k *Kernel) checkDeadlines(now uint32) {
	var expired []*frame
	for i := len(k.stack) - 1; i >= 0; i-- {
		if f := k.stack[i]; f.overrun(now) {
			expired = append(expired, f)
		}
	}
	for _, f := range expired {
		if k.Halted() {
			return
		}
		if f.finished {
			continue
		}
		k.log.Warn("deadline exceeded",
			zap.String("task", f.t.name),
			zap.Uint8("pid", uint8(f.t.pid)),
			zap.Uint32("budget", f.t.budget),
			zap.Uint32("elapsed", now-f.start),
		)
		k.abortFrame(f, FaultDeadline)
	}
}
