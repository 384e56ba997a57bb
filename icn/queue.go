package icn

import "sync/atomic"

// MaxQueueDepth bounds the parameter latch of a notification.
const MaxQueueDepth = 64

type slot struct {
	seq atomic.Uint64
	val uintptr
}

// latch is a fixed-size multi-producer, single-consumer queue of notification
// parameters. Producers never block and never allocate; a full latch rejects
// the value. Depth one is a single-slot latch.
type latch struct {
	_     [0]func() // prevent accidental copying.
	head  atomic.Uint64
	tail  atomic.Uint64
	slots []slot
}

// Slot sequence numbers count in half steps: position p is free for a
// producer at 2p and holds a published value at 2p+1. A single-slot latch
// thus never mistakes its own published value for the next free position.
func newLatch(depth int) *latch {
	l := &latch{slots: make([]slot, depth)}
	for i := range l.slots {
		l.slots[i].seq.Store(2 * uint64(i))
	}
	return l
}

// TrySend attempts to enqueue v, returning false if the latch is full.
func (l *latch) TrySend(v uintptr) bool {
	n := uint64(len(l.slots))
	for {
		head := l.head.Load()
		s := &l.slots[head%n]
		seq := s.seq.Load()
		switch diff := int64(seq - 2*head); {
		case diff == 0:
			// Reserve the slot, then publish the value through seq.
			if l.head.CompareAndSwap(head, head+1) {
				s.val = v
				s.seq.Store(2*head + 1)
				return true
			}
		case diff < 0:
			return false
		}
	}
}

// TryRecv attempts to dequeue one value, returning false if empty. Only one
// goroutine may receive.
func (l *latch) TryRecv() (uintptr, bool) {
	n := uint64(len(l.slots))
	tail := l.tail.Load()
	s := &l.slots[tail%n]
	if s.seq.Load() != 2*tail+1 {
		return 0, false
	}
	v := s.val
	s.seq.Store(2 * (tail + n))
	l.tail.Store(tail + 1)
	return v, true
}

// Len returns the number of reserved slots, including values still being
// published.
func (l *latch) Len() int {
	return int(l.head.Load() - l.tail.Load())
}
