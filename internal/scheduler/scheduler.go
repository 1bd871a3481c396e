// Package scheduler implements the timed-event engine that drives rule
// start/stop, export pushes, flow idle timeouts, and metric-module timers
// (spec §5 "Event Scheduler").
//
// Grounded on _examples/original_source/src/netmate/EventScheduler.{h,cc}:
// a single ordered queue of events, each carrying an expiry time and an
// optional recurrence interval, with bulk cancellation by owning rule id.
//
// Redesign: the original keeps events in a std::multimap ordered only by
// timeval, leaving same-time ties to the container's insertion order; this
// implementation adds an explicit monotonically increasing sequence number
// as a tie-break so the ordering is a strict total order over
// (timestamp, insertion index), and waking a blocked scheduler loop uses a
// buffered Go channel rather than the original's self-pipe file descriptor
// trick — select over a channel is the native non-blocking-wakeup
// primitive Go's runtime already provides.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Kind names the event classes the scheduler carries, per spec §5.
type Kind int

const (
	KindRuleStart Kind = iota
	KindRuleStop
	KindExportPush
	KindFlowTimeout
	KindModuleTimer
)

func (k Kind) String() string {
	switch k {
	case KindRuleStart:
		return "rule-start"
	case KindRuleStop:
		return "rule-stop"
	case KindExportPush:
		return "export-push"
	case KindFlowTimeout:
		return "flow-timeout"
	case KindModuleTimer:
		return "module-timer"
	default:
		return "unknown"
	}
}

// Handler is invoked when an Event fires.
type Handler func(ev *Event)

// Event is one scheduled action. Recur, when non-zero, re-arms the event
// that many nanoseconds after the firing time rather than removing it.
type Event struct {
	When   time.Time
	Kind   Kind
	RuleID uint32
	Recur  time.Duration
	Handle Handler

	seq       uint64
	index     int
	cancelled bool
	tracked   bool
}

type eventHeap []*Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if !h[i].When.Equal(h[j].When) {
		return h[i].When.Before(h[j].When)
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *eventHeap) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*h)
	*h = append(*h, ev)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*h = old[:n-1]
	return ev
}

// Clock abstracts wall-clock time so offline trace replay can drive the
// scheduler from packet timestamps instead of the system clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// OfflineClock is a Clock driven by Advance, used when replaying a capture
// file: the scheduler fires against packet timestamps, not wall time.
type OfflineClock struct {
	mu  sync.Mutex
	cur time.Time
}

// NewOfflineClock returns a Clock initialized to start.
func NewOfflineClock(start time.Time) *OfflineClock {
	return &OfflineClock{cur: start}
}

// Now returns the current offline time.
func (c *OfflineClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Advance moves the offline clock forward to t. A t earlier than the
// current time is ignored — spec §4.2's reordering-drop policy means the
// caller never needs to move the clock backwards.
func (c *OfflineClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.cur) {
		c.cur = t
	}
}

// Scheduler orders Events by (When, insertion sequence) and fires each
// due Handler from Run's goroutine, one at a time, in that order.
type Scheduler struct {
	mu     sync.Mutex
	heap   eventHeap
	seq    uint64
	byRule map[uint32][]*Event
	clock  Clock
	wake   chan struct{}
}

// New constructs a Scheduler driven by the system clock.
func New() *Scheduler {
	return NewWithClock(systemClock{})
}

// NewWithClock constructs a Scheduler driven by an arbitrary Clock (an
// OfflineClock for trace replay).
func NewWithClock(clock Clock) *Scheduler {
	return &Scheduler{
		byRule: make(map[uint32][]*Event),
		clock:  clock,
		wake:   make(chan struct{}, 1),
	}
}

// AddEvent schedules ev, assigning it the next sequence number so ties at
// the same timestamp resolve in insertion order (spec §5 "strict total
// order over (timestamp, insertion index)").
func (s *Scheduler) AddEvent(ev *Event) {
	s.mu.Lock()
	s.seq++
	ev.seq = s.seq
	ev.cancelled = false
	heap.Push(&s.heap, ev)
	if ev.RuleID != 0 && !ev.tracked {
		s.byRule[ev.RuleID] = append(s.byRule[ev.RuleID], ev)
		ev.tracked = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel marks a single previously scheduled event as cancelled; it is
// skipped (not fired, not recurred) the next time it would be popped, and
// a future AddEvent receiving the same *Event re-arms it. Used to
// reschedule a per-flow idle timeout without disturbing the rest of its
// rule's events.
func (s *Scheduler) Cancel(ev *Event) {
	s.mu.Lock()
	ev.cancelled = true
	s.mu.Unlock()
}

// DelRuleEvents cancels every pending event owned by ruleID. Cancelled
// events are skipped when popped rather than removed from the heap
// in-place, keeping cancellation O(events for that rule).
func (s *Scheduler) DelRuleEvents(ruleID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.byRule[ruleID] {
		ev.cancelled = true
	}
	delete(s.byRule, ruleID)
}

// AdvanceClock moves an OfflineClock forward and wakes Run so it
// re-evaluates due events against the new time immediately rather than
// waiting for the stale real-time timer set under the old time. It is a
// no-op if the scheduler is not using an OfflineClock.
func (s *Scheduler) AdvanceClock(t time.Time) {
	if oc, ok := s.clock.(*OfflineClock); ok {
		oc.Advance(t)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Now returns the scheduler's current clock time (wall time, or the
// replayed timestamp under an OfflineClock), for callers that need to
// compute an initial fire time relative to "now" the same way the
// scheduler itself sees it.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// NextEventTime returns the time of the earliest pending event and true,
// or the zero time and false if the queue is empty.
func (s *Scheduler) NextEventTime() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].When, true
}

// Run blocks, firing due events in order until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Hour
	}
	d := s.heap[0].When.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) fireDue() {
	now := s.clock.Now()

	var due []*Event
	s.mu.Lock()
	for s.heap.Len() > 0 && !s.heap[0].When.After(now) {
		due = append(due, heap.Pop(&s.heap).(*Event))
	}
	s.mu.Unlock()

	for _, ev := range due {
		if ev.cancelled {
			continue
		}
		if ev.Handle != nil {
			ev.Handle(ev)
		}
		if ev.Recur > 0 && !ev.cancelled {
			ev.When = ev.When.Add(ev.Recur)
			s.AddEvent(ev)
		}
	}
}
