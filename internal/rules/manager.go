// Package rules implements the rule lifecycle manager: validation,
// dense id allocation, activation/deactivation scheduling, and the
// control-channel task operations built on top of it (spec §3 "Rule
// lifecycle", §4.3 scheduling, §6 "add_task"/"rm_task"/"get_info").
//
// Grounded on _examples/original_source/src/netmate/{RuleManager,
// RuleIdSource}.{h,cc} for the id pool and set-indexed rule database, and
// on EventScheduler.h for activation/deactivation timing.
package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/scheduler"
)

// FlowIdleTimeoutDefault mirrors the original source's FLOW_IDLE_TIMEOUT.
// Manager does not apply it: a Rule with IdleTimeoutMS 0 keeps no idle
// timeout.
const FlowIdleTimeoutDefault = 30 * time.Second

// Manager owns the rule database: it validates incoming rules, allocates
// dense reusable ids, and drives classifier installation/removal from the
// scheduler at each rule's Start/Stop boundary.
type Manager struct {
	mu         sync.RWMutex
	classifier classifier.Classifier
	sched      *scheduler.Scheduler

	rules   map[uint32]*classifier.Rule
	nextID  uint32
	freeIDs []uint32

	// OnActivate/OnDeactivate let the packet processor and exporter learn
	// about a rule's lifecycle transitions without the manager importing
	// them directly.
	OnActivate   func(r *classifier.Rule)
	OnDeactivate func(r *classifier.Rule)
}

// NewManager constructs a Manager backed by the given classifier back-end
// and scheduler.
func NewManager(c classifier.Classifier, sched *scheduler.Scheduler) *Manager {
	return &Manager{
		classifier: c,
		sched:      sched,
		rules:      make(map[uint32]*classifier.Rule),
		nextID:     1,
	}
}

func (m *Manager) allocID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freeIDs); n > 0 {
		id := m.freeIDs[n-1]
		m.freeIDs = m.freeIDs[:n-1]
		return id
	}
	id := m.nextID
	m.nextID++
	return id
}

func (m *Manager) releaseID(id uint32) {
	m.mu.Lock()
	m.freeIDs = append(m.freeIDs, id)
	m.mu.Unlock()
}

// AddTask validates r, assigns it an id if it doesn't already have one,
// and either installs it immediately (if its window has already started)
// or schedules its activation/deactivation, per spec §3's New -> Valid ->
// Scheduled -> Active -> Done lifecycle.
func (m *Manager) AddTask(r *classifier.Rule, now time.Time) error {
	if r.ID == 0 {
		r.ID = m.allocID()
	}
	r.State = classifier.StateNew
	if err := r.Validate(); err != nil {
		r.State = classifier.StateError
		return fmt.Errorf("rule %d: %w", r.ID, err)
	}
	r.State = classifier.StateValid

	m.mu.Lock()
	if _, exists := m.rules[r.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("rule %d already exists", r.ID)
	}
	m.rules[r.ID] = r
	m.mu.Unlock()

	nowUS := now.UnixMicro()
	switch {
	case r.ActiveAt(nowUS):
		if err := m.activate(r); err != nil {
			return err
		}
	case nowUS < r.Start:
		r.State = classifier.StateScheduled
		m.sched.AddEvent(&scheduler.Event{
			When:   time.UnixMicro(r.Start),
			Kind:   scheduler.KindRuleStart,
			RuleID: r.ID,
			Handle: func(ev *scheduler.Event) { _ = m.activate(r) },
		})
	default:
		// Start <= now but Stop <= now too: the window has already
		// closed. Record it as done without ever activating.
		r.State = classifier.StateDone
	}

	if r.Stop != 0 && r.State != classifier.StateDone {
		m.sched.AddEvent(&scheduler.Event{
			When:   time.UnixMicro(r.Stop),
			Kind:   scheduler.KindRuleStop,
			RuleID: r.ID,
			Handle: func(ev *scheduler.Event) { _ = m.deactivate(r, true) },
		})
	}
	return nil
}

func (m *Manager) activate(r *classifier.Rule) error {
	if err := m.classifier.AddRule(r); err != nil {
		r.State = classifier.StateError
		return err
	}
	r.State = classifier.StateActive
	if m.OnActivate != nil {
		m.OnActivate(r)
	}
	return nil
}

func (m *Manager) deactivate(r *classifier.Rule, done bool) error {
	m.mu.RLock()
	_, exists := m.rules[r.ID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	if r.State == classifier.StateActive {
		if err := m.classifier.DelRule(r.ID); err != nil {
			return err
		}
	}
	m.sched.DelRuleEvents(r.ID)

	if m.OnDeactivate != nil {
		m.OnDeactivate(r)
	}

	if done {
		r.State = classifier.StateDone
		m.mu.Lock()
		delete(m.rules, r.ID)
		m.mu.Unlock()
		m.releaseID(r.ID)
	}
	return nil
}

// RmTask removes a rule immediately regardless of its lifecycle state
// (spec §6 "rm_task").
func (m *Manager) RmTask(id uint32) error {
	m.mu.RLock()
	r, exists := m.rules[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("rule %d not found", id)
	}
	return m.deactivate(r, true)
}

// GetInfo returns every installed rule, sorted by id (spec §6 "get_info").
func (m *Manager) GetInfo() []*classifier.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*classifier.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the rule installed under id, if any.
func (m *Manager) Get(id uint32) (*classifier.Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// Match returns every installed rule whose set name matches the glob
// pattern, sorted by id. This generalizes the original task-addressing
// scheme (exact "source.name" lookups) to shell-style wildcards so a
// single control request can target a whole rule set.
func (m *Manager) Match(pattern string) ([]*classifier.Rule, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*classifier.Rule
	for _, r := range m.rules {
		if g.Match(r.SetName) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
