// Package processor implements the packet processing pipeline: per-rule
// metric module chains, flow table management, and idle-timeout /
// force-export triggering (spec §4.4 "Packet Processor & Metric Modules").
//
// Grounded on _examples/original_source/src/netmate/{PacketProcessor,
// FlowTable,Flow}.{h,cc}: a packet is classified, then for every matching
// rule a flow key is derived from its filter windows and the per-flow
// metric state is looked up or created, processed, and — on idle timeout
// or an explicit module request — exported.
package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/netheader"
	"github.com/netmate-project/meter-core/internal/scheduler"
)

// directionForward/directionReverse are the one-byte discriminators
// appended to a flow key when a rule has SeparatePaths set, so the two
// directions of a bidirectional flow accumulate independent metric state.
const (
	directionForward byte = 0
	directionReverse byte = 1
)

// aggregateKey is the constant flow key used for a rule with AutoFlows
// false: every packet matching the rule folds into one flow record rather
// than one per distinct filter-window value (spec §4.4 "AutoFlows").
const aggregateKey = "\x00aggregate"

// Record is one flow's accumulated state: the per-module metric data plus
// bookkeeping the processor and exporter need around it.
type Record struct {
	RuleID    uint32
	Key       string
	FirstSeen time.Time
	LastSeen  time.Time

	modules []metrics.Module
	states  []*metrics.FlowState

	timeoutEvent *scheduler.Event
	timerEvents  []*scheduler.Event
}

// ruleRuntime is the resolved, live form of a classifier.Rule: its metric
// module chain instantiated from the registry, plus the flow table holding
// one Record per distinct flow key.
type ruleRuntime struct {
	rule    *classifier.Rule
	modules []metrics.Module
	flows   map[string]*Record

	// exportEvents are the recurring KindExportPush events armed from the
	// rule's ExportConfigs (spec §3/§4.5 per-module export interval).
	exportEvents []*scheduler.Event
}

// Processor dispatches classified packets to per-rule metric module chains
// and manages each rule's flow table, per spec §4.4.
type Processor struct {
	mu       sync.Mutex
	registry *metrics.Registry
	sched    *scheduler.Scheduler
	rules    map[uint32]*ruleRuntime

	// OnExport is invoked whenever a flow record becomes ready to export —
	// on an export-interval tick or a module's ForceExport request (both
	// final=false), and on idle timeout or when its owning rule is
	// deactivated (both final=true). It is wired to the export
	// package's Exporter.Submit by the runtime composition root.
	OnExport func(ruleID uint32, rec *Record, final bool)
}

// New constructs a Processor backed by registry (for resolving a rule's
// metric module chain) and sched (for idle-timeout scheduling).
func New(registry *metrics.Registry, sched *scheduler.Scheduler) *Processor {
	return &Processor{
		registry: registry,
		sched:    sched,
		rules:    make(map[uint32]*ruleRuntime),
	}
}

// ActivateRule resolves r's metric module chain and installs an empty flow
// table for it. Wire this as rules.Manager.OnActivate.
func (p *Processor) ActivateRule(r *classifier.Rule) error {
	mods := make([]metrics.Module, 0, len(r.MetricModules))
	for _, mc := range r.MetricModules {
		m, err := p.registry.New(mc.Name, mc.Params)
		if err != nil {
			for _, done := range mods {
				done.DestroyModule()
			}
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
		mods = append(mods, m)
	}

	rt := &ruleRuntime{rule: r, modules: mods, flows: make(map[string]*Record)}
	p.mu.Lock()
	p.rules[r.ID] = rt
	p.mu.Unlock()

	p.scheduleExportIntervals(rt)
	return nil
}

// scheduleExportIntervals arms one recurring scheduler.KindExportPush event
// per entry in rt.rule.ExportConfigs, each firing tickExport to deliver and
// reset every currently live flow of the rule (spec §3 rule attribute
// "export intervals", §4.4/§4.5 "interval tick" export trigger, §8
// Scenario D). Aligned entries fire first on a wall-clock boundary of
// their interval rather than one interval after activation.
func (p *Processor) scheduleExportIntervals(rt *ruleRuntime) {
	now := p.sched.Now()
	for _, ec := range rt.rule.ExportConfigs {
		if ec.IntervalMS <= 0 {
			continue
		}
		interval := time.Duration(ec.IntervalMS) * time.Millisecond
		first := now.Add(interval)
		if ec.Aligned {
			first = alignTo(now, interval)
		}

		ev := &scheduler.Event{
			When:   first,
			Kind:   scheduler.KindExportPush,
			RuleID: rt.rule.ID,
			Recur:  interval,
		}
		ev.Handle = func(*scheduler.Event) { p.tickExport(rt) }
		p.sched.AddEvent(ev)
		rt.exportEvents = append(rt.exportEvents, ev)
	}
}

// tickExport fires on a rule's configured export interval: every flow
// currently live under the rule is exported and reset in place, none of
// them torn down, so the export cadence is independent of idle timeout.
func (p *Processor) tickExport(rt *ruleRuntime) {
	p.mu.Lock()
	recs := make([]*Record, 0, len(rt.flows))
	for _, rec := range rt.flows {
		recs = append(recs, rec)
	}
	p.mu.Unlock()

	for _, rec := range recs {
		p.exportAndReset(rt, rec)
	}
}

// alignTo returns the next multiple of interval (measured from the Unix
// epoch) at or after now, so an Aligned interval ticks on a wall-clock
// boundary rather than relative to whenever it happened to be armed (spec
// §3 "possibly wall-clock aligned").
func alignTo(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	if rem := now.UnixNano() % int64(interval); rem != 0 {
		return now.Add(interval - time.Duration(rem))
	}
	return now
}

// DeactivateRule exports every remaining flow of ruleID as final and tears
// down its module chain and flow table. Wire this as rules.Manager.OnDeactivate.
func (p *Processor) DeactivateRule(r *classifier.Rule) {
	p.mu.Lock()
	rt, ok := p.rules[r.ID]
	if ok {
		delete(p.rules, r.ID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	for _, ev := range rt.exportEvents {
		p.sched.Cancel(ev)
	}

	for _, rec := range rt.flows {
		if rec.timeoutEvent != nil {
			p.sched.Cancel(rec.timeoutEvent)
		}
		for _, ev := range rec.timerEvents {
			p.sched.Cancel(ev)
		}
		p.finishFlow(rec)
		if p.OnExport != nil {
			p.OnExport(r.ID, rec, true)
		}
	}
	for _, m := range rt.modules {
		m.DestroyModule()
	}
}

// ProcessPacket dispatches pkt to every rule it matched (pkt.Match[:pkt.MatchCount],
// populated by the classifier), updating or creating each rule's flow record
// and exporting immediately when a module sets FlowState.ForceExport.
func (p *Processor) ProcessPacket(pkt *netheader.Meta) {
	now := time.UnixMicro(pkt.TimestampUS)

	for i := 0; i < pkt.MatchCount; i++ {
		ruleID := pkt.Match[i]

		p.mu.Lock()
		rt, ok := p.rules[ruleID]
		p.mu.Unlock()
		if !ok {
			continue
		}

		key := flowKey(rt.rule, pkt)
		rec, err := p.lookupOrCreate(rt, key, now)
		if err != nil {
			continue
		}
		rec.LastSeen = now

		forceExport := false
		for j, m := range rt.modules {
			st := rec.states[j]
			if err := m.ProcessPacket(st, pkt); err != nil {
				continue
			}
			if st.ForceExport {
				forceExport = true
			}
		}

		p.rearmTimeout(rt, rec)

		if forceExport {
			p.exportAndReset(rt, rec)
		}
	}
}

func (p *Processor) lookupOrCreate(rt *ruleRuntime, key string, now time.Time) (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rec, ok := rt.flows[key]; ok {
		return rec, nil
	}

	rec := &Record{
		RuleID:    rt.rule.ID,
		Key:       key,
		FirstSeen: now,
		LastSeen:  now,
		modules:   rt.modules,
		states:    make([]*metrics.FlowState, len(rt.modules)),
	}
	for j, m := range rt.modules {
		st := metrics.NewFlowState()
		if err := m.InitFlow(st); err != nil {
			return nil, err
		}
		rec.states[j] = st
	}
	rt.flows[key] = rec

	for j, m := range rt.modules {
		for _, t := range m.Timers() {
			p.scheduleModuleTimer(rt, rec, j, t)
		}
	}
	return rec, nil
}

// scheduleModuleTimer arms one metric module's requested per-flow timer
// (spec §4.4 "get_timers"/"timeout"): a Recurring timer re-arms itself via
// the scheduler's Recur field on every firing; an Aligned timer's first
// firing lands on a wall-clock boundary of its interval instead of
// Interval after flow creation; a timer with neither flag is a plain
// one-shot deadline.
func (p *Processor) scheduleModuleTimer(rt *ruleRuntime, rec *Record, modIdx int, t metrics.Timer) {
	if t.Interval <= 0 {
		return
	}
	interval := time.Duration(t.Interval) * time.Millisecond
	now := p.sched.Now()
	first := now.Add(interval)
	if t.Aligned {
		first = alignTo(now, interval)
	}

	timerID := t.ID
	ev := &scheduler.Event{
		When:   first,
		Kind:   scheduler.KindModuleTimer,
		RuleID: rt.rule.ID,
	}
	if t.Recurring {
		ev.Recur = interval
	}
	ev.Handle = func(*scheduler.Event) { p.onModuleTimer(rt, rec, modIdx, timerID) }
	p.sched.AddEvent(ev)
	rec.timerEvents = append(rec.timerEvents, ev)
}

// onModuleTimer invokes the metric module's Timeout callback for a fired
// per-flow timer, provided the flow is still live, and exports immediately
// if the callback set FlowState.ForceExport (the same contract
// ProcessPacket honors for packet-triggered force-export).
func (p *Processor) onModuleTimer(rt *ruleRuntime, rec *Record, modIdx int, timerID uint32) {
	p.mu.Lock()
	cur, ok := rt.flows[rec.Key]
	live := ok && cur == rec
	p.mu.Unlock()
	if !live {
		return
	}

	m := rt.modules[modIdx]
	st := rec.states[modIdx]
	if err := m.Timeout(st, timerID); err != nil {
		return
	}
	if st.ForceExport {
		p.exportAndReset(rt, rec)
	}
}

// rearmTimeout cancels rec's previous idle-timeout event, if any, and
// schedules a fresh one, giving the flow a sliding idle window rather than
// a fixed expiry from creation (spec §4.4 "idle timeout").
func (p *Processor) rearmTimeout(rt *ruleRuntime, rec *Record) {
	if rt.rule.IdleTimeoutMS <= 0 {
		return
	}
	if rec.timeoutEvent != nil {
		p.sched.Cancel(rec.timeoutEvent)
	}
	rec.timeoutEvent = &scheduler.Event{
		When:   rec.LastSeen.Add(time.Duration(rt.rule.IdleTimeoutMS) * time.Millisecond),
		Kind:   scheduler.KindFlowTimeout,
		RuleID: rt.rule.ID,
		Handle: func(ev *scheduler.Event) { p.onIdleTimeout(rt, rec) },
	}
	p.sched.AddEvent(rec.timeoutEvent)
}

func (p *Processor) onIdleTimeout(rt *ruleRuntime, rec *Record) {
	p.mu.Lock()
	if cur, ok := rt.flows[rec.Key]; !ok || cur != rec {
		p.mu.Unlock()
		return
	}
	delete(rt.flows, rec.Key)
	p.mu.Unlock()

	for _, ev := range rec.timerEvents {
		p.sched.Cancel(ev)
	}
	p.finishFlow(rec)
	if p.OnExport != nil {
		p.OnExport(rt.rule.ID, rec, true)
	}
}

// exportAndReset delivers rec's current module data to OnExport and resets
// every module's per-flow state in place, keeping the flow alive (used for
// the rule's regular export interval and a module's ForceExport request,
// neither of which tears the flow down).
func (p *Processor) exportAndReset(rt *ruleRuntime, rec *Record) {
	p.finishFlow(rec)
	if p.OnExport != nil {
		p.OnExport(rt.rule.ID, rec, false)
	}
	for j, m := range rt.modules {
		m.ResetFlow(rec.states[j])
	}
}

// finishFlow clears the ForceExport flag modules set, marking the current
// state as consumed now that it is about to be (or has been) delivered.
func (p *Processor) finishFlow(rec *Record) {
	for _, st := range rec.states {
		st.ForceExport = false
	}
}

// Fields returns the exported field values for every module in rec, keyed
// by module name — the shape an export.Module consumes.
func (rec *Record) Fields() map[string]map[string]any {
	out := make(map[string]map[string]any, len(rec.modules))
	for j, m := range rec.modules {
		data, err := m.ExportData(rec.states[j])
		if err != nil {
			continue
		}
		out[m.Name()] = data
	}
	return out
}

// flowKey derives the flow identity for pkt under r: AutoFlows false
// collapses every match to a single aggregate flow; otherwise the key is
// the concatenation of r's masked filter windows (forward or reverse,
// whichever matched — approximated here as forward, since the classifier
// does not report which side matched per rule) plus a direction byte when
// SeparatePaths requires the two directions to be tracked independently.
func flowKey(r *classifier.Rule, pkt *netheader.Meta) string {
	if !r.AutoFlows {
		return aggregateKey
	}

	buf := make([]byte, 0, 64)
	for i := range r.Filters {
		f := &r.Filters[i]
		w, ok := pkt.Window(f.Refer, f.Offset, f.Len)
		if !ok {
			buf = append(buf, make([]byte, f.Len)...)
			continue
		}
		masked := make([]byte, f.Len)
		for k := 0; k < f.Len; k++ {
			masked[k] = w[k] & f.Mask[k]
		}
		buf = append(buf, masked...)
	}

	if r.SeparatePaths {
		if pkt.Reverse {
			buf = append(buf, directionReverse)
		} else {
			buf = append(buf, directionForward)
		}
	}
	return string(buf)
}
