// Package export implements the export path: a per-rule set of export
// modules, and the bounded queue + dispatcher that delivers finished flow
// records to them without blocking the packet processing path (spec §4.5
// "Export Path").
//
// Grounded on _examples/original_source/src/netmate/Exporter.cc (a rule
// carries a list of named export modules resolved at rule-install time,
// each invoked for every exported record of that rule) and FlowRecordDB.h
// (a bounded, synchronized queue of completed flow records the exporter
// thread drains independently of the packet processing thread).
package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Record is one flow's exported snapshot — the processor package's
// Record.Fields() output plus the identity/lifecycle metadata an export
// module needs to render it.
type Record struct {
	RuleID    uint32
	FlowKey   string
	FirstSeen time.Time
	LastSeen  time.Time
	// Final marks the last record ever emitted for this flow (idle
	// timeout or rule deactivation), so modules that accumulate per-flow
	// state externally (e.g. a file writer keeping one row per flow) know
	// to close it out.
	Final bool
	// Fields is module name -> field name -> value, as produced by
	// metrics.Module.ExportData for every module in the rule's chain.
	Fields map[string]map[string]any
}

// Module is the export sink contract every rule's export module chain
// implements (spec §4.5), mirroring the original's ExportModule interface
// (initExportRec/export/destroyExportRec) minus the opaque per-rule
// expData handle — state belongs to the Go Module value itself.
type Module interface {
	Name() string
	Init(params map[string]string) error
	Export(rec *Record) error
	Close() error
}

// defaultQueueCapacity bounds the pending-export backlog (FlowRecordDB's queue
// size in the original); Submit drops and counts rather than blocking the
// packet processing path when it is exceeded.
const defaultQueueCapacity = 4096

// Exporter owns the per-rule export module sets and a single bounded queue
// draining them on its own goroutine, decoupling slow or blocking export
// I/O from packet processing (spec §4.5).
type Exporter struct {
	mu          sync.RWMutex
	ruleModules map[uint32][]Module

	ch      chan *Record
	dropped atomic.Uint64

	onExportErr func(ruleID uint32, moduleName string, err error)
}

// New constructs an Exporter with the given queue capacity (0 selects the
// default).
func New(capacity int) *Exporter {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &Exporter{
		ruleModules: make(map[uint32][]Module),
		ch:          make(chan *Record, capacity),
	}
}

// OnExportError installs a callback invoked whenever a module's Export
// call returns an error, letting the runtime composition root log it
// without this package depending on a logging library directly.
func (e *Exporter) OnExportError(fn func(ruleID uint32, moduleName string, err error)) {
	e.mu.Lock()
	e.onExportErr = fn
	e.mu.Unlock()
}

// SetRuleModules installs the resolved export module chain for ruleID,
// called when a rule activates (spec §4.5's per-rule module resolution,
// the Go analogue of Exporter::checkRule/addRule).
func (e *Exporter) SetRuleModules(ruleID uint32, mods []Module) {
	e.mu.Lock()
	e.ruleModules[ruleID] = mods
	e.mu.Unlock()
}

// ClearRuleModules closes and removes ruleID's export module chain, called
// when a rule deactivates (Exporter::delRule).
func (e *Exporter) ClearRuleModules(ruleID uint32) {
	e.mu.Lock()
	mods := e.ruleModules[ruleID]
	delete(e.ruleModules, ruleID)
	e.mu.Unlock()

	for _, m := range mods {
		_ = m.Close()
	}
}

// Submit enqueues rec for delivery, returning false (and incrementing the
// dropped counter) if the queue is full rather than blocking the caller —
// submission happens from the processor's packet path, which must never
// stall waiting on export I/O.
func (e *Exporter) Submit(rec *Record) bool {
	select {
	case e.ch <- rec:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of records dropped because the queue was
// full.
func (e *Exporter) Dropped() uint64 { return e.dropped.Load() }

// Run drains the queue, dispatching each record to its rule's export
// module chain, until ctx is cancelled. On cancellation it performs one
// final non-blocking drain of whatever is already queued (the "wait until
// done" semantics of FlowRecordDB's shutdown path) before returning.
func (e *Exporter) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-e.ch:
			e.dispatch(rec)
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		}
	}
}

func (e *Exporter) drain() {
	for {
		select {
		case rec := <-e.ch:
			e.dispatch(rec)
		default:
			return
		}
	}
}

func (e *Exporter) dispatch(rec *Record) {
	e.mu.RLock()
	mods := e.ruleModules[rec.RuleID]
	onErr := e.onExportErr
	e.mu.RUnlock()

	for _, m := range mods {
		if err := m.Export(rec); err != nil && onErr != nil {
			onErr(rec.RuleID, m.Name(), err)
		}
	}
}
