// Package metrics defines the per-flow metric module contract packet
// rules invoke (spec §4.4 "Packet Processor & Metric Modules") plus a
// small set of reference modules.
//
// Grounded on _examples/original_source/src/include/ProcModuleInterface.h
// (init_module/destroy_module/init_flow_rec/reset_flow_rec/
// destroy_flow_rec/process_packet/export_data/get_timers/timeout/
// get_type_info) and src/netmate/ProcModule.cc (the dynamic-library
// wrapper around that interface).
//
// Redesign: the original loads modules as shared objects resolved at
// runtime (ProcModule wraps dlopen'd function pointers via
// ProcModuleInterface_t). Spec §9 flags this as unsuitable for a
// statically typed, single-binary Go redesign; modules here are ordinary
// Go types satisfying the Module interface and registered in a compile-
// time Registry, trading plugin-style extensibility for type safety and a
// single deployable binary.
package metrics

import (
	"fmt"

	"github.com/netmate-project/meter-core/internal/netheader"
)

// DataType mirrors the original's DataType_e runtime type tags, used by
// ExportModules to render Field values without reflecting over Go types.
type DataType int

const (
	TypeInt64 DataType = iota
	TypeUint64
	TypeFloat64
	TypeString
	TypeBinary
	TypeIPv4
	TypeIPv6
)

// FieldInfo names one value a module contributes to an exported record.
type FieldInfo struct {
	Name string
	Type DataType
}

// Timer is a per-flow timer a module asks the processor to arm, per spec
// §4.4 "get_timers". Its flags are independent: Recurring re-arms the
// timer after every firing instead of letting it fire once (a one-shot
// timer is simply Recurring == false); Aligned computes the first firing
// on a wall-clock boundary of Interval rather than Interval after the
// flow was created, the same distinction a rule's export interval makes.
type Timer struct {
	ID        uint32
	Interval  int64 // milliseconds
	Recurring bool
	Aligned   bool
}

// FlowState is the opaque per-flow storage bag modules read and write
// their private state into, keyed by module name — the Go analogue of the
// original's per-module void* flow record pointer.
type FlowState struct {
	Data map[string]any

	// ForceExport lets a module request an immediate export independent
	// of the rule's configured export interval (spec §4.4, e.g. a TCP
	// module exporting as soon as it observes a FIN/RST).
	ForceExport bool
}

// NewFlowState returns an empty FlowState ready for InitFlow.
func NewFlowState() *FlowState {
	return &FlowState{Data: make(map[string]any)}
}

// Module is the per-flow metric computation contract every rule's metric
// module chain implements (spec §4.4).
type Module interface {
	Name() string

	InitModule(params map[string]string) error
	DestroyModule()

	InitFlow(rec *FlowState) error
	ResetFlow(rec *FlowState)
	DestroyFlow(rec *FlowState)

	ProcessPacket(rec *FlowState, pkt *netheader.Meta) error
	ExportData(rec *FlowState) (map[string]any, error)

	Timers() []Timer
	Timeout(rec *FlowState, timerID uint32) error

	TypeInfo() []FieldInfo
}

// Registry resolves module names (as named in a Rule's MetricModules) to
// constructors, standing in for the original's dynamic module loader.
type Registry struct {
	factories map[string]func() Module
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Module)}
}

// Register adds a module constructor under name.
func (r *Registry) Register(name string, factory func() Module) {
	r.factories[name] = factory
}

// New instantiates and initializes the named module with params.
func (r *Registry) New(name string, params map[string]string) (Module, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("metric module %q not registered", name)
	}
	m := factory()
	if err := m.InitModule(params); err != nil {
		return nil, fmt.Errorf("metric module %q: %w", name, err)
	}
	return m, nil
}

// DefaultRegistry returns a Registry carrying the reference modules
// shipped with this package.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("count", func() Module { return &CountModule{} })
	r.Register("tcpstats", func() Module { return &TCPStatsModule{} })
	return r
}
