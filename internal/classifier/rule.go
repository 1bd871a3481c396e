// Package classifier implements the multi-dimensional packet matcher of
// spec §4.3: a shared Rule/Filter data model plus two interchangeable
// back-ends (Simple linear matcher and RFC precomputed matcher) that must
// agree on every packet (spec §8 invariant 1).
//
// Grounded on _examples/original_source/src/netmate/{Classifier,
// ClassifierSimple,ClassifierRFC,FilterValue}.{h,cc} for the algorithms,
// and on _examples/sakateka-yanet2/common/go/filter for the Go-idiomatic
// shape of range/set/network filter value types.
package classifier

import (
	"fmt"

	"github.com/netmate-project/meter-core/internal/netheader"
)

// MatchKind is the predicate shape a Filter applies to its window.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchRange
	MatchSet
	MatchWildcard
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchRange:
		return "range"
	case MatchSet:
		return "set"
	case MatchWildcard:
		return "wildcard"
	default:
		return "unknown"
	}
}

// MaxFilterSetSize bounds the number of concrete values a Set filter may
// hold (spec §8 boundary behaviour).
const MaxFilterSetSize = 32

// Filter is an attribute-masked predicate over a region of a packet
// header, per spec §3.
type Filter struct {
	Name string

	Refer  netheader.ReferPoint
	Offset int
	Len    int

	Mask []byte

	Kind MatchKind
	// Values holds 0 values for Wildcard, 2 for Range ([low, high]), up to
	// MaxFilterSetSize for Set, exactly 1 for Exact. Each entry is Len
	// bytes in network byte order and is compared as given against the
	// masked window; Mask is not applied to the values at install time.
	Values [][]byte

	// ReverseOffset/ReverseRefer, when non-nil, give the mirrored window
	// used for the reverse path of a bidirectional rule.
	ReverseRefer  *netheader.ReferPoint
	ReverseOffset *int
}

// Validate checks the filter's internal invariants, surfacing the
// capacity/shape errors spec §7 calls validation errors.
func (f *Filter) Validate() error {
	if f.Len <= 0 {
		return fmt.Errorf("filter %q: length must be positive", f.Name)
	}
	if len(f.Mask) != f.Len {
		return fmt.Errorf("filter %q: mask length %d != field length %d", f.Name, len(f.Mask), f.Len)
	}
	switch f.Kind {
	case MatchWildcard:
		if len(f.Values) != 0 {
			return fmt.Errorf("filter %q: wildcard must carry no values", f.Name)
		}
	case MatchExact:
		if len(f.Values) != 1 {
			return fmt.Errorf("filter %q: exact must carry exactly one value", f.Name)
		}
	case MatchRange:
		if len(f.Values) != 2 {
			return fmt.Errorf("filter %q: range must carry exactly two values", f.Name)
		}
	case MatchSet:
		if len(f.Values) == 0 {
			return fmt.Errorf("filter %q: set must carry at least one value", f.Name)
		}
		if len(f.Values) > MaxFilterSetSize {
			return fmt.Errorf("filter %q: set size %d exceeds maximum %d", f.Name, len(f.Values), MaxFilterSetSize)
		}
	default:
		return fmt.Errorf("filter %q: unknown match kind %v", f.Name, f.Kind)
	}
	for _, v := range f.Values {
		if len(v) != f.Len {
			return fmt.Errorf("filter %q: value length %d != field length %d", f.Name, len(v), f.Len)
		}
	}
	return nil
}

// RuleState is a node in the lifecycle state machine of spec §3:
// New -> Valid -> Scheduled -> Active -> Done, with a terminal Error sink.
type RuleState int

const (
	StateNew RuleState = iota
	StateValid
	StateScheduled
	StateActive
	StateDone
	StateError
)

func (s RuleState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateValid:
		return "valid"
	case StateScheduled:
		return "scheduled"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ExportIntervalConfig is a per-export-module schedule (spec §3/§4.5).
type ExportIntervalConfig struct {
	ModuleName string
	IntervalMS int64
	Aligned    bool
}

// ModuleConfig names one metric module invocation and its opaque params,
// in declaration order (spec §4.4).
type ModuleConfig struct {
	Name   string
	Params map[string]string
}

// ExportModuleConfig names one export module a rule delivers records to.
type ExportModuleConfig struct {
	Name   string
	Params map[string]string
}

// Rule names a conjunction of filters, the metric/export module chains
// invoked for matching packets, and lifecycle/scheduling attributes (spec
// §3).
type Rule struct {
	ID      uint32
	SetName string

	// Start/Stop are microsecond Unix timestamps; Stop == 0 means
	// open-ended.
	Start int64
	Stop  int64

	Bidirectional bool
	SeparatePaths bool
	AutoFlows     bool

	// IdleTimeoutMS is the per-flow idle timeout in milliseconds; 0 means
	// disabled.
	IdleTimeoutMS int64

	Filters        []Filter
	ReverseFilters []Filter

	MetricModules []ModuleConfig
	ExportModules []ExportModuleConfig
	ExportConfigs []ExportIntervalConfig

	State RuleState
}

// Validate enforces the data-model invariants of spec §3: start<=stop when
// both set, filter shapes, and bidirectional symmetry.
func (r *Rule) Validate() error {
	if r.Stop != 0 && r.Start > r.Stop {
		return fmt.Errorf("rule %d: start %d is after stop %d", r.ID, r.Start, r.Stop)
	}
	if len(r.Filters) == 0 {
		return fmt.Errorf("rule %d: at least one filter is required", r.ID)
	}
	for i := range r.Filters {
		if err := r.Filters[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
	}
	if r.Bidirectional {
		if len(r.ReverseFilters) != 0 && len(r.ReverseFilters) != len(r.Filters) {
			return fmt.Errorf("rule %d: reverse filter count %d != forward filter count %d", r.ID, len(r.ReverseFilters), len(r.Filters))
		}
		for i := range r.ReverseFilters {
			if err := r.ReverseFilters[i].Validate(); err != nil {
				return fmt.Errorf("rule %d: reverse filter: %w", r.ID, err)
			}
		}
	}
	if len(r.MetricModules) == 0 {
		return fmt.Errorf("rule %d: at least one metric module is required", r.ID)
	}
	return nil
}

// ActiveAt reports whether the rule's lifetime covers timestampUS.
func (r *Rule) ActiveAt(timestampUS int64) bool {
	if timestampUS < r.Start {
		return false
	}
	if r.Stop != 0 && timestampUS >= r.Stop {
		return false
	}
	return true
}
