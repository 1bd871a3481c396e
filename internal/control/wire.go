package control

import (
	"encoding/hex"
	"fmt"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/netheader"
)

// The types below are the JSON wire shapes exchanged over the gRPC control
// channel (grpcserver.go); they exist because classifier.Rule/Filter and
// metrics.FieldInfo use Go-only types (netheader.ReferPoint, raw byte
// slices in network order) that need a stable textual encoding to survive
// a JSON codec, the way a .proto message would. There is no protoc step
// (see DESIGN.md), so these are hand-written instead of generated.

// GetInfoRequest is the "/get_info" request (spec §6).
type GetInfoRequest struct {
	Type  string `json:"type"`
	Param string `json:"param,omitempty"`
}

// GetInfoResponse is the "/get_info" response.
type GetInfoResponse struct {
	Rules []RuleWire `json:"rules"`
}

// GetModInfoRequest is the "/get_modinfo" request.
type GetModInfoRequest struct {
	Name string `json:"name"`
}

// GetModInfoResponse is the "/get_modinfo" response.
type GetModInfoResponse struct {
	Fields []FieldInfoWire `json:"fields"`
}

// FieldInfoWire mirrors metrics.FieldInfo with its DataType rendered as a
// name instead of an int, so the wire format is stable across reorderings
// of the DataType iota.
type FieldInfoWire struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// AddTaskRequest is the "/add_task" request, carrying a full rule
// definition.
type AddTaskRequest struct {
	Rule RuleWire `json:"rule"`
}

// AddTaskResponse is the "/add_task" response.
type AddTaskResponse struct {
	ID uint32 `json:"id"`
}

// RmTaskRequest is the "/rm_task" request.
type RmTaskRequest struct {
	ID uint32 `json:"id"`
}

// RmTaskResponse is the "/rm_task" response (empty; success is the lack
// of an error).
type RmTaskResponse struct{}

// RuleWire is the JSON-transportable mirror of classifier.Rule.
type RuleWire struct {
	ID      uint32 `json:"id,omitempty"`
	SetName string `json:"set_name"`

	Start int64 `json:"start"`
	Stop  int64 `json:"stop,omitempty"`

	Bidirectional bool `json:"bidirectional,omitempty"`
	SeparatePaths bool `json:"separate_paths,omitempty"`
	AutoFlows     bool `json:"auto_flows,omitempty"`
	IdleTimeoutMS int64 `json:"idle_timeout_ms,omitempty"`

	Filters        []FilterWire `json:"filters"`
	ReverseFilters []FilterWire `json:"reverse_filters,omitempty"`

	MetricModules []ModuleConfigWire       `json:"metric_modules"`
	ExportModules []ModuleConfigWire       `json:"export_modules,omitempty"`
	ExportConfigs []ExportIntervalConfigWire `json:"export_configs,omitempty"`

	State string `json:"state,omitempty"`
}

// FilterWire is the JSON-transportable mirror of classifier.Filter, with
// ReferPoint and byte values rendered as strings/hex so they round-trip
// exactly through JSON.
type FilterWire struct {
	Name string `json:"name"`

	Refer  string `json:"refer"`
	Offset int    `json:"offset"`
	Len    int    `json:"len"`

	Mask string `json:"mask"` // hex-encoded

	Kind   string   `json:"kind"`
	Values []string `json:"values,omitempty"` // hex-encoded, in Kind's order

	ReverseRefer  string `json:"reverse_refer,omitempty"`
	ReverseOffset *int   `json:"reverse_offset,omitempty"`
}

// ModuleConfigWire mirrors classifier.ModuleConfig/ExportModuleConfig,
// which share the same (name, opaque string params) shape.
type ModuleConfigWire struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

// ExportIntervalConfigWire mirrors classifier.ExportIntervalConfig.
type ExportIntervalConfigWire struct {
	ModuleName string `json:"module_name"`
	IntervalMS int64  `json:"interval_ms"`
	Aligned    bool   `json:"aligned,omitempty"`
}

func referToWire(r netheader.ReferPoint) string { return r.String() }

func referFromWire(s string) (netheader.ReferPoint, error) {
	switch s {
	case "MAC":
		return netheader.ReferMAC, nil
	case "IP":
		return netheader.ReferIP, nil
	case "TRANS":
		return netheader.ReferTrans, nil
	case "DATA":
		return netheader.ReferData, nil
	default:
		return 0, fmt.Errorf("unknown refer point %q", s)
	}
}

func filterToWire(f *classifier.Filter) FilterWire {
	w := FilterWire{
		Name:   f.Name,
		Refer:  referToWire(f.Refer),
		Offset: f.Offset,
		Len:    f.Len,
		Mask:   hex.EncodeToString(f.Mask),
		Kind:   f.Kind.String(),
	}
	for _, v := range f.Values {
		w.Values = append(w.Values, hex.EncodeToString(v))
	}
	if f.ReverseRefer != nil {
		s := referToWire(*f.ReverseRefer)
		w.ReverseRefer = s
	}
	w.ReverseOffset = f.ReverseOffset
	return w
}

func filterFromWire(w FilterWire) (classifier.Filter, error) {
	refer, err := referFromWire(w.Refer)
	if err != nil {
		return classifier.Filter{}, err
	}
	mask, err := hex.DecodeString(w.Mask)
	if err != nil {
		return classifier.Filter{}, fmt.Errorf("filter %q: mask: %w", w.Name, err)
	}
	kind, err := matchKindFromWire(w.Kind)
	if err != nil {
		return classifier.Filter{}, fmt.Errorf("filter %q: %w", w.Name, err)
	}

	f := classifier.Filter{
		Name:   w.Name,
		Refer:  refer,
		Offset: w.Offset,
		Len:    w.Len,
		Mask:   mask,
		Kind:   kind,
	}
	for _, v := range w.Values {
		b, err := hex.DecodeString(v)
		if err != nil {
			return classifier.Filter{}, fmt.Errorf("filter %q: value: %w", w.Name, err)
		}
		f.Values = append(f.Values, b)
	}
	if w.ReverseRefer != "" {
		rr, err := referFromWire(w.ReverseRefer)
		if err != nil {
			return classifier.Filter{}, err
		}
		f.ReverseRefer = &rr
	}
	f.ReverseOffset = w.ReverseOffset
	return f, nil
}

func matchKindFromWire(s string) (classifier.MatchKind, error) {
	switch s {
	case "exact":
		return classifier.MatchExact, nil
	case "range":
		return classifier.MatchRange, nil
	case "set":
		return classifier.MatchSet, nil
	case "wildcard":
		return classifier.MatchWildcard, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q", s)
	}
}

func moduleConfigToWire(m classifier.ModuleConfig) ModuleConfigWire {
	return ModuleConfigWire{Name: m.Name, Params: m.Params}
}

func exportModuleConfigToWire(m classifier.ExportModuleConfig) ModuleConfigWire {
	return ModuleConfigWire{Name: m.Name, Params: m.Params}
}

func ruleToWire(r *classifier.Rule) RuleWire {
	w := RuleWire{
		ID:            r.ID,
		SetName:       r.SetName,
		Start:         r.Start,
		Stop:          r.Stop,
		Bidirectional: r.Bidirectional,
		SeparatePaths: r.SeparatePaths,
		AutoFlows:     r.AutoFlows,
		IdleTimeoutMS: r.IdleTimeoutMS,
		State:         r.State.String(),
	}
	for i := range r.Filters {
		w.Filters = append(w.Filters, filterToWire(&r.Filters[i]))
	}
	for i := range r.ReverseFilters {
		w.ReverseFilters = append(w.ReverseFilters, filterToWire(&r.ReverseFilters[i]))
	}
	for _, m := range r.MetricModules {
		w.MetricModules = append(w.MetricModules, moduleConfigToWire(m))
	}
	for _, m := range r.ExportModules {
		w.ExportModules = append(w.ExportModules, exportModuleConfigToWire(m))
	}
	for _, ec := range r.ExportConfigs {
		w.ExportConfigs = append(w.ExportConfigs, ExportIntervalConfigWire{
			ModuleName: ec.ModuleName,
			IntervalMS: ec.IntervalMS,
			Aligned:    ec.Aligned,
		})
	}
	return w
}

func ruleFromWire(w RuleWire) (*classifier.Rule, error) {
	r := &classifier.Rule{
		ID:            w.ID,
		SetName:       w.SetName,
		Start:         w.Start,
		Stop:          w.Stop,
		Bidirectional: w.Bidirectional,
		SeparatePaths: w.SeparatePaths,
		AutoFlows:     w.AutoFlows,
		IdleTimeoutMS: w.IdleTimeoutMS,
	}
	for _, fw := range w.Filters {
		f, err := filterFromWire(fw)
		if err != nil {
			return nil, err
		}
		r.Filters = append(r.Filters, f)
	}
	for _, fw := range w.ReverseFilters {
		f, err := filterFromWire(fw)
		if err != nil {
			return nil, err
		}
		r.ReverseFilters = append(r.ReverseFilters, f)
	}
	for _, mc := range w.MetricModules {
		r.MetricModules = append(r.MetricModules, classifier.ModuleConfig{Name: mc.Name, Params: mc.Params})
	}
	for _, mc := range w.ExportModules {
		r.ExportModules = append(r.ExportModules, classifier.ExportModuleConfig{Name: mc.Name, Params: mc.Params})
	}
	for _, ec := range w.ExportConfigs {
		r.ExportConfigs = append(r.ExportConfigs, classifier.ExportIntervalConfig{
			ModuleName: ec.ModuleName,
			IntervalMS: ec.IntervalMS,
			Aligned:    ec.Aligned,
		})
	}
	return r, nil
}

func dataTypeToWire(t metrics.DataType) string {
	switch t {
	case metrics.TypeInt64:
		return "int64"
	case metrics.TypeUint64:
		return "uint64"
	case metrics.TypeFloat64:
		return "float64"
	case metrics.TypeString:
		return "string"
	case metrics.TypeBinary:
		return "binary"
	case metrics.TypeIPv4:
		return "ipv4"
	case metrics.TypeIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}
