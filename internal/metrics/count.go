package metrics

import "github.com/netmate-project/meter-core/internal/netheader"

// CountState is the per-flow accumulator CountModule stores in
// FlowState.Data.
type CountState struct {
	Packets uint64
	Bytes   uint64
}

// CountModule counts packets and wire bytes per flow — the metric module
// exercised by spec's Scenario A.
type CountModule struct{}

func (m *CountModule) Name() string { return "count" }

func (m *CountModule) InitModule(params map[string]string) error { return nil }
func (m *CountModule) DestroyModule()                            {}

func (m *CountModule) InitFlow(rec *FlowState) error {
	rec.Data[m.Name()] = &CountState{}
	return nil
}

func (m *CountModule) ResetFlow(rec *FlowState) {
	if s, ok := rec.Data[m.Name()].(*CountState); ok {
		*s = CountState{}
	}
}

func (m *CountModule) DestroyFlow(rec *FlowState) {
	delete(rec.Data, m.Name())
}

func (m *CountModule) ProcessPacket(rec *FlowState, pkt *netheader.Meta) error {
	s, ok := rec.Data[m.Name()].(*CountState)
	if !ok {
		return nil
	}
	s.Packets++
	s.Bytes += uint64(pkt.WireLen)
	return nil
}

func (m *CountModule) ExportData(rec *FlowState) (map[string]any, error) {
	s, ok := rec.Data[m.Name()].(*CountState)
	if !ok {
		return nil, nil
	}
	return map[string]any{
		"packets": s.Packets,
		"bytes":   s.Bytes,
	}, nil
}

func (m *CountModule) Timers() []Timer { return nil }

func (m *CountModule) Timeout(rec *FlowState, timerID uint32) error { return nil }

func (m *CountModule) TypeInfo() []FieldInfo {
	return []FieldInfo{
		{Name: "packets", Type: TypeUint64},
		{Name: "bytes", Type: TypeUint64},
	}
}
