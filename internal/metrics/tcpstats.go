package metrics

import "github.com/netmate-project/meter-core/internal/netheader"

const (
	tcpFlagFIN byte = 0x01
	tcpFlagSYN byte = 0x02
	tcpFlagRST byte = 0x04
)

// TCPStatsState is the per-flow accumulator TCPStatsModule stores in
// FlowState.Data.
type TCPStatsState struct {
	Packets uint64
	Bytes   uint64
	SynSeen bool
	FinSeen bool
	RstSeen bool
}

// TCPStatsModule tracks TCP connection teardown and requests an immediate
// export as soon as a FIN or RST is observed, rather than waiting for the
// rule's configured export interval — the metric module exercised by
// spec's Scenario F ("immediate export on FIN").
type TCPStatsModule struct{}

func (m *TCPStatsModule) Name() string { return "tcpstats" }

func (m *TCPStatsModule) InitModule(params map[string]string) error { return nil }
func (m *TCPStatsModule) DestroyModule()                            {}

func (m *TCPStatsModule) InitFlow(rec *FlowState) error {
	rec.Data[m.Name()] = &TCPStatsState{}
	return nil
}

func (m *TCPStatsModule) ResetFlow(rec *FlowState) {
	if s, ok := rec.Data[m.Name()].(*TCPStatsState); ok {
		*s = TCPStatsState{}
	}
}

func (m *TCPStatsModule) DestroyFlow(rec *FlowState) {
	delete(rec.Data, m.Name())
}

// ProcessPacket counts the packet and, for TCP traffic, inspects the
// control flags at the fixed byte-13 offset of the TCP header to detect
// connection start/teardown.
func (m *TCPStatsModule) ProcessPacket(rec *FlowState, pkt *netheader.Meta) error {
	s, ok := rec.Data[m.Name()].(*TCPStatsState)
	if !ok {
		return nil
	}
	s.Packets++
	s.Bytes += uint64(pkt.WireLen)

	if pkt.Proto[netheader.ReferTrans] != 6 {
		return nil
	}
	flags, ok := pkt.Window(netheader.ReferTrans, 13, 1)
	if !ok {
		return nil
	}
	f := flags[0]
	if f&tcpFlagSYN != 0 {
		s.SynSeen = true
	}
	if f&tcpFlagFIN != 0 {
		s.FinSeen = true
		rec.ForceExport = true
	}
	if f&tcpFlagRST != 0 {
		s.RstSeen = true
		rec.ForceExport = true
	}
	return nil
}

func (m *TCPStatsModule) ExportData(rec *FlowState) (map[string]any, error) {
	s, ok := rec.Data[m.Name()].(*TCPStatsState)
	if !ok {
		return nil, nil
	}
	return map[string]any{
		"packets":  s.Packets,
		"bytes":    s.Bytes,
		"syn_seen": s.SynSeen,
		"fin_seen": s.FinSeen,
		"rst_seen": s.RstSeen,
	}, nil
}

func (m *TCPStatsModule) Timers() []Timer { return nil }

func (m *TCPStatsModule) Timeout(rec *FlowState, timerID uint32) error { return nil }

func (m *TCPStatsModule) TypeInfo() []FieldInfo {
	return []FieldInfo{
		{Name: "packets", Type: TypeUint64},
		{Name: "bytes", Type: TypeUint64},
		{Name: "syn_seen", Type: TypeString},
		{Name: "fin_seen", Type: TypeString},
		{Name: "rst_seen", Type: TypeString},
	}
}
