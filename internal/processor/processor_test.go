package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/metrics"
	"github.com/netmate-project/meter-core/internal/netheader"
	"github.com/netmate-project/meter-core/internal/scheduler"
)

// timerModule is a test double exercising metrics.Module.Timers/Timeout:
// it requests one per-flow timer and, on firing, records the timer id and
// requests an immediate export.
type timerModule struct {
	timers   []metrics.Timer
	timeouts []uint32
}

func (m *timerModule) Name() string                                       { return "timer" }
func (m *timerModule) InitModule(params map[string]string) error          { return nil }
func (m *timerModule) DestroyModule()                                     {}
func (m *timerModule) InitFlow(rec *metrics.FlowState) error              { return nil }
func (m *timerModule) ResetFlow(rec *metrics.FlowState)                   {}
func (m *timerModule) DestroyFlow(rec *metrics.FlowState)                 {}
func (m *timerModule) ProcessPacket(rec *metrics.FlowState, pkt *netheader.Meta) error {
	return nil
}
func (m *timerModule) ExportData(rec *metrics.FlowState) (map[string]any, error) {
	return map[string]any{"timeouts": len(m.timeouts)}, nil
}
func (m *timerModule) Timers() []metrics.Timer { return m.timers }
func (m *timerModule) Timeout(rec *metrics.FlowState, timerID uint32) error {
	m.timeouts = append(m.timeouts, timerID)
	rec.ForceExport = true
	return nil
}
func (m *timerModule) TypeInfo() []metrics.FieldInfo { return nil }

func tcpPacket(ruleID uint32, srcPort uint16, reverse bool) *netheader.Meta {
	data := make([]byte, 40)
	data[20] = byte(srcPort >> 8)
	data[21] = byte(srcPort)
	m := &netheader.Meta{Data: data, WireLen: 60}
	m.Offs[netheader.ReferIP] = 0
	m.Offs[netheader.ReferTrans] = 20
	m.Proto[netheader.ReferTrans] = 6
	m.Reverse = reverse
	m.AddMatch(ruleID)
	return m
}

func srcPortFilter() classifier.Filter {
	return classifier.Filter{
		Name:   "srcport",
		Refer:  netheader.ReferTrans,
		Offset: 0,
		Len:    2,
		Mask:   []byte{0xff, 0xff},
		Kind:   classifier.MatchRange,
		Values: [][]byte{{0, 0}, {0xff, 0xff}},
	}
}

func newAutoFlowsRule(id uint32, idleMS int64) *classifier.Rule {
	return &classifier.Rule{
		ID:            id,
		SetName:       "test",
		AutoFlows:     true,
		IdleTimeoutMS: idleMS,
		Filters:       []classifier.Filter{srcPortFilter()},
		MetricModules: []classifier.ModuleConfig{{Name: "count"}},
	}
}

func TestProcessPacketCreatesDistinctFlowsPerKey(t *testing.T) {
	p := New(metrics.DefaultRegistry(), scheduler.New())
	r := newAutoFlowsRule(1, 0)
	require.NoError(t, p.ActivateRule(r))

	p.ProcessPacket(tcpPacket(1, 100, false))
	p.ProcessPacket(tcpPacket(1, 200, false))
	p.ProcessPacket(tcpPacket(1, 100, false))

	rt := p.rules[1]
	assert.Len(t, rt.flows, 2)

	for _, rec := range rt.flows {
		data := rec.Fields()["count"]
		switch srcPortOfKey(rec.Key) {
		case 100:
			assert.Equal(t, uint64(2), data["packets"])
		case 200:
			assert.Equal(t, uint64(1), data["packets"])
		}
	}
}

func srcPortOfKey(key string) uint16 {
	b := []byte(key)
	if len(b) < 2 {
		return 0
	}
	return uint16(b[0])<<8 | uint16(b[1])
}

func TestProcessPacketAggregatesWhenAutoFlowsDisabled(t *testing.T) {
	p := New(metrics.DefaultRegistry(), scheduler.New())
	r := newAutoFlowsRule(1, 0)
	r.AutoFlows = false
	require.NoError(t, p.ActivateRule(r))

	p.ProcessPacket(tcpPacket(1, 100, false))
	p.ProcessPacket(tcpPacket(1, 200, false))

	rt := p.rules[1]
	require.Len(t, rt.flows, 1)
	for _, rec := range rt.flows {
		data := rec.Fields()["count"]
		assert.Equal(t, uint64(2), data["packets"])
	}
}

func TestForceExportFiresOnFIN(t *testing.T) {
	p := New(metrics.DefaultRegistry(), scheduler.New())
	r := newAutoFlowsRule(1, 0)
	r.MetricModules = []classifier.ModuleConfig{{Name: "tcpstats"}}
	require.NoError(t, p.ActivateRule(r))

	var exported []bool
	p.OnExport = func(ruleID uint32, rec *Record, final bool) {
		exported = append(exported, final)
	}

	syn := tcpPacket(1, 100, false)
	syn.Data[33] = 0x02 // SYN at TCP byte 13 (offset 20+13=33)
	p.ProcessPacket(syn)
	assert.Empty(t, exported)

	fin := tcpPacket(1, 100, false)
	fin.Data[33] = 0x01 // FIN
	p.ProcessPacket(fin)
	require.Len(t, exported, 1)
	assert.False(t, exported[0])
}

func TestDeactivateRuleExportsFinalAndTearsDown(t *testing.T) {
	p := New(metrics.DefaultRegistry(), scheduler.New())
	r := newAutoFlowsRule(1, 0)
	require.NoError(t, p.ActivateRule(r))
	p.ProcessPacket(tcpPacket(1, 100, false))

	var finals []bool
	p.OnExport = func(ruleID uint32, rec *Record, final bool) {
		finals = append(finals, final)
	}
	p.DeactivateRule(r)

	require.Len(t, finals, 1)
	assert.True(t, finals[0])
	_, stillThere := p.rules[1]
	assert.False(t, stillThere)
}

func TestIdleTimeoutExportsAndRemovesFlow(t *testing.T) {
	clock := scheduler.NewOfflineClock(time.Unix(0, 0))
	sched := scheduler.NewWithClock(clock)
	p := New(metrics.DefaultRegistry(), sched)
	r := newAutoFlowsRule(1, 1000)
	require.NoError(t, p.ActivateRule(r))

	pkt := tcpPacket(1, 100, false)
	pkt.TimestampUS = 0
	p.ProcessPacket(pkt)

	done := make(chan struct{})
	var final bool
	p.OnExport = func(ruleID uint32, rec *Record, f bool) {
		final = f
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	sched.AdvanceClock(time.Unix(2, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for idle-timeout export")
	}
	assert.True(t, final)

	rt := p.rules[1]
	assert.Empty(t, rt.flows)
}

func TestAlignToWallClockBoundary(t *testing.T) {
	interval := 5 * time.Second

	got := alignTo(time.Unix(12, 0), interval)
	assert.Equal(t, time.Unix(15, 0), got)

	aligned := time.Unix(10, 0)
	assert.Equal(t, aligned, alignTo(aligned, interval))
}

func TestExportIntervalTicksWithoutTearingDownFlow(t *testing.T) {
	clock := scheduler.NewOfflineClock(time.Unix(0, 0))
	sched := scheduler.NewWithClock(clock)
	p := New(metrics.DefaultRegistry(), sched)

	r := newAutoFlowsRule(1, 0)
	r.ExportConfigs = []classifier.ExportIntervalConfig{{ModuleName: "count", IntervalMS: 1000}}
	require.NoError(t, p.ActivateRule(r))

	pkt := tcpPacket(1, 100, false)
	pkt.TimestampUS = 0
	p.ProcessPacket(pkt)

	var finals []bool
	done := make(chan struct{})
	p.OnExport = func(ruleID uint32, rec *Record, final bool) {
		finals = append(finals, final)
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	sched.AdvanceClock(time.Unix(1, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for export-interval tick")
	}
	require.Len(t, finals, 1)
	assert.False(t, finals[0])

	rt := p.rules[1]
	assert.Len(t, rt.flows, 1)
}

func TestModuleTimerFiresTimeoutAndForceExports(t *testing.T) {
	clock := scheduler.NewOfflineClock(time.Unix(0, 0))
	sched := scheduler.NewWithClock(clock)

	tm := &timerModule{timers: []metrics.Timer{{ID: 7, Interval: 500}}}
	reg := metrics.NewRegistry()
	reg.Register("timer", func() metrics.Module { return tm })

	p := New(reg, sched)
	r := newAutoFlowsRule(1, 0)
	r.MetricModules = []classifier.ModuleConfig{{Name: "timer"}}
	require.NoError(t, p.ActivateRule(r))

	pkt := tcpPacket(1, 100, false)
	pkt.TimestampUS = 0
	p.ProcessPacket(pkt)

	done := make(chan struct{})
	p.OnExport = func(ruleID uint32, rec *Record, final bool) {
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)

	sched.AdvanceClock(time.Unix(1, 0))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for module timer to fire")
	}
	assert.Equal(t, []uint32{7}, tm.timeouts)
}
