package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netmate-project/meter-core/internal/netheader"
)

func tcpMeta(wireLen int, flags byte) *netheader.Meta {
	data := make([]byte, 40)
	m := &netheader.Meta{Data: data, WireLen: wireLen}
	m.Offs[netheader.ReferTrans] = 0
	m.Proto[netheader.ReferTrans] = 6
	data[13] = flags
	return m
}

func TestCountModuleAccumulates(t *testing.T) {
	m := &CountModule{}
	rec := NewFlowState()
	require.NoError(t, m.InitFlow(rec))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ProcessPacket(rec, &netheader.Meta{WireLen: 100}))
	}
	data, err := m.ExportData(rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), data["packets"])
	assert.Equal(t, uint64(300), data["bytes"])

	m.ResetFlow(rec)
	data, _ = m.ExportData(rec)
	assert.Equal(t, uint64(0), data["packets"])
}

func TestTCPStatsModuleForcesExportOnFIN(t *testing.T) {
	m := &TCPStatsModule{}
	rec := NewFlowState()
	require.NoError(t, m.InitFlow(rec))

	require.NoError(t, m.ProcessPacket(rec, tcpMeta(60, tcpFlagSYN)))
	assert.False(t, rec.ForceExport)

	require.NoError(t, m.ProcessPacket(rec, tcpMeta(60, tcpFlagFIN)))
	assert.True(t, rec.ForceExport)

	data, err := m.ExportData(rec)
	require.NoError(t, err)
	assert.Equal(t, true, data["fin_seen"])
	assert.Equal(t, true, data["syn_seen"])
}

func TestRegistryResolvesReferenceModules(t *testing.T) {
	r := DefaultRegistry()
	m, err := r.New("count", nil)
	require.NoError(t, err)
	assert.Equal(t, "count", m.Name())

	_, err = r.New("does-not-exist", nil)
	assert.Error(t, err)
}
