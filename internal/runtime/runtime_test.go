package runtime

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/netmate-project/meter-core/internal/capture"
	"github.com/netmate-project/meter-core/internal/classifier"
	"github.com/netmate-project/meter-core/internal/netheader"
)

// fakeSource feeds a fixed slice of packets then returns io.EOF, the
// capture.Source shape a finite trace replay exposes.
type fakeSource struct {
	pkts []*netheader.Meta
	i    int
}

func (f *fakeSource) Next(ctx context.Context) (*netheader.Meta, error) {
	if f.i >= len(f.pkts) {
		return nil, io.EOF
	}
	m := f.pkts[f.i]
	f.i++
	return m, nil
}
func (f *fakeSource) IsOnline() bool       { return false }
func (f *fakeSource) Stats() capture.Stats { return capture.Stats{} }
func (f *fakeSource) Close() error         { return nil }

func tcpPacket(proto byte, srcPort, dstPort uint16, tsUS int64) *netheader.Meta {
	data := make([]byte, 24)
	data[9] = proto
	data[20] = byte(srcPort >> 8)
	data[21] = byte(srcPort)
	data[22] = byte(dstPort >> 8)
	data[23] = byte(dstPort)
	m := &netheader.Meta{Data: data, TimestampUS: tsUS}
	m.Offs[netheader.ReferMAC] = 0
	m.Offs[netheader.ReferIP] = 0
	m.Offs[netheader.ReferTrans] = 20
	m.Offs[netheader.ReferData] = netheader.Unreached
	return m
}

func testRule(id uint32) *classifier.Rule {
	return &classifier.Rule{
		ID:      id,
		SetName: "web",
		Filters: []classifier.Filter{{
			Name: "proto", Refer: netheader.ReferIP, Offset: 9, Len: 1,
			Mask: []byte{0xff}, Kind: classifier.MatchExact, Values: [][]byte{{6}},
		}},
		MetricModules: []classifier.ModuleConfig{{Name: "count"}},
		AutoFlows:     false,
	}
}

func TestRuntimeProcessesReplayedPacketsAgainstInstalledRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlListenAddress = ""

	log := zaptest.NewLogger(t)
	rt, err := New(cfg, log, zap.NewAtomicLevel(), nil, time.Unix(0, 0))
	require.NoError(t, err)

	id, err := rt.Controller().AddTask(testRule(0))
	require.NoError(t, err)
	assert.NotZero(t, id)

	src := &fakeSource{pkts: []*netheader.Meta{
		tcpPacket(6, 100, 80, 1_000_000),
		tcpPacket(6, 200, 80, 2_000_000),
	}}
	rt.AddSource(src)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = rt.Run(ctx)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))
}

func TestRuntimeLockAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	require.NoError(t, err)

	_, err = AcquireLock(dir)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, l.Release())

	l2, err := AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
