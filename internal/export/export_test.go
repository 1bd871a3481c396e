package export

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingModule struct {
	mu   sync.Mutex
	name string
	got  []*Record
	err  error
}

func (m *recordingModule) Name() string                 { return m.name }
func (m *recordingModule) Init(map[string]string) error { return nil }
func (m *recordingModule) Close() error                 { return nil }

func (m *recordingModule) Export(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, rec)
	return m.err
}

func (m *recordingModule) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.got)
}

func sampleRecord(ruleID uint32) *Record {
	return &Record{
		RuleID:    ruleID,
		FlowKey:   "flow-1",
		FirstSeen: time.Unix(0, 0),
		LastSeen:  time.Unix(1, 0),
		Fields:    map[string]map[string]any{"count": {"packets": uint64(3), "bytes": uint64(180)}},
	}
}

func TestExporterDispatchesToRuleModules(t *testing.T) {
	e := New(8)
	mod := &recordingModule{name: "rec"}
	e.SetRuleModules(1, []Module{mod})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); e.Run(ctx) }()

	require.True(t, e.Submit(sampleRecord(1)))

	require.Eventually(t, func() bool { return mod.count() == 1 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()
}

func TestExporterDropsWhenQueueFull(t *testing.T) {
	e := New(1)
	e.Submit(sampleRecord(1))
	ok := e.Submit(sampleRecord(1))
	assert.False(t, ok)
	assert.Equal(t, uint64(1), e.Dropped())
}

func TestExporterDrainsOnShutdown(t *testing.T) {
	e := New(8)
	mod := &recordingModule{name: "rec"}
	e.SetRuleModules(1, []Module{mod})

	for i := 0; i < 5; i++ {
		require.True(t, e.Submit(sampleRecord(1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already-cancelled: Run should still drain the backlog once
	err := e.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, mod.count())
}

func TestExporterCallsOnExportErrorCallback(t *testing.T) {
	e := New(8)
	mod := &recordingModule{name: "rec", err: errors.New("boom")}
	e.SetRuleModules(1, []Module{mod})

	var gotErr error
	var mu sync.Mutex
	e.OnExportError(func(ruleID uint32, moduleName string, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	require.True(t, e.Submit(sampleRecord(1)))
	e.drain()

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, gotErr)
}

func TestLogModuleExportSucceeds(t *testing.T) {
	obs := zaptest.NewLogger(t)
	m := NewLogModule(obs)
	require.NoError(t, m.Export(sampleRecord(1)))
}

func TestCSVModuleWritesHeaderThenRows(t *testing.T) {
	var buf bytes.Buffer
	m := NewCSVModule(&buf)
	require.NoError(t, m.Export(sampleRecord(1)))
	require.NoError(t, m.Export(sampleRecord(2)))
	require.NoError(t, m.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "rule_id")
	assert.Contains(t, lines[1], "1,flow-1")
}
