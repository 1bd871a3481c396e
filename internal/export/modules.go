package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// LogModule renders each exported record as a structured log line — the
// reference export module every deployment gets for free, analogous to
// the original's simplest export modules that just print to a stream.
type LogModule struct {
	log *zap.Logger
}

// NewLogModule constructs a LogModule writing through log.
func NewLogModule(log *zap.Logger) *LogModule {
	return &LogModule{log: log}
}

func (m *LogModule) Name() string { return "log" }

func (m *LogModule) Init(params map[string]string) error { return nil }

func (m *LogModule) Export(rec *Record) error {
	fields := []zap.Field{
		zap.Uint32("rule_id", rec.RuleID),
		zap.String("flow_key", fmt.Sprintf("%x", rec.FlowKey)),
		zap.Bool("final", rec.Final),
		zap.Time("first_seen", rec.FirstSeen),
		zap.Time("last_seen", rec.LastSeen),
	}
	for modName, data := range rec.Fields {
		for k, v := range data {
			fields = append(fields, zap.Any(modName+"."+k, v))
		}
	}
	m.log.Info("flow export", fields...)
	return nil
}

func (m *LogModule) Close() error { return nil }

// CSVModule appends one row per exported record to an io.Writer, the
// column set fixed to the first record's (module, field) pairs in sorted
// order — a small, deterministic alternative to a schemaless log line for
// downstream tools that expect tabular output.
type CSVModule struct {
	mu      sync.Mutex
	w       *csv.Writer
	closer  io.Closer
	columns []string
}

// NewCSVModule wraps w, flushing after every row so a crash does not lose
// buffered records. If w also implements io.Closer (an *os.File opened by
// the runtime for a configured output path), Close closes it too.
func NewCSVModule(w io.Writer) *CSVModule {
	m := &CSVModule{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		m.closer = c
	}
	return m
}

func (m *CSVModule) Name() string { return "csv" }

func (m *CSVModule) Init(params map[string]string) error { return nil }

func (m *CSVModule) Export(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.columns == nil {
		m.columns = sortedColumns(rec.Fields)
		if err := m.w.Write(append([]string{"rule_id", "flow_key", "final"}, m.columns...)); err != nil {
			return err
		}
	}

	row := make([]string, 0, len(m.columns)+3)
	row = append(row, strconv.FormatUint(uint64(rec.RuleID), 10), rec.FlowKey, strconv.FormatBool(rec.Final))
	for _, col := range m.columns {
		modName, field, _ := splitColumn(col)
		row = append(row, fmt.Sprintf("%v", rec.Fields[modName][field]))
	}
	if err := m.w.Write(row); err != nil {
		return err
	}
	m.w.Flush()
	return m.w.Error()
}

func (m *CSVModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.w.Flush()
	if err := m.w.Error(); err != nil {
		return err
	}
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

func sortedColumns(fields map[string]map[string]any) []string {
	var cols []string
	for modName, data := range fields {
		for field := range data {
			cols = append(cols, modName+"."+field)
		}
	}
	sort.Strings(cols)
	return cols
}

func splitColumn(col string) (modName, field string, ok bool) {
	for i := 0; i < len(col); i++ {
		if col[i] == '.' {
			return col[:i], col[i+1:], true
		}
	}
	return "", "", false
}
