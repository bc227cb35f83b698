// ABOUTME: MemTable telemetry tests driven by real writes, scans and snapshots
// ABOUTME: Uses a recording telemetry double to check which metrics each path emits

package memtable

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/KevoDB/tierscan/pkg/common/iterator"
	"github.com/KevoDB/tierscan/pkg/telemetry"
)

type recordingTelemetry struct {
	mu         sync.Mutex
	histograms map[string]int
	counters   map[string][][]attribute.KeyValue
}

func newRecordingTelemetry() *recordingTelemetry {
	return &recordingTelemetry{
		histograms: make(map[string]int),
		counters:   make(map[string][][]attribute.KeyValue),
	}
}

func (r *recordingTelemetry) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.histograms[name]++
}

func (r *recordingTelemetry) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] = append(r.counters[name], attrs)
}

func (r *recordingTelemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (r *recordingTelemetry) Shutdown(ctx context.Context) error { return nil }

func (r *recordingTelemetry) histogramCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.histograms[name]
}

// counterCount returns how many times name was recorded with op as its operation type, or
// at all when op is empty.
func (r *recordingTelemetry) counterCount(name, op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, attrs := range r.counters[name] {
		if op == "" {
			n++
			continue
		}
		for _, kv := range attrs {
			if string(kv.Key) == telemetry.AttrOperationType && kv.Value.AsString() == op {
				n++
			}
		}
	}
	return n
}

func TestMemTableMetricsFromScans(t *testing.T) {
	tel := newRecordingTelemetry()
	mt := NewMemTable(WithMetrics(NewMemTableMetrics(tel)))

	for i := 0; i < 50; i++ {
		mt.Put([]byte(fmt.Sprintf("k%03d", i)), []byte("v"))
	}
	mt.Delete([]byte("k000"))
	mt.Get([]byte("k001"))

	if got := tel.counterCount("tierscan.memtable.operations.total", "put"); got != 50 {
		t.Errorf("expected 50 put operations, got %d", got)
	}
	if got := tel.counterCount("tierscan.memtable.operations.total", "delete"); got != 1 {
		t.Errorf("expected 1 delete operation, got %d", got)
	}
	if got := tel.counterCount("tierscan.memtable.operations.total", "get"); got != 1 {
		t.Errorf("expected 1 get operation, got %d", got)
	}

	it, err := mt.Iter()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iterator.Collect(it); err != nil {
		t.Fatal(err)
	}
	if got := tel.histogramCount("tierscan.memtable.lock.hold"); got != 1 {
		t.Errorf("expected one lock hold per locked scan, got %d", got)
	}

	s, err := mt.SlicedScan(iterator.FullRange())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iterator.Collect(s); err != nil {
		t.Fatal(err)
	}
	if got := tel.counterCount("tierscan.memtable.slices.total", ""); got < 1 {
		t.Errorf("expected slices to be recorded, got %d", got)
	}
	if tel.histogramCount("tierscan.memtable.slice.hold") != tel.counterCount("tierscan.memtable.slices.total", "") {
		t.Error("every slice should record its lock hold")
	}
}

func TestMemTableMetricsLockTimeout(t *testing.T) {
	tel := newRecordingTelemetry()
	mt := NewMemTable(WithLockTimeout(2*time.Millisecond), WithMetrics(NewMemTableMetrics(tel)))

	mt.mu.Lock()
	_, err := mt.Iter()
	mt.mu.Unlock()
	if err == nil {
		t.Fatal("expected a lock timeout")
	}
	if got := tel.counterCount("tierscan.memtable.lock.timeouts", ""); got != 1 {
		t.Errorf("expected 1 lock timeout, got %d", got)
	}
	if got := tel.histogramCount("tierscan.memtable.lock.wait"); got != 1 {
		t.Errorf("expected 1 lock wait sample, got %d", got)
	}
}

func TestMemTableMetricsSnapshots(t *testing.T) {
	tel := newRecordingTelemetry()
	m := NewMVCC(WithMetrics(NewMemTableMetrics(tel)))
	m.Put([]byte("a"), []byte("1"))

	snap := m.Snapshot()
	snap.Release()

	if got := tel.counterCount("tierscan.memtable.snapshot.total", "acquire"); got != 1 {
		t.Errorf("expected 1 snapshot acquire, got %d", got)
	}
}

func TestNoopMemTableMetrics(t *testing.T) {
	m := NewNoopMemTableMetrics()
	ctx := context.Background()
	m.RecordOperation(ctx, "put", time.Millisecond)
	m.RecordLockHold(ctx, "iter", time.Millisecond, 1)
	m.RecordSlice(ctx, time.Millisecond, 1, false)
	m.RecordLockTimeout(ctx, time.Millisecond)
	m.RecordSnapshot(ctx, true, 1)
	if err := m.Close(); err != nil {
		t.Errorf("noop Close returned %v", err)
	}

	if NewMemTableMetrics(nil) == nil {
		t.Error("nil telemetry should yield a usable recorder")
	}
}
