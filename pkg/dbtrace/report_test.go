// Tests for span/segment/metric record construction and the timing
// invariants that tie them together.
package dbtrace

import (
	"sync"
	"testing"
	"time"

	"github.com/andrewh/querytap/pkg/eventbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureReporter records everything emitted to it.
type captureReporter struct {
	mu       sync.Mutex
	segments []TraceSegment
	spans    []SpanRecord
	metrics  []metricSample
	attrs    []map[string]float64
}

type metricSample struct {
	key         MetricKey
	durationSec float64
}

func (c *captureReporter) AddTraceSegment(seg TraceSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, seg)
}

func (c *captureReporter) ReportSpan(rec SpanRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, rec)
}

func (c *captureReporter) ReportMetric(key MetricKey, durationSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, metricSample{key: key, durationSec: durationSec})
}

func (c *captureReporter) IncrementAttributes(attrs map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs = append(c.attrs, attrs)
}

// testReporter returns a SpanReporter with a fixed clock and counting id
// generator, plus the capture sink behind it.
func testReporter(t *testing.T, collectSQL bool, now time.Time) (*SpanReporter, *captureReporter) {
	t.Helper()
	sink := &captureReporter{}
	r := NewSpanReporter(sink, collectSQL)
	r.now = func() time.Time { return now }
	r.newID = func() string { return "span-1" }
	return r, sink
}

var testConn = RepoConnInfo{Hostname: "db.internal", Port: 5432, Database: "shop_prod"}

func TestReportTimingInvariants(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, sink := testReporter(t, true, now)

	// 1234567890ns truncates to 1234ms.
	r.Report(
		eventbus.Measurements{QueryTimeNanos: 1_234_567_890},
		eventbus.Metadata{QueryText: "SELECT 1"},
		ParsedQuery{Datastore: "Postgres", Table: "users", Operation: "select"},
		testConn,
		eventbus.TraceContext{},
	)

	require.Len(t, sink.segments, 1)
	require.Len(t, sink.spans, 1)
	require.Len(t, sink.metrics, 1)

	seg := sink.segments[0]
	span := sink.spans[0]

	assert.Equal(t, now.UnixMilli(), seg.EndTimeMs)
	assert.Equal(t, seg.EndTimeMs-1234, seg.StartTimeMs)
	assert.Equal(t, seg.StartTimeMs, span.TimestampMs)
	assert.InDelta(t, 1.234, span.DurationSec, 1e-9)
	assert.InDelta(t, 1.234, sink.metrics[0].durationSec, 1e-9)
}

func TestReportMetricNameAndKey(t *testing.T) {
	t.Parallel()

	r, sink := testReporter(t, false, time.Now())
	r.Report(
		eventbus.Measurements{QueryTimeNanos: 5_000_000},
		eventbus.Metadata{},
		ParsedQuery{Datastore: "MySQL", Table: "products", Operation: "select"},
		testConn,
		eventbus.TraceContext{},
	)

	require.Len(t, sink.spans, 1)
	assert.Equal(t, "Datastore/statement/MySQL/products/select", sink.spans[0].Name)
	assert.Equal(t, sink.spans[0].Name, sink.segments[0].PrimaryName)
	assert.Equal(t, MetricKey{Datastore: "MySQL", Table: "products", Operation: "select"}, sink.metrics[0].key)
}

func TestReportSQLCollection(t *testing.T) {
	t.Parallel()

	query := "SELECT secret FROM credentials WHERE user = 'bob'"
	md := eventbus.Metadata{QueryText: query}
	pq := ParsedQuery{Datastore: "Postgres", Table: "credentials", Operation: "select"}

	t.Run("collected", func(t *testing.T) {
		t.Parallel()
		r, sink := testReporter(t, true, time.Now())
		r.Report(eventbus.Measurements{QueryTimeNanos: 1e6}, md, pq, testConn, eventbus.TraceContext{})

		assert.Equal(t, query, sink.segments[0].Attributes["sql"])
		assert.Equal(t, query, sink.segments[0].SecondaryName)
		assert.Equal(t, query, sink.spans[0].Attributes["db.statement"])
	})

	t.Run("redacted", func(t *testing.T) {
		t.Parallel()
		r, sink := testReporter(t, false, time.Now())
		r.Report(eventbus.Measurements{QueryTimeNanos: 1e6}, md, pq, testConn, eventbus.TraceContext{})

		assert.Equal(t, "", sink.segments[0].Attributes["sql"])
		assert.Equal(t, "", sink.segments[0].SecondaryName)
		assert.Equal(t, "", sink.spans[0].Attributes["db.statement"])
	})
}

func TestReportParentLinkage(t *testing.T) {
	t.Parallel()

	t.Run("root when no current span", func(t *testing.T) {
		t.Parallel()
		r, sink := testReporter(t, false, time.Now())
		r.Report(eventbus.Measurements{}, eventbus.Metadata{}, ParsedQuery{Datastore: "Postgres", Table: "t", Operation: "select"}, testConn, eventbus.TraceContext{})

		assert.Equal(t, ParentRoot, sink.spans[0].Edge.ParentID)
		assert.Equal(t, ParentRoot, sink.segments[0].ParentID)
	})

	t.Run("caller span becomes parent", func(t *testing.T) {
		t.Parallel()
		r, sink := testReporter(t, false, time.Now())
		r.Report(eventbus.Measurements{}, eventbus.Metadata{}, ParsedQuery{Datastore: "Postgres", Table: "t", Operation: "select"}, testConn, eventbus.TraceContext{ParentSpanID: "txn-span-9"})

		assert.Equal(t, "txn-span-9", sink.spans[0].Edge.ParentID)
		assert.Equal(t, "span-1", sink.spans[0].Edge.SpanID)
		assert.Equal(t, "span-1", sink.segments[0].SegmentID)
	})
}

func TestReportSpanAttributes(t *testing.T) {
	t.Parallel()

	r, sink := testReporter(t, false, time.Now())
	r.Report(eventbus.Measurements{QueryTimeNanos: 1e6}, eventbus.Metadata{}, ParsedQuery{Datastore: "Postgres", Table: "users", Operation: "select"}, testConn, eventbus.TraceContext{})

	span := sink.spans[0]
	assert.Equal(t, "datastore", span.Category)
	assert.Equal(t, "Postgres", span.Attributes["component"])
	assert.Equal(t, "client", span.Attributes["span.kind"])
	assert.Equal(t, "shop_prod", span.Attributes["db.instance"])
	assert.Equal(t, "db.internal:5432", span.Attributes["peer.address"])
	assert.Equal(t, "db.internal", span.Attributes["peer.hostname"])

	seg := sink.segments[0]
	assert.Equal(t, "users", seg.Attributes["collection"])
	assert.Equal(t, "select", seg.Attributes["operation"])
	assert.Equal(t, "db.internal", seg.Attributes["host"])
	assert.Equal(t, "5432", seg.Attributes["port_path_or_id"])
	assert.Equal(t, "shop_prod", seg.Attributes["database_name"])
	assert.NotEmpty(t, seg.ProcessID)
}

func TestReportCumulativeAttributes(t *testing.T) {
	t.Parallel()

	r, sink := testReporter(t, false, time.Now())
	r.Report(eventbus.Measurements{QueryTimeNanos: 250_000_000}, eventbus.Metadata{}, ParsedQuery{Datastore: "Postgres", Table: "orders", Operation: "insert"}, testConn, eventbus.TraceContext{})

	require.Len(t, sink.attrs, 1)
	attrs := sink.attrs[0]
	assert.Equal(t, 1.0, attrs["databaseCallCount"])
	assert.InDelta(t, 0.25, attrs["databaseDuration"], 1e-9)
	assert.Equal(t, 1.0, attrs["datastore_call_count"])
	assert.Equal(t, 250.0, attrs["datastore_duration_ms"])
	assert.Equal(t, 1.0, attrs["datastore.orders.call_count"])
	assert.Equal(t, 250.0, attrs["datastore.orders.duration_ms"])
}

func TestReportFreshIDPerEvent(t *testing.T) {
	t.Parallel()

	sink := &captureReporter{}
	r := NewSpanReporter(sink, false)

	for range 3 {
		r.Report(eventbus.Measurements{}, eventbus.Metadata{}, ParsedQuery{Datastore: "Postgres", Table: "t", Operation: "select"}, testConn, eventbus.TraceContext{})
	}

	seen := make(map[string]bool)
	for _, span := range sink.spans {
		assert.Len(t, span.Edge.SpanID, 16)
		assert.False(t, seen[span.Edge.SpanID], "span ids must be unique")
		seen[span.Edge.SpanID] = true
	}
}
