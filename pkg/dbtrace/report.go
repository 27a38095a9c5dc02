// Conversion of classified query events into trace segments, span
// records, and datastore metrics. Timing is derived from a single
// duration-in-nanoseconds measurement truncated to millisecond
// granularity; all records for one event share that truncated duration.
package dbtrace

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/andrewh/querytap/pkg/eventbus"
	"github.com/google/uuid"
)

// ParentRoot is the sentinel parent id used when the calling execution
// context has no current span.
const ParentRoot = "root"

// spanCategory is the category every datastore span is reported under.
const spanCategory = "datastore"

// TraceSegment is a named, timed unit of work attached to a transaction
// trace.
type TraceSegment struct {
	PrimaryName   string
	SecondaryName string
	Attributes    map[string]any
	ProcessID     string
	SegmentID     string
	ParentID      string
	StartTimeMs   int64
	EndTimeMs     int64
}

// SpanEdge links a span to its parent.
type SpanEdge struct {
	SpanID   string
	ParentID string
}

// SpanRecord is a distributed-tracing span handed to the reporting
// collaborator.
type SpanRecord struct {
	TimestampMs int64
	DurationSec float64
	Name        string
	Edge        SpanEdge
	Category    string
	Attributes  map[string]any
}

// MetricKey identifies one datastore metric timeslice.
type MetricKey struct {
	Datastore string
	Table     string
	Operation string
}

// MetricName renders the key in Datastore/statement form.
func (k MetricKey) MetricName() string {
	return fmt.Sprintf("Datastore/statement/%s/%s/%s", k.Datastore, k.Table, k.Operation)
}

// Reporter is the outbound reporting collaborator. All methods are
// fire-and-forget from this package's perspective; retries and
// backpressure are the implementation's concern.
type Reporter interface {
	AddTraceSegment(seg TraceSegment)
	ReportSpan(rec SpanRecord)
	ReportMetric(key MetricKey, durationSec float64)
	IncrementAttributes(attrs map[string]float64)
}

// SpanReporter builds the outbound records for classified query events.
// It performs no I/O of its own and is safe for concurrent use.
type SpanReporter struct {
	out        Reporter
	collectSQL bool
	now        func() time.Time
	newID      func() string
}

// NewSpanReporter creates a SpanReporter emitting to out. When collectSQL
// is false the raw query text never appears in any emitted record.
func NewSpanReporter(out Reporter, collectSQL bool) *SpanReporter {
	return &SpanReporter{
		out:        out,
		collectSQL: collectSQL,
		now:        time.Now,
		newID:      newSpanID,
	}
}

// newSpanID returns a fresh 16-hex-character span identifier.
func newSpanID() string {
	return uuid.NewString()[:8] + uuid.NewString()[:8]
}

// Report converts one classified event into a trace segment, a span
// record, a metric sample, and cumulative attributes, and emits them.
func (r *SpanReporter) Report(ms eventbus.Measurements, md eventbus.Metadata, pq ParsedQuery, conn RepoConnInfo, tctx eventbus.TraceContext) {
	durationMs := ms.QueryTimeNanos / int64(time.Millisecond)
	durationSec := float64(durationMs) / 1000

	endTimeMs := r.now().UnixMilli()
	startTimeMs := endTimeMs - durationMs

	id := r.newID()
	parentID := tctx.ParentSpanID
	if parentID == "" {
		parentID = ParentRoot
	}

	key := MetricKey{Datastore: pq.Datastore, Table: pq.Table, Operation: pq.Operation}
	name := key.MetricName()

	sql := ""
	if r.collectSQL {
		sql = md.QueryText
	}

	address := conn.Hostname + ":" + strconv.Itoa(conn.Port)

	r.out.AddTraceSegment(TraceSegment{
		PrimaryName:   name,
		SecondaryName: sql,
		Attributes: map[string]any{
			"sql":             sql,
			"collection":      pq.Table,
			"operation":       pq.Operation,
			"host":            conn.Hostname,
			"port_path_or_id": strconv.Itoa(conn.Port),
			"database_name":   conn.Database,
		},
		ProcessID:   strconv.Itoa(os.Getpid()),
		SegmentID:   id,
		ParentID:    parentID,
		StartTimeMs: startTimeMs,
		EndTimeMs:   endTimeMs,
	})

	r.out.ReportSpan(SpanRecord{
		TimestampMs: startTimeMs,
		DurationSec: durationSec,
		Name:        name,
		Edge:        SpanEdge{SpanID: id, ParentID: parentID},
		Category:    spanCategory,
		Attributes: map[string]any{
			"component":     pq.Datastore,
			"span.kind":     "client",
			"db.statement":  sql,
			"db.instance":   conn.Database,
			"peer.address":  address,
			"peer.hostname": conn.Hostname,
		},
	})

	r.out.ReportMetric(key, durationSec)

	r.out.IncrementAttributes(map[string]float64{
		"databaseCallCount":     1,
		"databaseDuration":      durationSec,
		"datastore_call_count":  1,
		"datastore_duration_ms": float64(durationMs),
		"datastore." + pq.Table + ".call_count":  1,
		"datastore." + pq.Table + ".duration_ms": float64(durationMs),
	})
}
