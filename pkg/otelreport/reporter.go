// OpenTelemetry-backed reporting collaborator: spans go out via the trace
// SDK with explicit timestamps, datastore metrics via a duration
// histogram, cumulative attributes via lazily-created counters, and trace
// segments as log records.
package otelreport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andrewh/querytap/pkg/dbtrace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "querytap"

// Reporter implements dbtrace.Reporter on top of OTel providers.
// All methods are safe for concurrent use.
type Reporter struct {
	tracer   trace.Tracer
	logger   log.Logger
	meter    metric.Meter
	duration metric.Float64Histogram

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New creates a Reporter emitting through the given providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider, lp log.LoggerProvider) (*Reporter, error) {
	meter := mp.Meter(scopeName)

	duration, err := meter.Float64Histogram("db.query.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of database queries in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	return &Reporter{
		tracer:   tp.Tracer(scopeName),
		logger:   lp.Logger(scopeName),
		meter:    meter,
		duration: duration,
		counters: make(map[string]metric.Float64Counter),
	}, nil
}

// ReportSpan emits one client span with the record's explicit timestamps.
// The logical edge ids ride along as attributes since the record's ids
// come from the instrumented application, not this SDK.
func (r *Reporter) ReportSpan(rec dbtrace.SpanRecord) {
	start := time.UnixMilli(rec.TimestampMs)
	end := start.Add(time.Duration(rec.DurationSec * float64(time.Second)))

	attrs := make([]attribute.KeyValue, 0, len(rec.Attributes)+3)
	attrs = append(attrs,
		attribute.String("category", rec.Category),
		attribute.String("edge.span_id", rec.Edge.SpanID),
		attribute.String("edge.parent_id", rec.Edge.ParentID),
	)
	for k, v := range rec.Attributes {
		attrs = append(attrs, typedAttribute(k, v))
	}

	_, span := r.tracer.Start(context.Background(), rec.Name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	span.End(trace.WithTimestamp(end))
}

// ReportMetric records one duration sample keyed by datastore, table, and
// operation.
func (r *Reporter) ReportMetric(key dbtrace.MetricKey, durationSec float64) {
	r.duration.Record(context.Background(), durationSec, metric.WithAttributes(
		attribute.String("db.system", key.Datastore),
		attribute.String("db.table", key.Table),
		attribute.String("db.operation", key.Operation),
	))
}

// IncrementAttributes adds each value to a counter named after its key.
// Instruments are created on first use and cached.
func (r *Reporter) IncrementAttributes(attrs map[string]float64) {
	for k, v := range attrs {
		counter, err := r.counter(k)
		if err != nil {
			continue
		}
		counter.Add(context.Background(), v)
	}
}

func (r *Reporter) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

// AddTraceSegment emits the segment as an info log record carrying the
// segment fields as attributes.
func (r *Reporter) AddTraceSegment(seg dbtrace.TraceSegment) {
	attrs := []log.KeyValue{
		log.String("segment.name", seg.PrimaryName),
		log.String("segment.id", seg.SegmentID),
		log.String("segment.parent_id", seg.ParentID),
		log.String("process.id", seg.ProcessID),
		log.Int64("segment.start_ms", seg.StartTimeMs),
		log.Int64("segment.end_ms", seg.EndTimeMs),
	}
	for k, v := range seg.Attributes {
		attrs = append(attrs, log.String("segment.attr."+k, fmt.Sprint(v)))
	}

	var rec log.Record
	rec.SetTimestamp(time.UnixMilli(seg.EndTimeMs))
	rec.SetSeverity(log.SeverityInfo)
	rec.SetSeverityText("INFO")
	rec.SetBody(log.StringValue(seg.PrimaryName))
	rec.AddAttributes(attrs...)
	r.logger.Emit(context.Background(), rec)
}

// typedAttribute creates a KeyValue with the appropriate OTel type for the value.
func typedAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
