package grouping

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// metrics bundles the OpenTelemetry instruments the Engine reports on,
// per spec §4.E's counters/histogram list.
type metrics struct {
	bucketsCreated  metric.Int64Counter
	bucketsClosed   metric.Int64Counter
	jobsSubmitted   metric.Int64Counter
	jobsRetried     metric.Int64Counter
	jobsFailed      metric.Int64Counter
	bucketInstances metric.Int64Histogram
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/clarapipe/dicom-adapter/grouping")

	m := &metrics{}
	m.bucketsCreated, _ = meter.Int64Counter("grouping.buckets.created")
	m.bucketsClosed, _ = meter.Int64Counter("grouping.buckets.closed")
	m.jobsSubmitted, _ = meter.Int64Counter("grouping.jobs.submitted")
	m.jobsRetried, _ = meter.Int64Counter("grouping.jobs.retried")
	m.jobsFailed, _ = meter.Int64Counter("grouping.jobs.failed")
	m.bucketInstances, _ = meter.Int64Histogram("grouping.bucket.instance_count")
	return m
}
