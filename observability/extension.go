package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bozzfozz/backbeat/ext"
	"github.com/bozzfozz/backbeat/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.JobEnqueued        = (*MetricsExtension)(nil)
	_ ext.JobStarted         = (*MetricsExtension)(nil)
	_ ext.JobCompleted       = (*MetricsExtension)(nil)
	_ ext.JobFailed          = (*MetricsExtension)(nil)
	_ ext.JobRetrying        = (*MetricsExtension)(nil)
	_ ext.JobCancelled       = (*MetricsExtension)(nil)
	_ ext.FlushCompleted     = (*MetricsExtension)(nil)
	_ ext.ReconcileCompleted = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle metrics through an OpenTelemetry
// meter. Register it as a Backbeat extension to track enqueue rates,
// completion counts, failure rates, retries, cancellations, job run
// durations, flush cycle outcomes, and reconciliation passes.
type MetricsExtension struct {
	jobEnqueued    metric.Int64Counter
	jobStarted     metric.Int64Counter
	jobCompleted   metric.Int64Counter
	jobFailed      metric.Int64Counter
	jobRetried     metric.Int64Counter
	jobCancelled   metric.Int64Counter
	jobDuration    metric.Float64Histogram
	flushFlushed   metric.Int64Counter
	flushFailed    metric.Int64Counter
	flushDuration  metric.Float64Histogram
	reconcileItems metric.Int64Counter
	reconcileErrs  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the globally
// registered meter provider.
func NewMetricsExtension() (*MetricsExtension, error) {
	return NewMetricsExtensionWithMeter(otel.Meter("backbeat/observability"))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Pass a meter from a test meter provider to inspect
// recorded values.
func NewMetricsExtensionWithMeter(meter metric.Meter) (*MetricsExtension, error) {
	m := &MetricsExtension{}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			errs = append(errs, err)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"))
		if err != nil {
			errs = append(errs, err)
		}
		return h
	}

	m.jobEnqueued = counter("backbeat.jobs.enqueued", "Jobs persisted and admitted")
	m.jobStarted = counter("backbeat.jobs.started", "Jobs claimed by a worker")
	m.jobCompleted = counter("backbeat.jobs.completed", "Jobs finished successfully")
	m.jobFailed = counter("backbeat.jobs.failed", "Jobs failed terminally")
	m.jobRetried = counter("backbeat.jobs.retried", "Job executions scheduled for retry")
	m.jobCancelled = counter("backbeat.jobs.cancelled", "Jobs cancelled")
	m.jobDuration = histogram("backbeat.jobs.duration", "Job run duration")
	m.flushFlushed = counter("backbeat.writeback.flushed", "Write-behind intents flushed")
	m.flushFailed = counter("backbeat.writeback.failed", "Write-behind intents re-buffered after a failed flush")
	m.flushDuration = histogram("backbeat.writeback.flush_duration", "Flush cycle duration")
	m.reconcileItems = counter("backbeat.reconcile.items", "Items observed per reconciliation pass")
	m.reconcileErrs = counter("backbeat.reconcile.errors", "Failed reconciliation passes")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return m, nil
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func jobAttrs(j *job.Job) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job.name", j.Name),
		attribute.String("job.queue", j.Queue),
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.jobStarted.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobCompleted.Add(ctx, 1, jobAttrs(j))
	m.jobDuration.Record(ctx, elapsed.Seconds(), jobAttrs(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, jobAttrs(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	m.jobCancelled.Add(ctx, 1, jobAttrs(j))
	return nil
}

// ── Write-behind hooks ──────────────────────────────

// OnFlushCompleted implements ext.FlushCompleted.
func (m *MetricsExtension) OnFlushCompleted(ctx context.Context, flushed, failed int, elapsed time.Duration) error {
	m.flushFlushed.Add(ctx, int64(flushed))
	m.flushFailed.Add(ctx, int64(failed))
	m.flushDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// ── Reconciliation hooks ────────────────────────────

// OnReconcileCompleted implements ext.ReconcileCompleted.
func (m *MetricsExtension) OnReconcileCompleted(ctx context.Context, items int, err error) error {
	if err != nil {
		m.reconcileErrs.Add(ctx, 1)
		return nil
	}
	m.reconcileItems.Add(ctx, int64(items))
	return nil
}
