package migration

import "go.opentelemetry.io/otel/metric"

// Metrics holds all the metric instruments for the migration coordinator.
type Metrics struct {
	CompletedCounter  metric.Int64Counter
	FailedCounter     metric.Int64Counter
	RolledBackCounter metric.Int64Counter
	DurationHistogram metric.Int64Histogram
}

// NewMetrics creates and registers all the metrics for the coordinator.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	completed, err := meter.Int64Counter(
		"stratum.migration.completed_total",
		metric.WithDescription("Total number of migrations completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"stratum.migration.failed_total",
		metric.WithDescription("Total number of migrations whose forward action failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rolledBack, err := meter.Int64Counter(
		"stratum.migration.rolled_back_total",
		metric.WithDescription("Total number of migrations rolled back after failure."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Int64Histogram(
		"stratum.migration.duration",
		metric.WithDescription("The wall-clock duration of completed migrations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		CompletedCounter:  completed,
		FailedCounter:     failed,
		RolledBackCounter: rolledBack,
		DurationHistogram: duration,
	}, nil
}
