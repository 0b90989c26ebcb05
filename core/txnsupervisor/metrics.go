package txnsupervisor

import "go.opentelemetry.io/otel/metric"

// Metrics holds all the metric instruments for the transaction supervisor.
type Metrics struct {
	StartedCounter    metric.Int64Counter
	CommittedCounter  metric.Int64Counter
	AbortedCounter    metric.Int64Counter
	TimedOutCounter   metric.Int64Counter
	DurationHistogram metric.Int64Histogram
}

// NewMetrics creates and registers all the metrics for the supervisor.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	started, err := meter.Int64Counter(
		"stratum.txn.started_total",
		metric.WithDescription("Total number of supervised transactions started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committed, err := meter.Int64Counter(
		"stratum.txn.committed_total",
		metric.WithDescription("Total number of supervised transactions committed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	aborted, err := meter.Int64Counter(
		"stratum.txn.aborted_total",
		metric.WithDescription("Total number of supervised transactions aborted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	timedOut, err := meter.Int64Counter(
		"stratum.txn.timed_out_total",
		metric.WithDescription("Total number of supervised transactions that hit their deadline."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Int64Histogram(
		"stratum.txn.duration",
		metric.WithDescription("The latency of supervised transactions."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		StartedCounter:    started,
		CommittedCounter:  committed,
		AbortedCounter:    aborted,
		TimedOutCounter:   timedOut,
		DurationHistogram: duration,
	}, nil
}
