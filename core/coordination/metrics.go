package coordination

import "go.opentelemetry.io/otel/metric"

// Metrics holds all the metric instruments for the lock protocol.
type Metrics struct {
	GrantedCounter   metric.Int64Counter
	DeniedCounter    metric.Int64Counter
	ReclaimedCounter metric.Int64Counter
}

// NewMetrics creates and registers all the metrics for the coordinator.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	granted, err := meter.Int64Counter(
		"stratum.lock.granted_total",
		metric.WithDescription("Total number of lock acquisitions that succeeded."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	denied, err := meter.Int64Counter(
		"stratum.lock.denied_total",
		metric.WithDescription("Total number of lock denials received."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	reclaimed, err := meter.Int64Counter(
		"stratum.lock.reclaimed_total",
		metric.WithDescription("Total number of locks reclaimed from silent holders."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		GrantedCounter:   granted,
		DeniedCounter:    denied,
		ReclaimedCounter: reclaimed,
	}, nil
}
