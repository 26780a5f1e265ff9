package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agora metrics instruments.
type Metrics struct {
	CycleDuration     metric.Float64Histogram
	ActionsTotal      metric.Int64Counter
	InferenceDuration metric.Float64Histogram
	PacerWait         metric.Float64Histogram
	BreakerTrips      metric.Int64Counter
	BudgetUsed        metric.Int64Counter
	DeltasTotal       metric.Int64Counter
	VerifyMismatches  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("agora.cycle.duration",
		metric.WithDescription("Full batch cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActionsTotal, err = meter.Int64Counter("agora.actions",
		metric.WithDescription("Agent actions by kind and status"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceDuration, err = meter.Float64Histogram("agora.inference.duration",
		metric.WithDescription("Inference backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PacerWait, err = meter.Float64Histogram("agora.pacer.wait",
		metric.WithDescription("Time spent waiting on the mutation pacer in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BreakerTrips, err = meter.Int64Counter("agora.breaker.trips",
		metric.WithDescription("Circuit breaker trips by backend"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetUsed, err = meter.Int64Counter("agora.budget.used",
		metric.WithDescription("Daily inference budget consumption"),
	)
	if err != nil {
		return nil, err
	}

	m.DeltasTotal, err = meter.Int64Counter("agora.deltas",
		metric.WithDescription("Processed deltas by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyMismatches, err = meter.Int64Counter("agora.verify.mismatches",
		metric.WithDescription("Ledger consistency mismatches found by the verifier"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
