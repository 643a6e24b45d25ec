package transport

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments the transport updates as it
// forwards leak summaries. A nil *Metrics disables instrumentation entirely;
// callers that don't configure a meter provider pass nil to New.
type Metrics struct {
	summariesSent  metric.Int64Counter
	leaksForwarded metric.Int64Counter
	reconnects     metric.Int64Counter
}

// NewMetrics registers the transport's instruments against meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	summariesSent, err := meter.Int64Counter(
		"jmprof.forwarder.summaries_sent",
		metric.WithDescription("LeakSummary messages successfully sent to the collector"),
	)
	if err != nil {
		return nil, err
	}

	leaksForwarded, err := meter.Int64Counter(
		"jmprof.forwarder.leaks_forwarded",
		metric.WithDescription("Individual leak entries forwarded to the collector"),
	)
	if err != nil {
		return nil, err
	}

	reconnects, err := meter.Int64Counter(
		"jmprof.forwarder.reconnects",
		metric.WithDescription("Successful (re)connections to the collector"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		summariesSent:  summariesSent,
		leaksForwarded: leaksForwarded,
		reconnects:     reconnects,
	}, nil
}

// RecordSummarySent increments the summary and leak counters after a
// successful send.
func (m *Metrics) RecordSummarySent(leakCount int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.summariesSent.Add(ctx, 1)
	m.leaksForwarded.Add(ctx, int64(leakCount))
}

// RecordReconnect increments the reconnect counter.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}
