package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the supervisor's instruments. All Record methods accept a
// nil receiver.
type Metrics struct {
	Classifications metric.Int64Counter
	Restarts        metric.Int64Counter
	Blocks          metric.Int64Counter
	WaveLaunches    metric.Int64Counter
	WaveFailures    metric.Int64Counter
	PassDuration    metric.Float64Histogram
}

// NewMetrics creates the instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Classifications, err = meter.Int64Counter("tend.health.classifications",
		metric.WithDescription("Health classifications by state"))
	if err != nil {
		return nil, err
	}
	m.Restarts, err = meter.Int64Counter("tend.watchdog.restarts",
		metric.WithDescription("Jobs restarted by the watchdog"))
	if err != nil {
		return nil, err
	}
	m.Blocks, err = meter.Int64Counter("tend.watchdog.blocks",
		metric.WithDescription("Jobs marked blocked by the watchdog, by reason"))
	if err != nil {
		return nil, err
	}
	m.WaveLaunches, err = meter.Int64Counter("tend.wave.launches",
		metric.WithDescription("Tasks launched by the wave runner"))
	if err != nil {
		return nil, err
	}
	m.WaveFailures, err = meter.Int64Counter("tend.wave.failures",
		metric.WithDescription("Wave tasks that ended failed"))
	if err != nil {
		return nil, err
	}
	m.PassDuration, err = meter.Float64Histogram("tend.watchdog.pass.duration",
		metric.WithDescription("Watchdog pass duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordClassification(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.Classifications.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) RecordRestart(ctx context.Context, jobID string) {
	if m == nil {
		return
	}
	m.Restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("job_id", jobID)))
}

func (m *Metrics) RecordBlock(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Blocks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordWaveLaunch(ctx context.Context, wave int) {
	if m == nil {
		return
	}
	m.WaveLaunches.Add(ctx, 1, metric.WithAttributes(attribute.Int("wave", wave)))
}

func (m *Metrics) RecordWaveFailure(ctx context.Context, wave int) {
	if m == nil {
		return
	}
	m.WaveFailures.Add(ctx, 1, metric.WithAttributes(attribute.Int("wave", wave)))
}

func (m *Metrics) RecordPass(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.PassDuration.Record(ctx, seconds)
}
