package telemetry

import (
	"bytes"
	"context"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestMetrics_Counters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), ExporterNone, nil, reader)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	m := p.M()
	m.RecordClassification(ctx, "healthy")
	m.RecordClassification(ctx, "stalled")
	m.RecordRestart(ctx, "a")
	m.RecordBlock(ctx, "max_retries")
	m.RecordWaveLaunch(ctx, 0)
	m.RecordWaveLaunch(ctx, 1)
	m.RecordWaveFailure(ctx, 1)

	got := collect(t, reader)
	want := map[string]int64{
		"tend.health.classifications": 2,
		"tend.watchdog.restarts":      1,
		"tend.watchdog.blocks":        1,
		"tend.wave.launches":          2,
		"tend.wave.failures":          1,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %d, want %d", name, got[name], v)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRestart(context.Background(), "a")
	m.RecordPass(context.Background(), 1)

	var p *Provider
	if p.M() != nil {
		t.Error("nil provider returned metrics")
	}
	_, span := p.Start(context.Background(), "x")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestInit_StdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), ExporterStdout, &buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := p.Start(context.Background(), "watchdog.pass")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "watchdog.pass") {
		t.Errorf("span not exported: %q", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), "zipkin", nil); err == nil {
		t.Error("Init accepted unknown exporter")
	}
}

func TestNoop(t *testing.T) {
	p := Noop()
	p.M().RecordClassification(context.Background(), "healthy")
	if err := p.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}
