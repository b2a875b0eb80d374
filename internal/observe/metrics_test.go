package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// record runs fn against fresh instruments and returns what was collected.
func record(t *testing.T, fn func(ctx context.Context, m *Metrics)) metricdata.ResourceMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fn(t.Context(), m)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// counted sums the int64 points of name whose attributes contain attr. An
// invalid attr matches every point.
func counted(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want int64 sum", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if !attr.Valid() {
			total += dp.Value
			continue
		}
		if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
			total += dp.Value
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	rm := record(t, func(ctx context.Context, m *Metrics) {
		m.RecordStateTransition(ctx, "text")
		m.RecordTurnPersisted(ctx, "assistant")
		m.RecordTurnPersisted(ctx, "assistant")
		m.RecordPersistenceError(ctx, "write")
		m.RecordTextMessage(ctx, "sent")
		m.RecordReconnect(ctx, "ok")
		m.RecordHandlerPanic(ctx, "state:changed")
		m.RecordTranscript(ctx, false, false)
		m.RecordTranscript(ctx, false, false)
		m.RecordTranscript(ctx, true, true)
	})

	tests := []struct {
		metric string
		attr   attribute.KeyValue
		want   int64
	}{
		{"duplex.interaction.transitions", attribute.String("to", "text"), 1},
		{"duplex.turns.persisted", attribute.String("role", "assistant"), 2},
		{"duplex.persistence.errors", attribute.String("op", "write"), 1},
		{"duplex.text.messages", attribute.String("status", "sent"), 1},
		{"duplex.session.reconnects", attribute.String("status", "ok"), 1},
		{"duplex.bus.handler_panics", attribute.String("topic", "state:changed"), 1},
		{"duplex.voice.transcripts", attribute.String("outcome", "dropped"), 2},
		{"duplex.voice.transcripts", attribute.String("kind", "final"), 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+string(tc.attr.Key), func(t *testing.T) {
			if got := counted(t, rm, tc.metric, tc.attr); got != tc.want {
				t.Errorf("%s{%s=%s} = %d, want %d", tc.metric, tc.attr.Key, tc.attr.Value.Emit(), got, tc.want)
			}
		})
	}
}

func TestUpDownCounters(t *testing.T) {
	rm := record(t, func(ctx context.Context, m *Metrics) {
		m.ActiveSessions.Add(ctx, 1)
		m.ActiveSessions.Add(ctx, 1)
		m.ActiveSessions.Add(ctx, -1)
		m.TextQueueDepth.Add(ctx, 3)
	})
	for name, want := range map[string]int64{
		"duplex.active_sessions":  1,
		"duplex.text.queue_depth": 3,
	} {
		if got := counted(t, rm, name, attribute.KeyValue{}); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestHistograms(t *testing.T) {
	rm := record(t, func(ctx context.Context, m *Metrics) {
		m.BootstrapDuration.Record(ctx, 0.2)
		m.TextDeliveryDuration.Record(ctx, 0.05)
		m.TextDeliveryDuration.Record(ctx, 0.07)
	})
	for name, want := range map[string]uint64{
		"duplex.bootstrap.duration":     1,
		"duplex.text.delivery.duration": 2,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not recorded", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Fatalf("metric %q = %+v, want one histogram point", name, met.Data)
		}
		if got := hist.DataPoints[0].Count; got != want {
			t.Errorf("%s count = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_IsShared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
