package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "lendingd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_, finish := LendingTelemetry().StartOperation(context.Background(), "DAI", "deposit")
	finish(nil)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "lendingd", Environment: "dev", Markets: []string{"WETH", "DAI"}, Storage: "bolt"})
	set := attribute.NewSet(attrs...)
	markets, ok := set.Value(MarketsKey)
	if !ok {
		t.Fatalf("markets attribute missing")
	}
	if got := markets.AsStringSlice(); len(got) != 2 || got[0] != "DAI" || got[1] != "WETH" {
		t.Fatalf("unexpected markets %v", got)
	}
	if v, _ := set.Value(StorageKey); v.AsString() != "bolt" {
		t.Fatalf("unexpected storage %q", v.AsString())
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer x , bad, =empty,tenant=dai")
	if len(headers) != 2 || headers["authorization"] != "Bearer x" || headers["tenant"] != "dai" {
		t.Fatalf("unexpected headers %v", headers)
	}
}

func newTestLending(t *testing.T) (*Lending, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewSpanRecorder()
	l, err := NewLending(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	)
	if err != nil {
		t.Fatalf("new lending telemetry: %v", err)
	}
	return l, reader, spans
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestOperationRecordsSpanAndCounters(t *testing.T) {
	l, reader, spans := newTestLending(t)

	_, finish := l.StartOperation(context.Background(), "DAI", "borrow")
	finish(nil)
	_, finish = l.StartOperation(context.Background(), "DAI", "borrow")
	finish(errors.New("insufficient liquidity"))

	ended := spans.Ended()
	if len(ended) != 2 || ended[0].Name() != "lending.borrow" {
		t.Fatalf("unexpected spans %d", len(ended))
	}
	if ended[1].Status().Description != "insufficient liquidity" {
		t.Fatalf("error status not recorded: %+v", ended[1].Status())
	}

	ops, ok := collect(t, reader)["lending.operations"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("operations counter missing")
	}
	outcomes := map[string]int64{}
	for _, dp := range ops.DataPoints {
		if v, _ := dp.Attributes.Value(MarketKey); v.AsString() != "DAI" {
			t.Fatalf("unexpected market %q", v.AsString())
		}
		v, _ := dp.Attributes.Value(OutcomeKey)
		outcomes[v.AsString()] += dp.Value
	}
	if outcomes["ok"] != 1 || outcomes["error"] != 1 {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestCheckpointRecordsMarkets(t *testing.T) {
	l, reader, spans := newTestLending(t)

	_, finish := l.StartCheckpoint(context.Background())
	finish(2, nil)

	if ended := spans.Ended(); len(ended) != 1 || ended[0].Name() != "lending.checkpoint" {
		t.Fatalf("checkpoint span missing")
	}
	metrics := collect(t, reader)
	written, ok := metrics["lending.checkpoint.markets"].Data.(metricdata.Histogram[int64])
	if !ok || len(written.DataPoints) != 1 || written.DataPoints[0].Sum != 2 {
		t.Fatalf("unexpected checkpoint markets %+v", metrics["lending.checkpoint.markets"].Data)
	}
}
