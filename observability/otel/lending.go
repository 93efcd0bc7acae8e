package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "termlend/lending"

var (
	MarketKey    = attribute.Key("lending.market")
	OperationKey = attribute.Key("lending.operation")
	OutcomeKey   = attribute.Key("lending.outcome")
)

// Lending carries the spans and OTLP instruments recorded around market
// operations and checkpoints.
type Lending struct {
	tracer      trace.Tracer
	operations  metric.Int64Counter
	latency     metric.Float64Histogram
	checkpoints metric.Int64Counter
	markets     metric.Int64Histogram
}

var (
	lendingOnce sync.Once
	lending     *Lending
)

// LendingTelemetry returns the instruments bound to the global providers.
// The global providers delegate, so instruments created before Init start
// exporting once Init installs real providers.
func LendingTelemetry() *Lending {
	lendingOnce.Do(func() {
		l, err := NewLending(otel.GetTracerProvider(), otel.GetMeterProvider())
		if err != nil {
			otel.Handle(err)
		}
		lending = l
	})
	return lending
}

// NewLending builds the instruments from explicit providers.
func NewLending(tp trace.TracerProvider, mp metric.MeterProvider) (*Lending, error) {
	meter := mp.Meter(instrumentationName)
	l := &Lending{tracer: tp.Tracer(instrumentationName)}
	var err error
	if l.operations, err = meter.Int64Counter("lending.operations",
		metric.WithDescription("Market operations by outcome.")); err != nil {
		return l, err
	}
	if l.latency, err = meter.Float64Histogram("lending.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Market operation latency.")); err != nil {
		return l, err
	}
	if l.checkpoints, err = meter.Int64Counter("lending.checkpoints",
		metric.WithDescription("Snapshot checkpoints by outcome.")); err != nil {
		return l, err
	}
	if l.markets, err = meter.Int64Histogram("lending.checkpoint.markets",
		metric.WithDescription("Markets written per checkpoint.")); err != nil {
		return l, err
	}
	return l, nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// StartOperation opens the span for op on market. The returned finish
// records the outcome on the span and the instruments.
func (l *Lending) StartOperation(ctx context.Context, market, op string) (context.Context, func(error)) {
	ctx, span := l.tracer.Start(ctx, "lending."+op,
		trace.WithAttributes(MarketKey.String(market), OperationKey.String(op)))
	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start).Seconds()
		attrs := metric.WithAttributes(MarketKey.String(market), OperationKey.String(op), OutcomeKey.String(outcome(err)))
		if l.operations != nil {
			l.operations.Add(ctx, 1, attrs)
		}
		if l.latency != nil {
			l.latency.Record(ctx, elapsed, attrs)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartCheckpoint opens the checkpoint span; finish takes the number of
// markets written.
func (l *Lending) StartCheckpoint(ctx context.Context) (context.Context, func(markets int, err error)) {
	ctx, span := l.tracer.Start(ctx, "lending.checkpoint")
	return ctx, func(markets int, err error) {
		span.SetAttributes(attribute.Int("lending.checkpoint.markets", markets))
		if l.checkpoints != nil {
			l.checkpoints.Add(ctx, 1, metric.WithAttributes(OutcomeKey.String(outcome(err))))
		}
		if err == nil && l.markets != nil {
			l.markets.Record(ctx, int64(markets))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
