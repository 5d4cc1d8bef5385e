// Package telemetry publishes report statistics as OTLP metrics.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/theirongolddev/telreport/internal/report"
)

const (
	serviceName    = "telreport"
	serviceVersion = "1.0.0"
)

// Config selects the collector.
type Config struct {
	Endpoint string
	Insecure bool
}

// Publisher exposes the latest report as gauges and records each closed
// session's duration once.
type Publisher struct {
	provider *sdkmetric.MeterProvider
	durHist  metric.Float64Histogram
	reg      metric.Registration

	mu       sync.Mutex
	latest   *report.Document
	recorded map[string]bool
}

// New creates a publisher exporting to cfg.Endpoint over gRPC.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("otlp endpoint not configured")
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	return NewWithReader(ctx, sdkmetric.NewPeriodicReader(exp))
}

// NewWithReader creates a publisher collecting through reader.
func NewWithReader(ctx context.Context, reader sdkmetric.Reader) (*Publisher, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(serviceName)

	p := &Publisher{provider: provider, recorded: make(map[string]bool)}

	sessions, err := meter.Int64ObservableGauge("telreport.sessions",
		metric.WithDescription("Sessions in the latest report"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, fmt.Errorf("creating sessions gauge: %w", err)
	}
	events, err := meter.Int64ObservableGauge("telreport.events",
		metric.WithDescription("Events in the latest report"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("creating events gauge: %w", err)
	}
	tools, err := meter.Int64ObservableGauge("telreport.tool.calls",
		metric.WithDescription("Tool invocations per tool in the latest report"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("creating tool gauge: %w", err)
	}
	tokens, err := meter.Int64ObservableGauge("telreport.tokens",
		metric.WithDescription("Tokens per type in the latest report"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, fmt.Errorf("creating tokens gauge: %w", err)
	}
	cost, err := meter.Float64ObservableGauge("telreport.cost",
		metric.WithDescription("Total cost per currency in the latest report"))
	if err != nil {
		return nil, fmt.Errorf("creating cost gauge: %w", err)
	}
	p.durHist, err = meter.Float64Histogram("telreport.session.duration",
		metric.WithDescription("Duration of closed sessions"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	p.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		p.mu.Lock()
		doc := p.latest
		p.mu.Unlock()
		if doc == nil {
			return nil
		}
		st := doc.Statistics
		o.ObserveInt64(sessions, int64(st.TotalSessions), metric.WithAttributes(attribute.String("state", "all")))
		o.ObserveInt64(sessions, int64(st.OpenSessions), metric.WithAttributes(attribute.String("state", "open")))
		o.ObserveInt64(events, int64(st.TotalEvents))
		for _, r := range st.ToolUsage {
			o.ObserveInt64(tools, int64(r.Count), metric.WithAttributes(attribute.String("tool", r.Name)))
		}
		for typ, n := range st.TokenTotals {
			o.ObserveInt64(tokens, n, metric.WithAttributes(attribute.String("type", typ)))
		}
		for cur, v := range st.TotalCost {
			d, err := decimal.NewFromString(v)
			if err != nil {
				continue
			}
			o.ObserveFloat64(cost, d.InexactFloat64(), metric.WithAttributes(attribute.String("currency", cur)))
		}
		return nil
	}, sessions, events, tools, tokens, cost)
	if err != nil {
		return nil, fmt.Errorf("registering callback: %w", err)
	}

	return p, nil
}

// Publish makes doc the observed report and records durations of sessions
// not seen closed before.
func (p *Publisher) Publish(ctx context.Context, doc *report.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = doc
	for _, s := range doc.Sessions {
		if s.DurationSeconds == nil || p.recorded[s.ID] {
			continue
		}
		p.recorded[s.ID] = true
		p.durHist.Record(ctx, *s.DurationSeconds, metric.WithAttributes(attribute.String("agent", s.Agent)))
	}
}

// Close flushes pending metrics, retrying with backoff, then shuts down.
func (p *Publisher) Close(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second

	flushErr := backoff.Retry(func() error {
		return p.provider.ForceFlush(ctx)
	}, backoff.WithContext(b, ctx))

	if p.reg != nil {
		_ = p.reg.Unregister()
	}
	if err := p.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down meter provider: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("flushing metrics: %w", flushErr)
	}
	return nil
}
