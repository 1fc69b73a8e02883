package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes OTLP instruments for order flow.
type Metrics struct {
	ordersAdmitted    metric.Int64Counter
	ordersProcessed   metric.Int64Counter
	processingLatency metric.Float64Histogram
	callbacks         metric.Int64Counter
	backendEvents     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "marketplace"
	}
	meter := provider.Meter(name)

	ordersAdmitted, err := meter.Int64Counter("marketplace_orders_admitted_total")
	if err != nil {
		return nil, err
	}
	ordersProcessed, err := meter.Int64Counter("marketplace_orders_processed_total")
	if err != nil {
		return nil, err
	}
	processingLatency, err := meter.Float64Histogram("marketplace_order_processing_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	callbacks, err := meter.Int64Counter("marketplace_resource_callbacks_total")
	if err != nil {
		return nil, err
	}
	backendEvents, err := meter.Int64Counter("marketplace_backend_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ordersAdmitted:    ordersAdmitted,
		ordersProcessed:   ordersProcessed,
		processingLatency: processingLatency,
		callbacks:         callbacks,
		backendEvents:     backendEvents,
	}, nil
}

// RecordOrderAdmitted counts orders accepted by admission.
func (m *Metrics) RecordOrderAdmitted(ctx context.Context, offeringType, orderType, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("offering_type", offeringType),
		attribute.String("order_type", orderType),
		attribute.String("state", state),
	)
	m.ordersAdmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderProcessed counts engine runs by outcome and their latency.
func (m *Metrics) RecordOrderProcessed(ctx context.Context, offeringType, orderType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("offering_type", offeringType),
		attribute.String("order_type", orderType),
		attribute.String("outcome", outcome),
	)
	m.ordersProcessed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.processingLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCallback counts resource callbacks.
func (m *Metrics) RecordCallback(ctx context.Context, callback, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("callback", callback),
		attribute.String("result", result),
	)
	m.callbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBackendEvent counts backend state change events by transport.
func (m *Metrics) RecordBackendEvent(ctx context.Context, transport, state string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transport", transport),
		attribute.String("state", state),
	)
	m.backendEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"offering_type": {},
	"order_type":    {},
	"outcome":       {},
	"state":         {},
	"callback":      {},
	"result":        {},
	"transport":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
