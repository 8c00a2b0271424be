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

// Metrics exposes application-level instruments.
type Metrics struct {
	usageRecorded    metric.Int64Counter
	tokensRecorded   metric.Int64Counter
	quotaChecks      metric.Int64Counter
	quotaDenied      metric.Int64Counter
	storeErrors      metric.Int64Counter
	degradedReads    metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "chatledger"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.usageRecorded, err = meter.Int64Counter("chatledger_usage_recorded_total"); err != nil {
		return nil, err
	}
	if m.tokensRecorded, err = meter.Int64Counter("chatledger_tokens_recorded_total"); err != nil {
		return nil, err
	}
	if m.quotaChecks, err = meter.Int64Counter("chatledger_quota_checks_total"); err != nil {
		return nil, err
	}
	if m.quotaDenied, err = meter.Int64Counter("chatledger_quota_denied_total"); err != nil {
		return nil, err
	}
	if m.storeErrors, err = meter.Int64Counter("chatledger_store_errors_total"); err != nil {
		return nil, err
	}
	if m.degradedReads, err = meter.Int64Counter("chatledger_degraded_reads_total"); err != nil {
		return nil, err
	}
	if m.rateLimitAllowed, err = meter.Int64Counter("chatledger_rate_limit_allowed_total"); err != nil {
		return nil, err
	}
	if m.rateLimitDenied, err = meter.Int64Counter("chatledger_rate_limit_denied_total"); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordUsage counts a recorded usage event and its token volume.
func (m *Metrics) RecordUsage(ctx context.Context, tier, model string, tokens int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("model", strings.TrimSpace(model)),
	)
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if tokens > 0 {
		m.tokensRecorded.Add(ctx, tokens, metric.WithAttributes(attrs...))
	}
}

// RecordQuotaCheck counts an authorization decision.
func (m *Metrics) RecordQuotaCheck(ctx context.Context, tier string, allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("outcome", outcome),
	)
	m.quotaChecks.Add(ctx, 1, metric.WithAttributes(attrs...))
	if !allowed {
		denied := FilterAttributes(
			attribute.String("tier", strings.TrimSpace(tier)),
			attribute.String("reason", strings.TrimSpace(reason)),
		)
		m.quotaDenied.Add(ctx, 1, metric.WithAttributes(denied...))
	}
}

// RecordStoreError counts a failed store operation.
func (m *Metrics) RecordStoreError(ctx context.Context, component, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("component", strings.TrimSpace(component)),
		attribute.String("operation", strings.TrimSpace(operation)),
	)
	m.storeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDegradedRead counts a read served from stale cache or an empty fallback.
func (m *Metrics) RecordDegradedRead(ctx context.Context, component string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("component", strings.TrimSpace(component)))
	m.degradedReads.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, tenantID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, tenantID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tenant_id", strings.TrimSpace(tenantID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"tenant_id":   {},
	"tier":        {},
	"model":       {},
	"endpoint":    {},
	"status_code": {},
	"outcome":     {},
	"component":   {},
	"operation":   {},
	"reason":      {},
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
