package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentationName is the base scope for all meters and tracers created
// by this package. Individual components append their own scope suffix.
const instrumentationName = "github.com/grantkit/grantkit"

// Config holds instrumentation configuration
type Config struct {
	// ServiceName identifies this service in telemetry backends.
	// Defaults to "grantkit" when empty.
	ServiceName string

	// ServiceVersion is reported as the service.version resource attribute.
	// Defaults to "unknown" when empty.
	ServiceVersion string

	// Enabled turns telemetry collection on. When false, all meters and
	// tracers are no-ops with zero overhead.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to
	// spans and metrics. IP addresses may be PII in some jurisdictions;
	// leave this disabled unless your retention and access policies
	// cover them.
	LogClientIPs bool

	// MeterProvider supplies the meter provider telemetry is recorded
	// against, typically an SDK provider wired to a Prometheus or OTLP
	// exporter. When nil, a no-op provider is used. The caller owns
	// provider shutdown.
	MeterProvider metric.MeterProvider

	// TracerProvider supplies the tracer provider spans are created
	// against. Same ownership rules as MeterProvider.
	TracerProvider trace.TracerProvider

	// Resource overrides the OpenTelemetry resource built from
	// ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation bundles the meter provider, tracer provider, and shared
// metric instruments for the authorization server and its storage backends.
type Instrumentation struct {
	config         Config
	resource       *resource.Resource
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation instance from the given config.
//
// With Enabled false the returned instance routes everything to no-op
// providers, so callers can instrument unconditionally and pay nothing
// when telemetry is off.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "grantkit"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}

	inst := &Instrumentation{
		config: config,
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}
	inst.resource = res

	inst.initializeProviders()

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// initializeProviders selects the providers telemetry is recorded against.
// Providers supplied through Config take precedence; everything else falls
// back to no-ops.
func (i *Instrumentation) initializeProviders() {
	if !i.config.Enabled {
		i.meterProvider = noop.NewMeterProvider()
		i.tracerProvider = tracenoop.NewTracerProvider()
		return
	}

	if i.config.MeterProvider != nil {
		i.meterProvider = i.config.MeterProvider
	} else {
		i.meterProvider = noop.NewMeterProvider()
	}

	if i.config.TracerProvider != nil {
		i.tracerProvider = i.config.TracerProvider
	} else {
		i.tracerProvider = tracenoop.NewTracerProvider()
	}
}

// Shutdown stops any instrumentation-owned components. Providers supplied
// through Config are owned by the caller and are not shut down here.
// Safe to call multiple times; only the first call does work.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error
	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})
	return shutdownErr
}

// Meter returns a meter for the given scope, namespaced under the module path
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationName + "/" + scope)
}

// Tracer returns a tracer for the given scope, namespaced under the module path
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationName + "/" + scope)
}

// Metrics returns the shared metric instruments
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider returns the active meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// TracerProvider returns the active tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// Resource returns the OpenTelemetry resource describing this service
func (i *Instrumentation) Resource() *resource.Resource {
	return i.resource
}

// ShouldLogClientIPs reports whether client IP addresses may be attached
// to telemetry. See Config.LogClientIPs.
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback returns the current number of entries of one kind
// held by a storage backend.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauges reporting how
// many access tokens, clients, authorization codes, token families, and
// refresh tokens a storage backend currently holds.
//
// Backends call this once from SetInstrumentation. Callbacks run on the
// metric reader's collection cycle, so they must be safe for concurrent
// use and should avoid taking locks; atomic counters work well.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	accessTokens, clients, authorizationCodes, tokenFamilies, refreshTokens StorageSizeCallback,
) error {
	m := i.metrics
	_, err := m.storageMeter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.StorageAccessTokens, accessTokens())
			o.ObserveInt64(m.StorageClients, clients())
			o.ObserveInt64(m.StorageAuthorizationCodes, authorizationCodes())
			o.ObserveInt64(m.StorageTokenFamilies, tokenFamilies())
			o.ObserveInt64(m.StorageRefreshTokens, refreshTokens())
			return nil
		},
		m.StorageAccessTokens,
		m.StorageClients,
		m.StorageAuthorizationCodes,
		m.StorageTokenFamilies,
		m.StorageRefreshTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to register storage size callbacks: %w", err)
	}
	return nil
}
