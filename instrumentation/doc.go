// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for
// the grantkit authorization server.
//
// The package covers all library layers:
//   - Metrics: counters, histograms, and gauges for OAuth operations
//   - Traces: distributed tracing across the HTTP, flow, and storage layers
//
// # Quick Start
//
// Create instrumentation and hand it to the server:
//
//	import "github.com/grantkit/grantkit/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-auth-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Without a meter or tracer provider the instance records into no-op
// providers. To export telemetry, supply configured SDK providers:
//
//	import (
//		"go.opentelemetry.io/otel/exporters/prometheus"
//		sdkmetric "go.opentelemetry.io/otel/sdk/metric"
//	)
//
//	exporter, _ := prometheus.New()
//	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:   "my-auth-server",
//		Enabled:       true,
//		MeterProvider: provider,
//	})
//
// Providers passed in through Config are owned by the caller, including
// shutdown.
//
// # Available Metrics
//
// HTTP layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// Authorization flow:
//   - oauth.authorization.started{client_id} - Validated authorization requests
//   - oauth.consent.decisions{client_id, approved} - Consent form decisions
//   - oauth.code.issued{client_id} - Authorization codes issued
//   - oauth.code.exchanged{client_id, pkce_method} - Codes exchanged for tokens
//   - oauth.token.refreshed{client_id} - Tokens reissued through rotation
//   - oauth.token.revoked{client_id, token_type} - Tokens revoked
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.pkce.validation_failed{reason} - PKCE verifier failures
//   - oauth.code.reuse_detected - Consumed-code replay attempts
//   - oauth.token.reuse_detected - Rotated refresh token replay attempts
//   - oauth.login.failures{client_id} - Failed consent form logins
//   - oauth.redirect_uri.rejected{reason} - Redirect URIs refused by screening
//   - oauth.audit.events.total{event_type} - Audit events emitted
//   - oauth.encryption.operations.total{operation} - Claims encryption operations
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.size.access_tokens - Access tokens currently stored
//   - storage.size.clients - Clients currently stored
//   - storage.size.authorization_codes - Pending codes currently stored
//   - storage.size.token_families - Refresh token families currently stored
//   - storage.size.refresh_tokens - Refresh tokens currently stored
//
// # Distributed Tracing
//
// Spans are created for the flow operations and the hot storage calls:
//
//	http.request
//	├── oauth.server.validate_authorization
//	│   └── storage.get_client
//	├── oauth.server.approve
//	│   ├── storage.get_client
//	│   └── storage.save_authorization_code
//	├── oauth.server.exchange_code
//	│   ├── storage.consume_authorization_code
//	│   ├── storage.get_client
//	│   └── storage.save_access_token
//	└── oauth.server.refresh_token
//	    ├── storage.get_client
//	    ├── storage.consume_refresh_token
//	    └── storage.save_access_token
//
// # Performance
//
// When instrumentation is disabled:
//   - Zero overhead (no-op providers)
//   - No allocations or latency impact
//
// When enabled, recording is lock-free on shared instruments and storage
// size gauges observe atomic counters on the reader's collection cycle.
//
// # Thread Safety
//
// All operations are safe for concurrent use from multiple goroutines.
//
// # Metric Cardinality Considerations
//
// client_id is the only unbounded label this package emits; every other
// label draws from a fixed set (endpoints, operations, reasons, statuses).
// With a handful of statically configured clients that is harmless. If you
// register thousands of clients, pre-aggregate the per-client counters with
// recording rules, or drop the client_id label in an OTel view before
// export.
//
// # Security Considerations
//
// This package collects observability data, never credentials.
//
// When instrumenting OAuth flows you MUST:
//   - NEVER record token values, authorization codes, client secrets, or
//     PKCE verifiers
//   - ONLY record metadata (token types, expiry times, validation results,
//     family IDs)
//
// Telemetry may be persisted for extended periods, replicated across
// monitoring infrastructure, and accessible to wider audiences than the
// server itself. Client IP addresses may be PII; they are only attached
// when Config.LogClientIPs is set.
package instrumentation
