package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/internal/util"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/users"
)

// safeTruncate shortens a string to at most maxLen characters. Log lines
// use it to record token and code prefixes instead of the full value.
func safeTruncate(s string, maxLen int) string {
	return util.SafeTruncate(s, maxLen)
}

// Server implements the OAuth 2.1 authorization code grant engine.
// It validates authorization requests, collects resource owner consent,
// issues and exchanges authorization codes, and rotates refresh tokens,
// against pluggable storage backends.
type Server struct {
	users                    *users.Verifier
	userStore                users.Store
	tokenStore               storage.TokenStore
	clientStore              storage.ClientStore
	flowStore                storage.FlowStore
	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter      // per-IP, authorize and token endpoints
	LoginRateLimiter         *security.LoginRateLimiter // consent form credential attempts
	SecurityEventRateLimiter *security.RateLimiter      // caps audit log volume per IP
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a new authorization server
func New(
	userStore users.Store,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	verifier := users.NewVerifier(userStore)
	verifier.SetLogger(logger)

	srv := &Server{
		users:       verifier,
		userStore:   userStore,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Forward the tombstone retention window to backends that keep
	// revoked family records around
	type retentionSetter interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if setter, ok := tokenStore.(retentionSetter); ok {
		setter.SetRevokedFamilyRetentionDays(config.RevokedFamilyRetentionDays)
	}

	return srv, nil
}

// SetEncryptor sets the claims encryptor for server and storage
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokenStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor installs the audit logger
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter installs the per-IP limiter for the authorize and token endpoints
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetLoginRateLimiter installs the limiter for consent form credential attempts
func (s *Server) SetLoginRateLimiter(rl *security.LoginRateLimiter) {
	s.LoginRateLimiter = rl
}

// SetSecurityEventRateLimiter installs a limiter on audit event volume.
// Events from an IP that exceeds it are dropped instead of logged, so one
// noisy source cannot flood the audit stream.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server and,
// when the backend supports it, for storage.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.tokenStore.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Instrumentation returns the configured instrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// metrics returns the metric helpers, never nil-dereferencing when
// instrumentation is unset.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// startFlowSpan starts a span for a flow operation, falling back to the
// span already on the context when instrumentation is unset
func (s *Server) startFlowSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// generateRandomToken returns 256 bits of entropy as an unpadded base64url
// string, the shape shared by authorization codes, opaque tokens, and
// family IDs. oauth2.GenerateVerifier already produces exactly that.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
