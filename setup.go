package grantkit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/server"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/storage/memory"
	"github.com/grantkit/grantkit/users"
)

// Server bundles the flow engine with the security collaborators New
// assembles around it. Embedding applications get a working authorization
// server from a single call; the engine stays reachable for direct use.
type Server struct {
	engine  *server.Server
	handler *Handler
	logger  *slog.Logger
	closers []func()
}

// New creates a memory-backed authorization server from config: stores,
// engine, rate limiters, encryptor, auditor, and the HTTP handler, with
// the configured clients and users seeded. Call Close to release the
// background goroutines when done.
func New(config *Config) (*Server, error) {
	if config == nil {
		config = &Config{}
	}

	store := memory.New()
	userStore := users.NewMemoryStore()

	srv, err := NewWithStores(config, userStore, store, store, store)
	if err != nil {
		store.Stop()
		return nil, err
	}

	srv.closers = append(srv.closers, store.Stop)
	return srv, nil
}

// NewWithStores creates an authorization server on caller-provided storage
// backends (valkey, mysql, or anything satisfying the contracts). The
// caller keeps ownership of the stores; Close only releases what New
// itself started.
func NewWithStores(
	config *Config,
	userStore users.Store,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
) (*Server, error) {
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// server.New applies defaults in place, so the caller's struct is
	// copied first
	engineConfig := config.Engine
	engine, err := server.New(userStore, tokenStore, clientStore, flowStore, &engineConfig, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		engine: engine,
		logger: logger,
	}

	if err := srv.wireSecurity(config, logger); err != nil {
		srv.stopClosers()
		return nil, err
	}

	if config.Instrumentation != nil {
		engine.SetInstrumentation(config.Instrumentation)
	}

	ctx := context.Background()
	if err := seedClients(ctx, engine, clientStore, config.Clients); err != nil {
		srv.stopClosers()
		return nil, err
	}
	if err := seedUsers(ctx, userStore, config.Users); err != nil {
		srv.stopClosers()
		return nil, err
	}

	handler := NewHandler(engine, logger)
	if config.ConsentTemplate != "" {
		if err := handler.SetConsentTemplate(config.ConsentTemplate); err != nil {
			srv.stopClosers()
			return nil, err
		}
	}
	srv.handler = handler

	return srv, nil
}

// wireSecurity attaches encryptor, auditor, and rate limiters per config.
func (s *Server) wireSecurity(config *Config, logger *slog.Logger) error {
	if len(config.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(config.EncryptionKey)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		s.engine.SetEncryptor(enc)
	}

	if config.EnableAuditLogging {
		s.engine.SetAuditor(security.NewAuditor(logger, true))
	}

	if config.RateLimit.Rate > 0 {
		burst := config.RateLimit.Burst
		if burst <= 0 {
			burst = config.RateLimit.Rate * 2
		}
		var rl *security.RateLimiter
		if config.RateLimit.MaxEntries > 0 {
			rl = security.NewRateLimiterWithConfig(config.RateLimit.Rate, burst, config.RateLimit.MaxEntries, logger)
		} else {
			rl = security.NewRateLimiter(config.RateLimit.Rate, burst, logger)
		}
		s.engine.SetRateLimiter(rl)
		s.closers = append(s.closers, rl.Stop)

		// Reuse-detection audit events share the IP limiter's shape but
		// get their own instance so an attacker cannot starve them
		eventLimiter := security.NewRateLimiter(1, 5, logger)
		s.engine.SetSecurityEventRateLimiter(eventLimiter)
		s.closers = append(s.closers, eventLimiter.Stop)
	}

	if !config.LoginRateLimit.Disabled {
		var lrl *security.LoginRateLimiter
		cfg := config.LoginRateLimit
		if cfg.MaxAttempts > 0 || cfg.Window > 0 || cfg.MaxEntries > 0 {
			window := cfg.Window
			if window <= 0 {
				window = security.DefaultLoginAttemptWindow
			}
			maxAttempts := cfg.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = security.DefaultMaxLoginAttempts
			}
			lrl = security.NewLoginRateLimiterWithConfig(maxAttempts, window, cfg.MaxEntries, logger)
		} else {
			lrl = security.NewLoginRateLimiter(logger)
		}
		s.engine.SetLoginRateLimiter(lrl)
		s.closers = append(s.closers, lrl.Stop)
	}

	return nil
}

// Engine returns the underlying flow engine.
func (s *Server) Engine() *server.Server {
	return s.engine
}

// Handler returns the HTTP adapter serving the OAuth endpoints.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Close stops the background goroutines New started: the memory store
// sweep and the rate limiter cleanup loops. Caller-provided stores and
// instrumentation are not touched.
func (s *Server) Close() error {
	s.stopClosers()
	return nil
}

func (s *Server) stopClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// seedClients registers the configured clients, screening redirect URIs
// with the same policy the authorize endpoint enforces.
func seedClients(ctx context.Context, engine *server.Server, clientStore storage.ClientStore, seeds []ClientSeed) error {
	for _, seed := range seeds {
		if seed.ClientID == "" {
			return fmt.Errorf("client seed requires a client_id")
		}
		if len(seed.RedirectURIs) == 0 {
			return fmt.Errorf("client %q: at least one redirect URI is required", seed.ClientID)
		}
		if err := engine.ValidateRedirectURIs(seed.RedirectURIs); err != nil {
			return fmt.Errorf("client %q: %w", seed.ClientID, err)
		}

		client := &storage.Client{
			ClientID:     seed.ClientID,
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: seed.RedirectURIs,
			Scopes:       seed.Scopes,
			ClientName:   seed.Name,
			CreatedAt:    time.Now(),
		}
		if seed.ClientSecret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(seed.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("client %q: hash secret: %w", seed.ClientID, err)
			}
			client.ClientSecretHash = string(hash)
			client.ClientType = storage.ClientTypeConfidential
		}

		if err := clientStore.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("client %q: %w", seed.ClientID, err)
		}
		engine.Logger.Info("Seeded client",
			"client_id", client.ClientID,
			"client_type", client.ClientType,
			"redirect_uris", len(client.RedirectURIs))
	}
	return nil
}

// seedUsers creates the configured resource owners.
func seedUsers(ctx context.Context, userStore users.Store, seeds []UserSeed) error {
	for _, seed := range seeds {
		user, err := users.NewUser(seed.Username, seed.Email, seed.Password)
		if err != nil {
			return fmt.Errorf("user %q: %w", seed.Username, err)
		}
		if err := userStore.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("user %q: %w", seed.Username, err)
		}
	}
	return nil
}
