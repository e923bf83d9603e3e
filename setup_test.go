package grantkit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/grantkit/grantkit/internal/testutil"
	"github.com/grantkit/grantkit/server"
)

func TestNew_MinimalConfig(t *testing.T) {
	srv, err := New(&Config{
		Engine: server.Config{Issuer: testIssuer},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	if srv.Engine() == nil {
		t.Error("Engine() should not be nil")
	}
	if srv.Handler() == nil {
		t.Error("Handler() should not be nil")
	}
}

func TestNew_DoesNotMutateCallerConfig(t *testing.T) {
	cfg := &Config{
		Engine: server.Config{Issuer: testIssuer},
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	// Defaults land on an internal copy, not the caller's struct
	if cfg.Engine.AccessTokenTTL != 0 {
		t.Errorf("caller's AccessTokenTTL = %d, want untouched 0", cfg.Engine.AccessTokenTTL)
	}
	if srv.Engine().Config.AccessTokenTTL == 0 {
		t.Error("engine config should have defaults applied")
	}
}

func TestNew_SeedsClients(t *testing.T) {
	srv, err := New(&Config{
		Engine: server.Config{Issuer: testIssuer},
		Clients: []ClientSeed{
			{
				ClientID:     "web-app",
				ClientSecret: "web-app-secret",
				RedirectURIs: []string{testRedirectURI},
			},
			{
				ClientID:     "cli-app",
				RedirectURIs: []string{"http://127.0.0.1:8910/callback"},
			},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	ctx := context.Background()

	if _, err := srv.Engine().AuthenticateClient(ctx, "web-app", "web-app-secret", "203.0.113.7"); err != nil {
		t.Errorf("seeded confidential client failed to authenticate: %v", err)
	}
	if _, err := srv.Engine().AuthenticateClient(ctx, "web-app", "wrong", "203.0.113.7"); err == nil {
		t.Error("wrong secret should not authenticate")
	}
	if _, err := srv.Engine().AuthenticateClient(ctx, "cli-app", "", "203.0.113.7"); err != nil {
		t.Errorf("seeded public client failed to authenticate: %v", err)
	}
}

func TestNew_SeedErrors(t *testing.T) {
	tests := []struct {
		name    string
		seed    ClientSeed
		wantErr string
	}{
		{
			name:    "missing_client_id",
			seed:    ClientSeed{RedirectURIs: []string{testRedirectURI}},
			wantErr: "client_id",
		},
		{
			name:    "no_redirect_uris",
			seed:    ClientSeed{ClientID: "broken"},
			wantErr: "redirect URI",
		},
		{
			name:    "javascript_scheme",
			seed:    ClientSeed{ClientID: "broken", RedirectURIs: []string{"javascript:alert(1)"}},
			wantErr: "redirect URI rejected",
		},
		{
			name:    "plain_http_remote_host",
			seed:    ClientSeed{ClientID: "broken", RedirectURIs: []string{"http://app.example.com/cb"}},
			wantErr: "redirect URI rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&Config{
				Engine:  server.Config{Issuer: testIssuer},
				Clients: []ClientSeed{tt.seed},
			})
			if err == nil {
				t.Fatal("New() should reject the seed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNew_SeedUserErrors(t *testing.T) {
	_, err := New(&Config{
		Engine: server.Config{Issuer: testIssuer},
		Users:  []UserSeed{{Username: "bob"}},
	})
	if err == nil {
		t.Fatal("New() should reject a user seed without a password")
	}
	if !strings.Contains(err.Error(), "password") {
		t.Errorf("error = %q, want it to mention the password", err.Error())
	}
}

func TestNew_InvalidEncryptionKey(t *testing.T) {
	_, err := New(&Config{
		Engine:        server.Config{Issuer: testIssuer},
		EncryptionKey: []byte("too-short"),
	})
	if err == nil {
		t.Fatal("New() should reject a key that is not 32 bytes")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error = %q, want it to mention the key length", err.Error())
	}
}

func TestNew_WiresSecurity(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}

	srv, err := New(&Config{
		Engine:             server.Config{Issuer: testIssuer},
		EncryptionKey:      key,
		EnableAuditLogging: true,
		RateLimit:          RateLimitConfig{Rate: 100},
		Clients: []ClientSeed{
			{ClientID: "web-app", ClientSecret: "web-app-secret", RedirectURIs: []string{testRedirectURI}},
		},
		Users: []UserSeed{
			{Username: testUsername, Email: "alice@example.com", Password: testPassword},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	engine := srv.Engine()
	if engine.Encryptor == nil {
		t.Error("Encryptor should be wired")
	}
	if engine.Auditor == nil {
		t.Error("Auditor should be wired")
	}
	if engine.RateLimiter == nil {
		t.Error("RateLimiter should be wired")
	}
	if engine.LoginRateLimiter == nil {
		t.Error("LoginRateLimiter should be wired by default")
	}
}

func TestNew_EncryptedTokensFlowEndToEnd(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}

	srv, err := New(&Config{
		Engine:        server.Config{Issuer: testIssuer},
		EncryptionKey: key,
		Clients: []ClientSeed{
			{ClientID: "web-app", ClientSecret: "web-app-secret", RedirectURIs: []string{testRedirectURI}},
		},
		Users: []UserSeed{
			{Username: testUsername, Email: "alice@example.com", Password: testPassword},
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	h := srv.Handler()

	// Tokens encrypted at rest must still round-trip through the flow
	challenge, verifier := testutil.GeneratePKCEPair()
	code := completeApproval(t, h, "web-app", testRedirectURI, "openid", "state-12345", challenge)
	grant := exchangeCode(t, h, code, verifier, "web-app", "web-app-secret")

	if grant.AccessToken == "" {
		t.Fatal("expected an access token")
	}
}

func TestNew_DisabledLoginRateLimit(t *testing.T) {
	srv, err := New(&Config{
		Engine:         server.Config{Issuer: testIssuer},
		LoginRateLimit: LoginRateLimitConfig{Disabled: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	if srv.Engine().LoginRateLimiter != nil {
		t.Error("LoginRateLimiter should not be wired when disabled")
	}
}

func TestGenerateEncryptionKey(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	other, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("two generated keys should differ")
	}
}
