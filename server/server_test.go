package server

import (
	"encoding/base64"
	"log/slog"
	"strings"
	"testing"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage/memory"
	"github.com/grantkit/grantkit/users"
)

// tokenBytes is the raw entropy behind generateRandomToken: 32 bytes,
// base64url-encoded without padding to 43 characters
const tokenBytes = 32

func newTestServer(t *testing.T, config *Config) *Server {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(users.NewMemoryStore(), store, store, store, config, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func TestNew_AppliesConfig(t *testing.T) {
	srv := newTestServer(t, &Config{Issuer: "https://auth.example.com"})

	if srv.Config.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q, want %q", srv.Config.Issuer, "https://auth.example.com")
	}
	if srv.Logger == nil {
		t.Error("a default logger should be installed when none is given")
	}
}

func TestNew_NilConfigGetsDefaults(t *testing.T) {
	srv := newTestServer(t, nil)

	if srv.Config == nil {
		t.Fatal("Config is nil")
	}
	if srv.Config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want 3600", srv.Config.AccessTokenTTL)
	}
}

func TestNew_KeepsProvidedLogger(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	logger := slog.Default()
	srv, err := New(users.NewMemoryStore(), store, store, store, &Config{Issuer: "https://auth.example.com"}, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Logger != logger {
		t.Error("provided logger was replaced")
	}
}

func TestNew_RequiresAllStores(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	userStore := users.NewMemoryStore()

	cases := []struct {
		name string
		call func() (*Server, error)
	}{
		{"no user store", func() (*Server, error) {
			return New(nil, store, store, store, &Config{}, nil)
		}},
		{"no token store", func() (*Server, error) {
			return New(userStore, nil, store, store, &Config{}, nil)
		}},
		{"no client store", func() (*Server, error) {
			return New(userStore, store, nil, store, &Config{}, nil)
		}},
		{"no flow store", func() (*Server, error) {
			return New(userStore, store, store, nil, &Config{}, nil)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.call(); err == nil {
				t.Error("New() accepted a nil dependency")
			}
		})
	}
}

func TestNew_ForwardsFamilyRetention(t *testing.T) {
	// The memory store implements the retention setter; New must forward
	// the configured value without error
	newTestServer(t, &Config{
		Issuer:                     "https://auth.example.com",
		RevokedFamilyRetentionDays: 120,
	})
}

func TestServer_Setters(t *testing.T) {
	t.Run("encryptor", func(t *testing.T) {
		srv := newTestServer(t, nil)

		key := make([]byte, 32)
		for i := range key {
			key[i] = byte(i)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			t.Fatalf("NewEncryptor() error = %v", err)
		}

		srv.SetEncryptor(enc)
		if srv.Encryptor != enc {
			t.Error("Encryptor not installed")
		}
	})

	t.Run("auditor", func(t *testing.T) {
		srv := newTestServer(t, nil)

		auditor := security.NewAuditor(slog.Default(), true)
		srv.SetAuditor(auditor)
		if srv.Auditor != auditor {
			t.Error("Auditor not installed")
		}
	})

	t.Run("rate limiter", func(t *testing.T) {
		srv := newTestServer(t, nil)

		rl := security.NewRateLimiter(10, 20, slog.Default())
		defer rl.Stop()

		srv.SetRateLimiter(rl)
		if srv.RateLimiter != rl {
			t.Error("RateLimiter not installed")
		}
	})

	t.Run("login rate limiter", func(t *testing.T) {
		srv := newTestServer(t, nil)

		rl := security.NewLoginRateLimiter(slog.Default())
		defer rl.Stop()

		srv.SetLoginRateLimiter(rl)
		if srv.LoginRateLimiter != rl {
			t.Error("LoginRateLimiter not installed")
		}
	})

	t.Run("security event rate limiter", func(t *testing.T) {
		srv := newTestServer(t, nil)

		rl := security.NewRateLimiter(1, 5, slog.Default())
		defer rl.Stop()

		srv.SetSecurityEventRateLimiter(rl)
		if srv.SecurityEventRateLimiter != rl {
			t.Error("SecurityEventRateLimiter not installed")
		}
	})
}

func TestServer_SetInstrumentation_Nil(t *testing.T) {
	srv := newTestServer(t, nil)

	// nil instrumentation must leave the server functional
	srv.SetInstrumentation(nil)

	if srv.Instrumentation() != nil {
		t.Error("Instrumentation() should return nil")
	}
	if srv.metrics() != nil {
		t.Error("metrics() should return nil when instrumentation is unset")
	}
}

func TestServer_SetInstrumentation(t *testing.T) {
	srv := newTestServer(t, nil)

	inst, err := instrumentation.New(instrumentation.Config{ServiceName: "grantkit-test"})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}

	srv.SetInstrumentation(inst)

	if srv.Instrumentation() != inst {
		t.Error("Instrumentation() should return the configured instrumentation")
	}
	if srv.metrics() == nil {
		t.Error("metrics() should not be nil once instrumentation is set")
	}
}

func TestGenerateRandomToken_Shape(t *testing.T) {
	token := generateRandomToken()

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("token is not unpadded base64url: %v", err)
	}
	if len(decoded) != tokenBytes {
		t.Errorf("decoded to %d bytes, want %d", len(decoded), tokenBytes)
	}
	if strings.ContainsAny(token, "+/=") {
		t.Errorf("token %q contains characters outside the base64url alphabet", token)
	}
}

func TestGenerateRandomToken_Uniqueness(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)

	for i := 0; i < n; i++ {
		token := generateRandomToken()
		if _, dup := seen[token]; dup {
			t.Fatalf("duplicate token after %d draws", i)
		}
		seen[token] = struct{}{}
	}
}

func TestGenerateRandomToken_Spread(t *testing.T) {
	// 200 tokens of 43 characters should exercise most of the 64-character
	// alphabet; a skewed generator would show far fewer
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	counts := make(map[rune]int)
	for i := 0; i < 200; i++ {
		for _, ch := range generateRandomToken() {
			counts[ch]++
		}
	}

	if len(counts) < 50 {
		t.Errorf("only %d distinct characters across samples, want > 50", len(counts))
	}
	for ch := range counts {
		if !strings.ContainsRune(alphabet, ch) {
			t.Errorf("character %q outside the base64url alphabet", ch)
		}
	}
}
