// Package server implements the core OAuth 2.1 authorization server logic.
//
// This package provides the authorization code grant engine with PKCE,
// refresh token rotation, and token revocation. It coordinates between the
// user registry, storage backends, and security features while staying
// transport-agnostic: the HTTP layer lives in the root package and calls
// into the flow methods here.
//
// Server pulls its collaborators from sibling packages:
//   - Resource owner authentication (users package)
//   - Token, client, and flow storage (storage package)
//   - Auditing, rate limiting, and encryption (security package)
//   - Metrics and tracing (instrumentation package)
//
// What the engine enforces:
//   - OAuth 2.1 compliance with PKCE (S256 only)
//   - Single-use authorization codes with reuse detection
//   - Refresh token rotation with family tracking and theft response
//   - Redirect URI screening (scheme, private IP, and DNS checks)
//   - Audit records for every security-relevant decision
//
// Example usage:
//
//	store := memory.New()
//	userStore := users.NewMemoryStore()
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	}
//
//	srv, err := server.New(userStore, store, store, store, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
