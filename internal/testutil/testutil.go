// Package testutil provides shared fixtures for grantkit tests: canonical
// client, user, and token records plus a small HTTP request builder.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/users"
)

const (
	// TestClientSecret is the plaintext secret paired with GenerateTestClient
	TestClientSecret = "secret"

	// TestUserPassword is the plaintext password paired with GenerateTestUser
	TestUserPassword = "password"
)

// GenerateTestClient creates a confidential test client whose secret is
// TestClientSecret. The hash uses bcrypt.MinCost to keep tests fast.
func GenerateTestClient() *storage.Client {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test client secret: %v", err))
	}
	return &storage.Client{
		ClientID:         "test-client-id",
		ClientSecretHash: string(hash),
		ClientType:       storage.ClientTypeConfidential,
		RedirectURIs:     []string{"https://example.com/callback"},
		Scopes:           []string{"openid", "email", "profile"},
		ClientName:       "Test Client",
		CreatedAt:        time.Now(),
	}
}

// GenerateTestPublicClient creates a public test client (no secret, PKCE required)
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:     "test-public-client-id",
		ClientType:   storage.ClientTypePublic,
		RedirectURIs: []string{"https://example.com/callback"},
		Scopes:       []string{"openid", "email", "profile"},
		ClientName:   "Test Public Client",
		CreatedAt:    time.Now(),
	}
}

// GenerateTestUser creates a test user whose password is TestUserPassword.
// The hash uses bcrypt.MinCost to keep tests fast.
func GenerateTestUser() *users.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestUserPassword), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test user password: %v", err))
	}
	return &users.User{
		ID:           "test-user-123",
		Username:     "alice",
		Email:        "alice@example.com",
		PasswordHash: string(hash),
	}
}

// GenerateTestAuthorizationCode creates a test authorization code record.
// The challenge is a placeholder; use GeneratePKCEPair when the test needs a
// verifier that actually matches.
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		UserID:              "test-user-123",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid email profile",
		CodeChallenge:       "test-code-challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
		Used:                false,
	}
}

// GenerateTestAccessToken creates a test access token record with a claims snapshot
func GenerateTestAccessToken() *storage.AccessToken {
	return &storage.AccessToken{
		Token:     GenerateRandomString(32),
		UserID:    "test-user-123",
		Username:  "alice",
		Email:     "alice@example.com",
		ClientID:  "test-client-id",
		Scope:     "openid email profile",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestRefreshToken creates a test refresh token record (generation 1
// of a fresh family)
func GenerateTestRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:      GenerateRandomString(32),
		UserID:     "test-user-123",
		ClientID:   "test-client-id",
		Scope:      "openid email profile",
		FamilyID:   GenerateRandomString(16),
		Generation: 1,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(30 * 24 * time.Hour),
	}
}

// GenerateRandomString generates a base64url string of the requested length
// from fresh entropy
func GenerateRandomString(length int) string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length]
}

// GeneratePKCEPair generates a matching PKCE pair: the challenge is the
// base64url-encoded S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HTTPRequest accumulates request pieces for tests that drive a handler
// directly. Build with NewHTTPRequest, chain the With* methods, finish
// with Do.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest starts a request against the given method and URL
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded request body and content type
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Body = form.Encode()
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// WithBasicAuth adds HTTP Basic credentials to the request
func (r *HTTPRequest) WithBasicAuth(username, password string) *HTTPRequest {
	creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	r.Headers["Authorization"] = "Basic " + creds
	return r
}

// Do executes the request against the handler and returns the recorder
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
