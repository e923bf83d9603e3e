package grantkit

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/grantkit/grantkit/internal/testutil"
	"github.com/grantkit/grantkit/server"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/storage/mock"
	"github.com/grantkit/grantkit/users"
)

func setupMockedHandler(t *testing.T) (*Handler, *mock.MockTokenStore, *mock.MockFlowStore) {
	t.Helper()

	clientStore := mock.NewMockClientStore()
	flowStore := mock.NewMockFlowStore()
	tokenStore := mock.NewMockTokenStore()

	srv, err := NewWithStores(&Config{
		Engine: server.Config{
			Issuer:          testIssuer,
			SupportedScopes: []string{"openid", "profile", "email"},
		},
		Clients: []ClientSeed{
			{
				ClientID:     "web-app",
				ClientSecret: "web-app-secret",
				RedirectURIs: []string{testRedirectURI},
				Name:         "Example Web App",
			},
		},
		Users: []UserSeed{
			{Username: testUsername, Email: "alice@example.com", Password: testPassword},
		},
	}, users.NewMemoryStore(), tokenStore, clientStore, flowStore)
	if err != nil {
		t.Fatalf("NewWithStores() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	return srv.Handler(), tokenStore, flowStore
}

func TestNewWithStores_CallerProvidedStores(t *testing.T) {
	h, tokenStore, flowStore := setupMockedHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := completeApproval(t, h, "web-app", testRedirectURI, "openid", "state-12345", challenge)
	tok := exchangeCode(t, h, code, verifier, "web-app", "web-app-secret")

	if tok.AccessToken == "" {
		t.Fatal("expected access token from exchange")
	}
	if got := flowStore.CallCounts["ConsumeAuthorizationCode"]; got != 1 {
		t.Errorf("ConsumeAuthorizationCode calls = %d, want 1", got)
	}
	if tokenStore.CallCounts["SaveAccessToken"] == 0 {
		t.Error("expected the caller-provided token store to receive the access token")
	}
}

func TestHandler_ServeUserInfo_StoreOutage(t *testing.T) {
	h, tokenStore, _ := setupMockedHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := completeApproval(t, h, "web-app", testRedirectURI, "openid", "state-12345", challenge)
	tok := exchangeCode(t, h, code, verifier, "web-app", "web-app-secret")

	tokenStore.GetAccessTokenFunc = func(_ context.Context, _ string) (*storage.AccessToken, error) {
		return nil, errors.New("connection refused")
	}

	w := testutil.NewHTTPRequest(http.MethodGet, server.UserInfoPath).
		WithHeader("Authorization", "Bearer "+tok.AccessToken).
		Do(http.HandlerFunc(h.ServeUserInfo))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if errResp := decodeErrorResponse(t, w); errResp.Error != "server_error" {
		t.Errorf("error = %q, want %q", errResp.Error, "server_error")
	}
}

func TestHandler_ServeRevoke_StoreOutage(t *testing.T) {
	h, tokenStore, _ := setupMockedHandler(t)

	challenge, verifier := testutil.GeneratePKCEPair()
	code := completeApproval(t, h, "web-app", testRedirectURI, "openid", "state-12345", challenge)
	tok := exchangeCode(t, h, code, verifier, "web-app", "web-app-secret")

	tokenStore.GetAccessTokenFunc = func(_ context.Context, _ string) (*storage.AccessToken, error) {
		return nil, errors.New("connection refused")
	}

	form := url.Values{}
	form.Set("token", tok.AccessToken)

	w := testutil.NewHTTPRequest(http.MethodPost, server.RevokePath).
		WithForm(form).
		WithBasicAuth("web-app", "web-app-secret").
		Do(http.HandlerFunc(h.ServeRevoke))

	// A backend failure must not masquerade as the RFC 7009 unknown-token
	// success response
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if errResp := decodeErrorResponse(t, w); errResp.Error != "server_error" {
		t.Errorf("error = %q, want %q", errResp.Error, "server_error")
	}
}
