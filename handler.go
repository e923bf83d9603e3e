package grantkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/server"
)

const (
	// openIDConfigPath serves the same metadata for OpenID Connect
	// Discovery clients per RFC 8414 Section 5.
	openIDConfigPath = "/.well-known/openid-configuration"

	// defaultCORSMaxAge is the preflight cache duration when the CORS
	// config leaves MaxAge unset.
	defaultCORSMaxAge = 3600
)

// supportedTokenAuthMethods lists the client authentication methods the
// token endpoint accepts: HTTP Basic, form fields, and none for public
// clients (PKCE carries the proof of possession instead).
var supportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// Handler is a thin HTTP adapter for the authorization server engine.
// It parses requests, delegates to the engine, and maps the outcomes
// onto the OAuth 2.0 wire formats.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	tracer  trace.Tracer
	consent *template.Template
}

// NewHandler creates a new HTTP handler for the given engine
func NewHandler(engine *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:  engine,
		logger:  logger,
		consent: defaultConsentTemplate,
	}

	if inst := engine.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
	}

	return h
}

// SetConsentTemplate replaces the built-in consent page. The template is
// executed with a ConsentPageData; the hidden fields it must carry are
// documented there.
func (h *Handler) SetConsentTemplate(src string) error {
	tmpl, err := template.New("consent").Parse(src)
	if err != nil {
		return fmt.Errorf("parse consent template: %w", err)
	}
	h.consent = tmpl
	return nil
}

// RegisterHandlers registers every OAuth endpoint on the mux: authorize,
// approve, token, userinfo, revoke, and the metadata documents. Wrap the
// mux with Routes (or the middleware of your choice) to get request IDs.
func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(server.AuthorizePath, h.ServeAuthorize)
	mux.HandleFunc(server.ApprovePath, h.ServeApprove)
	mux.HandleFunc(server.TokenPath, h.ServeToken)
	mux.HandleFunc(server.UserInfoPath, h.ServeUserInfo)
	mux.HandleFunc(server.RevokePath, h.ServeRevoke)
	h.registerMetadataRoutes(mux)
}

// Routes returns the complete endpoint mux wrapped with the request ID
// middleware and, when tracing is configured, a server span per request.
// Most applications mount this directly; use RegisterHandlers to compose
// with an existing mux instead.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterHandlers(mux)
	return security.RequestIDMiddleware(h.traceRequests(mux))
}

// traceRequests logs each request and opens the root server span that the
// engine's flow spans nest under.
func (h *Handler) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.logger.Debug("Request received",
			"request_id", security.GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path)

		if h.tracer == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := h.tracer.Start(r.Context(), "http.request")
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		instrumentation.AddHTTPAttributes(span, r.Method, r.URL.Path, sw.status)
	})
}

// statusWriter remembers the status code for the request span
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// registerMetadataRoutes registers the RFC 8414 discovery endpoints. For
// path-based issuers the well-known prefix is inserted before the issuer
// path per RFC 8414 Section 3, and OpenID Connect Discovery additionally
// appends it after.
func (h *Handler) registerMetadataRoutes(mux *http.ServeMux) {
	mux.HandleFunc(server.MetadataPath, h.ServeMetadata)
	mux.HandleFunc(openIDConfigPath, h.ServeOpenIDConfiguration)

	issuerPath := h.extractIssuerPath()
	if issuerPath == "" {
		h.logger.Info("Discovery endpoints registered",
			"oauth_endpoint", server.MetadataPath,
			"oidc_endpoint", openIDConfigPath)
		return
	}

	mux.HandleFunc(server.MetadataPath+issuerPath, h.ServeMetadata)
	mux.HandleFunc(openIDConfigPath+issuerPath, h.ServeOpenIDConfiguration)
	mux.HandleFunc(issuerPath+openIDConfigPath, h.ServeOpenIDConfiguration)

	h.logger.Info("Registered path-based authorization server metadata endpoints",
		"issuer_path", issuerPath,
		"oauth_path_insert", server.MetadataPath+issuerPath,
		"oidc_path_insert", openIDConfigPath+issuerPath,
		"oidc_path_append", issuerPath+openIDConfigPath)
}

// extractIssuerPath returns the issuer URL's path, "" when the issuer sits
// at the origin root. "https://auth.example.com/tenant1" yields "/tenant1".
func (h *Handler) extractIssuerPath() string {
	if h.server.Config.Issuer == "" {
		return ""
	}

	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		h.logger.Warn("Issuer URL unparseable; metadata endpoints stay at the root",
			"issuer", h.server.Config.Issuer,
			"error", err)
		return ""
	}

	cleaned := path.Clean(parsed.Path)
	if cleaned == "" || cleaned == "/" || cleaned == "." {
		return ""
	}
	return cleaned
}

// ServeAuthorize handles the authorization endpoint. A valid request gets
// the consent page; an invalid one gets a 400 with a JSON error body.
// Validation failures never redirect, since sending error parameters to an
// unvalidated URI would make the endpoint an open redirector.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed request body", http.StatusBadRequest)
		h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusBadRequest, startTime)
		return
	}

	req := authorizationRequestFromForm(r)
	va, err := h.server.ValidateAuthorizationRequest(r.Context(), req)
	if err != nil {
		status := h.writeFlowError(w, err, true)
		h.recordHTTPMetrics("authorize", http.MethodGet, status, startTime)
		return
	}

	h.renderConsent(w, va, "", "")
	h.recordHTTPMetrics("authorize", http.MethodGet, http.StatusOK, startTime)
}

// ServeApprove handles the consent form submission. The hidden fields are
// re-validated from scratch; approval issues a code and redirects with the
// client's state echoed verbatim, denial redirects with access_denied, and
// bad credentials re-render the form with a generic message.
func (h *Handler) ServeApprove(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("approve", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed request body", http.StatusBadRequest)
		h.recordHTTPMetrics("approve", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	authReq := authorizationRequestFromForm(r)
	req := server.ApprovalRequest{
		AuthorizationRequest: authReq,
		Username:             r.FormValue("username"),
		Password:             r.FormValue("password"),
		Approved:             r.FormValue("approve") == "true",
		ClientIP:             clientIP,
	}

	result, err := h.server.Approve(r.Context(), req)
	if err != nil {
		if errors.Is(err, server.ErrAuthenticationFailed) {
			// The message stays generic so the form does not reveal
			// whether the username exists
			va, verr := h.server.ValidateAuthorizationRequest(r.Context(), authReq)
			if verr != nil {
				status := h.writeFlowError(w, verr, true)
				h.recordHTTPMetrics("approve", http.MethodPost, status, startTime)
				return
			}
			h.renderConsent(w, va, "invalid username or password", req.Username)
			h.recordHTTPMetrics("approve", http.MethodPost, http.StatusOK, startTime)
			return
		}
		status := h.writeFlowError(w, err, true)
		h.recordHTTPMetrics("approve", http.MethodPost, status, startTime)
		return
	}

	if result.Denied {
		h.logger.Info("Authorization denied by user",
			"client_id", authReq.ClientID,
			"ip", clientIP)
	}
	h.redirect(w, r, result.RedirectURL)
	h.recordHTTPMetrics("approve", http.MethodPost, http.StatusFound, startTime)
}

// ServeToken handles the token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set CORS headers for browser-based clients
	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusTooManyRequests, startTime)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed request body", http.StatusBadRequest)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)

	grantType := r.FormValue("grant_type")
	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientID, clientSecret, clientIP, startTime)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientID, clientSecret, clientIP, startTime)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType,
			fmt.Sprintf("Grant type %q is not supported", grantType), http.StatusBadRequest)
		h.recordHTTPMetrics("token", http.MethodPost, http.StatusBadRequest, startTime)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientID, clientSecret, clientIP string, startTime time.Time) {
	req := server.ExchangeRequest{
		Code:         r.FormValue("code"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  r.FormValue("redirect_uri"),
		CodeVerifier: r.FormValue("code_verifier"),
		ClientIP:     clientIP,
	}

	grant, err := h.server.ExchangeAuthorizationCode(r.Context(), req)
	if err != nil {
		status := h.writeFlowError(w, err, false)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		return
	}

	h.logger.Info("Token exchange successful",
		"client_id", clientID,
		"ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, grant)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientID, clientSecret, clientIP string, startTime time.Time) {
	req := server.RefreshRequest{
		RefreshToken: r.FormValue("refresh_token"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        r.FormValue("scope"),
		ClientIP:     clientIP,
	}

	grant, err := h.server.RefreshAccessToken(r.Context(), req)
	if err != nil {
		status := h.writeFlowError(w, err, false)
		h.recordHTTPMetrics("token", http.MethodPost, status, startTime)
		return
	}

	h.logger.Info("Token refreshed",
		"client_id", clientID,
		"ip", clientIP)
	h.recordHTTPMetrics("token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, grant)
}

// ServeUserInfo handles the userinfo endpoint, resolving the claims behind
// a Bearer access token
func (h *Handler) ServeUserInfo(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	token, ok := h.extractBearerToken(w, r)
	if !ok {
		h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusUnauthorized, startTime)
		return
	}

	info, err := h.server.ResolveUserInfo(r.Context(), token)
	if err != nil {
		status := h.writeFlowError(w, err, false)
		h.recordHTTPMetrics("userinfo", http.MethodGet, status, startTime)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(UserInfoResponse{
		Sub:      info.Subject,
		Username: info.Username,
		Email:    info.Email,
		Scope:    info.Scope,
	})
	h.recordHTTPMetrics("userinfo", http.MethodGet, http.StatusOK, startTime)
}

// ServeRevoke handles the RFC 7009 token revocation endpoint. Clients must
// authenticate; unknown tokens still answer 200 so token existence cannot
// be probed.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed request body", http.StatusBadRequest)
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusBadRequest, startTime)
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	client, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret, clientIP)
	if err != nil {
		status := h.writeFlowError(w, err, false)
		h.recordHTTPMetrics("revoke", http.MethodPost, status, startTime)
		return
	}

	if err := h.server.RevokeToken(r.Context(), token, client.ClientID, r.FormValue("token_type_hint"), clientIP); err != nil {
		// Unknown tokens are nil above; an error here is a store failure
		status := h.writeFlowError(w, err, false)
		h.recordHTTPMetrics("revoke", http.MethodPost, status, startTime)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics("revoke", http.MethodPost, http.StatusOK, startTime)
}

// ServeMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkIPRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("metadata", http.MethodGet, http.StatusTooManyRequests, startTime)
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.buildMetadata())
	h.recordHTTPMetrics("metadata", http.MethodGet, http.StatusOK, startTime)
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery requests.
// Per RFC 8414 Section 5 it returns the same document as the
// authorization server metadata endpoint.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeMetadata(w, r)
}

// buildMetadata builds the RFC 8414 authorization server metadata document.
func (h *Handler) buildMetadata() *AuthorizationServerMetadata {
	cfg := h.server.Config

	grantTypes := []string{"authorization_code", "refresh_token"}
	if cfg.DisableRefreshTokens {
		grantTypes = []string{"authorization_code"}
	}

	md := &AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		UserInfoEndpoint:                  cfg.UserInfoEndpoint(),
		RevocationEndpoint:                cfg.RevocationEndpoint(),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: supportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
	}
	if len(cfg.SupportedScopes) > 0 {
		md.ScopesSupported = cfg.SupportedScopes
	}
	return md
}

// renderConsent writes the consent page for a validated authorization
// request. authError and username are set when re-rendering after a
// failed credential check.
func (h *Handler) renderConsent(w http.ResponseWriter, va *server.ValidatedAuthorization, authError, username string) {
	clientName := va.Client.ClientName
	if clientName == "" {
		clientName = va.Client.ClientID
	}

	data := ConsentPageData{
		ClientName:          clientName,
		Scopes:              va.Scopes,
		AuthError:           authError,
		Username:            username,
		ApproveURL:          server.ApprovePath,
		ClientID:            va.Request.ClientID,
		RedirectURI:         va.Request.RedirectURI,
		ResponseType:        va.Request.ResponseType,
		Scope:               va.Request.Scope,
		State:               va.Request.State,
		CodeChallenge:       va.Request.CodeChallenge,
		CodeChallengeMethod: va.Request.CodeChallengeMethod,
	}

	// Render to a buffer first so a template failure cannot leave half a
	// page behind a 200
	var buf bytes.Buffer
	if err := h.consent.Execute(&buf, data); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return
	}

	security.SetConsentPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// authorizationRequestFromForm reads the authorization parameters from a
// parsed request. Works for both the query string of the authorize
// endpoint and the hidden fields of the consent form.
func authorizationRequestFromForm(r *http.Request) server.AuthorizationRequest {
	return server.AuthorizationRequest{
		ClientID:            r.FormValue("client_id"),
		RedirectURI:         r.FormValue("redirect_uri"),
		ResponseType:        r.FormValue("response_type"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
	}
}

// clientCredentials extracts the client ID and secret from the request.
// HTTP Basic credentials take precedence over form fields.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok && id != "" {
		return id, secret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes a 401 and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}

	return parts[1], true
}

// checkIPRateLimit checks if the IP is rate limited. Returns true if
// limited and the 429 response was written.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded",
		"ip", clientIP,
		"path", r.URL.Path)
	if inst := h.server.Instrumentation(); inst != nil {
		inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, r.URL.Path)
	}

	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// writeFlowError maps an engine error onto the wire. atAuthorize demotes
// invalid_client to 400: the authorize endpoint authenticates nobody, so
// an unknown client_id is a plain bad request there. Returns the status
// written.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error, atAuthorize bool) int {
	var flowErr *server.FlowError
	if !errors.As(err, &flowErr) {
		h.logger.Error("Unexpected engine error", "error", err)
		h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	status := httpStatusForCode(flowErr.Code)
	if atAuthorize && flowErr.Code == ErrorCodeInvalidClient {
		status = http.StatusBadRequest
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	h.writeError(w, flowErr.Code, flowErr.Description, status)
	return status
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, grant *server.TokenGrant) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, location string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, location, http.StatusFound)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per
// RFC 6750 Section 3. Values are escaped per the quoted-string rules so
// descriptions cannot inject header parameters.
func formatWWWAuthenticate(errCode, errorDesc string) string {
	var params []string

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}
	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters)
		escaped := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escaped))
	}

	if len(params) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(params, ", ")
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.server.Config.CORS.AllowedOrigins) == 0 {
		return
	}

	// Not a browser CORS request
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*" so credentialed
	// requests stay possible
	w.Header().Set("Access-Control-Allow-Origin", origin)

	// Vary prevents caches from serving one origin's CORS headers to another
	w.Header().Add("Vary", "Origin")

	if h.server.Config.CORS.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}

	maxAge := h.server.Config.CORS.MaxAge
	if maxAge == 0 {
		maxAge = defaultCORSMaxAge
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", maxAge))
}

// isAllowedOrigin reports whether origin may receive CORS responses.
// Matching is exact; the single entry "*" admits every origin and logs a
// warning each time it fires.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.Config.CORS.AllowedOrigins {
		if allowed == "*" {
			h.logger.Warn("CORS: wildcard origin (*) allows ALL origins",
				"risk", "CSRF attacks possible from any website",
				"recommendation", "List exact origins outside development")
			return true
		}

		// Exact match (case-sensitive per the CORS spec)
		if allowed == origin {
			return true
		}
	}

	return false
}

// ServePreflightRequest answers CORS preflight probes without touching the
// engine. Anything other than OPTIONS is rejected.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics feeds one request's count and latency to the meter
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	inst := h.server.Instrumentation()
	if inst == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // milliseconds
	inst.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
