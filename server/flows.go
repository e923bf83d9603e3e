package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grantkit/grantkit/instrumentation"
	"github.com/grantkit/grantkit/security"
	"github.com/grantkit/grantkit/storage"
	"github.com/grantkit/grantkit/users"
)

// OAuth error codes (RFC 6749 Sections 4.1.2.1 and 5.2, RFC 6750 Section 3.1)
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidRedirectURI      = "invalid_redirect_uri"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeServerError             = "server_error"
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"
)

// ErrAuthenticationFailed reports a failed resource owner credential check
// during consent. The handler re-renders the consent form with a generic
// message instead of failing the flow.
var ErrAuthenticationFailed = errors.New("invalid username or password")

// FlowError is an OAuth protocol error produced by the flow engine. Code is
// one of the ErrorCode constants; Description is safe to return to clients.
type FlowError struct {
	Code        string
	Description string
}

func (e *FlowError) Error() string {
	return e.Code + ": " + e.Description
}

func flowError(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// invalidGrant is the merged invalid_grant error. Not-found, expired,
// consumed, redirect mismatch and PKCE mismatch all collapse into it so the
// response does not reveal which check failed; the real reason goes to the
// debug log.
func invalidGrant() *FlowError {
	return &FlowError{Code: ErrorCodeInvalidGrant, Description: "invalid grant"}
}

// serverError hides internal failure detail from clients. The cause is
// logged; the client sees only a generic code.
func (s *Server) serverError(op string, err error) *FlowError {
	s.Logger.Error("Internal error", "operation", op, "error", err)
	return &FlowError{Code: ErrorCodeServerError, Description: "internal server error"}
}

// AuthorizationRequest carries the parameters of an authorization request
// as received on the authorize endpoint
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string // space-delimited, as received
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ValidatedAuthorization is the outcome of a successful request validation.
// It carries everything the consent page needs to render and resubmit.
type ValidatedAuthorization struct {
	Client  *storage.Client
	Request AuthorizationRequest
	Scopes  []string
}

// ApprovalRequest carries a consent form submission
type ApprovalRequest struct {
	AuthorizationRequest

	Username string
	Password string
	// Approved is false when the resource owner explicitly denied
	Approved bool
	ClientIP string
}

// ApprovalResult is the outcome of a processed consent decision. The
// handler issues a 302 to RedirectURL in both the approved and the denied
// case; the state value is echoed into it verbatim.
type ApprovalResult struct {
	RedirectURL string
	Denied      bool
}

// ExchangeRequest carries the parameters of an authorization_code grant
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string // empty for public clients
	RedirectURI  string
	CodeVerifier string
	ClientIP     string
}

// RefreshRequest carries the parameters of a refresh_token grant
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string // empty for public clients
	Scope        string // optional narrowing, space-delimited
	ClientIP     string
}

// TokenGrant is a successful token issuance
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string // empty when refresh tokens are disabled
	Scope        string
}

// UserInfo is the claim set resolved from an access token
type UserInfo struct {
	Subject  string
	Username string
	Email    string
	Scope    string
}

// ============================================================
// Authorization Request Validation
// ============================================================

// ValidateAuthorizationRequest validates the parameters of an authorization
// request. Checks run in a fixed order: client, redirect URI (exact match),
// response type, state, PKCE challenge, scope. Validation failures are
// returned as *FlowError and must NOT be delivered by redirect; an attacker
// controls the redirect_uri parameter until this function has passed it.
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*ValidatedAuthorization, error) {
	ctx, span := s.startFlowSpan(ctx, "oauth.server.validate_authorization")
	defer span.End()

	if req.ClientID == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Debug("Authorization request for unknown client",
				"client_id", req.ClientID)
			return nil, flowError(ErrorCodeInvalidClient, "unknown client")
		}
		return nil, s.serverError("get client", err)
	}

	if m := s.metrics(); m != nil {
		m.RecordAuthorizationStarted(ctx, client.ClientID)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", req.Scope)
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)

	if err := s.validateRedirectURI(req.RedirectURI, client); err != nil {
		return nil, flowError(ErrorCodeInvalidRedirectURI, "%s", err.Error())
	}

	if req.ResponseType == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "response_type is required")
	}
	if req.ResponseType != "code" {
		return nil, flowError(ErrorCodeUnsupportedResponseType,
			"unsupported response_type %q; only \"code\" is supported", req.ResponseType)
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return nil, flowError(ErrorCodeInvalidRequest, "%s", err.Error())
	}

	if err := s.validateAuthorizationPKCE(ctx, req, client); err != nil {
		return nil, err
	}

	scopes := strings.Fields(req.Scope)
	if err := s.validateScopes(scopes); err != nil {
		return nil, flowError(ErrorCodeInvalidScope, "%s", err.Error())
	}
	if err := s.validateClientScopes(scopes, client); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogScopeEscalation(client.ClientID, "", req.Scope)
		}
		return nil, flowError(ErrorCodeInvalidScope, "%s", err.Error())
	}

	instrumentation.SetSpanSuccess(span)
	return &ValidatedAuthorization{
		Client:  client,
		Request: req,
		Scopes:  scopes,
	}, nil
}

// validateAuthorizationPKCE checks the PKCE parameters of an authorization
// request. Confidential clients may omit PKCE; public clients must present
// an S256 challenge unless AllowPublicClientsWithoutPKCE is set.
func (s *Server) validateAuthorizationPKCE(ctx context.Context, req AuthorizationRequest, client *storage.Client) error {
	if req.CodeChallenge == "" && req.CodeChallengeMethod == "" {
		if client.IsPublic() && !s.Config.AllowPublicClientsWithoutPKCE {
			s.Logger.Warn("Public client attempted authorization without PKCE",
				"client_id", client.ClientID)
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventPKCERequiredForPublicClient,
					ClientID: client.ClientID,
				})
			}
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, pkceReasonMissingChallenge)
			}
			return flowError(ErrorCodeInvalidRequest,
				"public clients must use PKCE (code_challenge with S256)")
		}
		return nil
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		var pe *pkceError
		if errors.As(err, &pe) {
			if m := s.metrics(); m != nil {
				m.RecordPKCEValidationFailed(ctx, pe.reason)
			}
			if s.Auditor != nil {
				s.Auditor.LogPKCEFailure(client.ClientID, "", pe.reason)
			}
		}
		return flowError(ErrorCodeInvalidRequest, "%s", err.Error())
	}
	return nil
}

// ============================================================
// Consent and Code Issuance
// ============================================================

// Approve processes a consent form submission: it re-validates the carried
// authorization request, authenticates the resource owner, and on approval
// issues an authorization code bound to the request. The returned redirect
// URL carries the code (or error=access_denied) together with the state
// value echoed verbatim; the state is never persisted.
func (s *Server) Approve(ctx context.Context, req ApprovalRequest) (*ApprovalResult, error) {
	ctx, span := s.startFlowSpan(ctx, "oauth.server.approve")
	defer span.End()

	// Hidden form fields are attacker-writable, so the full validation
	// runs again on submission
	va, err := s.ValidateAuthorizationRequest(ctx, req.AuthorizationRequest)
	if err != nil {
		return nil, err
	}

	if !req.Approved {
		s.Logger.Info("Consent denied",
			"client_id", va.Client.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogConsentDenied(va.Client.ClientID, req.ClientIP)
		}
		if m := s.metrics(); m != nil {
			m.RecordConsentDecision(ctx, va.Client.ClientID, false)
		}
		redirectURL, err := buildRedirectURL(req.RedirectURI, url.Values{
			"error": {ErrorCodeAccessDenied},
			"state": {req.State},
		})
		if err != nil {
			return nil, s.serverError("build denial redirect", err)
		}
		return &ApprovalResult{RedirectURL: redirectURL, Denied: true}, nil
	}

	if s.LoginRateLimiter != nil && req.ClientIP != "" && !s.LoginRateLimiter.Allow(req.ClientIP) {
		if m := s.metrics(); m != nil {
			m.RecordRateLimitExceeded(ctx, "login")
		}
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventLoginRateLimitExceeded,
				ClientID:  va.Client.ClientID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, flowError(ErrorCodeRateLimitExceeded,
			"too many login attempts; try again later")
	}

	user, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			s.Logger.Info("Consent form authentication failed",
				"client_id", va.Client.ClientID)
			if s.Auditor != nil {
				s.Auditor.LogLoginFailure(req.Username, va.Client.ClientID, req.ClientIP)
			}
			if m := s.metrics(); m != nil {
				m.RecordLoginFailure(ctx, va.Client.ClientID)
			}
			instrumentation.SetSpanError(span, "resource owner authentication failed")
			return nil, ErrAuthenticationFailed
		}
		return nil, s.serverError("authenticate user", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, va.Client.ClientID, user.ID, req.Scope)

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            va.Client.ClientID,
		UserID:              user.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               strings.Join(va.Scopes, " "),
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		return nil, s.serverError("save authorization code", err)
	}

	s.Logger.Info("Authorization code issued",
		"client_id", va.Client.ClientID,
		"user_id", user.ID,
		"code_prefix", safeTruncate(code, 8),
		"pkce", authCode.CodeChallenge != "")
	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(user.ID, va.Client.ClientID, req.ClientIP, authCode.Scope)
	}
	if m := s.metrics(); m != nil {
		m.RecordConsentDecision(ctx, va.Client.ClientID, true)
		m.RecordCodeIssued(ctx, va.Client.ClientID)
	}

	redirectURL, err := buildRedirectURL(req.RedirectURI, url.Values{
		"code":  {code},
		"state": {req.State},
	})
	if err != nil {
		return nil, s.serverError("build redirect", err)
	}
	instrumentation.SetSpanSuccess(span)
	return &ApprovalResult{RedirectURL: redirectURL}, nil
}

// buildRedirectURL appends query parameters to an already validated
// redirect URI, preserving any query it carries
func buildRedirectURL(redirectURI string, params url.Values) (string, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("parse redirect URI: %w", err)
	}

	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// ============================================================
// Code Exchange
// ============================================================

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
//
// The order of checks is load-bearing:
//  1. The code is consumed FIRST, atomically. A presented code is burned
//     before anything else is looked at, so an attacker who stole a code
//     cannot probe client authentication with it and retry.
//  2. Client authentication (skipped for public clients, PKCE is then
//     mandatory). Failures return invalid_client AFTER the code is gone.
//  3. Redirect URI equality with the authorization request.
//  4. PKCE verification.
//
// Checks 3 and 4 report the merged invalid_grant; the detailed reason is
// only logged. Reuse of a consumed code revokes every token previously
// issued to that user+client pair.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenGrant, error) {
	ctx, span := s.startFlowSpan(ctx, "oauth.server.exchange_code")
	defer span.End()

	if req.Code == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "code is required")
	}
	if req.ClientID == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "client_id is required")
	}

	// Step 1: consume the code before any other check
	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		return nil, s.handleCodeConsumeFailure(ctx, authCode, req, err)
	}

	// Step 2: client authentication
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
		return nil, s.serverError("get client", err)
	}
	if !client.IsPublic() {
		if err := s.clientStore.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			if errors.Is(err, storage.ErrInvalidClientSecret) || errors.Is(err, storage.ErrClientNotFound) {
				// The code is already burned; a stolen code plus a guessed
				// secret is dead after one attempt
				s.Logger.Warn("Client authentication failed at token endpoint",
					"client_id", req.ClientID,
					"code_prefix", safeTruncate(req.Code, 8))
				if s.Auditor != nil {
					s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_client_secret")
				}
				return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
			}
			return nil, s.serverError("validate client secret", err)
		}
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	// The code must have been issued to the authenticating client
	if authCode.ClientID != req.ClientID {
		s.Logger.Debug("Authorization code presented by wrong client",
			"issued_to", authCode.ClientID,
			"presented_by", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, "code_client_mismatch")
		}
		return nil, invalidGrant()
	}

	// Step 3: redirect URI must match the authorization request exactly
	if subtle.ConstantTimeCompare([]byte(authCode.RedirectURI), []byte(req.RedirectURI)) != 1 {
		s.Logger.Debug("Redirect URI mismatch at token endpoint",
			"client_id", req.ClientID,
			"expected", sanitizeURIForLogging(authCode.RedirectURI),
			"got", sanitizeURIForLogging(req.RedirectURI))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(authCode.UserID, req.ClientID, req.ClientIP, "redirect_uri_mismatch")
		}
		return nil, invalidGrant()
	}

	// Step 4: PKCE
	if err := s.verifyExchangePKCE(ctx, authCode, client, req); err != nil {
		return nil, err
	}

	user, err := s.userStore.GetUser(ctx, authCode.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			// Account removed between consent and exchange
			s.Logger.Warn("Authorization code for deleted user",
				"user_id", authCode.UserID,
				"client_id", req.ClientID)
			return nil, invalidGrant()
		}
		return nil, s.serverError("get user", err)
	}

	grant, err := s.issueTokens(ctx, user, client.ClientID, authCode.Scope, "", 0)
	if err != nil {
		return nil, err
	}

	pkceMethod := authCode.CodeChallengeMethod
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	s.Logger.Info("Authorization code exchanged",
		"client_id", client.ClientID,
		"user_id", user.ID,
		"pkce_method", pkceMethod)
	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(user.ID, client.ClientID, req.ClientIP, authCode.Scope)
	}
	if m := s.metrics(); m != nil {
		m.RecordCodeExchange(ctx, client.ClientID, pkceMethod)
	}
	instrumentation.AddPKCEAttributes(span, pkceMethod)
	instrumentation.SetSpanSuccess(span)

	return grant, nil
}

// handleCodeConsumeFailure maps a failed code consume to the client-facing
// error. A consumed code showing up again is treated as a token theft
// indicator: every token issued to that user+client pair is revoked before
// the merged invalid_grant goes out.
func (s *Server) handleCodeConsumeFailure(ctx context.Context, authCode *storage.AuthorizationCode, req ExchangeRequest, err error) error {
	if errors.Is(err, storage.ErrAuthorizationCodeUsed) && authCode != nil {
		if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserID+":"+authCode.ClientID) {
			s.Logger.Error("Authorization code reuse detected",
				"user_id", authCode.UserID,
				"client_id", authCode.ClientID,
				"code_prefix", safeTruncate(req.Code, 8))
		}
		if m := s.metrics(); m != nil {
			m.RecordCodeReuseDetected(ctx)
		}
		span := trace.SpanFromContext(ctx)
		instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
		instrumentation.SetSpanError(span, "authorization code replay")

		revoked, revokeErr := s.RevokeAllTokensForUserClient(ctx, authCode.UserID, authCode.ClientID)
		if revokeErr != nil {
			s.Logger.Error("Failed to revoke tokens after code reuse",
				"user_id", authCode.UserID,
				"client_id", authCode.ClientID,
				"error", revokeErr)
		}
		if s.Auditor != nil {
			s.Auditor.LogCodeReuse(authCode.UserID, authCode.ClientID, req.ClientIP, revoked)
		}
		return invalidGrant()
	}

	if errors.Is(err, storage.ErrAuthorizationCodeNotFound) ||
		errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"code_prefix", safeTruncate(req.Code, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_authorization_code")
		}
		return invalidGrant()
	}

	return s.serverError("consume authorization code", err)
}

// verifyExchangePKCE applies the PKCE check at the token endpoint. A code
// issued with a challenge requires a matching verifier; a code issued
// without one requires that no verifier is sent, and is refused outright
// for public clients unless AllowPublicClientsWithoutPKCE is set.
func (s *Server) verifyExchangePKCE(ctx context.Context, authCode *storage.AuthorizationCode, client *storage.Client, req ExchangeRequest) error {
	if authCode.CodeChallenge == "" {
		if client.IsPublic() && !s.Config.AllowPublicClientsWithoutPKCE {
			s.Logger.Warn("Public client exchange without PKCE refused",
				"client_id", client.ClientID)
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventPKCERequiredForPublicClient,
					UserID:    authCode.UserID,
					ClientID:  client.ClientID,
					IPAddress: req.ClientIP,
				})
			}
			return invalidGrant()
		}
		if req.CodeVerifier != "" {
			// Verifier for a code issued without a challenge
			s.Logger.Debug("code_verifier sent for a code without a challenge",
				"client_id", client.ClientID)
			return invalidGrant()
		}
		return nil
	}

	if err := verifyPKCE(req.CodeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod); err != nil {
		reason := "invalid"
		var pe *pkceError
		if errors.As(err, &pe) {
			reason = pe.reason
		}
		s.Logger.Debug("PKCE verification failed",
			"client_id", client.ClientID,
			"reason", reason)
		if s.Auditor != nil {
			s.Auditor.LogPKCEFailure(client.ClientID, req.ClientIP, reason)
		}
		if m := s.metrics(); m != nil {
			m.RecordPKCEValidationFailed(ctx, reason)
		}
		return invalidGrant()
	}
	return nil
}

// ============================================================
// Token Issuance
// ============================================================

// issueTokens mints an opaque access token (and, unless disabled, a refresh
// token) for a user+client pair. familyID and generation continue an
// existing refresh token family during rotation; a zero generation starts a
// new family.
func (s *Server) issueTokens(ctx context.Context, user *users.User, clientID, scope, familyID string, generation int) (*TokenGrant, error) {
	now := time.Now()

	accessToken := generateRandomToken()
	if err := s.tokenStore.SaveAccessToken(ctx, &storage.AccessToken{
		Token:     accessToken,
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second),
	}); err != nil {
		return nil, s.serverError("save access token", err)
	}

	grant := &TokenGrant{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresIn:   s.Config.AccessTokenTTL,
		Scope:       scope,
	}

	if s.Config.DisableRefreshTokens {
		return grant, nil
	}

	refreshToken := generateRandomToken()
	if generation == 0 {
		familyID = generateRandomToken()
		generation = 1
	}

	if err := s.tokenStore.SaveRefreshToken(ctx, &storage.RefreshToken{
		Token:      refreshToken,
		UserID:     user.ID,
		ClientID:   clientID,
		Scope:      scope,
		FamilyID:   familyID,
		Generation: generation,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
	}); err != nil {
		return nil, s.serverError("save refresh token", err)
	}

	if familyStore, ok := s.tokenStore.(storage.RefreshTokenFamilyStore); ok {
		if err := familyStore.SaveRefreshTokenFamily(ctx, &storage.RefreshTokenFamily{
			FamilyID:   familyID,
			UserID:     user.ID,
			ClientID:   clientID,
			Generation: generation,
			IssuedAt:   now,
		}); err != nil {
			// Rotation still works without the metadata; reuse detection
			// for this family is degraded until the next successful save
			s.Logger.Warn("Failed to save refresh token family",
				"family_id", safeTruncate(familyID, 8),
				"error", err)
		}
	}

	grant.RefreshToken = refreshToken
	return grant, nil
}

// ============================================================
// Refresh Token Rotation
// ============================================================

// RefreshAccessToken exchanges a refresh token for a new token pair. The
// presented token is atomically consumed and a new token in the same family
// is issued with an incremented generation. Presenting an already rotated
// token is treated as theft: the whole family and every token for the
// user+client pair are revoked.
func (s *Server) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*TokenGrant, error) {
	ctx, span := s.startFlowSpan(ctx, "oauth.server.refresh_token")
	defer span.End()

	if s.Config.DisableRefreshTokens {
		return nil, flowError(ErrorCodeUnsupportedGrantType, "refresh tokens are disabled")
	}
	if req.RefreshToken == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "refresh_token is required")
	}
	if req.ClientID == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "client_id is required")
	}

	// Client authentication first (RFC 6749 Section 6); unlike codes the
	// token is not burned before it, so a mistyped secret does not cost
	// the client its session
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
		return nil, s.serverError("get client", err)
	}
	if !client.IsPublic() {
		if err := s.clientStore.ValidateClientSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			if errors.Is(err, storage.ErrInvalidClientSecret) || errors.Is(err, storage.ErrClientNotFound) {
				if s.Auditor != nil {
					s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_client_secret")
				}
				return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
			}
			return nil, s.serverError("validate client secret", err)
		}
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)

	// Atomic consume: the synchronization point, only ONE concurrent
	// request can win
	token, err := s.tokenStore.ConsumeRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.handleRefreshConsumeFailure(ctx, token, req, err)
	}

	// Token binding: a refresh token is only usable by the client it was
	// issued to
	if token.ClientID != req.ClientID {
		s.Logger.Warn("Refresh token presented by wrong client",
			"issued_to", token.ClientID,
			"presented_by", req.ClientID)
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(token.UserID, req.ClientID, req.ClientIP, "refresh_token_client_mismatch")
		}
		return nil, invalidGrant()
	}

	scope, err := narrowScope(token.Scope, req.Scope)
	if err != nil {
		return nil, flowError(ErrorCodeInvalidScope, "%s", err.Error())
	}

	user, err := s.userStore.GetUser(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			s.Logger.Warn("Refresh token for deleted user",
				"user_id", token.UserID,
				"client_id", req.ClientID)
			return nil, invalidGrant()
		}
		return nil, s.serverError("get user", err)
	}

	generation := token.Generation + 1
	instrumentation.AddTokenFamilyAttributes(span, token.FamilyID, generation)

	grant, err := s.issueTokens(ctx, user, client.ClientID, scope, token.FamilyID, generation)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Refresh token rotated",
		"user_id", user.ID,
		"client_id", client.ClientID,
		"family_id", safeTruncate(token.FamilyID, 8),
		"generation", generation)
	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(user.ID, client.ClientID, req.ClientIP, generation)
	}
	if m := s.metrics(); m != nil {
		m.RecordTokenRefresh(ctx, client.ClientID)
	}
	instrumentation.SetSpanSuccess(span)

	return grant, nil
}

// handleRefreshConsumeFailure maps a failed refresh token consume to the
// client-facing error. Reuse of a rotated token revokes the family and all
// tokens for the user+client pair; reuse within an already revoked family
// is logged as a critical event but triggers no further revocation.
func (s *Server) handleRefreshConsumeFailure(ctx context.Context, token *storage.RefreshToken, req RefreshRequest, err error) error {
	if errors.Is(err, storage.ErrRefreshTokenReused) && token != nil {
		return s.handleRefreshTokenReuse(ctx, token, req)
	}

	if errors.Is(err, storage.ErrRefreshTokenNotFound) ||
		errors.Is(err, storage.ErrTokenExpired) {
		s.Logger.Debug("Refresh token validation failed",
			"reason", err.Error(),
			"client_id", req.ClientID,
			"token_prefix", safeTruncate(req.RefreshToken, 8))
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure("", req.ClientID, req.ClientIP, "invalid_refresh_token")
		}
		return invalidGrant()
	}

	return s.serverError("consume refresh token", err)
}

// handleRefreshTokenReuse runs the OAuth 2.1 reuse response: the rotated
// token's family is revoked along with every token for the user+client
// pair. The client response stays the merged invalid_grant either way.
func (s *Server) handleRefreshTokenReuse(ctx context.Context, token *storage.RefreshToken, req RefreshRequest) error {
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
	}
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
	instrumentation.SetSpanError(span, "refresh token replay")

	familyStore, supportsFamilies := s.tokenStore.(storage.RefreshTokenFamilyStore)
	if supportsFamilies && token.FamilyID != "" {
		family, famErr := familyStore.GetRefreshTokenFamily(ctx, token.FamilyID)
		if famErr == nil && family.Revoked {
			// The family was already revoked by a prior detection; the
			// token is dead, only record the repeated attempt
			if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(token.UserID+":"+token.ClientID) {
				s.Logger.Error("Attempted use of token from revoked family",
					"user_id", token.UserID,
					"client_id", token.ClientID,
					"family_id", safeTruncate(token.FamilyID, 8))
			}
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventRevokedTokenFamilyReuseAttempt,
					UserID:    token.UserID,
					ClientID:  token.ClientID,
					IPAddress: req.ClientIP,
					Details: map[string]any{
						"severity":  "critical",
						"family_id": token.FamilyID,
					},
				})
			}
			return invalidGrant()
		}

		if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(token.UserID+":"+token.ClientID) {
			s.Logger.Error("Refresh token reuse detected, revoking family",
				"user_id", token.UserID,
				"client_id", token.ClientID,
				"family_id", safeTruncate(token.FamilyID, 8),
				"generation", token.Generation)
		}

		if err := familyStore.RevokeRefreshTokenFamily(ctx, token.FamilyID); err != nil {
			s.Logger.Error("Failed to revoke token family",
				"family_id", safeTruncate(token.FamilyID, 8),
				"error", err)
			// Continue with the bulk revocation even if the family
			// revocation failed
		}
	}

	if _, err := s.RevokeAllTokensForUserClient(ctx, token.UserID, token.ClientID); err != nil {
		s.Logger.Error("Failed to revoke user tokens after refresh reuse",
			"user_id", token.UserID,
			"client_id", token.ClientID,
			"error", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogRefreshTokenReuse(token.UserID, token.ClientID, req.ClientIP, token.FamilyID)
	}

	return invalidGrant()
}

// narrowScope applies RFC 6749 Section 6 scope narrowing on refresh: the
// requested scope must be a subset of the originally granted one. An empty
// request keeps the original scope.
func narrowScope(granted, requested string) (string, error) {
	if requested == "" {
		return granted, nil
	}

	grantedSet := make(map[string]bool)
	for _, scope := range strings.Fields(granted) {
		grantedSet[scope] = true
	}
	requestedScopes := strings.Fields(requested)
	for _, scope := range requestedScopes {
		if !grantedSet[scope] {
			return "", fmt.Errorf("requested scope exceeds the originally granted scope")
		}
	}
	return strings.Join(requestedScopes, " "), nil
}

// ============================================================
// Token Revocation
// ============================================================

// AuthenticateClient authenticates a client outside of a grant flow.
// Public clients pass with an empty secret; confidential clients must
// present theirs. The revocation endpoint uses this since it has no
// code or refresh token carrying client identity for it.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, flowError(ErrorCodeInvalidRequest, "client_id is required")
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Warn("Authentication attempt by unknown client",
				"client_id", clientID)
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, clientIP, "unknown_client")
			}
			return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
		}
		return nil, s.serverError("get client", err)
	}

	if !client.IsPublic() {
		if clientSecret == "" {
			s.Logger.Warn("Confidential client missing credentials",
				"client_id", clientID)
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure("", clientID, clientIP, "missing_client_secret")
			}
			return nil, flowError(ErrorCodeInvalidClient, "client authentication required")
		}
		if err := s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			if errors.Is(err, storage.ErrInvalidClientSecret) || errors.Is(err, storage.ErrClientNotFound) {
				s.Logger.Warn("Client authentication failed",
					"client_id", clientID)
				if s.Auditor != nil {
					s.Auditor.LogAuthFailure("", clientID, clientIP, "invalid_client_secret")
				}
				return nil, flowError(ErrorCodeInvalidClient, "client authentication failed")
			}
			return nil, s.serverError("validate client secret", err)
		}
	}

	return client, nil
}

// RevokeToken revokes a single token per RFC 7009. Unknown tokens are not
// an error; the endpoint answers 200 either way so callers cannot probe
// which tokens exist. Revoking a refresh token revokes its whole family.
// tokenTypeHint orders the lookups but is never trusted to be correct.
func (s *Server) RevokeToken(ctx context.Context, token, clientID, tokenTypeHint, clientIP string) error {
	if token == "" {
		return nil
	}

	lookups := []string{"access_token", "refresh_token"}
	if tokenTypeHint == "refresh_token" {
		lookups = []string{"refresh_token", "access_token"}
	}

	for _, kind := range lookups {
		var revoked bool
		var err error
		switch kind {
		case "access_token":
			revoked, err = s.revokeAccessToken(ctx, token, clientID)
		case "refresh_token":
			revoked, err = s.revokeRefreshToken(ctx, token, clientID)
		}
		if err != nil {
			return s.serverError("revoke token", err)
		}
		if revoked {
			s.Logger.Info("Token revoked",
				"client_id", clientID,
				"token_type", kind)
			if s.Auditor != nil {
				s.Auditor.LogTokenRevoked("", clientID, clientIP, kind)
			}
			if m := s.metrics(); m != nil {
				m.RecordTokenRevocation(ctx, clientID, kind)
			}
			return nil
		}
	}

	// Unknown token: success per RFC 7009 Section 2.2
	s.Logger.Debug("Revocation request for unknown token",
		"client_id", clientID,
		"token_prefix", safeTruncate(token, 8))
	return nil
}

// revokeAccessToken deletes an access token if it exists and belongs to the
// calling client. Reports whether a token was revoked.
func (s *Server) revokeAccessToken(ctx context.Context, token, clientID string) (bool, error) {
	record, err := s.tokenStore.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return false, nil
		}
		return false, err
	}
	if record.ClientID != clientID {
		// RFC 7009 Section 2.1: a client may only revoke its own tokens.
		// Treated as unknown so ownership cannot be probed.
		s.Logger.Warn("Revocation request for another client's access token",
			"owner", record.ClientID,
			"caller", clientID)
		return false, nil
	}
	if err := s.tokenStore.DeleteAccessToken(ctx, token); err != nil {
		return false, err
	}
	return true, nil
}

// revokeRefreshToken deletes a refresh token if it exists and belongs to
// the calling client, revoking its family when the backend tracks families.
// Reports whether a token was revoked.
func (s *Server) revokeRefreshToken(ctx context.Context, token, clientID string) (bool, error) {
	record, err := s.tokenStore.GetRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return false, nil
		}
		return false, err
	}
	if record.ClientID != clientID {
		s.Logger.Warn("Revocation request for another client's refresh token",
			"owner", record.ClientID,
			"caller", clientID)
		return false, nil
	}

	if familyStore, ok := s.tokenStore.(storage.RefreshTokenFamilyStore); ok && record.FamilyID != "" {
		err := familyStore.RevokeRefreshTokenFamily(ctx, record.FamilyID)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
			return false, err
		}
		// No family record survived; fall through to the single delete
	}

	if err := s.tokenStore.DeleteRefreshToken(ctx, token); err != nil {
		return false, err
	}
	return true, nil
}

// RevokeAllTokensForUserClient revokes every access and refresh token
// issued to a user+client pair and reports how many were removed. Called
// when authorization code or refresh token reuse is detected.
func (s *Server) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	revocationStore, ok := s.tokenStore.(storage.TokenRevocationStore)
	if !ok {
		// Reuse detection without bulk revocation leaves stolen tokens
		// alive; treat as a hard failure so misconfigured deployments are
		// caught early
		s.Logger.Error("Token storage does not support bulk revocation",
			"user_id", userID,
			"client_id", clientID)
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventSuspiciousActivity,
				UserID:   userID,
				ClientID: clientID,
				Details: map[string]any{
					"severity":    "critical",
					"description": "reuse detected but storage cannot bulk-revoke",
				},
			})
		}
		return 0, fmt.Errorf("token storage does not implement TokenRevocationStore")
	}

	count, err := revocationStore.RevokeTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return count, fmt.Errorf("revoke tokens for user+client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAllTokensRevoked,
			UserID:   userID,
			ClientID: clientID,
			Details: map[string]any{
				"tokens_revoked": count,
			},
		})
	}
	return count, nil
}

// ============================================================
// UserInfo
// ============================================================

// ResolveUserInfo resolves the claims bound to an access token. Expired or
// unknown tokens produce invalid_token; the caller maps that to a 401 with
// a WWW-Authenticate header.
func (s *Server) ResolveUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if accessToken == "" {
		return nil, flowError(ErrorCodeInvalidToken, "missing access token")
	}

	record, err := s.tokenStore.GetAccessToken(ctx, accessToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			s.Logger.Debug("UserInfo request with invalid token",
				"reason", err.Error(),
				"token_prefix", safeTruncate(accessToken, 8))
			return nil, flowError(ErrorCodeInvalidToken, "invalid or expired access token")
		}
		return nil, s.serverError("get access token", err)
	}

	return &UserInfo{
		Subject:  record.UserID,
		Username: record.Username,
		Email:    record.Email,
		Scope:    record.Scope,
	}, nil
}
