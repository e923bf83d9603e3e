package grantkit

import (
	"net/http"

	"github.com/grantkit/grantkit/server"
)

// Error codes re-exported from the engine so the HTTP layer and embedding
// applications can match on them without importing server directly.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeInvalidToken            = server.ErrorCodeInvalidToken
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = server.ErrorCodeAccessDenied
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = server.ErrorCodeRateLimitExceeded
)

// httpStatusForCode maps an OAuth error code to its HTTP status at the
// token endpoint. The authorize endpoint overrides invalid_client to 400;
// no client authentication happens there, so an unknown client_id is a
// plain bad request.
func httpStatusForCode(code string) int {
	switch code {
	case ErrorCodeInvalidClient, ErrorCodeInvalidToken:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}
