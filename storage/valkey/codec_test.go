package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantkit/grantkit/storage"
)

// The Lua consume scripts read specific JSON fields by name via cjson:
// expires_at (both scripts) and used (authorization codes). These tests pin
// the wire format so a tag rename cannot silently break atomicity checks.

func TestAuthorizationCodeJSON_LuaContract(t *testing.T) {
	code := &storage.AuthorizationCode{
		Code:                "abc123",
		ClientID:            "client-1",
		UserID:              "user-1",
		RedirectURI:         "https://example.com/callback",
		Scope:               "openid",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Unix(1700000000, 0),
		ExpiresAt:           time.Unix(1700000600, 0),
		Used:                false,
	}

	data, err := json.Marshal(toAuthorizationCodeJSON(code))
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	// Field names the Lua script depends on
	assert.Equal(t, float64(1700000600), fields["expires_at"], "expires_at must be Unix seconds")
	assert.Equal(t, false, fields["used"], "used flag must be present for the consume script")
}

func TestRefreshTokenJSON_LuaContract(t *testing.T) {
	token := &storage.RefreshToken{
		Token:      "refresh-1",
		UserID:     "user-1",
		ClientID:   "client-1",
		Scope:      "openid",
		FamilyID:   "family-1",
		Generation: 3,
		CreatedAt:  time.Unix(1700000000, 0),
		ExpiresAt:  time.Unix(1700086400, 0),
	}

	data, err := json.Marshal(toRefreshTokenJSON(token))
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, float64(1700086400), fields["expires_at"], "expires_at must be Unix seconds")
	assert.Equal(t, "family-1", fields["family_id"])
	assert.Equal(t, float64(3), fields["generation"])
}

func TestRefreshTokenFamilyJSON_RoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)

	family := &storage.RefreshTokenFamily{
		FamilyID:   "family-1",
		UserID:     "user-1",
		ClientID:   "client-1",
		Generation: 2,
		IssuedAt:   now,
		Revoked:    true,
		RevokedAt:  now.Add(time.Hour),
	}

	data, err := json.Marshal(toRefreshTokenFamilyJSON(family))
	require.NoError(t, err)

	var j refreshTokenFamilyJSON
	require.NoError(t, json.Unmarshal(data, &j))

	got := fromRefreshTokenFamilyJSON(&j)
	assert.Equal(t, family.FamilyID, got.FamilyID)
	assert.True(t, got.Revoked)
	assert.True(t, family.RevokedAt.Equal(got.RevokedAt), "RevokedAt mismatch")
}

func TestRefreshTokenFamilyJSON_ZeroRevokedAt(t *testing.T) {
	family := &storage.RefreshTokenFamily{
		FamilyID:  "family-1",
		UserID:    "user-1",
		ClientID:  "client-1",
		IssuedAt:  time.Unix(1700000000, 0),
		Revoked:   false,
		RevokedAt: time.Time{},
	}

	data, err := json.Marshal(toRefreshTokenFamilyJSON(family))
	require.NoError(t, err)

	// A zero RevokedAt must not serialize as the Unix epoch
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	_, present := fields["revoked_at"]
	assert.False(t, present, "revoked_at should be omitted for live families")

	var j refreshTokenFamilyJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromRefreshTokenFamilyJSON(&j)
	assert.True(t, got.RevokedAt.IsZero(), "RevokedAt should stay zero")
}

func TestValidateStringLength(t *testing.T) {
	assert.NoError(t, validateStringLength("short", 10, "field"))
	assert.NoError(t, validateStringLength("", 10, "field"))

	err := validateStringLength("toolongvalue", 5, "field")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum length")
}
