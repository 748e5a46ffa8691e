package authz

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeSegment(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(b)
}

func TestAdminVerifierAcceptsConfiguredToken(t *testing.T) {
	v, err := NewAdminVerifier("s3cret", 4)
	require.NoError(t, err)
	assert.NoError(t, v.Verify("s3cret"))
}

func TestAdminVerifierRejectsWrongToken(t *testing.T) {
	v, err := NewAdminVerifier("s3cret", 4)
	require.NoError(t, err)
	assert.Error(t, v.Verify("wrong"))
}

func TestStickyKeyFromBearerPrefersIssuer(t *testing.T) {
	payload := encodeSegment(t, map[string]string{"iss": "did:plc:alice", "sub": "session-1"})
	token := "Bearer header." + payload + ".sig"

	key, err := StickyKeyFromBearer(token)
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice", key)
}

func TestStickyKeyFromBearerFallsBackToSubject(t *testing.T) {
	payload := encodeSegment(t, map[string]string{"sub": "session-1"})
	token := "Bearer header." + payload + ".sig"

	key, err := StickyKeyFromBearer(token)
	require.NoError(t, err)
	assert.Equal(t, "session-1", key)
}

func TestStickyKeyFromBearerRejectsMissingToken(t *testing.T) {
	_, err := StickyKeyFromBearer("")
	assert.Error(t, err)
}

func TestStickyKeyFromBearerRejectsMalformedToken(t *testing.T) {
	_, err := StickyKeyFromBearer("Bearer not-a-jwt")
	assert.Error(t, err)
}
