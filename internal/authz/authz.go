// Package authz implements the two identity concerns of spec.md §4.M: the
// admin-channel shared-secret check, and recovering the sticky key from a
// client's bearer token.
package authz

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/chris-pardy/avaast/pkg/xrpc"
)

// AdminVerifier checks the admin channel's one configured shared secret,
// adapted from the teacher's `srv/auth.Bcrypt` (`Sign`/`Verify` over a
// bcrypt hash) from a per-user password store down to a single token.
type AdminVerifier struct {
	hash []byte
}

// NewAdminVerifier hashes token once at startup; every subsequent
// Verify call compares a presented token against that hash.
func NewAdminVerifier(token string, cost int) (*AdminVerifier, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return nil, xrpc.Wrap(xrpc.KindInternalServerError, err, "authz: hash admin token")
	}
	return &AdminVerifier{hash: hash}, nil
}

// Verify reports whether presented matches the configured admin token.
func (v *AdminVerifier) Verify(presented string) error {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(presented)); err != nil {
		return xrpc.New(xrpc.KindInvalidRequest, "authz: invalid admin token")
	}
	return nil
}

// bearerPayload is the handful of claims a bearer token's payload segment
// may carry; the issuer is used as the client's sticky key, falling back to
// the subject when the token has no issuer.
type bearerPayload struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
}

// StickyKeyFromBearer recovers the client identity to use as the Traffic
// Shaper's stickyKey from a bearer token's payload segment, decoded
// without any signature check (spec.md §4.M "Identity is extracted from a
// bearer token whose payload segment is decoded... to recover the issuer
// identifier"). This is intentionally not a JWT verification: the gateway
// trusts its network perimeter for authenticity and only needs a stable
// per-caller key, so pulling in a signing/verification library here would
// claim a guarantee this surface does not make.
func StickyKeyFromBearer(authorizationHeader string) (string, error) {
	token := strings.TrimPrefix(authorizationHeader, "Bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", xrpc.New(xrpc.KindInvalidRequest, "authz: missing bearer token")
	}
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return "", xrpc.New(xrpc.KindInvalidRequest, "authz: malformed bearer token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", xrpc.Wrap(xrpc.KindInvalidRequest, err, "authz: decode bearer token payload")
	}
	var payload bearerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", xrpc.Wrap(xrpc.KindInvalidRequest, err, "authz: parse bearer token payload")
	}
	if payload.Iss != "" {
		return payload.Iss, nil
	}
	if payload.Sub != "" {
		return payload.Sub, nil
	}
	return "", xrpc.New(xrpc.KindInvalidRequest, "authz: bearer token carries no issuer identifier")
}
