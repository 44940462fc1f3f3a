package runtime

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/traverse-labs/keel/pkg/fault"
)

// TokenVerifier authorizes callers per lane from signed bearer claims.
// The runtime never verifies event payload signatures — that belongs to
// the identity collaborator — but it does gate who may drive each lane.
type TokenVerifier struct {
	secret        []byte
	requiredRoles map[Lane]string
}

// NewTokenVerifier creates a verifier for HMAC-signed tokens. laneRoles
// maps each guarded lane to the role claim it requires; lanes absent
// from the map are open.
func NewTokenVerifier(secret []byte, laneRoles map[Lane]string) *TokenVerifier {
	return &TokenVerifier{secret: secret, requiredRoles: laneRoles}
}

// laneClaims is the expected token payload.
type laneClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authorize checks the token's role claims against the lane's
// requirement. All failures map to Unauthorized.
func (v *TokenVerifier) Authorize(token string, lane Lane) error {
	required, guarded := v.requiredRoles[lane]
	if !guarded {
		return nil
	}
	if token == "" {
		return fault.New(fault.Unauthorized, "lane %s requires a bearer token", lane)
	}

	var claims laneClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fault.New(fault.Unauthorized, "invalid bearer token for lane %s", lane)
	}
	for _, role := range claims.Roles {
		if role == required {
			return nil
		}
	}
	return fault.New(fault.Unauthorized, "lane %s requires role %s", lane, required)
}

// MintToken issues a token carrying the given roles, signed with the
// verifier's secret. Intended for tests and local tooling.
func (v *TokenVerifier) MintToken(subject string, roles []string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, laneClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
		},
	})
	return token.SignedString(v.secret)
}
