package agents

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityProfile is the verified external identity presented at
// registration. The id is unique across agents.
type IdentityProfile struct {
	ID       string
	Username string
	Verified bool
}

// IdentityVerifier validates external-identity tokens. The token is an
// HS256 JWT issued by the identity provider under a shared secret.
type IdentityVerifier struct {
	signingKey []byte
	issuer     string
}

func NewIdentityVerifier(signingKey, issuer string) *IdentityVerifier {
	return &IdentityVerifier{signingKey: []byte(signingKey), issuer: issuer}
}

// Configured reports whether identity verification can run at all.
func (v *IdentityVerifier) Configured() bool { return len(v.signingKey) > 0 }

type identityClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Verified bool   `json:"verified"`
}

// Verify parses and validates the token, returning the profile. All
// failures are uniform: the caller surfaces them as auth errors.
func (v *IdentityVerifier) Verify(token string) (*IdentityProfile, error) {
	if !v.Configured() {
		return nil, fmt.Errorf("identity verification is not configured on this server")
	}
	parsed, err := jwt.ParseWithClaims(token, &identityClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid identity token: %w", err)
	}
	claims, ok := parsed.Claims.(*identityClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid identity token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("identity token missing subject")
	}
	return &IdentityProfile{
		ID:       claims.Subject,
		Username: claims.Username,
		Verified: claims.Verified,
	}, nil
}
