package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"kasirinaja/register/internal/service"
)

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid or expired token")
)

// TokenVerifier checks bearer tokens issued by the auth service. Tokens are
// HS256 signed and carry the operator as subject plus tenant and branch.
type TokenVerifier struct {
	secret []byte
	issuer string
}

type registerClaims struct {
	jwtlib.RegisteredClaims
	Tenant string `json:"tenant"`
	Branch string `json:"branch,omitempty"`
	Name   string `json:"name,omitempty"`
}

// NewTokenVerifier returns a verifier for secret. When issuer is set the
// token's iss claim must match it.
func NewTokenVerifier(secret string, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer)}
}

func (v *TokenVerifier) ParseToken(tokenStr string) (service.Actor, error) {
	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(v.issuer))
	}
	claims := &registerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return service.Actor{}, errInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return service.Actor{}, errors.New("invalid token subject")
	}
	if strings.TrimSpace(claims.Tenant) == "" {
		return service.Actor{}, errors.New("token has no tenant")
	}
	return service.Actor{
		TenantID:   claims.Tenant,
		OperatorID: sub,
		BranchID:   claims.Branch,
		Name:       claims.Name,
	}, nil
}

// Sign issues a token for actor. The register never logs operators in; Sign
// serves local tooling and tests.
func (v *TokenVerifier) Sign(actor service.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := registerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.OperatorID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    v.issuer,
		},
		Tenant: actor.TenantID,
		Branch: actor.BranchID,
		Name:   actor.Name,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
