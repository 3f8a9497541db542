// Package auth performs identity intake: it validates the caller's JWT once,
// at the edge, and places a verified UserContext on the request context.
// Nothing downstream re-verifies tokens; components consume the UserContext.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ontoforge/oms/pkg/contracts"
)

// Claims are the JWT claims the service accepts.
type Claims struct {
	jwt.RegisteredClaims
	Username         string   `json:"username"`
	Email            string   `json:"email,omitempty"`
	Roles            []string `json:"roles"`
	Tenant           string   `json:"tenant,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	SessionID        string   `json:"sid,omitempty"`
	IsServiceAccount bool     `json:"service_account,omitempty"`
}

// Validator validates tokens against the configured issuer and audience.
// It supports HS256 with a shared secret and RS256 with a rotating key set.
type Validator struct {
	issuer   string
	audience string
	secret   []byte
	keys     func(kid string) (*rsa.PublicKey, error)
}

// NewHS256Validator builds a validator for HMAC-signed tokens.
func NewHS256Validator(secret []byte, issuer, audience string) *Validator {
	return &Validator{issuer: issuer, audience: audience, secret: secret}
}

// NewRS256Validator builds a validator backed by a key lookup, typically fed
// from a JWKS cache maintained by the identity provider integration.
func NewRS256Validator(keys func(kid string) (*rsa.PublicKey, error), issuer, audience string) *Validator {
	return &Validator{issuer: issuer, audience: audience, keys: keys}
}

// Validate parses and validates a token and maps its claims to a UserContext.
func (v *Validator) Validate(tokenStr string) (*contracts.UserContext, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	}
	if v.secret != nil {
		opts = append(opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		opts = append(opts, jwt.WithValidMethods([]string{"RS256"}))
	}

	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}

	authMethod := "jwt_rs256"
	if v.secret != nil {
		authMethod = "jwt_hs256"
	}
	return &contracts.UserContext{
		UserID:           claims.Subject,
		Username:         claims.Username,
		Email:            claims.Email,
		Roles:            claims.Roles,
		Tenant:           claims.Tenant,
		Scopes:           claims.Scopes,
		AuthMethod:       authMethod,
		SessionID:        claims.SessionID,
		IsServiceAccount: claims.IsServiceAccount,
	}, nil
}

func (v *Validator) keyFunc(token *jwt.Token) (any, error) {
	if v.secret != nil {
		return v.secret, nil
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("token missing kid header")
	}
	return v.keys(kid)
}
