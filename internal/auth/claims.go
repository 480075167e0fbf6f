package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload the enclosing auth service issues. The core
// only reads tenant and subject; scopes are opaque here.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims validates a bearer token with the given HMAC secret and maps
// it to a UserContext. Signature algorithms other than HS256/384/512 are
// rejected.
func ParseClaims(tokenString string, secret []byte) (UserContext, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return UserContext{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return UserContext{}, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return UserContext{}, ErrTenantMissing
	}
	return UserContext{UserID: claims.Subject, TenantID: claims.TenantID}, nil
}
