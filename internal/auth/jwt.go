// Package auth validates the bearer tokens minted by the account service.
// Tokens are HMAC-signed and carry the numeric user id; this server never
// issues them.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID int64
}

type Verifier interface {
	Verify(token string) (Claims, error)
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt verifier requires a secret")
	}
	return &JWTVerifier{secret: []byte(secret)}, nil
}

func (v *JWTVerifier) Verify(token string) (Claims, error) {
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	rawID, ok := claims["user_id"]
	if !ok {
		return Claims{}, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	id, ok := rawID.(float64)
	if !ok || id != float64(int64(id)) || int64(id) <= 0 {
		return Claims{}, fmt.Errorf("%w: user_id claim is not a positive integer", ErrInvalidToken)
	}
	return Claims{UserID: int64(id)}, nil
}
