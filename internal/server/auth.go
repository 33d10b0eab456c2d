package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const operatorIssuer = "autologin-svc"

// OperatorClaims identifies the operator holding a token.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// TokenService signs and verifies operator tokens with HS256.
type TokenService struct {
	secret []byte
	now    func() time.Time
}

// NewTokenService returns a TokenService keyed by secret.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret), now: time.Now}
}

// Sign issues a token for subject valid for ttl.
func (s *TokenService) Sign(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("operator secret is empty")
	}
	if subject == "" {
		return "", errors.New("token subject is empty")
	}
	now := s.now()
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    operatorIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign operator token: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and checks its signature, issuer and expiry.
func (s *TokenService) Verify(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(operatorIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid operator token")
	}
	return claims, nil
}
