package jwt

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNonValidToken    = errors.New("token did not pass validation")
	ErrInvalidClaimType = errors.New("invalid claim type")
	ErrMissingSecret    = errors.New("signing secret is not configured")
)

var tokenSignatureAlg = gojwt.SigningMethodHS256

const apiKeyIssuer = "intercom-bridge"

// APIKeyClaim authorises a caller of the HTTP API.
type APIKeyClaim struct {
	Name string `json:"name"`
	gojwt.RegisteredClaims
}

// NewAPIKey signs an API key for name, valid for ttl.
func NewAPIKey(secret, name string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	now := time.Now().UTC()
	claim := APIKeyClaim{
		Name: name,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    apiKeyIssuer,
			Subject:   name,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return gojwt.NewWithClaims(tokenSignatureAlg, claim).SignedString([]byte(secret))
}

// VerifyAPIKey checks signature, issuer and expiry of an API key.
func VerifyAPIKey(secret, tokenString string) (*APIKeyClaim, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	token, err := gojwt.ParseWithClaims(tokenString, &APIKeyClaim{}, func(token *gojwt.Token) (any, error) {
		if token.Method != tokenSignatureAlg {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, gojwt.WithIssuer(apiKeyIssuer), gojwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonValidToken, err)
	}
	claims, ok := token.Claims.(*APIKeyClaim)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaimType
	}
	return claims, nil
}

// ExpiryUnverified reads the exp claim of a token issued by a third party
// without checking its signature.
func ExpiryUnverified(tokenString string) (time.Time, bool) {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
