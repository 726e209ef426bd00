package jwt

import (
	"errors"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestAPIKeyRoundTrip(t *testing.T) {
	key, err := NewAPIKey("s3cret", "home-assistant", time.Hour)
	if err != nil {
		t.Fatalf("NewAPIKey: %v", err)
	}
	claims, err := VerifyAPIKey("s3cret", key)
	if err != nil {
		t.Fatalf("VerifyAPIKey: %v", err)
	}
	if claims.Name != "home-assistant" || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestAPIKeyRejections(t *testing.T) {
	key, _ := NewAPIKey("s3cret", "ha", time.Hour)
	if _, err := VerifyAPIKey("other", key); !errors.Is(err, ErrNonValidToken) {
		t.Fatalf("wrong secret accepted: %v", err)
	}

	expired, _ := NewAPIKey("s3cret", "ha", -time.Minute)
	if _, err := VerifyAPIKey("s3cret", expired); !errors.Is(err, ErrNonValidToken) {
		t.Fatalf("expired key accepted: %v", err)
	}

	if _, err := NewAPIKey("", "ha", time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestExpiryUnverified(t *testing.T) {
	exp := time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second)
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		ExpiresAt: gojwt.NewNumericDate(exp),
	}).SignedString([]byte("crm-side-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, ok := ExpiryUnverified(signed)
	if !ok || !got.Equal(exp) {
		t.Fatalf("expected %v, got %v (%v)", exp, got, ok)
	}
	if _, ok := ExpiryUnverified("not-a-jwt"); ok {
		t.Fatalf("garbage must not yield an expiry")
	}
}
