package auth

import "time"

const tokensKey = "tokens"

// TokenSet is the persisted result of a successful login.
type TokenSet struct {
	AccessToken string    `json:"access_token"`
	UserID      int64     `json:"user_id"`
	ProfileID   int64     `json:"profile_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	AuthID      string    `json:"authid"`
	Phone       string    `json:"phone"`

	PushToken     string    `json:"push_token,omitempty"`
	PushExpiresAt time.Time `json:"push_expires_at,omitempty"`
}

// Valid reports whether the access token is usable at now with margin to spare.
func (t *TokenSet) Valid(now time.Time, margin time.Duration) bool {
	return t.AccessToken != "" && now.Before(t.ExpiresAt.Add(-margin))
}

func (t *TokenSet) PushValid(now time.Time, margin time.Duration) bool {
	return t.PushToken != "" && now.Before(t.PushExpiresAt.Add(-margin))
}

// AttemptCounter tracks consecutive failed code verifications.
type AttemptCounter struct {
	Failures    int
	LockedUntil time.Time
}

type codeSession struct {
	id        string
	phone     string
	authID    string
	createdAt time.Time
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}
