package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// ClientIDLength is the length of the client identifier the provider expects.
const ClientIDLength = 16

// GenerateClientID returns a random hex identifier for this installation,
// in the form a mobile client reports as its device id.
func GenerateClientID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:ClientIDLength]
}

// DeriveClientID derives a stable identifier from secret, so installations
// without persisted state keep reporting the same id.
func DeriveClientID(secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte("client-id"))
	return hex.EncodeToString(h.Sum(nil))[:ClientIDLength]
}

// ValidClientID reports whether id looks like a generated client identifier.
func ValidClientID(id string) bool {
	if len(id) != ClientIDLength {
		return false
	}
	_, err := hex.DecodeString(strings.ToLower(id))
	return err == nil
}
