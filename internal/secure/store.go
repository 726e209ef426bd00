// Package secure is the encrypted-at-rest store for credentials and tokens.
// Values are sealed before they reach the storage backend; nothing is written
// when sealing fails.
package secure

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"intercom-bridge/internal/failure"
	"intercom-bridge/internal/storage"
)

var ErrNotFound = storage.ErrNotFound

const saltKey = "store.salt"

// Backend persists opaque blobs. storage.Provider satisfies it.
type Backend interface {
	PutSecret(ctx context.Context, key string, blob []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
}

type Store struct {
	backend Backend
	cipher  Cipher
	logger  *slog.Logger
}

func NewStore(backend Backend, c Cipher) *Store {
	return &Store{
		backend: backend,
		cipher:  c,
		logger:  slog.With("component", "secure"),
	}
}

// Open derives the store key from secret and a per-installation salt kept in
// the backend, creating the salt on first use.
func Open(ctx context.Context, backend Backend, secret string) (*Store, error) {
	salt, err := backend.GetSecret(ctx, saltKey)
	if errors.Is(err, storage.ErrNotFound) {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := backend.PutSecret(ctx, saltKey, salt); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	c, err := NewCipher(DeriveKey(secret, salt))
	if err != nil {
		return nil, err
	}
	return NewStore(backend, c), nil
}

func (s *Store) Save(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := s.cipher.Seal(plaintext, []byte(key))
	if err != nil {
		s.logger.Error("Refusing to persist unencrypted value", "key", key, "error", err)
		return failure.Wrap(failure.StorageEncryptionFailed, "credentials could not be encrypted", err)
	}
	return s.backend.PutSecret(ctx, key, sealed)
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.backend.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.cipher.Open(sealed, []byte(key))
	if err != nil {
		s.logger.Warn("Stored value could not be decrypted", "key", key, "error", err)
		return nil, failure.Wrap(failure.StorageDecryptionFailed, "stored credentials are unreadable", err)
	}
	return plaintext, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.backend.DeleteSecret(ctx, key)
}

func (s *Store) SaveJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Save(ctx, key, data)
}

// LoadJSON decodes the value under key into v. A value that decrypts but does
// not decode is reported as a decryption failure.
func (s *Store) LoadJSON(ctx context.Context, key string, v any) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return failure.Wrap(failure.StorageDecryptionFailed, "stored credentials are unreadable", err)
	}
	return nil
}
