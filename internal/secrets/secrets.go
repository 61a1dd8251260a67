// Package secrets provides per-project encrypted key/value storage. Values
// are sealed with AES-256-GCM under a process-wide master key; plaintext
// never reaches the repository.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const (
	keyBytes   = 32
	nonceBytes = 12
	tagBytes   = 16
)

// Service encrypts, stores, and resolves project secrets.
type Service struct {
	key  []byte
	repo storage.SecretRepo
}

// NewService builds a Service from a 32-byte master key.
func NewService(masterKey []byte, repo storage.SecretRepo) (*Service, error) {
	if len(masterKey) != keyBytes {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keyBytes, len(masterKey))
	}
	return &Service{key: masterKey, repo: repo}, nil
}

// NewServiceFromEnv reads a hex-encoded master key from the named
// environment variable.
func NewServiceFromEnv(envVar string, repo storage.SecretRepo) (*Service, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil, fmt.Errorf("secrets master key env var %s is not set", envVar)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("secrets master key in %s is not valid hex: %w", envVar, err)
	}
	return NewService(key, repo)
}

// Set encrypts value and upserts it under (projectID, key). A fresh nonce is
// generated on every write, including overwrites of the same key.
func (s *Service) Set(ctx context.Context, projectID, key, value, description string) (*models.SecretMetadata, error) {
	if key == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "secret key is required")
	}

	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, []byte(value), nil)
	ciphertext := sealed[:len(sealed)-tagBytes]
	tag := sealed[len(sealed)-tagBytes:]

	now := time.Now().UTC()
	secret := &models.Secret{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Key:            key,
		EncryptedValue: hex.EncodeToString(ciphertext),
		IV:             hex.EncodeToString(nonce),
		AuthTag:        hex.EncodeToString(tag),
		Description:    description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if existing, err := s.repo.Get(ctx, projectID, key); err == nil {
		secret.ID = existing.ID
		secret.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.Upsert(ctx, secret); err != nil {
		return nil, fmt.Errorf("store secret: %w", err)
	}
	meta := secret.Metadata()
	return &meta, nil
}

// Resolve decrypts and returns the plaintext value for (projectID, key).
func (s *Service) Resolve(ctx context.Context, projectID, key string) (string, error) {
	secret, err := s.repo.Get(ctx, projectID, key)
	if err != nil {
		if err == storage.ErrNotFound {
			return "", errdefs.Newf(errdefs.CodeSecretNotFound, "secret %q not found", key)
		}
		return "", fmt.Errorf("load secret: %w", err)
	}

	ciphertext, err := hex.DecodeString(secret.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := hex.DecodeString(secret.IV)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(secret.AuthTag)
	if err != nil {
		return "", fmt.Errorf("decode auth tag: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", key, err)
	}
	return string(plaintext), nil
}

// Exists reports whether a secret is stored under (projectID, key).
func (s *Service) Exists(ctx context.Context, projectID, key string) (bool, error) {
	_, err := s.repo.Get(ctx, projectID, key)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a secret.
func (s *Service) Delete(ctx context.Context, projectID, key string) error {
	if err := s.repo.Delete(ctx, projectID, key); err != nil {
		if err == storage.ErrNotFound {
			return errdefs.Newf(errdefs.CodeSecretNotFound, "secret %q not found", key)
		}
		return err
	}
	return nil
}

// List returns metadata for all secrets in a project. Ciphertext and
// plaintext are never included.
func (s *Service) List(ctx context.Context, projectID string) ([]models.SecretMetadata, error) {
	secrets, err := s.repo.List(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]models.SecretMetadata, len(secrets))
	for i, sec := range secrets {
		out[i] = sec.Metadata()
	}
	return out, nil
}

func (s *Service) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
