package models

import "time"

// Secret is an AEAD-encrypted per-project key/value record. Plaintext is
// never persisted; EncryptedValue, IV, and AuthTag are hex-encoded.
type Secret struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	Key            string    `json:"key"`
	EncryptedValue string    `json:"encryptedValue"`
	IV             string    `json:"iv"`
	AuthTag        string    `json:"authTag"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SecretMetadata is the caller-visible view of a secret.
type SecretMetadata struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Metadata strips the ciphertext fields from a secret.
func (s *Secret) Metadata() SecretMetadata {
	return SecretMetadata{
		ID:          s.ID,
		ProjectID:   s.ProjectID,
		Key:         s.Key,
		Description: s.Description,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
