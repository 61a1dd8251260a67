package secrets

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
)

func newTestService(t *testing.T) (*Service, *storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	svc, err := NewService(bytes.Repeat([]byte{0x42}, 32), store.Secrets)
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func TestSecretRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, "p1", "STRIPE_KEY", "sk_live_secret", "payment key"); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Resolve(ctx, "p1", "STRIPE_KEY")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk_live_secret" {
		t.Errorf("resolved = %q, want plaintext back", got)
	}
}

func TestSecretFreshNonceOnOverwrite(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, "p1", "KEY", "same value", ""); err != nil {
		t.Fatal(err)
	}
	first, err := store.Secrets.Get(ctx, "p1", "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Set(ctx, "p1", "KEY", "same value", ""); err != nil {
		t.Fatal(err)
	}
	second, err := store.Secrets.Get(ctx, "p1", "KEY")
	if err != nil {
		t.Fatal(err)
	}

	if first.IV == second.IV {
		t.Error("nonce reused across writes")
	}
	if first.EncryptedValue == second.EncryptedValue {
		t.Error("identical ciphertext for re-encrypted value")
	}
	if first.ID != second.ID {
		t.Error("overwrite should keep the secret id")
	}
}

func TestSecretStoredCiphertextOnly(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	plaintext := "hunter2-super-secret"
	if _, err := svc.Set(ctx, "p1", "KEY", plaintext, ""); err != nil {
		t.Fatal(err)
	}
	stored, err := store.Secrets.Get(ctx, "p1", "KEY")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stored.EncryptedValue, plaintext) {
		t.Error("plaintext leaked into stored value")
	}

	metas, err := svc.List(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 1 {
		t.Fatalf("list len = %d", len(metas))
	}
}

func TestSecretNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, "p1", "MISSING")
	if !errdefs.IsCode(err, errdefs.CodeSecretNotFound) {
		t.Errorf("resolve err = %v, want SECRET_NOT_FOUND", err)
	}
	if err := svc.Delete(ctx, "p1", "MISSING"); !errdefs.IsCode(err, errdefs.CodeSecretNotFound) {
		t.Errorf("delete err = %v, want SECRET_NOT_FOUND", err)
	}
}

func TestSecretTamperDetection(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Set(ctx, "p1", "KEY", "value", ""); err != nil {
		t.Fatal(err)
	}
	stored, err := store.Secrets.Get(ctx, "p1", "KEY")
	if err != nil {
		t.Fatal(err)
	}
	stored.AuthTag = strings.Repeat("00", 16)
	if err := store.Secrets.Upsert(ctx, stored); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Resolve(ctx, "p1", "KEY"); err == nil {
		t.Error("tampered auth tag should fail decryption")
	}
}

func TestNewServiceRejectsBadKey(t *testing.T) {
	store := storage.NewMemoryStore()
	if _, err := NewService([]byte("short"), store.Secrets); err == nil {
		t.Error("short master key accepted")
	}
}
