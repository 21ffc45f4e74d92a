package auth

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "")
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, "user_abc", "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Check raw key format
	if !strings.HasPrefix(rawKey, "mk_") {
		t.Errorf("Expected raw key to start with mk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "mk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	// Check key metadata
	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.UserID != "user_abc" {
		t.Errorf("Expected user id to match, got %s", key.UserID)
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestValidateKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "")
	ctx := context.Background()

	// Generate a key
	rawKey, _, err := mgr.GenerateKey(ctx, "user_abc", "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Validate with correct key
	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed for valid key: %v", err)
	}
	if key.UserID != "user_abc" {
		t.Errorf("Expected user id user_abc, got %s", key.UserID)
	}

	// Validate with Bearer prefix
	_, err = mgr.ValidateKey(ctx, "Bearer "+rawKey)
	if err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	// Validate with wrong key
	_, err = mgr.ValidateKey(ctx, "mk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	// Validate with empty key
	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	// Validate with malformed key
	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestValidateAdminSecret(t *testing.T) {
	mgr := NewManager(NewMemoryStore(), "hunter2")

	if !mgr.ValidateAdminSecret("hunter2") {
		t.Error("Expected correct secret to validate")
	}
	if mgr.ValidateAdminSecret("hunter3") {
		t.Error("Expected wrong secret to fail")
	}
	if mgr.ValidateAdminSecret("") {
		t.Error("Expected empty secret to fail")
	}

	// Unconfigured secret disables admin routes entirely
	open := NewManager(NewMemoryStore(), "")
	if open.ValidateAdminSecret("") || open.ValidateAdminSecret("anything") {
		t.Error("Expected unconfigured secret to reject everything")
	}
}

func TestListKeys(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "")
	ctx := context.Background()

	// Generate multiple keys for same user
	mgr.GenerateKey(ctx, "user_one", "Key 1")
	mgr.GenerateKey(ctx, "user_one", "Key 2")
	mgr.GenerateKey(ctx, "user_two", "Key 3")

	keys, err := mgr.ListKeys(ctx, "user_one")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for user_one, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, "user_two")
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for user_two, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "")
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, "user_one", "To revoke")

	// Validate before revoke
	_, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	// Revoke
	err = mgr.RevokeKey(ctx, key.ID, "user_one")
	if err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// Validate after revoke - should fail
	_, err = mgr.ValidateKey(ctx, rawKey)
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "")
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, "user_one", "Test")

	// Get key via ValidateKey
	key, _ := mgr.ValidateKey(ctx, rawKey)

	// Hash should not equal raw key
	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}

	// Hash should be set
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}

func TestKeyPepper(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store, "", WithKeyPepper("pepper-a"))
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, "user_abc", "peppered")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("ValidateKey with matching pepper failed: %v", err)
	}

	// A manager with a different pepper computes a different hash, so the
	// stored key no longer matches.
	other := NewManager(store, "", WithKeyPepper("pepper-b"))
	if _, err := other.ValidateKey(ctx, rawKey); err == nil {
		t.Error("expected validation to fail under a different pepper")
	}

	// So does an unpeppered manager against a peppered store.
	plain := NewManager(store, "")
	if _, err := plain.ValidateKey(ctx, rawKey); err == nil {
		t.Error("expected validation to fail without the pepper")
	}
}
