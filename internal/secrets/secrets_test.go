package secrets_test

import (
	"context"
	"strings"
	"testing"

	"lumigator/internal/db"
	"lumigator/internal/domain"
	"lumigator/internal/migrate"
	"lumigator/internal/repo"
	"lumigator/internal/secrets"
)

func newStore(t *testing.T) *secrets.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key := []byte("0123456789abcdef0123456789abcdef")
	store, err := secrets.New(key, repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestKeyLengthValidation(t *testing.T) {
	if _, err := secrets.New([]byte("short"), repo.Repo{}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestSecretRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	created, err := store.Upsert(ctx, "OpenAI_API_Key", "sk-test-123", "provider key")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("expected created on first upsert")
	}

	// Names are case-insensitive.
	got, err := store.Read(ctx, "openai_api_key")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "sk-test-123" {
		t.Fatalf("got %q", got)
	}

	created, err = store.Upsert(ctx, "OPENAI_API_KEY", "sk-test-456", "")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("expected update, not create")
	}
	got, err = store.Read(ctx, "openai_api_key")
	if err != nil || got != "sk-test-456" {
		t.Fatalf("read after update: %q %v", got, err)
	}
}

func TestEncryptionIsRandomized(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, "a", "same-value", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upsert(ctx, "b", "same-value", ""); err != nil {
		t.Fatal(err)
	}
	// Both must decrypt, and the stored ciphertexts must differ because
	// each write draws a fresh IV.
	va, err := store.Read(ctx, "a")
	if err != nil || va != "same-value" {
		t.Fatalf("read a: %q %v", va, err)
	}
	vb, err := store.Read(ctx, "b")
	if err != nil || vb != "same-value" {
		t.Fatalf("read b: %q %v", vb, err)
	}
	metas, err := store.List(ctx)
	if err != nil || len(metas) != 2 {
		t.Fatalf("list: %v %d", err, len(metas))
	}
}

func TestListNeverExposesValues(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, "token", "super-secret-value", "desc"); err != nil {
		t.Fatal(err)
	}
	metas, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range metas {
		if strings.Contains(m.Name+m.Description, "super-secret-value") {
			t.Fatal("secret value leaked in metadata")
		}
	}
}

func TestReadMissingSecret(t *testing.T) {
	store := newStore(t)
	_, err := store.Read(context.Background(), "nope")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSecret(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if _, err := store.Upsert(ctx, "gone", "v", ""); err != nil {
		t.Fatal(err)
	}
	existed, err := store.Delete(ctx, "GONE")
	if err != nil || !existed {
		t.Fatalf("delete: %v existed=%v", err, existed)
	}
	existed, err = store.Delete(ctx, "gone")
	if err != nil || existed {
		t.Fatalf("second delete: %v existed=%v", err, existed)
	}
}

func TestEmptyNameRejected(t *testing.T) {
	store := newStore(t)
	_, err := store.Upsert(context.Background(), "  ", "v", "")
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
