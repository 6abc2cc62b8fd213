package keymat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/archodex/backend/pkg/store"
)

func TestCacheLoadsOnce(t *testing.T) {
	calls := 0
	cache := NewCache(func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("0123456789abcdef"), nil
	})

	for i := 0; i < 3; i++ {
		key, err := cache.Key(context.Background())
		if err != nil {
			t.Fatalf("Key failed: %v", err)
		}
		if string(key) != "0123456789abcdef" {
			t.Fatalf("unexpected key %q", key)
		}
	}
	if calls != 1 {
		t.Errorf("loader called %d times, want 1", calls)
	}
}

func TestCacheInvalidate(t *testing.T) {
	calls := 0
	cache := NewCache(func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("0123456789abcdef"), nil
	})

	if _, err := cache.Key(context.Background()); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate()
	if _, err := cache.Key(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2", calls)
	}
}

func TestCacheRetriesFailedLoad(t *testing.T) {
	calls := 0
	cache := NewCache(func(ctx context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("store unavailable")
		}
		return []byte("0123456789abcdef"), nil
	})

	if _, err := cache.Key(context.Background()); err == nil {
		t.Fatal("first load should have failed")
	}
	if _, err := cache.Key(context.Background()); err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("loader called %d times, want 2", calls)
	}
}

func TestCacheRejectsWrongKeySize(t *testing.T) {
	cache := NewCache(StaticLoader([]byte("short")))
	if _, err := cache.Key(context.Background()); err == nil {
		t.Fatal("wrong-size key should be rejected")
	}
}

func TestParseHexKey(t *testing.T) {
	key, err := ParseHexKey("00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("ParseHexKey failed: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key length = %d", len(key))
	}
	if _, err := ParseHexKey("not hex"); err == nil {
		t.Error("non-hex input should be rejected")
	}
	if _, err := ParseHexKey("0011"); err == nil {
		t.Error("short key should be rejected")
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(t.TempDir() + "/graph.db")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestAccountLoaderFromEnvironment(t *testing.T) {
	st := newTestStore(t)
	account := &store.Account{
		ID:        1234567890,
		Salt:      []byte("fedcba9876543210"),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	load := AccountLoader(st, "00112233445566778899aabbccddeeff")
	key, err := load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key length = %d", len(key))
	}
}

func TestAccountLoaderEnvBeforeAccountExists(t *testing.T) {
	st := newTestStore(t)

	key, err := AccountLoader(st, "00112233445566778899aabbccddeeff")(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key length = %d", len(key))
	}
}

func TestAccountLoaderNoEnvNoAccount(t *testing.T) {
	st := newTestStore(t)

	if _, err := AccountLoader(st, "")(context.Background()); err == nil {
		t.Fatal("missing account without env key should fail")
	}
}

func TestAccountLoaderFromStore(t *testing.T) {
	st := newTestStore(t)
	account := &store.Account{
		ID:            1234567890,
		Salt:          []byte("fedcba9876543210"),
		APIPrivateKey: []byte("0123456789abcdef"),
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	key, err := AccountLoader(st, "")(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(key) != "0123456789abcdef" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestAccountLoaderConflict(t *testing.T) {
	st := newTestStore(t)
	account := &store.Account{
		ID:            1234567890,
		Salt:          []byte("fedcba9876543210"),
		APIPrivateKey: []byte("0123456789abcdef"),
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	if _, err := AccountLoader(st, "00112233445566778899aabbccddeeff")(context.Background()); err == nil {
		t.Fatal("key in both environment and account record should fail")
	}
}

func TestAccountLoaderNoKeyAnywhere(t *testing.T) {
	st := newTestStore(t)
	account := &store.Account{
		ID:        1234567890,
		Salt:      []byte("fedcba9876543210"),
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}

	if _, err := AccountLoader(st, "")(context.Background()); err == nil {
		t.Fatal("missing key everywhere should fail")
	}
}
