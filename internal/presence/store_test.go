package presence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and
// cleans its test keys on exit. Tests require a running Redis on
// localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Close()

	store, err := NewStore("localhost:6379", "relay-test")
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	t.Cleanup(func() {
		iter := store.Client().Scan(ctx, 0, Prefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			store.Client().Del(ctx, iter.Val())
		}
		store.Close()
	})
	return store
}

func TestLoginAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Login(ctx, "test_u1", "a2V5"); err != nil {
		t.Fatalf("Login() error: %v", err)
	}

	rec, err := store.Get(ctx, "test_u1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.PublicKey != "a2V5" {
		t.Errorf("expected public key a2V5, got %q", rec.PublicKey)
	}
	if rec.Server != "relay-test" {
		t.Errorf("expected server relay-test, got %q", rec.Server)
	}
	if rec.RoomID != "" || rec.Role != "" {
		t.Errorf("fresh login must not carry room state: %+v", rec)
	}
}

func TestGetOffline(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Get(context.Background(), "test_offline")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for offline user, got %+v", rec)
	}
}

func TestSetAndClearRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Login(ctx, "test_u2", "a2V5")
	if err := store.SetRoom(ctx, "test_u2", "1000", "host"); err != nil {
		t.Fatalf("SetRoom() error: %v", err)
	}

	rec, _ := store.Get(ctx, "test_u2")
	if rec.RoomID != "1000" || rec.Role != "host" {
		t.Errorf("expected room 1000/host, got %+v", rec)
	}

	if err := store.ClearRoom(ctx, "test_u2"); err != nil {
		t.Fatalf("ClearRoom() error: %v", err)
	}
	rec, _ = store.Get(ctx, "test_u2")
	if rec.RoomID != "" || rec.Role != "" {
		t.Errorf("expected cleared room state, got %+v", rec)
	}
}

func TestReloginOverwrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Login(ctx, "test_u3", "b2xk")
	store.SetRoom(ctx, "test_u3", "1001", "guest")
	store.Login(ctx, "test_u3", "bmV3")

	rec, _ := store.Get(ctx, "test_u3")
	if rec.PublicKey != "bmV3" {
		t.Errorf("expected fresh key after relogin, got %q", rec.PublicKey)
	}
	if rec.RoomID != "" {
		t.Errorf("relogin must drop room state, got %q", rec.RoomID)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Login(ctx, "test_u4", "a2V5")
	if err := store.Delete(ctx, "test_u4"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	rec, _ := store.Get(ctx, "test_u4")
	if rec != nil {
		t.Errorf("expected nil after delete, got %+v", rec)
	}
}
