package worklock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestAcquireAndRelease(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	holder, err := store.Holder(ctx, "org-1", "doc-1")
	if err != nil {
		t.Fatalf("Holder failed: %v", err)
	}
	if holder != "wf-1" {
		t.Errorf("expected holder wf-1, got %s", holder)
	}

	if err := store.Release(ctx, "org-1", "doc-1", "wf-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	holder, err = store.Holder(ctx, "org-1", "doc-1")
	if err != nil {
		t.Fatalf("Holder after release failed: %v", err)
	}
	if holder != "" {
		t.Errorf("expected free document, got holder %s", holder)
	}
}

func TestSecondWorkflowIsRefused(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	err := store.Acquire(ctx, "org-1", "doc-1", "wf-2", time.Hour)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for second workflow, got %v", err)
	}
}

func TestSameWorkflowRefreshesTTL(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Hour); err != nil {
		t.Fatalf("re-Acquire by holder failed: %v", err)
	}

	ttl := s.TTL("workflow:org-1:doc-1")
	if ttl != time.Hour {
		t.Errorf("expected refreshed TTL of 1h, got %v", ttl)
	}
}

func TestLockExpiryFreesDocument(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-2", time.Hour); err != nil {
		t.Fatalf("Acquire after expiry failed: %v", err)
	}
}

func TestReleaseByNonHolderRefused(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-1", "doc-1", "wf-1", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := store.Release(ctx, "org-1", "doc-1", "wf-2"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld releasing someone else's lock, got %v", err)
	}
	// Releasing a free document is a no-op.
	if err := store.Release(ctx, "org-1", "doc-2", "wf-1"); err != nil {
		t.Fatalf("Release of free document failed: %v", err)
	}
}

func TestOrgScopedKeys(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.Acquire(ctx, "org-a", "doc-1", "wf-1", time.Hour); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Same document id in another org is independent.
	if err := store.Acquire(ctx, "org-b", "doc-1", "wf-2", time.Hour); err != nil {
		t.Fatalf("Acquire in second org failed: %v", err)
	}
}
