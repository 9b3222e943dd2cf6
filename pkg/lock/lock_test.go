package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/mailqueue/pkg/kv"
)

func setup(t *testing.T) *Manager {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return New(kv.NewFromAddr(s.Addr()))
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := setup(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "doc:1", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := m.Acquire(ctx, "doc:1", 30*time.Second); err != ErrHeld {
		t.Fatalf("expected ErrHeld on contended acquire, got %v", err)
	}

	if err := m.Release(ctx, "doc:1", token); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Lock is free again.
	if _, err := m.Acquire(ctx, "doc:1", 30*time.Second); err != nil {
		t.Fatalf("expected re-acquire to succeed, got %v", err)
	}
}

func TestReleaseWithWrongTokenIsNoop(t *testing.T) {
	m := setup(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "doc:2", 30*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := m.Release(ctx, "doc:2", "not-the-token"); err != nil {
		t.Fatalf("Release should not error on mismatched token, got %v", err)
	}

	if _, err := m.Acquire(ctx, "doc:2", 30*time.Second); err != ErrHeld {
		t.Fatalf("expected lock to still be held after no-op release, got %v", err)
	}

	_ = m.Release(ctx, "doc:2", token)
}

func TestRenewExtendsOnlyForOwner(t *testing.T) {
	m := setup(t)
	ctx := context.Background()

	token, err := m.Acquire(ctx, "optimizer", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ok, err := m.Renew(ctx, "optimizer", "wrong-token", time.Hour)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if ok {
		t.Fatalf("expected renew with wrong token to fail")
	}

	ok, err = m.Renew(ctx, "optimizer", token, time.Hour)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !ok {
		t.Fatalf("expected renew with correct token to succeed")
	}
}

func TestWithLockReleasesOnCompletion(t *testing.T) {
	m := setup(t)
	ctx := context.Background()

	ran := false
	err := m.WithLock(ctx, "search:optimization:lock", time.Hour, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatalf("expected fn to run")
	}

	// Lock should be free again.
	if _, err := m.Acquire(ctx, "search:optimization:lock", time.Hour); err != nil {
		t.Fatalf("expected lock released after WithLock, got %v", err)
	}
}
