package members

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/memory"
)

const memberWindow = 30 * 24 * time.Hour

func newService() *Service {
	return New(memory.New(), nil, memberWindow, nil)
}

func TestRegisterAndGet(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	m, err := svc.Register(ctx, "alice", []byte("cipher"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if m.ID == "" || m.Owner != "alice" {
		t.Fatalf("unexpected member: %+v", m)
	}
	if m.Level != 0 {
		t.Fatalf("level = %d, want 0 before any resolution", m.Level)
	}

	got, err := svc.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("got %s, want %s", got.ID, m.ID)
	}
}

func TestRegisterRequiresOwner(t *testing.T) {
	svc := newService()
	if _, err := svc.Register(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty owner")
	}
}

func TestApplyDecryptedLevel(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	m, err := svc.Register(ctx, "alice", []byte("cipher"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated, err := svc.ApplyDecryptedLevel(ctx, m.ID, []byte(" 7\n"))
	if err != nil {
		t.Fatalf("ApplyDecryptedLevel: %v", err)
	}
	if updated.Level != 7 {
		t.Fatalf("level = %d, want 7", updated.Level)
	}
	if !updated.RegisteredAt.Equal(m.RegisteredAt) {
		t.Fatal("registration time changed by level application")
	}
}

func TestApplyDecryptedLevelRejectsGarbage(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	m, err := svc.Register(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, plaintext := range [][]byte{nil, []byte(""), []byte("abc"), []byte("-1")} {
		if _, err := svc.ApplyDecryptedLevel(ctx, m.ID, plaintext); err == nil {
			t.Fatalf("accepted invalid plaintext %q", plaintext)
		}
	}
}

func TestApplyDecryptedLevelUnknownMember(t *testing.T) {
	svc := newService()
	if _, err := svc.ApplyDecryptedLevel(context.Background(), "missing", []byte("1")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIsTimedOut(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	m, err := svc.Register(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.SetClock(func() time.Time { return m.RegisteredAt.Add(memberWindow) })
	timedOut, err := svc.IsTimedOut(ctx, m.ID)
	if err != nil {
		t.Fatalf("IsTimedOut: %v", err)
	}
	if timedOut {
		t.Fatal("timed out at the boundary, want false")
	}

	svc.SetClock(func() time.Time { return m.RegisteredAt.Add(memberWindow + time.Second) })
	timedOut, err = svc.IsTimedOut(ctx, m.ID)
	if err != nil {
		t.Fatalf("IsTimedOut: %v", err)
	}
	if !timedOut {
		t.Fatal("not timed out past the window, want true")
	}
}

func TestTimedOutMembers(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	old, err := svc.Register(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := svc.Register(ctx, "bob", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	svc.SetClock(func() time.Time { return old.RegisteredAt.Add(memberWindow + time.Minute) })

	// Both registered at roughly the same instant, both past the window.
	timedOut, err := svc.TimedOutMembers(ctx)
	if err != nil {
		t.Fatalf("TimedOutMembers: %v", err)
	}
	if len(timedOut) != 2 {
		t.Fatalf("got %d timed out members, want 2", len(timedOut))
	}
}
