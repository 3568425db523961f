package requests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/memory"
)

const window = 7 * 24 * time.Hour

func newService(t *testing.T) (*Service, *memory.Store, member.Member) {
	t.Helper()
	store := memory.New()
	svc := New(store, store, nil, nil, window, nil)

	m, err := store.CreateMember(context.Background(), member.Member{Owner: "alice", EncryptedScore: []byte("cipher")})
	if err != nil {
		t.Fatalf("CreateMember: %v", err)
	}
	return svc, store, m
}

func TestSubmitFallsBackToStoredCiphertext(t *testing.T) {
	svc, _, m := newService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "alice", m.ID, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if req.Status != request.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if string(req.Ciphertext) != "cipher" {
		t.Fatalf("ciphertext = %q, want member snapshot", req.Ciphertext)
	}
	if req.ID == 0 {
		t.Fatal("request id not assigned")
	}
}

func TestSubmitPrefersExplicitCiphertext(t *testing.T) {
	svc, _, m := newService(t)

	req, err := svc.Submit(context.Background(), "alice", m.ID, []byte("fresh"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if string(req.Ciphertext) != "fresh" {
		t.Fatalf("ciphertext = %q, want explicit payload", req.Ciphertext)
	}
}

func TestSubmitRequiresOwnership(t *testing.T) {
	svc, _, m := newService(t)

	if _, err := svc.Submit(context.Background(), "mallory", m.ID, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestSubmitUnknownMember(t *testing.T) {
	svc, _, _ := newService(t)

	if _, err := svc.Submit(context.Background(), "alice", "no-such-member", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitRequiresSomeCiphertext(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()

	empty, err := store.CreateMember(ctx, member.Member{Owner: "bob"})
	if err != nil {
		t.Fatalf("CreateMember: %v", err)
	}
	if _, err := svc.Submit(ctx, "bob", empty.ID, nil); !errors.Is(err, ErrNoCiphertext) {
		t.Fatalf("err = %v, want ErrNoCiphertext", err)
	}

	// An explicit payload makes the same member submittable.
	if _, err := svc.Submit(ctx, "bob", empty.ID, []byte("inline")); err != nil {
		t.Fatalf("Submit with explicit payload: %v", err)
	}
}

func TestIsTimedOutFlipsAtWindow(t *testing.T) {
	svc, _, m := newService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "alice", m.ID, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	svc.SetClock(func() time.Time { return req.SubmittedAt.Add(window) })
	timedOut, err := svc.IsTimedOut(ctx, req.ID)
	if err != nil {
		t.Fatalf("IsTimedOut: %v", err)
	}
	if timedOut {
		t.Fatal("timed out exactly at the window boundary, want false")
	}

	svc.SetClock(func() time.Time { return req.SubmittedAt.Add(window + time.Second) })
	timedOut, err = svc.IsTimedOut(ctx, req.ID)
	if err != nil {
		t.Fatalf("IsTimedOut: %v", err)
	}
	if !timedOut {
		t.Fatal("not timed out past the window, want true")
	}
}

func TestIsTimedOutFalseOnceResolved(t *testing.T) {
	svc, store, m := newService(t)
	ctx := context.Background()

	req, err := svc.Submit(ctx, "alice", m.ID, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := store.ResolveRequest(ctx, req.ID, request.StatusCompleted, []byte("1")); err != nil {
		t.Fatalf("ResolveRequest: %v", err)
	}

	// Far past the window the predicate still reports false.
	svc.SetClock(func() time.Time { return req.SubmittedAt.Add(100 * window) })
	timedOut, err := svc.IsTimedOut(ctx, req.ID)
	if err != nil {
		t.Fatalf("IsTimedOut: %v", err)
	}
	if timedOut {
		t.Fatal("resolved request reported timed out")
	}
}
