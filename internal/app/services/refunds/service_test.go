package refunds

import (
	"context"
	"errors"
	"testing"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/memory"
)

func newService() *Service {
	return New(memory.New(), nil, nil, 50, nil)
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	// Same recipient, same instant: ids must still differ.
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		rec, err := svc.Create(ctx, "alice", refund.KindTimeout, int64(i+1), "timeout")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[rec.ID] {
			t.Fatalf("duplicate refund id %s", rec.ID)
		}
		seen[rec.ID] = true
		if rec.Amount != 50 {
			t.Fatalf("amount = %d, want configured 50", rec.Amount)
		}
	}

	list, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 10 {
		t.Fatalf("ledger holds %d records, want 10", len(list))
	}
}

func TestCreateRequiresRecipient(t *testing.T) {
	svc := newService()
	if _, err := svc.Create(context.Background(), "", refund.KindManual, 0, ""); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestClaimOnlyRecipientAndOnlyOnce(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	rec, err := svc.Create(ctx, "alice", refund.KindDecryptionFailure, 1, "oracle failure")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := svc.Claim(ctx, rec.ID, "mallory"); !errors.Is(err, storage.ErrNotRecipient) {
		t.Fatalf("foreign claim err = %v, want ErrNotRecipient", err)
	}

	claimed, err := svc.Claim(ctx, rec.ID, "alice")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed.Claimed {
		t.Fatal("claim flag not set")
	}

	if _, err := svc.Claim(ctx, rec.ID, "alice"); !errors.Is(err, storage.ErrAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrAlreadyClaimed", err)
	}

	// Non-recipients are rejected as such even after the claim.
	if _, err := svc.Claim(ctx, rec.ID, "mallory"); !errors.Is(err, storage.ErrNotRecipient) {
		t.Fatalf("foreign claim after claim err = %v, want ErrNotRecipient", err)
	}
}

func TestClaimUnknownRefund(t *testing.T) {
	svc := newService()
	if _, err := svc.Claim(context.Background(), "missing", "alice"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListUnclaimedFiltersClaimed(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, err := svc.Create(ctx, "alice", refund.KindTimeout, 1, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, "alice", refund.KindTimeout, 2, ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Claim(ctx, first.ID, "alice"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	unclaimed, err := svc.ListUnclaimed(ctx, "alice")
	if err != nil {
		t.Fatalf("ListUnclaimed: %v", err)
	}
	if len(unclaimed) != 1 || unclaimed[0].RequestID != 2 {
		t.Fatalf("unexpected unclaimed set: %+v", unclaimed)
	}

	// Full listing keeps both.
	all, err := svc.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d records, want 2", len(all))
	}
}
