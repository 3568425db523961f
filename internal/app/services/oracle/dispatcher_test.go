package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/members"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/refunds"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/resolver"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage/memory"
)

const apiKey = "dispatcher-key"

func newResolverFixture(t *testing.T) (*memory.Store, *resolver.Service, request.Request) {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	bus := events.NewBus(64, nil)
	memberSvc := members.New(store, bus, 30*24*time.Hour, nil)
	refundSvc := refunds.New(store, bus, nil, 0, nil)
	res := resolver.New(store, store, memberSvc, refundSvc, []string{apiKey}, 7*24*time.Hour, bus, nil, nil)

	m, err := store.CreateMember(ctx, member.Member{Owner: "alice", EncryptedScore: []byte("cipher")})
	if err != nil {
		t.Fatalf("CreateMember: %v", err)
	}
	req, err := store.CreateRequest(ctx, request.Request{MemberID: m.ID, Ciphertext: m.EncryptedScore})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return store, res, req
}

func waitForStatus(t *testing.T, store *memory.Store, id int64, want request.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		req, err := store.GetRequest(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRequest: %v", err)
		}
		if req.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", req.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherResolvesInlineAnswer(t *testing.T) {
	store, res, req := newResolverFixture(t)

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+apiKey {
			t.Errorf("authorization = %q", got)
		}
		var body struct {
			RequestID  int64  `json:"request_id"`
			Ciphertext string `json:"ciphertext"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode dispatch: %v", err)
		}
		if body.RequestID != req.ID {
			t.Errorf("request_id = %d, want %d", body.RequestID, req.ID)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":   true,
			"plaintext": base64.StdEncoding.EncodeToString([]byte("9")),
		})
	}))
	defer oracleSrv.Close()

	d := NewDispatcher(store, res, oracleSrv.URL, apiKey, 10*time.Millisecond, nil, nil)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(ctx)

	waitForStatus(t, store, req.ID, request.StatusCompleted)

	m, err := store.GetMember(ctx, req.MemberID)
	if err != nil {
		t.Fatalf("GetMember: %v", err)
	}
	if m.Level != 9 {
		t.Fatalf("level = %d, want 9", m.Level)
	}
}

func TestDispatcherAcceptedLeavesRequestPending(t *testing.T) {
	store, res, req := newResolverFixture(t)

	oracleSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer oracleSrv.Close()

	d := NewDispatcher(store, res, oracleSrv.URL, apiKey, 10*time.Millisecond, nil, nil)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, err := store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.Status != request.StatusPending {
		t.Fatalf("status = %s, want pending until the callback lands", got.Status)
	}
}

func TestDispatcherRequiresEndpoint(t *testing.T) {
	store, res, _ := newResolverFixture(t)
	d := NewDispatcher(store, res, "", apiKey, time.Second, nil, nil)
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
