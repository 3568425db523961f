package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func ownerEcho() (http.Handler, *string) {
	var captured string
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = Owner(r)
		w.WriteHeader(http.StatusOK)
	}), &captured
}

func TestOwnerAuthDevMode(t *testing.T) {
	echo, captured := ownerEcho()
	handler := OwnerAuth("")(echo)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Owner", "alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *captured != "alice" {
		t.Fatalf("owner = %q, want alice", *captured)
	}
}

func TestOwnerAuthDevModeRejectsMissingHeader(t *testing.T) {
	echo, _ := ownerEcho()
	handler := OwnerAuth("")(echo)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestOwnerAuthJWTRoundTrip(t *testing.T) {
	const secret = "test-secret"
	echo, captured := ownerEcho()
	handler := OwnerAuth(secret)(echo)

	token, err := IssueOwnerToken(secret, "bob")
	if err != nil {
		t.Fatalf("IssueOwnerToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *captured != "bob" {
		t.Fatalf("owner = %q, want bob", *captured)
	}
}

func TestOwnerAuthJWTRejectsBadToken(t *testing.T) {
	echo, _ := ownerEcho()
	handler := OwnerAuth("test-secret")(echo)

	// Signed with a different secret.
	token, err := IssueOwnerToken("other-secret", "bob")
	if err != nil {
		t.Fatalf("IssueOwnerToken: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestOwnerAuthJWTRejectsMissingToken(t *testing.T) {
	echo, _ := ownerEcho()
	handler := OwnerAuth("test-secret")(echo)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Owner", "alice") // ignored once JWT is configured
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestOracleAuth(t *testing.T) {
	var captured string
	handler := OracleAuth([]string{"key-a"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = OracleCaller(r)
	}))

	req := httptest.NewRequest(http.MethodPost, "/callback", nil)
	req.Header.Set("Authorization", "Bearer key-a")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if captured != "key-a" {
		t.Fatalf("caller = %q, want key-a", captured)
	}

	req = httptest.NewRequest(http.MethodPost, "/callback", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("untrusted key status = %d, want 401", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("burst requests rejected: %v", statuses)
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Fatalf("limit never applied: %v", statuses)
	}

	// A different caller gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh caller limited: %d", rec.Code)
	}
}
