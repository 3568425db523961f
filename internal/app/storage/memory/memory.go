package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local
// development. The single mutex makes each resolve/claim transition atomic,
// which is the property the services rely on.
type Store struct {
	mu            sync.RWMutex
	nextRequestID int64
	members       map[string]member.Member
	requests      map[int64]request.Request
	requestOrder  []int64
	refunds       map[string]refund.Record
	refundIndex   map[string][]string
}

var _ storage.MemberStore = (*Store)(nil)
var _ storage.RequestStore = (*Store)(nil)
var _ storage.RefundStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextRequestID: 1,
		members:       make(map[string]member.Member),
		requests:      make(map[int64]request.Request),
		refunds:       make(map[string]refund.Record),
		refundIndex:   make(map[string][]string),
	}
}

// MemberStore implementation ---------------------------------------------------

func (s *Store) CreateMember(_ context.Context, m member.Member) (member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	} else if _, exists := s.members[m.ID]; exists {
		return member.Member{}, fmt.Errorf("member %s already exists", m.ID)
	}

	now := time.Now().UTC()
	if m.RegisteredAt.IsZero() {
		m.RegisteredAt = now
	}
	m.UpdatedAt = now
	m.EncryptedScore = cloneBytes(m.EncryptedScore)

	s.members[m.ID] = m
	return cloneMember(m), nil
}

func (s *Store) GetMember(_ context.Context, id string) (member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[id]
	if !ok {
		return member.Member{}, storage.ErrNotFound
	}
	return cloneMember(m), nil
}

func (s *Store) ListMembers(_ context.Context) ([]member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]member.Member, 0, len(s.members))
	for _, m := range s.members {
		result = append(result, cloneMember(m))
	}
	return result, nil
}

func (s *Store) SetMemberLevel(_ context.Context, id string, level int64) (member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return member.Member{}, storage.ErrNotFound
	}
	m.Level = level
	m.UpdatedAt = time.Now().UTC()
	s.members[id] = m
	return cloneMember(m), nil
}

func (s *Store) SetMemberCiphertext(_ context.Context, id string, ciphertext []byte) (member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[id]
	if !ok {
		return member.Member{}, storage.ErrNotFound
	}
	m.EncryptedScore = cloneBytes(ciphertext)
	m.UpdatedAt = time.Now().UTC()
	s.members[id] = m
	return cloneMember(m), nil
}

// RequestStore implementation --------------------------------------------------

func (s *Store) CreateRequest(_ context.Context, req request.Request) (request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req.ID = s.nextRequestID
	s.nextRequestID++

	now := time.Now().UTC()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	req.Status = request.StatusPending
	req.Result = nil
	req.ResolvedAt = time.Time{}
	req.UpdatedAt = now
	req.Ciphertext = cloneBytes(req.Ciphertext)

	s.requests[req.ID] = req
	s.requestOrder = append(s.requestOrder, req.ID)
	return cloneRequest(req), nil
}

func (s *Store) GetRequest(_ context.Context, id int64) (request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[id]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListRequests(_ context.Context, memberID string) ([]request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]request.Request, 0)
	for _, id := range s.requestOrder {
		req := s.requests[id]
		if memberID == "" || req.MemberID == memberID {
			result = append(result, cloneRequest(req))
		}
	}
	return result, nil
}

func (s *Store) ListPendingRequests(_ context.Context) ([]request.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]request.Request, 0)
	for _, id := range s.requestOrder {
		if req := s.requests[id]; req.Status == request.StatusPending {
			result = append(result, cloneRequest(req))
		}
	}
	return result, nil
}

func (s *Store) ResolveRequest(_ context.Context, id int64, status request.Status, result []byte) (request.Request, error) {
	if !status.Terminal() {
		return request.Request{}, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	if req.Status != request.StatusPending {
		return request.Request{}, storage.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	req.Status = status
	req.Result = cloneBytes(result)
	req.ResolvedAt = now
	req.UpdatedAt = now
	s.requests[id] = req
	return cloneRequest(req), nil
}

func (s *Store) ExpireRequest(_ context.Context, id int64, now time.Time, window time.Duration) (request.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return request.Request{}, storage.ErrNotFound
	}
	if req.Status != request.StatusPending {
		return request.Request{}, storage.ErrAlreadyResolved
	}
	if now.Sub(req.SubmittedAt) <= window {
		return request.Request{}, storage.ErrNotExpired
	}

	stamp := time.Now().UTC()
	req.Status = request.StatusTimedOutRefunded
	req.ResolvedAt = stamp
	req.UpdatedAt = stamp
	s.requests[id] = req
	return cloneRequest(req), nil
}

// RefundStore implementation ---------------------------------------------------

func (s *Store) CreateRefund(_ context.Context, rec refund.Record) (refund.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		return refund.Record{}, fmt.Errorf("refund id is required")
	}
	if _, exists := s.refunds[rec.ID]; exists {
		return refund.Record{}, fmt.Errorf("refund %s already exists", rec.ID)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Claimed = false
	rec.ClaimedAt = time.Time{}

	s.refunds[rec.ID] = rec
	s.refundIndex[rec.Recipient] = append(s.refundIndex[rec.Recipient], rec.ID)
	return rec, nil
}

func (s *Store) GetRefund(_ context.Context, id string) (refund.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.refunds[id]
	if !ok {
		return refund.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) ListRefunds(_ context.Context, recipient string) ([]refund.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.refundIndex[recipient]
	result := make([]refund.Record, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.refunds[id])
	}
	return result, nil
}

func (s *Store) ClaimRefund(_ context.Context, id, claimant string) (refund.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.refunds[id]
	if !ok {
		return refund.Record{}, storage.ErrNotFound
	}
	if rec.Recipient != claimant {
		return refund.Record{}, storage.ErrNotRecipient
	}
	if rec.Claimed {
		return refund.Record{}, storage.ErrAlreadyClaimed
	}

	rec.Claimed = true
	rec.ClaimedAt = time.Now().UTC()
	s.refunds[id] = rec
	return rec, nil
}

// Helpers ----------------------------------------------------------------------

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	return append([]byte(nil), src...)
}

func cloneMember(m member.Member) member.Member {
	m.EncryptedScore = cloneBytes(m.EncryptedScore)
	return m
}

func cloneRequest(req request.Request) request.Request {
	req.Ciphertext = cloneBytes(req.Ciphertext)
	req.Result = cloneBytes(req.Result)
	return req
}
