// Package resolver implements the resolution side of the decryption request
// lifecycle: oracle callbacks, timeout claims and the refunds both produce.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/members"
	"github.com/Obscura-Network/gateway_layer/internal/app/services/refunds"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

var (
	// ErrUntrustedCaller indicates a callback from an identity outside the
	// trusted oracle set.
	ErrUntrustedCaller = errors.New("caller is not a trusted oracle")
	// ErrUnauthorized indicates a caller acting on a member they do not own.
	ErrUnauthorized = errors.New("caller does not own member")
	// ErrNotYetTimedOut indicates a timeout claim on a request still inside
	// the window or already resolved.
	ErrNotYetTimedOut = errors.New("request has not timed out")
)

// Service resolves pending requests. Whichever path reaches the store's
// pending-to-terminal transition first wins; the loser gets a deterministic
// rejection and nothing else happens.
type Service struct {
	requests    storage.RequestStore
	memberStore storage.MemberStore
	members     *members.Service
	refunds     *refunds.Service
	trusted     map[string]bool
	window      time.Duration
	bus         *events.Bus
	metrics     *metrics.Metrics
	now         func() time.Time
	log         *logger.Logger
}

// New creates a resolver. trustedKeys are the oracle identities allowed to
// invoke Resolve; window is the decryption timeout.
func New(
	requestStore storage.RequestStore,
	memberStore storage.MemberStore,
	memberSvc *members.Service,
	refundSvc *refunds.Service,
	trustedKeys []string,
	window time.Duration,
	bus *events.Bus,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	trusted := make(map[string]bool, len(trustedKeys))
	for _, key := range trustedKeys {
		trusted[key] = true
	}
	if log == nil {
		log = logger.NewDefault("resolver")
	}
	return &Service{
		requests:    requestStore,
		memberStore: memberStore,
		members:     memberSvc,
		refunds:     refundSvc,
		trusted:     trusted,
		window:      window,
		bus:         bus,
		metrics:     m,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Trusted reports whether caller is in the trusted oracle set.
func (s *Service) Trusted(caller string) bool { return s.trusted[caller] }

// Resolve handles an oracle callback for request id. On success the request
// completes and the decrypted payload feeds the member completion hook; a hook
// failure leaves the request completed and records a compensating refund. On
// reported failure the request is marked failed and a refund is recorded.
// Duplicate callbacks return storage.ErrAlreadyResolved and change nothing.
func (s *Service) Resolve(ctx context.Context, caller string, id int64, plaintext []byte, success bool) (request.Request, error) {
	if !s.trusted[caller] {
		return request.Request{}, ErrUntrustedCaller
	}

	status := request.StatusCompleted
	var result []byte
	if success {
		result = plaintext
	} else {
		status = request.StatusFailedRefunded
	}

	req, err := s.requests.ResolveRequest(ctx, id, status, result)
	if err != nil {
		return request.Request{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"member_id":  req.MemberID,
		"status":     req.Status,
	}).Info("request resolved by oracle callback")
	s.observeResolution(req)

	if success {
		if _, err := s.members.ApplyDecryptedLevel(ctx, req.MemberID, plaintext); err != nil {
			// The request stays completed; the subject is compensated for the
			// lost effect instead of reopening the lifecycle.
			s.log.WithError(err).WithField("request_id", req.ID).Error("completion hook failed")
			s.createRefund(ctx, req, refund.KindDecryptionFailure, fmt.Sprintf("completion hook failed: %v", err))
		}
		return req, nil
	}

	s.createRefund(ctx, req, refund.KindDecryptionFailure, "oracle reported decryption failure")
	return req, nil
}

// ClaimTimeout forces a timed-out pending request into the timed-out terminal
// state and records a refund. Any caller may invoke it: the refund recipient
// is always the owner of the request's member, so a stranger claiming early
// only accelerates the subject's compensation. Requests inside the window, and
// requests already resolved, are rejected with ErrNotYetTimedOut.
func (s *Service) ClaimTimeout(ctx context.Context, id int64) (request.Request, error) {
	req, err := s.expire(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotExpired) || errors.Is(err, storage.ErrAlreadyResolved) {
			return request.Request{}, ErrNotYetTimedOut
		}
		return request.Request{}, err
	}
	return req, nil
}

// Expire is ClaimTimeout with the raw storage sentinels surfaced. Used by the
// sweeper, which distinguishes lost races from real failures.
func (s *Service) Expire(ctx context.Context, id int64) (request.Request, error) {
	return s.expire(ctx, id)
}

func (s *Service) expire(ctx context.Context, id int64) (request.Request, error) {
	req, err := s.requests.ExpireRequest(ctx, id, s.now(), s.window)
	if err != nil {
		return request.Request{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"request_id":   req.ID,
		"member_id":    req.MemberID,
		"submitted_at": req.SubmittedAt,
	}).Warn("request timed out")
	s.observeResolution(req)

	s.createRefund(ctx, req, refund.KindTimeout, "decryption request timed out")
	return req, nil
}

// RequestManualRefund records a manual refund for the owner of a member.
func (s *Service) RequestManualRefund(ctx context.Context, caller, memberID, reason string) (refund.Record, error) {
	m, err := s.memberStore.GetMember(ctx, memberID)
	if err != nil {
		return refund.Record{}, err
	}
	if m.Owner != caller {
		return refund.Record{}, ErrUnauthorized
	}
	if reason == "" {
		reason = "manual refund request"
	}
	return s.refunds.Create(ctx, m.Owner, refund.KindManual, 0, reason)
}

// createRefund records a refund for the owner of the request's member. Refund
// bookkeeping failures are logged, never propagated: the resolution already
// happened.
func (s *Service) createRefund(ctx context.Context, req request.Request, kind refund.Kind, reason string) {
	recipient := req.MemberID
	if m, err := s.memberStore.GetMember(ctx, req.MemberID); err == nil {
		recipient = m.Owner
	} else {
		s.log.WithError(err).WithField("member_id", req.MemberID).Warn("refund recipient lookup failed, crediting member id")
	}

	if _, err := s.refunds.Create(ctx, recipient, kind, req.ID, reason); err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"request_id": req.ID,
			"kind":       kind,
		}).Error("failed to record refund")
	}
}

func (s *Service) observeResolution(req request.Request) {
	if s.metrics != nil {
		s.metrics.RequestsResolved.WithLabelValues(string(req.Status)).Inc()
		s.metrics.RequestsPending.Dec()
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeRequestResolved, map[string]interface{}{
			"request_id": req.ID,
			"member_id":  req.MemberID,
			"status":     string(req.Status),
		})
	}
}
