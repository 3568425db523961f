// Package requests manages the submission side of the decryption request
// lifecycle.
package requests

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/request"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

var (
	// ErrUnauthorized indicates a caller acting on a member they do not own.
	ErrUnauthorized = errors.New("caller does not own member")
	// ErrNoCiphertext indicates a submission with no payload and no stored
	// ciphertext to fall back on.
	ErrNoCiphertext = errors.New("no ciphertext to decrypt")
)

// Service accepts decryption requests and answers lifecycle queries.
type Service struct {
	requests storage.RequestStore
	members  storage.MemberStore
	bus      *events.Bus
	metrics  *metrics.Metrics
	window   time.Duration
	now      func() time.Time
	log      *logger.Logger
}

// New creates a request service. window is the decryption timeout.
func New(requests storage.RequestStore, members storage.MemberStore, bus *events.Bus, m *metrics.Metrics, window time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("requests")
	}
	return &Service{
		requests: requests,
		members:  members,
		bus:      bus,
		metrics:  m,
		window:   window,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Window returns the configured decryption timeout.
func (s *Service) Window() time.Duration { return s.window }

// Submit records a new pending decryption request. An explicit ciphertext
// takes precedence; with none given the member's stored ciphertext is used.
// Only the member's owner may submit.
func (s *Service) Submit(ctx context.Context, caller, memberID string, ciphertext []byte) (request.Request, error) {
	m, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		return request.Request{}, err
	}
	if m.Owner != caller {
		return request.Request{}, ErrUnauthorized
	}
	if len(ciphertext) == 0 {
		ciphertext = m.EncryptedScore
	}
	if len(ciphertext) == 0 {
		return request.Request{}, ErrNoCiphertext
	}

	req, err := s.requests.CreateRequest(ctx, request.Request{
		MemberID:   memberID,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return request.Request{}, fmt.Errorf("creating request: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"request_id": req.ID,
		"member_id":  req.MemberID,
	}).Info("decryption request submitted")

	if s.metrics != nil {
		s.metrics.RequestsSubmitted.Inc()
		s.metrics.RequestsPending.Inc()
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeRequestSubmitted, map[string]interface{}{
			"request_id": req.ID,
			"member_id":  req.MemberID,
		})
	}
	return req, nil
}

// Get returns a request by id.
func (s *Service) Get(ctx context.Context, id int64) (request.Request, error) {
	return s.requests.GetRequest(ctx, id)
}

// List returns requests, optionally filtered by member.
func (s *Service) List(ctx context.Context, memberID string) ([]request.Request, error) {
	return s.requests.ListRequests(ctx, memberID)
}

// IsTimedOut reports the derived timeout predicate for a request: pending and
// older than the window. Resolved requests always report false.
func (s *Service) IsTimedOut(ctx context.Context, id int64) (bool, error) {
	req, err := s.requests.GetRequest(ctx, id)
	if err != nil {
		return false, err
	}
	return req.TimedOut(s.now(), s.window), nil
}
