// Package refunds manages the append-only refund ledger and its claim-once
// semantics.
package refunds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/refund"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Service owns refund record creation and claiming. Creation is internal to
// the gateway: records appear only when the resolution pipeline or the manual
// refund endpoint produces one.
type Service struct {
	store      storage.RefundStore
	bus        *events.Bus
	metrics    *metrics.Metrics
	flatAmount int64
	log        *logger.Logger
}

// New creates a refund service. flatAmount is credited on every record.
func New(store storage.RefundStore, bus *events.Bus, m *metrics.Metrics, flatAmount int64, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("refunds")
	}
	return &Service{
		store:      store,
		bus:        bus,
		metrics:    m,
		flatAmount: flatAmount,
		log:        log,
	}
}

// Create appends a refund record for recipient. The id mixes a random nonce
// into the hash so two records for the same recipient in the same instant
// never collide.
func (s *Service) Create(ctx context.Context, recipient string, kind refund.Kind, requestID int64, reason string) (refund.Record, error) {
	if recipient == "" {
		return refund.Record{}, fmt.Errorf("recipient is required")
	}

	now := time.Now().UTC()
	rec := refund.Record{
		ID:        refundID(recipient, now),
		Recipient: recipient,
		Amount:    s.flatAmount,
		Kind:      kind,
		RequestID: requestID,
		Reason:    reason,
		CreatedAt: now,
	}

	rec, err := s.store.CreateRefund(ctx, rec)
	if err != nil {
		return refund.Record{}, fmt.Errorf("creating refund: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"refund_id":  rec.ID,
		"recipient":  rec.Recipient,
		"kind":       rec.Kind,
		"request_id": rec.RequestID,
	}).Info("refund recorded")

	if s.metrics != nil {
		s.metrics.RefundsCreated.WithLabelValues(string(rec.Kind)).Inc()
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeRefundCreated, map[string]interface{}{
			"refund_id":  rec.ID,
			"recipient":  rec.Recipient,
			"kind":       string(rec.Kind),
			"request_id": rec.RequestID,
		})
	}
	return rec, nil
}

// Get returns a refund record by id.
func (s *Service) Get(ctx context.Context, id string) (refund.Record, error) {
	return s.store.GetRefund(ctx, id)
}

// List returns every record for recipient, claimed ones included.
func (s *Service) List(ctx context.Context, recipient string) ([]refund.Record, error) {
	return s.store.ListRefunds(ctx, recipient)
}

// ListUnclaimed returns the recipient's records still awaiting a claim.
func (s *Service) ListUnclaimed(ctx context.Context, recipient string) ([]refund.Record, error) {
	all, err := s.store.ListRefunds(ctx, recipient)
	if err != nil {
		return nil, err
	}
	out := make([]refund.Record, 0, len(all))
	for _, rec := range all {
		if !rec.Claimed {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Claim marks a record claimed by claimant. Only the recipient may claim, and
// only once; the record itself survives for audit.
func (s *Service) Claim(ctx context.Context, id, claimant string) (refund.Record, error) {
	rec, err := s.store.ClaimRefund(ctx, id, claimant)
	if err != nil {
		return refund.Record{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"refund_id": rec.ID,
		"recipient": rec.Recipient,
	}).Info("refund claimed")

	if s.metrics != nil {
		s.metrics.RefundsClaimed.Inc()
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeRefundClaimed, map[string]interface{}{
			"refund_id": rec.ID,
			"recipient": rec.Recipient,
		})
	}
	return rec, nil
}

// refundID derives a stable identifier from the recipient, a random nonce and
// the creation instant.
func refundID(recipient string, createdAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(recipient))
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(createdAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
