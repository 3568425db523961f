// Package members manages the membership registry and applies decrypted tier
// levels delivered by the resolution pipeline.
package members

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/domain/member"
	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Service owns member registration and the completion hook that turns a
// decrypted score into a tier level.
type Service struct {
	store         storage.MemberStore
	bus           *events.Bus
	memberTimeout time.Duration
	now           func() time.Time
	log           *logger.Logger
}

// New creates a member service.
func New(store storage.MemberStore, bus *events.Bus, memberTimeout time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("members")
	}
	return &Service{
		store:         store,
		bus:           bus,
		memberTimeout: memberTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		log:           log,
	}
}

// SetClock overrides the service clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Register creates a member owned by owner, holding the given ciphertext.
func (s *Service) Register(ctx context.Context, owner string, ciphertext []byte) (member.Member, error) {
	if owner == "" {
		return member.Member{}, fmt.Errorf("owner is required")
	}

	m, err := s.store.CreateMember(ctx, member.Member{
		Owner:          owner,
		EncryptedScore: ciphertext,
	})
	if err != nil {
		return member.Member{}, fmt.Errorf("creating member: %w", err)
	}

	s.log.WithFields(map[string]interface{}{
		"member_id": m.ID,
		"owner":     m.Owner,
	}).Info("member registered")

	if s.bus != nil {
		s.bus.Publish(events.TypeMemberRegistered, map[string]interface{}{
			"member_id": m.ID,
			"owner":     m.Owner,
		})
	}
	return m, nil
}

// Get returns a member by id.
func (s *Service) Get(ctx context.Context, id string) (member.Member, error) {
	return s.store.GetMember(ctx, id)
}

// List returns all registered members.
func (s *Service) List(ctx context.Context) ([]member.Member, error) {
	return s.store.ListMembers(ctx)
}

// UpdateCiphertext replaces the encrypted score held for a member.
func (s *Service) UpdateCiphertext(ctx context.Context, id string, ciphertext []byte) (member.Member, error) {
	return s.store.SetMemberCiphertext(ctx, id, ciphertext)
}

// ApplyDecryptedLevel is the completion hook: it parses the decrypted payload
// as a tier level and stores it on the member. Registration time is untouched,
// so applying a level never resets the member timeout clock.
func (s *Service) ApplyDecryptedLevel(ctx context.Context, memberID string, plaintext []byte) (member.Member, error) {
	level, err := parseLevel(plaintext)
	if err != nil {
		return member.Member{}, fmt.Errorf("parsing decrypted level: %w", err)
	}

	m, err := s.store.SetMemberLevel(ctx, memberID, level)
	if err != nil {
		return member.Member{}, fmt.Errorf("applying level to member %s: %w", memberID, err)
	}

	s.log.WithFields(map[string]interface{}{
		"member_id": memberID,
		"level":     level,
	}).Info("decrypted level applied")
	return m, nil
}

// IsTimedOut reports the derived member timeout predicate.
func (s *Service) IsTimedOut(ctx context.Context, id string) (bool, error) {
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return false, err
	}
	return m.TimedOut(s.now(), s.memberTimeout), nil
}

// TimedOutMembers returns every member past the inactivity window.
func (s *Service) TimedOutMembers(ctx context.Context) ([]member.Member, error) {
	all, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]member.Member, 0)
	for _, m := range all {
		if m.TimedOut(now, s.memberTimeout) {
			out = append(out, m)
		}
	}
	return out, nil
}

// parseLevel interprets the oracle plaintext as a decimal tier level.
func parseLevel(plaintext []byte) (int64, error) {
	text := strings.TrimSpace(string(plaintext))
	if text == "" {
		return 0, fmt.Errorf("empty plaintext")
	}
	level, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("plaintext %q is not a level: %w", text, err)
	}
	if level < 0 {
		return 0, fmt.Errorf("level %d is negative", level)
	}
	return level, nil
}
