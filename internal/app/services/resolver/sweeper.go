package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Obscura-Network/gateway_layer/internal/app/metrics"
	"github.com/Obscura-Network/gateway_layer/internal/app/storage"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Sweeper periodically expires pending requests that outlived the decryption
// window, so refunds accrue even when no subject comes to claim them. The
// store transition is the same one ClaimTimeout uses, so the sweeper can never
// race a callback into a double resolution.
type Sweeper struct {
	resolver *Service
	requests storage.RequestStore
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper polling at the given interval.
func NewSweeper(resolver *Service, requests storage.RequestStore, interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("sweeper")
	}
	return &Sweeper{
		resolver: resolver,
		requests: requests,
		interval: interval,
		metrics:  m,
		log:      log,
	}
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "timeout-sweeper" }

// Start implements system.Service.
func (s *Sweeper) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(ctx)

	s.log.WithField("interval", s.interval).Info("timeout sweeper started")
	return nil
}

// Stop implements system.Service.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep expires every pending request past the window. Losing the transition
// to a concurrent callback or claim is normal and not an error.
func (s *Sweeper) sweep(ctx context.Context) {
	pending, err := s.requests.ListPendingRequests(ctx)
	if err != nil {
		s.log.WithError(err).Error("sweep failed to list pending requests")
		return
	}

	now := s.resolver.now()
	for _, req := range pending {
		if !req.TimedOut(now, s.resolver.window) {
			continue
		}
		if _, err := s.resolver.Expire(ctx, req.ID); err != nil {
			if errors.Is(err, storage.ErrAlreadyResolved) || errors.Is(err, storage.ErrNotExpired) {
				continue
			}
			s.log.WithError(err).WithField("request_id", req.ID).Error("sweep failed to expire request")
			continue
		}
		if s.metrics != nil {
			s.metrics.SweeperExpired.Inc()
		}
	}
}
