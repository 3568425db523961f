package members

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/Obscura-Network/gateway_layer/internal/app/events"
	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Auditor periodically scans the registry for members past the inactivity
// window and emits a timeout event for each. Observation only; no member state
// changes.
type Auditor struct {
	svc      *Service
	bus      *events.Bus
	schedule string
	cron     *cron.Cron
	log      *logger.Logger

	mu       sync.Mutex
	running  bool
	reported map[string]bool
}

// NewAuditor creates an auditor running on the given cron schedule
// (e.g. "@hourly").
func NewAuditor(svc *Service, bus *events.Bus, schedule string, log *logger.Logger) *Auditor {
	if schedule == "" {
		schedule = "@hourly"
	}
	if log == nil {
		log = logger.NewDefault("members.auditor")
	}
	return &Auditor{
		svc:      svc,
		bus:      bus,
		schedule: schedule,
		log:      log,
		reported: make(map[string]bool),
	}
}

// Name implements system.Service.
func (a *Auditor) Name() string { return "member-timeout-auditor" }

// Start implements system.Service.
func (a *Auditor) Start(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("auditor already running")
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(a.schedule, a.scan); err != nil {
		return fmt.Errorf("invalid audit schedule %q: %w", a.schedule, err)
	}
	a.cron.Start()
	a.running = true
	a.log.WithField("schedule", a.schedule).Info("member timeout auditor started")
	return nil
}

// Stop implements system.Service.
func (a *Auditor) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	stopped := a.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	a.running = false
	return nil
}

// scan emits one timeout event per newly timed-out member.
func (a *Auditor) scan() {
	timedOut, err := a.svc.TimedOutMembers(context.Background())
	if err != nil {
		a.log.WithError(err).Error("member timeout scan failed")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range timedOut {
		if a.reported[m.ID] {
			continue
		}
		a.reported[m.ID] = true
		a.log.WithFields(map[string]interface{}{
			"member_id":     m.ID,
			"registered_at": m.RegisteredAt,
		}).Warn("member past inactivity window")
		if a.bus != nil {
			a.bus.Publish(events.TypeMemberTimeout, map[string]interface{}{
				"member_id":     m.ID,
				"owner":         m.Owner,
				"registered_at": m.RegisteredAt,
			})
		}
	}
}
